package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// EncoderInfo describes one encoder listed by `ffmpeg -encoders`
type EncoderInfo struct {
	Name  string
	Video bool
	Audio bool
}

// ListEncoders queries ffmpeg for the encoders it was built with
func ListEncoders(ctx context.Context, ffmpegPath string) (map[string]EncoderInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath, "-encoders", "-hide_banner")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to query ffmpeg encoders: %w", err)
	}
	return parseEncoderList(string(output)), nil
}

// parseEncoderList reads the table that follows the "------" separator.
// Each row is "<flags> <name> <description>" where flags[0] is V, A or S.
func parseEncoderList(output string) map[string]EncoderInfo {
	encoders := make(map[string]EncoderInfo)
	scanner := bufio.NewScanner(strings.NewReader(output))
	inTable := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inTable {
			inTable = strings.HasPrefix(line, "---")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) < 1 {
			continue
		}
		flags := fields[0]
		encoders[fields[1]] = EncoderInfo{
			Name:  fields[1],
			Video: flags[0] == 'V',
			Audio: flags[0] == 'A',
		}
	}
	return encoders
}

// CheckEncoders verifies that the configured codecs exist and that the video
// encoder can actually produce a frame at the given settings.
func CheckEncoders(ctx context.Context, ffmpegPath, videoCodec, audioCodec string) error {
	encoders, err := ListEncoders(ctx, ffmpegPath)
	if err != nil {
		return err
	}

	if info, ok := encoders[videoCodec]; !ok || !info.Video {
		return fmt.Errorf("video encoder %q is not available in %s", videoCodec, ffmpegPath)
	}
	if audioCodec != "" {
		if info, ok := encoders[audioCodec]; !ok || !info.Audio {
			return fmt.Errorf("audio encoder %q is not available in %s", audioCodec, ffmpegPath)
		}
	}

	return testEncoder(ctx, ffmpegPath, videoCodec)
}

// testEncoder tries a quick test encode of a single frame
func testEncoder(ctx context.Context, ffmpegPath string, encoder string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Use 256x256 - some encoders have minimum resolution requirements
	args := []string{
		"-hide_banner",
		"-f", "lavfi",
		"-i", "color=c=black:s=256x256:d=0.1",
		"-frames:v", "1",
		"-pix_fmt", "yuv420p",
		"-c:v", encoder,
		"-f", "null",
		"-",
	}

	output, err := exec.CommandContext(ctx, ffmpegPath, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("test encode with %s failed: %v (output: %s)", encoder, err, truncateOutput(string(output), 200))
	}
	return nil
}

// truncateOutput truncates a string to maxLen characters for logging
func truncateOutput(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
