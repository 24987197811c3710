package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Progress represents the current position of a running ffmpeg command
type Progress struct {
	Frame   int64         `json:"frame"`
	FPS     float64       `json:"fps"`
	Size    int64         `json:"size"`    // Current output size in bytes
	Time    time.Duration `json:"time"`    // Current position in the output
	Speed   float64       `json:"speed"`   // Encoding speed (1.0 = realtime)
	Percent float64       `json:"percent"` // Progress percentage (0-100)
}

// EncodeError contains detailed error information from a failed ffmpeg run
type EncodeError struct {
	Message  string   // The error message
	Stderr   string   // Bounded stderr output (last ~64KB)
	ExitCode int      // FFmpeg exit code
	Args     []string // FFmpeg command arguments
}

func (e *EncodeError) Error() string {
	return e.Message
}

// LastLine returns the last non-empty stderr line, which is usually the
// reason ffmpeg gave up.
func (e *EncodeError) LastLine() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func parseFFmpegOutTime(value string) (time.Duration, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid out_time format: %s", value)
	}

	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, err
	}

	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, err
	}

	secondsPart := parts[2]
	seconds, nanos := int64(0), int64(0)
	if strings.Contains(secondsPart, ".") {
		secParts := strings.SplitN(secondsPart, ".", 2)
		seconds, err = strconv.ParseInt(secParts[0], 10, 64)
		if err != nil {
			return 0, err
		}

		fraction := secParts[1]
		if len(fraction) > 9 {
			fraction = fraction[:9]
		}
		for len(fraction) < 9 {
			fraction += "0"
		}
		nanos, err = strconv.ParseInt(fraction, 10, 64)
		if err != nil {
			return 0, err
		}
	} else {
		seconds, err = strconv.ParseInt(secondsPart, 10, 64)
		if err != nil {
			return 0, err
		}
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(nanos), nil
}

func parseFFmpegStatsLine(line string) (time.Duration, float64, bool) {
	timeIdx := strings.Index(line, "time=")
	if timeIdx == -1 {
		return 0, 0, false
	}

	rest := line[timeIdx+len("time="):]
	timeField := rest
	if end := strings.IndexByte(rest, ' '); end != -1 {
		timeField = rest[:end]
	}
	if timeField == "" || timeField == "N/A" {
		return 0, 0, false
	}

	parsedTime, err := parseFFmpegOutTime(timeField)
	if err != nil {
		return 0, 0, false
	}

	speed := 0.0
	if speedIdx := strings.Index(line, "speed="); speedIdx != -1 {
		speedPart := line[speedIdx+len("speed="):]
		if end := strings.IndexByte(speedPart, ' '); end != -1 {
			speedPart = speedPart[:end]
		}
		speedPart = strings.TrimSuffix(speedPart, "x")
		if speedPart != "N/A" && speedPart != "" {
			if parsedSpeed, err := strconv.ParseFloat(speedPart, 64); err == nil {
				speed = parsedSpeed
			}
		}
	}

	return parsedTime, speed, true
}

func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// maxStderrSize is the maximum amount of stderr to capture (64KB)
const maxStderrSize = 64 * 1024

// boundedBuffer is a ring buffer that keeps only the last N bytes
type boundedBuffer struct {
	buf   []byte
	size  int
	start int
}

func newBoundedBuffer(size int) *boundedBuffer {
	return &boundedBuffer{
		buf:  make([]byte, size),
		size: 0,
	}
}

func (b *boundedBuffer) Write(p []byte) (n int, err error) {
	n = len(p)
	if n >= len(b.buf) {
		// If input is larger than buffer, just keep the end
		copy(b.buf, p[n-len(b.buf):])
		b.size = len(b.buf)
		b.start = 0
	} else if b.size < len(b.buf) {
		// Buffer not yet full
		space := len(b.buf) - b.size
		if n <= space {
			copy(b.buf[b.size:], p)
			b.size += n
		} else {
			// Fill remaining space, then wrap
			copy(b.buf[b.size:], p[:space])
			copy(b.buf, p[space:])
			b.size = len(b.buf)
			b.start = n - space
		}
	} else {
		// Buffer is full, overwrite from start
		end := b.start + n
		if end <= len(b.buf) {
			copy(b.buf[b.start:], p)
		} else {
			firstPart := len(b.buf) - b.start
			copy(b.buf[b.start:], p[:firstPart])
			copy(b.buf, p[firstPart:])
		}
		b.start = end % len(b.buf)
	}
	return n, nil
}

func (b *boundedBuffer) String() string {
	if b.size < len(b.buf) {
		return string(b.buf[:b.size])
	}
	// Reorder circular buffer
	result := make([]byte, len(b.buf))
	copy(result, b.buf[b.start:])
	copy(result[len(b.buf)-b.start:], b.buf[:b.start])
	return string(result)
}

// progressTracker turns raw output positions into monotonic Progress reports.
// Both the -progress stream and the stderr stats fallback feed it.
type progressTracker struct {
	mu       sync.Mutex
	duration time.Duration
	last     time.Duration
	report   func(Progress) error
	err      error
	abort    context.CancelFunc
}

func (t *progressTracker) update(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil || t.report == nil {
		return
	}
	if p.Time < t.last {
		return
	}
	t.last = p.Time

	if t.duration > 0 {
		p.Percent = float64(p.Time) / float64(t.duration) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	if err := t.report(p); err != nil {
		t.err = err
		t.abort()
	}
}

func (t *progressTracker) abortErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// runFFmpeg runs ffmpeg with -progress on stdout and reports positions
// against duration. A non-nil error from report stops the process and is
// returned as is.
func runFFmpeg(ctx context.Context, ffmpegPath string, args []string, duration time.Duration, log zerolog.Logger, report func(Progress) error) error {
	args = append([]string{"-hide_banner", "-nostdin", "-progress", "pipe:1"}, args...)

	log.Debug().Str("cmd", ffmpegPath+" "+strings.Join(args, " ")).Msg("running ffmpeg")

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, ffmpegPath, args...)

	// Capture stdout for progress
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	// Capture stderr for error diagnostics (bounded to prevent memory issues)
	stderrBuf := newBoundedBuffer(maxStderrSize)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	tracker := &progressTracker{duration: duration, report: report, abort: cancel}

	var wg sync.WaitGroup
	wg.Add(2)

	// Parse progress from stdout
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		var current Progress
		sawOutTimeUS := false

		for scanner.Scan() {
			line := scanner.Text()
			// Progress output format: key=value
			idx := strings.Index(line, "=")
			if idx <= 0 {
				continue
			}
			key := line[:idx]
			value := line[idx+1:]

			switch key {
			case "frame":
				current.Frame, _ = strconv.ParseInt(value, 10, 64)
			case "fps":
				current.FPS, _ = strconv.ParseFloat(value, 64)
			case "total_size":
				current.Size, _ = strconv.ParseInt(value, 10, 64)
			case "out_time_us":
				us, _ := strconv.ParseInt(value, 10, 64)
				current.Time = time.Duration(us) * time.Microsecond
				sawOutTimeUS = true
			case "out_time_ms":
				if !sawOutTimeUS {
					// despite the name, ffmpeg reports microseconds here too
					us, _ := strconv.ParseInt(value, 10, 64)
					current.Time = time.Duration(us) * time.Microsecond
				}
			case "out_time":
				if !sawOutTimeUS && value != "N/A" {
					if parsed, err := parseFFmpegOutTime(value); err == nil {
						current.Time = parsed
					}
				}
			case "speed":
				if value != "N/A" {
					current.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
				}
			case "progress":
				// "continue" or "end"
				if value == "continue" || value == "end" {
					tracker.update(current)
					sawOutTimeUS = false
				}
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("progress scanner error")
		}
	}()

	// Parse stderr stats output as a fallback (some ffmpeg builds don't emit -progress)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Split(scanCRLF)

		for scanner.Scan() {
			line := scanner.Text()
			if line != "" {
				_, _ = stderrBuf.Write(append([]byte(line), '\n'))
			}
			if statsTime, statsSpeed, ok := parseFFmpegStatsLine(line); ok {
				tracker.update(Progress{Time: statsTime, Speed: statsSpeed})
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("stderr scanner error")
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	if abortErr := tracker.abortErr(); abortErr != nil {
		return abortErr
	}
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}

		encErr := &EncodeError{
			Stderr:   stderrBuf.String(),
			ExitCode: exitCode,
			Args:     args,
		}
		encErr.Message = fmt.Sprintf("ffmpeg failed: %v", waitErr)
		if last := encErr.LastLine(); last != "" {
			encErr.Message += ": " + last
		}
		return encErr
	}

	return nil
}
