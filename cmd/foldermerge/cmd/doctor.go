package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/gwlsn/foldermerge/internal/ffmpeg"
	"github.com/gwlsn/foldermerge/internal/ntfy"
)

var testNtfy bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that ffmpeg and the configured encoders work",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := store.Config()
		settings := cfg.Settings
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var problems int
		check := func(name string, err error) {
			if err != nil {
				problems++
				fmt.Printf("✗ %s: %v\n", name, err)
				return
			}
			fmt.Printf("✓ %s\n", name)
		}

		_, err := exec.LookPath(cfg.FFmpegPath)
		check("ffmpeg found ("+cfg.FFmpegPath+")", err)
		_, err = exec.LookPath(cfg.FFprobePath)
		check("ffprobe found ("+cfg.FFprobePath+")", err)

		check(fmt.Sprintf("encoders %s/%s", settings.VideoCodec, settings.AudioCodec),
			ffmpeg.CheckEncoders(ctx, cfg.FFmpegPath, settings.VideoCodec, settings.AudioCodec))
		check("settings valid", settings.Validate())

		if testNtfy {
			client := ntfy.NewClient(cfg.NtfyServer, cfg.NtfyTopic, cfg.NtfyToken)
			check("ntfy notification", client.Test(ctx))
		}

		if problems > 0 {
			return fmt.Errorf("%d problem(s) found", problems)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&testNtfy, "ntfy", false, "also send a test notification")
	rootCmd.AddCommand(doctorCmd)
}
