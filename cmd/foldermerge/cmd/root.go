package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gwlsn/foldermerge/internal/config"
	"github.com/gwlsn/foldermerge/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFile    string
	noColor    bool

	store  *config.Store
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "foldermerge",
	Short: "Merge the photos and videos of a folder into one video",
	Long: `foldermerge turns each folder of images and video clips into a single
video. Files are ordered by the capture time in their names, scaled onto a
common frame and encoded with ffmpeg. Several folders can be merged at once.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		envErr := loadDotEnv()

		if configPath == "" {
			configPath = config.DefaultPath()
		}
		var err error
		store, err = config.Open(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		cfg := store.Config()
		if logLevel == "" {
			logLevel = cfg.LogLevel
		}
		if logFile == "" {
			logFile = cfg.LogFile
		}
		logger, err = logging.New(logging.Options{
			Level:   logLevel,
			File:    logFile,
			NoColor: noColor,
		})
		if err != nil {
			return err
		}
		if envErr != nil {
			logger.Warn().Err(envErr).Msg("Could not load .env")
		}
		logger.Debug().Str("config", configPath).Msg("Loaded configuration")
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

// loadDotEnv loads .env files into the environment. Missing files are not
// an error.
func loadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $FOLDERMERGE_CONFIG or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored log output")
}
