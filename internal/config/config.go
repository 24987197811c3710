package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Resolution names a target output resolution.
type Resolution string

const (
	ResolutionOriginal Resolution = "original"
	Resolution480p     Resolution = "480p"
	Resolution720p     Resolution = "720p"
	Resolution1080p    Resolution = "1080p"
	Resolution4K       Resolution = "4k"
)

// OutputPathType selects where a job writes its output.
type OutputPathType string

const (
	OutputSameFolder  OutputPathType = "same_folder"
	OutputFixedFolder OutputPathType = "fixed_folder"
	OutputAskUser     OutputPathType = "ask_user"
)

// DefaultDateRegex matches names like "clip_01_31_2024_09_15_00 PM.jpg".
const DefaultDateRegex = `_(\d+)_(\d+)_(\d+)_(\d+)_(\d+)_(\d+)\s(AM|PM)`

var presetSizes = map[Resolution][2]int{
	Resolution480p:  {854, 480},
	Resolution720p:  {1280, 720},
	Resolution1080p: {1920, 1080},
	Resolution4K:    {3840, 2160},
}

// Settings controls how a folder is merged. It only holds value fields, so
// assigning a Settings copies it completely.
type Settings struct {
	// ImageDuration is how long each still image is shown, in seconds
	ImageDuration int `yaml:"image_duration"`

	OutputResolution    Resolution `yaml:"output_resolution"`
	OutputWidth         int        `yaml:"output_width"`
	OutputHeight        int        `yaml:"output_height"`
	UseCustomResolution bool       `yaml:"use_custom_resolution"`

	// SortMethod is "date" (regex over the file name) or "name"
	SortMethod  string `yaml:"sort_method"`
	CustomRegex string `yaml:"custom_regex"`

	OutputPathType OutputPathType `yaml:"output_path_type"`
	// OutputFilenameFormat supports {folder_name} and {date}
	OutputFilenameFormat string `yaml:"output_filename_format"`
	FixedOutputFolder    string `yaml:"fixed_output_folder"`

	VideoCodec   string `yaml:"video_codec"`
	VideoBitrate string `yaml:"video_bitrate"`
	AudioCodec   string `yaml:"audio_codec"`
	AudioBitrate string `yaml:"audio_bitrate"`
	FPS          int    `yaml:"fps"`
	Preset       string `yaml:"preset"`
	Threads      int    `yaml:"threads"`

	// ScalingMode is "fit", "fill" or "stretch"
	ScalingMode         string `yaml:"scaling_mode"`
	BackgroundColor     string `yaml:"background_color"`
	MaintainAspectRatio bool   `yaml:"maintain_aspect_ratio"`
	NormalizeAllClips   bool   `yaml:"normalize_all_clips"`
}

// DefaultSettings returns the settings a fresh install starts with.
func DefaultSettings() Settings {
	return Settings{
		ImageDuration:        10,
		OutputResolution:     ResolutionOriginal,
		OutputWidth:          1920,
		OutputHeight:         1080,
		UseCustomResolution:  false,
		SortMethod:           "date",
		CustomRegex:          DefaultDateRegex,
		OutputPathType:       OutputSameFolder,
		OutputFilenameFormat: "{folder_name}_video.mp4",
		FixedOutputFolder:    "~/Videos",
		VideoCodec:           "libx264",
		VideoBitrate:         "700k",
		AudioCodec:           "aac",
		AudioBitrate:         "128k",
		FPS:                  30,
		Preset:               "medium",
		Threads:              2,
		ScalingMode:          "fit",
		BackgroundColor:      "#000000",
		MaintainAspectRatio:  true,
		NormalizeAllClips:    true,
	}
}

// TargetSize returns the configured output dimensions. ok is false when the
// output should follow the largest input ("original").
func (s Settings) TargetSize() (width, height int, ok bool) {
	if s.UseCustomResolution && s.OutputWidth > 0 && s.OutputHeight > 0 {
		return s.OutputWidth, s.OutputHeight, true
	}
	if size, found := presetSizes[s.OutputResolution]; found {
		return size[0], size[1], true
	}
	return 0, 0, false
}

// FixedFolder returns FixedOutputFolder with a leading ~ expanded.
func (s Settings) FixedFolder() string {
	return expandHome(s.FixedOutputFolder)
}

// Validate reports the first setting that cannot be used as-is.
func (s Settings) Validate() error {
	if s.ImageDuration <= 0 {
		return fmt.Errorf("image_duration must be positive, got %d", s.ImageDuration)
	}
	if s.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", s.FPS)
	}
	switch s.OutputResolution {
	case ResolutionOriginal, Resolution480p, Resolution720p, Resolution1080p, Resolution4K:
	default:
		return fmt.Errorf("unknown output_resolution %q", s.OutputResolution)
	}
	if s.UseCustomResolution && (s.OutputWidth <= 0 || s.OutputHeight <= 0) {
		return fmt.Errorf("custom resolution must be positive, got %dx%d", s.OutputWidth, s.OutputHeight)
	}
	switch s.SortMethod {
	case "date", "name":
	default:
		return fmt.Errorf("unknown sort_method %q", s.SortMethod)
	}
	switch s.ScalingMode {
	case "fit", "fill", "stretch":
	default:
		return fmt.Errorf("unknown scaling_mode %q", s.ScalingMode)
	}
	switch s.OutputPathType {
	case OutputSameFolder, OutputFixedFolder, OutputAskUser:
	default:
		return fmt.Errorf("unknown output_path_type %q", s.OutputPathType)
	}
	if s.OutputPathType == OutputFixedFolder && s.FixedOutputFolder == "" {
		return fmt.Errorf("fixed_output_folder is required when output_path_type is %s", OutputFixedFolder)
	}
	if strings.TrimSpace(s.OutputFilenameFormat) == "" {
		return fmt.Errorf("output_filename_format is empty")
	}
	return nil
}

// Config is the on-disk configuration: process-wide options plus the merge
// settings that every new job snapshots.
type Config struct {
	// FFmpegPath is the path to ffmpeg binary (default: "ffmpeg")
	FFmpegPath string `yaml:"ffmpeg_path"`

	// FFprobePath is the path to ffprobe binary (default: "ffprobe")
	FFprobePath string `yaml:"ffprobe_path"`

	// TempPath holds intermediate clip renders. Empty means the OS temp dir.
	TempPath string `yaml:"temp_path"`

	// MaxConcurrent is the number of folders merged at once (default 2)
	MaxConcurrent int `yaml:"max_concurrent"`

	// HistoryFile is the SQLite database recording finished jobs
	HistoryFile string `yaml:"history_file"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	OutputPathTimeoutSeconds int `yaml:"output_path_timeout_seconds"`
	CancelTimeoutMillis      int `yaml:"cancel_timeout_ms"`
	IntegrityCheckSeconds    int `yaml:"integrity_check_seconds"`

	NtfyServer string `yaml:"ntfy_server"`
	NtfyTopic  string `yaml:"ntfy_topic"`
	NtfyToken  string `yaml:"ntfy_token"`

	Settings Settings `yaml:"settings"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		FFmpegPath:               "ffmpeg",
		FFprobePath:              "ffprobe",
		MaxConcurrent:            2,
		HistoryFile:              filepath.Join(defaultDir(), "history.db"),
		LogLevel:                 "info",
		OutputPathTimeoutSeconds: 60,
		CancelTimeoutMillis:      500,
		IntegrityCheckSeconds:    2,
		NtfyServer:               "https://ntfy.sh",
		Settings:                 DefaultSettings(),
	}
}

// DefaultPath returns $FOLDERMERGE_CONFIG, or config.yaml in the user config dir.
func DefaultPath() string {
	if p := os.Getenv("FOLDERMERGE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultDir(), "config.yaml")
}

func defaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".foldermerge"
	}
	return filepath.Join(dir, "foldermerge")
}

// Load reads config from a YAML file, applying defaults for missing values
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file - use defaults
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults replaces zero or out-of-range values with defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.FFmpegPath == "" {
		c.FFmpegPath = def.FFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = def.FFprobePath
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.HistoryFile == "" {
		c.HistoryFile = def.HistoryFile
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.OutputPathTimeoutSeconds <= 0 {
		c.OutputPathTimeoutSeconds = def.OutputPathTimeoutSeconds
	}
	if c.CancelTimeoutMillis <= 0 {
		c.CancelTimeoutMillis = def.CancelTimeoutMillis
	}
	if c.IntegrityCheckSeconds <= 0 {
		c.IntegrityCheckSeconds = def.IntegrityCheckSeconds
	}

	s := &c.Settings
	ds := def.Settings
	if s.ImageDuration <= 0 {
		s.ImageDuration = ds.ImageDuration
	}
	if s.OutputResolution == "" {
		s.OutputResolution = ds.OutputResolution
	}
	if s.SortMethod == "" {
		s.SortMethod = ds.SortMethod
	}
	if s.CustomRegex == "" {
		s.CustomRegex = ds.CustomRegex
	}
	if s.OutputPathType == "" {
		s.OutputPathType = ds.OutputPathType
	}
	if s.OutputFilenameFormat == "" {
		s.OutputFilenameFormat = ds.OutputFilenameFormat
	}
	if s.FixedOutputFolder == "" {
		s.FixedOutputFolder = ds.FixedOutputFolder
	}
	if s.VideoCodec == "" {
		s.VideoCodec = ds.VideoCodec
	}
	if s.FPS <= 0 {
		s.FPS = ds.FPS
	}
	if s.Preset == "" {
		s.Preset = ds.Preset
	}
	if s.Threads < 0 {
		s.Threads = 0
	}
	if s.ScalingMode == "" {
		s.ScalingMode = ds.ScalingMode
	}
	if s.BackgroundColor == "" {
		s.BackgroundColor = ds.BackgroundColor
	}
}

// Save writes the config to a YAML file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetTempDir returns the directory for intermediate renders
func (c *Config) GetTempDir() string {
	if c.TempPath != "" {
		return c.TempPath
	}
	return os.TempDir()
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
