package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/kikiluvv/slopedit/pkg/util"
)

type contextKey string

const configKey contextKey = "config"

// Config holds all persisted session and user attributes
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	Video   VideoConfig   `yaml:"video"`
	Audio   AudioConfig   `yaml:"audio"`
	FFmpeg  FFmpegConfig  `yaml:"ffmpeg"`
	Mixer   MixerConfig   `yaml:"mixer"`
	Layout  LayoutConfig  `yaml:"layout"`
	Startup StartupConfig `yaml:"startup"`
	Preview PreviewConfig `yaml:"preview"`
}

type PathsConfig struct {
	PluginDir   string `yaml:"plugin_dir"`
	LanguageDir string `yaml:"language_dir"`
	ResourceDir string `yaml:"resource_dir"`
	ProjectDir  string `yaml:"project_dir"`
}

type VideoConfig struct {
	Width      int           `yaml:"width"`
	Height     int           `yaml:"height"`
	FrameRate  util.Rational `yaml:"frame_rate"`
	ColorSpace string        `yaml:"color_space"`
	CodecHint  string        `yaml:"codec_hint"`
	Codec      string        `yaml:"codec"`
	Bitrate    int           `yaml:"bitrate"`
	GOPSize    int           `yaml:"gop_size"`
	BFrames    int           `yaml:"b_frames"`
	Options    []KeyValue    `yaml:"options,omitempty"`
}

type AudioConfig struct {
	Channels   int    `yaml:"channels"`
	SampleRate int    `yaml:"sample_rate"`
	Format     string `yaml:"format"`
	CodecHint  string `yaml:"codec_hint"`
	Codec      string `yaml:"codec"`
	Bitrate    int    `yaml:"bitrate"`
}

// KeyValue is one backend-defined encoder option.
type KeyValue struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type FFmpegConfig struct {
	BinaryPath string `yaml:"binary_path"`
	Threads    int    `yaml:"threads"`
	Preset     string `yaml:"preset"`
}

// MixerConfig drives the peak meters; hold and decay are user-tunable.
type MixerConfig struct {
	MeterHold         time.Duration `yaml:"meter_hold"`
	MeterDecayDBPerS  float64       `yaml:"meter_decay_db_per_sec"`
	MeterFloorDB      float64       `yaml:"meter_floor_db"`
	ThumbnailWidth    uint          `yaml:"thumbnail_width"`
	WaveformPerSecond int           `yaml:"waveform_per_second"`
}

type LayoutConfig struct {
	TimelineRatio float64 `yaml:"timeline_ratio"`
	PreviewRatio  float64 `yaml:"preview_ratio"`
	CatalogRatio  float64 `yaml:"catalog_ratio"`
}

// StartupConfig bounds the loader's wait on plugin and environment readiness.
type StartupConfig struct {
	ReadinessPoll    time.Duration `yaml:"readiness_poll"`
	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
}

type PreviewConfig struct {
	TickRate int `yaml:"tick_rate"`
}

// Load reads configuration from file or returns defaults
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = findConfigFile()
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes configuration to file, replacing it atomically
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	return renameio.WriteFile(path, data, 0644)
}

// Default returns a fresh default configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			PluginDir:   "./plugins",
			LanguageDir: "./languages",
			ResourceDir: "./resources",
			ProjectDir:  ".",
		},
		Video: VideoConfig{
			Width:      1920,
			Height:     1080,
			FrameRate:  util.Rational{Num: 25, Den: 1},
			ColorSpace: "bt709",
			CodecHint:  "h264",
			Codec:      "libx264",
			Bitrate:    -1,
			GOPSize:    -1,
			BFrames:    -1,
		},
		Audio: AudioConfig{
			Channels:   2,
			SampleRate: 44100,
			Format:     "fltp",
			CodecHint:  "aac",
			Codec:      "aac",
			Bitrate:    -1,
		},
		FFmpeg: FFmpegConfig{
			BinaryPath: "ffmpeg",
			Threads:    0,
			Preset:     "medium",
		},
		Mixer: MixerConfig{
			MeterHold:         1500 * time.Millisecond,
			MeterDecayDBPerS:  24,
			MeterFloorDB:      -96,
			ThumbnailWidth:    160,
			WaveformPerSecond: 50,
		},
		Layout: LayoutConfig{
			TimelineRatio: 0.35,
			PreviewRatio:  0.5,
			CatalogRatio:  0.25,
		},
		Startup: StartupConfig{
			ReadinessPoll:    20 * time.Millisecond,
			ReadinessTimeout: 30 * time.Second,
		},
		Preview: PreviewConfig{
			TickRate: 60,
		},
	}
}

func findConfigFile() string {
	candidates := []string{
		"./slopedit.yaml",
		"./config.yaml",
		filepath.Join(os.Getenv("HOME"), ".slopedit", "config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return defaultConfig()
}
