package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RawDataConfig pairs a staging directory with a source root.
type RawDataConfig struct {
	// Path is the staging directory whose files are imported lazily.
	Path string `yaml:"path"`

	// Recursive walks subdirectories of the staging root.
	Recursive bool `yaml:"recursive"`

	// Cloud selects the polling watcher backend for the staging root.
	Cloud bool `yaml:"cloud"`
}

// SourceConfig describes one indexed media root.
type SourceConfig struct {
	// Path is the source root directory.
	Path string `yaml:"path"`

	// Name is the display name of the source.
	Name string `yaml:"name"`

	// Recursive indexes subdirectories of the root.
	Recursive bool `yaml:"recursive"`

	// Cloud selects the polling watcher backend instead of OS
	// notifications. Use for cloud-mounted drives.
	Cloud bool `yaml:"cloud"`

	// RawData optionally points at a staging directory. Must be a
	// directory distinct from Path.
	RawData *RawDataConfig `yaml:"raw_data,omitempty"`
}

type Config struct {
	// Port is the HTTP listen port
	Port int `yaml:"port"`

	// Sources are the media roots to index and serve
	Sources []SourceConfig `yaml:"sources"`

	// DBPath is where the metadata database lives
	DBPath string `yaml:"db_path"`

	// FFmpegPath is the path to the ffmpeg binary (default: "ffmpeg")
	FFmpegPath string `yaml:"ffmpeg_path"`

	// FFprobePath is the path to the ffprobe binary (default: "ffprobe")
	FFprobePath string `yaml:"ffprobe_path"`

	// CloudScanIntervalMS is the rescan period for cloud watchers in
	// milliseconds (default 180000 = 3 minutes). Applies to every cloud
	// watcher instance.
	CloudScanIntervalMS int `yaml:"cloud_scan_interval_ms"`

	// LogLevel controls logging verbosity: debug, info, warn, error (default: info)
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:                3500,
		DBPath:              "data/metadata.db",
		FFmpegPath:          "ffmpeg",
		FFprobePath:         "ffprobe",
		CloudScanIntervalMS: 180000,
		LogLevel:            "info",
	}
}

// Load reads config from a YAML file, applying defaults for missing
// values. A missing file is created with the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := cfg.Save(path); saveErr != nil {
				fmt.Printf("Warning: Could not create config file: %v\n", saveErr)
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Apply defaults for empty values
	if cfg.Port == 0 {
		cfg.Port = 3500
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/metadata.db"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.CloudScanIntervalMS <= 0 {
		cfg.CloudScanIntervalMS = 180000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects configurations the engine cannot run with.
func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Path == "" {
			return fmt.Errorf("source %d: path is required", i)
		}
		if seen[src.Path] {
			return fmt.Errorf("source %d: duplicate path %s", i, src.Path)
		}
		seen[src.Path] = true
		if src.RawData != nil {
			if src.RawData.Path == "" {
				return fmt.Errorf("source %s: raw_data.path is required", src.Path)
			}
			if src.RawData.Path == src.Path {
				return fmt.Errorf("source %s: raw_data.path must differ from the source path", src.Path)
			}
		}
	}
	return nil
}

// CloudScanInterval returns the cloud rescan period as a duration.
func (c *Config) CloudScanInterval() time.Duration {
	return time.Duration(c.CloudScanIntervalMS) * time.Millisecond
}

// Save writes the config to a YAML file
func (c *Config) Save(path string) error {
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
