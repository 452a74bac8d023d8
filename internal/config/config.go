package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// DefaultConfigFilePath is the default location for the configuration file.
const DefaultConfigFilePath = "/etc/screenrec/config.yaml"

// Config is the complete recorder configuration.
type Config struct {
	FPS        int    `yaml:"fps" koanf:"fps"`
	BitrateBPS int64  `yaml:"bitrate_bps" koanf:"bitrate_bps"`
	OutputDir  string `yaml:"output_dir" koanf:"output_dir"`

	Encoder EncoderConfig `yaml:"encoder" koanf:"encoder"`
	Storage StorageConfig `yaml:"storage" koanf:"storage"`
	Health  HealthConfig  `yaml:"health" koanf:"health"`
}

// EncoderConfig selects and tunes the three-tier video encoder.
type EncoderConfig struct {
	PreferHardware      bool `yaml:"prefer_hardware" koanf:"prefer_hardware"`
	KeyframeIntervalSec int  `yaml:"keyframe_interval_sec" koanf:"keyframe_interval_sec"`
}

// StorageConfig holds free-space and naming settings. LowDiskThresholdMB
// feeds the startup preflight check; the session's disk poll and the
// storage manager's filenames do not read either field.
type StorageConfig struct {
	LowDiskThresholdMB int64  `yaml:"low_disk_threshold_mb" koanf:"low_disk_threshold_mb"`
	FilenamePattern    string `yaml:"filename_pattern" koanf:"filename_pattern"`
}

// HealthConfig configures the telemetry HTTP surface.
type HealthConfig struct {
	Addr string `yaml:"addr" koanf:"addr"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save atomically writes the configuration to path via a temp file
// plus rename, so a crash mid-write never leaves a partial config.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive")
	}
	if c.FPS > 240 {
		return fmt.Errorf("fps must not exceed 240")
	}
	if c.BitrateBPS <= 0 {
		return fmt.Errorf("bitrate_bps must be positive")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir cannot be empty")
	}
	if c.Encoder.KeyframeIntervalSec <= 0 {
		return fmt.Errorf("encoder.keyframe_interval_sec must be positive")
	}
	if c.Storage.LowDiskThresholdMB < 0 {
		return fmt.Errorf("storage.low_disk_threshold_mb must not be negative")
	}
	return nil
}

// DefaultConfig returns a configuration with production-sane defaults.
func DefaultConfig() *Config {
	return &Config{
		FPS:        30,
		BitrateBPS: 8_000_000,
		OutputDir:  defaultOutputDir(),
		Encoder: EncoderConfig{
			PreferHardware:      true,
			KeyframeIntervalSec: 2,
		},
		Storage: StorageConfig{
			LowDiskThresholdMB: 1024,
			FilenamePattern:    "recording-20060102-150405.mp4",
		},
		Health: HealthConfig{
			Addr: "127.0.0.1:9998",
		},
	}
}

func defaultOutputDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, "Videos", "ScreenRecordings")
	}
	return filepath.Join(os.TempDir(), "screenrec")
}

// filenameTimestampLayout is the timestamp part of
// DefaultFilenamePattern. It is unexported; storagemgr formats its
// own "ScreenRec_2006-01-02_15-04-05" names independently.
const filenameTimestampLayout = "20060102-150405"

// DefaultFilenamePattern mirrors StorageConfig.FilenamePattern's
// default so callers without a loaded Config still get it.
var DefaultFilenamePattern = "recording-" + filenameTimestampLayout + ".mp4"
