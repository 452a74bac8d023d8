package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig() failed Validate(): %v", err)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.FPS = 60
	cfg.BitrateBPS = 12_000_000
	cfg.OutputDir = dir
	cfg.Encoder.PreferHardware = false

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if loaded.FPS != 60 {
		t.Errorf("FPS = %d, want 60", loaded.FPS)
	}
	if loaded.BitrateBPS != 12_000_000 {
		t.Errorf("BitrateBPS = %d, want 12000000", loaded.BitrateBPS)
	}
	if loaded.Encoder.PreferHardware {
		t.Errorf("Encoder.PreferHardware = true, want false")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if e.Name() != "config.yaml" {
			t.Errorf("leftover temp file after Save(): %s", e.Name())
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"zero fps", func(c *Config) { c.FPS = 0 }, true},
		{"fps too high", func(c *Config) { c.FPS = 300 }, true},
		{"zero bitrate", func(c *Config) { c.BitrateBPS = 0 }, true},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }, true},
		{"zero keyframe interval", func(c *Config) { c.Encoder.KeyframeIntervalSec = 0 }, true},
		{"negative disk threshold", func(c *Config) { c.Storage.LowDiskThresholdMB = -1 }, true},
		{"valid defaults", func(c *Config) {}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("LoadConfig() on missing file should error")
	}
}
