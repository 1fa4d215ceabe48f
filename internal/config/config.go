// Package config loads the mediabatch YAML configuration and bootstraps
// the application logger.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Pacing   PacingConfig   `yaml:"pacing"`
	Memory   MemoryConfig   `yaml:"memory"`
	Disk     DiskConfig     `yaml:"disk"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Proxies  []string       `yaml:"proxies"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// PacingConfig tunes the download pacing controller.
type PacingConfig struct {
	BaseDelaySeconds int     `yaml:"base_delay_seconds"`
	MinDelaySeconds  int     `yaml:"min_delay_seconds"`
	MaxDelaySeconds  int     `yaml:"max_delay_seconds"`
	WindowSize       int     `yaml:"window_size"`
	SecPerMinute     float64 `yaml:"processing_sec_per_minute"`
	SecPerKiloChars  float64 `yaml:"processing_sec_per_kchars"`
}

// MemoryConfig tunes the memory guard.
type MemoryConfig struct {
	WindowSize int `yaml:"window_size"`
}

// DiskConfig tunes the capacity gate.
type DiskConfig struct {
	SafetyFactor   float64  `yaml:"safety_factor"`
	ItemSizeMB     int      `yaml:"item_size_mb"`
	CheckpointDirs []string `yaml:"checkpoint_dirs"`
}

// PipelineConfig tunes the batch orchestrator.
type PipelineConfig struct {
	WorkDir                string  `yaml:"work_dir"`
	HardwareLimit          int     `yaml:"hardware_limit"`
	GlobalCap              int     `yaml:"global_cap"`
	DownloadPoolCap        int     `yaml:"download_pool_cap"`
	BatchMin               int     `yaml:"batch_min"`
	BatchMax               int     `yaml:"batch_max"`
	PerItemTimeoutMinutes  int     `yaml:"per_item_timeout_minutes"`
	BatchBudgetMinutes     int     `yaml:"batch_budget_minutes"`
	ContentMinutesEstimate float64 `yaml:"content_minutes_estimate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Pacing: PacingConfig{
			BaseDelaySeconds: 8,
			MinDelaySeconds:  2,
			MaxDelaySeconds:  300,
			WindowSize:       20,
			SecPerMinute:     6.0,
			SecPerKiloChars:  0.05,
		},
		Memory: MemoryConfig{WindowSize: 60},
		Disk: DiskConfig{
			SafetyFactor: 1.2,
			ItemSizeMB:   10,
		},
		Pipeline: PipelineConfig{
			WorkDir:                defaultWorkDir(),
			HardwareLimit:          8,
			GlobalCap:              12,
			DownloadPoolCap:        8,
			BatchMin:               10,
			BatchMax:               100,
			PerItemTimeoutMinutes:  30,
			ContentMinutesEstimate: 30,
		},
	}
}

// Load reads a YAML config file on top of the defaults. A missing path
// returns the defaults unchanged; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// PerItemTimeout returns the per-item timeout as a duration.
func (c PipelineConfig) PerItemTimeout() time.Duration {
	return time.Duration(c.PerItemTimeoutMinutes) * time.Minute
}

// BatchBudget returns the per-batch wall-clock budget, zero when disabled.
func (c PipelineConfig) BatchBudget() time.Duration {
	return time.Duration(c.BatchBudgetMinutes) * time.Minute
}

// ItemSizeBytes returns the per-item size estimate in bytes.
func (c DiskConfig) ItemSizeBytes() int64 {
	return int64(c.ItemSizeMB) * 1024 * 1024
}

func defaultWorkDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mediabatch"
	}
	return filepath.Join(home, ".mediabatch")
}
