// Package config loads, validates, and hot-reloads the daemon's config
// file (yaml or json, strict keys).
package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner"`
	Notify    NotifyConfig    `json:"notify"`
	Pprof     PprofConfig     `json:"pprof"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Console     bool   `json:"console"`
	FileEnabled bool   `json:"file_enabled"`
	FilePath    string `json:"file_path"`

	AlertEnabled    bool   `json:"alert_enabled"`
	AlertMinLevel   string `json:"alert_min_level"`
	AlertRatePerSec int    `json:"alert_rate_per_sec"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout"` // sqlite, Go duration
}

type SchedulerConfig struct {
	Timezone string `json:"timezone"`
}

type RunnerConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	QueueSize  int    `json:"queue_size"`
	RatePerSec int    `json:"rate_per_sec"`
	RetryMax   int    `json:"retry_max"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Default returns the config used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/chronod.db"},
		Runner:  RunnerConfig{Workers: 2, QueueSize: 256},
		Notify:  NotifyConfig{RatePerSec: 1, QueueSize: 128},
		Pprof:   PprofConfig{Addr: "127.0.0.1:6060"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9090"},
	}
}

// Validate rejects configs that cannot possibly run. Hot reload calls this
// before committing, so a bad edit never reaches the services.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Runner.Workers < 0 {
		return fmt.Errorf("runner.workers must be >= 0")
	}
	if c.Runner.QueueSize < 0 {
		return fmt.Errorf("runner.queue_size must be >= 0")
	}
	if c.Notify.Enabled {
		if strings.TrimSpace(c.Notify.Token) == "" {
			return fmt.Errorf("notify.token is required when notify is enabled")
		}
		if c.Notify.ChatID == 0 {
			return fmt.Errorf("notify.chat_id is required when notify is enabled")
		}
	}
	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Addr) == "" {
		return fmt.Errorf("pprof.addr is required when pprof is enabled")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		return fmt.Errorf("metrics.addr is required when metrics is enabled")
	}
	return nil
}
