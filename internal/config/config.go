// Package config loads and saves the pomosync configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmendes/pomosync/internal/sync"
	"github.com/jmendes/pomosync/internal/timer"
)

// Config holds the pomosync configuration.
type Config struct {
	// ServerURL is the base URL of the sync API server.
	ServerURL string `yaml:"server_url"`
	// DatabasePath overrides the default database location.
	DatabasePath string `yaml:"database_path,omitempty"`
	// Timer configures the pomodoro cycle.
	Timer TimerConfig `yaml:"timer"`
	// Sync configures the background sync engine.
	Sync SyncConfig `yaml:"sync"`
}

// TimerConfig configures the pomodoro cycle lengths.
type TimerConfig struct {
	// WorkMinutes is the length of a work phase.
	WorkMinutes int `yaml:"work_minutes"`
	// ShortBreakMinutes is the length of a short break.
	ShortBreakMinutes int `yaml:"short_break_minutes"`
	// LongBreakMinutes is the length of a long break.
	LongBreakMinutes int `yaml:"long_break_minutes"`
	// LongBreakInterval is the number of work phases between long breaks.
	LongBreakInterval int `yaml:"long_break_interval"`
}

// SyncConfig configures the sync engine and connectivity probing.
type SyncConfig struct {
	// Workers caps concurrent outbound requests.
	Workers int `yaml:"workers"`
	// RequestTimeoutSeconds bounds each remote call.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// ConflictWindowMinutes is how long a conflict waits for manual
	// resolution before last-write-wins applies. Zero disables the fallback.
	ConflictWindowMinutes int `yaml:"conflict_window_minutes"`
	// HealthIntervalSeconds is how often the server is probed for
	// connectivity.
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ServerURL: "http://127.0.0.1:8787",
		Timer: TimerConfig{
			WorkMinutes:       25,
			ShortBreakMinutes: 5,
			LongBreakMinutes:  15,
			LongBreakInterval: 4,
		},
		Sync: SyncConfig{
			Workers:               4,
			RequestTimeoutSeconds: 10,
			ConflictWindowMinutes: 5,
			HealthIntervalSeconds: 15,
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromHome reads configuration from ~/.pomosync/config.yaml.
func LoadFromHome() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Save writes configuration to a YAML file, creating parent directories if
// needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// DefaultPath returns ~/.pomosync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, ".pomosync", "config.yaml"), nil
}

// DBPath returns the configured database path, defaulting to
// ~/.pomosync/pomosync.db.
func (c *Config) DBPath() (string, error) {
	if c.DatabasePath != "" {
		return c.DatabasePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, ".pomosync", "pomosync.db"), nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must be set")
	}
	if c.Timer.WorkMinutes < 1 || c.Timer.ShortBreakMinutes < 1 || c.Timer.LongBreakMinutes < 1 {
		return fmt.Errorf("timer phase lengths must be at least 1 minute")
	}
	if c.Timer.LongBreakInterval < 1 {
		return fmt.Errorf("long_break_interval must be at least 1")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync workers must be at least 1")
	}
	if c.Sync.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("request_timeout_seconds must be at least 1")
	}
	if c.Sync.ConflictWindowMinutes < 0 {
		return fmt.Errorf("conflict_window_minutes must not be negative")
	}
	if c.Sync.HealthIntervalSeconds < 1 {
		return fmt.Errorf("health_interval_seconds must be at least 1")
	}
	return nil
}

// Durations converts the timer section into engine durations.
func (c *Config) Durations() timer.Durations {
	return timer.Durations{
		Work:              time.Duration(c.Timer.WorkMinutes) * time.Minute,
		ShortBreak:        time.Duration(c.Timer.ShortBreakMinutes) * time.Minute,
		LongBreak:         time.Duration(c.Timer.LongBreakMinutes) * time.Minute,
		LongBreakInterval: c.Timer.LongBreakInterval,
	}
}

// EngineConfig converts the sync section into a sync engine configuration.
func (c *Config) EngineConfig() *sync.Config {
	cfg := sync.DefaultConfig()
	cfg.Workers = c.Sync.Workers
	cfg.RequestTimeout = time.Duration(c.Sync.RequestTimeoutSeconds) * time.Second
	cfg.ConflictWindow = time.Duration(c.Sync.ConflictWindowMinutes) * time.Minute
	return cfg
}

// HealthInterval returns how often connectivity should be probed.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Sync.HealthIntervalSeconds) * time.Second
}
