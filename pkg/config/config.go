// Package config loads tablewatch settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up inside the config directory.
const FileName = "config.yaml"

// Config holds the tunables shared by the CLI and embedding programs.
type Config struct {
	Version string `yaml:"version"`
	// DefaultDebounce applies to subscribers that do not set their own.
	DefaultDebounce time.Duration `yaml:"default_debounce"`
	// EventBuffer is the capacity of each scheduler event channel.
	EventBuffer int `yaml:"event_buffer"`
	// SampleRows is how many evenly spaced rows go into a snapshot hash.
	SampleRows int `yaml:"sample_rows"`
	// JournalPath is the SQLite event journal. Empty disables journaling.
	JournalPath string `yaml:"journal_path,omitempty"`
	// MetricsNamespace prefixes every Prometheus metric name.
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:          "1.0",
		DefaultDebounce:  50 * time.Millisecond,
		EventBuffer:      256,
		SampleRows:       3,
		MetricsNamespace: "tablewatch",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDir loads FileName from dir, writing the defaults there first if the
// file does not exist yet.
func LoadDir(dir string) (*Config, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Default().Save(path); err != nil {
			return nil, err
		}
	}
	return Load(path)
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects values the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DefaultDebounce < 0 {
		errs = append(errs, fmt.Errorf("default_debounce must not be negative, got %s", c.DefaultDebounce))
	}
	if c.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("event_buffer must be at least 1, got %d", c.EventBuffer))
	}
	if c.SampleRows < 1 {
		errs = append(errs, fmt.Errorf("sample_rows must be at least 1, got %d", c.SampleRows))
	}
	if c.MetricsNamespace == "" {
		errs = append(errs, errors.New("metrics_namespace must not be empty"))
	}
	return errors.Join(errs...)
}
