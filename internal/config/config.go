// Package config handles loading and parsing of Stowage configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stowage/stowage/internal/imaging"
)

// Config is the top-level configuration for Stowage.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Uploads       UploadsConfig       `yaml:"uploads"`
	Observability ObservabilityConfig `yaml:"observability"`
	// Presets are custom compression presets added to the built-in ones.
	Presets []imaging.Preset `yaml:"presets"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Token, when set, must be sent as "Authorization: Bearer <token>" on
	// every /api request.
	Token string `yaml:"token"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig holds SQLite-specific metadata store settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// UploadsConfig holds upload run defaults.
type UploadsConfig struct {
	// Concurrency is the number of files processed at once, 1 to 20.
	Concurrency int `yaml:"concurrency"`
	// RememberLastTarget stores the destination of each run.
	RememberLastTarget *bool `yaml:"remember_last_target"`
	// GenerateBlurHash is the default for requests that do not say.
	GenerateBlurHash bool `yaml:"generate_blurhash"`
	// URLExpiry is the lifetime of signed URLs in seconds.
	URLExpiry int `yaml:"url_expiry"`
}

// ObservabilityConfig holds metrics settings.
type ObservabilityConfig struct {
	Metrics *bool `yaml:"metrics"`
}

// MetricsEnabled reports whether /metrics is served.
func (c *Config) MetricsEnabled() bool {
	return c.Observability.Metrics == nil || *c.Observability.Metrics
}

// RememberLastTarget reports whether upload targets are remembered.
func (c *Config) RememberLastTarget() bool {
	return c.Uploads.RememberLastTarget == nil || *c.Uploads.RememberLastTarget
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults applied for unset values. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := imaging.NewCatalog(c.Presets...); err != nil {
		return fmt.Errorf("presets: %w", err)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            7420,
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metadata: MetadataConfig{
			SQLite: SQLiteConfig{
				Path: "./data/stowage.db",
			},
		},
		Uploads: UploadsConfig{
			Concurrency: 5,
			URLExpiry:   3600,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling and clamps the upload concurrency.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7420
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = "./data/stowage.db"
	}
	switch {
	case cfg.Uploads.Concurrency == 0:
		cfg.Uploads.Concurrency = 5
	case cfg.Uploads.Concurrency < 1:
		cfg.Uploads.Concurrency = 1
	case cfg.Uploads.Concurrency > 20:
		cfg.Uploads.Concurrency = 20
	}
	if cfg.Uploads.URLExpiry <= 0 {
		cfg.Uploads.URLExpiry = 3600
	}
}
