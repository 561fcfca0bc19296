package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate and Load for out-of-range values.
var ErrInvalidConfig = errors.New("invalid configuration")

// maxJournalSize mirrors the journal's own upper bound.
const maxJournalSize = 1 << 20

// Config holds application configuration
type Config struct {
	LogLevel      logrus.Level  `yaml:"log_level" json:"log_level"`
	Devices       int           `yaml:"devices" json:"devices" default:"3"`
	Capacity      int           `yaml:"capacity" json:"capacity" default:"32"`
	MaxCapacity   int           `yaml:"max_capacity" json:"max_capacity" default:"16777216"`
	JournalSize   uint32        `yaml:"journal_size" json:"journal_size" default:"256"`
	PollTimeoutMs int           `yaml:"poll_timeout_ms" json:"poll_timeout_ms" default:"50"`
	CloseTimeout  time.Duration `yaml:"close_timeout" json:"close_timeout" default:"5s"`
	CallTimeout   time.Duration `yaml:"call_timeout" json:"call_timeout" default:"5s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the defaults. Keys absent from the file
// keep their default value.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field is within its allowed range.
func (c *Config) Validate() error {
	switch {
	case c.Devices < 1:
		return fmt.Errorf("%w: devices must be >= 1, got %d", ErrInvalidConfig, c.Devices)
	case c.Capacity < 1:
		return fmt.Errorf("%w: capacity must be >= 1, got %d", ErrInvalidConfig, c.Capacity)
	case c.MaxCapacity < c.Capacity:
		return fmt.Errorf("%w: max_capacity %d is below capacity %d", ErrInvalidConfig, c.MaxCapacity, c.Capacity)
	case c.JournalSize < 1 || c.JournalSize > maxJournalSize:
		return fmt.Errorf("%w: journal_size must be in [1, %d], got %d", ErrInvalidConfig, maxJournalSize, c.JournalSize)
	case c.PollTimeoutMs < 1:
		return fmt.Errorf("%w: poll_timeout_ms must be >= 1, got %d", ErrInvalidConfig, c.PollTimeoutMs)
	case c.CloseTimeout <= 0:
		return fmt.Errorf("%w: close_timeout must be positive, got %s", ErrInvalidConfig, c.CloseTimeout)
	case c.CallTimeout <= 0:
		return fmt.Errorf("%w: call_timeout must be positive, got %s", ErrInvalidConfig, c.CallTimeout)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
