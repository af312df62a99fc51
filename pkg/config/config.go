// Package config holds the application configuration for cgmlink: logging,
// link timing, and the transmitter identity used by the acceptance policy.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Zero values are filled from the
// default struct tags.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" default:"info"`

	// TransmitterID is the transmitter serial (e.g. "8XY123"). The last two
	// characters appear in the advertised device name, which is what the
	// acceptance policy matches on. Empty accepts any transmitter.
	TransmitterID string `yaml:"transmitter_id"`

	// RetryDelay is the grace period before re-entering active scanning
	// after a disconnect or failed connect, on adapters without native
	// delayed connect.
	RetryDelay time.Duration `yaml:"retry_delay" default:"3s"`

	// DataBuffer is the capacity of the drop-oldest buffer between the link
	// event loop and the output consumer.
	DataBuffer int `yaml:"data_buffer" default:"64"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file and applies defaults to unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	applyDefaults(cfg)

	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields without clobbering explicit values.
func applyDefaults(cfg *Config) {
	defaults.SetDefaults(cfg)
	if cfg.DataBuffer <= 0 {
		cfg.DataBuffer = Default().DataBuffer
	}
}

// Level parses LogLevel into a logrus level.
func (c *Config) Level() (logrus.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
