package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/fsm"
)

// Output formats understood by the CLI.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	Backend        string        `yaml:"backend" default:"goble"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	OutputFormat   string        `yaml:"output_format" default:"table"`
	SessionFile    string        `yaml:"session_file"`
	HistorySize    uint32        `yaml:"history_size" default:"64"`

	Service   ServiceConfig   `yaml:"service"`
	Write     WriteConfig     `yaml:"write"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ServiceConfig names the peripheral's serial service.
type ServiceConfig struct {
	UUID string `yaml:"uuid" default:"713D0000-503E-4C75-BA94-3148F18D941E"`
	RX   string `yaml:"rx" default:"713D0003-503E-4C75-BA94-3148F18D941E"`
	TX   string `yaml:"tx" default:"713D0002-503E-4C75-BA94-3148F18D941E"`
}

// WriteConfig controls how payloads are written to RX.
type WriteConfig struct {
	ChunkSize    int           `yaml:"chunk_size" default:"20"`
	WithResponse bool          `yaml:"with_response" default:"true"`
	Delay        time.Duration `yaml:"delay" default:"10ms"`
}

// ReconnectConfig is the backoff applied between reconnect attempts.
// All zeroes means retry immediately, forever.
type ReconnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DefaultDir returns ~/.config/blekit.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blekit"
	}
	return filepath.Join(home, ".config", "blekit")
}

// DefaultPath returns the config file read when --config is not given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.SessionFile = filepath.Join(DefaultDir(), "session.yaml")
	return cfg
}

// Load reads path over the defaults. An empty path reads DefaultPath if it
// exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return cfg, nil
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := c.ServiceDescriptor().Validate(); err != nil {
		return err
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan_timeout must be positive, got %s", c.ScanTimeout)
	}
	if c.Write.ChunkSize < 0 {
		return fmt.Errorf("write.chunk_size must not be negative, got %d", c.Write.ChunkSize)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.InitialDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect.initial_delay %s exceeds max_delay %s", c.Reconnect.InitialDelay, c.Reconnect.MaxDelay)
	}
	switch c.OutputFormat {
	case FormatTable, FormatJSON:
	default:
		return fmt.Errorf("unknown output_format %q (supported: %s, %s)", c.OutputFormat, FormatTable, FormatJSON)
	}
	return nil
}

// ServiceDescriptor returns the configured service layout.
func (c *Config) ServiceDescriptor() device.ServiceDescriptor {
	return device.ServiceDescriptor{
		Service: c.Service.UUID,
		RX:      c.Service.RX,
		TX:      c.Service.TX,
	}
}

// Backoff returns the reconnect policy.
func (c *Config) Backoff() fsm.Backoff {
	return fsm.Backoff{
		MaxAttempts:  c.Reconnect.MaxAttempts,
		InitialDelay: c.Reconnect.InitialDelay,
		MaxDelay:     c.Reconnect.MaxDelay,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
