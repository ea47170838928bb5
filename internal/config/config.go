// Package config provides configuration management for the tunnel control
// plane. It supports loading configuration from a YAML file and from
// environment variables, with environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avtunnel/internal/tunnel"
)

// Environment variables recognized by the control plane.
const (
	EnvConfPath    = "STUNNEL_CONF_PATH"
	EnvPIDFilePath = "STUNNEL_PID_FILE"
	EnvAPIHost     = "API_HOST"
	EnvAPIPort     = "API_PORT"
	EnvLogLevel    = "LOG_LEVEL"
)

// Config holds all configuration settings for the control plane.
type Config struct {
	// Tunnel process settings
	ConfPath    string `json:"confPath" yaml:"confPath"`
	PIDFilePath string `json:"pidFilePath" yaml:"pidFilePath"`

	// Accept-port allocation range
	PortRangeMin int `json:"portRangeMin" yaml:"portRangeMin"`
	PortRangeMax int `json:"portRangeMax" yaml:"portRangeMax"`

	// Defaults stamped into generated configurations
	DefaultCert   string `json:"defaultCert" yaml:"defaultCert"`
	DefaultCAFile string `json:"defaultCAFile" yaml:"defaultCAFile"`

	// Reload confirmation settings
	ConfirmTimeout  time.Duration `json:"confirmTimeout" yaml:"confirmTimeout"`
	ConfirmInterval time.Duration `json:"confirmInterval" yaml:"confirmInterval"`

	// Drift watcher
	WatchEnabled bool `json:"watchEnabled" yaml:"watchEnabled"`

	// API server settings
	APIHost         string        `json:"apiHost" yaml:"apiHost"`
	APIPort         int           `json:"apiPort" yaml:"apiPort"`
	ReadTimeout     time.Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout    time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`

	// Observability - Logging
	LogLevel      string `json:"logLevel" yaml:"logLevel"`
	LogFormat     string `json:"logFormat" yaml:"logFormat"`
	LogOutput     string `json:"logOutput" yaml:"logOutput"`
	LogMaxSizeMB  int    `json:"logMaxSizeMB" yaml:"logMaxSizeMB"`
	LogMaxBackups int    `json:"logMaxBackups" yaml:"logMaxBackups"`
	LogMaxAgeDays int    `json:"logMaxAgeDays" yaml:"logMaxAgeDays"`

	// Observability - Metrics
	MetricsEnabled bool   `json:"metricsEnabled" yaml:"metricsEnabled"`
	MetricsPath    string `json:"metricsPath" yaml:"metricsPath"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ConfPath:    "/etc/stunnel/stunnel.conf",
		PIDFilePath: "/var/run/stunnel.pid",

		PortRangeMin: 50000,
		PortRangeMax: 50100,

		ConfirmTimeout:  5 * time.Second,
		ConfirmInterval: 100 * time.Millisecond,

		WatchEnabled: true,

		APIHost:         "0.0.0.0",
		APIPort:         8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		LogLevel:      "info",
		LogFormat:     "json",
		LogOutput:     "stdout",
		LogMaxSizeMB:  100,
		LogMaxBackups: 3,
		LogMaxAgeDays: 28,

		MetricsEnabled: true,
		MetricsPath:    "/metrics",
	}
}

// Load reads a YAML configuration file over the defaults and then applies
// environment overrides. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvConfPath); v != "" {
		c.ConfPath = v
	}
	if v := os.Getenv(EnvPIDFilePath); v != "" {
		c.PIDFilePath = v
	}
	if v := os.Getenv(EnvAPIHost); v != "" {
		c.APIHost = v
	}
	if v := os.Getenv(EnvAPIPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.APIPort = port
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// PortRange returns the accept-port range as a tunnel.PortRange.
func (c *Config) PortRange() tunnel.PortRange {
	return tunnel.PortRange{Min: c.PortRangeMin, Max: c.PortRangeMax}
}

// APIAddr returns the listen address of the API server.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.ConfPath == "" {
		return fmt.Errorf("ConfPath is required")
	}
	if c.PIDFilePath == "" {
		return fmt.Errorf("PIDFilePath is required")
	}

	if err := c.PortRange().Validate(); err != nil {
		return fmt.Errorf("invalid port range: %w", err)
	}

	if err := validatePort(c.APIPort, "APIPort"); err != nil {
		return err
	}

	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("ConfirmTimeout must be positive")
	}
	if c.ConfirmInterval <= 0 {
		return fmt.Errorf("ConfirmInterval must be positive")
	}
	if c.ConfirmInterval >= c.ConfirmTimeout {
		return fmt.Errorf("ConfirmInterval must be shorter than ConfirmTimeout")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s, must be one of: debug, info, warn, error", c.LogLevel)
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("invalid LogFormat: %s, must be one of: json, console", c.LogFormat)
	}

	if c.MetricsEnabled && c.MetricsPath == "" {
		return fmt.Errorf("MetricsPath is required when metrics are enabled")
	}

	return nil
}

// validatePort checks that a port number is in the valid range.
func validatePort(port int, name string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
