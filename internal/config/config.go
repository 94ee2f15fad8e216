// Package config provides configuration management for the smtpsend tool.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the full smtpsend configuration.
type Config struct {
	LogLevel string         `toml:"log_level"`
	SMTP     SMTPConfig     `toml:"smtp"`
	Pool     PoolConfig     `toml:"pool"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	TLS      TLSConfig      `toml:"tls"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// SMTPConfig locates and describes the submission server.
type SMTPConfig struct {
	// URL is a connection URL; when set it replaces the individual
	// fields below.
	URL string `toml:"url"`

	Host         string     `toml:"host"`
	Port         int        `toml:"port"`
	Secure       bool       `toml:"secure"`
	IgnoreTLS    bool       `toml:"ignore_tls"`
	RequireTLS   bool       `toml:"require_tls"`
	Name         string     `toml:"name"`
	LocalAddress string     `toml:"local_address"`
	Service      string     `toml:"service"`
	Debug        bool       `toml:"debug"`
	Auth         AuthConfig `toml:"auth"`
}

// AuthConfig holds submission credentials.
type AuthConfig struct {
	User    string `toml:"user"`
	Pass    string `toml:"pass"`
	XOAuth2 string `toml:"xoauth2"`
	Method  string `toml:"method"`
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxConnections int `toml:"max_connections"`
	MaxMessages    int `toml:"max_messages"`
	RateLimit      int `toml:"rate_limit"`
}

// TimeoutsConfig defines timeout durations as Go duration strings.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Greeting   string `toml:"greeting"`
	Socket     string `toml:"socket"`
}

// TLSConfig holds TLS settings for the client side of the connection.
type TLSConfig struct {
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		LogLevel: "info",
		SMTP: SMTPConfig{
			Host: "localhost",
		},
		Pool: PoolConfig{
			MaxConnections: 5,
			MaxMessages:    100,
		},
		Timeouts: TimeoutsConfig{
			Connection: "2m",
			Greeting:   "30s",
			Socket:     "10m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.SMTP.URL == "" && c.SMTP.Host == "" && c.SMTP.Service == "" {
		return errors.New("smtp host, url or service is required")
	}

	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp port out of range: %d", c.SMTP.Port)
	}

	if c.Pool.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	if c.Pool.MaxMessages <= 0 {
		return errors.New("max_messages must be positive")
	}

	if c.Pool.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}

	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}

	if c.Timeouts.Greeting != "" {
		if _, err := time.ParseDuration(c.Timeouts.Greeting); err != nil {
			return fmt.Errorf("invalid greeting timeout: %w", err)
		}
	}

	if c.Timeouts.Socket != "" {
		if _, err := time.ParseDuration(c.Timeouts.Socket); err != nil {
			return fmt.Errorf("invalid socket timeout: %w", err)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 2 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseTimeout(c.Connection, 2*time.Minute)
}

// GreetingTimeout returns the greeting timeout as a time.Duration.
// Returns 30 seconds if not configured or invalid.
func (c *TimeoutsConfig) GreetingTimeout() time.Duration {
	return parseTimeout(c.Greeting, 30*time.Second)
}

// SocketTimeout returns the socket timeout as a time.Duration.
// Returns 10 minutes if not configured or invalid.
func (c *TimeoutsConfig) SocketTimeout() time.Duration {
	return parseTimeout(c.Socket, 10*time.Minute)
}

func parseTimeout(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
