package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath string
	URL        string
	Host       string
	Port       int
	User       string
	Service    string
	LogLevel   string
	Verify     bool
	From       string
	To         string
	Subject    string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./smtpsend.toml", "Path to configuration file")
	flag.StringVar(&f.URL, "url", "", "Connection URL (smtp:// or smtps://), replaces configured server settings")
	flag.StringVar(&f.Host, "host", "", "SMTP server hostname")
	flag.IntVar(&f.Port, "port", 0, "SMTP server port")
	flag.StringVar(&f.User, "user", "", "Authentication username")
	flag.StringVar(&f.Service, "service", "", "Well-known service name (e.g. gmail)")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&f.Verify, "verify", false, "Verify connection settings and exit")
	flag.StringVar(&f.From, "from", "", "Envelope sender and From header")
	flag.StringVar(&f.To, "to", "", "Comma-separated recipient addresses")
	flag.StringVar(&f.Subject, "subject", "", "Subject header")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.URL != "" {
		cfg.SMTP.URL = f.URL
	}

	if f.Host != "" {
		cfg.SMTP.Host = f.Host
	}

	if f.Port > 0 {
		cfg.SMTP.Port = f.Port
	}

	if f.User != "" {
		cfg.SMTP.Auth.User = f.User
	}

	if f.Service != "" {
		cfg.SMTP.Service = f.Service
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}
