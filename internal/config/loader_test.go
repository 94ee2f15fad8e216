package config

import (
	"os"
	"path/filepath"
	"testing"
)

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smtpsend.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}

	// Should return defaults
	expected := Default()
	if cfg.SMTP.Host != expected.SMTP.Host {
		t.Errorf("expected host %q, got %q", expected.SMTP.Host, cfg.SMTP.Host)
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
log_level = "debug"

[smtp]
host = "smtp.example.org"
port = 587
require_tls = true
debug = true

[smtp.auth]
user = "sender@example.org"
pass = "hunter2"

[pool]
max_connections = 3
max_messages = 20
rate_limit = 10

[timeouts]
connection = "15s"
greeting = "5s"
socket = "1m"

[metrics]
enabled = true
address = ":9102"
path = "/metrics"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", cfg.LogLevel)
	}
	if cfg.SMTP.Host != "smtp.example.org" {
		t.Errorf("smtp.host = %q, want 'smtp.example.org'", cfg.SMTP.Host)
	}
	if cfg.SMTP.Port != 587 {
		t.Errorf("smtp.port = %d, want 587", cfg.SMTP.Port)
	}
	if !cfg.SMTP.RequireTLS {
		t.Error("smtp.require_tls = false, want true")
	}
	if cfg.SMTP.Auth.User != "sender@example.org" {
		t.Errorf("smtp.auth.user = %q, want 'sender@example.org'", cfg.SMTP.Auth.User)
	}
	if cfg.SMTP.Auth.Pass != "hunter2" {
		t.Errorf("smtp.auth.pass = %q, want 'hunter2'", cfg.SMTP.Auth.Pass)
	}
	if cfg.Pool.MaxConnections != 3 {
		t.Errorf("pool.max_connections = %d, want 3", cfg.Pool.MaxConnections)
	}
	if cfg.Pool.MaxMessages != 20 {
		t.Errorf("pool.max_messages = %d, want 20", cfg.Pool.MaxMessages)
	}
	if cfg.Pool.RateLimit != 10 {
		t.Errorf("pool.rate_limit = %d, want 10", cfg.Pool.RateLimit)
	}
	if cfg.Timeouts.Connection != "15s" {
		t.Errorf("timeouts.connection = %q, want '15s'", cfg.Timeouts.Connection)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics.enabled = false, want true")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadPartialTOMLKeepsDefaults(t *testing.T) {
	content := `
[smtp]
host = "mail.example.net"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.SMTP.Host != "mail.example.net" {
		t.Errorf("smtp.host = %q, want 'mail.example.net'", cfg.SMTP.Host)
	}
	if cfg.Pool.MaxConnections != 5 {
		t.Errorf("pool.max_connections = %d, want default 5", cfg.Pool.MaxConnections)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q, want default 'info'", cfg.LogLevel)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := createTempConfig(t, "smtp = [broken")

	if _, err := Load(path); err == nil {
		t.Error("Load() = nil, want parse error")
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Default()
	cfg.SMTP.Host = "configured.example.org"
	cfg.LogLevel = "warn"

	flags := &Flags{
		Host:     "flagged.example.org",
		Port:     2525,
		User:     "flaguser",
		LogLevel: "debug",
	}

	got := ApplyFlags(cfg, flags)

	if got.SMTP.Host != "flagged.example.org" {
		t.Errorf("smtp.host = %q, want flag override", got.SMTP.Host)
	}
	if got.SMTP.Port != 2525 {
		t.Errorf("smtp.port = %d, want 2525", got.SMTP.Port)
	}
	if got.SMTP.Auth.User != "flaguser" {
		t.Errorf("smtp.auth.user = %q, want 'flaguser'", got.SMTP.Auth.User)
	}
	if got.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", got.LogLevel)
	}
}

func TestApplyFlagsEmptyKeepsConfig(t *testing.T) {
	cfg := Default()
	cfg.SMTP.Host = "configured.example.org"
	cfg.SMTP.Port = 587

	got := ApplyFlags(cfg, &Flags{})

	if got.SMTP.Host != "configured.example.org" {
		t.Errorf("smtp.host = %q, want configured value kept", got.SMTP.Host)
	}
	if got.SMTP.Port != 587 {
		t.Errorf("smtp.port = %d, want configured value kept", got.SMTP.Port)
	}
}

func TestApplyFlagsURL(t *testing.T) {
	cfg := Default()
	got := ApplyFlags(cfg, &Flags{URL: "smtps://u:p@smtp.example.org:465"})
	if got.SMTP.URL != "smtps://u:p@smtp.example.org:465" {
		t.Errorf("smtp.url = %q, want flag value", got.SMTP.URL)
	}
}
