package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "delegate.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Delegation.AckTimeout() != 30*time.Second {
		t.Errorf("AckTimeout = %v, want 30s", cfg.Delegation.AckTimeout())
	}
	if cfg.Delegation.TaskTimeout() != 300*time.Second {
		t.Errorf("TaskTimeout = %v, want 300s", cfg.Delegation.TaskTimeout())
	}
	if cfg.Delegation.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Delegation.MaxRetries)
	}
	if cfg.Delegation.RetryBackoffBase != 2 {
		t.Errorf("RetryBackoffBase = %v, want 2", cfg.Delegation.RetryBackoffBase)
	}
	if cfg.Delegation.RetryBackoffMax() != 300*time.Second {
		t.Errorf("RetryBackoffMax = %v, want 300s", cfg.Delegation.RetryBackoffMax())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[delegation]
ack_timeout_seconds = 5.5
max_retries = 1
retry_backoff_max_seconds = 60

[bus]
url = "nats://localhost:4222"
name = "reviewer-pool"

[store]
path = "/var/lib/dispatch/tasks.db"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Delegation.AckTimeout() != 5500*time.Millisecond {
		t.Errorf("AckTimeout = %v, want 5.5s", cfg.Delegation.AckTimeout())
	}
	if cfg.Delegation.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1", cfg.Delegation.MaxRetries)
	}
	// Unset fields keep defaults.
	if cfg.Delegation.RetryBackoffBase != 2 {
		t.Errorf("RetryBackoffBase = %v, want default 2", cfg.Delegation.RetryBackoffBase)
	}
	if cfg.Bus.URL != "nats://localhost:4222" {
		t.Errorf("Bus.URL = %q", cfg.Bus.URL)
	}
	if cfg.Bus.Name != "reviewer-pool" {
		t.Errorf("Bus.Name = %q", cfg.Bus.Name)
	}
	if cfg.Store.Path != "/var/lib/dispatch/tasks.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[delegation]
ack_timeout_seconds = 5
max_retries = 2
`)
	t.Setenv("DELEGATE_ACK_TIMEOUT_SECONDS", "7")
	t.Setenv("DELEGATE_MAX_RETRIES", "9")
	t.Setenv("RETRY_BACKOFF_BASE", "3")
	t.Setenv("RETRY_BACKOFF_MAX", "120")
	t.Setenv("DELEGATE_BUS_URL", "nats://bus:4222")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Delegation.AckTimeout() != 7*time.Second {
		t.Errorf("AckTimeout = %v, want 7s (env wins)", cfg.Delegation.AckTimeout())
	}
	if cfg.Delegation.MaxRetries != 9 {
		t.Errorf("MaxRetries = %d, want 9", cfg.Delegation.MaxRetries)
	}
	if cfg.Delegation.RetryBackoffBase != 3 {
		t.Errorf("RetryBackoffBase = %v, want 3", cfg.Delegation.RetryBackoffBase)
	}
	if cfg.Delegation.RetryBackoffMax() != 120*time.Second {
		t.Errorf("RetryBackoffMax = %v, want 120s", cfg.Delegation.RetryBackoffMax())
	}
	if cfg.Bus.URL != "nats://bus:4222" {
		t.Errorf("Bus.URL = %q", cfg.Bus.URL)
	}
}

func TestLoadFile_IgnoresMalformedEnv(t *testing.T) {
	path := writeConfig(t, `
[delegation]
max_retries = 2
`)
	t.Setenv("DELEGATE_MAX_RETRIES", "lots")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Delegation.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want file value 2", cfg.Delegation.MaxRetries)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ack timeout", func(c *Config) { c.Delegation.AckTimeoutSeconds = 0 }},
		{"negative retries", func(c *Config) { c.Delegation.MaxRetries = -1 }},
		{"base of one", func(c *Config) { c.Delegation.RetryBackoffBase = 1 }},
		{"zero backoff cap", func(c *Config) { c.Delegation.RetryBackoffMaxSeconds = 0 }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFile_BadTOML(t *testing.T) {
	path := writeConfig(t, `delegation = not toml`)
	if _, err := LoadFile(path); err == nil {
		t.Error("expected decode error")
	}
}
