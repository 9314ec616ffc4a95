// Package config loads delegation settings from delegate.toml with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all settings for a coordinator or worker process.
type Config struct {
	Delegation DelegationConfig `toml:"delegation"`
	Bus        BusConfig        `toml:"bus"`
	Store      StoreConfig      `toml:"store"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

// DelegationConfig is the retry policy. Values are expressed in the
// units operators write in the file; accessors convert to durations.
type DelegationConfig struct {
	AckTimeoutSeconds      float64 `toml:"ack_timeout_seconds"`
	TaskTimeoutSeconds     float64 `toml:"task_timeout_seconds"`
	MaxRetries             int     `toml:"max_retries"`
	RetryBackoffBase       float64 `toml:"retry_backoff_base"`
	RetryBackoffMaxSeconds float64 `toml:"retry_backoff_max_seconds"`
}

// BusConfig selects and configures the message bus.
type BusConfig struct {
	// URL of the NATS server. Empty selects the in-process bus.
	URL string `toml:"url"`

	// Name reported to the server for monitoring.
	Name string `toml:"name"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	// Path of the SQLite database. Empty selects the in-memory store.
	Path string `toml:"path"`
}

// TelemetryConfig configures trace export and the task transition log.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"`
	Protocol string `toml:"protocol"`
	Insecure bool   `toml:"insecure"`
	Debug    bool   `toml:"debug"`

	// Transitions selects the task transition exporter: "file", "http",
	// or "noop". TransitionsTarget is its file path or URL.
	Transitions       string `toml:"transitions"`
	TransitionsTarget string `toml:"transitions_target"`
}

// Default returns the protocol defaults.
func Default() Config {
	return Config{
		Delegation: DelegationConfig{
			AckTimeoutSeconds:      30,
			TaskTimeoutSeconds:     300,
			MaxRetries:             3,
			RetryBackoffBase:       2,
			RetryBackoffMaxSeconds: 300,
		},
		Bus: BusConfig{
			Name: "dispatchkit",
		},
	}
}

// AckTimeout returns the ack window as a duration.
func (c DelegationConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSeconds * float64(time.Second))
}

// TaskTimeout returns the execution bound as a duration.
func (c DelegationConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds * float64(time.Second))
}

// RetryBackoffMax returns the backoff cap as a duration.
func (c DelegationConfig) RetryBackoffMax() time.Duration {
	return time.Duration(c.RetryBackoffMaxSeconds * float64(time.Second))
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"delegate.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dispatchkit", "delegate.toml"))
	}
	return paths
}

// Load reads the first config file found on the standard paths, then
// applies environment overrides. A missing file is not an error; the
// defaults plus environment apply.
func Load() (Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			if err != nil {
				return cfg, path, err
			}
			return cfg, path, nil
		}
	}
	cfg := Default()
	applyEnv(&cfg)
	return cfg, "", nil
}

// LoadFile reads one config file and applies environment overrides on
// top. Unset fields keep their defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding %s: %w", path, err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the protocol cannot run with.
func (c Config) Validate() error {
	if c.Delegation.AckTimeoutSeconds <= 0 {
		return fmt.Errorf("ack_timeout_seconds must be positive, got %v", c.Delegation.AckTimeoutSeconds)
	}
	if c.Delegation.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", c.Delegation.MaxRetries)
	}
	if c.Delegation.RetryBackoffBase <= 1 {
		return fmt.Errorf("retry_backoff_base must exceed 1, got %v", c.Delegation.RetryBackoffBase)
	}
	if c.Delegation.RetryBackoffMaxSeconds <= 0 {
		return fmt.Errorf("retry_backoff_max_seconds must be positive, got %v", c.Delegation.RetryBackoffMaxSeconds)
	}
	return nil
}

// applyEnv layers environment variables over the loaded values. The two
// RETRY_* names are historical and kept for compatibility with existing
// deployments; everything else is DELEGATE_-prefixed.
func applyEnv(cfg *Config) {
	envFloat("DELEGATE_ACK_TIMEOUT_SECONDS", &cfg.Delegation.AckTimeoutSeconds)
	envFloat("DELEGATE_TASK_TIMEOUT_SECONDS", &cfg.Delegation.TaskTimeoutSeconds)
	envInt("DELEGATE_MAX_RETRIES", &cfg.Delegation.MaxRetries)
	envFloat("RETRY_BACKOFF_BASE", &cfg.Delegation.RetryBackoffBase)
	envFloat("RETRY_BACKOFF_MAX", &cfg.Delegation.RetryBackoffMaxSeconds)
	envString("DELEGATE_BUS_URL", &cfg.Bus.URL)
	envString("DELEGATE_BUS_NAME", &cfg.Bus.Name)
	envString("DELEGATE_STORE_PATH", &cfg.Store.Path)
	envString("DELEGATE_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
