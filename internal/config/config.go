// Package config loads the gateway's single immutable configuration value
// at startup: every knob the dispatcher, dial engine, heartbeat monitor
// and session cache need is read once here and passed by reference,
// never looked up ad hoc from the environment deeper in the call stack.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway's immutable configuration, loaded once at startup.
type Config struct {
	// Network
	ListenAddr string `mapstructure:"listen_addr"`

	// Admission
	GlobalMax int `mapstructure:"global_max"`
	PerVMMax  int `mapstructure:"per_vm_max"`

	// Dial / retry
	ConnectionTimeout        time.Duration `mapstructure:"connection_timeout"`
	MaxRetries               int           `mapstructure:"max_retries"`
	RetryDelay               time.Duration `mapstructure:"retry_delay"`
	RetryBackoffMultiplier   float64       `mapstructure:"retry_backoff_multiplier"`
	TCPKeepaliveEnable       bool          `mapstructure:"tcp_keepalive_enable"`
	TCPKeepaliveInitialDelay time.Duration `mapstructure:"tcp_keepalive_initial_delay"`

	// Heartbeat
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// Splice
	BufferMaxSize           int  `mapstructure:"buffer_max_size"`
	AllowLegacyTextFallback bool `mapstructure:"allow_legacy_text_fallback"`

	// Auth
	JWTSigningKey string `mapstructure:"jwt_signing_key"`

	// Upstream management API
	UpstreamBaseURL string        `mapstructure:"upstream_base_url"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`

	// Lifecycle
	ShutdownDeadline time.Duration `mapstructure:"shutdown_deadline"`

	// Ambient
	LogLevel string `mapstructure:"log_level"`
}

const envPrefix = "GATEWAY"

// defaults holds the gateway's out-of-the-box configuration.
func defaults() map[string]any {
	return map[string]any{
		"listen_addr":                 "0.0.0.0:8443",
		"global_max":                  100,
		"per_vm_max":                  20,
		"connection_timeout":          30 * time.Second,
		"max_retries":                 3,
		"retry_delay":                 1 * time.Second,
		"retry_backoff_multiplier":    2.0,
		"tcp_keepalive_enable":        true,
		"tcp_keepalive_initial_delay": 60 * time.Second,
		"heartbeat_interval":          30 * time.Second,
		"buffer_max_size":             1 << 20, // 1 MiB
		"allow_legacy_text_fallback":  true,
		"upstream_timeout":            15 * time.Second,
		"shutdown_deadline":           10 * time.Second,
		"log_level":                   "info",
	}
}

// Load reads configuration from an optional YAML file at path (ignored if
// empty or missing) overlaid with GATEWAY_-prefixed environment variables,
// and validates the result. It never panics; every problem is returned as
// a single wrapped error so a misconfigured deployment fails loudly once
// instead of limping along against a stale default.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var problems []string

	if c.PerVMMax < 17 {
		problems = append(problems, fmt.Sprintf("per_vm_max must be >= 17 to accommodate the full SPICE channel set, got %d", c.PerVMMax))
	}
	if c.GlobalMax <= 0 {
		problems = append(problems, "global_max must be positive")
	}
	if c.PerVMMax > c.GlobalMax {
		problems = append(problems, "per_vm_max must not exceed global_max")
	}
	if c.ConnectionTimeout <= 0 {
		problems = append(problems, "connection_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max_retries must not be negative")
	}
	if c.RetryDelay <= 0 {
		problems = append(problems, "retry_delay must be positive")
	}
	if c.RetryBackoffMultiplier < 1 {
		problems = append(problems, "retry_backoff_multiplier must be >= 1")
	}
	if c.HeartbeatInterval <= 0 {
		problems = append(problems, "heartbeat_interval must be positive")
	}
	if c.BufferMaxSize <= 0 {
		problems = append(problems, "buffer_max_size must be positive")
	}
	if c.ShutdownDeadline <= 0 {
		problems = append(problems, "shutdown_deadline must be positive")
	}
	if c.ListenAddr == "" {
		problems = append(problems, "listen_addr must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
