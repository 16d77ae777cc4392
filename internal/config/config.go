// Package config holds the server's tunables, defaulted exactly as
// spec.md §6 lists them, and loaded via viper so they can come from
// flags, environment variables (WS_ prefix) or a YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the recognized option set from spec.md §6.
type Config struct {
	Port      int    `mapstructure:"port"`
	Service   string `mapstructure:"service"`
	Generator string `mapstructure:"generator"` // informational; wired in code, see cmd/wsserver

	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadWriteTimeout time.Duration `mapstructure:"read_write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	AcceptPollInterval time.Duration `mapstructure:"accept_poll_interval"`
	DataPollInterval   time.Duration `mapstructure:"data_poll_interval"`

	ReceiveBufferSize int `mapstructure:"receive_buffer_size"`
	SendBufferSize    int `mapstructure:"send_buffer_size"`
	MaxReceiveSize    int `mapstructure:"max_receive_size"`

	// AcceptRateLimit bounds new connections per second on the accept
	// loop (supplemented hardening feature, see SPEC_FULL.md). Zero
	// disables the limiter.
	AcceptRateLimit int `mapstructure:"accept_rate_limit"`

	// MetricsAddr, if non-empty, serves Prometheus metrics on this
	// address on a dedicated listener, separate from the WebSocket port.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Default returns the spec's default configuration. Port and Service
// are required fields left at their example/zero values for the
// caller to override.
func Default() Config {
	return Config{
		Port:    0,
		Service: "chat",

		ShutdownTimeout:  5 * time.Second,
		PingInterval:     10 * time.Second,
		ReadWriteTimeout: 10 * time.Second,
		HandshakeTimeout: 10 * time.Second,

		AcceptPollInterval: 100 * time.Millisecond,
		DataPollInterval:   100 * time.Millisecond,

		ReceiveBufferSize: 2048,
		SendBufferSize:    16384,
		MaxReceiveSize:    16384,

		AcceptRateLimit: 0,
		MetricsAddr:     "",
	}
}

// Load builds a Config from viper bindings (flags are expected to
// already be bound by the caller via BindPFlag), falling back to
// Default() for anything unset, and validates required fields.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()

	v.SetEnvPrefix("WS")
	v.AutomaticEnv()

	for key, def := range map[string]any{
		"port":                 cfg.Port,
		"service":              cfg.Service,
		"shutdown_timeout":     cfg.ShutdownTimeout,
		"ping_interval":        cfg.PingInterval,
		"read_write_timeout":   cfg.ReadWriteTimeout,
		"handshake_timeout":    cfg.HandshakeTimeout,
		"accept_poll_interval": cfg.AcceptPollInterval,
		"data_poll_interval":   cfg.DataPollInterval,
		"receive_buffer_size":  cfg.ReceiveBufferSize,
		"send_buffer_size":     cfg.SendBufferSize,
		"max_receive_size":     cfg.MaxReceiveSize,
		"accept_rate_limit":    cfg.AcceptRateLimit,
		"metrics_addr":         cfg.MetricsAddr,
	} {
		v.SetDefault(key, def)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Port <= 0 {
		return Config{}, fmt.Errorf("port is required and must be > 0")
	}
	if cfg.Service == "" {
		return Config{}, fmt.Errorf("service is required")
	}
	return cfg, nil
}
