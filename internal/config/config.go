// Package config provides Viper-based configuration loading for the grove
// presence relay and client.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds relay HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP/WebSocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP/WebSocket listener.
	Port int `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RelayConfig holds relay policy settings.
type RelayConfig struct {
	// DefaultRoom is joined by sessions whose hello omits a room.
	DefaultRoom string `mapstructure:"default_room"`
	// HeartbeatInterval is the period between liveness sweeps.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// StalenessTimeout is how long a session may go without a pong before
	// its connection is forcibly terminated.
	StalenessTimeout time.Duration `mapstructure:"staleness_timeout"`
	// SnapshotMinInterval is the per-session snapshot acceptance window;
	// at most one snapshot per window is fanned out (~25 Hz at 40ms).
	SnapshotMinInterval time.Duration `mapstructure:"snapshot_min_interval"`
}

// ClientConfig holds client transport and publication settings.
type ClientConfig struct {
	// ServerURL is the relay WebSocket endpoint, e.g. "ws://host:8080/ws".
	ServerURL string `mapstructure:"server_url"`
	// Room is the broadcast domain to join; empty means the relay default.
	Room string `mapstructure:"room"`
	// PublishInterval caps local snapshot publication (50ms = 20 Hz).
	PublishInterval time.Duration `mapstructure:"publish_interval"`
	// ReconnectInitialDelay is the first reconnect backoff delay.
	ReconnectInitialDelay time.Duration `mapstructure:"reconnect_initial_delay"`
	// ReconnectMaxDelay caps the exponential backoff.
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	// MaxReconnectAttempts is the number of retries before giving up.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
	// QueueCapacity bounds the outbound queue used while disconnected;
	// the oldest entry is dropped when full.
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Client  ClientConfig  `mapstructure:"client"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateClient(c.Client); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", s.Port)
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.DefaultRoom == "" {
		errs = append(errs, "relay.default_room must not be empty")
	}
	if r.HeartbeatInterval <= 0 {
		errs = append(errs, "relay.heartbeat_interval must be positive")
	}
	if r.StalenessTimeout <= 0 {
		errs = append(errs, "relay.staleness_timeout must be positive")
	}
	if r.StalenessTimeout < r.HeartbeatInterval {
		errs = append(errs, "relay.staleness_timeout must not be shorter than relay.heartbeat_interval")
	}
	if r.SnapshotMinInterval <= 0 {
		errs = append(errs, "relay.snapshot_min_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	if c.ServerURL == "" {
		errs = append(errs, "client.server_url must not be empty")
	}
	if c.PublishInterval <= 0 {
		errs = append(errs, "client.publish_interval must be positive")
	}
	if c.ReconnectInitialDelay <= 0 {
		errs = append(errs, "client.reconnect_initial_delay must be positive")
	}
	if c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		errs = append(errs, "client.reconnect_max_delay must not be shorter than client.reconnect_initial_delay")
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Sprintf("client.max_reconnect_attempts must be >= 0, got %d", c.MaxReconnectAttempts))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Sprintf("client.queue_capacity must be >= 1, got %d", c.QueueCapacity))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment
// variable overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with GROVE_ prefix
	v.SetEnvPrefix("GROVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
//
// Postcondition: The returned Config passes Validate.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshal of in-memory defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("relay.default_room", "grove")
	v.SetDefault("relay.heartbeat_interval", "30s")
	v.SetDefault("relay.staleness_timeout", "60s")
	v.SetDefault("relay.snapshot_min_interval", "40ms")

	v.SetDefault("client.server_url", "ws://localhost:8080/ws")
	v.SetDefault("client.room", "")
	v.SetDefault("client.publish_interval", "50ms")
	v.SetDefault("client.reconnect_initial_delay", "1s")
	v.SetDefault("client.reconnect_max_delay", "30s")
	v.SetDefault("client.max_reconnect_attempts", 10)
	v.SetDefault("client.queue_capacity", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
