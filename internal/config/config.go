// Package config defines the daemon configuration, its file/env loader,
// and the hot-reload watcher.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Redis    RedisConfig    `json:"redis" mapstructure:"redis"`
	Stream   StreamConfig   `json:"stream" mapstructure:"stream"`
	Session  SessionConfig  `json:"session" mapstructure:"session"`
	Lock     LockConfig     `json:"lock" mapstructure:"lock"`
	Runtime  RuntimeConfig  `json:"runtime" mapstructure:"runtime"`
	Manifest ManifestConfig `json:"manifest" mapstructure:"manifest"`
	Sweeper  SweeperConfig  `json:"sweeper" mapstructure:"sweeper"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`

	// DataDir holds the durable sqlite file and logs.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds gateway listener settings.
type ServerConfig struct {
	Port          int           `json:"port" mapstructure:"port"`
	Host          string        `json:"host" mapstructure:"host"`
	ShutdownGrace time.Duration `json:"shutdown_grace" mapstructure:"shutdown_grace"`
}

// RedisConfig holds the shared cache connection. An empty Addr selects
// the in-process cache, which limits the deployment to one replica.
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// StreamConfig tunes the event stream generator.
type StreamConfig struct {
	ChannelCapacity int           `json:"channel_capacity" mapstructure:"channel_capacity"`
	ActiveTTL       time.Duration `json:"active_ttl" mapstructure:"active_ttl"`
	InterruptTTL    time.Duration `json:"interrupt_ttl" mapstructure:"interrupt_ttl"`
}

// SessionConfig tunes the session store.
type SessionConfig struct {
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`
	// DurableEnabled switches on the sqlite fallback under DataDir.
	DurableEnabled bool `json:"durable_enabled" mapstructure:"durable_enabled"`
}

// LockConfig tunes distributed lock acquisition.
type LockConfig struct {
	AcquireTimeout time.Duration `json:"acquire_timeout" mapstructure:"acquire_timeout"`
	TTL            time.Duration `json:"ttl" mapstructure:"ttl"`
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
}

// RuntimeConfig selects and authenticates the agent runtime provider.
type RuntimeConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Model     string `json:"model" mapstructure:"model"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// ManifestConfig lists the capabilities announced in every stream's init
// event. Nothing here executes locally; the lists are informational for
// consumers.
type ManifestConfig struct {
	Tools    []string `json:"tools" mapstructure:"tools"`
	Commands []string `json:"commands" mapstructure:"commands"`
	Plugins  []string `json:"plugins" mapstructure:"plugins"`
}

// SweeperConfig schedules the index janitor.
type SweeperConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			Host:          "0.0.0.0",
			ShutdownGrace: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Stream: StreamConfig{
			ChannelCapacity: 100,
			ActiveTTL:       6 * time.Hour,
			InterruptTTL:    2 * time.Minute,
		},
		Session: SessionConfig{
			TTL:            24 * time.Hour,
			DurableEnabled: true,
		},
		Lock: LockConfig{
			AcquireTimeout: 5 * time.Second,
			TTL:            30 * time.Second,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
		},
		Runtime: RuntimeConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4",
			MaxTokens: 4096,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Schedule: "@every 10m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
		},
	}
}

// String returns a JSON representation of the config. API keys are
// elided.
func (c *Config) String() string {
	clone := *c
	if clone.Runtime.APIKey != "" {
		clone.Runtime.APIKey = "[REDACTED]"
	}
	if clone.Redis.Password != "" {
		clone.Redis.Password = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(&clone, "", "  ")
	return string(data)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}

	if c.Stream.ChannelCapacity <= 0 {
		return fmt.Errorf("stream: channel_capacity must be positive")
	}
	if c.Stream.InterruptTTL <= 0 || c.Stream.ActiveTTL <= 0 {
		return fmt.Errorf("stream: marker TTLs must be positive")
	}

	switch c.Runtime.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("runtime: invalid provider %q (must be: anthropic, openai)", c.Runtime.Provider)
	}
	if c.Runtime.APIKey == "" {
		return fmt.Errorf("runtime: api_key is required")
	}
	if c.Runtime.Model == "" {
		return fmt.Errorf("runtime: model is required")
	}

	if c.Sweeper.Enabled && c.Sweeper.Schedule == "" {
		return fmt.Errorf("sweeper: schedule is required when enabled")
	}
	return nil
}
