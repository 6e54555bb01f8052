// Package config loads the mock server configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
	"github.com/ericogr/mock-amqp-server/pkg/auth"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mock server.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Broker BrokerConfig `yaml:"broker"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig holds listener and protocol settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminAddr       string        `yaml:"admin_addr"` // empty disables the admin API
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Heartbeat       uint16        `yaml:"heartbeat"` // seconds
	FrameMax        uint32        `yaml:"frame_max"`
	ChannelMax      uint16        `yaml:"channel_max"`

	CloseConnectionOnChannelClose bool `yaml:"close_connection_on_channel_close"`
}

// BrokerConfig holds delivery loop settings.
type BrokerConfig struct {
	DeliveryInterval  time.Duration `yaml:"delivery_interval"`
	RetainUndelivered bool          `yaml:"retain_undelivered"`
}

// AuthConfig holds the accepted credentials.
type AuthConfig struct {
	Enabled bool              `yaml:"enabled"`
	Users   map[string]string `yaml:"users"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	user, password := auth.DefaultCredentials()
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:5672",
			AdminAddr:       "127.0.0.1:15672",
			ShutdownTimeout: 5 * time.Second,
			FrameMax:        131072,
		},
		Broker: BrokerConfig{
			DeliveryInterval: time.Second,
		},
		Auth: AuthConfig{
			Enabled: true,
			Users:   map[string]string{user: password},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a YAML file. An empty filename or a missing
// file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv lets DEFAULT_USER and DEFAULT_PASSWORD add a login on top of the
// configured users.
func (c *Config) applyEnv() {
	user, uok := os.LookupEnv("DEFAULT_USER")
	password, pok := os.LookupEnv("DEFAULT_PASSWORD")
	if !uok && !pok {
		return
	}
	u, p := auth.DefaultCredentials()
	if uok {
		u = user
	}
	if pok {
		p = password
	}
	if c.Auth.Users == nil {
		c.Auth.Users = make(map[string]string)
	}
	c.Auth.Users[u] = p
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}
	if c.Server.FrameMax != 0 && c.Server.FrameMax < 4096 {
		return fmt.Errorf("server.frame_max must be 0 or at least 4096")
	}
	if c.Server.FrameMax > amqp.MaxFrameSize {
		return fmt.Errorf("server.frame_max cannot exceed %d", amqp.MaxFrameSize)
	}
	if c.Broker.DeliveryInterval <= 0 {
		return fmt.Errorf("broker.delivery_interval must be positive")
	}
	if c.Auth.Enabled && len(c.Auth.Users) == 0 {
		return fmt.Errorf("auth.users required when auth is enabled")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be one of: console, json")
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
