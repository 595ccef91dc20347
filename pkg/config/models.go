package config

import (
	"time"

	"github.com/a-essam23/go-courier/pkg/pipeline"
)

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Reaper    ReaperConfig
	Database  DatabaseConfig
	Metrics   MetricsConfig
	Log       LogConfig
	Events    map[string]EventConfig `mapstructure:"events"`

	// Pipelines is filled by CompilePipelines, keyed by request kind.
	Pipelines map[string]*pipeline.Pipeline `mapstructure:"-"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
}

type AuthConfig struct {
	// JWTSecret of "" disables handshake authentication.
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type ReaperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"maxOpenConns"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EventConfig struct {
	Modifiers []ModifierConfig `mapstructure:"modifiers"`
}

type ModifierConfig struct {
	Name   string   `mapstructure:"name"`
	Params []string `mapstructure:"params"`
}
