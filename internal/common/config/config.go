// Package config provides configuration management for Stageflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stageflow/stageflow/internal/common/logger"
)

// Config holds all configuration sections for Stageflow.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Database DatabaseConfig       `mapstructure:"database"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Agent    AgentConfig          `mapstructure:"agent"`
	Pipeline PipelineConfig       `mapstructure:"pipeline"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds storage configuration.
// Stageflow persists pipeline state in SQLite; an empty path selects the
// in-memory repository (useful for tests and throwaway runs).
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// When URL is empty the in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent process configuration.
type AgentConfig struct {
	// DefaultAgent is the agent CLI used when a stage template does not
	// select one explicitly (e.g. "claude", "codex").
	DefaultAgent string `mapstructure:"defaultAgent"`

	// WorkingDirectory is the default working directory for spawned agents.
	WorkingDirectory string `mapstructure:"workingDirectory"`

	// MaxTurns limits agent turns per stage attempt (0 = agent default).
	MaxTurns int `mapstructure:"maxTurns"`
}

// PipelineConfig holds stage execution engine configuration.
type PipelineConfig struct {
	// HealthCheckInterval is how often the process health monitor polls, in seconds.
	HealthCheckInterval int `mapstructure:"healthCheckInterval"`

	// InactivityTimeout is how long a running stage may go without output
	// before it is failed, in seconds.
	InactivityTimeout int `mapstructure:"inactivityTimeout"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HealthCheckIntervalDuration returns the health poll interval as a time.Duration.
func (p *PipelineConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(p.HealthCheckInterval) * time.Second
}

// InactivityTimeoutDuration returns the inactivity threshold as a time.Duration.
func (p *PipelineConfig) InactivityTimeoutDuration() time.Duration {
	return time.Duration(p.InactivityTimeout) * time.Second
}

// Load reads configuration from defaults, an optional config file, and
// STAGEFLOW_* environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("stageflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.stageflow")
	v.AddConfigPath("/etc/stageflow")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is a real error
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("STAGEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database
	v.SetDefault("database.path", "stageflow.db")

	// NATS (empty URL = in-memory bus)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "stageflow")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent
	v.SetDefault("agent.defaultAgent", "claude")
	v.SetDefault("agent.workingDirectory", "")
	v.SetDefault("agent.maxTurns", 0)

	// Pipeline
	v.SetDefault("pipeline.healthCheckInterval", 5)
	v.SetDefault("pipeline.inactivityTimeout", 600)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")
}
