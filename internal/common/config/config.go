// Package config provides configuration management for agentplane.
// It supports loading configuration from defaults, a config file, and
// environment variables, in that order (last wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentplane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Session   SessionConfig   `mapstructure:"session"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the transport listener configuration. Observers and
// sandboxes both connect to the same port.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds durable store configuration. An empty URL selects an
// embedded SQLite database under the workspace root; a postgres:// URL
// selects PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the sandbox runtime.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// WorkspaceConfig holds the on-disk layout for mirrors and worktrees.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// SandboxConfig holds per-session container settings.
type SandboxConfig struct {
	Image string `mapstructure:"image"`
}

// SessionConfig holds session supervision settings.
type SessionConfig struct {
	IdleTimeoutSeconds  int `mapstructure:"idleTimeoutSeconds"`
	HeartbeatIntervalMs int `mapstructure:"heartbeatIntervalMs"`
}

// AgentConfig holds settings passed through to the sandboxed agent.
type AgentConfig struct {
	BaseSystemPrompt string `mapstructure:"baseSystemPrompt"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// IdleTimeout returns the idle threshold as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat expectation as a time.Duration.
func (s *SessionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

// ExpandedRoot returns the workspace root with a leading ~ expanded.
func (w *WorkspaceConfig) ExpandedRoot() (string, error) {
	root := w.Root
	if strings.HasPrefix(root, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand workspace root: %w", err)
		}
		root = filepath.Join(home, strings.TrimPrefix(root, "~"))
	}
	return filepath.Abs(root)
}

// detectDefaultLogFormat mirrors logger.detectLogFormat for config defaults.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4466)

	// Empty URL means embedded SQLite under the workspace root.
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)

	// Empty URL means in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentplane")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")

	v.SetDefault("workspace.root", "~/.agentplane")
	v.SetDefault("sandbox.image", "agentplane/sandbox:latest")

	v.SetDefault("session.idleTimeoutSeconds", 30)
	v.SetDefault("session.heartbeatIntervalMs", 30000)

	v.SetDefault("agent.baseSystemPrompt", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from defaults, config file, and environment.
// Environment variables use the prefix AGENTPLANE_ with underscore naming.
// The config file is config.yaml in the current directory or /etc/agentplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys, so bind those explicitly.
	_ = v.BindEnv("database.url", "AGENTPLANE_DATABASE_URL")
	_ = v.BindEnv("session.idleTimeoutSeconds", "AGENTPLANE_SESSION_IDLE_TIMEOUT_SECONDS")
	_ = v.BindEnv("session.heartbeatIntervalMs", "AGENTPLANE_SESSION_HEARTBEAT_INTERVAL_MS")
	_ = v.BindEnv("agent.baseSystemPrompt", "AGENTPLANE_AGENT_BASE_SYSTEM_PROMPT")
	_ = v.BindEnv("sandbox.image", "AGENTPLANE_SANDBOX_IMAGE")
	_ = v.BindEnv("docker.apiVersion", "AGENTPLANE_DOCKER_API_VERSION")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentplane/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}

	if cfg.Session.IdleTimeoutSeconds <= 0 {
		errs = append(errs, "session.idleTimeoutSeconds must be positive")
	}
	if cfg.Session.HeartbeatIntervalMs <= 0 {
		errs = append(errs, "session.heartbeatIntervalMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// IsPostgres reports whether the database URL selects PostgreSQL.
func (d *DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}
