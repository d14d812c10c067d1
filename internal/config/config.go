// ABOUTME: Configuration loading and parsing for atlasbridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete atlasbridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Registry  RegistryConfig  `yaml:"registry"`
	Agent     AgentConfig     `yaml:"agent"`
	Sessions  []SessionConfig `yaml:"sessions"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AuthConfig holds bind token signing configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RegistryConfig holds binding lifetime configuration
type RegistryConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// AgentConfig holds the agent control-plane endpoints
type AgentConfig struct {
	InjectURL string `yaml:"inject_url"`
	AuthToken string `yaml:"auth_token"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// SessionConfig declares one known agent session and who may talk to it
type SessionConfig struct {
	ID              string   `yaml:"id"`
	AllowedUsers    []string `yaml:"allowed_users"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// ChannelsConfig holds configuration for in-process chat channel adapters.
// Out-of-process bridges (e.g. the Matrix bridge) carry their own config and
// talk to the HTTP API instead.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig holds Telegram integration configuration
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agent.InjectURL == "" {
		return fmt.Errorf("agent.inject_url is required")
	}

	for i, s := range c.Sessions {
		if s.ID == "" {
			return fmt.Errorf("sessions[%d].id is required", i)
		}
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram.bot_token is required when telegram is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Registry.TTLRaw != "" {
		cfg.Registry.TTL, err = time.ParseDuration(cfg.Registry.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing registry.ttl %q: %w", cfg.Registry.TTLRaw, err)
		}
	}

	if cfg.Registry.SweepIntervalRaw != "" {
		cfg.Registry.SweepInterval, err = time.ParseDuration(cfg.Registry.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing registry.sweep_interval %q: %w", cfg.Registry.SweepIntervalRaw, err)
		}
	}

	if cfg.Agent.TimeoutRaw != "" {
		cfg.Agent.Timeout, err = time.ParseDuration(cfg.Agent.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing agent.timeout %q: %w", cfg.Agent.TimeoutRaw, err)
		}
	}

	return nil
}
