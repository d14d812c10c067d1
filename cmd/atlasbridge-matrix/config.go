// ABOUTME: Configuration loading for the atlasbridge Matrix bridge
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Core    CoreConfig    `toml:"core"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
}

type CoreConfig struct {
	URL string `toml:"url"`
}

type BridgeConfig struct {
	AllowedRooms []string `toml:"allowed_rooms"`

	// PollInterval controls how often pending prompts are fetched for
	// bound rooms. Defaults to 5s.
	PollInterval    time.Duration `toml:"-"`
	PollIntervalRaw string        `toml:"poll_interval"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Bridge.PollIntervalRaw != "" {
		cfg.Bridge.PollInterval, err = time.ParseDuration(cfg.Bridge.PollIntervalRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing bridge.poll_interval %q: %w", cfg.Bridge.PollIntervalRaw, err)
		}
	}
	if cfg.Bridge.PollInterval <= 0 {
		cfg.Bridge.PollInterval = 5 * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Core.URL == "" {
		return fmt.Errorf("core.url is required")
	}
	u, err := url.Parse(c.Core.URL)
	if err != nil {
		return fmt.Errorf("core.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("core.url must use http or https scheme")
	}
	return nil
}
