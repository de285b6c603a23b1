// Package config loads the mcc configuration file and applies environment
// overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Chat    ChatConfig    `yaml:"chat"`
	Logging LoggingConfig `yaml:"logging"`
}

type GatewayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type ChatConfig struct {
	SessionKey  string `yaml:"session_key"`
	HistoryPath string `yaml:"history_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from a file. A missing file yields defaults so
// mcc works with nothing but MCC_GATEWAY_URL set.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults plus env overrides.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Override with environment variables if present
	if u := os.Getenv("MCC_GATEWAY_URL"); u != "" {
		cfg.Gateway.URL = u
	}
	if token := os.Getenv("MCC_GATEWAY_TOKEN"); token != "" {
		cfg.Gateway.Token = token
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Chat.SessionKey == "" {
		c.Chat.SessionKey = "main"
	}
	if c.Chat.HistoryPath == "" {
		if dir, err := Dir(); err == nil {
			c.Chat.HistoryPath = filepath.Join(dir, "history.db")
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url scheme must be ws or wss, got %q", u.Scheme)
	}
	return nil
}
