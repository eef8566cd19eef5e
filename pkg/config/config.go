package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines runtime settings for all three hops.
type Config struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	ActionLog struct {
		Path string `yaml:"path"`
	} `yaml:"actionLog"`

	Relay struct {
		Address    string   `yaml:"address"`
		ServerURL  string   `yaml:"serverURL"`
		SandboxURL string   `yaml:"sandboxURL"`
		Timeout    string   `yaml:"timeout"`
		MaxRetries int      `yaml:"maxRetries"`
		Cooldown   string   `yaml:"cooldown"`
		Denylist   []string `yaml:"denylist"`
	} `yaml:"relay"`

	Sandbox struct {
		Address   string `yaml:"address"`
		Timeout   string `yaml:"timeout"`
		MaxOutput int    `yaml:"maxOutput"`
	} `yaml:"sandbox"`

	Generator struct {
		Kind    string `yaml:"kind"`
		BaseURL string `yaml:"baseURL"`
		Model   string `yaml:"model"`
	} `yaml:"generator"`
}

// Duration parses a config duration string, falling back when the
// value is empty or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// LoadConfig loads configuration from a YAML file and environment
// overrides. An empty path yields defaults only.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LogLevel = "info"
	cfg.ActionLog.Path = "nlshell_actions.json"
	cfg.Relay.Address = ":8002"
	cfg.Relay.ServerURL = "http://localhost:8002"
	cfg.Relay.SandboxURL = "http://localhost:8000"
	cfg.Relay.Timeout = "30s"
	cfg.Relay.MaxRetries = 3
	cfg.Relay.Cooldown = "100ms"
	cfg.Sandbox.Address = ":8000"
	cfg.Sandbox.Timeout = "10s"
	cfg.Generator.Kind = "ollama"

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if logLevel := os.Getenv("NLSHELL_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logPath := os.Getenv("NLSHELL_ACTION_LOG"); logPath != "" {
		cfg.ActionLog.Path = logPath
	}
	if relayURL := os.Getenv("NLSHELL_RELAY_URL"); relayURL != "" {
		cfg.Relay.ServerURL = relayURL
	}
	if sandboxURL := os.Getenv("NLSHELL_SANDBOX_URL"); sandboxURL != "" {
		cfg.Relay.SandboxURL = sandboxURL
	}

	return cfg, nil
}

// DefaultConfigPath returns the default location for the CLI config file.
func DefaultConfigPath() string {
	if path := os.Getenv("NLSHELL_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nlshell", "config.yaml")
}
