package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxPageSize is the hard cap the store enforces per fetch request.
const MaxPageSize = 1000

// Config models volumetry.yml.
type Config struct {
	Engine struct {
		PageSize              int  `yaml:"page_size"`
		ChunkSize             int  `yaml:"chunk_size"`
		GraceDays             int  `yaml:"grace_days"`
		RetryAttempts         int  `yaml:"retry_attempts"`
		RetryBackoffMs        int  `yaml:"retry_backoff_ms"`
		ConcurrentFileClasses bool `yaml:"concurrent_file_classes"`
	} `yaml:"engine"`
	Server struct {
		BasePath               string `yaml:"base_path"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.Engine.PageSize = 500
	c.Engine.ChunkSize = 25
	c.Engine.GraceDays = 5
	c.Engine.RetryAttempts = 3
	c.Engine.RetryBackoffMs = 50
	c.Engine.ConcurrentFileClasses = true
	c.Server.BasePath = "/v0"
	return c
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "volumetry.yml")
}

// Load reads config from the workspace, falling back to defaults when no
// file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates raw YAML on top of the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required bounds.
func (c *Config) Validate() error {
	if c.Engine.PageSize < 1 || c.Engine.PageSize > MaxPageSize {
		return fmt.Errorf("engine.page_size must be between 1 and %d", MaxPageSize)
	}
	if c.Engine.ChunkSize < 1 || c.Engine.ChunkSize > 100 {
		return fmt.Errorf("engine.chunk_size must be between 1 and 100")
	}
	if c.Engine.GraceDays < 0 || c.Engine.GraceDays > 31 {
		return fmt.Errorf("engine.grace_days must be between 0 and 31")
	}
	if c.Engine.RetryAttempts < 1 || c.Engine.RetryAttempts > 10 {
		return fmt.Errorf("engine.retry_attempts must be between 1 and 10")
	}
	if c.Engine.RetryBackoffMs < 0 {
		return fmt.Errorf("engine.retry_backoff_ms must not be negative")
	}
	if c.Server.BasePath == "" {
		return fmt.Errorf("server.base_path is required")
	}
	return nil
}

// RetryBackoff returns the base backoff as a duration.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Engine.RetryBackoffMs) * time.Millisecond
}
