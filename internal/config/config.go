package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	gaconfig "github.com/JaimeStill/go-agents/pkg/config"
)

const (
	BaseConfigFile       = "config.toml"
	OverlayConfigPattern = "config.%s.toml"

	EnvPrismEnv     = "PRISM_ENV"
	EnvPrismVersion = "PRISM_VERSION"
)

// Config is the root configuration for a prism invocation.
type Config struct {
	Workspace WorkspaceConfig      `toml:"workspace"`
	Agent     gaconfig.AgentConfig `toml:"agent"`
	Budget    BudgetConfig         `toml:"budget"`
	Retention RetentionConfig      `toml:"retention"`
	Version   string               `toml:"version"`
}

// Env returns the PRISM_ENV value, defaulting to "local".
func (c *Config) Env() string {
	if env := os.Getenv(EnvPrismEnv); env != "" {
		return env
	}
	return "local"
}

// Load reads the base config (if present), applies any environment overlay,
// and finalizes all values. If no config.toml exists, defaults and environment
// variables provide all configuration.
func Load() (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(BaseConfigFile); err == nil {
		loaded, err := load(BaseConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if path := overlayPath(); path != "" {
		overlay, err := load(path)
		if err != nil {
			return nil, fmt.Errorf("load overlay %s: %w", path, err)
		}
		cfg.Merge(overlay)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}

	return cfg, nil
}

// Merge overwrites non-zero fields from overlay across all sub-configs.
func (c *Config) Merge(overlay *Config) {
	if overlay.Version != "" {
		c.Version = overlay.Version
	}
	c.Workspace.Merge(&overlay.Workspace)
	c.Budget.Merge(&overlay.Budget)
	c.Retention.Merge(&overlay.Retention)
	mergeAgent(&c.Agent, &overlay.Agent)
}

// Finalize applies defaults, environment variable overrides, and validation
// across all sub-configs.
func (c *Config) Finalize() error {
	c.loadDefaults()
	c.loadEnv()

	if err := c.Workspace.Finalize(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if err := c.Budget.Finalize(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if err := c.Retention.Finalize(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if err := FinalizeAgent(&c.Agent); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	return nil
}

func (c *Config) loadDefaults() {
	if c.Version == "" {
		c.Version = "0.1.0"
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvPrismVersion); v != "" {
		c.Version = v
	}
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

func overlayPath() string {
	if env := os.Getenv(EnvPrismEnv); env != "" {
		path := fmt.Sprintf(OverlayConfigPattern, env)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
