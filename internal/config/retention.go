package config

import (
	"fmt"
	"os"
	"time"
)

const (
	EnvRetentionPeriod   = "PRISM_RETENTION_PERIOD"
	EnvRetentionThrottle = "PRISM_RETENTION_THROTTLE"
)

// RetentionConfig governs opportunistic cleanup of terminal session
// directories: how old a session must be before removal, and how often
// a sweep is allowed to run.
type RetentionConfig struct {
	Period   string `toml:"period"`
	Throttle string `toml:"throttle"`
}

// PeriodDuration returns the retention window as a time.Duration.
func (c *RetentionConfig) PeriodDuration() time.Duration {
	d, _ := time.ParseDuration(c.Period)
	return d
}

// ThrottleDuration returns the minimum interval between sweeps.
func (c *RetentionConfig) ThrottleDuration() time.Duration {
	d, _ := time.ParseDuration(c.Throttle)
	return d
}

func (c *RetentionConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

func (c *RetentionConfig) Merge(overlay *RetentionConfig) {
	if overlay.Period != "" {
		c.Period = overlay.Period
	}
	if overlay.Throttle != "" {
		c.Throttle = overlay.Throttle
	}
}

func (c *RetentionConfig) loadDefaults() {
	if c.Period == "" {
		c.Period = "720h"
	}
	if c.Throttle == "" {
		c.Throttle = "24h"
	}
}

func (c *RetentionConfig) loadEnv() {
	if v := os.Getenv(EnvRetentionPeriod); v != "" {
		c.Period = v
	}
	if v := os.Getenv(EnvRetentionThrottle); v != "" {
		c.Throttle = v
	}
}

func (c *RetentionConfig) validate() error {
	if d, err := time.ParseDuration(c.Period); err != nil || d <= 0 {
		return fmt.Errorf("invalid retention period: %q", c.Period)
	}
	if d, err := time.ParseDuration(c.Throttle); err != nil || d < 0 {
		return fmt.Errorf("invalid retention throttle: %q", c.Throttle)
	}
	return nil
}
