package config

import (
	"fmt"
	"os"
	"time"
)

const EnvBudget = "PRISM_BUDGET"

// BudgetConfig bounds total wall-clock time for a run. A zero duration
// disables the deadline entirely.
type BudgetConfig struct {
	Duration string `toml:"duration"`
}

// BudgetDuration returns the run budget as a time.Duration.
func (c *BudgetConfig) BudgetDuration() time.Duration {
	d, _ := time.ParseDuration(c.Duration)
	return d
}

func (c *BudgetConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

func (c *BudgetConfig) Merge(overlay *BudgetConfig) {
	if overlay.Duration != "" {
		c.Duration = overlay.Duration
	}
}

func (c *BudgetConfig) loadDefaults() {
	if c.Duration == "" {
		c.Duration = "10m"
	}
}

func (c *BudgetConfig) loadEnv() {
	if v := os.Getenv(EnvBudget); v != "" {
		c.Duration = v
	}
}

func (c *BudgetConfig) validate() error {
	if d, err := time.ParseDuration(c.Duration); err != nil || d < 0 {
		return fmt.Errorf("invalid budget duration: %q", c.Duration)
	}
	return nil
}
