package config

import (
	"fmt"
	"os"
	"time"
)

const (
	EnvWorkspaceRoot  = "PRISM_WORKSPACE"
	EnvLockStaleAfter = "PRISM_LOCK_STALE_AFTER"
	EnvLockWait       = "PRISM_LOCK_WAIT"
)

// WorkspaceConfig holds the workspace root and lock policy. Durations are
// TOML strings parsed with time.ParseDuration.
type WorkspaceConfig struct {
	Root           string `toml:"root"`
	LockStaleAfter string `toml:"lock_stale_after"`
	LockWait       string `toml:"lock_wait"`
}

// LockStaleAfterDuration returns the stale threshold as a time.Duration.
func (c *WorkspaceConfig) LockStaleAfterDuration() time.Duration {
	d, _ := time.ParseDuration(c.LockStaleAfter)
	return d
}

// LockWaitDuration returns the bounded contention wait as a time.Duration.
func (c *WorkspaceConfig) LockWaitDuration() time.Duration {
	d, _ := time.ParseDuration(c.LockWait)
	return d
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *WorkspaceConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *WorkspaceConfig) Merge(overlay *WorkspaceConfig) {
	if overlay.Root != "" {
		c.Root = overlay.Root
	}
	if overlay.LockStaleAfter != "" {
		c.LockStaleAfter = overlay.LockStaleAfter
	}
	if overlay.LockWait != "" {
		c.LockWait = overlay.LockWait
	}
}

func (c *WorkspaceConfig) loadDefaults() {
	if c.Root == "" {
		c.Root = "."
	}
	if c.LockStaleAfter == "" {
		c.LockStaleAfter = "30s"
	}
	if c.LockWait == "" {
		c.LockWait = "10s"
	}
}

func (c *WorkspaceConfig) loadEnv() {
	if v := os.Getenv(EnvWorkspaceRoot); v != "" {
		c.Root = v
	}
	if v := os.Getenv(EnvLockStaleAfter); v != "" {
		c.LockStaleAfter = v
	}
	if v := os.Getenv(EnvLockWait); v != "" {
		c.LockWait = v
	}
}

func (c *WorkspaceConfig) validate() error {
	if d, err := time.ParseDuration(c.LockStaleAfter); err != nil || d <= 0 {
		return fmt.Errorf("invalid lock_stale_after: %q", c.LockStaleAfter)
	}
	if _, err := time.ParseDuration(c.LockWait); err != nil {
		return fmt.Errorf("invalid lock_wait: %w", err)
	}
	return nil
}
