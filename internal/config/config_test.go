package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFinalizeDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.Agent.Name = "prism"

	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if cfg.Workspace.Root != "." {
		t.Errorf("expected default workspace root '.', got %q", cfg.Workspace.Root)
	}
	if got := cfg.Workspace.LockStaleAfterDuration(); got != 30*time.Second {
		t.Errorf("expected 30s stale threshold, got %v", got)
	}
	if got := cfg.Workspace.LockWaitDuration(); got != 10*time.Second {
		t.Errorf("expected 10s lock wait, got %v", got)
	}
	if got := cfg.Budget.BudgetDuration(); got != 10*time.Minute {
		t.Errorf("expected 10m budget, got %v", got)
	}
	if got := cfg.Retention.PeriodDuration(); got != 720*time.Hour {
		t.Errorf("expected 720h retention, got %v", got)
	}
	if got := cfg.Retention.ThrottleDuration(); got != 24*time.Hour {
		t.Errorf("expected 24h throttle, got %v", got)
	}
	if cfg.Agent.Provider == nil || cfg.Agent.Provider.Name == "" {
		t.Error("expected agent provider defaults to be applied")
	}
}

func TestFinalizeEnvOverrides(t *testing.T) {
	t.Setenv(EnvWorkspaceRoot, "/srv/docs")
	t.Setenv(EnvLockStaleAfter, "45s")
	t.Setenv(EnvBudget, "2m")
	t.Setenv(EnvRetentionPeriod, "168h")
	t.Setenv(EnvAgentModelName, "llava")

	cfg := &Config{}
	cfg.Agent.Name = "prism"

	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if cfg.Workspace.Root != "/srv/docs" {
		t.Errorf("expected env workspace root, got %q", cfg.Workspace.Root)
	}
	if got := cfg.Workspace.LockStaleAfterDuration(); got != 45*time.Second {
		t.Errorf("expected 45s stale threshold, got %v", got)
	}
	if got := cfg.Budget.BudgetDuration(); got != 2*time.Minute {
		t.Errorf("expected 2m budget, got %v", got)
	}
	if got := cfg.Retention.PeriodDuration(); got != 168*time.Hour {
		t.Errorf("expected 168h retention, got %v", got)
	}
	if cfg.Agent.Model == nil || cfg.Agent.Model.Name != "llava" {
		t.Error("expected env model name override")
	}
}

func TestFinalizeRejectsInvalidDurations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad stale", func(c *Config) { c.Workspace.LockStaleAfter = "soon" }},
		{"zero stale", func(c *Config) { c.Workspace.LockStaleAfter = "0s" }},
		{"bad budget", func(c *Config) { c.Budget.Duration = "forever" }},
		{"negative budget", func(c *Config) { c.Budget.Duration = "-1m" }},
		{"bad retention", func(c *Config) { c.Retention.Period = "monthly" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Agent.Name = "prism"
			tc.mutate(cfg)
			if err := cfg.Finalize(); err == nil {
				t.Error("expected finalize to fail")
			}
		})
	}
}

func TestMergeOverlay(t *testing.T) {
	base := &Config{
		Version: "0.1.0",
		Workspace: WorkspaceConfig{
			Root:           "/base",
			LockStaleAfter: "30s",
		},
		Budget:    BudgetConfig{Duration: "10m"},
		Retention: RetentionConfig{Period: "720h"},
	}

	overlay := &Config{
		Workspace: WorkspaceConfig{Root: "/overlay"},
		Budget:    BudgetConfig{Duration: "5m"},
	}

	base.Merge(overlay)

	if base.Workspace.Root != "/overlay" {
		t.Errorf("expected overlay root, got %q", base.Workspace.Root)
	}
	if base.Workspace.LockStaleAfter != "30s" {
		t.Errorf("expected base stale threshold preserved, got %q", base.Workspace.LockStaleAfter)
	}
	if base.Budget.Duration != "5m" {
		t.Errorf("expected overlay budget, got %q", base.Budget.Duration)
	}
	if base.Retention.Period != "720h" {
		t.Errorf("expected base retention preserved, got %q", base.Retention.Period)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
version = "1.2.3"

[workspace]
root = "/data/ws"
lock_stale_after = "20s"

[budget]
duration = "3m"

[agent]
name = "prism"

[agent.provider]
name = "ollama"
base_url = "http://localhost:11434"

[agent.model]
name = "llama3.2-vision"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if cfg.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", cfg.Version)
	}
	if cfg.Workspace.Root != "/data/ws" {
		t.Errorf("expected workspace root from file, got %q", cfg.Workspace.Root)
	}
	if got := cfg.Workspace.LockStaleAfterDuration(); got != 20*time.Second {
		t.Errorf("expected 20s stale threshold, got %v", got)
	}
	if got := cfg.Budget.BudgetDuration(); got != 3*time.Minute {
		t.Errorf("expected 3m budget, got %v", got)
	}
	if cfg.Agent.Provider.Name != "ollama" {
		t.Errorf("expected provider ollama, got %q", cfg.Agent.Provider.Name)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(path, []byte("not = [valid"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := load(path); err == nil {
		t.Error("expected load to fail on malformed TOML")
	}
}
