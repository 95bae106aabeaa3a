package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mt-osiris-tools/prism/internal/config"
	"github.com/mt-osiris-tools/prism/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info(
		"prism starting",
		"version", cfg.Version,
		"workspace", cfg.Workspace.Root,
		"env", cfg.Env(),
	)

	orch, err := pipeline.New(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := newRootCommand(cfg, orch)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(MapExitCode(err))
	}
}
