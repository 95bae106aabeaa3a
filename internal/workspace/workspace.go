// Package workspace owns the on-disk layout of a project workspace and the
// cross-process lock that makes it single-writer. All durable control-plane
// state lives under the workspace's .prism directory: the lock record, the
// session tree, and the cleanup marker.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const controlDir = ".prism"

// Paths resolves the control-plane locations inside a workspace root.
type Paths struct {
	Root string
}

// NewPaths resolves root to an absolute path.
func NewPaths(root string) (Paths, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Paths{}, fmt.Errorf("resolve workspace root: %w", err)
	}
	return Paths{Root: abs}, nil
}

// ControlDir returns the workspace's .prism directory, creating it if needed.
func (p Paths) ControlDir() (string, error) {
	dir := filepath.Join(p.Root, controlDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create control dir: %w", err)
	}
	return dir, nil
}

// SessionsDir returns the directory holding per-session subdirectories.
func (p Paths) SessionsDir() string {
	return filepath.Join(p.Root, controlDir, "sessions")
}

// LockPath returns the workspace lock record location.
func (p Paths) LockPath() string {
	return filepath.Join(p.Root, controlDir, "workspace.lock")
}

// CleanupMarkerPath returns the retention sweep throttle marker location.
func (p Paths) CleanupMarkerPath() string {
	return filepath.Join(p.Root, controlDir, "last-cleanup")
}

// PipelinePath returns the workspace pipeline declaration location.
func (p Paths) PipelinePath() string {
	return filepath.Join(p.Root, controlDir, "pipeline.yaml")
}

// SecretsPath returns the project-local credential file location.
func (p Paths) SecretsPath() string {
	return filepath.Join(p.Root, controlDir, "secrets.toml")
}
