// Package cleanup reclaims expired session directories. The sweep's sole
// safety mechanism is the active marker a session carries while it runs:
// marked directories are skipped regardless of age. Per-item failures are
// collected and never abort the scan.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mt-osiris-tools/prism/internal/session"
)

// Result summarizes one retention sweep.
type Result struct {
	Removed        int
	ReclaimedBytes int64
	Errors         []error
}

// Service scans the sessions tree and removes directories whose last
// modification precedes the retention cutoff. MaybeRun throttles sweeps
// through a persisted last-run marker.
type Service struct {
	sessionsDir string
	markerPath  string
	throttle    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a cleanup service. markerPath persists the last sweep time;
// throttle is the minimum interval between MaybeRun sweeps.
func New(sessionsDir, markerPath string, throttle time.Duration, logger *slog.Logger) *Service {
	return &Service{
		sessionsDir: sessionsDir,
		markerPath:  markerPath,
		throttle:    throttle,
		logger:      logger.With("system", "cleanup"),
		now:         time.Now,
	}
}

// Run sweeps the sessions tree, removing every directory that is older than
// retention and does not carry the active marker. With dryRun the result
// reports what would be removed without touching anything. The last-run
// marker is only advanced by real sweeps.
func (s *Service) Run(ctx context.Context, retention time.Duration, dryRun bool) (*Result, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Result{}, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	cutoff := s.now().Add(-retention)
	result := &Result{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(s.sessionsDir, entry.Name())

		// Active sessions are untouchable regardless of age.
		if _, err := os.Stat(filepath.Join(dir, session.ActiveMarkerName)); err == nil {
			s.logger.Debug("skipping active session", "session_id", entry.Name())
			continue
		}

		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("stat %s: %w", entry.Name(), err))
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		size, err := dirSize(dir)
		if err != nil {
			// Unreadable size does not block removal; the count still holds.
			s.logger.Warn("session size unreadable", "session_id", entry.Name(), "error", err)
		}

		if dryRun {
			s.logger.Info("would remove session", "session_id", entry.Name(), "age", s.now().Sub(info.ModTime()).Round(time.Hour))
		} else {
			if err := os.RemoveAll(dir); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("remove %s: %w", entry.Name(), err))
				continue
			}
			s.logger.Info("removed expired session", "session_id", entry.Name())
		}

		result.Removed++
		result.ReclaimedBytes += size
	}

	if !dryRun {
		if err := s.writeMarker(); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	return result, nil
}

// MaybeRun performs a sweep unless one already ran within the throttle
// interval. A throttled call returns (nil, nil).
func (s *Service) MaybeRun(ctx context.Context, retention time.Duration) (*Result, error) {
	if last, ok := s.readMarker(); ok && s.now().Sub(last) < s.throttle {
		s.logger.Debug("cleanup throttled", "last_run", last)
		return nil, nil
	}
	return s.Run(ctx, retention, false)
}

func (s *Service) readMarker() (time.Time, bool) {
	data, err := os.ReadFile(s.markerPath)
	if err != nil {
		return time.Time{}, false
	}

	last, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		s.logger.Warn("cleanup marker unreadable", "error", err)
		return time.Time{}, false
	}
	return last, true
}

func (s *Service) writeMarker() error {
	stamp := s.now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(s.markerPath, []byte(stamp), 0o600); err != nil {
		return fmt.Errorf("write cleanup marker: %w", err)
	}
	return nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
