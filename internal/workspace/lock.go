package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// waitPollInterval is the cadence at which WaitForRelease re-examines a
// contended lock.
const waitPollInterval = 250 * time.Millisecond

// Record is the JSON payload stored in the workspace lock file. Staleness is
// judged purely by the age of RenewedAt; AcquiredAt is informational so a
// long-running legitimate holder is never mistaken for an abandoned one.
type Record struct {
	WorkspacePath  string    `json:"workspace_path"`
	OwnerSessionID string    `json:"owner_session_id"`
	OwnerPID       int       `json:"owner_pid"`
	AcquiredAt     time.Time `json:"acquired_at"`
	RenewedAt      time.Time `json:"renewed_at"`
	StaleAfterMs   int64     `json:"stale_after_ms"`
}

// Manager acquires and inspects workspace locks. Mutual exclusion rests on a
// single O_CREATE|O_EXCL open, which stays correct across unrelated processes
// and network filesystems; there is never a check-then-create window.
type Manager struct {
	staleAfter time.Duration
	renewEvery time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a lock manager. Held locks are renewed every third of
// staleAfter, so a healthy holder is always at least two missed renewals away
// from being judged stale.
func NewManager(staleAfter time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		staleAfter: staleAfter,
		renewEvery: staleAfter / 3,
		logger:     logger.With("system", "workspace"),
		now:        time.Now,
	}
}

// Lock is a held workspace lock. It renews itself on a fixed cadence until
// released.
type Lock struct {
	path    string
	mgr     *Manager
	stop    chan struct{}
	done    chan struct{}
	release sync.Once

	// mu guards record: the renew goroutine advances RenewedAt while
	// holders may read the payload concurrently.
	mu     sync.Mutex
	record Record
}

// Record returns a copy of the lock payload as last written.
func (l *Lock) Record() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record
}

// Acquire attempts to take the workspace lock without blocking. A stale or
// corrupt record left by a crashed holder is cleared and the acquire retried;
// a fresh record from a live holder yields ErrHeld with the owner identity.
func (m *Manager) Acquire(paths Paths, ownerSessionID string) (*Lock, error) {
	if _, err := paths.ControlDir(); err != nil {
		return nil, err
	}

	path := paths.LockPath()

	for attempt := 0; attempt < 2; attempt++ {
		lock, err := m.tryCreate(path, paths.Root, ownerSessionID)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("acquire workspace lock: %w", err)
		}

		record, readErr := readRecord(path)
		if readErr == nil && !m.stale(record) {
			return nil, fmt.Errorf(
				"%w: held by session %s (pid %d, renewed %s ago)",
				ErrHeld,
				record.OwnerSessionID,
				record.OwnerPID,
				m.now().Sub(record.RenewedAt).Round(time.Second),
			)
		}

		// Stale, corrupt, or vanished between the failed create and the read:
		// clear it and let the O_EXCL retry decide the winner.
		if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
			m.logger.Warn("clearing unreadable lock record", "path", path, "error", readErr)
		} else if readErr == nil {
			m.logger.Info(
				"reclaiming stale lock",
				"owner_session_id", record.OwnerSessionID,
				"owner_pid", record.OwnerPID,
				"renewed_at", record.RenewedAt,
			)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("clear stale lock: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: lost acquire race after clearing stale lock", ErrHeld)
}

// tryCreate publishes a fully written lock record in one atomic step: the
// payload goes to a private temp file first, then os.Link gives it the lock
// name. Link fails with ErrExist on contention and no competitor can ever
// observe a torn payload.
func (m *Manager) tryCreate(path, root, ownerSessionID string) (*Lock, error) {
	now := m.now().UTC()
	record := Record{
		WorkspacePath:  root,
		OwnerSessionID: ownerSessionID,
		OwnerPID:       os.Getpid(),
		AcquiredAt:     now,
		RenewedAt:      now,
		StaleAfterMs:   m.staleAfter.Milliseconds(),
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock record: %w", err)
	}

	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return nil, fmt.Errorf("write lock record: %w", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		return nil, err
	}

	lock := &Lock{
		path:   path,
		record: record,
		mgr:    m,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lock.renewLoop()

	m.logger.Info("workspace lock acquired", "owner_session_id", ownerSessionID, "path", path)
	return lock, nil
}

// IsHeld reports whether a live (non-stale) lock record exists.
func (m *Manager) IsHeld(paths Paths) (bool, error) {
	record, err := readRecord(paths.LockPath())
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if errors.Is(err, ErrCorruptLock) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !m.stale(record), nil
}

// IsStale reports whether a lock record exists whose last renewal is older
// than the stale threshold. Absent records are not stale.
func (m *Manager) IsStale(paths Paths) (bool, error) {
	record, err := readRecord(paths.LockPath())
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if errors.Is(err, ErrCorruptLock) {
		// Unreadable payloads cannot prove a live holder.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return m.stale(record), nil
}

// WaitForRelease blocks until the lock is released or stale, the timeout
// elapses, or ctx is cancelled. It reports whether the workspace became
// acquirable within the bound.
func (m *Manager) WaitForRelease(ctx context.Context, paths Paths, timeout time.Duration) (bool, error) {
	deadline := m.now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		held, err := m.IsHeld(paths)
		if err != nil {
			return false, err
		}
		if !held {
			return true, nil
		}
		if m.now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) stale(record *Record) bool {
	threshold := m.staleAfter
	if record.StaleAfterMs > 0 {
		threshold = time.Duration(record.StaleAfterMs) * time.Millisecond
	}
	return m.now().Sub(record.RenewedAt) > threshold
}

// Release stops renewal and removes the lock record. Safe to call more than
// once; only the first call does work.
func (l *Lock) Release() error {
	var err error
	l.release.Do(func() {
		close(l.stop)
		<-l.done

		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %v", ErrNotHeld, rmErr)
			return
		}
		l.mgr.logger.Info("workspace lock released", "owner_session_id", l.record.OwnerSessionID)
	})
	return err
}

// renewLoop rewrites the lock record on a fixed cadence so staleness always
// reflects holder liveness rather than lock age.
func (l *Lock) renewLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.mgr.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				l.mgr.logger.Warn("lock renewal failed", "path", l.path, "error", err)
			}
		}
	}
}

// renew atomically rewrites the record with a fresh renewal timestamp. The
// temp-then-rename keeps concurrent readers from ever observing a torn record.
func (l *Lock) renew() error {
	l.mu.Lock()
	l.record.RenewedAt = l.mgr.now().UTC()
	record := l.record
	l.mu.Unlock()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write lock renewal: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit lock renewal: %w", err)
	}

	return nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptLock, err)
	}
	if record.RenewedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing renewal timestamp", ErrCorruptLock)
	}

	return &record, nil
}
