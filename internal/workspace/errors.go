package workspace

import "errors"

// Domain errors for workspace locking.
var (
	// ErrHeld indicates the workspace lock is held by a live owner.
	ErrHeld = errors.New("workspace locked")
	// ErrNotHeld indicates a release on a lock this process does not hold.
	ErrNotHeld = errors.New("workspace lock not held")
	// ErrCorruptLock indicates the lock record exists but cannot be decoded.
	// A corrupt record is treated as stale and reclaimed.
	ErrCorruptLock = errors.New("workspace lock record corrupt")
)
