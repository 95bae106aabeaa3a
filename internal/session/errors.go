package session

import "errors"

// Domain errors for session operations.
var (
	// ErrNotFound indicates no session directory exists for the given id.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt indicates a session record exists but fails schema validation.
	ErrCorrupt = errors.New("session record corrupt")
	// ErrInvalidTransition indicates a status change that would violate the
	// monotonic lifecycle, or a step regressing from completed to incomplete.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrUnknownStep indicates a step id absent from the session's declared order.
	ErrUnknownStep = errors.New("unknown step")
	// ErrNotResumable indicates a resume attempt on a session whose status
	// does not permit it.
	ErrNotResumable = errors.New("session not resumable")
)
