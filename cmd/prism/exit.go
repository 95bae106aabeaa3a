package main

import (
	"errors"

	"github.com/mt-osiris-tools/prism/internal/pipeline"
	"github.com/mt-osiris-tools/prism/internal/session"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitPrerequisite   = 2
	ExitCredentials    = 3
	ExitLockContention = 4
	ExitStepFailure    = 5
	ExitSessionBad     = 6
)

// MapExitCode maps pipeline errors to process exit codes.
func MapExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, pipeline.ErrPrerequisite) {
		return ExitPrerequisite
	}
	if errors.Is(err, pipeline.ErrCredentials) {
		return ExitCredentials
	}
	if errors.Is(err, pipeline.ErrLockContention) {
		return ExitLockContention
	}
	if errors.Is(err, pipeline.ErrStepFailure) ||
		errors.Is(err, pipeline.ErrAuthExpired) ||
		errors.Is(err, pipeline.ErrInterrupted) {
		return ExitStepFailure
	}
	if errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, session.ErrCorrupt) ||
		errors.Is(err, session.ErrNotResumable) {
		return ExitSessionBad
	}
	return ExitError
}
