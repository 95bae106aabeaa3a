package pipeline

import "errors"

var (
	// ErrPrerequisite indicates a missing prerequisite, such as no
	// discoverable credentials. The run never started.
	ErrPrerequisite = errors.New("missing prerequisite")

	// ErrCredentials indicates discovered credentials that failed the
	// validation round trip.
	ErrCredentials = errors.New("credential failure")

	// ErrLockContention indicates another live process holds the workspace
	// lock and the bounded wait elapsed.
	ErrLockContention = errors.New("workspace lock contention")

	// ErrStepFailure indicates a pipeline step failed after the session had
	// started. The session is saved as failed and can be resumed.
	ErrStepFailure = errors.New("step failure")

	// ErrAuthExpired indicates credentials were rejected mid-run and did not
	// recover within the pause/retry window.
	ErrAuthExpired = errors.New("credentials expired mid-run")

	// ErrInterrupted indicates the run stopped due to a timeout or signal.
	// The session was saved as interrupted before the abort.
	ErrInterrupted = errors.New("run interrupted")
)
