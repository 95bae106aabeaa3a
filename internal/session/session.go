// Package session provides the durable, checkpointed state for pipeline runs.
// Each session owns one directory under the workspace containing a
// pretty-printed JSON record, rewritten atomically at every step boundary so
// a crash never loses more than one step of work.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

// Session lifecycle states. Transitions are monotonic:
// pending → running → {completed, failed, interrupted}. A session returns to
// running only through an explicit resume.
const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status ends a run. Terminal does not mean
// unresumable: failed and interrupted sessions can be resumed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

func (s Status) known() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// validTransition encodes the monotonic status machine. Resume transitions
// (failed/interrupted → running) are allowed only through Store.Resume.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusInterrupted
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusInterrupted
	}
	return false
}

// StepProgress records the outcome of one declared pipeline step.
// Completed never regresses to false once set.
type StepProgress struct {
	StepID      string     `json:"step_id"`
	Completed   bool       `json:"completed"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// State is the durable record of one pipeline run. It is serialized as
// pretty-printed JSON so session files diff cleanly and survive manual
// inspection.
type State struct {
	ID          uuid.UUID         `json:"id"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Status      Status            `json:"status"`
	CurrentStep string            `json:"current_step,omitempty"`
	Steps       []StepProgress    `json:"steps"`
	Inputs      map[string]string `json:"inputs"`
	Outputs     map[string]any    `json:"outputs,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// NextStep returns the id of the first step that has not completed, in
// declared order. ok is false when every step has completed.
func (s *State) NextStep() (id string, ok bool) {
	for _, step := range s.Steps {
		if !step.Completed {
			return step.StepID, true
		}
	}
	return "", false
}

// StepCompleted reports whether the named step has completed.
func (s *State) StepCompleted(stepID string) bool {
	for _, step := range s.Steps {
		if step.StepID == stepID {
			return step.Completed
		}
	}
	return false
}

// CompletedCount returns the number of completed steps.
func (s *State) CompletedCount() int {
	n := 0
	for _, step := range s.Steps {
		if step.Completed {
			n++
		}
	}
	return n
}

func (s *State) step(stepID string) *StepProgress {
	for i := range s.Steps {
		if s.Steps[i].StepID == stepID {
			return &s.Steps[i]
		}
	}
	return nil
}
