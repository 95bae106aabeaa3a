package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	recordFile = "session.json"
	// activeMarker guards a session directory against the retention sweep.
	// Written at create/resume, removed at every terminal transition.
	activeMarker = "active"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status Status
}

// Store persists session state below a sessions root directory, one
// subdirectory per session. All writes go through an atomic
// write-temp-then-rename so a crash mid-save never corrupts the previous
// snapshot.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a store rooted at dir, creating it if necessary.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create sessions root: %w", err)
	}

	return &Store{
		root:   dir,
		logger: logger.With("system", "session"),
		now:    time.Now,
	}, nil
}

// Root returns the sessions root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory owned by the given session.
func (s *Store) Dir(id uuid.UUID) string {
	return filepath.Join(s.root, id.String())
}

// WorkDir returns the session's working directory for step artifacts,
// creating it if necessary.
func (s *Store) WorkDir(id uuid.UUID) (string, error) {
	dir := filepath.Join(s.Dir(id), "work")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create session work dir: %w", err)
	}
	return dir, nil
}

// Create allocates a new pending session with one progress entry per declared
// step, persists it, and writes the active marker.
func (s *Store) Create(inputs map[string]string, stepIDs []string) (*State, error) {
	return s.CreateWithID(uuid.New(), inputs, stepIDs)
}

// CreateWithID is Create with a caller-chosen session id, for callers that
// need the id before the session exists (the workspace lock names its owner
// session, and the lock must be held before any session files are written).
func (s *Store) CreateWithID(id uuid.UUID, inputs map[string]string, stepIDs []string) (*State, error) {
	if len(stepIDs) == 0 {
		return nil, fmt.Errorf("create session: no steps declared")
	}

	now := s.now().UTC()
	st := &State{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
		Inputs:    inputs,
		Steps:     make([]StepProgress, len(stepIDs)),
	}
	for i, id := range stepIDs {
		st.Steps[i] = StepProgress{StepID: id}
	}

	if err := os.MkdirAll(s.Dir(st.ID), 0o750); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	if err := s.Save(st); err != nil {
		return nil, err
	}

	if err := s.markActive(st.ID); err != nil {
		return nil, err
	}

	s.logger.Info("session created", "session_id", st.ID, "steps", len(st.Steps))
	return st, nil
}

// Save atomically persists the session record: marshal, write to a temporary
// file in the session directory, fsync, rename over the previous snapshot.
// Save is idempotent and must follow every step boundary.
func (s *Store) Save(st *State) error {
	if err := validate(st); err != nil {
		return err
	}

	st.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", st.ID, err)
	}
	data = append(data, '\n')

	dir := s.Dir(st.ID)
	tmp, err := os.CreateTemp(dir, recordFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create session temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write session %s: %w", st.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync session %s: %w", st.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close session temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, recordFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit session %s: %w", st.ID, err)
	}

	return nil
}

// Load reads and validates a session record. Returns ErrNotFound when no
// record exists and ErrCorrupt when the record fails schema validation.
func (s *Store) Load(id uuid.UUID) (*State, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(id), recordFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}

	if st.ID != id {
		return nil, fmt.Errorf("%w: %s: record id %s does not match directory", ErrCorrupt, id, st.ID)
	}

	if err := validate(&st); err != nil {
		return nil, err
	}

	return &st, nil
}

// List returns all readable sessions matching the filter, newest first.
// Unreadable or corrupt entries are logged and skipped rather than failing
// the listing.
func (s *Store) List(filter Filter) ([]*State, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read sessions root: %w", err)
	}

	var states []*State
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}

		st, err := s.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable session", "session_id", entry.Name(), "error", err)
			continue
		}

		if filter.Status != "" && st.Status != filter.Status {
			continue
		}

		states = append(states, st)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.After(states[j].CreatedAt)
	})

	return states, nil
}

// Start moves a pending session to running.
func (s *Store) Start(st *State) error {
	return s.transition(st, StatusRunning)
}

// Resume moves a failed or interrupted session back to running, clears the
// prior error, and rewrites the active marker. This is the only path back
// into the running state.
func (s *Store) Resume(st *State) error {
	if st.Status != StatusInterrupted && st.Status != StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotResumable, st.ID, st.Status)
	}

	st.Status = StatusRunning
	st.LastError = ""
	if err := s.Save(st); err != nil {
		return err
	}

	if err := s.markActive(st.ID); err != nil {
		return err
	}

	s.logger.Info("session resumed", "session_id", st.ID, "completed_steps", st.CompletedCount())
	return nil
}

// MarkStepStarted records the step as in-flight and persists the snapshot.
// Starting an already-completed step is a transition violation.
func (s *Store) MarkStepStarted(st *State, stepID string) error {
	step := st.step(stepID)
	if step == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	if step.Completed {
		return fmt.Errorf("%w: step %s already completed", ErrInvalidTransition, stepID)
	}

	now := s.now().UTC()
	step.StartedAt = &now
	st.CurrentStep = stepID

	return s.Save(st)
}

// MarkStepCompleted records the step outcome and persists the snapshot.
// Completion is monotonic: completing a completed step is a no-op save.
func (s *Store) MarkStepCompleted(st *State, stepID string) error {
	step := st.step(stepID)
	if step == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}

	if !step.Completed {
		now := s.now().UTC()
		step.Completed = true
		step.CompletedAt = &now
	}

	return s.Save(st)
}

// Complete records outputs, moves the session to completed, and removes the
// active marker.
func (s *Store) Complete(st *State, outputs map[string]any) error {
	st.Outputs = outputs
	return s.transition(st, StatusCompleted)
}

// Fail records the error, moves the session to failed, and removes the
// active marker. The session remains resumable.
func (s *Store) Fail(st *State, cause error) error {
	if cause != nil {
		st.LastError = cause.Error()
	}
	return s.transition(st, StatusFailed)
}

// Interrupt records the reason, moves the session to interrupted, and removes
// the active marker. Used for both timeout and user interrupt.
func (s *Store) Interrupt(st *State, reason string) error {
	st.LastError = reason
	return s.transition(st, StatusInterrupted)
}

func (s *Store) transition(st *State, to Status) error {
	if !validTransition(st.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, st.Status, to)
	}

	st.Status = to
	if to.Terminal() {
		st.CurrentStep = ""
	}

	if err := s.Save(st); err != nil {
		return err
	}

	if to.Terminal() {
		if err := s.clearActive(st.ID); err != nil {
			s.logger.Warn("active marker removal failed", "session_id", st.ID, "error", err)
		}
	}

	s.logger.Info("session status", "session_id", st.ID, "status", to)
	return nil
}

// IsActive reports whether the session directory carries the active marker.
func (s *Store) IsActive(id uuid.UUID) bool {
	_, err := os.Stat(filepath.Join(s.Dir(id), activeMarker))
	return err == nil
}

// ActiveMarkerName is the marker filename, exposed for the cleanup sweep.
const ActiveMarkerName = activeMarker

func (s *Store) markActive(id uuid.UUID) error {
	stamp := s.now().UTC().Format(time.RFC3339) + "\n"
	path := filepath.Join(s.Dir(id), activeMarker)
	if err := os.WriteFile(path, []byte(stamp), 0o600); err != nil {
		return fmt.Errorf("write active marker: %w", err)
	}
	return nil
}

func (s *Store) clearActive(id uuid.UUID) error {
	err := os.Remove(filepath.Join(s.Dir(id), activeMarker))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove active marker: %w", err)
	}
	return nil
}

// validate enforces the record schema: a real id, a known status, a non-empty
// step list with unique ids, timestamps present, and completed steps forming
// a prefix of the declared order. Validation runs on every load to catch
// partial writes and hand edits early.
func validate(st *State) error {
	if st.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrCorrupt)
	}
	if !st.Status.known() {
		return fmt.Errorf("%w: %s: unknown status %q", ErrCorrupt, st.ID, st.Status)
	}
	if st.CreatedAt.IsZero() {
		return fmt.Errorf("%w: %s: missing created_at", ErrCorrupt, st.ID)
	}
	if len(st.Steps) == 0 {
		return fmt.Errorf("%w: %s: no steps", ErrCorrupt, st.ID)
	}

	seen := make(map[string]struct{}, len(st.Steps))
	incomplete := false
	for _, step := range st.Steps {
		if step.StepID == "" {
			return fmt.Errorf("%w: %s: step with empty id", ErrCorrupt, st.ID)
		}
		if _, ok := seen[step.StepID]; ok {
			return fmt.Errorf("%w: %s: duplicate step %s", ErrCorrupt, st.ID, step.StepID)
		}
		seen[step.StepID] = struct{}{}

		// Steps run in declared order, so completed entries must form a
		// prefix. A completed step after an incomplete one means the record
		// was hand-edited or torn.
		if step.Completed && incomplete {
			return fmt.Errorf("%w: %s: completed step %s follows incomplete step", ErrCorrupt, st.ID, step.StepID)
		}
		if !step.Completed {
			incomplete = true
		}
	}

	return nil
}
