package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mt-osiris-tools/prism/internal/cleanup"
	"github.com/mt-osiris-tools/prism/internal/config"
	"github.com/mt-osiris-tools/prism/internal/credentials"
	"github.com/mt-osiris-tools/prism/internal/environment"
	"github.com/mt-osiris-tools/prism/internal/session"
	"github.com/mt-osiris-tools/prism/internal/skills"
	"github.com/mt-osiris-tools/prism/internal/workspace"
	"github.com/mt-osiris-tools/prism/pkg/pipelinedef"
)

type fakeSkill struct {
	name string
	fn   func(ctx context.Context, req *skills.Request) (map[string]any, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeSkill) Name() string { return f.name }

func (f *fakeSkill) Execute(ctx context.Context, req *skills.Request) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return map[string]any{f.name + "_done": true}, nil
}

func (f *fakeSkill) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPipeline(names ...string) *pipelinedef.Pipeline {
	pl := &pipelinedef.Pipeline{Name: "test"}
	for _, name := range names {
		pl.Steps = append(pl.Steps, pipelinedef.Step{ID: name, Skill: name})
	}
	return pl
}

func testOrchestrator(t *testing.T, budget string, fakes ...*fakeSkill) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	cfg := &config.Config{}
	cfg.Agent.Name = "prism"
	cfg.Workspace.Root = t.TempDir()
	cfg.Budget.Duration = budget
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize config: %v", err)
	}

	paths, err := workspace.NewPaths(cfg.Workspace.Root)
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	if _, err := paths.ControlDir(); err != nil {
		t.Fatalf("control dir: %v", err)
	}

	store, err := session.NewStore(paths.SessionsDir(), logger)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	registry := skills.NewRegistry()
	for _, f := range fakes {
		registry.Register(f)
	}

	return &Orchestrator{
		cfg:          cfg,
		paths:        paths,
		store:        store,
		locks:        workspace.NewManager(cfg.Workspace.LockStaleAfterDuration(), logger),
		sweeper:      cleanup.New(paths.SessionsDir(), paths.CleanupMarkerPath(), cfg.Retention.ThrottleDuration(), logger),
		detector:     environment.NewDetector(cfg.Workspace.Root, logger),
		resolver:     credentials.NewResolver(paths.SecretsPath(), "ollama", logger),
		registry:     registry,
		logger:       logger,
		authWait:     10 * time.Millisecond,
		authAttempts: 2,
		creds:        &credentials.Credentials{Source: credentials.SourceLocalFile},
	}
}

func startedSession(t *testing.T, o *Orchestrator, pl *pipelinedef.Pipeline) *session.State {
	t.Helper()
	st, err := o.store.Create(map[string]string{"document": "input.pdf"}, pl.StepIDs())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := o.store.Start(st); err != nil {
		t.Fatalf("start session: %v", err)
	}
	return st
}

func TestExecuteRunsAllSteps(t *testing.T) {
	alpha := &fakeSkill{name: "alpha"}
	beta := &fakeSkill{name: "beta"}
	pl := testPipeline("alpha", "beta")

	o := testOrchestrator(t, "0s", alpha, beta)
	st := startedSession(t, o, pl)

	if err := o.execute(context.Background(), st, pl); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if st.Status != session.StatusCompleted {
		t.Errorf("expected completed, got %s", st.Status)
	}
	if alpha.callCount() != 1 || beta.callCount() != 1 {
		t.Errorf("expected one call per step, got alpha=%d beta=%d", alpha.callCount(), beta.callCount())
	}
	if st.Outputs["alpha_done"] != true || st.Outputs["beta_done"] != true {
		t.Errorf("expected merged outputs, got %v", st.Outputs)
	}

	// Checkpoints are durable: the stored record matches.
	loaded, err := o.store.Load(st.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != session.StatusCompleted || loaded.CompletedCount() != 2 {
		t.Errorf("stored record mismatch: status=%s completed=%d", loaded.Status, loaded.CompletedCount())
	}
}

func TestStepsSeePriorOutputs(t *testing.T) {
	alpha := &fakeSkill{name: "alpha", fn: func(_ context.Context, _ *skills.Request) (map[string]any, error) {
		return map[string]any{"pages": 3}, nil
	}}
	var seen any
	beta := &fakeSkill{name: "beta", fn: func(_ context.Context, req *skills.Request) (map[string]any, error) {
		seen = req.Outputs["pages"]
		return nil, nil
	}}
	pl := testPipeline("alpha", "beta")

	o := testOrchestrator(t, "0s", alpha, beta)
	st := startedSession(t, o, pl)

	if err := o.execute(context.Background(), st, pl); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seen != 3 {
		t.Errorf("expected downstream step to see prior output, got %v", seen)
	}
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	alpha := &fakeSkill{name: "alpha"}
	beta := &fakeSkill{name: "beta"}
	gamma := &fakeSkill{name: "gamma"}
	pl := testPipeline("alpha", "beta", "gamma")

	o := testOrchestrator(t, "0s", alpha, beta, gamma)
	st := startedSession(t, o, pl)

	// First run completes two steps and is interrupted before the third.
	if err := o.store.MarkStepCompleted(st, "alpha"); err != nil {
		t.Fatalf("complete alpha: %v", err)
	}
	if err := o.store.MarkStepCompleted(st, "beta"); err != nil {
		t.Fatalf("complete beta: %v", err)
	}
	if err := o.store.Interrupt(st, "timeout"); err != nil {
		t.Fatalf("interrupt: %v", err)
	}

	loaded, err := o.store.Load(st.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := o.store.Resume(loaded); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if err := o.execute(context.Background(), loaded, pl); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if alpha.callCount() != 0 || beta.callCount() != 0 {
		t.Errorf("completed steps re-executed: alpha=%d beta=%d", alpha.callCount(), beta.callCount())
	}
	if gamma.callCount() != 1 {
		t.Errorf("expected exactly one gamma execution, got %d", gamma.callCount())
	}
	if loaded.Status != session.StatusCompleted {
		t.Errorf("expected completed, got %s", loaded.Status)
	}
}

func TestExecuteFailureMarksSessionFailed(t *testing.T) {
	boom := errors.New("boom")
	alpha := &fakeSkill{name: "alpha", fn: func(_ context.Context, _ *skills.Request) (map[string]any, error) {
		return nil, boom
	}}
	pl := testPipeline("alpha")

	o := testOrchestrator(t, "0s", alpha)
	st := startedSession(t, o, pl)

	err := o.execute(context.Background(), st, pl)
	if !errors.Is(err, ErrStepFailure) {
		t.Fatalf("expected ErrStepFailure, got %v", err)
	}

	if st.Status != session.StatusFailed {
		t.Errorf("expected failed, got %s", st.Status)
	}
	if st.LastError == "" {
		t.Error("expected last error recorded")
	}
}

func TestExecuteTimeoutInterruptsWithSavedProgress(t *testing.T) {
	alpha := &fakeSkill{name: "alpha"}
	slow := &fakeSkill{name: "slow", fn: func(ctx context.Context, _ *skills.Request) (map[string]any, error) {
		// Polls the signal context the way long-running skills do.
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}}
	pl := testPipeline("alpha", "slow")

	o := testOrchestrator(t, "75ms", alpha, slow)
	st := startedSession(t, o, pl)

	err := o.execute(context.Background(), st, pl)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}

	if st.Status != session.StatusInterrupted {
		t.Errorf("expected interrupted, got %s", st.Status)
	}

	// Progress before the timeout survived the abort.
	loaded, err := o.store.Load(st.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.StepCompleted("alpha") {
		t.Error("expected completed step preserved in saved snapshot")
	}
	if loaded.Status != session.StatusInterrupted {
		t.Errorf("expected interrupted on disk, got %s", loaded.Status)
	}
	if loaded.LastError != "timeout" {
		t.Errorf("expected timeout reason, got %q", loaded.LastError)
	}
}

func TestAuthRejectionWithoutHostTierFailsImmediately(t *testing.T) {
	reject := &fakeSkill{name: "alpha", fn: func(_ context.Context, _ *skills.Request) (map[string]any, error) {
		return nil, fmt.Errorf("provider returned 401 unauthorized")
	}}
	pl := testPipeline("alpha")

	o := testOrchestrator(t, "0s", reject)
	st := startedSession(t, o, pl)

	err := o.execute(context.Background(), st, pl)
	if !errors.Is(err, ErrStepFailure) {
		t.Fatalf("expected ErrStepFailure, got %v", err)
	}
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired cause, got %v", err)
	}
	if reject.callCount() != 1 {
		t.Errorf("expected no retries for non-host credentials, got %d calls", reject.callCount())
	}
}

func TestAuthRejectionHostTierRetriesThenFails(t *testing.T) {
	reject := &fakeSkill{name: "alpha", fn: func(_ context.Context, _ *skills.Request) (map[string]any, error) {
		return nil, fmt.Errorf("provider returned 401 unauthorized")
	}}
	pl := testPipeline("alpha")

	o := testOrchestrator(t, "0s", reject)
	o.creds = &credentials.Credentials{Source: credentials.SourceHostOAuth}
	t.Setenv(credentials.EnvAgentToken, "")
	t.Setenv(credentials.EnvHostToken, "")
	st := startedSession(t, o, pl)

	err := o.execute(context.Background(), st, pl)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}

	// Discovery finds nothing in the test workspace, so every attempt is
	// consumed without a skill retry.
	if reject.callCount() != 1 {
		t.Errorf("expected single execution before pause exhaustion, got %d", reject.callCount())
	}
	if st.Status != session.StatusFailed {
		t.Errorf("expected failed, got %s", st.Status)
	}
}

func TestBuildGraphRejectsUnknownSkill(t *testing.T) {
	pl := testPipeline("alpha")
	pl.Steps[0].Skill = "transmute"

	o := testOrchestrator(t, "0s")
	st := startedSession(t, o, pl)

	err := o.execute(context.Background(), st, pl)
	if !errors.Is(err, skills.ErrUnknownSkill) {
		t.Fatalf("expected ErrUnknownSkill, got %v", err)
	}
	if st.Status != session.StatusFailed {
		t.Errorf("expected failed, got %s", st.Status)
	}
}

func TestAcquireLockContention(t *testing.T) {
	o := testOrchestrator(t, "0s")
	o.cfg.Workspace.LockWait = "300ms"

	held, err := o.locks.Acquire(o.paths, "other-session")
	if err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	defer held.Release()

	_, err = o.acquireLock(context.Background(), "my-session")
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}
}

func TestAcquireLockWaitsOutRelease(t *testing.T) {
	o := testOrchestrator(t, "0s")
	o.cfg.Workspace.LockWait = "2s"

	held, err := o.locks.Acquire(o.paths, "other-session")
	if err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	go func() {
		time.Sleep(400 * time.Millisecond)
		held.Release()
	}()

	lock, err := o.acquireLock(context.Background(), "my-session")
	if err != nil {
		t.Fatalf("expected acquisition after release, got %v", err)
	}
	lock.Release()
}

func TestResumeRecoversSessionLeftRunningByCrash(t *testing.T) {
	alpha := &fakeSkill{name: "alpha"}
	beta := &fakeSkill{name: "beta"}
	pl := testPipeline("alpha", "beta")

	o := testOrchestrator(t, "0s", alpha, beta)
	st := startedSession(t, o, pl)

	// The first step checkpoints, then the process dies without a terminal
	// save: the record stays running and keeps its active marker.
	if err := o.store.MarkStepCompleted(st, "alpha"); err != nil {
		t.Fatalf("complete alpha: %v", err)
	}

	loaded, err := o.store.Load(st.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != session.StatusRunning {
		t.Fatalf("expected running on disk after crash, got %s", loaded.Status)
	}
	if !o.store.IsActive(loaded.ID) {
		t.Fatal("expected active marker to survive the crash")
	}

	if err := o.resumeSession(loaded); err != nil {
		t.Fatalf("resume after crash: %v", err)
	}
	if loaded.Status != session.StatusRunning {
		t.Fatalf("expected running after recovery, got %s", loaded.Status)
	}

	if err := o.execute(context.Background(), loaded, pl); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if alpha.callCount() != 0 {
		t.Errorf("checkpointed step re-executed %d times", alpha.callCount())
	}
	if beta.callCount() != 1 {
		t.Errorf("expected exactly one beta execution, got %d", beta.callCount())
	}
	if loaded.Status != session.StatusCompleted {
		t.Errorf("expected completed, got %s", loaded.Status)
	}
}

func TestContendedLaunchWritesNoSessionFiles(t *testing.T) {
	o := testOrchestrator(t, "0s")
	o.cfg.Workspace.LockWait = "300ms"

	held, err := o.locks.Acquire(o.paths, "other-session")
	if err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	defer held.Release()

	_, err = o.launch(context.Background(), map[string]string{"document": "input.pdf"}, testPipeline("alpha"))
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}

	list, err := o.store.List(session.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("contender left %d sessions behind", len(list))
	}

	entries, err := os.ReadDir(o.store.Root())
	if err != nil {
		t.Fatalf("read sessions dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("contender left %d entries in the session tree", len(entries))
	}
}
