// Package pipeline composes the control-plane systems into runnable
// pipelines: environment detection, credential resolution, workspace locking,
// session checkpointing, budget enforcement, and retention cleanup, wrapped
// around state-graph execution of the declared steps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	gaconfig "github.com/JaimeStill/go-agents/pkg/config"

	"github.com/mt-osiris-tools/prism/internal/cleanup"
	"github.com/mt-osiris-tools/prism/internal/config"
	"github.com/mt-osiris-tools/prism/internal/credentials"
	"github.com/mt-osiris-tools/prism/internal/environment"
	"github.com/mt-osiris-tools/prism/internal/session"
	"github.com/mt-osiris-tools/prism/internal/skills"
	"github.com/mt-osiris-tools/prism/internal/workspace"
	"github.com/mt-osiris-tools/prism/pkg/pipelinedef"
)

const (
	defaultAuthWait     = 15 * time.Second
	defaultAuthAttempts = 8
)

// Orchestrator wires the control-plane systems together and executes
// pipeline runs against a single workspace.
type Orchestrator struct {
	cfg      *config.Config
	paths    workspace.Paths
	store    *session.Store
	locks    *workspace.Manager
	sweeper  *cleanup.Service
	detector *environment.Detector
	resolver *credentials.Resolver
	registry *skills.Registry
	logger   *slog.Logger

	authWait     time.Duration
	authAttempts int

	// mu guards session mutations: step checkpoints from graph nodes and
	// the pre-abort interrupt snapshot race against each other.
	mu    sync.Mutex
	agent gaconfig.AgentConfig
	creds *credentials.Credentials
}

// New builds an orchestrator for the configured workspace.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	paths, err := workspace.NewPaths(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	if _, err := paths.ControlDir(); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	store, err := session.NewStore(paths.SessionsDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	provider := ""
	if cfg.Agent.Provider != nil {
		provider = cfg.Agent.Provider.Name
	}

	return &Orchestrator{
		cfg:          cfg,
		paths:        paths,
		store:        store,
		locks:        workspace.NewManager(cfg.Workspace.LockStaleAfterDuration(), logger),
		sweeper:      cleanup.New(paths.SessionsDir(), paths.CleanupMarkerPath(), cfg.Retention.ThrottleDuration(), logger),
		detector:     environment.NewDetector(cfg.Workspace.Root, logger),
		resolver:     credentials.NewResolver(paths.SecretsPath(), provider, logger),
		registry:     skills.NewRegistry(),
		logger:       logger.With("system", "pipeline"),
		authWait:     defaultAuthWait,
		authAttempts: defaultAuthAttempts,
	}, nil
}

// Store exposes the session store for listing commands.
func (o *Orchestrator) Store() *session.Store {
	return o.store
}

// Sweeper exposes the cleanup service for the cleanup command.
func (o *Orchestrator) Sweeper() *cleanup.Service {
	return o.sweeper
}

// Run starts a fresh session over the declared pipeline and executes it to a
// terminal state.
func (o *Orchestrator) Run(ctx context.Context, inputs map[string]string) (*session.State, error) {
	desc := o.detector.Detect()
	o.logger.Info(
		"environment detected",
		"hosted", desc.Hosted,
		"confidence", desc.Confidence,
		"method", desc.Method,
	)

	pl, err := o.loadPipeline()
	if err != nil {
		return nil, err
	}

	if err := o.prepareCredentials(ctx); err != nil {
		return nil, err
	}

	// Startup sweep is opportunistic; a failed sweep never blocks a run.
	if _, err := o.sweeper.MaybeRun(ctx, o.cfg.Retention.PeriodDuration()); err != nil {
		o.logger.Warn("startup cleanup failed", "error", err)
	}

	return o.launch(ctx, inputs, pl)
}

// launch takes the workspace lock and only then creates the session, so a
// contending invocation aborts without writing anything into the session
// tree. The id is chosen up front because the lock record names its owner.
func (o *Orchestrator) launch(ctx context.Context, inputs map[string]string, pl *pipelinedef.Pipeline) (*session.State, error) {
	id := uuid.New()

	lock, err := o.acquireLock(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	st, err := o.store.CreateWithID(id, inputs, pl.StepIDs())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := o.store.Start(st); err != nil {
		return st, err
	}

	return st, o.execute(ctx, st, pl)
}

// Resume reloads an interrupted or failed session and continues execution
// from the first incomplete step. The startup cleanup sweep is skipped so a
// resume after a crash cannot race its own recovery.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) (*session.State, error) {
	desc := o.detector.Detect()
	o.logger.Info(
		"environment detected",
		"hosted", desc.Hosted,
		"confidence", desc.Confidence,
		"method", desc.Method,
	)

	st, err := o.store.Load(id)
	if err != nil {
		return nil, err
	}

	pl, err := o.loadPipeline()
	if err != nil {
		return nil, err
	}

	if err := o.prepareCredentials(ctx); err != nil {
		return nil, err
	}

	lock, err := o.acquireLock(ctx, st.ID.String())
	if err != nil {
		return st, err
	}
	defer lock.Release()

	if err := o.resumeSession(st); err != nil {
		return st, err
	}

	return st, o.execute(ctx, st, pl)
}

// resumeSession moves a loaded session back to running. A record still
// marked running means its owner died without a terminal save; holding the
// workspace lock proves no live owner remains, so the record is settled as
// interrupted first and then resumed like any other interruption.
func (o *Orchestrator) resumeSession(st *session.State) error {
	if st.Status == session.StatusRunning {
		o.logger.Warn(
			"session left running by a dead process, recovering",
			"session_id", st.ID,
			"completed_steps", st.CompletedCount(),
		)
		if err := o.store.Interrupt(st, "process exited without saving"); err != nil {
			return err
		}
	}

	return o.store.Resume(st)
}

// loadPipeline reads the workspace pipeline declaration, falling back to the
// built-in default when no declaration file exists.
func (o *Orchestrator) loadPipeline() (*pipelinedef.Pipeline, error) {
	path := o.paths.PipelinePath()
	if _, err := os.Stat(path); err != nil {
		return pipelinedef.Default(), nil
	}

	pl, err := pipelinedef.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrerequisite, err)
	}

	o.logger.Info("pipeline loaded", "name", pl.Name, "steps", len(pl.Steps))
	return pl, nil
}

// prepareCredentials discovers credentials, validates them with a provider
// round trip, and captures the credential-applied agent configuration for
// skill execution.
func (o *Orchestrator) prepareCredentials(ctx context.Context) error {
	creds := o.resolver.Discover()
	if creds.Empty() {
		return fmt.Errorf("%w: no credentials discovered", ErrPrerequisite)
	}

	ok, err := o.resolver.Validate(ctx, creds, &o.cfg.Agent)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	if !ok {
		return fmt.Errorf("%w: provider rejected %s credentials", ErrCredentials, creds.Source)
	}

	applied, err := credentials.ApplyTo(creds, &o.cfg.Agent)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	o.mu.Lock()
	o.creds = creds
	o.agent = *applied
	o.mu.Unlock()

	return nil
}

// acquireLock attempts the workspace lock, waiting out a live holder up to
// the configured bound before aborting with a contention error.
func (o *Orchestrator) acquireLock(ctx context.Context, ownerID string) (*workspace.Lock, error) {
	lock, err := o.locks.Acquire(o.paths, ownerID)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, workspace.ErrHeld) {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	wait := o.cfg.Workspace.LockWaitDuration()
	o.logger.Info("workspace locked, waiting", "bound", wait)

	released, werr := o.locks.WaitForRelease(ctx, o.paths, wait)
	if werr != nil {
		return nil, fmt.Errorf("wait for lock: %w", werr)
	}
	if !released {
		return nil, fmt.Errorf("%w: %w", ErrLockContention, err)
	}

	lock, err = o.locks.Acquire(o.paths, ownerID)
	if err != nil {
		if errors.Is(err, workspace.ErrHeld) {
			return nil, fmt.Errorf("%w: %w", ErrLockContention, err)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return lock, nil
}
