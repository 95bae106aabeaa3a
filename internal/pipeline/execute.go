package pipeline

import (
	"context"
	"fmt"
	"maps"
	"time"

	gaoconfig "github.com/JaimeStill/go-agents-orchestration/pkg/config"
	"github.com/JaimeStill/go-agents-orchestration/pkg/state"

	"github.com/mt-osiris-tools/prism/internal/budget"
	"github.com/mt-osiris-tools/prism/internal/credentials"
	"github.com/mt-osiris-tools/prism/internal/session"
	"github.com/mt-osiris-tools/prism/internal/skills"
	"github.com/mt-osiris-tools/prism/pkg/pipelinedef"
)

// execute runs the declared steps under budget enforcement. The session is
// guaranteed to reach a terminal status before execute returns: completed on
// success, interrupted on timeout or signal (saved by the pre-abort hook
// before the signal context cancels), failed otherwise.
func (o *Orchestrator) execute(ctx context.Context, st *session.State, pl *pipelinedef.Pipeline) error {
	ctrl := budget.New(o.logger)
	defer ctrl.Stop()

	ctrl.Start(o.cfg.Budget.BudgetDuration(), func() {
		o.interruptSnapshot(st, string(ctrl.Reason()))
	})

	stopSignals := ctrl.NotifySignals()
	defer stopSignals()

	graph, err := o.buildGraph(st, pl)
	if err != nil {
		o.failSnapshot(st, err)
		return fmt.Errorf("%w: %w", ErrStepFailure, err)
	}

	if _, err := graph.Execute(ctrl.Signal(), state.New(nil)); err != nil {
		if ctrl.Cancelled() {
			// The pre-abort hook already saved the interrupted snapshot.
			return fmt.Errorf("%w: %s", ErrInterrupted, ctrl.Reason())
		}

		o.failSnapshot(st, err)
		return fmt.Errorf("%w: %w", ErrStepFailure, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.store.Complete(st, st.Outputs); err != nil {
		return err
	}

	o.logger.Info("run complete", "session_id", st.ID, "steps", len(st.Steps))
	return nil
}

// interruptSnapshot persists the session as interrupted. Called from the
// budget controller's pre-abort hook, so it must finish before the signal
// context cancels; a no-op if the session already reached a terminal status.
func (o *Orchestrator) interruptSnapshot(st *session.State, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if st.Status.Terminal() {
		return
	}

	if err := o.store.Interrupt(st, reason); err != nil {
		o.logger.Error("interrupt snapshot failed", "session_id", st.ID, "error", err)
		return
	}

	o.logger.Info(
		"session interrupted",
		"session_id", st.ID,
		"reason", reason,
		"completed_steps", st.CompletedCount(),
	)
}

func (o *Orchestrator) failSnapshot(st *session.State, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if st.Status.Terminal() {
		return
	}

	if err := o.store.Fail(st, cause); err != nil {
		o.logger.Error("fail snapshot failed", "session_id", st.ID, "error", err)
	}
}

// buildGraph assembles a linear state graph from the pipeline declaration,
// one node per declared step.
func (o *Orchestrator) buildGraph(st *session.State, pl *pipelinedef.Pipeline) (state.StateGraph, error) {
	cfg := gaoconfig.DefaultGraphConfig("prism-" + pl.Name)
	cfg.Observer = "noop"

	graph, err := state.NewGraph(cfg)
	if err != nil {
		return nil, err
	}

	for _, step := range pl.Steps {
		if _, err := o.registry.Resolve(step.Skill); err != nil {
			return nil, err
		}
		if err := graph.AddNode(step.ID, o.stepNode(st, step)); err != nil {
			return nil, err
		}
	}

	for i := 0; i < len(pl.Steps)-1; i++ {
		if err := graph.AddEdge(pl.Steps[i].ID, pl.Steps[i+1].ID, nil); err != nil {
			return nil, err
		}
	}

	if err := graph.SetEntryPoint(pl.Steps[0].ID); err != nil {
		return nil, err
	}

	if err := graph.SetExitPoint(pl.Steps[len(pl.Steps)-1].ID); err != nil {
		return nil, err
	}

	return graph, nil
}

// stepNode wraps a skill execution with checkpoint semantics: already
// completed steps are skipped, the step is marked started before execution,
// and outputs are merged and the step marked completed afterward. Each mark
// persists the full session snapshot.
func (o *Orchestrator) stepNode(st *session.State, step pipelinedef.Step) state.StateNode {
	return state.NewFunctionNode(func(ctx context.Context, s state.State) (state.State, error) {
		o.mu.Lock()
		if st.StepCompleted(step.ID) {
			o.mu.Unlock()
			o.logger.Info("step already completed, skipping", "session_id", st.ID, "step", step.ID)
			return s, nil
		}

		if err := o.store.MarkStepStarted(st, step.ID); err != nil {
			o.mu.Unlock()
			return s, err
		}

		req := &skills.Request{
			Inputs:  st.Inputs,
			Params:  step.Params,
			Outputs: maps.Clone(st.Outputs),
			Agent:   o.agent,
			Logger:  o.logger,
		}
		o.mu.Unlock()

		if req.Outputs == nil {
			req.Outputs = make(map[string]any)
		}

		workDir, err := o.store.WorkDir(st.ID)
		if err != nil {
			return s, fmt.Errorf("step %s: %w", step.ID, err)
		}
		req.WorkDir = workDir

		skill, err := o.registry.Resolve(step.Skill)
		if err != nil {
			return s, err
		}

		outputs, err := o.runSkill(ctx, skill, req)
		if err != nil {
			return s, fmt.Errorf("step %s: %w", step.ID, err)
		}

		o.mu.Lock()
		defer o.mu.Unlock()

		if st.Outputs == nil {
			st.Outputs = make(map[string]any)
		}
		maps.Copy(st.Outputs, outputs)

		if err := o.store.MarkStepCompleted(st, step.ID); err != nil {
			return s, err
		}

		o.logger.Info("step completed", "session_id", st.ID, "step", step.ID)
		return s, nil
	})
}

// runSkill executes a skill, pausing on a mid-run auth rejection when the
// credentials came from the host OAuth tier. The pause re-discovers and
// re-validates credentials on an interval; once the attempts are exhausted
// the rejection is reported as an expired-credential step failure.
func (o *Orchestrator) runSkill(ctx context.Context, skill skills.Skill, req *skills.Request) (map[string]any, error) {
	outputs, err := skill.Execute(ctx, req)
	if err == nil || !credentials.IsAuthRejection(err) {
		return outputs, err
	}

	o.mu.Lock()
	source := o.creds.Source
	o.mu.Unlock()

	if source != credentials.SourceHostOAuth {
		return nil, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}

	o.logger.Warn(
		"credentials rejected mid-run, pausing for refresh",
		"interval", o.authWait,
		"attempts", o.authAttempts,
	)

	for attempt := 1; attempt <= o.authAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.authWait):
		}

		creds := o.resolver.Discover()
		if creds.Empty() {
			continue
		}

		ok, verr := o.resolver.Validate(ctx, creds, &o.cfg.Agent)
		if verr != nil || !ok {
			continue
		}

		applied, aerr := credentials.ApplyTo(creds, &o.cfg.Agent)
		if aerr != nil {
			continue
		}

		o.mu.Lock()
		o.creds = creds
		o.agent = *applied
		o.mu.Unlock()
		req.Agent = *applied

		o.logger.Info("credentials recovered", "attempt", attempt, "source", creds.Source)

		outputs, err = skill.Execute(ctx, req)
		if err == nil || !credentials.IsAuthRejection(err) {
			return outputs, err
		}
	}

	return nil, fmt.Errorf("%w: credentials did not recover after %d attempts", ErrAuthExpired, o.authAttempts)
}
