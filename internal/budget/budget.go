// Package budget enforces a wall-clock budget over a run with cooperative
// cancellation. Long-running work polls the signal context and unwinds
// voluntarily; nothing is ever killed outright. Before the signal is marked
// cancelled, a registered pre-abort hook runs to completion, giving the run a
// clean window to persist its state. Timeout and user interrupt travel the
// same path and differ only in the recorded reason.
package budget

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Reason records why a run was cancelled.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonInterrupt Reason = "interrupt"
)

// Controller arms a deadline and owns the cancellation signal for one run.
type Controller struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	preAbort func()
	timer    *time.Timer
	reason   Reason
	done     bool
}

// New creates a disarmed controller. The signal context is live immediately;
// Start arms the deadline.
func New(logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		logger: logger.With("system", "budget"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Signal returns the cancellation token. Every long-running step must poll
// it and propagate it into external calls.
func (c *Controller) Signal() context.Context {
	return c.ctx
}

// Start arms the wall-clock deadline. preAbort is guaranteed to run to
// completion before the signal is cancelled, on both timeout and explicit
// Cancel; use it to persist current state. A budget of zero or less means
// no deadline.
func (c *Controller) Start(budget time.Duration, preAbort func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.preAbort = preAbort
	if budget > 0 {
		c.timer = time.AfterFunc(budget, func() {
			c.Cancel(ReasonTimeout)
		})
	}
}

// SetPreAbort replaces the pre-abort hook. The orchestrator re-registers it
// as the session state it must snapshot evolves.
func (c *Controller) SetPreAbort(preAbort func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preAbort = preAbort
}

// Cancel triggers cooperative cancellation: record the reason, run the
// pre-abort hook to completion, then cancel the signal. Only the first call
// has effect.
func (c *Controller) Cancel(reason Reason) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.reason = reason
	if c.timer != nil {
		c.timer.Stop()
	}
	hook := c.preAbort
	c.mu.Unlock()

	c.logger.Warn("run cancelled", "reason", reason)

	// The hook must finish before the token reads as cancelled: steps keep a
	// consistent view of the world while state is being saved.
	if hook != nil {
		hook()
	}

	c.cancel()
}

// Stop disarms the deadline without cancelling, used when a run finishes
// inside its budget.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Reason returns the recorded cancellation reason, empty while the run is
// still live.
func (c *Controller) Reason() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Cancelled reports whether cancellation has been triggered.
func (c *Controller) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// NotifySignals maps OS interrupt signals onto Cancel(ReasonInterrupt).
// The returned stop function releases the signal registration.
func (c *Controller) NotifySignals() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		if _, ok := <-ch; ok {
			c.Cancel(ReasonInterrupt)
		}
	}()

	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
