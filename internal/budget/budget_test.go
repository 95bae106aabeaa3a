package budget_test

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mt-osiris-tools/prism/internal/budget"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestBudgetExceededSavesBeforeCancellation(t *testing.T) {
	c := budget.New(discard())

	// The hook must observe a live token: state is saved before the signal
	// reads as cancelled.
	var savedWhileLive atomic.Bool
	c.Start(50*time.Millisecond, func() {
		savedWhileLive.Store(c.Signal().Err() == nil)
	})

	// A step sleeping past the budget while polling the token every 10ms.
	deadline := time.After(2 * time.Second)
	observed := false
	for !observed {
		select {
		case <-c.Signal().Done():
			observed = true
		case <-deadline:
			t.Fatal("step never observed cancellation")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !savedWhileLive.Load() {
		t.Error("pre-abort hook ran after the token was cancelled")
	}
	if c.Reason() != budget.ReasonTimeout {
		t.Errorf("reason: got %s, want timeout", c.Reason())
	}
}

func TestCancelRecordsReason(t *testing.T) {
	c := budget.New(discard())

	var hookRan atomic.Bool
	c.Start(time.Hour, func() { hookRan.Store(true) })

	c.Cancel(budget.ReasonInterrupt)

	select {
	case <-c.Signal().Done():
	case <-time.After(time.Second):
		t.Fatal("signal not cancelled")
	}

	if !hookRan.Load() {
		t.Error("pre-abort hook did not run")
	}
	if c.Reason() != budget.ReasonInterrupt {
		t.Errorf("reason: got %s, want interrupt", c.Reason())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	c := budget.New(discard())

	var hooks atomic.Int32
	c.Start(time.Hour, func() { hooks.Add(1) })

	c.Cancel(budget.ReasonInterrupt)
	c.Cancel(budget.ReasonTimeout)

	if got := hooks.Load(); got != 1 {
		t.Errorf("hook ran %d times, want 1", got)
	}
	if c.Reason() != budget.ReasonInterrupt {
		t.Errorf("first reason must win: got %s", c.Reason())
	}
}

func TestStopDisarmsDeadline(t *testing.T) {
	c := budget.New(discard())

	c.Start(50*time.Millisecond, func() {})
	c.Stop()

	select {
	case <-c.Signal().Done():
		t.Error("stopped controller should not cancel")
	case <-time.After(200 * time.Millisecond):
	}

	if c.Cancelled() {
		t.Error("controller should not report cancelled after Stop")
	}
}

func TestZeroBudgetNeverFires(t *testing.T) {
	c := budget.New(discard())

	c.Start(0, func() {})

	select {
	case <-c.Signal().Done():
		t.Error("zero budget should mean no deadline")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetPreAbortReplacesHook(t *testing.T) {
	c := budget.New(discard())

	var first, second atomic.Bool
	c.Start(time.Hour, func() { first.Store(true) })
	c.SetPreAbort(func() { second.Store(true) })

	c.Cancel(budget.ReasonInterrupt)

	if first.Load() {
		t.Error("replaced hook should not run")
	}
	if !second.Load() {
		t.Error("replacement hook should run")
	}
}
