package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mt-osiris-tools/prism/internal/session"
)

func guidanceFor(t *testing.T, st *session.State) string {
	t.Helper()
	var stderr bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetErr(&stderr)
	printResumeGuidance(cmd, st)
	return stderr.String()
}

func TestResumeGuidanceForResumableSessions(t *testing.T) {
	id := uuid.New()

	for _, status := range []session.Status{session.StatusInterrupted, session.StatusFailed} {
		out := guidanceFor(t, &session.State{ID: id, Status: status})
		if !strings.Contains(out, "prism resume "+id.String()) {
			t.Errorf("%s: expected resume command in guidance, got %q", status, out)
		}
	}
}

func TestNoResumeGuidanceOtherwise(t *testing.T) {
	if out := guidanceFor(t, nil); out != "" {
		t.Errorf("expected no guidance without a session, got %q", out)
	}

	st := &session.State{ID: uuid.New(), Status: session.StatusCompleted}
	if out := guidanceFor(t, st); out != "" {
		t.Errorf("expected no guidance for a completed session, got %q", out)
	}
}

func TestHumanizeAge(t *testing.T) {
	cases := []struct {
		age  time.Duration
		want string
	}{
		{30 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{49 * time.Hour, "2d ago"},
	}

	for _, tc := range cases {
		if got := humanizeAge(tc.age); got != tc.want {
			t.Errorf("humanizeAge(%v): expected %q, got %q", tc.age, got, tc.want)
		}
	}
}
