package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mt-osiris-tools/prism/internal/config"
	"github.com/mt-osiris-tools/prism/internal/pipeline"
	"github.com/mt-osiris-tools/prism/internal/session"
	"github.com/mt-osiris-tools/prism/pkg/formatting"
)

func newRootCommand(cfg *config.Config, orch *pipeline.Orchestrator) *cobra.Command {
	root := &cobra.Command{
		Use:           "prism",
		Short:         "Interruption-tolerant document pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCommand(orch),
		newResumeCommand(orch),
		newSessionsCommand(orch),
		newCleanupCommand(cfg, orch),
	)

	return root
}

func newRunCommand(orch *pipeline.Orchestrator) *cobra.Command {
	return &cobra.Command{
		Use:   "run <document>",
		Short: "Process a document through the declared pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			document := args[0]
			if _, err := os.Stat(document); err != nil {
				return fmt.Errorf("%w: document %s: %w", pipeline.ErrPrerequisite, document, err)
			}

			st, err := orch.Run(cmd.Context(), map[string]string{"document": document})
			if err != nil {
				printResumeGuidance(cmd, st)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "session %s completed\n", st.ID)
			if report, ok := st.Outputs["report_path"].(string); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "report: %s\n", report)
			}
			return nil
		},
	}
}

func newResumeCommand(orch *pipeline.Orchestrator) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue an interrupted or failed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("%w: invalid session id %q", session.ErrNotFound, args[0])
			}

			st, err := orch.Resume(cmd.Context(), id)
			if err != nil {
				printResumeGuidance(cmd, st)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "session %s completed\n", st.ID)
			return nil
		},
	}
}

func newSessionsCommand(orch *pipeline.Orchestrator) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions in the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := orch.Store().List(session.Filter{Status: session.Status(status)})
			if err != nil {
				return err
			}

			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}

			for _, st := range list {
				step := st.CurrentStep
				if step == "" {
					step = "-"
				}
				fmt.Fprintf(
					cmd.OutOrStdout(), "%s  %-11s  %-10s  %d/%d steps  %s\n",
					st.ID, st.Status, step,
					st.CompletedCount(), len(st.Steps),
					humanizeAge(time.Since(st.UpdatedAt)),
				)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func newCleanupCommand(cfg *config.Config, orch *pipeline.Orchestrator) *cobra.Command {
	var (
		dryRun    bool
		retention string
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove aged terminal sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			period := cfg.Retention.PeriodDuration()
			if retention != "" {
				parsed, err := time.ParseDuration(retention)
				if err != nil {
					return fmt.Errorf("invalid retention: %w", err)
				}
				period = parsed
			}

			result, err := orch.Sweeper().Run(cmd.Context(), period, dryRun)
			if err != nil {
				return err
			}

			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			fmt.Fprintf(
				cmd.OutOrStdout(), "%s %d sessions, %s\n",
				verb, result.Removed,
				formatting.FormatBytes(result.ReclaimedBytes, 1),
			)
			for _, itemErr := range result.Errors {
				fmt.Fprintln(cmd.ErrOrStderr(), "cleanup:", itemErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without removing")
	cmd.Flags().StringVar(&retention, "retention", "", "retention period override (e.g. 168h)")
	return cmd
}

// printResumeGuidance tells the user the exact command that continues a run
// that stopped short of completion. Sessions saved as interrupted or failed
// are resumable; anything else gets no guidance.
func printResumeGuidance(cmd *cobra.Command, st *session.State) {
	if st == nil {
		return
	}
	if st.Status != session.StatusInterrupted && st.Status != session.StatusFailed {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "resume with: prism resume %s\n", st.ID)
}

func humanizeAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
