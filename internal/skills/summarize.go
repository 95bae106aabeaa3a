package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JaimeStill/go-agents/pkg/agent"
)

const reportFile = "report.md"

// SummarizeSkill synthesizes the per-page findings into a document-level
// markdown report via a single chat completion and writes it to the work
// directory. Findings are embedded as JSON, which tolerates both freshly
// computed values and values restored from a checkpoint.
type SummarizeSkill struct{}

func (s *SummarizeSkill) Name() string { return "summarize" }

func (s *SummarizeSkill) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	findings, ok := req.Outputs["findings"]
	if !ok {
		return nil, fmt.Errorf("%w: %w: output findings", ErrSummaryFailed, ErrMissingInput)
	}

	encoded, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode findings: %w", ErrSummaryFailed, err)
	}

	a, err := agent.New(&req.Agent)
	if err != nil {
		return nil, fmt.Errorf("%w: create agent: %w", ErrSummaryFailed, err)
	}

	prompt := fmt.Sprintf("%s\n\nPage findings:\n\n```json\n%s\n```", summarizePrompt, encoded)

	resp, err := a.Chat(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: chat call: %w", ErrSummaryFailed, err)
	}

	report := strings.TrimSpace(resp.Content())
	if report == "" {
		return nil, fmt.Errorf("%w: empty report", ErrSummaryFailed)
	}

	reportPath := filepath.Join(req.WorkDir, reportFile)
	if err := os.WriteFile(reportPath, []byte(report+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("%w: write report: %w", ErrSummaryFailed, err)
	}

	req.Logger.InfoContext(
		ctx, "report written",
		"path", reportPath,
		"bytes", len(report),
	)

	return map[string]any{
		"report_path": reportPath,
	}, nil
}
