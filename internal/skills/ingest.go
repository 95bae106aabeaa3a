package skills

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

const sourcePDF = "source.pdf"

// IngestSkill stages the input document into the session work directory
// and records its page count. Staging a private copy means later steps
// never depend on the caller's file surviving the run.
type IngestSkill struct{}

func (s *IngestSkill) Name() string { return "ingest" }

func (s *IngestSkill) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	inputPath, ok := req.Inputs["document"]
	if !ok || inputPath == "" {
		return nil, fmt.Errorf("%w: document", ErrMissingInput)
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read document: %w", ErrIngestFailed, err)
	}

	pageCount, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: page count: %w", ErrIngestFailed, err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrIngestFailed)
	}

	staged := filepath.Join(req.WorkDir, sourcePDF)
	if err := os.WriteFile(staged, data, 0600); err != nil {
		return nil, fmt.Errorf("%w: stage document: %w", ErrIngestFailed, err)
	}

	req.Logger.InfoContext(
		ctx, "document staged",
		"source", inputPath,
		"page_count", pageCount,
	)

	return map[string]any{
		"source_pdf": staged,
		"page_count": pageCount,
	}, nil
}
