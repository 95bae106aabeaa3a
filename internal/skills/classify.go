package skills

import (
	"context"
	"fmt"
	"os"

	"github.com/JaimeStill/document-context/pkg/document"
	"github.com/JaimeStill/document-context/pkg/encoding"
	"golang.org/x/sync/errgroup"

	"github.com/JaimeStill/go-agents/pkg/agent"

	"github.com/mt-osiris-tools/prism/pkg/formatting"
)

// PageFinding is the structured result of classifying a single page.
type PageFinding struct {
	PageNumber int      `json:"page_number"`
	Category   string   `json:"category"`
	Topics     []string `json:"topics"`
	Rationale  string   `json:"rationale"`
}

type pageResponse struct {
	Category  string   `json:"category"`
	Topics    []string `json:"topics"`
	Rationale string   `json:"rationale"`
}

// ClassifySkill performs parallel page-by-page vision analysis. Each
// goroutine creates its own agent, encodes the page image to a data URI,
// and sends it to the vision model. Pages are classified independently;
// document-level synthesis is deferred to the summarize step.
type ClassifySkill struct{}

func (s *ClassifySkill) Name() string { return "classify" }

func (s *ClassifySkill) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	imagePaths, err := outputStrings(req.Outputs, "page_images")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassifyFailed, err)
	}

	findings := make([]PageFinding, len(imagePaths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerCount(len(imagePaths)))

	for i := range imagePaths {
		pageNum := i + 1

		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			a, err := agent.New(&req.Agent)
			if err != nil {
				return fmt.Errorf("page %d: create agent: %w", pageNum, err)
			}

			dataURI, err := encodePageImage(imagePaths[i])
			if err != nil {
				return fmt.Errorf("page %d: %w", pageNum, err)
			}

			resp, err := a.Vision(gctx, classifyPrompt, []string{dataURI})
			if err != nil {
				return fmt.Errorf("page %d: vision call: %w", pageNum, err)
			}

			parsed, err := formatting.Parse[pageResponse](resp.Content())
			if err != nil {
				return fmt.Errorf("page %d: parse response: %w", pageNum, err)
			}

			findings[i] = PageFinding{
				PageNumber: pageNum,
				Category:   parsed.Category,
				Topics:     parsed.Topics,
				Rationale:  parsed.Rationale,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassifyFailed, err)
	}

	req.Logger.InfoContext(
		ctx, "pages classified",
		"page_count", len(findings),
	)

	return map[string]any{
		"findings": findings,
	}, nil
}

func encodePageImage(imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	dataURI, err := encoding.EncodeImageDataURI(data, document.PNG)
	if err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	return dataURI, nil
}
