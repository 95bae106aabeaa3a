// Package skills implements the pipeline step implementations: each skill
// consumes the outputs of prior steps from the session record and produces
// its own outputs to be checkpointed. Skills are pure with respect to the
// session store; all durable state flows through the orchestrator.
package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gaconfig "github.com/JaimeStill/go-agents/pkg/config"
)

var (
	ErrUnknownSkill   = errors.New("unknown skill")
	ErrMissingInput   = errors.New("missing required input")
	ErrIngestFailed   = errors.New("ingest failed")
	ErrRenderFailed   = errors.New("render failed")
	ErrClassifyFailed = errors.New("classify failed")
	ErrSummaryFailed  = errors.New("summarize failed")
)

// Request carries everything a skill needs for a single step execution.
// Outputs holds the accumulated outputs of all previously completed steps;
// values loaded from a checkpoint have been through a JSON round trip, so
// numeric values may arrive as float64 and slices as []any.
type Request struct {
	WorkDir string
	Inputs  map[string]string
	Params  map[string]string
	Outputs map[string]any
	Agent   gaconfig.AgentConfig
	Logger  *slog.Logger
}

// Skill is a single pipeline step implementation.
type Skill interface {
	Name() string
	Execute(ctx context.Context, req *Request) (map[string]any, error)
}

// Registry maps skill names to implementations.
type Registry struct {
	skills map[string]Skill
}

// NewRegistry returns a registry populated with the built-in skills.
func NewRegistry() *Registry {
	r := &Registry{skills: make(map[string]Skill)}
	r.Register(&IngestSkill{})
	r.Register(&RenderSkill{})
	r.Register(&ClassifySkill{})
	r.Register(&SummarizeSkill{})
	return r
}

func (r *Registry) Register(s Skill) {
	r.skills[s.Name()] = s
}

// Resolve returns the skill registered under name.
func (r *Registry) Resolve(name string) (Skill, error) {
	s, ok := r.skills[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}
	return s, nil
}

// Names returns the registered skill names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	return names
}

// outputInt reads an integer from accumulated outputs, tolerating the
// float64 representation produced by a checkpoint round trip.
func outputInt(outputs map[string]any, key string) (int, error) {
	val, ok := outputs[key]
	if !ok {
		return 0, fmt.Errorf("%w: output %s", ErrMissingInput, key)
	}

	switch v := val.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("%w: output %s is not numeric", ErrMissingInput, key)
	}
}

// outputString reads a string from accumulated outputs.
func outputString(outputs map[string]any, key string) (string, error) {
	val, ok := outputs[key]
	if !ok {
		return "", fmt.Errorf("%w: output %s", ErrMissingInput, key)
	}

	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("%w: output %s is not a string", ErrMissingInput, key)
	}
	return s, nil
}

// outputStrings reads a string slice from accumulated outputs, tolerating
// the []any representation produced by a checkpoint round trip.
func outputStrings(outputs map[string]any, key string) ([]string, error) {
	val, ok := outputs[key]
	if !ok {
		return nil, fmt.Errorf("%w: output %s", ErrMissingInput, key)
	}

	switch v := val.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: output %s has non-string element", ErrMissingInput, key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: output %s is not a string list", ErrMissingInput, key)
	}
}
