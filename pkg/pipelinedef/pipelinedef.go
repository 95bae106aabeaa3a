// Package pipelinedef loads and validates pipeline declarations: the ordered
// list of steps a run executes. Declarations live in a YAML file inside the
// workspace; when absent, Default provides the built-in document pipeline.
package pipelinedef

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Step declares one pipeline step: a stable identifier, the skill that
// executes it, and optional skill parameters.
type Step struct {
	ID     string            `yaml:"id"`
	Skill  string            `yaml:"skill"`
	Params map[string]string `yaml:"params,omitempty"`
}

// Pipeline is an ordered step declaration. Step order is execution order.
type Pipeline struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Default returns the built-in document pipeline: ingest, render, classify,
// summarize.
func Default() *Pipeline {
	return &Pipeline{
		Name: "document",
		Steps: []Step{
			{ID: "ingest", Skill: "ingest"},
			{ID: "render", Skill: "render"},
			{ID: "classify", Skill: "classify"},
			{ID: "summarize", Skill: "summarize"},
		},
	}
}

// Load reads a pipeline declaration from path. The declaration is validated
// before being returned.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate pipeline %s: %w", path, err)
	}

	return &p, nil
}

// Validate checks that the declaration has at least one step, that every step
// carries an id and a skill, and that step ids are unique.
func (p *Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline declares no steps")
	}

	seen := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d: id required", i)
		}
		if step.Skill == "" {
			return fmt.Errorf("step %s: skill required", step.ID)
		}
		if _, ok := seen[step.ID]; ok {
			return fmt.Errorf("step %s: duplicate id", step.ID)
		}
		seen[step.ID] = struct{}{}
	}

	return nil
}

// StepIDs returns the declared step ids in execution order.
func (p *Pipeline) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		ids[i] = step.ID
	}
	return ids
}
