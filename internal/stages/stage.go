package stages

import (
	"context"

	"github.com/postforge/postforge/pkg/schema"
)

// Requirement is a named precondition on the pipeline state. Requirements
// are checked fail-fast before a stage runs; an unmet requirement is a
// PRECONDITION_ERROR, never a partial stage execution.
type Requirement struct {
	Name  string
	Check func(*schema.PipelineState) bool
}

// Stage is one step of the fixed pipeline. A stage reads any prior state
// field and writes only the outputs its contract declares.
type Stage interface {
	Name() schema.StageName
	Requires() []Requirement
	Run(ctx context.Context, state *schema.PipelineState) error
}

// CheckRequires evaluates a stage's requirements against the state.
func CheckRequires(stage Stage, state *schema.PipelineState) error {
	for _, req := range stage.Requires() {
		if !req.Check(state) {
			return schema.NewErrorf(schema.ErrCodePrecondition,
				"requirement %q not met", req.Name).
				WithStage(stage.Name())
		}
	}
	return nil
}

// Registry maps stage names to implementations.
type Registry struct {
	stages map[schema.StageName]Stage
}

// NewRegistry creates a registry from the given stages.
func NewRegistry(stages ...Stage) *Registry {
	r := &Registry{stages: make(map[schema.StageName]Stage, len(stages))}
	for _, s := range stages {
		r.stages[s.Name()] = s
	}
	return r
}

// Get returns the stage registered under the given name.
func (r *Registry) Get(name schema.StageName) (Stage, error) {
	s, ok := r.stages[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "no stage registered for %q", name)
	}
	return s, nil
}

// Shared requirements.

func requireIntent() Requirement {
	return Requirement{
		Name:  "intent present",
		Check: func(s *schema.PipelineState) bool { return s.Intent != nil },
	}
}

func requireRawItems() Requirement {
	return Requirement{
		Name:  "raw items present",
		Check: func(s *schema.PipelineState) bool { return len(s.RawItems) > 0 },
	}
}

func requireFilteredItems() Requirement {
	return Requirement{
		Name:  "filtered items present",
		Check: func(s *schema.PipelineState) bool { return len(s.FilteredItems) > 0 },
	}
}

func requireInsight() Requirement {
	return Requirement{
		Name:  "insight present",
		Check: func(s *schema.PipelineState) bool { return s.Insight != nil },
	}
}
