package stages

import (
	"context"
	"log/slog"
	"strings"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/pkg/schema"
)

// IntentStage extracts the structured intent from the raw query.
// Writes: state.Intent.
type IntentStage struct {
	parser capability.IntentParser
	guard  *capability.Guard
	logger *slog.Logger
}

func NewIntentStage(parser capability.IntentParser, guard *capability.Guard, logger *slog.Logger) *IntentStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentStage{parser: parser, guard: guard, logger: logger}
}

func (s *IntentStage) Name() schema.StageName { return schema.StageIntent }

func (s *IntentStage) Requires() []Requirement {
	return []Requirement{{
		Name:  "query non-empty",
		Check: func(st *schema.PipelineState) bool { return strings.TrimSpace(st.Query) != "" },
	}}
}

func (s *IntentStage) Run(ctx context.Context, state *schema.PipelineState) error {
	var intent *schema.Intent
	err := s.guard.Do(ctx, "parse_intent", func(ctx context.Context) error {
		var perr error
		intent, perr = s.parser.Parse(ctx, state.Query)
		return perr
	})
	if err != nil {
		return err
	}
	if intent == nil {
		return schema.NewError(schema.ErrCodeValidation, "parser returned no intent").
			WithStage(schema.StageIntent)
	}
	if intent.Topic == "" {
		return schema.NewError(schema.ErrCodeValidation, "parsed intent has empty topic").
			WithStage(schema.StageIntent)
	}

	state.Intent = intent
	s.logger.InfoContext(ctx, "intent extracted",
		"topic", intent.Topic, "scope", intent.Scope, "tone", intent.Tone)
	return nil
}
