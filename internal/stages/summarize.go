package stages

import (
	"context"
	"log/slog"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/pkg/schema"
)

// SummarizeStage condenses the filtered items into an insight.
// Writes: state.Insight.
type SummarizeStage struct {
	summarizer capability.Summarizer
	guard      *capability.Guard
	logger     *slog.Logger
}

func NewSummarizeStage(summarizer capability.Summarizer, guard *capability.Guard, logger *slog.Logger) *SummarizeStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummarizeStage{summarizer: summarizer, guard: guard, logger: logger}
}

func (s *SummarizeStage) Name() schema.StageName { return schema.StageSummarize }

func (s *SummarizeStage) Requires() []Requirement {
	return []Requirement{requireIntent(), requireFilteredItems()}
}

func (s *SummarizeStage) Run(ctx context.Context, state *schema.PipelineState) error {
	var insight *schema.Insight
	err := s.guard.Do(ctx, "summarize", func(ctx context.Context) error {
		var serr error
		insight, serr = s.summarizer.Summarize(ctx, *state.Intent, state.FilteredItems)
		return serr
	})
	if err != nil {
		return err
	}
	if insight == nil {
		return schema.NewError(schema.ErrCodeValidation, "summarizer returned no insight").
			WithStage(schema.StageSummarize)
	}
	if insight.Summary == "" {
		return schema.NewError(schema.ErrCodeValidation, "summarizer returned empty summary").
			WithStage(schema.StageSummarize)
	}

	// Insights only reference items that survived filtering.
	known := make(map[string]bool, len(state.FilteredItems))
	for _, item := range state.FilteredItems {
		known[item.ID] = true
	}
	for _, id := range insight.ItemIDs {
		if !known[id] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"insight references item %q outside the filtered set", id).
				WithStage(schema.StageSummarize)
		}
	}

	state.Insight = insight
	s.logger.InfoContext(ctx, "insight produced",
		"trends", len(insight.KeyTrends), "items", len(insight.ItemIDs))
	return nil
}
