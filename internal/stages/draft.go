package stages

import (
	"context"
	"log/slog"
	"time"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/pkg/schema"
)

// DraftStage produces post text. In initial mode it drafts version 1 from
// the insight; in revise mode it drafts version prev+1 from the previous
// draft plus the latest modify feedback. Prior versions are retained.
// Writes: appends to state.Drafts.
type DraftStage struct {
	drafter capability.Drafter
	guard   *capability.Guard
	logger  *slog.Logger

	now func() time.Time
}

func NewDraftStage(drafter capability.Drafter, guard *capability.Guard, logger *slog.Logger) *DraftStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &DraftStage{drafter: drafter, guard: guard, logger: logger, now: time.Now}
}

func (s *DraftStage) Name() schema.StageName { return schema.StageDraft }

func (s *DraftStage) Requires() []Requirement {
	return []Requirement{requireIntent(), requireInsight()}
}

func (s *DraftStage) Run(ctx context.Context, state *schema.PipelineState) error {
	req := capability.DraftRequest{
		Intent:  *state.Intent,
		Insight: *state.Insight,
		Items:   state.FilteredItems,
	}

	previous := state.LatestDraft()
	fromFeedback := ""
	if previous != nil {
		// Revise mode: the latest feedback must be a modify decision.
		feedback := state.LatestFeedback()
		if feedback == nil || feedback.Decision != schema.DecisionModify {
			return schema.NewError(schema.ErrCodePrecondition,
				"revision requires pending modify feedback").
				WithStage(schema.StageDraft)
		}
		if feedback.DraftVersion != previous.Version {
			return schema.NewErrorf(schema.ErrCodePrecondition,
				"feedback targets draft v%d but latest is v%d",
				feedback.DraftVersion, previous.Version).
				WithStage(schema.StageDraft)
		}
		prev := *previous
		fb := *feedback
		req.Previous = &prev
		req.Feedback = &fb
		fromFeedback = feedback.ID
	}

	var text string
	err := s.guard.Do(ctx, "draft", func(ctx context.Context) error {
		var derr error
		text, derr = s.drafter.Draft(ctx, req)
		return derr
	})
	if err != nil {
		return err
	}
	if text == "" {
		return schema.NewError(schema.ErrCodeValidation, "drafter returned empty text").
			WithStage(schema.StageDraft)
	}

	version := 1
	if previous != nil {
		version = previous.Version + 1
	}
	state.Drafts = append(state.Drafts, schema.Draft{
		Version:      version,
		Text:         text,
		FromFeedback: fromFeedback,
		CreatedAt:    s.now().UTC(),
	})

	s.logger.InfoContext(ctx, "draft produced",
		"version", version, "revised", previous != nil, "length", len(text))
	return nil
}
