package stages

import (
	"context"
	"log/slog"
	"time"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/pkg/schema"
)

// PublishStage posts the approved draft through the Publisher capability.
// The at-most-once guarantee is layered: the FSM only permits one pass
// through publish, and this stage refuses to run if a PublishedPost already
// exists.
// Writes: state.Published.
type PublishStage struct {
	publisher capability.Publisher
	guard     *capability.Guard
	logger    *slog.Logger

	now func() time.Time
}

func NewPublishStage(publisher capability.Publisher, guard *capability.Guard, logger *slog.Logger) *PublishStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishStage{publisher: publisher, guard: guard, logger: logger, now: time.Now}
}

func (s *PublishStage) Name() schema.StageName { return schema.StagePublish }

func (s *PublishStage) Requires() []Requirement {
	return []Requirement{
		requireIntent(),
		{
			Name:  "approved draft present",
			Check: func(st *schema.PipelineState) bool { return st.LatestDraft() != nil },
		},
		{
			Name:  "not already published",
			Check: func(st *schema.PipelineState) bool { return st.Published == nil },
		},
	}
}

func (s *PublishStage) Run(ctx context.Context, state *schema.PipelineState) error {
	draft := state.LatestDraft()

	var postID string
	err := s.guard.Do(ctx, "publish", func(ctx context.Context) error {
		var perr error
		postID, perr = s.publisher.Publish(ctx, capability.PublishRequest{
			WorkflowID: state.WorkflowID,
			Draft:      *draft,
			Intent:     *state.Intent,
		})
		return perr
	})
	if err != nil {
		return err
	}
	if postID == "" {
		return schema.NewError(schema.ErrCodeCapability, "publisher returned empty post id").
			WithStage(schema.StagePublish)
	}

	state.Published = &schema.PublishedPost{
		DraftVersion: draft.Version,
		PostID:       postID,
		PublishedAt:  s.now().UTC(),
	}
	s.logger.InfoContext(ctx, "post published",
		"post_id", postID, "draft_version", draft.Version)
	return nil
}
