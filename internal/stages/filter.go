package stages

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/internal/expressions"
	"github.com/postforge/postforge/pkg/schema"
)

// FilterConfig tunes item selection.
type FilterConfig struct {
	// TopK is the number of items kept after ranking.
	TopK int
	// MinEngagement drops items below this engagement before ranking.
	MinEngagement int
	// RankExpression is an expr formula over {engagement, engagement_norm,
	// relevance, age_hours, text_length} producing the composite score.
	RankExpression string
}

// DefaultFilterConfig mirrors the built-in settings.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		TopK:           5,
		MinEngagement:  0,
		RankExpression: "relevance * 0.7 + engagement_norm * 0.3",
	}
}

// FilterStage scores raw items for relevance, ranks them with the
// configured formula, and keeps the top K.
// Writes: state.FilteredItems (rank order, best first).
type FilterStage struct {
	scorer capability.Scorer
	guard  *capability.Guard
	expr   *expressions.ExprEngine
	config FilterConfig
	logger *slog.Logger

	// now is swappable for deterministic age computation in tests.
	now func() time.Time
}

func NewFilterStage(scorer capability.Scorer, guard *capability.Guard, engine *expressions.ExprEngine, config FilterConfig, logger *slog.Logger) *FilterStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilterStage{
		scorer: scorer,
		guard:  guard,
		expr:   engine,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

func (s *FilterStage) Name() schema.StageName { return schema.StageFilter }

func (s *FilterStage) Requires() []Requirement {
	return []Requirement{requireIntent(), requireRawItems()}
}

func (s *FilterStage) Run(ctx context.Context, state *schema.PipelineState) error {
	maxEngagement := 0
	candidates := make([]schema.Item, 0, len(state.RawItems))
	for _, item := range state.RawItems {
		if item.Engagement < s.config.MinEngagement {
			continue
		}
		if item.Engagement > maxEngagement {
			maxEngagement = item.Engagement
		}
		candidates = append(candidates, item)
	}
	if len(candidates) == 0 {
		return schema.NewErrorf(schema.ErrCodePrecondition,
			"no items meet the engagement floor of %d", s.config.MinEngagement).
			WithStage(schema.StageFilter)
	}

	now := s.now()
	scores := make([]float64, len(candidates))
	for i := range candidates {
		item := &candidates[i]

		var relevance float64
		err := s.guard.Do(ctx, "score", func(ctx context.Context) error {
			var serr error
			relevance, serr = s.scorer.Score(ctx, *state.Intent, *item)
			return serr
		})
		if err != nil {
			return err
		}
		item.Relevance = relevance

		engagementNorm := 0.0
		if maxEngagement > 0 {
			engagementNorm = float64(item.Engagement) / float64(maxEngagement)
		}
		score, err := s.expr.EvaluateScore(ctx, s.config.RankExpression, map[string]any{
			"engagement":      item.Engagement,
			"engagement_norm": engagementNorm,
			"relevance":       relevance,
			"age_hours":       now.Sub(item.CreatedAt).Hours(),
			"text_length":     len(item.Text),
		})
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "rank formula evaluation failed").
				WithStage(schema.StageFilter).WithCause(err)
		}
		scores[i] = score
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	k := s.config.TopK
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	filtered := make([]schema.Item, 0, k)
	for rank, idx := range order[:k] {
		item := candidates[idx]
		item.Rank = rank + 1
		filtered = append(filtered, item)
	}
	state.FilteredItems = filtered

	s.logger.InfoContext(ctx, "items filtered",
		"raw", len(state.RawItems), "kept", len(filtered), "top_k", s.config.TopK)
	return nil
}
