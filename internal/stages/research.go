package stages

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/internal/expressions"
	"github.com/postforge/postforge/pkg/schema"
)

// ResearchConfig bounds the research loop. Both caps are mandatory; the
// loop always terminates.
type ResearchConfig struct {
	// MaxIterations caps reason/search/observe cycles.
	MaxIterations int
	// MaxRetries caps attempts per search call.
	MaxRetries int
	// RetryBase is the initial backoff between search retries.
	RetryBase time.Duration
	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration
	// PerQueryLimit is the item limit passed to each search call.
	PerQueryLimit int
	// StopPredicate is a CEL expression over {items, iterations,
	// max_iterations, avg_engagement, new_items} that ends the loop early
	// when it evaluates true.
	StopPredicate string
}

// DefaultResearchConfig mirrors the built-in settings.
func DefaultResearchConfig() ResearchConfig {
	return ResearchConfig{
		MaxIterations: 3,
		MaxRetries:    3,
		RetryBase:     500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
		PerQueryLimit: 25,
		StopPredicate: "items >= 10",
	}
}

// EventFunc receives loop-internal events (search_retry, partial_results)
// for the engine to persist. May be nil.
type EventFunc func(ctx context.Context, eventType string, payload map[string]any)

// ResearchStage runs the bounded reason/search/observe loop: the strategist
// picks the next query from what is collected so far, the searcher executes
// it with retries, and observation merges results and evaluates the stop
// predicate.
// Writes: state.RawItems, state.PartialResults.
type ResearchStage struct {
	searcher   capability.Searcher
	strategist capability.Strategist
	guard      *capability.Guard
	cel        *expressions.CELEngine
	config     ResearchConfig
	events     EventFunc
	logger     *slog.Logger
}

func NewResearchStage(
	searcher capability.Searcher,
	strategist capability.Strategist,
	guard *capability.Guard,
	cel *expressions.CELEngine,
	config ResearchConfig,
	events EventFunc,
	logger *slog.Logger,
) *ResearchStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResearchStage{
		searcher:   searcher,
		strategist: strategist,
		guard:      guard,
		cel:        cel,
		config:     config,
		events:     events,
		logger:     logger,
	}
}

func (s *ResearchStage) Name() schema.StageName { return schema.StageResearch }

func (s *ResearchStage) Requires() []Requirement {
	return []Requirement{requireIntent()}
}

func (s *ResearchStage) Run(ctx context.Context, state *schema.PipelineState) error {
	seen := make(map[string]bool, len(state.RawItems))
	for _, item := range state.RawItems {
		seen[item.ID] = true
	}

	for iteration := 0; iteration < s.config.MaxIterations; iteration++ {
		// Reason: pick the next query from what we have.
		var query string
		err := s.guard.Do(ctx, "strategy", func(ctx context.Context) error {
			var serr error
			query, serr = s.strategist.NextQuery(ctx, *state.Intent, iteration, state.RawItems)
			return serr
		})
		if err != nil {
			return s.partial(ctx, state, iteration, err)
		}

		// Act: search with bounded retries.
		items, err := s.searchWithRetry(ctx, capability.SearchRequest{
			Query:     query,
			Intent:    *state.Intent,
			Iteration: iteration,
			Limit:     s.config.PerQueryLimit,
		})
		if err != nil {
			return s.partial(ctx, state, iteration, err)
		}

		// Observe: merge, dedupe, evaluate the stop predicate.
		newItems := 0
		for _, item := range items {
			if item.ID == "" || seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			state.RawItems = append(state.RawItems, item)
			newItems++
		}
		s.logger.InfoContext(ctx, "research iteration complete",
			"iteration", iteration, "query", query,
			"new_items", newItems, "total_items", len(state.RawItems))

		stop, err := s.shouldStop(ctx, state, iteration+1, newItems)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}

	// Iteration cap hit: keep what was collected.
	return s.partial(ctx, state, s.config.MaxIterations, nil)
}

// searchWithRetry runs one search call, retrying transient failures with
// exponential backoff up to MaxRetries attempts.
func (s *ResearchStage) searchWithRetry(ctx context.Context, req capability.SearchRequest) ([]schema.Item, error) {
	var lastErr error
	attempts := s.config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(s.config.RetryBase, attempt-1, s.config.MaxRetryDelay)
			s.emit(ctx, schema.EventSearchRetry, map[string]any{
				"attempt": attempt,
				"delay":   delay.String(),
				"query":   req.Query,
			})
			if err := WaitForBackoff(ctx, delay); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "research cancelled during backoff").
					WithStage(schema.StageResearch).WithCause(err)
			}
		}

		var items []schema.Item
		err := s.guard.Do(ctx, "search", func(ctx context.Context) error {
			var serr error
			items, serr = s.searcher.Search(ctx, req)
			return serr
		})
		if err == nil {
			return items, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"search failed after %d attempts", attempts).
		WithStage(schema.StageResearch).WithCause(lastErr)
}

// shouldStop evaluates the CEL stop predicate after an observation.
func (s *ResearchStage) shouldStop(ctx context.Context, state *schema.PipelineState, iterations, newItems int) (bool, error) {
	if s.config.StopPredicate == "" {
		return false, nil
	}
	total := 0
	for _, item := range state.RawItems {
		total += item.Engagement
	}
	avg := 0.0
	if len(state.RawItems) > 0 {
		avg = float64(total) / float64(len(state.RawItems))
	}

	stop, err := s.cel.EvaluateBool(ctx, s.config.StopPredicate, map[string]any{
		"items":          len(state.RawItems),
		"iterations":     iterations,
		"max_iterations": s.config.MaxIterations,
		"avg_engagement": avg,
		"new_items":      newItems,
	})
	if err != nil {
		return false, schema.NewError(schema.ErrCodeValidation, "stop predicate evaluation failed").
			WithStage(schema.StageResearch).WithCause(err)
	}
	return stop, nil
}

// partial ends the loop keeping whatever was collected. Retry exhaustion and
// the iteration cap are not stage failures when items exist; the cause is
// surfaced only when nothing at all was gathered downstream (the filter
// stage precondition fails on an empty raw set).
func (s *ResearchStage) partial(ctx context.Context, state *schema.PipelineState, iterations int, cause error) error {
	if cause != nil {
		var perr *schema.PipelineError
		if errors.As(cause, &perr) && perr.Code == schema.ErrCodeCancelled {
			return cause
		}
		if ctx.Err() != nil {
			return cause
		}
	}

	state.PartialResults = true
	s.emit(ctx, schema.EventPartialResults, map[string]any{
		"items":      len(state.RawItems),
		"iterations": iterations,
	})
	s.logger.WarnContext(ctx, "research ended with partial results",
		"items", len(state.RawItems), "iterations", iterations, "cause", causeString(cause))
	return nil
}

func (s *ResearchStage) emit(ctx context.Context, eventType string, payload map[string]any) {
	if s.events != nil {
		s.events(ctx, eventType, payload)
	}
}

func causeString(err error) string {
	if err == nil {
		return "iteration_cap"
	}
	return err.Error()
}
