package capability

import (
	"context"

	"github.com/postforge/postforge/pkg/schema"
)

// SearchRequest is the input to a single search iteration.
type SearchRequest struct {
	Query     string        `json:"query"`
	Intent    schema.Intent `json:"intent"`
	Iteration int           `json:"iteration"`
	Limit     int           `json:"limit"`
}

// DraftRequest is the input to draft generation. Previous and Feedback are
// nil for the initial draft and set together for revisions.
type DraftRequest struct {
	Intent   schema.Intent    `json:"intent"`
	Insight  schema.Insight   `json:"insight"`
	Items    []schema.Item    `json:"items"`
	Previous *schema.Draft    `json:"previous,omitempty"`
	Feedback *schema.Feedback `json:"feedback,omitempty"`
}

// PublishRequest is the input to publishing an approved draft.
type PublishRequest struct {
	WorkflowID string        `json:"workflow_id"`
	Draft      schema.Draft  `json:"draft"`
	Intent     schema.Intent `json:"intent"`
}

// IntentParser extracts a structured intent from a free-form query.
type IntentParser interface {
	Parse(ctx context.Context, query string) (*schema.Intent, error)
}

// Searcher retrieves candidate items for a search query.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]schema.Item, error)
}

// Strategist produces the search query for the next research iteration,
// given what previous iterations returned.
type Strategist interface {
	NextQuery(ctx context.Context, intent schema.Intent, iteration int, collected []schema.Item) (string, error)
}

// Scorer assigns a relevance score in [0,1] to an item against an intent.
type Scorer interface {
	Score(ctx context.Context, intent schema.Intent, item schema.Item) (float64, error)
}

// Summarizer condenses filtered items into an insight.
type Summarizer interface {
	Summarize(ctx context.Context, intent schema.Intent, items []schema.Item) (*schema.Insight, error)
}

// Drafter produces post text from an insight, or revises a previous draft
// according to reviewer feedback.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (string, error)
}

// Publisher posts an approved draft to the target platform and returns the
// platform's post identifier.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (string, error)
}

// Set bundles the capabilities the pipeline stages depend on.
type Set struct {
	Parser     IntentParser
	Searcher   Searcher
	Strategist Strategist
	Scorer     Scorer
	Summarizer Summarizer
	Drafter    Drafter
	Publisher  Publisher
}

// Validate checks that every required capability is present.
func (s *Set) Validate() error {
	missing := ""
	switch {
	case s.Parser == nil:
		missing = "parser"
	case s.Searcher == nil:
		missing = "searcher"
	case s.Strategist == nil:
		missing = "strategist"
	case s.Scorer == nil:
		missing = "scorer"
	case s.Summarizer == nil:
		missing = "summarizer"
	case s.Drafter == nil:
		missing = "drafter"
	case s.Publisher == nil:
		missing = "publisher"
	}
	if missing != "" {
		return schema.NewErrorf(schema.ErrCodeCapability, "capability %q not configured", missing)
	}
	return nil
}
