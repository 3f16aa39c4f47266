package schema

import "time"

// Intent is the structured extraction of the user's query.
// Created once by the intent stage and immutable thereafter.
type Intent struct {
	Topic string `json:"topic"`
	Scope string `json:"scope"`
	Tone  string `json:"tone,omitempty"`
}

// Item is one unit of retrieved content. Items are never mutated after
// creation, only included or excluded by reference.
type Item struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Author     string    `json:"author,omitempty"`
	Text       string    `json:"text"`
	Engagement int       `json:"engagement"`
	Relevance  float64   `json:"relevance,omitempty"`
	Rank       int       `json:"rank,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Insight is the derived summary plus back-references to the filtered
// items it was built from.
type Insight struct {
	Summary   string   `json:"summary"`
	KeyTrends []string `json:"key_trends,omitempty"`
	ItemIDs   []string `json:"item_ids"`
}

// Draft is one version of the social post. Versions start at 1 and are
// strictly increasing and contiguous within a workflow.
type Draft struct {
	Version      int       `json:"version"`
	Text         string    `json:"text"`
	FromFeedback string    `json:"from_feedback,omitempty"` // feedback ID, empty for version 1
	CreatedAt    time.Time `json:"created_at"`
}

// Feedback is the reviewer's decision on a draft version. Immutable once
// recorded; exactly one per review cycle.
type Feedback struct {
	ID           string           `json:"id"`
	DraftVersion int              `json:"draft_version"`
	Decision     FeedbackDecision `json:"decision"`
	Note         string           `json:"note,omitempty"` // present only for modify
	CreatedAt    time.Time        `json:"created_at"`
}

// PublishedPost is the final artifact, created at most once per workflow.
type PublishedPost struct {
	DraftVersion int       `json:"draft_version"`
	PostID       string    `json:"post_id"`
	PublishedAt  time.Time `json:"published_at"`
}

// PipelineState is the shared state threaded through all stages — the
// single source of truth for one workflow run. Each stage reads any prior
// field and writes only the fields its contract declares. The state is
// fully serializable; a checkpoint is a serialization of this struct.
type PipelineState struct {
	WorkflowID string         `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
	Query      string         `json:"query"`

	Intent        *Intent        `json:"intent,omitempty"`
	RawItems      []Item         `json:"raw_items,omitempty"`      // retrieval order
	FilteredItems []Item         `json:"filtered_items,omitempty"` // rank order, best first
	Insight       *Insight       `json:"insight,omitempty"`
	Drafts        []Draft        `json:"drafts,omitempty"` // all versions, ascending
	Feedback      []Feedback     `json:"feedback,omitempty"`
	Published     *PublishedPost `json:"published,omitempty"`

	PartialResults bool `json:"partial_results,omitempty"`
	Revisions      int  `json:"revisions,omitempty"`
}

// NewPipelineState creates the initial state for a workflow run.
func NewPipelineState(workflowID, query string) *PipelineState {
	return &PipelineState{
		WorkflowID: workflowID,
		Status:     WorkflowStatusPending,
		Query:      query,
	}
}

// LatestDraft returns the highest-version draft, or nil if none exists.
func (s *PipelineState) LatestDraft() *Draft {
	if len(s.Drafts) == 0 {
		return nil
	}
	return &s.Drafts[len(s.Drafts)-1]
}

// LatestFeedback returns the most recent feedback record, or nil.
func (s *PipelineState) LatestFeedback() *Feedback {
	if len(s.Feedback) == 0 {
		return nil
	}
	return &s.Feedback[len(s.Feedback)-1]
}

// Clone returns a deep copy of the state. Stages receive the live state;
// the engine clones before checkpointing so serialization never races
// with a later stage.
func (s *PipelineState) Clone() *PipelineState {
	cp := *s
	if s.Intent != nil {
		intent := *s.Intent
		cp.Intent = &intent
	}
	cp.RawItems = append([]Item(nil), s.RawItems...)
	cp.FilteredItems = append([]Item(nil), s.FilteredItems...)
	if s.Insight != nil {
		insight := *s.Insight
		insight.KeyTrends = append([]string(nil), s.Insight.KeyTrends...)
		insight.ItemIDs = append([]string(nil), s.Insight.ItemIDs...)
		cp.Insight = &insight
	}
	cp.Drafts = append([]Draft(nil), s.Drafts...)
	cp.Feedback = append([]Feedback(nil), s.Feedback...)
	if s.Published != nil {
		pub := *s.Published
		cp.Published = &pub
	}
	return &cp
}
