package store

import (
	"encoding/json"
	"time"

	"github.com/postforge/postforge/pkg/schema"
)

// Workflow is the persisted representation of one end-to-end pipeline run.
type Workflow struct {
	ID             string                `json:"id"`
	Query          string                `json:"query"`
	Status         schema.WorkflowStatus `json:"status"`
	Stage          schema.StageName      `json:"stage,omitempty"` // last completed stage or gate
	Reason         string                `json:"reason,omitempty"` // failure or rejection reason
	PartialResults bool                  `json:"partial_results,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Event is an immutable entry in the append-only event log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Stage      string          `json:"stage,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Checkpoint is a durable snapshot of the pipeline state after a
// transition, keyed by (workflow id, per-workflow sequence number).
type Checkpoint struct {
	WorkflowID string           `json:"workflow_id"`
	Seq        int64            `json:"seq"`
	Stage      schema.StageName `json:"stage"` // stage or gate the snapshot was taken after
	State      json.RawMessage  `json:"state"` // serialized schema.PipelineState
	Timestamp  time.Time        `json:"timestamp"`
}

// ScheduledQuery is a cron-triggered recurring pipeline run.
type ScheduledQuery struct {
	ID             string     `json:"id"`
	Query          string     `json:"query"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Since  *time.Time             `json:"since,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Status         *schema.WorkflowStatus `json:"status,omitempty"`
	Stage          *schema.StageName      `json:"stage,omitempty"`
	Reason         *string                `json:"reason,omitempty"`
	PartialResults *bool                  `json:"partial_results,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// ScheduledQueryUpdate specifies mutable fields of a scheduled query.
type ScheduledQueryUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledQueryFilter specifies criteria for listing scheduled queries.
type ScheduledQueryFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

// Item kinds distinguishing the raw retrieval set from the ranked subset.
const (
	ItemKindRaw      = "raw"
	ItemKindFiltered = "filtered"
)
