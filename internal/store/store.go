package store

import (
	"context"

	"github.com/postforge/postforge/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use; writes for distinct
// workflow ids must not cross-contaminate.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Pipeline entities (append-only per workflow)
	SaveIntent(ctx context.Context, workflowID string, intent *schema.Intent) error
	SaveItems(ctx context.Context, workflowID, kind string, items []schema.Item) error
	GetItems(ctx context.Context, workflowID, kind string) ([]schema.Item, error)
	SaveInsight(ctx context.Context, workflowID string, insight *schema.Insight) error
	SaveDraft(ctx context.Context, workflowID string, draft *schema.Draft) error
	GetDrafts(ctx context.Context, workflowID string) ([]schema.Draft, error)
	SaveFeedback(ctx context.Context, workflowID string, fb *schema.Feedback) error
	GetFeedback(ctx context.Context, workflowID string) ([]schema.Feedback, error)
	SavePublishedPost(ctx context.Context, workflowID string, post *schema.PublishedPost) error
	GetPublishedPost(ctx context.Context, workflowID string) (*schema.PublishedPost, error)

	// Checkpoints (append-only, per-workflow sequence assigned on save)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, workflowID string, seq int64) (*Checkpoint, error)
	LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error)

	// Scheduled queries
	CreateScheduledQuery(ctx context.Context, sq *ScheduledQuery) error
	GetScheduledQuery(ctx context.Context, id string) (*ScheduledQuery, error)
	UpdateScheduledQuery(ctx context.Context, id string, update ScheduledQueryUpdate) error
	ListScheduledQueries(ctx context.Context, filter ScheduledQueryFilter) ([]*ScheduledQuery, error)
	DeleteScheduledQuery(ctx context.Context, id string) error

	// Secrets (encrypted values, see internal/secrets)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
