package engine

import (
	"context"
	"sync"

	"github.com/postforge/postforge/internal/store"
	"github.com/postforge/postforge/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; used by FSMs to emit events on
// transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM manages workflow lifecycle state transitions.
type WorkflowFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[workflowHookKey][]TransitionHook
	after    map[workflowHookKey][]TransitionHook
}

// NewWorkflowFSM creates a WorkflowFSM that emits events via the appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{
		appender: appender,
		before:   make(map[workflowHookKey][]TransitionHook),
		after:    make(map[workflowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a workflow transition.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a workflow transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a workflow state transition, emitting
// the corresponding event. The caller persists the new status to the store.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := workflowHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := workflowEventType(from, to); eventType != "" {
		event := &store.Event{
			WorkflowID: workflowID,
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit workflow event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidWorkflowTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func workflowEventType(from, to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		if from == schema.WorkflowStatusPending {
			return schema.EventWorkflowStarted
		}
		return "" // re-entry from the review loop, covered by draft_revised
	case schema.WorkflowStatusAwaitingReview:
		return schema.EventReviewRequested
	case schema.WorkflowStatusApproved:
		return schema.EventWorkflowApproved
	case schema.WorkflowStatusPublished:
		return schema.EventWorkflowPublished
	case schema.WorkflowStatusRejected:
		return schema.EventWorkflowRejected
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

// ValidWorkflowTransitions defines the allowed workflow status transitions.
// published, rejected, failed and cancelled are terminal.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending: {
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusCancelled,
	},
	schema.WorkflowStatusRunning: {
		schema.WorkflowStatusAwaitingReview,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
	},
	schema.WorkflowStatusAwaitingReview: {
		schema.WorkflowStatusRunning, // modify feedback, revision cycle
		schema.WorkflowStatusApproved,
		schema.WorkflowStatusRejected,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
	},
	schema.WorkflowStatusApproved: {
		schema.WorkflowStatusPublished,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
	},
	schema.WorkflowStatusPublished: {},
	schema.WorkflowStatusRejected:  {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
}

// --- Review FSM ---

// ReviewState is the review-loop position of a workflow under review.
type ReviewState string

const (
	ReviewAwaiting ReviewState = "awaiting_review"
	ReviewRevising ReviewState = "revising"
	ReviewApproved ReviewState = "approved"
	ReviewRejected ReviewState = "rejected"
)

// ValidReviewTransitions defines the review-loop transitions. approved and
// rejected are terminal for the loop.
var ValidReviewTransitions = map[ReviewState][]ReviewState{
	ReviewAwaiting: {ReviewRevising, ReviewApproved, ReviewRejected},
	ReviewRevising: {ReviewAwaiting, ReviewRejected},
	ReviewApproved: {},
	ReviewRejected: {},
}

// ReviewFSM validates review-loop transitions and emits their events.
type ReviewFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewReviewFSM creates a ReviewFSM that emits events via the appender.
func NewReviewFSM(appender EventAppender) *ReviewFSM {
	return &ReviewFSM{appender: appender}
}

// Transition validates and executes a review-loop transition.
func (f *ReviewFSM) Transition(ctx context.Context, workflowID string, from, to ReviewState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidReviewTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid review transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	if eventType := reviewEventType(from, to); eventType != "" {
		event := &store.Event{
			WorkflowID: workflowID,
			Stage:      string(schema.StageReview),
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit review event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

func isValidReviewTransition(from, to ReviewState) bool {
	allowed, ok := ValidReviewTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func reviewEventType(from, to ReviewState) string {
	// A completed revision cycle is the only loop-internal event; approval
	// and rejection events are emitted by the workflow FSM.
	if from == ReviewRevising && to == ReviewAwaiting {
		return schema.EventDraftRevised
	}
	return ""
}
