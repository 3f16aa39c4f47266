package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/internal/store"
	"github.com/postforge/postforge/pkg/schema"
)

type recordingAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (r *recordingAppender) AppendEvent(ctx context.Context, event *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAppender) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestWorkflowFSM_ValidTransitionsEmitEvents(t *testing.T) {
	appender := &recordingAppender{}
	fsm := NewWorkflowFSM(appender)
	ctx := context.Background()

	steps := []struct {
		from, to schema.WorkflowStatus
		event    string
	}{
		{schema.WorkflowStatusPending, schema.WorkflowStatusRunning, schema.EventWorkflowStarted},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusAwaitingReview, schema.EventReviewRequested},
		{schema.WorkflowStatusAwaitingReview, schema.WorkflowStatusApproved, schema.EventWorkflowApproved},
		{schema.WorkflowStatusApproved, schema.WorkflowStatusPublished, schema.EventWorkflowPublished},
	}
	for _, step := range steps {
		require.NoError(t, fsm.Transition(ctx, "wf-1", step.from, step.to))
	}
	assert.Equal(t, []string{
		schema.EventWorkflowStarted,
		schema.EventReviewRequested,
		schema.EventWorkflowApproved,
		schema.EventWorkflowPublished,
	}, appender.types())
}

func TestWorkflowFSM_ReviewReentryEmitsNoEvent(t *testing.T) {
	appender := &recordingAppender{}
	fsm := NewWorkflowFSM(appender)

	// The revision cycle re-enters running; draft_revised is the review
	// FSM's event, so this transition stays silent.
	require.NoError(t, fsm.Transition(context.Background(), "wf-1",
		schema.WorkflowStatusAwaitingReview, schema.WorkflowStatusRunning))
	assert.Empty(t, appender.types())
}

func TestWorkflowFSM_InvalidTransitions(t *testing.T) {
	fsm := NewWorkflowFSM(&recordingAppender{})
	ctx := context.Background()

	cases := []struct {
		from, to schema.WorkflowStatus
	}{
		{schema.WorkflowStatusPending, schema.WorkflowStatusPublished},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusApproved},
		{schema.WorkflowStatusApproved, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusPublished, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusRejected, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusFailed, schema.WorkflowStatusPending},
		{schema.WorkflowStatusCancelled, schema.WorkflowStatusCancelled},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "wf-1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		perr, ok := err.(*schema.PipelineError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeInvalidTransition, perr.Code)
	}
}

func TestWorkflowFSM_TerminalStatesHaveNoExits(t *testing.T) {
	for _, status := range []schema.WorkflowStatus{
		schema.WorkflowStatusPublished,
		schema.WorkflowStatusRejected,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
	} {
		assert.Empty(t, ValidWorkflowTransitions[status], string(status))
		assert.True(t, status.Terminal(), string(status))
	}
}

func TestWorkflowFSM_Hooks(t *testing.T) {
	appender := &recordingAppender{}
	fsm := NewWorkflowFSM(appender)

	var order []string
	fsm.OnBefore(schema.WorkflowStatusPending, schema.WorkflowStatusRunning, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.WorkflowStatusPending, schema.WorkflowStatusRunning, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "wf-1",
		schema.WorkflowStatusPending, schema.WorkflowStatusRunning))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, order)
}

func TestWorkflowFSM_BeforeHookBlocksTransition(t *testing.T) {
	appender := &recordingAppender{}
	fsm := NewWorkflowFSM(appender)
	fsm.OnBefore(schema.WorkflowStatusPending, schema.WorkflowStatusRunning, func(from, to string) error {
		return schema.NewError(schema.ErrCodePrecondition, "not ready")
	})

	err := fsm.Transition(context.Background(), "wf-1",
		schema.WorkflowStatusPending, schema.WorkflowStatusRunning)
	require.Error(t, err)
	assert.Empty(t, appender.types())
}

func TestReviewFSM_RevisionCycle(t *testing.T) {
	appender := &recordingAppender{}
	fsm := NewReviewFSM(appender)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "wf-1", ReviewAwaiting, ReviewRevising))
	require.NoError(t, fsm.Transition(ctx, "wf-1", ReviewRevising, ReviewAwaiting))
	require.NoError(t, fsm.Transition(ctx, "wf-1", ReviewAwaiting, ReviewApproved))

	// Only the completed revision emits an event.
	assert.Equal(t, []string{schema.EventDraftRevised}, appender.types())
}

func TestReviewFSM_InvalidTransitions(t *testing.T) {
	fsm := NewReviewFSM(&recordingAppender{})
	ctx := context.Background()

	for _, tc := range []struct{ from, to ReviewState }{
		{ReviewRevising, ReviewApproved}, // approval only from awaiting
		{ReviewApproved, ReviewAwaiting},
		{ReviewRejected, ReviewRevising},
	} {
		err := fsm.Transition(ctx, "wf-1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		perr, ok := err.(*schema.PipelineError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeInvalidTransition, perr.Code)
	}
}
