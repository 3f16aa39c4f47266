package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/internal/store"
	"github.com/postforge/postforge/internal/streaming"
	"github.com/postforge/postforge/pkg/schema"
)

type stubSearcher struct {
	items []schema.Item
	err   error
	calls int
}

func (s *stubSearcher) Search(ctx context.Context, req capability.SearchRequest) ([]schema.Item, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.items, nil
}

type stubPublisher struct {
	postID string
	err    error
	calls  int
}

func (p *stubPublisher) Publish(ctx context.Context, req capability.PublishRequest) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.postID, nil
}

func testItems(n int) []schema.Item {
	items := make([]schema.Item, n)
	for i := range items {
		items[i] = schema.Item{
			ID:         fmt.Sprintf("item-%d", i),
			Source:     "reddit",
			Text:       fmt.Sprintf("post %d about ai regulation in europe", i),
			Engagement: 10 + i,
			CreatedAt:  time.Now().UTC(),
		}
	}
	return items
}

func newTestEngine(t *testing.T, searcher capability.Searcher, publisher capability.Publisher, config Config) (*Engine, store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	caps := capability.DefaultSet(searcher, publisher)
	engine, err := New(st, caps, config, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Shutdown)
	return engine, st
}

const testQuery = "latest ai regulation news in europe"

func TestRun_SuspendsAtReviewGate(t *testing.T) {
	engine, st := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{postID: "ext-1"}, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusAwaitingReview, res.Status)
	assert.Equal(t, schema.StageReview, res.Stage)
	require.NotNil(t, res.Draft)
	assert.Equal(t, 1, res.Draft.Version)
	assert.Equal(t, 0, res.Revisions)

	wf, err := st.GetWorkflow(ctx, res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusAwaitingReview, wf.Status)
	assert.Equal(t, schema.StageReview, wf.Stage)

	// Checkpoints were written after every stage plus the review gate.
	cps, err := st.ListCheckpoints(ctx, res.WorkflowID)
	require.NoError(t, err)
	require.Len(t, cps, 6)
	assert.Equal(t, schema.StageIntent, cps[0].Stage)
	assert.Equal(t, schema.StageReview, cps[5].Stage)

	// Entities persisted as stages completed.
	drafts, err := st.GetDrafts(ctx, res.WorkflowID)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	raw, err := st.GetItems(ctx, res.WorkflowID, store.ItemKindRaw)
	require.NoError(t, err)
	assert.Len(t, raw, 12)
	filtered, err := st.GetItems(ctx, res.WorkflowID, store.ItemKindFiltered)
	require.NoError(t, err)
	assert.Len(t, filtered, 5)
}

func TestRun_EmptyQueryRejected(t *testing.T) {
	engine, _ := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{})
	_, err := engine.Run(context.Background(), "  ")
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestFullLifecycle_ModifyThenApproveThenPublish(t *testing.T) {
	publisher := &stubPublisher{postID: "ext-99"}
	engine, st := newTestEngine(t, &stubSearcher{items: testItems(12)}, publisher, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)
	id := res.WorkflowID

	// Modify: a revised draft comes back for review.
	res, err = engine.SubmitFeedback(ctx, id, &schema.Feedback{
		DraftVersion: 1, Decision: schema.DecisionModify, Note: "mention the deadline",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusAwaitingReview, res.Status)
	require.NotNil(t, res.Draft)
	assert.Equal(t, 2, res.Draft.Version)
	assert.Equal(t, 1, res.Revisions)
	assert.NotEmpty(t, res.Draft.FromFeedback)

	// Approve: workflow waits for the publish confirmation.
	res, err = engine.SubmitFeedback(ctx, id, &schema.Feedback{
		DraftVersion: 2, Decision: schema.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusApproved, res.Status)
	assert.Equal(t, schema.StageConfirm, res.Stage)

	// Confirm: the post goes out exactly once.
	res, err = engine.ConfirmPublish(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPublished, res.Status)
	assert.Equal(t, schema.StagePublish, res.Stage)
	require.NotNil(t, res.Published)
	assert.Equal(t, "ext-99", res.Published.PostID)
	assert.Equal(t, 2, res.Published.DraftVersion)
	assert.Equal(t, 1, publisher.calls)

	// Both draft versions are retained.
	drafts, err := st.GetDrafts(ctx, id)
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	// No further operations are accepted.
	_, err = engine.ConfirmPublish(ctx, id, true)
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, perr.Code)
}

func TestSubmitFeedback_RejectIsTerminal(t *testing.T) {
	engine, st := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)

	res, err = engine.SubmitFeedback(ctx, res.WorkflowID, &schema.Feedback{
		DraftVersion: 1, Decision: schema.DecisionReject,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRejected, res.Status)
	assert.Equal(t, schema.RejectReasonReviewer, res.Reason)

	wf, err := st.GetWorkflow(ctx, res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.RejectReasonReviewer, wf.Reason)
	require.NotNil(t, wf.CompletedAt)

	// Terminal: further feedback is refused.
	_, err = engine.SubmitFeedback(ctx, res.WorkflowID, &schema.Feedback{
		DraftVersion: 1, Decision: schema.DecisionApprove,
	})
	require.Error(t, err)
}

func TestSubmitFeedback_RevisionCap(t *testing.T) {
	engine, st := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{MaxRevisions: 2})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)
	id := res.WorkflowID

	for i := 1; i <= 2; i++ {
		res, err = engine.SubmitFeedback(ctx, id, &schema.Feedback{
			DraftVersion: i, Decision: schema.DecisionModify, Note: "again",
		})
		require.NoError(t, err)
		assert.Equal(t, schema.WorkflowStatusAwaitingReview, res.Status)
	}

	// Third modify crosses the cap: terminal rejection, not another draft.
	res, err = engine.SubmitFeedback(ctx, id, &schema.Feedback{
		DraftVersion: 3, Decision: schema.DecisionModify, Note: "once more",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRejected, res.Status)
	assert.Equal(t, schema.RejectReasonMaxRevisions, res.Reason)

	drafts, err := st.GetDrafts(ctx, id)
	require.NoError(t, err)
	assert.Len(t, drafts, 3) // cap counts revisions, not drafts

	events, err := st.GetEvents(ctx, id, 0)
	require.NoError(t, err)
	var capHit bool
	for _, ev := range events {
		if ev.Type == schema.EventRevisionCapHit {
			capHit = true
		}
	}
	assert.True(t, capHit)
}

func TestSubmitFeedback_StaleVersionConflicts(t *testing.T) {
	engine, _ := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)

	_, err = engine.SubmitFeedback(ctx, res.WorkflowID, &schema.Feedback{
		DraftVersion: 7, Decision: schema.DecisionApprove,
	})
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, perr.Code)
}

func TestSubmitFeedback_ModifyRequiresNote(t *testing.T) {
	engine, _ := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)

	_, err = engine.SubmitFeedback(ctx, res.WorkflowID, &schema.Feedback{
		DraftVersion: 1, Decision: schema.DecisionModify,
	})
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestConfirmPublish_DeclineKeepsApproved(t *testing.T) {
	publisher := &stubPublisher{postID: "ext-1"}
	engine, _ := newTestEngine(t, &stubSearcher{items: testItems(12)}, publisher, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)
	id := res.WorkflowID

	_, err = engine.SubmitFeedback(ctx, id, &schema.Feedback{DraftVersion: 1, Decision: schema.DecisionApprove})
	require.NoError(t, err)

	res, err = engine.ConfirmPublish(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusApproved, res.Status)
	assert.Zero(t, publisher.calls)

	// The confirmation can be retried.
	res, err = engine.ConfirmPublish(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPublished, res.Status)
	assert.Equal(t, 1, publisher.calls)
}

func TestStageFailure_PersistsReason(t *testing.T) {
	engine, st := newTestEngine(t, &stubSearcher{err: schema.NewError(schema.ErrCodeValidation, "bad endpoint config")}, &stubPublisher{}, Config{})
	ctx := context.Background()

	// Non-retryable search failure leaves zero items; the filter stage
	// precondition turns that into a failed workflow.
	res, err := engine.Run(ctx, testQuery)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)

	wf, err := st.GetWorkflow(ctx, res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, wf.Status)
	assert.NotEmpty(t, wf.Reason)
	require.NotNil(t, wf.CompletedAt)
}

func TestCancel(t *testing.T) {
	engine, st := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)

	require.NoError(t, engine.Cancel(ctx, res.WorkflowID, "no longer needed"))

	wf, err := st.GetWorkflow(ctx, res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCancelled, wf.Status)
	assert.Equal(t, "no longer needed", wf.Reason)

	// Cancel is not idempotent: the second call reports the conflict.
	err = engine.Cancel(ctx, res.WorkflowID, "again")
	require.Error(t, err)

	// Neither is feedback accepted afterwards.
	_, err = engine.SubmitFeedback(ctx, res.WorkflowID, &schema.Feedback{
		DraftVersion: 1, Decision: schema.DecisionApprove,
	})
	require.Error(t, err)
}

func TestResume_ContinuesFromLatestCheckpoint(t *testing.T) {
	searcher := &stubSearcher{items: testItems(12)}
	engine, st := newTestEngine(t, searcher, &stubPublisher{}, Config{})
	ctx := context.Background()

	// Simulate a crash after the filter stage: workflow row says running,
	// checkpoints end at filter.
	wf := &store.Workflow{ID: "wf-crash", Query: testQuery, Status: schema.WorkflowStatusPending}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	running := schema.WorkflowStatusRunning
	filterStage := schema.StageFilter
	require.NoError(t, st.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{Status: &running, Stage: &filterStage}))

	state := schema.NewPipelineState(wf.ID, wf.Query)
	state.Status = schema.WorkflowStatusRunning
	state.Intent = &schema.Intent{Topic: "ai regulation", Scope: "europe", Tone: "informative"}
	state.RawItems = testItems(12)
	cl := store.NewCheckpointLog(st)
	_, err := cl.Save(ctx, schema.StageIntent, state)
	require.NoError(t, err)
	_, err = cl.Save(ctx, schema.StageResearch, state)
	require.NoError(t, err)
	state.FilteredItems = testItems(5)
	for i := range state.FilteredItems {
		state.FilteredItems[i].Rank = i + 1
	}
	_, err = cl.Save(ctx, schema.StageFilter, state)
	require.NoError(t, err)

	res, err := engine.Resume(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusAwaitingReview, res.Status)
	require.NotNil(t, res.Draft)

	// Completed stages were not repeated: the searcher never ran.
	assert.Zero(t, searcher.calls)

	events, err := st.GetEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	var resumed bool
	for _, ev := range events {
		if ev.Type == schema.EventWorkflowResumed {
			resumed = true
		}
	}
	assert.True(t, resumed)
}

func TestResume_ReentersReviewGateAfterCrash(t *testing.T) {
	searcher := &stubSearcher{items: testItems(12)}
	engine, st := newTestEngine(t, searcher, &stubPublisher{}, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)
	id := res.WorkflowID
	callsAfterRun := searcher.calls

	// Simulate a crash between the review-gate checkpoint and the status
	// update: the row says running while the latest checkpoint sits at the
	// gate.
	running := schema.WorkflowStatusRunning
	require.NoError(t, st.UpdateWorkflow(ctx, id, store.WorkflowUpdate{Status: &running}))

	res, err = engine.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusAwaitingReview, res.Status)
	assert.Equal(t, schema.StageReview, res.Stage)
	require.NotNil(t, res.Draft)
	assert.Equal(t, 1, res.Draft.Version)

	// No stage re-ran.
	assert.Equal(t, callsAfterRun, searcher.calls)

	wf, err := st.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusAwaitingReview, wf.Status)

	// The workflow takes feedback as if the crash never happened.
	res, err = engine.SubmitFeedback(ctx, id, &schema.Feedback{
		DraftVersion: 1, Decision: schema.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusApproved, res.Status)
}

func TestConfirmPublish_RetryAfterPartialPublish(t *testing.T) {
	publisher := &stubPublisher{postID: "ext-1"}
	engine, st := newTestEngine(t, &stubSearcher{items: testItems(12)}, publisher, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)
	id := res.WorkflowID
	_, err = engine.SubmitFeedback(ctx, id, &schema.Feedback{
		DraftVersion: 1, Decision: schema.DecisionApprove,
	})
	require.NoError(t, err)

	// Simulate a crash after the publish stage persisted its outputs but
	// before the row reached published: the post already went out, the
	// workflow row still says approved.
	snap, err := engine.checkpoints.Latest(ctx, id)
	require.NoError(t, err)
	state := snap.State
	state.Published = &schema.PublishedPost{
		DraftVersion: 1, PostID: "ext-already-out", PublishedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SavePublishedPost(ctx, id, state.Published))
	_, err = engine.checkpoints.Save(ctx, schema.StagePublish, state)
	require.NoError(t, err)

	// The retry converges to published without a second publisher call.
	res, err = engine.ConfirmPublish(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPublished, res.Status)
	require.NotNil(t, res.Published)
	assert.Equal(t, "ext-already-out", res.Published.PostID)
	assert.Zero(t, publisher.calls)

	wf, err := st.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPublished, wf.Status)
}

func TestRunStage_RejectsInvariantViolatingOutput(t *testing.T) {
	engine, st := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{})
	ctx := context.Background()

	wf := &store.Workflow{ID: "wf-invalid", Query: testQuery, Status: schema.WorkflowStatusRunning}
	require.NoError(t, st.CreateWorkflow(ctx, wf))

	state := schema.NewPipelineState(wf.ID, wf.Query)
	state.Status = schema.WorkflowStatusRunning
	state.Intent = &schema.Intent{Topic: "ai regulation", Scope: "europe", Tone: "informative"}
	state.FilteredItems = testItems(3)
	// Draft versions must be contiguous from 1.
	state.Drafts = []schema.Draft{{Version: 2, Text: "orphaned"}}

	err := engine.runStage(ctx, state, schema.StageSummarize)
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)

	// The bad state never reached the checkpoint log.
	_, err = engine.checkpoints.Latest(ctx, wf.ID)
	require.Error(t, err)
}

func TestResume_TerminalWorkflowConflicts(t *testing.T) {
	engine, _ := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)
	_, err = engine.SubmitFeedback(ctx, res.WorkflowID, &schema.Feedback{
		DraftVersion: 1, Decision: schema.DecisionReject,
	})
	require.NoError(t, err)

	_, err = engine.Resume(ctx, res.WorkflowID)
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, perr.Code)
}

func TestResume_AwaitingReviewIsNoop(t *testing.T) {
	engine, _ := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)

	again, err := engine.Resume(ctx, res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusAwaitingReview, again.Status)
	require.NotNil(t, again.Draft)
	assert.Equal(t, res.Draft.Version, again.Draft.Version)
}

func TestStatus_WithJQFilter(t *testing.T) {
	engine, _ := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{})
	ctx := context.Background()

	res, err := engine.Run(ctx, testQuery)
	require.NoError(t, err)

	full, err := engine.Status(ctx, res.WorkflowID, "")
	require.NoError(t, err)
	report, ok := full.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "awaiting_review", report["status"])

	status, err := engine.Status(ctx, res.WorkflowID, ".status")
	require.NoError(t, err)
	assert.Equal(t, "awaiting_review", status)

	versions, err := engine.Status(ctx, res.WorkflowID, ".drafts | map(.version)")
	require.NoError(t, err)
	assert.Equal(t, []any{1.0}, versions)
}

func TestRunAsync(t *testing.T) {
	engine, st := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{}, Config{})
	ctx := context.Background()

	id, err := engine.RunAsync(ctx, testQuery)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	engine.pool.Wait()

	wf, err := st.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusAwaitingReview, wf.Status)
}

func TestRun_StreamsEventsToHub(t *testing.T) {
	engine, _ := newTestEngine(t, &stubSearcher{items: testItems(12)}, &stubPublisher{postID: "ext-1"}, Config{})

	hub := streaming.NewMemoryHub()
	defer hub.Close()
	engine.SetEventHub(hub)

	ch, unsubscribe := hub.Subscribe(streaming.EventFilter{
		EventTypes: []string{schema.EventReviewRequested},
	})
	defer unsubscribe()

	res, err := engine.Run(context.Background(), testQuery)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusAwaitingReview, res.Status)

	select {
	case ev := <-ch:
		assert.Equal(t, res.WorkflowID, ev.WorkflowID)
		assert.Equal(t, schema.EventReviewRequested, ev.EventType)
	case <-time.After(time.Second):
		t.Fatal("review event not streamed")
	}
}
