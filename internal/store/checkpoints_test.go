package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/pkg/schema"
)

func TestCheckpointLog_SaveAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	cl := NewCheckpointLog(s)

	state := schema.NewPipelineState(wf.ID, wf.Query)
	seq, err := cl.Save(ctx, schema.StageIntent, state)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	state.Intent = &schema.Intent{Topic: "AI regulation", Scope: "Europe", Tone: "informative"}
	seq, err = cl.Save(ctx, schema.StageResearch, state)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	snap, err := cl.Latest(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Seq)
	assert.Equal(t, schema.StageResearch, snap.Stage)
	require.NotNil(t, snap.State.Intent)
	assert.Equal(t, "AI regulation", snap.State.Intent.Topic)
}

func TestCheckpointLog_At(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	cl := NewCheckpointLog(s)

	state := schema.NewPipelineState(wf.ID, wf.Query)
	_, err := cl.Save(ctx, schema.StageIntent, state)
	require.NoError(t, err)
	state.Drafts = append(state.Drafts, schema.Draft{Version: 1, Text: "v1"})
	_, err = cl.Save(ctx, schema.StageDraft, state)
	require.NoError(t, err)

	snap, err := cl.At(ctx, wf.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, schema.StageIntent, snap.Stage)
	assert.Empty(t, snap.State.Drafts)
}

func TestCheckpointLog_Verify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	cl := NewCheckpointLog(s)

	state := schema.NewPipelineState(wf.ID, wf.Query)
	for i := 0; i < 3; i++ {
		_, err := cl.Save(ctx, schema.StageIntent, state)
		require.NoError(t, err)
	}
	require.NoError(t, cl.Verify(ctx, wf.ID))
}

func TestCheckpointLog_RejectsInvalidSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	cl := NewCheckpointLog(s)

	// Draft versions must be contiguous from 1; a snapshot breaking that
	// must not be resumed from.
	state := schema.NewPipelineState(wf.ID, wf.Query)
	state.Drafts = append(state.Drafts, schema.Draft{Version: 2, Text: "orphaned"})
	_, err := cl.Save(ctx, schema.StageDraft, state)
	require.NoError(t, err)

	_, err = cl.Latest(ctx, wf.ID)
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStore, perr.Code)
	assert.Contains(t, err.Error(), "invalid state")
}

func TestCheckpointLog_RejectsMismatchedState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	cl := NewCheckpointLog(s)

	// State serialized under a different workflow ID must fail decode.
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		WorkflowID: wf.ID,
		Stage:      schema.StageIntent,
		State:      []byte(`{"workflow_id":"other"}`),
	}))
	_, err := cl.Latest(ctx, wf.ID)
	require.Error(t, err)
}
