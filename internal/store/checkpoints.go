package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/postforge/postforge/pkg/schema"
)

// CheckpointLog provides typed checkpoint operations on top of a Store.
// A checkpoint is the serialization of the full pipeline state after a
// stage or review transition; the engine never proceeds past a transition
// until its checkpoint write has committed.
type CheckpointLog struct {
	store Store
}

// NewCheckpointLog wraps a Store to provide typed checkpoint operations.
func NewCheckpointLog(s Store) *CheckpointLog {
	return &CheckpointLog{store: s}
}

// Snapshot is a decoded checkpoint.
type Snapshot struct {
	Seq       int64
	Stage     schema.StageName
	State     *schema.PipelineState
	Timestamp time.Time
}

// Save serializes the state and appends it as the next checkpoint for the
// workflow. Returns the assigned sequence number.
func (cl *CheckpointLog) Save(ctx context.Context, stage schema.StageName, state *schema.PipelineState) (int64, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "marshal pipeline state: %s", err.Error()).WithCause(err)
	}
	cp := &Checkpoint{
		WorkflowID: state.WorkflowID,
		Stage:      stage,
		State:      raw,
	}
	if err := cl.store.SaveCheckpoint(ctx, cp); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "save checkpoint: %s", err.Error()).WithCause(err)
	}
	return cp.Seq, nil
}

// Latest loads and decodes the most recent checkpoint for a workflow.
func (cl *CheckpointLog) Latest(ctx context.Context, workflowID string) (*Snapshot, error) {
	cp, err := cl.store.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(cp)
}

// At loads and decodes the checkpoint with the given sequence number.
func (cl *CheckpointLog) At(ctx context.Context, workflowID string, seq int64) (*Snapshot, error) {
	cp, err := cl.store.GetCheckpoint(ctx, workflowID, seq)
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(cp)
}

// Verify checks that the checkpoint sequence for a workflow is contiguous
// from 1. A gap means a snapshot was lost and resumption is unsafe.
func (cl *CheckpointLog) Verify(ctx context.Context, workflowID string) error {
	checkpoints, err := cl.store.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return err
	}
	for i, cp := range checkpoints {
		expected := int64(i + 1)
		if cp.Seq != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"checkpoint gap in workflow %s: expected seq %d, got %d", workflowID, expected, cp.Seq)
		}
	}
	return nil
}

func decodeCheckpoint(cp *Checkpoint) (*Snapshot, error) {
	state := &schema.PipelineState{}
	if err := json.Unmarshal(cp.State, state); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"decode checkpoint %s/%d: %s", cp.WorkflowID, cp.Seq, err.Error()).WithCause(err)
	}
	if state.WorkflowID != cp.WorkflowID {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"checkpoint %s/%d contains state for workflow %q", cp.WorkflowID, cp.Seq, state.WorkflowID)
	}
	// A snapshot violating the structural invariants must not be resumed
	// from.
	if err := schema.Validate(state); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"checkpoint %s/%d holds invalid state: %s", cp.WorkflowID, cp.Seq, err.Error()).WithCause(err)
	}
	return &Snapshot{
		Seq:       cp.Seq,
		Stage:     cp.Stage,
		State:     state,
		Timestamp: cp.Timestamp,
	}, nil
}
