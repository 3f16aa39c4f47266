package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/pkg/schema"
)

func reviewState(revisions int, versions ...int) *schema.PipelineState {
	state := schema.NewPipelineState("wf-rev", "query")
	state.Status = schema.WorkflowStatusAwaitingReview
	state.Revisions = revisions
	for _, v := range versions {
		state.Drafts = append(state.Drafts, schema.Draft{Version: v, Text: "draft"})
	}
	return state
}

func TestRevisionController_Validate(t *testing.T) {
	c := NewRevisionController(3)

	tests := []struct {
		name     string
		state    *schema.PipelineState
		feedback *schema.Feedback
		wantCode string
	}{
		{
			name:     "approve latest",
			state:    reviewState(0, 1),
			feedback: &schema.Feedback{DraftVersion: 1, Decision: schema.DecisionApprove},
		},
		{
			name:     "modify with note",
			state:    reviewState(0, 1),
			feedback: &schema.Feedback{DraftVersion: 1, Decision: schema.DecisionModify, Note: "shorter"},
		},
		{
			name:     "unknown decision",
			state:    reviewState(0, 1),
			feedback: &schema.Feedback{DraftVersion: 1, Decision: "escalate"},
			wantCode: schema.ErrCodeValidation,
		},
		{
			name:     "no draft yet",
			state:    reviewState(0),
			feedback: &schema.Feedback{DraftVersion: 1, Decision: schema.DecisionApprove},
			wantCode: schema.ErrCodePrecondition,
		},
		{
			name:     "stale version",
			state:    reviewState(1, 1, 2),
			feedback: &schema.Feedback{DraftVersion: 1, Decision: schema.DecisionApprove},
			wantCode: schema.ErrCodeConflict,
		},
		{
			name:     "modify without note",
			state:    reviewState(0, 1),
			feedback: &schema.Feedback{DraftVersion: 1, Decision: schema.DecisionModify, Note: "   "},
			wantCode: schema.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.state, tt.feedback)
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			perr, ok := err.(*schema.PipelineError)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, perr.Code)
		})
	}
}

func TestRevisionController_ValidateConflictDetails(t *testing.T) {
	c := NewRevisionController(3)
	err := c.Validate(reviewState(1, 1, 2), &schema.Feedback{DraftVersion: 1, Decision: schema.DecisionApprove})
	require.Error(t, err)
	perr := err.(*schema.PipelineError)
	assert.Equal(t, 1, perr.Details["submitted_version"])
	assert.Equal(t, 2, perr.Details["current_version"])
}

func TestRevisionController_Decide(t *testing.T) {
	c := NewRevisionController(2)

	assert.Equal(t, OutcomeApproved, c.Decide(reviewState(0, 1),
		&schema.Feedback{DraftVersion: 1, Decision: schema.DecisionApprove}))
	assert.Equal(t, OutcomeRejected, c.Decide(reviewState(0, 1),
		&schema.Feedback{DraftVersion: 1, Decision: schema.DecisionReject}))
	assert.Equal(t, OutcomeRevise, c.Decide(reviewState(1, 1, 2),
		&schema.Feedback{DraftVersion: 2, Decision: schema.DecisionModify, Note: "n"}))
	// At the cap, modify becomes a terminal rejection.
	assert.Equal(t, OutcomeCapped, c.Decide(reviewState(2, 1, 2, 3),
		&schema.Feedback{DraftVersion: 3, Decision: schema.DecisionModify, Note: "n"}))
	// Approve and reject are never capped.
	assert.Equal(t, OutcomeApproved, c.Decide(reviewState(2, 1, 2, 3),
		&schema.Feedback{DraftVersion: 3, Decision: schema.DecisionApprove}))
}

func TestRevisionController_ZeroCapRejectsFirstModify(t *testing.T) {
	c := NewRevisionController(0)
	assert.Equal(t, OutcomeCapped, c.Decide(reviewState(0, 1),
		&schema.Feedback{DraftVersion: 1, Decision: schema.DecisionModify, Note: "n"}))
}
