package engine

import (
	"strings"

	"github.com/postforge/postforge/pkg/schema"
)

// RevisionOutcome is the disposition of one feedback record.
type RevisionOutcome string

const (
	OutcomeApproved RevisionOutcome = "approved"
	OutcomeRejected RevisionOutcome = "rejected"
	OutcomeRevise   RevisionOutcome = "revise"
	// OutcomeCapped means the modify request hit the revision limit; the
	// workflow is terminally rejected with reason max_revisions_exceeded.
	OutcomeCapped RevisionOutcome = "capped"
)

// RevisionController applies reviewer feedback to the revision loop.
// It validates the feedback against the current state, enforces the
// revision cap, and decides the resulting loop transition. The engine owns
// executing the decided transition.
type RevisionController struct {
	maxRevisions int
}

// NewRevisionController creates a controller enforcing the given cap on
// modify cycles per workflow.
func NewRevisionController(maxRevisions int) *RevisionController {
	if maxRevisions < 0 {
		maxRevisions = 0
	}
	return &RevisionController{maxRevisions: maxRevisions}
}

// MaxRevisions returns the configured cap.
func (c *RevisionController) MaxRevisions() int {
	return c.maxRevisions
}

// Validate checks a feedback record against the state under review.
// Feedback must target the latest draft version; a modify decision must
// carry a note; any other decision value is rejected.
func (c *RevisionController) Validate(state *schema.PipelineState, feedback *schema.Feedback) error {
	switch feedback.Decision {
	case schema.DecisionApprove, schema.DecisionReject, schema.DecisionModify:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown feedback decision %q", feedback.Decision)
	}

	latest := state.LatestDraft()
	if latest == nil {
		return schema.NewError(schema.ErrCodePrecondition, "no draft to review")
	}
	if feedback.DraftVersion != latest.Version {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"feedback targets draft v%d but the draft under review is v%d",
			feedback.DraftVersion, latest.Version).
			WithDetails(map[string]any{
				"submitted_version": feedback.DraftVersion,
				"current_version":   latest.Version,
			})
	}
	if feedback.Decision == schema.DecisionModify && strings.TrimSpace(feedback.Note) == "" {
		return schema.NewError(schema.ErrCodeValidation, "modify feedback requires a note")
	}
	return nil
}

// Decide maps a validated feedback record to a revision outcome, applying
// the cap: a modify request at the limit becomes OutcomeCapped.
func (c *RevisionController) Decide(state *schema.PipelineState, feedback *schema.Feedback) RevisionOutcome {
	switch feedback.Decision {
	case schema.DecisionApprove:
		return OutcomeApproved
	case schema.DecisionReject:
		return OutcomeRejected
	default:
		if state.Revisions >= c.maxRevisions {
			return OutcomeCapped
		}
		return OutcomeRevise
	}
}
