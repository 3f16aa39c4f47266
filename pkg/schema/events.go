package schema

// Event type constants for the append-only event log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowPublished = "workflow_published"
	EventWorkflowRejected  = "workflow_rejected"
	EventWorkflowApproved  = "workflow_approved"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowResumed   = "workflow_resumed"

	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"

	EventReviewRequested  = "review_requested"
	EventFeedbackReceived = "feedback_received"
	EventDraftRevised     = "draft_revised"
	EventRevisionCapHit   = "revision_cap_hit"
	EventPublishConfirmed = "publish_confirmed"
	EventPublishDeclined  = "publish_declined"

	EventSearchRetry    = "search_retry"
	EventPartialResults = "partial_results"
	EventCheckpointSaved = "checkpoint_saved"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending        WorkflowStatus = "pending"
	WorkflowStatusRunning        WorkflowStatus = "running"
	WorkflowStatusAwaitingReview WorkflowStatus = "awaiting_review"
	WorkflowStatusApproved       WorkflowStatus = "approved"
	WorkflowStatusPublished      WorkflowStatus = "published"
	WorkflowStatusRejected       WorkflowStatus = "rejected"
	WorkflowStatusFailed         WorkflowStatus = "failed"
	WorkflowStatusCancelled      WorkflowStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from the status.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusPublished, WorkflowStatusRejected, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// Rejection reasons persisted on terminally rejected workflows.
const (
	RejectReasonReviewer     = "rejected_by_reviewer"
	RejectReasonMaxRevisions = "max_revisions_exceeded"
)

// StageName identifies one step of the fixed pipeline order.
type StageName string

const (
	StageIntent    StageName = "intent"
	StageResearch  StageName = "research"
	StageFilter    StageName = "filter"
	StageSummarize StageName = "summarize"
	StageDraft     StageName = "draft"
	StageReview    StageName = "review"
	StageConfirm   StageName = "confirm"
	StagePublish   StageName = "publish"
)

// PipelineOrder is the fixed sequence of stages driven by the engine.
// Review and confirm are gates, not Stage implementations: the engine
// suspends there for external input.
var PipelineOrder = []StageName{
	StageIntent,
	StageResearch,
	StageFilter,
	StageSummarize,
	StageDraft,
	StageReview,
	StageConfirm,
	StagePublish,
}

// NextStage returns the stage after the given one in the pipeline order,
// or "" if the given stage is last or unknown.
func NextStage(s StageName) StageName {
	for i, name := range PipelineOrder {
		if name == s && i+1 < len(PipelineOrder) {
			return PipelineOrder[i+1]
		}
	}
	return ""
}

// FeedbackDecision is the reviewer's verdict on a draft.
type FeedbackDecision string

const (
	DecisionApprove FeedbackDecision = "approve"
	DecisionReject  FeedbackDecision = "reject"
	DecisionModify  FeedbackDecision = "modify"
)
