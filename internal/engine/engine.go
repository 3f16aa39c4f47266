package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/internal/expressions"
	"github.com/postforge/postforge/internal/logging"
	"github.com/postforge/postforge/internal/stages"
	"github.com/postforge/postforge/internal/store"
	"github.com/postforge/postforge/internal/streaming"
	"github.com/postforge/postforge/pkg/schema"
)

// Config holds the engine-level knobs. Zero values are replaced by
// DefaultConfig at construction.
type Config struct {
	// MaxIterations caps research loop cycles.
	MaxIterations int
	// MaxRetries caps attempts per search call.
	MaxRetries int
	// MaxRevisions caps modify cycles per workflow.
	MaxRevisions int
	// StopPredicate is the CEL expression ending the research loop early.
	StopPredicate string
	// RankExpression is the expr formula ranking filtered items.
	RankExpression string
	// TopK is the number of items kept by the filter stage.
	TopK int
	// MinEngagement is the filter stage engagement floor.
	MinEngagement int
	// PerQueryLimit is the item limit per search call.
	PerQueryLimit int
	// CapabilityTimeout bounds each capability call.
	CapabilityTimeout time.Duration
	// RetryBase and MaxRetryDelay shape the search retry backoff.
	RetryBase     time.Duration
	MaxRetryDelay time.Duration
	// PoolSize bounds concurrently running workflows.
	PoolSize int
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     3,
		MaxRetries:        3,
		MaxRevisions:      3,
		StopPredicate:     "items >= 10",
		RankExpression:    "relevance * 0.7 + engagement_norm * 0.3",
		TopK:              5,
		MinEngagement:     0,
		PerQueryLimit:     25,
		CapabilityTimeout: 30 * time.Second,
		RetryBase:         500 * time.Millisecond,
		MaxRetryDelay:     10 * time.Second,
		PoolSize:          4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxRevisions <= 0 {
		c.MaxRevisions = d.MaxRevisions
	}
	if c.StopPredicate == "" {
		c.StopPredicate = d.StopPredicate
	}
	if c.RankExpression == "" {
		c.RankExpression = d.RankExpression
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.PerQueryLimit <= 0 {
		c.PerQueryLimit = d.PerQueryLimit
	}
	if c.CapabilityTimeout <= 0 {
		c.CapabilityTimeout = d.CapabilityTimeout
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	return c
}

// RunResult is the externally visible snapshot returned by engine
// operations.
type RunResult struct {
	WorkflowID     string                `json:"workflow_id"`
	Status         schema.WorkflowStatus `json:"status"`
	Stage          schema.StageName      `json:"stage,omitempty"`
	Draft          *schema.Draft         `json:"draft,omitempty"`
	Revisions      int                   `json:"revisions"`
	PartialResults bool                  `json:"partial_results,omitempty"`
	Published      *schema.PublishedPost `json:"published,omitempty"`
	Reason         string                `json:"reason,omitempty"`
}

// Engine drives workflows through the fixed pipeline with durable
// checkpoints: every stage and review transition is persisted before the
// engine proceeds, so a crash at any point resumes without repeating a
// completed stage.
type Engine struct {
	store       store.Store
	checkpoints *store.CheckpointLog
	registry    *stages.Registry
	wfFSM       *WorkflowFSM
	reviewFSM   *ReviewFSM
	revisions   *RevisionController
	gojq        *expressions.GoJQEngine
	pool        *WorkerPool
	config      Config
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	hookMu     sync.RWMutex
	reviewHook func(workflowID string, draftVersion int)
	hub        streaming.EventHub
}

// SetReviewHook registers a callback invoked whenever a workflow suspends
// for review. Used to push review requests to connected clients.
func (e *Engine) SetReviewHook(hook func(workflowID string, draftVersion int)) {
	e.hookMu.Lock()
	e.reviewHook = hook
	e.hookMu.Unlock()
}

// SetEventHub registers a hub that receives a copy of every appended
// event for live streaming. Safe to leave unset.
func (e *Engine) SetEventHub(hub streaming.EventHub) {
	e.hookMu.Lock()
	e.hub = hub
	e.hookMu.Unlock()
}

// New wires an engine from a store and capability set. The expression
// engines, capability guard, stage registry, FSMs and worker pool are
// constructed internally.
func New(st store.Store, caps *capability.Set, config Config, logger *slog.Logger) (*Engine, error) {
	if err := caps.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	exprEngine := expressions.NewExprEngine()
	guard := capability.NewGuard(config.CapabilityTimeout, capability.DefaultBreakerConfig(), logger)

	e := &Engine{
		store:       st,
		checkpoints: store.NewCheckpointLog(st),
		wfFSM:       NewWorkflowFSM(st),
		reviewFSM:   NewReviewFSM(st),
		revisions:   NewRevisionController(config.MaxRevisions),
		gojq:        expressions.NewGoJQEngine(),
		pool:        NewWorkerPool(config.PoolSize),
		config:      config,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
	}

	researchEvents := func(ctx context.Context, eventType string, payload map[string]any) {
		e.appendEvent(ctx, logging.WorkflowID(ctx), schema.StageResearch, eventType, payload)
	}
	e.registry = stages.NewRegistry(
		stages.NewIntentStage(caps.Parser, guard, logger),
		stages.NewResearchStage(caps.Searcher, caps.Strategist, guard, celEngine, stages.ResearchConfig{
			MaxIterations: config.MaxIterations,
			MaxRetries:    config.MaxRetries,
			RetryBase:     config.RetryBase,
			MaxRetryDelay: config.MaxRetryDelay,
			PerQueryLimit: config.PerQueryLimit,
			StopPredicate: config.StopPredicate,
		}, researchEvents, logger),
		stages.NewFilterStage(caps.Scorer, guard, exprEngine, stages.FilterConfig{
			TopK:           config.TopK,
			MinEngagement:  config.MinEngagement,
			RankExpression: config.RankExpression,
		}, logger),
		stages.NewSummarizeStage(caps.Summarizer, guard, logger),
		stages.NewDraftStage(caps.Drafter, guard, logger),
		stages.NewPublishStage(caps.Publisher, guard, logger),
	)
	return e, nil
}

// Shutdown stops the async worker pool, waiting for in-flight runs.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// lockWorkflow serializes operations per workflow id. Distinct workflows
// proceed concurrently.
func (e *Engine) lockWorkflow(id string) func() {
	e.mu.Lock()
	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Run creates a workflow for the query and drives it until a terminal
// status or the review gate.
func (e *Engine) Run(ctx context.Context, query string) (*RunResult, error) {
	wf, err := e.createWorkflow(ctx, query)
	if err != nil {
		return nil, err
	}

	unlock := e.lockWorkflow(wf.ID)
	defer unlock()

	state := schema.NewPipelineState(wf.ID, wf.Query)
	return e.advance(ctx, state, schema.StageIntent)
}

// RunAsync creates the workflow and drives it on the worker pool,
// returning the workflow id immediately.
func (e *Engine) RunAsync(ctx context.Context, query string) (string, error) {
	wf, err := e.createWorkflow(ctx, query)
	if err != nil {
		return "", err
	}

	runCtx := context.WithoutCancel(ctx)
	err = e.pool.Submit(runCtx, func(ctx context.Context) error {
		unlock := e.lockWorkflow(wf.ID)
		defer unlock()
		state := schema.NewPipelineState(wf.ID, wf.Query)
		_, runErr := e.advance(ctx, state, schema.StageIntent)
		return runErr
	})
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "submit workflow run").WithCause(err)
	}
	return wf.ID, nil
}

func (e *Engine) createWorkflow(ctx context.Context, query string) (*store.Workflow, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "query must not be empty")
	}
	wf := &store.Workflow{
		ID:     uuid.New().String(),
		Query:  query,
		Status: schema.WorkflowStatusPending,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// advance runs stages in pipeline order starting at next, stopping at the
// review gate or a terminal status. Caller holds the workflow lock.
func (e *Engine) advance(ctx context.Context, state *schema.PipelineState, next schema.StageName) (*RunResult, error) {
	ctx = logging.WithWorkflowID(ctx, state.WorkflowID)

	if state.Status == schema.WorkflowStatusPending {
		if err := e.wfFSM.Transition(ctx, state.WorkflowID, schema.WorkflowStatusPending, schema.WorkflowStatusRunning); err != nil {
			return nil, err
		}
		state.Status = schema.WorkflowStatusRunning
		now := time.Now().UTC()
		running := schema.WorkflowStatusRunning
		if err := e.store.UpdateWorkflow(ctx, state.WorkflowID, store.WorkflowUpdate{
			Status: &running, StartedAt: &now,
		}); err != nil {
			return nil, err
		}
	}

	for next != "" && next != schema.StageReview {
		// Cancellation wins over further progress.
		if cancelled, err := e.checkCancelled(ctx, state); err != nil {
			return nil, err
		} else if cancelled {
			return e.result(state), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}

		if err := e.runStage(ctx, state, next); err != nil {
			return e.fail(ctx, state, next, err)
		}
		next = schema.NextStage(next)
	}

	// Review gate: suspend for human feedback.
	return e.suspendForReview(ctx, state)
}

// runStage executes one stage with events, persistence and the
// write-before-proceed checkpoint.
func (e *Engine) runStage(ctx context.Context, state *schema.PipelineState, name schema.StageName) error {
	ctx = logging.WithStage(ctx, string(name))
	stage, err := e.registry.Get(name)
	if err != nil {
		return err
	}

	e.appendEvent(ctx, state.WorkflowID, name, schema.EventStageStarted, nil)

	if err := stages.CheckRequires(stage, state); err != nil {
		e.appendEvent(ctx, state.WorkflowID, name, schema.EventStageFailed, map[string]any{"error": err.Error()})
		return err
	}
	if err := stage.Run(ctx, state); err != nil {
		e.appendEvent(ctx, state.WorkflowID, name, schema.EventStageFailed, map[string]any{"error": err.Error()})
		return err
	}
	// Stage output violating a structural invariant is fatal, never
	// silently corrected.
	if err := schema.Validate(state); err != nil {
		e.appendEvent(ctx, state.WorkflowID, name, schema.EventStageFailed, map[string]any{"error": err.Error()})
		return err
	}

	if err := e.persistStageOutputs(ctx, state, name); err != nil {
		return err
	}
	// The checkpoint must be durable before the pipeline moves on.
	if _, err := e.checkpoints.Save(ctx, name, state.Clone()); err != nil {
		return err
	}
	stageCopy := name
	update := store.WorkflowUpdate{Stage: &stageCopy}
	if name == schema.StageResearch && state.PartialResults {
		partial := true
		update.PartialResults = &partial
	}
	if err := e.store.UpdateWorkflow(ctx, state.WorkflowID, update); err != nil {
		return err
	}

	e.appendEvent(ctx, state.WorkflowID, name, schema.EventStageCompleted, nil)
	return nil
}

func (e *Engine) persistStageOutputs(ctx context.Context, state *schema.PipelineState, name schema.StageName) error {
	switch name {
	case schema.StageIntent:
		return e.store.SaveIntent(ctx, state.WorkflowID, state.Intent)
	case schema.StageResearch:
		return e.store.SaveItems(ctx, state.WorkflowID, store.ItemKindRaw, state.RawItems)
	case schema.StageFilter:
		return e.store.SaveItems(ctx, state.WorkflowID, store.ItemKindFiltered, state.FilteredItems)
	case schema.StageSummarize:
		return e.store.SaveInsight(ctx, state.WorkflowID, state.Insight)
	case schema.StageDraft:
		return e.store.SaveDraft(ctx, state.WorkflowID, state.LatestDraft())
	case schema.StagePublish:
		return e.store.SavePublishedPost(ctx, state.WorkflowID, state.Published)
	}
	return nil
}

func (e *Engine) suspendForReview(ctx context.Context, state *schema.PipelineState) (*RunResult, error) {
	if err := e.wfFSM.Transition(ctx, state.WorkflowID, state.Status, schema.WorkflowStatusAwaitingReview); err != nil {
		return nil, err
	}
	state.Status = schema.WorkflowStatusAwaitingReview
	if _, err := e.checkpoints.Save(ctx, schema.StageReview, state.Clone()); err != nil {
		return nil, err
	}
	awaiting := schema.WorkflowStatusAwaitingReview
	reviewStage := schema.StageReview
	if err := e.store.UpdateWorkflow(ctx, state.WorkflowID, store.WorkflowUpdate{
		Status: &awaiting, Stage: &reviewStage,
	}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "workflow awaiting review",
		"draft_version", state.LatestDraft().Version, "revisions", state.Revisions)

	e.hookMu.RLock()
	hook := e.reviewHook
	e.hookMu.RUnlock()
	if hook != nil {
		hook(state.WorkflowID, state.LatestDraft().Version)
	}
	return e.result(state), nil
}

// SubmitFeedback records a reviewer decision on the draft under review and
// advances the revision loop: approve moves the workflow to approved,
// reject terminates it, modify produces the next draft version and returns
// to awaiting_review. A modify past the revision cap terminally rejects
// the workflow with reason max_revisions_exceeded.
func (e *Engine) SubmitFeedback(ctx context.Context, workflowID string, feedback *schema.Feedback) (*RunResult, error) {
	unlock := e.lockWorkflow(workflowID)
	defer unlock()
	ctx = logging.WithWorkflowID(ctx, workflowID)

	_, state, err := e.loadForUpdate(ctx, workflowID, schema.WorkflowStatusAwaitingReview)
	if err != nil {
		return nil, err
	}

	if err := e.revisions.Validate(state, feedback); err != nil {
		return nil, err
	}
	if feedback.ID == "" {
		feedback.ID = uuid.New().String()
	}
	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = time.Now().UTC()
	}

	if err := e.store.SaveFeedback(ctx, workflowID, feedback); err != nil {
		return nil, err
	}
	state.Feedback = append(state.Feedback, *feedback)
	e.appendEvent(ctx, workflowID, schema.StageReview, schema.EventFeedbackReceived, map[string]any{
		"decision":      string(feedback.Decision),
		"draft_version": feedback.DraftVersion,
	})

	switch e.revisions.Decide(state, feedback) {
	case OutcomeApproved:
		return e.approve(ctx, state)
	case OutcomeRejected:
		return e.reject(ctx, state, schema.RejectReasonReviewer)
	case OutcomeCapped:
		e.appendEvent(ctx, workflowID, schema.StageReview, schema.EventRevisionCapHit, map[string]any{
			"revisions":     state.Revisions,
			"max_revisions": e.revisions.MaxRevisions(),
		})
		return e.reject(ctx, state, schema.RejectReasonMaxRevisions)
	default:
		return e.revise(ctx, state)
	}
}

func (e *Engine) approve(ctx context.Context, state *schema.PipelineState) (*RunResult, error) {
	if err := e.reviewFSM.Transition(ctx, state.WorkflowID, ReviewAwaiting, ReviewApproved); err != nil {
		return nil, err
	}
	if err := e.wfFSM.Transition(ctx, state.WorkflowID, state.Status, schema.WorkflowStatusApproved); err != nil {
		return nil, err
	}
	state.Status = schema.WorkflowStatusApproved
	if _, err := e.checkpoints.Save(ctx, schema.StageReview, state.Clone()); err != nil {
		return nil, err
	}
	approved := schema.WorkflowStatusApproved
	if err := e.store.UpdateWorkflow(ctx, state.WorkflowID, store.WorkflowUpdate{Status: &approved}); err != nil {
		return nil, err
	}
	return e.result(state), nil
}

func (e *Engine) reject(ctx context.Context, state *schema.PipelineState, reason string) (*RunResult, error) {
	if err := e.reviewFSM.Transition(ctx, state.WorkflowID, ReviewAwaiting, ReviewRejected); err != nil {
		return nil, err
	}
	if err := e.wfFSM.Transition(ctx, state.WorkflowID, state.Status, schema.WorkflowStatusRejected); err != nil {
		return nil, err
	}
	state.Status = schema.WorkflowStatusRejected
	if _, err := e.checkpoints.Save(ctx, schema.StageReview, state.Clone()); err != nil {
		return nil, err
	}
	rejected := schema.WorkflowStatusRejected
	now := time.Now().UTC()
	if err := e.store.UpdateWorkflow(ctx, state.WorkflowID, store.WorkflowUpdate{
		Status: &rejected, Reason: &reason, CompletedAt: &now,
	}); err != nil {
		return nil, err
	}
	res := e.result(state)
	res.Reason = reason
	return res, nil
}

func (e *Engine) revise(ctx context.Context, state *schema.PipelineState) (*RunResult, error) {
	if err := e.reviewFSM.Transition(ctx, state.WorkflowID, ReviewAwaiting, ReviewRevising); err != nil {
		return nil, err
	}
	if err := e.wfFSM.Transition(ctx, state.WorkflowID, state.Status, schema.WorkflowStatusRunning); err != nil {
		return nil, err
	}
	state.Status = schema.WorkflowStatusRunning
	state.Revisions++
	running := schema.WorkflowStatusRunning
	if err := e.store.UpdateWorkflow(ctx, state.WorkflowID, store.WorkflowUpdate{Status: &running}); err != nil {
		return nil, err
	}

	if err := e.runStage(ctx, state, schema.StageDraft); err != nil {
		return e.fail(ctx, state, schema.StageDraft, err)
	}
	if err := e.reviewFSM.Transition(ctx, state.WorkflowID, ReviewRevising, ReviewAwaiting); err != nil {
		return nil, err
	}
	return e.suspendForReview(ctx, state)
}

// ConfirmPublish executes the explicit publish confirmation on an approved
// workflow. Declining keeps the workflow approved; the confirmation can be
// retried later.
func (e *Engine) ConfirmPublish(ctx context.Context, workflowID string, confirmed bool) (*RunResult, error) {
	unlock := e.lockWorkflow(workflowID)
	defer unlock()
	ctx = logging.WithWorkflowID(ctx, workflowID)

	_, state, err := e.loadForUpdate(ctx, workflowID, schema.WorkflowStatusApproved)
	if err != nil {
		return nil, err
	}

	if !confirmed {
		e.appendEvent(ctx, workflowID, schema.StageConfirm, schema.EventPublishDeclined, nil)
		return e.result(state), nil
	}
	e.appendEvent(ctx, workflowID, schema.StageConfirm, schema.EventPublishConfirmed, map[string]any{
		"draft_version": state.LatestDraft().Version,
	})

	// A crash after the publish stage persisted its outputs but before the
	// status update below leaves a PublishedPost on an approved workflow.
	// The post already went out; skip the stage so the retry converges.
	if state.Published == nil {
		if err := e.runStage(ctx, state, schema.StagePublish); err != nil {
			return e.fail(ctx, state, schema.StagePublish, err)
		}
	}
	if err := e.wfFSM.Transition(ctx, state.WorkflowID, state.Status, schema.WorkflowStatusPublished); err != nil {
		return nil, err
	}
	state.Status = schema.WorkflowStatusPublished
	if _, err := e.checkpoints.Save(ctx, schema.StagePublish, state.Clone()); err != nil {
		return nil, err
	}
	published := schema.WorkflowStatusPublished
	now := time.Now().UTC()
	if err := e.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{
		Status: &published, CompletedAt: &now,
	}); err != nil {
		return nil, err
	}
	return e.result(state), nil
}

// Resume continues an interrupted workflow from its latest checkpoint.
// Workflows suspended at the review or confirm gate are returned as-is;
// terminal workflows cannot be resumed.
func (e *Engine) Resume(ctx context.Context, workflowID string) (*RunResult, error) {
	unlock := e.lockWorkflow(workflowID)
	defer unlock()
	ctx = logging.WithWorkflowID(ctx, workflowID)

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is %s and cannot be resumed", workflowID, wf.Status)
	}

	switch wf.Status {
	case schema.WorkflowStatusAwaitingReview, schema.WorkflowStatusApproved:
		// Waiting on external input, nothing to drive.
		state, err := e.loadState(ctx, wf)
		if err != nil {
			return nil, err
		}
		return e.result(state), nil
	case schema.WorkflowStatusPending:
		e.appendEvent(ctx, workflowID, "", schema.EventWorkflowResumed, nil)
		state := schema.NewPipelineState(wf.ID, wf.Query)
		return e.advance(ctx, state, schema.StageIntent)
	}

	// Interrupted mid-run: verify the log and pick up after the last
	// completed stage.
	if err := e.checkpoints.Verify(ctx, workflowID); err != nil {
		return nil, err
	}
	snap, err := e.checkpoints.Latest(ctx, workflowID)
	if err != nil {
		var perr *schema.PipelineError
		if errors.As(err, &perr) && perr.Code == schema.ErrCodeNotFound {
			// Crashed before the first checkpoint; start over.
			e.appendEvent(ctx, workflowID, "", schema.EventWorkflowResumed, nil)
			state := schema.NewPipelineState(wf.ID, wf.Query)
			state.Status = schema.WorkflowStatusRunning
			return e.advance(ctx, state, schema.StageIntent)
		}
		return nil, err
	}

	e.appendEvent(ctx, workflowID, snap.Stage, schema.EventWorkflowResumed, map[string]any{
		"checkpoint_seq": snap.Seq,
	})
	state := snap.State
	state.Status = schema.WorkflowStatusRunning

	// A running row with its latest checkpoint at the review gate means the
	// crash hit between the gate checkpoint and the status update (or during
	// a revision before the redraft). The gate is not an executable stage:
	// re-enter it instead of advancing past it.
	if snap.Stage == schema.StageReview {
		return e.suspendForReview(ctx, state)
	}
	return e.advance(ctx, state, schema.NextStage(snap.Stage))
}

// Cancel terminates a non-terminal workflow. Safe to call at any gate;
// in-flight runs observe the cancellation before their next stage.
func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) error {
	ctx = logging.WithWorkflowID(ctx, workflowID)

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is already %s", workflowID, wf.Status)
	}

	if err := e.wfFSM.Transition(ctx, workflowID, wf.Status, schema.WorkflowStatusCancelled); err != nil {
		return err
	}
	cancelled := schema.WorkflowStatusCancelled
	now := time.Now().UTC()
	update := store.WorkflowUpdate{Status: &cancelled, CompletedAt: &now}
	if reason != "" {
		update.Reason = &reason
	}
	if err := e.store.UpdateWorkflow(ctx, workflowID, update); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "workflow cancelled", "reason", reason)
	return nil
}

// Status reports the workflow's externally visible state. A non-empty
// jqFilter is applied to the JSON report before returning.
func (e *Engine) Status(ctx context.Context, workflowID, jqFilter string) (any, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	drafts, err := e.store.GetDrafts(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	feedback, err := e.store.GetFeedback(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	revisions := 0
	for _, fb := range feedback {
		if fb.Decision == schema.DecisionModify {
			revisions++
		}
	}

	report := map[string]any{
		"workflow_id":     wf.ID,
		"query":           wf.Query,
		"status":          string(wf.Status),
		"stage":           string(wf.Stage),
		"reason":          wf.Reason,
		"partial_results": wf.PartialResults,
		"revisions":       revisions,
		"drafts":          drafts,
		"feedback":        feedback,
		"created_at":      wf.CreatedAt,
	}
	if published, err := e.store.GetPublishedPost(ctx, workflowID); err == nil {
		report["published"] = published
	}

	// Round-trip to plain JSON types so jq sees what a client would.
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode status report").WithCause(err)
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode status report").WithCause(err)
	}
	if jqFilter == "" {
		return plain, nil
	}
	return e.gojq.Evaluate(ctx, jqFilter, plain)
}

// --- internals ---

// loadForUpdate fetches the workflow and its latest state, requiring the
// given status. Terminal statuses yield CONFLICT, anything else an
// INVALID_TRANSITION.
func (e *Engine) loadForUpdate(ctx context.Context, workflowID string, want schema.WorkflowStatus) (*store.Workflow, *schema.PipelineState, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if wf.Status != want {
		code := schema.ErrCodeInvalidTransition
		if wf.Status.Terminal() {
			code = schema.ErrCodeConflict
		}
		return nil, nil, schema.NewErrorf(code,
			"workflow %s is %s, expected %s", workflowID, wf.Status, want)
	}
	state, err := e.loadState(ctx, wf)
	if err != nil {
		return nil, nil, err
	}
	return wf, state, nil
}

func (e *Engine) loadState(ctx context.Context, wf *store.Workflow) (*schema.PipelineState, error) {
	snap, err := e.checkpoints.Latest(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	state := snap.State
	state.Status = wf.Status
	return state, nil
}

// checkCancelled reloads the persisted status to observe a concurrent
// Cancel before running the next stage.
func (e *Engine) checkCancelled(ctx context.Context, state *schema.PipelineState) (bool, error) {
	wf, err := e.store.GetWorkflow(ctx, state.WorkflowID)
	if err != nil {
		return false, err
	}
	if wf.Status == schema.WorkflowStatusCancelled {
		state.Status = schema.WorkflowStatusCancelled
		return true, nil
	}
	return false, nil
}

// fail moves the workflow to failed with a persisted reason and returns
// the original error.
func (e *Engine) fail(ctx context.Context, state *schema.PipelineState, stage schema.StageName, cause error) (*RunResult, error) {
	if ferr := e.wfFSM.Transition(ctx, state.WorkflowID, state.Status, schema.WorkflowStatusFailed); ferr != nil {
		e.logger.ErrorContext(ctx, "failed-state transition rejected", "error", ferr, "cause", cause)
		return nil, cause
	}
	state.Status = schema.WorkflowStatusFailed
	if _, cerr := e.checkpoints.Save(ctx, stage, state.Clone()); cerr != nil {
		e.logger.ErrorContext(ctx, "checkpoint on failure lost", "error", cerr)
	}
	failed := schema.WorkflowStatusFailed
	reason := cause.Error()
	now := time.Now().UTC()
	if uerr := e.store.UpdateWorkflow(ctx, state.WorkflowID, store.WorkflowUpdate{
		Status: &failed, Reason: &reason, CompletedAt: &now,
	}); uerr != nil {
		e.logger.ErrorContext(ctx, "persist failed status", "error", uerr)
	}
	e.logger.ErrorContext(ctx, "workflow failed", "stage", string(stage), "error", cause)
	res := e.result(state)
	res.Stage = stage
	return res, cause
}

func (e *Engine) appendEvent(ctx context.Context, workflowID string, stage schema.StageName, eventType string, payload map[string]any) {
	if workflowID == "" {
		return
	}
	event := &store.Event{
		WorkflowID: workflowID,
		Stage:      string(stage),
		Type:       eventType,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "event append failed", "event", eventType, "error", err)
	}

	e.hookMu.RLock()
	hub := e.hub
	e.hookMu.RUnlock()
	if hub != nil {
		hub.Publish(ctx, streaming.StreamEvent{
			WorkflowID: workflowID,
			Stage:      string(stage),
			EventType:  eventType,
			Payload:    payload,
		})
	}
}

func (e *Engine) result(state *schema.PipelineState) *RunResult {
	r := &RunResult{
		WorkflowID:     state.WorkflowID,
		Status:         state.Status,
		Draft:          state.LatestDraft(),
		Revisions:      state.Revisions,
		PartialResults: state.PartialResults,
		Published:      state.Published,
	}
	switch state.Status {
	case schema.WorkflowStatusAwaitingReview, schema.WorkflowStatusRejected:
		r.Stage = schema.StageReview
	case schema.WorkflowStatusApproved:
		r.Stage = schema.StageConfirm
	case schema.WorkflowStatusPublished:
		r.Stage = schema.StagePublish
	}
	return r
}
