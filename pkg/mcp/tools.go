package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/postforge/postforge/internal/store"
	"github.com/postforge/postforge/pkg/schema"
)

// handleRun starts a pipeline for a query.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if err := s.validator.ValidateArgs("run", args); err != nil {
		return toolError(err), nil
	}
	query := req.GetString("query", "")

	if req.GetBool("async", false) {
		workflowID, err := s.engine.RunAsync(ctx, query)
		if err != nil {
			return toolError(err), nil
		}
		// Remember the session so the review request can be pushed when the
		// background run suspends.
		s.captureSession(ctx, workflowID)
		return marshalResult(map[string]any{
			"workflow_id": workflowID,
			"status":      string(schema.WorkflowStatusPending),
			"async":       true,
		})
	}

	result, err := s.engine.Run(ctx, query)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(result)
}

// handleStatus returns the current state of a workflow.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if err := s.validator.ValidateArgs("status", args); err != nil {
		return toolError(err), nil
	}

	report, err := s.engine.Status(ctx, req.GetString("workflow_id", ""), req.GetString("filter", ""))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(report)
}

// handleFeedback submits a review decision on the draft under review.
func (s *Server) handleFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if err := s.validator.ValidateArgs("feedback", args); err != nil {
		return toolError(err), nil
	}
	workflowID := req.GetString("workflow_id", "")

	feedback := &schema.Feedback{
		DraftVersion: extractInt(args, "draft_version", 0),
		Decision:     schema.FeedbackDecision(req.GetString("decision", "")),
		Note:         req.GetString("note", ""),
	}

	result, err := s.engine.SubmitFeedback(ctx, workflowID, feedback)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(result)
}

// handleConfirm confirms or declines publication of an approved draft.
func (s *Server) handleConfirm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if err := s.validator.ValidateArgs("confirm", args); err != nil {
		return toolError(err), nil
	}

	result, err := s.engine.ConfirmPublish(ctx,
		req.GetString("workflow_id", ""), req.GetBool("confirmed", false))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(result)
}

// handleResume continues an interrupted workflow from its latest checkpoint.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if err := s.validator.ValidateArgs("resume", args); err != nil {
		return toolError(err), nil
	}

	result, err := s.engine.Resume(ctx, req.GetString("workflow_id", ""))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(result)
}

// handleCancel cancels a non-terminal workflow.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if err := s.validator.ValidateArgs("cancel", args); err != nil {
		return toolError(err), nil
	}
	workflowID := req.GetString("workflow_id", "")

	if err := s.engine.Cancel(ctx, workflowID, req.GetString("reason", "")); err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"status":      string(schema.WorkflowStatusCancelled),
	})
}

// handleSchedule registers a recurring query, or toggles/removes an
// existing one when schedule_id is given.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if err := s.validator.ValidateArgs("schedule", args); err != nil {
		return toolError(err), nil
	}

	if scheduleID := req.GetString("schedule_id", ""); scheduleID != "" {
		if req.GetBool("remove", false) {
			if err := s.scheduler.Remove(ctx, scheduleID); err != nil {
				return toolError(err), nil
			}
			return marshalResult(map[string]any{"schedule_id": scheduleID, "removed": true})
		}
		enabled, ok := args["enabled"].(bool)
		if !ok {
			return mcp.NewToolResultError("schedule_id requires either 'enabled' or 'remove'"), nil
		}
		sq, err := s.scheduler.SetEnabled(ctx, scheduleID, enabled)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(sq)
	}

	sq, err := s.scheduler.Schedule(ctx, req.GetString("query", ""), req.GetString("cron", ""))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(sq)
}

// handleQuery lists workflows, events, checkpoints, drafts, or schedules.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if err := s.validator.ValidateArgs("query", args); err != nil {
		return toolError(err), nil
	}

	filter, _ := args["filter"].(map[string]any)
	jqExpr := req.GetString("jq", "")

	var result map[string]any
	switch req.GetString("resource", "") {
	case "workflows":
		wf := store.WorkflowFilter{Limit: extractInt(filter, "limit", 50)}
		if status, ok := filter["status"].(string); ok && status != "" {
			ws := schema.WorkflowStatus(status)
			wf.Status = &ws
		}
		if since, ok := filter["since"].(string); ok && since != "" {
			if t, err := time.Parse(time.RFC3339, since); err == nil {
				wf.Since = &t
			}
		}
		workflows, err := s.store.ListWorkflows(ctx, wf)
		if err != nil {
			return toolError(err), nil
		}
		result = map[string]any{"workflows": workflows}

	case "events":
		workflowID, _ := filter["workflow_id"].(string)
		if workflowID == "" {
			return mcp.NewToolResultError("event query requires 'workflow_id' in filter"), nil
		}
		events, err := s.store.GetEvents(ctx, workflowID, int64(extractInt(filter, "since_seq", 0)))
		if err != nil {
			return toolError(err), nil
		}
		result = map[string]any{"events": events}

	case "checkpoints":
		workflowID, _ := filter["workflow_id"].(string)
		if workflowID == "" {
			return mcp.NewToolResultError("checkpoint query requires 'workflow_id' in filter"), nil
		}
		checkpoints, err := s.store.ListCheckpoints(ctx, workflowID)
		if err != nil {
			return toolError(err), nil
		}
		result = map[string]any{"checkpoints": checkpoints}

	case "drafts":
		workflowID, _ := filter["workflow_id"].(string)
		if workflowID == "" {
			return mcp.NewToolResultError("draft query requires 'workflow_id' in filter"), nil
		}
		drafts, err := s.store.GetDrafts(ctx, workflowID)
		if err != nil {
			return toolError(err), nil
		}
		result = map[string]any{"drafts": drafts}

	case "schedules":
		sf := store.ScheduledQueryFilter{Limit: extractInt(filter, "limit", 50)}
		if enabled, ok := filter["enabled"].(bool); ok {
			sf.Enabled = &enabled
		}
		schedules, err := s.store.ListScheduledQueries(ctx, sf)
		if err != nil {
			return toolError(err), nil
		}
		result = map[string]any{"schedules": schedules}

	default:
		return mcp.NewToolResultError("unknown resource type"), nil
	}

	if jqExpr == "" {
		return marshalResult(result)
	}
	filtered, err := s.applyJQ(ctx, jqExpr, result)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(filtered)
}

// --- Internal helpers ---

// applyJQ round-trips a result through JSON so jq sees plain types, then
// evaluates the expression against it.
func (s *Server) applyJQ(ctx context.Context, expression string, result map[string]any) (any, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode query result").WithCause(err)
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode query result").WithCause(err)
	}
	return s.jq.Evaluate(ctx, expression, plain)
}

// extractInt safely extracts an integer from an argument or filter map.
func extractInt(m map[string]any, key string, defaultVal int) int {
	if m == nil {
		return defaultVal
	}
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps a workflow ID to the MCP session that launched it,
// so review requests can be pushed back to it.
func (s *Server) captureSession(ctx context.Context, workflowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(workflowID, session.SessionID())
	}
}

// NotifyReview pushes a review-requested notification to the session that
// launched the workflow. Wired as the engine's review hook; best-effort.
func (s *Server) NotifyReview(workflowID string, draftVersion int) {
	err := s.notifier.Notify(context.Background(), workflowID, map[string]any{
		"type":          schema.EventReviewRequested,
		"workflow_id":   workflowID,
		"draft_version": draftVersion,
	})
	if err != nil {
		s.logger.Warn("review notification failed",
			"workflow_id", workflowID, "error", err)
	}
}

// toolError converts an engine error into a tool result, keeping the error
// code visible to the calling agent.
func toolError(err error) *mcp.CallToolResult {
	var perr *schema.PipelineError
	if e, ok := err.(*schema.PipelineError); ok {
		perr = e
	}
	if perr == nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", perr.Code, perr.Message))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
