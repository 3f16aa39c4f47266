package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/postforge/postforge/internal/engine"
	"github.com/postforge/postforge/internal/expressions"
	"github.com/postforge/postforge/internal/store"
	"github.com/postforge/postforge/internal/validation"
	"github.com/postforge/postforge/pkg/schema"
)

// PipelineEngine is the engine surface the server drives. Satisfied by
// *engine.Engine.
type PipelineEngine interface {
	Run(ctx context.Context, query string) (*engine.RunResult, error)
	RunAsync(ctx context.Context, query string) (string, error)
	SubmitFeedback(ctx context.Context, workflowID string, feedback *schema.Feedback) (*engine.RunResult, error)
	ConfirmPublish(ctx context.Context, workflowID string, confirmed bool) (*engine.RunResult, error)
	Resume(ctx context.Context, workflowID string) (*engine.RunResult, error)
	Cancel(ctx context.Context, workflowID, reason string) error
	Status(ctx context.Context, workflowID, jqFilter string) (any, error)
}

// QueryScheduler manages recurring queries. Satisfied by
// *scheduler.Scheduler.
type QueryScheduler interface {
	Schedule(ctx context.Context, query, cronExpr string) (*store.ScheduledQuery, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*store.ScheduledQuery, error)
	Remove(ctx context.Context, id string) error
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine    PipelineEngine
	Scheduler QueryScheduler
	Store     store.Store
	Logger    *slog.Logger
}

// Server wraps an MCP server with the pipeline tool handlers.
type Server struct {
	engine    PipelineEngine
	scheduler QueryScheduler
	store     store.Store
	validator *validation.RequestValidator
	sessions  *SessionRegistry
	notifier  ReviewNotifier
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 8 tools registered.
func NewServer(deps ServerDeps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	validator, err := validation.NewRequestValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		store:     deps.Store,
		validator: validator,
		sessions:  NewSessionRegistry(),
		jq:        expressions.NewGoJQEngine(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"postforge",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("PostForge runs social-media content pipelines with a human review gate. Use pipeline.run to start a pipeline for a query, pipeline.status to inspect progress, pipeline.feedback to approve/reject/modify the draft under review, pipeline.confirm to confirm or decline publication of an approved draft, pipeline.resume to continue an interrupted workflow, pipeline.cancel to stop one, pipeline.schedule to register a recurring query, and pipeline.query to list workflows, events, or schedules."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: feedbackTool(), Handler: s.handleFeedback},
		{Tool: confirmTool(), Handler: s.handleConfirm},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("pipeline.run",
		mcp.WithDescription("Start a content pipeline for a natural-language query. Runs until the draft is ready for review unless async is set."),
		mcp.WithString("query", mcp.Required(), mcp.Description("What to research and draft a post about")),
		mcp.WithBoolean("async", mcp.Description("Return the workflow ID immediately and run in the background")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("pipeline.status",
		mcp.WithDescription("Get the current state of a workflow: status, stage, drafts, feedback, and published post"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to inspect")),
		mcp.WithString("filter", mcp.Description("Optional jq expression applied to the status report")),
	)
}

func feedbackTool() mcp.Tool {
	return mcp.NewTool("pipeline.feedback",
		mcp.WithDescription("Submit a review decision on the draft awaiting review. Modify produces a revised draft; approve moves the workflow to the publish confirmation; reject ends it."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow under review")),
		mcp.WithNumber("draft_version", mcp.Required(), mcp.Description("Version of the draft the decision applies to")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject", "modify"),
			mcp.Description("Review decision"),
		),
		mcp.WithString("note", mcp.Description("Revision instructions (required for modify)")),
	)
}

func confirmTool() mcp.Tool {
	return mcp.NewTool("pipeline.confirm",
		mcp.WithDescription("Confirm or decline publication of an approved draft. Declining keeps the workflow approved so confirmation can be retried."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the approved workflow")),
		mcp.WithBoolean("confirmed", mcp.Required(), mcp.Description("true publishes the draft, false declines")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("pipeline.resume",
		mcp.WithDescription("Resume an interrupted workflow from its latest checkpoint. Completed stages are not repeated."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to resume")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("pipeline.cancel",
		mcp.WithDescription("Cancel a workflow that has not reached a terminal status"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
		mcp.WithString("reason", mcp.Description("Why the workflow is being cancelled")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("pipeline.schedule",
		mcp.WithDescription("Register, toggle, or remove a recurring query that starts a pipeline on a cron schedule"),
		mcp.WithString("query", mcp.Description("Query to run on each occurrence (with 'cron', registers a new schedule)")),
		mcp.WithString("cron", mcp.Description("Standard 5-field cron expression, e.g. '0 8 * * *'")),
		mcp.WithString("schedule_id", mcp.Description("Existing schedule to toggle or remove")),
		mcp.WithBoolean("enabled", mcp.Description("Enable or disable the schedule identified by 'schedule_id'")),
		mcp.WithBoolean("remove", mcp.Description("Delete the schedule identified by 'schedule_id'")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("pipeline.query",
		mcp.WithDescription("List workflows, events, checkpoints, drafts, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events", "checkpoints", "drafts", "schedules"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, since, limit, workflow_id, since_seq, enabled)")),
		mcp.WithString("jq", mcp.Description("Optional jq expression applied to the result")),
	)
}
