// Package mcp exposes the turn engine to external agent hosts over the
// Model Context Protocol's stdio transport. The surface is control-plane
// only: it routes turns and inspects sessions, it renders nothing.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/turnpike-ai/turnpike/internal/engine"
	"github.com/turnpike-ai/turnpike/internal/plan"
	"github.com/turnpike-ai/turnpike/internal/session"
)

// TurnpikeServerDeps holds the dependencies for creating a TurnpikeServer.
type TurnpikeServerDeps struct {
	Pipeline *engine.Pipeline
	Store    session.Store
	Logger   *slog.Logger
}

// TurnpikeServer wraps an MCP server with turnpike-specific tool handlers.
type TurnpikeServer struct {
	pipeline  *engine.Pipeline
	store     session.Store
	validator *plan.DocumentValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewTurnpikeServer creates a new TurnpikeServer with all 4 tools registered.
func NewTurnpikeServer(deps TurnpikeServerDeps) *TurnpikeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	validator, err := plan.NewDocumentValidator()
	if err != nil {
		logger.Error("plan document validator unavailable", "error", err)
	}

	s := &TurnpikeServer{
		pipeline:  deps.Pipeline,
		store:     deps.Store,
		validator: validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"turnpike",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Turnpike routes conversational turns through a staged pipeline. Use turnpike.turn to process a turn, turnpike.plan to validate and apply an execution plan, turnpike.session to inspect or clean up sessions, and turnpike.metrics for resource-pool counters."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *TurnpikeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *TurnpikeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 4 registered MCP tools as ServerTool entries.
func (s *TurnpikeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: turnTool(), Handler: s.handleTurn},
		{Tool: planTool(), Handler: s.handlePlan},
		{Tool: sessionTool(), Handler: s.handleSession},
		{Tool: metricsTool(), Handler: s.handleMetrics},
	}
}

// --- Tool definitions ---

func turnTool() mcp.Tool {
	return mcp.NewTool("turnpike.turn",
		mcp.WithDescription("Process one conversational turn through the pipeline"),
		mcp.WithString("query", mcp.Required(), mcp.Description("The user's query text for this turn")),
		mcp.WithString("session_id", mcp.Description("Session ID; omit to start a new session")),
		mcp.WithObject("plan", mcp.Description("Execution plan document; omit to reuse the session's applied plan")),
		mcp.WithObject("metadata", mcp.Description("Opaque per-turn metadata passed to stages")),
	)
}

func planTool() mcp.Tool {
	return mcp.NewTool("turnpike.plan",
		mcp.WithDescription("Validate an execution plan document and apply it to a session"),
		mcp.WithObject("plan", mcp.Required(), mcp.Description("Execution plan document")),
		mcp.WithString("session_id", mcp.Description("Session ID; omit to apply against a new session")),
		mcp.WithBoolean("validate_only", mcp.Description("When true, validate and normalize without applying")),
	)
}

func sessionTool() mcp.Tool {
	return mcp.NewTool("turnpike.session",
		mcp.WithDescription("Inspect or clean up conversation sessions"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("get", "pending", "clear_pending", "prune"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("session_id", mcp.Description("Session ID (required for all actions except prune)")),
	)
}

func metricsTool() mcp.Tool {
	return mcp.NewTool("turnpike.metrics",
		mcp.WithDescription("Report resource-pool handle metrics"),
	)
}
