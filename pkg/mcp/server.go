package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/runloom/runloom/internal/engine"
	"github.com/runloom/runloom/internal/scheduler"
	"github.com/runloom/runloom/internal/store"
	"github.com/runloom/runloom/internal/streaming"
	"github.com/runloom/runloom/internal/tools"
)

// RunloomServerDeps holds the dependencies for creating a RunloomServer.
type RunloomServerDeps struct {
	Service   *engine.Service
	Store     store.Store
	Bus       streaming.EventBus
	Tools     *tools.Registry
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger

	// BusOptions apply to every watch subscription (queue capacity,
	// keepalive interval).
	BusOptions []streaming.SubscribeOption
}

// RunloomServer wraps an MCP server with runloom-specific tool handlers.
type RunloomServer struct {
	service   *engine.Service
	store     store.Store
	bus       streaming.EventBus
	tools     *tools.Registry
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	watchers  *WatchRegistry
	notifier  *RunNotifier
	mcpServer *server.MCPServer
}

// NewRunloomServer creates a new RunloomServer with all tools registered.
func NewRunloomServer(deps RunloomServerDeps) *RunloomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RunloomServer{
		service:   deps.Service,
		store:     deps.Store,
		bus:       deps.Bus,
		tools:     deps.Tools,
		scheduler: deps.Scheduler,
		logger:    logger,
		watchers:  NewWatchRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"runloom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Runloom executes user-authored workflow graphs against model backends and tools. Use runloom.start to launch a run, runloom.status to check progress, runloom.cancel to stop it, runloom.resume to continue an approval-gated or interrupted run, runloom.events to replay the event log, runloom.watch for live event notifications, runloom.schedule to register a cron trigger, and runloom.tools to list the available tools."),
	)

	mcpSrv.AddTools(s.serverTools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewRunNotifier(mcpSrv, s.watchers, deps.Bus, logger)
	s.notifier.subOpts = deps.BusOptions
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RunloomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RunloomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// serverTools returns the registered MCP tools as ServerTool entries.
func (s *RunloomServer) serverTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: watchTool(), Handler: s.handleWatch},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: toolsTool(), Handler: s.handleTools},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("runloom.start",
		mcp.WithDescription("Launch a workflow graph run"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Graph definition with nodes and edges")),
		mcp.WithObject("input", mcp.Description("Input values for the run state")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("runloom.status",
		mcp.WithDescription("Get the status of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("runloom.cancel",
		mcp.WithDescription("Request cooperative cancellation of an executing run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Reason recorded on the cancellation event")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("runloom.resume",
		mcp.WithDescription("Resume a parked run. Approval-gated runs require a decision; interrupted runs resume from their latest checkpoint without one"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
		mcp.WithString("decision", mcp.Enum("approve", "reject"), mcp.Description("Approval decision (omit for interrupted runs)")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("runloom.events",
		mcp.WithDescription("Replay the persisted event log of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Return only events with a sequence number greater than this")),
		mcp.WithString("event_type", mcp.Description("Filter by event type")),
		mcp.WithString("node_id", mcp.Description("Filter by node ID")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events to return (default 100)")),
		mcp.WithBoolean("verify", mcp.Description("Verify sequence contiguity and include reconstructed per-node timelines")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("runloom.watch",
		mcp.WithDescription("Subscribe this session to live event notifications for a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to watch")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("runloom.schedule",
		mcp.WithDescription("Register a cron-triggered run of a workflow graph"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Graph definition to run on each trigger")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression (minute hour dom month dow)")),
		mcp.WithObject("input", mcp.Description("Input values passed to every triggered run")),
		mcp.WithString("graph_id", mcp.Description("Logical graph identifier recorded on triggered runs")),
	)
}

func toolsTool() mcp.Tool {
	return mcp.NewTool("runloom.tools",
		mcp.WithDescription("List the tools available to tool and work nodes"),
	)
}
