package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/runloom/runloom/internal/store"
	"github.com/runloom/runloom/pkg/schema"
)

// handleStart launches a run of the supplied graph definition.
func (s *RunloomServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := parseDefinition(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	runID, startErr := s.service.Start(ctx, *def, input)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id": runID,
		"status": schema.RunStatusPending,
	})
}

// handleStatus returns the persisted run record.
func (s *RunloomServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, statusErr := s.service.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(run)
}

// handleCancel flags a run for cooperative cancellation.
func (s *RunloomServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "")

	cancelled := s.service.Cancel(ctx, runID, reason)
	return marshalResult(map[string]any{
		"run_id":    runID,
		"cancelled": cancelled,
	})
}

// handleResume continues an approval-gated or interrupted run.
func (s *RunloomServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	decision := req.GetString("decision", "")

	if resumeErr := s.service.Resume(ctx, runID, decision); resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id":  runID,
		"resumed": true,
	})
}

// handleEvents replays the persisted event log of a run.
func (s *RunloomServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	since := int64(req.GetInt("since", 0))
	eventType := req.GetString("event_type", "")
	nodeID := req.GetString("node_id", "")
	limit := req.GetInt("limit", 100)

	var events []*store.Event
	var queryErr error
	if eventType != "" || nodeID != "" {
		events, queryErr = s.store.ListEvents(ctx, runID, store.EventFilter{
			EventType: eventType,
			NodeID:    nodeID,
			Limit:     limit,
		})
	} else {
		events, queryErr = s.store.GetEvents(ctx, runID, since)
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
	}
	if queryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", queryErr)), nil
	}

	response := map[string]any{"events": events}

	// verify replays the full log, failing on sequence gaps and
	// attaching the reconstructed per-node timelines.
	if req.GetBool("verify", false) {
		timelines, replayErr := store.NewEventLog(s.store).Replay(ctx, runID)
		if replayErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event log verification failed: %v", replayErr)), nil
		}
		response["nodes"] = timelines
	}

	return marshalResult(response)
}

// handleWatch subscribes the calling session to live notifications for a run.
func (s *RunloomServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch requires an active session"), nil
	}

	if _, getErr := s.store.GetRun(ctx, runID); getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
	}

	s.watchers.Add(runID, session.SessionID())
	if watchErr := s.notifier.Watch(ctx, runID); watchErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("watch failed: %v", watchErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id":   runID,
		"watching": true,
		"method":   notificationMethod,
	})
}

// handleSchedule registers a cron-triggered run.
func (s *RunloomServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := parseDefinition(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled"), nil
	}

	now := time.Now().UTC()
	next, nextErr := s.scheduler.NextRun(cronExpr, now)
	if nextErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", nextErr)), nil
	}

	sched := &store.Schedule{
		ID:         uuid.NewString(),
		GraphID:    req.GetString("graph_id", ""),
		Definition: *def,
		CronExpr:   cronExpr,
		Input:      mcp.ParseStringMap(req, "input", nil),
		Enabled:    true,
		CreatedAt:  now,
	}
	if createErr := s.store.CreateSchedule(ctx, sched); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create schedule: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"schedule_id": sched.ID,
		"next_run":    next.Format(time.RFC3339),
	})
}

// handleTools lists the tools available to tool and work nodes.
func (s *RunloomServer) handleTools(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.tools == nil {
		return marshalResult(map[string]any{"tools": []any{}})
	}
	return marshalResult(map[string]any{"tools": s.tools.List()})
}

// --- Internal helpers ---

// parseDefinition extracts and decodes the graph definition argument.
func parseDefinition(req mcp.CallToolRequest) (*schema.GraphDefinition, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, fmt.Errorf("definition is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	var def schema.GraphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	return &def, nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
