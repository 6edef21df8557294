package store

import (
	"context"
	"fmt"
	"time"

	"github.com/runloom/runloom/pkg/schema"
)

// EventLog provides replay and timeline reconstruction on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide replay operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// NodeTimeline is the reconstructed view of one node's activity in a run.
type NodeTimeline struct {
	NodeID      string     `json:"node_id"`
	Status      string     `json:"status"`
	Executions  int        `json:"executions"`
	ToolCalls   int        `json:"tool_calls"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// Replay reads a run's full event log, verifies sequence contiguity, and
// reconstructs per-node timelines. A sequence gap means events were lost
// and the reconstruction cannot be trusted.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*NodeTimeline, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return map[string]*NodeTimeline{}, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	timelines := make(map[string]*NodeTimeline)

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		tl, ok := timelines[e.NodeID]
		if !ok {
			tl = &NodeTimeline{NodeID: e.NodeID, Status: "pending"}
			timelines[e.NodeID] = tl
		}

		switch e.Type {
		case schema.EventNodeStarted:
			tl.Status = "running"
			tl.Executions++
			ts := e.Timestamp
			tl.StartedAt = &ts

		case schema.EventNodeCompleted:
			tl.Status = schema.OutcomeCompleted
			ts := e.Timestamp
			tl.CompletedAt = &ts
			if tl.StartedAt != nil {
				tl.DurationMs = ts.Sub(*tl.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			tl.Status = schema.OutcomeFailed

		case schema.EventToolCalled:
			tl.ToolCalls++

		case schema.EventApprovalRequired:
			tl.Status = schema.OutcomePendingApproval
		}
	}

	return timelines, nil
}

// List exposes the paginated historical event query.
func (el *EventLog) List(ctx context.Context, runID string, filter EventFilter) ([]*Event, error) {
	return el.store.ListEvents(ctx, runID, filter)
}
