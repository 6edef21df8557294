package engine

import (
	"context"
	"encoding/json"

	"github.com/runloom/runloom/internal/store"
	"github.com/runloom/runloom/pkg/schema"
)

// NodeTelemetry aggregates per-node counters from the persisted event log.
type NodeTelemetry struct {
	Executions       int     `json:"executions"`
	ToolCalls        int     `json:"tool_calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Telemetry is the post-run rollup attached to the final result.
type Telemetry struct {
	Nodes        map[string]*NodeTelemetry `json:"nodes"`
	TotalTokens  int                       `json:"total_tokens"`
	TotalCostUSD float64                   `json:"total_cost_usd"`
	EventCount   int                       `json:"event_count"`
}

// EventReader is the slice of the store telemetry reads from.
type EventReader interface {
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// aggregateTelemetry rolls the persisted event log up into per-node tool
// and token counters. Runs after the loop exits so it never blocks
// execution.
func aggregateTelemetry(ctx context.Context, reader EventReader, runID string) (*Telemetry, error) {
	events, err := reader.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	tel := &Telemetry{Nodes: make(map[string]*NodeTelemetry), EventCount: len(events)}
	nodeOf := func(id string) *NodeTelemetry {
		n, ok := tel.Nodes[id]
		if !ok {
			n = &NodeTelemetry{}
			tel.Nodes[id] = n
		}
		return n
	}

	for _, event := range events {
		if event.NodeID == "" {
			continue
		}
		switch event.Type {
		case schema.EventNodeStarted:
			nodeOf(event.NodeID).Executions++
		case schema.EventToolCalled:
			nodeOf(event.NodeID).ToolCalls++
		case schema.EventModelEnded:
			var payload struct {
				PromptTokens     int     `json:"prompt_tokens"`
				CompletionTokens int     `json:"completion_tokens"`
				CostUSD          float64 `json:"cost_usd"`
			}
			if len(event.Payload) == 0 {
				continue
			}
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				continue
			}
			n := nodeOf(event.NodeID)
			n.PromptTokens += payload.PromptTokens
			n.CompletionTokens += payload.CompletionTokens
			n.CostUSD += payload.CostUSD
			tel.TotalTokens += payload.PromptTokens + payload.CompletionTokens
			tel.TotalCostUSD += payload.CostUSD
		}
	}
	return tel, nil
}
