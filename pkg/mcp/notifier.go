package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"github.com/runloom/runloom/internal/streaming"
	"github.com/runloom/runloom/pkg/schema"
)

// notificationMethod is the MCP method used for pushed run events.
const notificationMethod = "notifications/runloom/event"

// RunNotifier forwards live execution events from the bus to the MCP
// sessions watching each run. One forwarding goroutine exists per
// watched run; it stops at the run's terminal event.
type RunNotifier struct {
	mcpServer *server.MCPServer
	watchers  *WatchRegistry
	bus       streaming.EventBus
	logger    *slog.Logger
	subOpts   []streaming.SubscribeOption

	mu     sync.Mutex
	active map[string]func() // runID → unsubscribe
}

// NewRunNotifier creates a notifier bridging the event bus to MCP push.
func NewRunNotifier(mcpServer *server.MCPServer, watchers *WatchRegistry, bus streaming.EventBus, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{
		mcpServer: mcpServer,
		watchers:  watchers,
		bus:       bus,
		logger:    logger,
		active:    make(map[string]func()),
	}
}

// Watch ensures a forwarding subscription exists for the run. Safe to
// call for every runloom.watch request; only the first call subscribes.
func (n *RunNotifier) Watch(ctx context.Context, runID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.active[runID]; ok {
		return nil
	}

	events, unsubscribe, err := n.bus.Subscribe(context.WithoutCancel(ctx), streaming.Filter{RunID: runID}, n.subOpts...)
	if err != nil {
		return err
	}
	n.active[runID] = unsubscribe

	go n.forward(runID, events)
	return nil
}

// forward pushes each event to the run's watchers until the terminal
// event arrives or the subscription channel closes.
func (n *RunNotifier) forward(runID string, events <-chan schema.ExecutionEvent) {
	defer n.stop(runID)
	for event := range events {
		n.push(runID, &event)
		if event.Terminal() {
			return
		}
	}
}

// push sends one event to every watching session. Best-effort: expired
// sessions are pruned, other send failures are logged and skipped.
func (n *RunNotifier) push(runID string, event *schema.ExecutionEvent) {
	payload := map[string]any{
		"run_id":          event.RunID,
		"type":            event.Type,
		"sequence_number": event.Sequence,
		"timestamp":       event.Timestamp,
	}
	if event.NodeID != "" {
		payload["node_id"] = event.NodeID
	}
	if len(event.Payload) > 0 {
		payload["payload"] = event.Payload
	}

	for _, sessionID := range n.watchers.Sessions(runID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.watchers.Remove(sessionID)
			continue
		}
		if err != nil {
			n.logger.Warn("failed to push run event", "run_id", runID, "session_id", sessionID, "error", err)
		}
	}
}

// stop tears down the run's subscription and drops its watchers.
func (n *RunNotifier) stop(runID string) {
	n.mu.Lock()
	unsubscribe := n.active[runID]
	delete(n.active, runID)
	n.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	n.watchers.RemoveRun(runID)
}
