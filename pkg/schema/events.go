package schema

import "time"

// Event type constants for the per-run event stream and the persisted log.
const (
	EventRunStarted   = "run_started"
	EventRunComplete  = "complete"
	EventRunError     = "error"
	EventRunCancelled = "cancelled"
	EventKeepalive    = "keepalive"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeRetrying  = "node_retrying"

	EventMessageDelta = "message_delta" // buffered token flush
	EventModelStarted = "model_started"
	EventModelEnded   = "model_ended"
	EventToolCalled   = "tool_called"
	EventToolResult   = "tool_result"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopIteration      = "loop_iteration"
	EventApprovalRequired   = "approval_required"
	EventApprovalResolved   = "approval_resolved"
	EventCheckpointSaved    = "checkpoint_saved"
)

// ExecutionEvent is one entry in a run's event stream. Sequence is
// monotonically increasing per run; subscribers treat gaps as loss.
type ExecutionEvent struct {
	Sequence  int64          `json:"sequence_number"`
	RunID     string         `json:"run_id"`
	Type      string         `json:"type"`
	NodeID    string         `json:"node_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Terminal reports whether subscribers may stop listening after the event.
func (e *ExecutionEvent) Terminal() bool {
	return e.Type == EventRunComplete || e.Type == EventRunError || e.Type == EventRunCancelled
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending          RunStatus = "pending"
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
	RunStatusInterrupted      RunStatus = "interrupted"
)

// ValidRunTransitions defines the run lifecycle state machine.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:          {RunStatusRunning, RunStatusCancelled, RunStatusFailed},
	RunStatusRunning:          {RunStatusAwaitingApproval, RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusInterrupted},
	RunStatusAwaitingApproval: {RunStatusRunning, RunStatusCancelled, RunStatusFailed},
	RunStatusInterrupted:      {RunStatusRunning, RunStatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to RunStatus) bool {
	for _, next := range ValidRunTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalStatus reports whether a status admits no further transitions.
func (s RunStatus) TerminalStatus() bool {
	return len(ValidRunTransitions[s]) == 0
}
