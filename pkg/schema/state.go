package schema

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in the accumulated conversation history.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`        // producing node or tool name
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by a model response.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// StepOutcome is one entry in the append-only per-node outcome log.
type StepOutcome struct {
	NodeID     string        `json:"node_id"`
	Kind       NodeKind      `json:"kind"`
	Status     string        `json:"status"` // completed | failed | skipped | pending_approval
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Attempts   int           `json:"attempts,omitempty"`
}

// Step outcome statuses.
const (
	OutcomeCompleted       = "completed"
	OutcomeFailed          = "failed"
	OutcomePendingApproval = "pending_approval"
)

// RunState is the single mutable entity of a run. It is mutated only by
// the run loop goroutine, via Apply, so it carries no locking.
type RunState struct {
	Input            map[string]any `json:"input,omitempty"`
	Messages         []Message      `json:"messages"`
	CurrentNode      string         `json:"current_node,omitempty"`
	StepHistory      []StepOutcome  `json:"step_history"`
	ConditionalRoute string         `json:"conditional_route,omitempty"`
	LoopRoute        string         `json:"loop_route,omitempty"`
	LoopIterations   map[string]int `json:"loop_iterations,omitempty"`
	ApprovalDecision string         `json:"approval_decision,omitempty"`
	AwaitingApproval bool           `json:"awaiting_approval,omitempty"`
	Result           any            `json:"result,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// NewRunState creates the initial state for a run.
func NewRunState(input map[string]any) *RunState {
	return &RunState{
		Input:          input,
		Messages:       []Message{},
		StepHistory:    []StepOutcome{},
		LoopIterations: map[string]int{},
	}
}

// Delta is the partial state returned by a node executor. Reducer
// semantics: list fields are appended, map entries merged, non-nil
// scalars overwrite.
type Delta struct {
	Messages         []Message
	StepHistory      []StepOutcome
	ConditionalRoute *string
	LoopRoute        *string
	LoopIterations   map[string]int
	ApprovalDecision *string
	AwaitingApproval *bool
	Result           any
	ErrorMessage     *string
}

// Apply merges a delta into the state.
func (s *RunState) Apply(d *Delta) {
	if d == nil {
		return
	}
	s.Messages = append(s.Messages, d.Messages...)
	s.StepHistory = append(s.StepHistory, d.StepHistory...)
	if d.ConditionalRoute != nil {
		s.ConditionalRoute = *d.ConditionalRoute
	}
	if d.LoopRoute != nil {
		s.LoopRoute = *d.LoopRoute
	}
	for id, n := range d.LoopIterations {
		if s.LoopIterations == nil {
			s.LoopIterations = map[string]int{}
		}
		s.LoopIterations[id] = n
	}
	if d.ApprovalDecision != nil {
		s.ApprovalDecision = *d.ApprovalDecision
	}
	if d.AwaitingApproval != nil {
		s.AwaitingApproval = *d.AwaitingApproval
	}
	if d.Result != nil {
		s.Result = d.Result
	}
	if d.ErrorMessage != nil {
		s.ErrorMessage = *d.ErrorMessage
	}
}

// LastMessage returns the most recent message, or nil.
func (s *RunState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// EvalContext projects the state into the restricted map exposed to
// conditional and loop expressions.
func (s *RunState) EvalContext() map[string]any {
	last := ""
	if m := s.LastMessage(); m != nil {
		last = m.Content
	}
	iters := map[string]any{}
	for k, v := range s.LoopIterations {
		iters[k] = v
	}
	return map[string]any{
		"state": map[string]any{
			"input":             s.Input,
			"last_message":      last,
			"message_count":     len(s.Messages),
			"step_count":        len(s.StepHistory),
			"conditional_route": s.ConditionalRoute,
			"loop_route":        s.LoopRoute,
			"loop_iterations":   iters,
			"error_message":     s.ErrorMessage,
		},
	}
}

// Snapshot serializes the state for checkpointing.
func (s *RunState) Snapshot() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, NewError(ErrCodeStore, "marshal state snapshot").WithCause(err)
	}
	return raw, nil
}

// RestoreState deserializes a checkpoint snapshot.
func RestoreState(raw json.RawMessage) (*RunState, error) {
	var s RunState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, NewError(ErrCodeStore, "unmarshal state snapshot").WithCause(err)
	}
	if s.LoopIterations == nil {
		s.LoopIterations = map[string]int{}
	}
	return &s, nil
}

// StrPtr returns a pointer to s, for building deltas.
func StrPtr(s string) *string { return &s }

// BoolPtr returns a pointer to b, for building deltas.
func BoolPtr(b bool) *bool { return &b }
