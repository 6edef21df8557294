package schema

import "encoding/json"

// GraphDefinition is the JSON-serializable node/edge format authored by
// external editors. It is untrusted input until validated and compiled.
type GraphDefinition struct {
	Nodes    []NodeSpec     `json:"nodes"`
	Edges    []EdgeSpec     `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NodeSpec describes a single node in a graph. Config is kind-specific
// and decoded lazily by the builder.
type NodeSpec struct {
	ID       string          `json:"id"`
	Kind     NodeKind        `json:"kind"`
	Config   json.RawMessage `json:"config,omitempty"`
	NonFatal bool            `json:"non_fatal,omitempty"` // failure records an error but does not halt the run
}

// DecodeConfig unmarshals the kind-specific config block into dst. An
// absent config decodes as the zero value.
func (n *NodeSpec) DecodeConfig(dst any) error {
	if len(n.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Config, dst); err != nil {
		return NewErrorf(ErrCodeGraphValidation, "node %s has invalid config", n.ID).
			WithNode(n.ID).WithCause(err)
	}
	return nil
}

// EdgeSpec describes a transition between two nodes. Label selects a
// branch when the source is a conditional or loop node.
type EdgeSpec struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// NodeKind enumerates the behavioral categories of nodes.
type NodeKind string

const (
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
	NodeKindWork        NodeKind = "work"
	NodeKindTool        NodeKind = "tool"
	NodeKindConditional NodeKind = "conditional"
	NodeKindLoop        NodeKind = "loop"
	NodeKindApproval    NodeKind = "approval"
	NodeKindCheckpoint  NodeKind = "checkpoint"
	NodeKindOutput      NodeKind = "output"
)

// Executable reports whether the kind participates in execution.
// Start and end are meta markers resolved away at compile time.
func (k NodeKind) Executable() bool {
	return k != NodeKindStart && k != NodeKindEnd
}

// KnownNodeKinds is the closed set accepted by the builder.
var KnownNodeKinds = map[NodeKind]bool{
	NodeKindStart:       true,
	NodeKindEnd:         true,
	NodeKindWork:        true,
	NodeKindTool:        true,
	NodeKindConditional: true,
	NodeKindLoop:        true,
	NodeKindApproval:    true,
	NodeKindCheckpoint:  true,
	NodeKindOutput:      true,
}

// WorkConfig is the config block for work nodes.
type WorkConfig struct {
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	MaxTurns     int      `json:"max_turns,omitempty"`       // tool-loop bound within one node
	NeedsSession bool     `json:"needs_session,omitempty"`   // requires the run's long-lived session resource
}

// ToolConfig is the config block for tool nodes.
type ToolConfig struct {
	Tool   string          `json:"tool"`
	Input  string          `json:"input,omitempty"`  // jq expression over state; default ".last_message"
	Params json.RawMessage `json:"params,omitempty"` // explicit params, takes precedence over Input
}

// ConditionalConfig is the config block for conditional nodes.
type ConditionalConfig struct {
	Expression   string `json:"expression"`
	Lang         string `json:"lang,omitempty"` // expr | cel (default: expr)
	DefaultRoute string `json:"default_route,omitempty"`
}

// LoopNodeConfig is the config block for loop nodes.
type LoopNodeConfig struct {
	MaxIterations  int    `json:"max_iterations"`
	ExitExpression string `json:"exit_expression,omitempty"`
	Lang           string `json:"lang,omitempty"` // expr | cel (default: expr)
}

// ApprovalConfig is the config block for approval nodes.
type ApprovalConfig struct {
	Message string `json:"message,omitempty"`
}

// OutputConfig is the config block for output nodes.
type OutputConfig struct {
	Projection string `json:"projection,omitempty"` // jq expression over state; default: last message content
}

// Routing labels with reserved meaning on conditional and loop edges.
const (
	RouteContinue = "continue"
	RouteExit     = "exit"
	RouteApprove  = "approve"
	RouteReject   = "reject"
	RouteDefault  = "default"
)
