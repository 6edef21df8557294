package tools

import (
	"context"
	"encoding/json"
)

// Tool is a directly invokable capability, used by tool nodes and by
// work-node agent loops when a model requests a tool call.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Invoke(ctx context.Context, input Input) (*Result, error)
}

// Input is the data provided to a tool at invocation time. Params carries
// structured arguments; Text carries the derived free-form input (usually
// the last message content) for tools that accept plain text.
type Input struct {
	Params map[string]any `json:"params,omitempty"`
	Text   string         `json:"text,omitempty"`
}

// Result is the outcome of a tool invocation. Content is the text fed
// back into the message history; Data carries the structured payload.
type Result struct {
	Content string          `json:"content"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
