package model

import (
	"context"
	"encoding/json"

	"github.com/runloom/runloom/pkg/schema"
)

// ToolDecl describes a tool exposed to the model for function calling.
type ToolDecl struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a single chat completion request built by a work node.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []schema.Message
	Tools        []ToolDecl
	Temperature  *float64
	MaxTokens    *int
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the fully accumulated result of a streamed chat completion.
// Message carries either assistant text or requested tool calls.
type Completion struct {
	Message      schema.Message
	Usage        Usage
	FinishReason string
}

// Backend is a streaming generative-model client. Implementations invoke
// onDelta for each text fragment as it arrives and return the accumulated
// completion once the stream ends.
type Backend interface {
	Name() string
	Stream(ctx context.Context, req Request, onDelta func(delta string)) (*Completion, error)
}
