package model

import (
	"context"
	"sync"

	"github.com/runloom/runloom/pkg/schema"
)

// ScriptedBackend replays a fixed sequence of completions. Each Stream call
// consumes the next scripted step, chunking its text through onDelta. Used
// by engine tests and by the local dry-run mode.
type ScriptedBackend struct {
	mu       sync.Mutex
	steps    []Completion
	next     int
	requests []Request

	// ChunkSize controls how scripted text is split into deltas. Zero
	// streams the whole message as one delta.
	ChunkSize int
}

func NewScriptedBackend(steps ...Completion) *ScriptedBackend {
	return &ScriptedBackend{steps: steps}
}

// Reply is a convenience constructor for a plain assistant text step.
func Reply(text string) Completion {
	return Completion{
		Message:      schema.Message{Role: schema.RoleAssistant, Content: text},
		Usage:        Usage{PromptTokens: len(text), CompletionTokens: len(text), TotalTokens: 2 * len(text)},
		FinishReason: "stop",
	}
}

// ToolCallReply is a convenience constructor for a tool-call step.
func ToolCallReply(calls ...schema.ToolCall) Completion {
	return Completion{
		Message:      schema.Message{Role: schema.RoleAssistant, ToolCalls: calls},
		FinishReason: "tool_calls",
	}
}

func (b *ScriptedBackend) Name() string { return "scripted" }

func (b *ScriptedBackend) Stream(ctx context.Context, req Request, onDelta func(string)) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeModel, "context cancelled").WithCause(err)
	}

	b.mu.Lock()
	b.requests = append(b.requests, req)
	if b.next >= len(b.steps) {
		b.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeModel, "scripted backend exhausted")
	}
	step := b.steps[b.next]
	b.next++
	chunk := b.ChunkSize
	b.mu.Unlock()

	if onDelta != nil && step.Message.Content != "" {
		text := step.Message.Content
		if chunk <= 0 {
			chunk = len(text)
		}
		for i := 0; i < len(text); i += chunk {
			end := i + chunk
			if end > len(text) {
				end = len(text)
			}
			onDelta(text[i:end])
		}
	}
	return &step, nil
}

// Requests returns a copy of every request seen so far.
func (b *ScriptedBackend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, len(b.requests))
	copy(out, b.requests)
	return out
}

var _ Backend = (*ScriptedBackend)(nil)
