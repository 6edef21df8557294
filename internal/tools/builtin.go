package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"text/template"

	"github.com/runloom/runloom/internal/expressions"
	"github.com/runloom/runloom/pkg/schema"
)

// Builtins returns the tools available in every default registry.
func Builtins() []Tool {
	return []Tool{
		NewHTTPTool(),
		&EchoTool{},
		&TemplateTool{},
		NewJQTool(),
	}
}

// EchoTool returns its input unchanged. Useful for graph smoke tests.
type EchoTool struct{}

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "Returns the provided text unchanged" }

func (t *EchoTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
}

func (t *EchoTool) Invoke(_ context.Context, input Input) (*Result, error) {
	text := stringParam(input.Params, "text", input.Text)
	data, _ := json.Marshal(map[string]any{"text": text})
	return &Result{Content: text, Data: data}, nil
}

// TemplateTool renders a Go text/template over the structured params.
type TemplateTool struct{}

func (t *TemplateTool) Name() string        { return "template.render" }
func (t *TemplateTool) Description() string { return "Renders a Go template over the given values" }

func (t *TemplateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "template": {"type": "string"},
    "values": {"type": "object"}
  },
  "required": ["template"]
}`)
}

func (t *TemplateTool) Invoke(_ context.Context, input Input) (*Result, error) {
	src := stringParam(input.Params, "template", "")
	if src == "" {
		return nil, schema.NewError(schema.ErrCodeTool, "template.render requires a template parameter")
	}
	tmpl, err := template.New("tool").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTool, "invalid template").WithCause(err)
	}

	values, _ := input.Params["values"].(map[string]any)
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return nil, schema.NewError(schema.ErrCodeTool, "template execution failed").WithCause(err)
	}
	return &Result{Content: buf.String()}, nil
}

// JQTool evaluates a jq expression over the provided data.
type JQTool struct {
	engine *expressions.GoJQEngine
}

func NewJQTool() *JQTool {
	return &JQTool{engine: expressions.NewGoJQEngine()}
}

func (t *JQTool) Name() string        { return "jq.query" }
func (t *JQTool) Description() string { return "Evaluates a jq expression against the given data" }

func (t *JQTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "data": {}
  },
  "required": ["query"]
}`)
}

func (t *JQTool) Invoke(ctx context.Context, input Input) (*Result, error) {
	query := stringParam(input.Params, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeTool, "jq.query requires a query parameter")
	}

	result, err := t.engine.Evaluate(ctx, query, map[string]any{"data": input.Params["data"]})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTool, "jq evaluation failed").WithCause(err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTool, "failed to encode jq result").WithCause(err)
	}
	return &Result{Content: string(data), Data: data}, nil
}
