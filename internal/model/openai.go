package model

import (
	"context"
	"encoding/json"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/runloom/runloom/pkg/schema"
)

// OpenAIBackend talks to an OpenAI-compatible chat completion endpoint.
type OpenAIBackend struct {
	client openai.Client
}

// OpenAIConfig selects the endpoint and credentials. An empty BaseURL uses
// the default OpenAI API; pointing it elsewhere works for any compatible
// provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	var opts []openaiopt.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, openaiopt.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...)}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Stream(ctx context.Context, req Request, onDelta func(string)) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: convertMessages(req),
		Tools:    convertTools(req.Tools),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" && onDelta != nil {
				onDelta(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeModel, "model %s stream failed", req.Model).WithCause(err)
	}
	if len(acc.Choices) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeModel, "model %s returned no choices", req.Model)
	}

	choice := acc.Choices[0]
	msg := schema.Message{
		Role:    schema.RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		// the accumulator can surface an empty placeholder when providers
		// start tool call indexes above zero
		if tc.ID == "" && tc.Function.Name == "" {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	return &Completion{
		Message: msg,
		Usage: Usage{
			PromptTokens:     int(acc.Usage.PromptTokens),
			CompletionTokens: int(acc.Usage.CompletionTokens),
			TotalTokens:      int(acc.Usage.TotalTokens),
		},
		FinishReason: string(choice.FinishReason),
	}, nil
}

func convertMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(req.SystemPrompt),
				},
			},
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case schema.RoleAssistant:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
					ToolCalls: convertToolCalls(msg.ToolCalls),
				},
			})
		case schema.RoleTool:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
					ToolCallID: msg.ToolCallID,
				},
			})
		case schema.RoleSystem:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		default:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		}
	}
	return out
}

func convertToolCalls(calls []schema.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	var out []openai.ChatCompletionMessageToolCallParam
	for _, call := range calls {
		out = append(out, openai.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		})
	}
	return out
}

func convertTools(tools []ToolDecl) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, decl := range tools {
		var params shared.FunctionParameters
		if len(decl.InputSchema) > 0 {
			if err := json.Unmarshal(decl.InputSchema, &params); err != nil {
				continue
			}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        decl.Name,
				Description: openai.String(decl.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

var _ Backend = (*OpenAIBackend)(nil)
