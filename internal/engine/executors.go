package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/runloom/runloom/internal/expressions"
	"github.com/runloom/runloom/internal/model"
	"github.com/runloom/runloom/internal/tools"
	"github.com/runloom/runloom/pkg/schema"
)

const (
	// defaultMaxTurns bounds the tool loop inside one work node.
	defaultMaxTurns = 5

	// malformedCallRetries is how many times a work node retries when the
	// model signals tool use but emits no tool call.
	malformedCallRetries = 2
)

// execEnv carries the per-run dependencies shared by all node executors.
type execEnv struct {
	emitter *emitter
	engines *expressions.Engines
	interp  *expressions.Interpolator
	tools   *tools.Registry
	backend model.Backend
	logger  *slog.Logger

	defaultModel string

	// saveCheckpoint snapshots the current run state, returning the new
	// checkpoint version.
	saveCheckpoint func(ctx context.Context) (int64, error)
}

// executorFunc is the execution strategy for one node kind: a function of
// the current state and the node spec, returning the state delta.
type executorFunc func(ctx context.Context, env *execEnv, state *schema.RunState, node *schema.NodeSpec) (*schema.Delta, error)

// nodeExecutors dispatches by node kind.
var nodeExecutors = map[schema.NodeKind]executorFunc{
	schema.NodeKindWork:        executeWork,
	schema.NodeKindTool:        executeTool,
	schema.NodeKindConditional: executeConditional,
	schema.NodeKindLoop:        executeLoop,
	schema.NodeKindApproval:    executeApproval,
	schema.NodeKindCheckpoint:  executeCheckpoint,
	schema.NodeKindOutput:      executeOutput,
}

// executeWork drives a model agent loop: prompt the model with the
// accumulated history, execute any requested tool calls, feed results
// back, and return only the newly produced messages.
func executeWork(ctx context.Context, env *execEnv, state *schema.RunState, node *schema.NodeSpec) (*schema.Delta, error) {
	var cfg schema.WorkConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if env.backend == nil {
		return nil, schema.NewError(schema.ErrCodeResourceInit, "no model backend configured").WithNode(node.ID)
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = env.defaultModel
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	var decls []model.ToolDecl
	for _, name := range cfg.Tools {
		tool, err := env.tools.Get(name)
		if err != nil {
			return nil, err
		}
		decls = append(decls, model.ToolDecl{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}

	// Conversation seen by the model: prior history plus this node's
	// interpolated prompt. Only messages produced here go into the delta.
	convo := make([]schema.Message, len(state.Messages))
	copy(convo, state.Messages)
	var produced []schema.Message

	if cfg.Prompt != "" {
		prompt, err := env.interp.Resolve(cfg.Prompt, state)
		if err != nil {
			return nil, err
		}
		userMsg := schema.Message{Role: schema.RoleUser, Content: prompt, Name: node.ID}
		convo = append(convo, userMsg)
		produced = append(produced, userMsg)
	}

	buffer := newTokenBuffer(env.emitter, node.ID)
	retries := 0

	for turn := 0; turn < maxTurns; turn++ {
		env.emitter.Emit(ctx, schema.EventModelStarted, node.ID, map[string]any{
			"model": modelName,
			"turn":  turn,
		})

		completion, err := env.backend.Stream(ctx, model.Request{
			Model:        modelName,
			SystemPrompt: cfg.SystemPrompt,
			Messages:     convo,
			Tools:        decls,
			Temperature:  cfg.Temperature,
			MaxTokens:    maxTokensPtr(cfg.MaxTokens),
		}, func(delta string) {
			buffer.Add(ctx, delta)
		})
		buffer.Flush(ctx)
		if err != nil {
			return nil, err
		}

		env.emitter.Emit(ctx, schema.EventModelEnded, node.ID, map[string]any{
			"model":             modelName,
			"turn":              turn,
			"finish_reason":     completion.FinishReason,
			"prompt_tokens":     completion.Usage.PromptTokens,
			"completion_tokens": completion.Usage.CompletionTokens,
			"cost_usd":          model.EstimateCost(modelName, completion.Usage),
		})

		// A model that claims tool use without emitting a call is
		// retried client-side a couple of times before failing.
		if completion.FinishReason == "tool_calls" && len(completion.Message.ToolCalls) == 0 {
			if retries >= malformedCallRetries {
				return nil, schema.NewErrorf(schema.ErrCodeModel,
					"model %s signalled tool use without a tool call after %d retries",
					modelName, retries).WithNode(node.ID)
			}
			retries++
			env.emitter.Emit(ctx, schema.EventNodeRetrying, node.ID, map[string]any{
				"attempt": retries,
				"cause":   "malformed_tool_call",
			})
			continue
		}

		assistant := completion.Message
		assistant.Name = node.ID
		convo = append(convo, assistant)
		produced = append(produced, assistant)

		if len(assistant.ToolCalls) == 0 {
			return &schema.Delta{Messages: produced}, nil
		}

		for _, call := range assistant.ToolCalls {
			result, err := invokeToolCall(ctx, env, node.ID, call)
			if err != nil {
				return nil, err
			}
			toolMsg := schema.Message{
				Role:       schema.RoleTool,
				Content:    result.Content,
				Name:       call.Name,
				ToolCallID: call.ID,
			}
			convo = append(convo, toolMsg)
			produced = append(produced, toolMsg)
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
		"work node exceeded %d turns without a final response", maxTurns).WithNode(node.ID)
}

func invokeToolCall(ctx context.Context, env *execEnv, nodeID string, call schema.ToolCall) (*tools.Result, error) {
	tool, err := env.tools.Get(call.Name)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTool,
				"tool %s received unparseable arguments", call.Name).WithNode(nodeID).WithCause(err)
		}
	}

	env.emitter.Emit(ctx, schema.EventToolCalled, nodeID, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
	})
	result, err := tool.Invoke(ctx, tools.Input{Params: params})
	if err != nil {
		return nil, err
	}
	env.emitter.Emit(ctx, schema.EventToolResult, nodeID, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
		"size":    len(result.Content),
	})
	return result, nil
}

// executeTool calls a single registered tool directly, no model involved.
// Input is either explicit interpolated params or a jq projection of the
// state, defaulting to the last message content.
func executeTool(ctx context.Context, env *execEnv, state *schema.RunState, node *schema.NodeSpec) (*schema.Delta, error) {
	var cfg schema.ToolConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	tool, err := env.tools.Get(cfg.Tool)
	if err != nil {
		return nil, err
	}

	input := tools.Input{}
	if len(cfg.Params) > 0 {
		resolved, err := env.interp.ResolveRaw(cfg.Params, state)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(resolved, &input.Params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeGraphValidation,
				"tool node %s params must be an object", node.ID).WithNode(node.ID).WithCause(err)
		}
	} else {
		projection := cfg.Input
		if projection == "" {
			projection = ".state.last_message"
		}
		value, err := env.engines.JQ.Evaluate(ctx, projection, state.EvalContext())
		if err != nil {
			return nil, err
		}
		switch v := value.(type) {
		case string:
			input.Text = v
		case map[string]any:
			input.Params = v
		default:
			input.Text = fmt.Sprint(v)
		}
	}

	env.emitter.Emit(ctx, schema.EventToolCalled, node.ID, map[string]any{"tool": cfg.Tool})
	result, err := tool.Invoke(ctx, input)
	if err != nil {
		return nil, err
	}
	env.emitter.Emit(ctx, schema.EventToolResult, node.ID, map[string]any{
		"tool": cfg.Tool,
		"size": len(result.Content),
	})

	return &schema.Delta{Messages: []schema.Message{{
		Role:    schema.RoleTool,
		Content: result.Content,
		Name:    cfg.Tool,
	}}}, nil
}

// executeConditional evaluates the routing expression against the
// restricted state context. Evaluator failures fall back to the declared
// default route instead of aborting the run.
func executeConditional(ctx context.Context, env *execEnv, state *schema.RunState, node *schema.NodeSpec) (*schema.Delta, error) {
	var cfg schema.ConditionalConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	route := cfg.DefaultRoute
	if route == "" {
		route = schema.RouteDefault
	}
	fellBack := false

	value, err := env.engines.ForLang(cfg.Lang).Evaluate(ctx, cfg.Expression, state.EvalContext())
	if err != nil {
		env.logger.Warn("conditional evaluation failed, using default route",
			"node_id", node.ID, "route", route, "error", err)
		fellBack = true
	} else {
		route = routeLabel(value)
	}

	env.emitter.Emit(ctx, schema.EventConditionEvaluated, node.ID, map[string]any{
		"route":    route,
		"fallback": fellBack,
	})
	return &schema.Delta{ConditionalRoute: schema.StrPtr(route)}, nil
}

// routeLabel converts an expression result into a branch label.
func routeLabel(value any) string {
	switch v := value.(type) {
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		return v
	case nil:
		return schema.RouteDefault
	default:
		return fmt.Sprint(v)
	}
}

// executeLoop increments the per-node iteration counter and routes to
// exit when the bound is reached or the optional exit predicate holds.
func executeLoop(ctx context.Context, env *execEnv, state *schema.RunState, node *schema.NodeSpec) (*schema.Delta, error) {
	var cfg schema.LoopNodeConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	iteration := state.LoopIterations[node.ID] + 1
	route := schema.RouteContinue

	if iteration >= cfg.MaxIterations {
		route = schema.RouteExit
	} else if cfg.ExitExpression != "" {
		value, err := env.engines.ForLang(cfg.Lang).Evaluate(ctx, cfg.ExitExpression, state.EvalContext())
		if err != nil {
			env.logger.Warn("loop exit predicate failed, continuing",
				"node_id", node.ID, "iteration", iteration, "error", err)
		} else if truthy(value) {
			route = schema.RouteExit
		}
	}

	env.emitter.Emit(ctx, schema.EventLoopIteration, node.ID, map[string]any{
		"iteration": iteration,
		"max":       cfg.MaxIterations,
		"route":     route,
	})
	return &schema.Delta{
		LoopIterations: map[string]int{node.ID: iteration},
		LoopRoute:      schema.StrPtr(route),
	}, nil
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// executeApproval gates the run on a human decision. Without a decision
// it marks the run awaiting approval; with one it routes the decision as
// the branch label and clears the gate.
func executeApproval(ctx context.Context, env *execEnv, state *schema.RunState, node *schema.NodeSpec) (*schema.Delta, error) {
	var cfg schema.ApprovalConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	if state.ApprovalDecision != "" {
		decision := state.ApprovalDecision
		env.emitter.Emit(ctx, schema.EventApprovalResolved, node.ID, map[string]any{"decision": decision})
		return &schema.Delta{
			ConditionalRoute: schema.StrPtr(decision),
			ApprovalDecision: schema.StrPtr(""),
			AwaitingApproval: schema.BoolPtr(false),
		}, nil
	}

	message := cfg.Message
	if message != "" {
		resolved, err := env.interp.Resolve(message, state)
		if err == nil {
			message = resolved
		}
	}
	env.emitter.Emit(ctx, schema.EventApprovalRequired, node.ID, map[string]any{"message": message})
	return &schema.Delta{AwaitingApproval: schema.BoolPtr(true)}, nil
}

// executeCheckpoint persists a snapshot of the current state and returns
// with no state change.
func executeCheckpoint(ctx context.Context, env *execEnv, _ *schema.RunState, node *schema.NodeSpec) (*schema.Delta, error) {
	version, err := env.saveCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	env.emitter.Emit(ctx, schema.EventCheckpointSaved, node.ID, map[string]any{"version": version})
	return &schema.Delta{}, nil
}

// executeOutput projects the accumulated state into the run result.
func executeOutput(ctx context.Context, env *execEnv, state *schema.RunState, node *schema.NodeSpec) (*schema.Delta, error) {
	var cfg schema.OutputConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	if cfg.Projection == "" {
		last := ""
		if m := state.LastMessage(); m != nil {
			last = m.Content
		}
		return &schema.Delta{Result: last}, nil
	}

	value, err := env.engines.JQ.Evaluate(ctx, cfg.Projection, state.EvalContext())
	if err != nil {
		return nil, err
	}
	return &schema.Delta{Result: value}, nil
}

func maxTokensPtr(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
