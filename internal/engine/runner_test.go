package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/model"
	"github.com/runloom/runloom/internal/store"
	"github.com/runloom/runloom/internal/streaming"
	"github.com/runloom/runloom/pkg/schema"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine_test.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEngine(t *testing.T, st store.Store, backend model.Backend, cfg Config) (*Engine, streaming.EventBus) {
	t.Helper()
	bus := streaming.NewMemoryBus()
	t.Cleanup(bus.Close)
	eng, err := New(Options{
		Store:   st,
		Bus:     bus,
		Backend: backend,
		Config:  cfg,
	})
	require.NoError(t, err)
	return eng, bus
}

func seedRun(t *testing.T, st store.Store, def schema.GraphDefinition, input map[string]any) *store.Run {
	t.Helper()
	run := &store.Run{
		ID:         uuid.NewString(),
		Definition: def,
		Status:     schema.RunStatusPending,
		Input:      input,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

func workNode(id, prompt string) schema.NodeSpec {
	cfg, _ := json.Marshal(map[string]any{"prompt": prompt})
	return schema.NodeSpec{ID: id, Kind: schema.NodeKindWork, Config: cfg}
}

func linearDef(nodes ...schema.NodeSpec) schema.GraphDefinition {
	def := schema.GraphDefinition{
		Nodes: []schema.NodeSpec{{ID: "start", Kind: schema.NodeKindStart}},
		Edges: []schema.EdgeSpec{{Source: "start", Target: nodes[0].ID}},
	}
	def.Nodes = append(def.Nodes, nodes...)
	def.Nodes = append(def.Nodes, schema.NodeSpec{ID: "end", Kind: schema.NodeKindEnd})
	for i, n := range nodes {
		target := "end"
		if i+1 < len(nodes) {
			target = nodes[i+1].ID
		}
		def.Edges = append(def.Edges, schema.EdgeSpec{Source: n.ID, Target: target})
	}
	return def
}

func TestExecuteLinearWorkGraph(t *testing.T) {
	st := newTestStore(t)
	backend := model.NewScriptedBackend(model.Reply("hello from A"))
	eng, _ := newTestEngine(t, st, backend, Config{})

	run := seedRun(t, st, linearDef(workNode("a", "answer the query")), map[string]any{"query": "hello"})
	result := eng.Execute(context.Background(), run)

	require.Nil(t, result.Error)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, "hello from A", result.Output)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	// exactly one work execution in the telemetry rollup
	require.NotNil(t, result.Telemetry)
	require.Contains(t, result.Telemetry.Nodes, "a")
	assert.Equal(t, 1, result.Telemetry.Nodes["a"].Executions)
}

func TestExecuteLoopBoundedIterations(t *testing.T) {
	st := newTestStore(t)
	eng, _ := newTestEngine(t, st, nil, Config{})

	loopCfg, _ := json.Marshal(map[string]any{"max_iterations": 3})
	def := schema.GraphDefinition{
		Nodes: []schema.NodeSpec{
			{ID: "loop", Kind: schema.NodeKindLoop, Config: loopCfg},
			{ID: "end", Kind: schema.NodeKindEnd},
		},
		Edges: []schema.EdgeSpec{
			{Source: "loop", Target: "loop", Label: schema.RouteContinue},
			{Source: "loop", Target: "end", Label: schema.RouteExit},
		},
	}

	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)

	require.Nil(t, result.Error)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)

	// exactly 3 loop iterations were recorded
	events, err := st.ListEvents(context.Background(), run.ID, store.EventFilter{EventType: schema.EventLoopIteration})
	require.NoError(t, err)
	require.Len(t, events, 3)
	var last struct {
		Iteration int    `json:"iteration"`
		Route     string `json:"route"`
	}
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &last))
	assert.Equal(t, 3, last.Iteration)
	assert.Equal(t, schema.RouteExit, last.Route)
}

func TestExecuteConditionalRouting(t *testing.T) {
	st := newTestStore(t)
	backend := model.NewScriptedBackend(model.Reply("took the true branch"))
	eng, _ := newTestEngine(t, st, backend, Config{})

	condCfg, _ := json.Marshal(map[string]any{"expression": "state.message_count == 0"})
	def := schema.GraphDefinition{
		Nodes: []schema.NodeSpec{
			{ID: "check", Kind: schema.NodeKindConditional, Config: condCfg},
			workNode("yes", "yes path"),
			workNode("no", "no path"),
			{ID: "end", Kind: schema.NodeKindEnd},
		},
		Edges: []schema.EdgeSpec{
			{Source: "check", Target: "yes", Label: "true"},
			{Source: "check", Target: "no", Label: "false"},
			{Source: "yes", Target: "end"},
			{Source: "no", Target: "end"},
		},
	}

	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)

	require.Nil(t, result.Error)
	assert.Equal(t, "took the true branch", result.Output)

	// only the true branch executed
	requests := backend.Requests()
	require.Len(t, requests, 1)
}

func TestConditionalFallsBackToDefaultRoute(t *testing.T) {
	st := newTestStore(t)
	backend := model.NewScriptedBackend(model.Reply("fallback path"))
	eng, _ := newTestEngine(t, st, backend, Config{})

	condCfg, _ := json.Marshal(map[string]any{
		"expression":    "state.nonexistent.field > 1",
		"default_route": "safe",
	})
	def := schema.GraphDefinition{
		Nodes: []schema.NodeSpec{
			{ID: "check", Kind: schema.NodeKindConditional, Config: condCfg},
			workNode("recover", "recover"),
			{ID: "end", Kind: schema.NodeKindEnd},
		},
		Edges: []schema.EdgeSpec{
			{Source: "check", Target: "recover", Label: "safe"},
			{Source: "recover", Target: "end"},
		},
	}

	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)

	require.Nil(t, result.Error)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, "fallback path", result.Output)
}

func TestExecuteToolNode(t *testing.T) {
	st := newTestStore(t)
	eng, _ := newTestEngine(t, st, nil, Config{})

	toolCfg, _ := json.Marshal(map[string]any{
		"tool":   "echo",
		"params": map[string]any{"text": "direct call"},
	})
	def := linearDef(schema.NodeSpec{ID: "t", Kind: schema.NodeKindTool, Config: toolCfg})

	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)

	require.Nil(t, result.Error)
	assert.Equal(t, "direct call", result.Output)
	assert.Equal(t, 1, result.Telemetry.Nodes["t"].ToolCalls)
}

func TestExecuteOutputProjection(t *testing.T) {
	st := newTestStore(t)
	backend := model.NewScriptedBackend(model.Reply("final answer"))
	eng, _ := newTestEngine(t, st, backend, Config{})

	outCfg, _ := json.Marshal(map[string]any{"projection": `{"answer": .state.last_message, "steps": .state.step_count}`})
	def := linearDef(
		workNode("a", "produce"),
		schema.NodeSpec{ID: "out", Kind: schema.NodeKindOutput, Config: outCfg},
	)

	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)

	require.Nil(t, result.Error)
	out, ok := result.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "final answer", out["answer"])
}

func TestExecuteCheckpointNode(t *testing.T) {
	st := newTestStore(t)
	backend := model.NewScriptedBackend(model.Reply("before checkpoint"))
	eng, _ := newTestEngine(t, st, backend, Config{})

	def := linearDef(
		workNode("a", "produce"),
		schema.NodeSpec{ID: "cp", Kind: schema.NodeKindCheckpoint},
	)

	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)
	require.Nil(t, result.Error)

	cp, err := st.LoadLatestCheckpoint(context.Background(), run.ID)
	require.NoError(t, err)

	state, err := schema.RestoreState(cp.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, "before checkpoint", state.LastMessage().Content)
}

func TestWorkNodeToolLoop(t *testing.T) {
	st := newTestStore(t)
	args, _ := json.Marshal(map[string]any{"text": "tool says hi"})
	backend := model.NewScriptedBackend(
		model.ToolCallReply(schema.ToolCall{ID: "c1", Name: "echo", Arguments: args}),
		model.Reply("done after tool"),
	)
	eng, _ := newTestEngine(t, st, backend, Config{})

	cfg, _ := json.Marshal(map[string]any{"prompt": "use the tool", "tools": []string{"echo"}})
	def := linearDef(schema.NodeSpec{ID: "agent", Kind: schema.NodeKindWork, Config: cfg})

	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)

	require.Nil(t, result.Error)
	assert.Equal(t, "done after tool", result.Output)
	assert.Equal(t, 1, result.Telemetry.Nodes["agent"].ToolCalls)

	// second model request carries the tool result message
	requests := backend.Requests()
	require.Len(t, requests, 2)
	lastMsg := requests[1].Messages[len(requests[1].Messages)-1]
	assert.Equal(t, schema.RoleTool, lastMsg.Role)
	assert.Equal(t, "tool says hi", lastMsg.Content)
}

func TestWorkNodeRetriesMalformedToolCall(t *testing.T) {
	st := newTestStore(t)
	backend := model.NewScriptedBackend(
		model.Completion{
			Message:      schema.Message{Role: schema.RoleAssistant},
			FinishReason: "tool_calls", // claims tool use, no call attached
		},
		model.Reply("recovered"),
	)
	eng, _ := newTestEngine(t, st, backend, Config{})

	run := seedRun(t, st, linearDef(workNode("a", "go")), nil)
	result := eng.Execute(context.Background(), run)

	require.Nil(t, result.Error)
	assert.Equal(t, "recovered", result.Output)

	retries, err := st.ListEvents(context.Background(), run.ID, store.EventFilter{EventType: schema.EventNodeRetrying})
	require.NoError(t, err)
	assert.Len(t, retries, 1)
}

func TestExecuteFailsOnUnknownTool(t *testing.T) {
	st := newTestStore(t)
	eng, _ := newTestEngine(t, st, nil, Config{})

	toolCfg, _ := json.Marshal(map[string]any{"tool": "nonexistent"})
	run := seedRun(t, st, linearDef(schema.NodeSpec{ID: "t", Kind: schema.NodeKindTool, Config: toolCfg}), nil)
	result := eng.Execute(context.Background(), run)

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Equal(t, schema.ErrCodeResourceInit, result.Error.Code)

	// pre-flight failures still end with a terminal publish
	events, err := st.GetEvents(context.Background(), run.ID, 0)
	require.NoError(t, err)
	types := eventTypes(events)
	assert.Contains(t, types, schema.EventRunError)
	assert.Equal(t, schema.EventRunComplete, types[len(types)-1])
}

func TestNonFatalNodeContinues(t *testing.T) {
	st := newTestStore(t)
	backend := model.NewScriptedBackend(model.Reply("we made it"))
	eng, _ := newTestEngine(t, st, backend, Config{})

	toolCfg, _ := json.Marshal(map[string]any{
		"tool":   "jq.query",
		"params": map[string]any{"query": ".broken["},
	})
	def := linearDef(
		schema.NodeSpec{ID: "flaky", Kind: schema.NodeKindTool, Config: toolCfg, NonFatal: true},
		workNode("a", "carry on"),
	)

	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)

	require.Nil(t, result.Error)
	assert.Equal(t, "we made it", result.Output)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, stored.Status)
}

func TestRecursionLimitAttachesDiagnostics(t *testing.T) {
	st := newTestStore(t)
	eng, _ := newTestEngine(t, st, nil, Config{RecursionLimit: 5, DetectLoopPatterns: true})

	loopCfg, _ := json.Marshal(map[string]any{"max_iterations": 100})
	def := schema.GraphDefinition{
		Nodes: []schema.NodeSpec{
			{ID: "loop", Kind: schema.NodeKindLoop, Config: loopCfg},
			{ID: "end", Kind: schema.NodeKindEnd},
		},
		Edges: []schema.EdgeSpec{
			{Source: "loop", Target: "loop", Label: schema.RouteContinue},
			{Source: "loop", Target: "end", Label: schema.RouteExit},
		},
	}

	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeRecursionExhausted, result.Error.Code)
	assert.Contains(t, result.Error.Details, "recent_nodes")
	assert.Equal(t, "loop", result.Error.Details["repeated_pattern"])
}

func TestTimeoutStillPublishesTerminalEvents(t *testing.T) {
	st := newTestStore(t)
	eng, _ := newTestEngine(t, st, nil, Config{Timeout: time.Nanosecond})

	run := seedRun(t, st, linearDef(workNode("a", "never runs")), nil)
	result := eng.Execute(context.Background(), run)

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeExecutionTimeout, result.Error.Code)

	events, err := st.GetEvents(context.Background(), run.ID, 0)
	require.NoError(t, err)
	types := eventTypes(events)
	assert.Contains(t, types, schema.EventRunError)
	assert.Equal(t, schema.EventRunComplete, types[len(types)-1])
}

func TestMaxEventsLimit(t *testing.T) {
	st := newTestStore(t)
	eng, _ := newTestEngine(t, st, nil, Config{MaxEvents: 2})

	loopCfg, _ := json.Marshal(map[string]any{"max_iterations": 100})
	def := schema.GraphDefinition{
		Nodes: []schema.NodeSpec{
			{ID: "loop", Kind: schema.NodeKindLoop, Config: loopCfg},
			{ID: "end", Kind: schema.NodeKindEnd},
		},
		Edges: []schema.EdgeSpec{
			{Source: "loop", Target: "loop", Label: schema.RouteContinue},
			{Source: "loop", Target: "end", Label: schema.RouteExit},
		},
	}

	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeMaxEventsExceeded, result.Error.Code)
}

func TestSequenceNumbersStrictlyIncrease(t *testing.T) {
	st := newTestStore(t)
	backend := model.NewScriptedBackend(model.Reply("one"), model.Reply("two"))
	eng, _ := newTestEngine(t, st, backend, Config{})

	def := linearDef(workNode("a", "first"), workNode("b", "second"))
	run := seedRun(t, st, def, nil)
	result := eng.Execute(context.Background(), run)
	require.Nil(t, result.Error)

	events, err := st.GetEvents(context.Background(), run.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func TestExecuteRejectsFinishedRun(t *testing.T) {
	st := newTestStore(t)
	eng, _ := newTestEngine(t, st, model.NewScriptedBackend(model.Reply("x")), Config{})

	run := seedRun(t, st, linearDef(workNode("a", "x")), nil)
	completed := schema.RunStatusCompleted
	require.NoError(t, st.UpdateRun(context.Background(), run.ID, store.RunUpdate{Status: &completed}))
	run.Status = schema.RunStatusCompleted

	result := eng.Execute(context.Background(), run)

	// the finished record is left untouched, no events are emitted
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeInvalidTransition, result.Error.Code)

	events, err := st.GetEvents(context.Background(), run.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, stored.Status)
}

func eventTypes(events []*store.Event) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}
