package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/model"
	"github.com/runloom/runloom/internal/store"
	"github.com/runloom/runloom/pkg/schema"
)

// blockingBackend parks every Stream call until released, letting tests
// cancel runs while a node is mid-flight.
type blockingBackend struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingBackend) Name() string { return "blocking" }

func (b *blockingBackend) Stream(ctx context.Context, _ model.Request, _ func(string)) (*model.Completion, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeModel, "cancelled").WithCause(ctx.Err())
	}
	return &model.Completion{
		Message:      schema.Message{Role: schema.RoleAssistant, Content: "released"},
		FinishReason: "stop",
	}, nil
}

func newTestService(t *testing.T, backend model.Backend, cfg Config) (*Service, store.Store) {
	t.Helper()
	st := newTestStore(t)
	eng, _ := newTestEngine(t, st, backend, cfg)
	return NewService(eng, st, nil), st
}

func waitResult(t *testing.T, svc *Service, runID string) *Result {
	t.Helper()
	ch := svc.Wait(runID)
	require.NotNil(t, ch, "run %s not in flight", runID)
	select {
	case result := <-ch:
		return result
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for run result")
		return nil
	}
}

func TestServiceStartRunsToCompletion(t *testing.T) {
	svc, st := newTestService(t, model.NewScriptedBackend(model.Reply("service output")), Config{})

	runID, err := svc.Start(context.Background(), linearDef(workNode("a", "go")), map[string]any{"query": "hello"})
	require.NoError(t, err)

	result := waitResult(t, svc, runID)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, "service output", result.Output)

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
}

func TestServiceStartRejectsInvalidGraph(t *testing.T) {
	svc, _ := newTestService(t, nil, Config{})

	_, err := svc.Start(context.Background(), schema.GraphDefinition{}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeGraphValidation, schema.ErrorCode(err))
}

func TestServiceCancelMidRun(t *testing.T) {
	backend := newBlockingBackend()
	svc, st := newTestService(t, backend, Config{})

	runID, err := svc.Start(context.Background(), linearDef(workNode("a", "blocks")), nil)
	require.NoError(t, err)

	// wait until the work node is inside the model call, then cancel
	select {
	case <-backend.started:
	case <-time.After(10 * time.Second):
		t.Fatal("model call never started")
	}
	require.True(t, svc.Cancel(context.Background(), runID, "operator request"))
	close(backend.release)

	result := waitResult(t, svc, runID)
	assert.Equal(t, schema.RunStatusCancelled, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeRunCancelled, result.Error.Code)

	// terminal sequence is cancelled followed by complete, never a
	// successful complete alone
	events, err := st.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	types := eventTypes(events)
	assert.Contains(t, types, schema.EventRunCancelled)
	assert.Equal(t, schema.EventRunComplete, types[len(types)-1])
}

func TestServiceCancelImmediatelyAfterStart(t *testing.T) {
	backend := newBlockingBackend()
	svc, st := newTestService(t, backend, Config{})

	runID, err := svc.Start(context.Background(), linearDef(workNode("a", "go")), nil)
	require.NoError(t, err)

	// the run goroutine may not even be scheduled yet; the cancel must
	// still land and the run must end cancelled, never completed
	require.True(t, svc.Cancel(context.Background(), runID, "changed my mind"))

	result := waitResult(t, svc, runID)
	assert.Equal(t, schema.RunStatusCancelled, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeRunCancelled, result.Error.Code)

	events, err := st.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	types := eventTypes(events)
	assert.Contains(t, types, schema.EventRunCancelled)
	assert.Equal(t, schema.EventRunComplete, types[len(types)-1])
	assert.NotContains(t, types, schema.EventNodeCompleted)
}

func TestServiceCancelAbortsModelStream(t *testing.T) {
	backend := newBlockingBackend()
	svc, _ := newTestService(t, backend, Config{})

	runID, err := svc.Start(context.Background(), linearDef(workNode("a", "blocks")), nil)
	require.NoError(t, err)

	select {
	case <-backend.started:
	case <-time.After(10 * time.Second):
		t.Fatal("model call never started")
	}

	// the backend is never released; cancellation must cut the stream
	// off through the run context rather than wait for the node
	require.True(t, svc.Cancel(context.Background(), runID, "abort stream"))

	result := waitResult(t, svc, runID)
	assert.Equal(t, schema.RunStatusCancelled, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeRunCancelled, result.Error.Code)
}

func TestServiceCancelUnknownRun(t *testing.T) {
	svc, _ := newTestService(t, nil, Config{})
	assert.False(t, svc.Cancel(context.Background(), "no-such-run", ""))
}

func approvalDef() schema.GraphDefinition {
	gateCfg, _ := json.Marshal(map[string]any{"message": "ship it?"})
	return schema.GraphDefinition{
		Nodes: []schema.NodeSpec{
			workNode("draft", "write a draft"),
			{ID: "gate", Kind: schema.NodeKindApproval, Config: gateCfg},
			workNode("publish", "publish it"),
			{ID: "end", Kind: schema.NodeKindEnd},
		},
		Edges: []schema.EdgeSpec{
			{Source: "draft", Target: "gate"},
			{Source: "gate", Target: "publish", Label: schema.RouteApprove},
			{Source: "gate", Target: "end", Label: schema.RouteReject},
			{Source: "publish", Target: "end"},
		},
	}
}

func TestServiceApprovalSuspendAndResume(t *testing.T) {
	backend := model.NewScriptedBackend(model.Reply("the draft"), model.Reply("published"))
	svc, st := newTestService(t, backend, Config{})

	runID, err := svc.Start(context.Background(), approvalDef(), nil)
	require.NoError(t, err)

	parked := waitResult(t, svc, runID)
	assert.Equal(t, schema.RunStatusAwaitingApproval, parked.Status)

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAwaitingApproval, run.Status)

	// a checkpoint was persisted at the gate
	cp, err := st.LoadLatestCheckpoint(context.Background(), runID)
	require.NoError(t, err)
	state, err := schema.RestoreState(cp.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, "gate", state.CurrentNode)
	assert.True(t, state.AwaitingApproval)

	// the parked gate's step outcome reflects the pending decision, not
	// a completed execution
	require.NotEmpty(t, state.StepHistory)
	gateStep := state.StepHistory[len(state.StepHistory)-1]
	assert.Equal(t, "gate", gateStep.NodeID)
	assert.Equal(t, schema.OutcomePendingApproval, gateStep.Status)

	require.NoError(t, svc.Resume(context.Background(), runID, schema.RouteApprove))
	result := waitResult(t, svc, runID)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, "published", result.Output)
}

func TestServiceApprovalReject(t *testing.T) {
	backend := model.NewScriptedBackend(model.Reply("the draft"))
	svc, _ := newTestService(t, backend, Config{})

	runID, err := svc.Start(context.Background(), approvalDef(), nil)
	require.NoError(t, err)
	parked := waitResult(t, svc, runID)
	require.Equal(t, schema.RunStatusAwaitingApproval, parked.Status)

	require.NoError(t, svc.Resume(context.Background(), runID, schema.RouteReject))
	result := waitResult(t, svc, runID)

	// reject routes straight to end, publish never ran
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, "the draft", result.Output)
	assert.Len(t, backend.Requests(), 1)
}

func TestServiceResumeValidatesDecision(t *testing.T) {
	backend := model.NewScriptedBackend(model.Reply("the draft"))
	svc, _ := newTestService(t, backend, Config{})

	runID, err := svc.Start(context.Background(), approvalDef(), nil)
	require.NoError(t, err)
	waitResult(t, svc, runID)

	err = svc.Resume(context.Background(), runID, "maybe")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestServiceResumeRejectsActiveRun(t *testing.T) {
	svc, st := newTestService(t, nil, Config{})

	run := seedRun(t, st, linearDef(workNode("a", "x")), nil)
	err := svc.Resume(context.Background(), run.ID, schema.RouteApprove)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestServiceResumeRejectsFinishedRun(t *testing.T) {
	svc, st := newTestService(t, nil, Config{})

	run := seedRun(t, st, linearDef(workNode("a", "x")), nil)
	completed := schema.RunStatusCompleted
	require.NoError(t, st.UpdateRun(context.Background(), run.ID, store.RunUpdate{Status: &completed}))

	err := svc.Resume(context.Background(), run.ID, "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "already finished")
}

func TestServiceRecoverMarksOrphans(t *testing.T) {
	svc, st := newTestService(t, nil, Config{})

	run := seedRun(t, st, linearDef(workNode("a", "x")), nil)
	running := schema.RunStatusRunning
	require.NoError(t, st.UpdateRun(context.Background(), run.ID, store.RunUpdate{Status: &running}))

	recovered, err := svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusInterrupted, stored.Status)
}

func TestServiceResumeInterruptedWithoutCheckpoint(t *testing.T) {
	backend := model.NewScriptedBackend(model.Reply("fresh start"))
	svc, st := newTestService(t, backend, Config{})

	run := &store.Run{
		ID:         uuid.NewString(),
		Definition: linearDef(workNode("a", "x")),
		Status:     schema.RunStatusInterrupted,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.CreateRun(context.Background(), run))

	require.NoError(t, svc.Resume(context.Background(), run.ID, ""))
	result := waitResult(t, svc, run.ID)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, "fresh start", result.Output)
}

func TestServiceShutdownWaitsForRuns(t *testing.T) {
	backend := newBlockingBackend()
	svc, _ := newTestService(t, backend, Config{})

	runID, err := svc.Start(context.Background(), linearDef(workNode("a", "blocks")), nil)
	require.NoError(t, err)
	<-backend.started

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, svc.Shutdown(shutdownCtx), "shutdown should time out while the run is blocked")

	close(backend.release)
	waitResult(t, svc, runID)
	require.NoError(t, svc.Shutdown(context.Background()))
}
