package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/runloom/runloom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, ch <-chan schema.ExecutionEvent) schema.ExecutionEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return schema.ExecutionEvent{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	err = bus.Publish(ctx, schema.ExecutionEvent{RunID: "run-1", Type: schema.EventNodeStarted, Sequence: 1})
	require.NoError(t, err)

	got := recvEvent(t, ch)
	assert.Equal(t, schema.EventNodeStarted, got.Type)
	assert.EqualValues(t, 1, got.Sequence)
}

func TestRunIDIsolation(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{RunID: "run-a"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, schema.ExecutionEvent{RunID: "run-b", Type: schema.EventNodeStarted}))
	require.NoError(t, bus.Publish(ctx, schema.ExecutionEvent{RunID: "run-a", Type: schema.EventRunComplete}))

	// Only the run-a event arrives.
	got := recvEvent(t, ch)
	assert.Equal(t, "run-a", got.RunID)
	assert.Equal(t, schema.EventRunComplete, got.Type)

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event: %+v", e)
	default:
	}
}

func TestEventTypeFilter(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{RunID: "run-1", EventTypes: []string{schema.EventRunComplete}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, schema.ExecutionEvent{RunID: "run-1", Type: schema.EventMessageDelta}))
	require.NoError(t, bus.Publish(ctx, schema.ExecutionEvent{RunID: "run-1", Type: schema.EventRunComplete}))

	got := recvEvent(t, ch)
	assert.Equal(t, schema.EventRunComplete, got.Type)
}

func TestDropOldestWhenFull(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{RunID: "run-1"}, WithCapacity(2))
	require.NoError(t, err)
	defer cancel()

	// Fill the queue past capacity without draining.
	for i := 1; i <= 4; i++ {
		require.NoError(t, bus.Publish(ctx, schema.ExecutionEvent{
			RunID: "run-1", Type: schema.EventMessageDelta, Sequence: int64(i),
		}))
	}

	// The oldest events were evicted: the survivors are the most recent two.
	first := recvEvent(t, ch)
	second := recvEvent(t, ch)
	assert.EqualValues(t, 3, first.Sequence)
	assert.EqualValues(t, 4, second.Sequence)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{RunID: "run-1"})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, bus.Publish(ctx, schema.ExecutionEvent{RunID: "run-1", Type: schema.EventNodeStarted}))

	select {
	case e := <-ch:
		t.Fatalf("received event after unsubscribe: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKeepaliveOnIdleChannel(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{RunID: "run-1"}, WithKeepalive(30*time.Millisecond))
	require.NoError(t, err)
	defer cancel()

	got := recvEvent(t, ch)
	assert.Equal(t, schema.EventKeepalive, got.Type)
	assert.Equal(t, "run-1", got.RunID)
}

func TestSubscribeCancelledContext(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := bus.Subscribe(ctx, Filter{})
	assert.Error(t, err)
	assert.Error(t, bus.Publish(ctx, schema.ExecutionEvent{}))
}
