package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runloom/runloom/internal/store"
	"github.com/runloom/runloom/internal/streaming"
	"github.com/runloom/runloom/pkg/schema"
)

const (
	// deltaFlushInterval and deltaFlushChars bound how long model tokens
	// sit in the per-node buffer before reaching subscribers.
	deltaFlushInterval = 100 * time.Millisecond
	deltaFlushChars    = 40
)

// EventSink is the slice of the store the emitter persists through.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
	LastSequence(ctx context.Context, runID string) (int64, error)
}

// emitter assigns per-run sequence numbers and fans each event out to the
// live bus and the durable log. It is the single writer of sequence
// numbers for its run.
type emitter struct {
	runID  string
	bus    streaming.EventBus
	sink   EventSink
	logger *slog.Logger

	seq   atomic.Int64
	count atomic.Int64

	limit     int64
	onLimit   func()
	limitOnce sync.Once
}

// LimitEvents arms the max-events safety limit. The first emission past
// the limit invokes onLimit, which the engine wires to the run context's
// cancel so long-running nodes are cut off mid-stream rather than at the
// next iteration boundary.
func (e *emitter) LimitEvents(limit int64, onLimit func()) {
	e.limit = limit
	e.onLimit = onLimit
}

// newEmitter initializes the sequence counter from the persisted log so
// resumed runs continue numbering where they left off.
func newEmitter(ctx context.Context, runID string, bus streaming.EventBus, sink EventSink, logger *slog.Logger) (*emitter, error) {
	e := &emitter{runID: runID, bus: bus, sink: sink, logger: logger}
	if sink != nil {
		last, err := sink.LastSequence(ctx, runID)
		if err != nil {
			return nil, err
		}
		e.seq.Store(last)
	}
	return e, nil
}

// Emit publishes one event and appends it to the event log. Bus and log
// failures are logged but never fail the run.
func (e *emitter) Emit(ctx context.Context, eventType, nodeID string, payload map[string]any) schema.ExecutionEvent {
	event := schema.ExecutionEvent{
		Sequence:  e.seq.Add(1),
		RunID:     e.runID,
		Type:      eventType,
		NodeID:    nodeID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if e.count.Add(1) > e.limit && e.limit > 0 && e.onLimit != nil {
		e.limitOnce.Do(e.onLimit)
	}

	// Events keep flowing to the log and bus even after the run context
	// is aborted, so the terminal publish and the sequence chain survive
	// cancellation without gaps.
	ctx = context.WithoutCancel(ctx)

	if e.bus != nil {
		if err := e.bus.Publish(ctx, event); err != nil {
			e.logger.Warn("event publish failed", "run_id", e.runID, "type", eventType, "error", err)
		}
	}
	if e.sink != nil {
		var raw json.RawMessage
		if payload != nil {
			if encoded, err := json.Marshal(payload); err == nil {
				raw = encoded
			}
		}
		record := &store.Event{
			RunID:     e.runID,
			NodeID:    nodeID,
			Type:      eventType,
			Payload:   raw,
			Timestamp: event.Timestamp,
			Sequence:  event.Sequence,
		}
		if err := e.sink.AppendEvent(ctx, record); err != nil {
			e.logger.Warn("event persist failed", "run_id", e.runID, "type", eventType, "error", err)
		}
	}
	return event
}

// Count returns the number of events emitted so far, used for the
// max-events safety limit.
func (e *emitter) Count() int64 {
	return e.count.Load()
}

// tokenBuffer coalesces model token deltas for one node. Tokens are
// flushed as a single message_delta event when the buffer grows past
// deltaFlushChars or deltaFlushInterval has passed since the last flush.
type tokenBuffer struct {
	emitter *emitter
	nodeID  string

	mu        sync.Mutex
	buf       strings.Builder
	lastFlush time.Time
}

func newTokenBuffer(e *emitter, nodeID string) *tokenBuffer {
	return &tokenBuffer{emitter: e, nodeID: nodeID, lastFlush: time.Now()}
}

func (b *tokenBuffer) Add(ctx context.Context, delta string) {
	b.mu.Lock()
	b.buf.WriteString(delta)
	shouldFlush := b.buf.Len() > deltaFlushChars || time.Since(b.lastFlush) >= deltaFlushInterval
	b.mu.Unlock()

	if shouldFlush {
		b.Flush(ctx)
	}
}

// Flush emits any buffered text. Called at threshold crossings and
// unconditionally when the node finishes.
func (b *tokenBuffer) Flush(ctx context.Context) {
	b.mu.Lock()
	text := b.buf.String()
	b.buf.Reset()
	b.lastFlush = time.Now()
	b.mu.Unlock()

	if text == "" {
		return
	}
	b.emitter.Emit(ctx, schema.EventMessageDelta, b.nodeID, map[string]any{"delta": text})
}
