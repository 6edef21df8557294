package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runloom/runloom/pkg/schema"
)

const defaultChannelBuffer = 64

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	capacity  int
	keepalive time.Duration
}

// WithCapacity sets the subscriber's queue capacity.
func WithCapacity(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithKeepalive injects a keepalive event when the subscription has been
// idle for the given interval, so transport-level timeouts do not tear
// down long idle connections.
func WithKeepalive(interval time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		o.keepalive = interval
	}
}

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch       chan schema.ExecutionEvent
	filter   Filter
	lastSend atomic.Int64 // unix nanos of the last delivered event
	done     chan struct{}
}

// MemoryBus is an in-memory EventBus implementation using channels.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next atomic.Uint64
}

// NewMemoryBus creates a new MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: a full subscriber queue drops its oldest event to make
// room, so the publisher never stalls and the subscriber keeps the most
// recent view.
func (h *MemoryBus) Publish(ctx context.Context, event schema.ExecutionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		sub.offer(event)
	}
	return nil
}

// offer enqueues without blocking, evicting the oldest queued event when full.
func (s *subscriber) offer(event schema.ExecutionEvent) {
	select {
	case s.ch <- event:
		s.lastSend.Store(time.Now().UnixNano())
		return
	default:
	}

	// Queue full: evict one, then retry once. A concurrent reader may have
	// drained in between, either way the send below has room or the event
	// is dropped.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- event:
		s.lastSend.Store(time.Now().UnixNano())
	default:
	}
}

// Subscribe creates a new subscription filtered by the given Filter.
// Returns a receive-only channel, a cancel function, and any error.
// The cancel function is idempotent and must be called to release the
// subscription.
func (h *MemoryBus) Subscribe(ctx context.Context, filter Filter, opts ...SubscribeOption) (<-chan schema.ExecutionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	options := subscribeOptions{capacity: defaultChannelBuffer}
	for _, opt := range opts {
		opt(&options)
	}

	id := h.next.Add(1)
	sub := &subscriber{
		ch:     make(chan schema.ExecutionEvent, options.capacity),
		filter: filter,
		done:   make(chan struct{}),
	}
	sub.lastSend.Store(time.Now().UnixNano())

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	if options.keepalive > 0 {
		go sub.keepaliveLoop(options.keepalive)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.done)
		})
	}

	return sub.ch, cancel, nil
}

// keepaliveLoop injects keepalive events while the subscription is idle.
func (s *subscriber) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastSend.Load()))
			if idle < interval {
				continue
			}
			s.offer(schema.ExecutionEvent{
				RunID:     s.filter.RunID,
				Type:      schema.EventKeepalive,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

// Close drops every subscription. Events published afterwards go nowhere.
func (h *MemoryBus) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		close(sub.done)
		delete(h.subs, id)
	}
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f Filter, e schema.ExecutionEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ EventBus = (*MemoryBus)(nil)
