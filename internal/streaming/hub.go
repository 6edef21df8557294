package streaming

import (
	"context"

	"github.com/runloom/runloom/pkg/schema"
)

// Filter specifies which events a subscriber wants to receive.
// Channel identity is the run ID: a subscriber with an empty RunID
// observes every run (used by aggregating dashboards).
type Filter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventBus provides per-run pub/sub for live execution events.
// Publish never blocks the caller: slow subscribers lose their oldest
// queued events instead of stalling the run loop.
type EventBus interface {
	Publish(ctx context.Context, event schema.ExecutionEvent) error
	Subscribe(ctx context.Context, filter Filter, opts ...SubscribeOption) (<-chan schema.ExecutionEvent, func(), error)
}
