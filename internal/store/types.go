package store

import (
	"encoding/json"
	"time"

	"github.com/runloom/runloom/pkg/schema"
)

// Run is the persisted representation of one execution of a compiled graph.
type Run struct {
	ID          string                 `json:"id"`
	GraphID     string                 `json:"graph_id,omitempty"`
	Definition  schema.GraphDefinition `json:"definition"`
	Status      schema.RunStatus       `json:"status"`
	Input       map[string]any         `json:"input,omitempty"`
	Result      json.RawMessage        `json:"result,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Event is an immutable entry in the per-run event log. Sequence is
// assigned by the engine's emitter and unique per run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Checkpoint is one versioned snapshot in a run's checkpoint thread.
// The store is append-only; the latest snapshot is the recovery point.
type Checkpoint struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Version   int64           `json:"version"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}

// Schedule is a cron-triggered run of a stored graph definition.
type Schedule struct {
	ID            string                 `json:"id"`
	GraphID       string                 `json:"graph_id"`
	Definition    schema.GraphDefinition `json:"definition"`
	CronExpr      string                 `json:"cron_expression"`
	Input         map[string]any         `json:"input,omitempty"`
	Enabled       bool                   `json:"enabled"`
	LastRunAt     *time.Time             `json:"last_run_at,omitempty"`
	LastRunStatus string                 `json:"last_run_status,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for the historical event listing.
type EventFilter struct {
	NodeID    string     `json:"node_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
