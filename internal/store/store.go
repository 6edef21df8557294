package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	ListEvents(ctx context.Context, runID string, filter EventFilter) ([]*Event, error)
	LastSequence(ctx context.Context, runID string) (int64, error)

	// Checkpoints (append-only, versioned)
	SaveCheckpoint(ctx context.Context, runID string, snapshot []byte) (*Checkpoint, error)
	LoadLatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)
	DeleteThread(ctx context.Context, runID string) (int64, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
