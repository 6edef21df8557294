package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/runloom/runloom/internal/store"
	"github.com/runloom/runloom/pkg/schema"
)

// GraphRunner is the interface the scheduler launches runs through.
// Satisfied by *engine.Service.
type GraphRunner interface {
	StartRun(ctx context.Context, run *store.Run) error
}

// Scheduler polls the store for due cron schedules and launches their
// graphs. A schedule already in flight is skipped until it is released.
type Scheduler struct {
	store  store.Store
	runner GraphRunner
	parser cron.Parser
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewScheduler(s store.Store, runner GraphRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeScheduler, "scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick launches every enabled schedule that is due. Exported so tests and
// a startup catch-up can drive it directly.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		due, err := s.isDue(sched, now)
		if err != nil {
			s.logger.Error("invalid cron expression",
				"schedule_id", sched.ID, "cron", sched.CronExpr, "error", err)
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		s.runSchedule(ctx, sched, now)
		s.release(sched.ID)
	}
}

// isDue reports whether the schedule's next firing since its last run (or
// creation) has passed.
func (s *Scheduler) isDue(sched *store.Schedule, now time.Time) (bool, error) {
	spec, err := s.parser.Parse(sched.CronExpr)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeScheduler,
			"parse cron expression %q", sched.CronExpr).WithCause(err)
	}
	ref := sched.CreatedAt
	if sched.LastRunAt != nil {
		ref = *sched.LastRunAt
	}
	return !spec.Next(ref).After(now), nil
}

// runSchedule launches one run of the schedule's graph and records the
// launch outcome on the schedule row.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) {
	s.logger.Info("launching scheduled run", "schedule_id", sched.ID, "graph_id", sched.GraphID)

	run := &store.Run{
		ID:         uuid.NewString(),
		GraphID:    sched.GraphID,
		Definition: sched.Definition,
		Status:     schema.RunStatusPending,
		Input:      sched.Input,
		CreatedAt:  now,
	}

	status := "started"
	if err := s.runner.StartRun(ctx, run); err != nil {
		status = "error"
		s.logger.Error("scheduled run launch failed", "schedule_id", sched.ID, "error", err)
	}

	if err := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		LastRunStatus: status,
	}); err != nil {
		s.logger.Error("failed to update schedule", "schedule_id", sched.ID, "error", err)
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextRun computes the next firing of a cron expression, used by the API
// surface to validate and preview schedules.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	spec, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeScheduler,
			"parse cron expression %q", cronExpr).WithCause(err)
	}
	return spec.Next(from), nil
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}
