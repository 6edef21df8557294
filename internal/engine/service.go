package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/store"
	"github.com/runloom/runloom/pkg/schema"
)

// Service is the run-control surface: start, cancel, resume, status.
// Each run executes as one detached goroutine; the service only tracks
// completion channels and delegates the actual walk to the engine.
type Service struct {
	engine *Engine
	store  store.Store
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan *Result
	wg       sync.WaitGroup
}

func NewService(engine *Engine, st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:   engine,
		store:    st,
		logger:   logger,
		inflight: make(map[string]chan *Result),
	}
}

// Start validates the graph, persists a run record and launches execution.
// Graph validation failures are returned synchronously; everything after
// that is observable through the event stream.
func (s *Service) Start(ctx context.Context, def schema.GraphDefinition, input map[string]any) (string, error) {
	if _, err := s.engine.compile(&def); err != nil {
		return "", err
	}

	run := &store.Run{
		ID:         uuid.NewString(),
		Definition: def,
		Status:     schema.RunStatusPending,
		Input:      input,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	s.launch(run, nil)
	return run.ID, nil
}

// StartRun launches a persisted run record directly, used by the
// scheduler for cron-triggered graphs.
func (s *Service) StartRun(ctx context.Context, run *store.Run) error {
	if err := s.store.CreateRun(ctx, run); err != nil {
		return err
	}
	s.launch(run, nil)
	return nil
}

// launch starts the detached run goroutine and registers its completion
// channel. The entry is kept after completion so late Wait callers still
// observe the result; relaunching (approval resume) replaces it.
//
// The run is registered with the cancellation registry here, before the
// goroutine is scheduled, so a Cancel issued the instant Start returns
// already finds the run and is honored once the loop begins.
func (s *Service) launch(run *store.Run, resume *resumeState) {
	s.engine.Cancels().Register(run.ID)

	done := make(chan *Result, 1)
	s.mu.Lock()
	s.inflight[run.ID] = done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result := s.engine.execute(context.Background(), run, resume)
		done <- result
		close(done)
	}()
}

// Cancel flags a run for cooperative cancellation. Returns false when the
// run is not currently executing.
func (s *Service) Cancel(_ context.Context, runID, reason string) bool {
	return s.engine.Cancels().RequestCancel(runID, reason)
}

// Resume continues a parked run. Approval-gated runs require a decision
// of "approve" or "reject"; interrupted runs resume from their latest
// checkpoint with no decision.
func (s *Service) Resume(ctx context.Context, runID, decision string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	switch run.Status {
	case schema.RunStatusAwaitingApproval:
		if decision != schema.RouteApprove && decision != schema.RouteReject {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"approval decision must be %q or %q", schema.RouteApprove, schema.RouteReject)
		}
	case schema.RunStatusInterrupted:
		if decision != "" {
			return schema.NewError(schema.ErrCodeInvalidTransition,
				"interrupted runs resume without a decision")
		}
	default:
		if run.Status.TerminalStatus() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"run %s already finished as %s", runID, run.Status)
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s, not resumable", runID, run.Status)
	}

	cp, err := s.store.LoadLatestCheckpoint(ctx, runID)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeNotFound && run.Status == schema.RunStatusInterrupted {
			// interrupted before the first checkpoint, start over
			s.launch(run, nil)
			return nil
		}
		return err
	}

	state, err := schema.RestoreState(cp.Snapshot)
	if err != nil {
		return err
	}
	if decision != "" {
		state.ApprovalDecision = decision
	}

	s.launch(run, &resumeState{state: state, fromNode: state.CurrentNode})
	return nil
}

// Status returns the persisted run record.
func (s *Service) Status(ctx context.Context, runID string) (*store.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// Wait returns a channel receiving the run's result, or nil when the run
// is not in flight.
func (s *Service) Wait(runID string) <-chan *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[runID]
}

// Recover marks runs left in running state by a previous process as
// interrupted so they can be resumed from their last checkpoint. Called
// once at startup, before any new run launches.
func (s *Service) Recover(ctx context.Context) (int, error) {
	running := schema.RunStatusRunning
	orphans, err := s.store.ListRuns(ctx, store.RunFilter{Status: &running})
	if err != nil {
		return 0, err
	}

	interrupted := schema.RunStatusInterrupted
	recovered := 0
	for _, run := range orphans {
		if s.engine.Cancels().Registered(run.ID) {
			continue // actually executing in this process
		}
		if err := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &interrupted}); err != nil {
			s.logger.Warn("failed to mark orphaned run interrupted", "run_id", run.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Shutdown waits for in-flight runs to finish or the context to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
