package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/runloom/runloom/internal/expressions"
	"github.com/runloom/runloom/internal/graph"
	"github.com/runloom/runloom/internal/logging"
	"github.com/runloom/runloom/internal/model"
	"github.com/runloom/runloom/internal/store"
	"github.com/runloom/runloom/internal/streaming"
	"github.com/runloom/runloom/internal/tools"
	"github.com/runloom/runloom/internal/validation"
	"github.com/runloom/runloom/pkg/schema"
)

// Safety limit defaults. Both limits fail the run but never suppress the
// terminal event.
const (
	DefaultMaxEvents      = 10000
	DefaultTimeout        = 10 * time.Minute
	DefaultRecursionLimit = 100
)

// Config tunes one engine instance. Zero values take the defaults above.
type Config struct {
	MaxEvents      int64
	Timeout        time.Duration
	RecursionLimit int
	DefaultModel   string

	// StrictEntry rejects graphs with ambiguous entry points instead of
	// falling back to declaration order.
	StrictEntry bool

	// DetectLoopPatterns attaches repeated-pattern diagnostics to
	// recursion-exhaustion errors.
	DetectLoopPatterns bool
}

func (c Config) withDefaults() Config {
	if c.MaxEvents <= 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RecursionLimit <= 0 {
		c.RecursionLimit = DefaultRecursionLimit
	}
	return c
}

// Session is a long-lived external resource owned by one run, acquired
// during pre-flight and torn down unconditionally at run end.
type Session interface {
	Close(ctx context.Context) error
}

// SessionProvider acquires run-scoped sessions (e.g. a browser pool).
type SessionProvider interface {
	Acquire(ctx context.Context, runID string) (Session, error)
}

// Engine drives runs from start to terminal state. One engine serves many
// concurrent runs; all per-run mutable state lives on the stack of Execute.
type Engine struct {
	store     store.Store
	bus       streaming.EventBus
	cancels   *CancellationRegistry
	tools     *tools.Registry
	backend   model.Backend
	engines   *expressions.Engines
	interp    *expressions.Interpolator
	builder   *graph.Builder
	validator validation.Validator
	sessions  SessionProvider
	logger    *slog.Logger
	config    Config
}

// Options bundles the engine's collaborators.
type Options struct {
	Store    store.Store
	Bus      streaming.EventBus
	Cancels  *CancellationRegistry
	Tools    *tools.Registry
	Backend  model.Backend
	Sessions SessionProvider
	Logger   *slog.Logger
	Config   Config
}

func New(opts Options) (*Engine, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cancels := opts.Cancels
	if cancels == nil {
		cancels = NewCancellationRegistry()
	}
	registry := opts.Tools
	if registry == nil {
		registry = tools.NewDefaultRegistry()
	}
	cfg := opts.Config.withDefaults()

	builder := graph.NewBuilder(logger)
	builder.StrictEntry = cfg.StrictEntry

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:     opts.Store,
		bus:       opts.Bus,
		cancels:   cancels,
		tools:     registry,
		backend:   opts.Backend,
		engines:   engines,
		interp:    expressions.NewInterpolator(),
		builder:   builder,
		validator: validator,
		sessions:  opts.Sessions,
		logger:    logger,
		config:    cfg,
	}, nil
}

// compile validates the untrusted definition against the graph schema,
// then hands it to the builder.
func (e *Engine) compile(def *schema.GraphDefinition) (*graph.CompiledGraph, error) {
	if err := e.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	return e.builder.Compile(def)
}

// Cancels exposes the registry for the run-control surface.
func (e *Engine) Cancels() *CancellationRegistry { return e.cancels }

// Result is the outcome of one run execution.
type Result struct {
	RunID     string               `json:"run_id"`
	Status    schema.RunStatus     `json:"status"`
	Output    any                  `json:"output,omitempty"`
	Error     *schema.RunloomError `json:"error,omitempty"`
	Telemetry *Telemetry           `json:"telemetry,omitempty"`
}

// resumeState carries restored state into Execute for approval resumes.
type resumeState struct {
	state    *schema.RunState
	fromNode string
}

// Execute drives a run to a terminal state (or to the awaiting-approval
// gate). It owns the run's cancellation registration and its session.
func (e *Engine) Execute(ctx context.Context, run *store.Run) *Result {
	return e.execute(ctx, run, nil)
}

func (e *Engine) execute(ctx context.Context, run *store.Run, resume *resumeState) *Result {
	ctx = logging.WithRunID(ctx, run.ID)
	log := logging.LogWith(ctx, e.logger)

	if run.Status != "" && !schema.CanTransition(run.Status, schema.RunStatusRunning) {
		e.cancels.Unregister(run.ID)
		return &Result{
			RunID:  run.ID,
			Status: run.Status,
			Error: schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"run %s cannot move from %s to running", run.ID, run.Status),
		}
	}

	e.cancels.Register(run.ID)
	defer e.cancels.Unregister(run.ID)

	// RequestCancel aborts this context, so cancellation reaches node
	// work mid-flight instead of waiting for an iteration boundary.
	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	e.cancels.Bind(run.ID, abort)
	ctx = runCtx

	emitter, err := newEmitter(ctx, run.ID, e.bus, e.store, log)
	if err != nil {
		return e.failBeforeStart(ctx, run, nil, schema.NewError(schema.ErrCodeStore, "event log unavailable").WithCause(err))
	}

	compiled, err := e.compile(&run.Definition)
	if err != nil {
		return e.failBeforeStart(ctx, run, emitter, err)
	}

	// Pre-flight: every referenced tool must resolve and any declared
	// long-lived session must initialize before the first node runs.
	if err := e.tools.Validate(compiled.ToolNames()); err != nil {
		return e.failBeforeStart(ctx, run, emitter, err)
	}
	var session Session
	if compiled.NeedsSession() {
		if e.sessions == nil {
			return e.failBeforeStart(ctx, run, emitter,
				schema.NewError(schema.ErrCodeResourceInit, "graph requires a session but no provider is configured"))
		}
		session, err = e.sessions.Acquire(ctx, run.ID)
		if err != nil {
			return e.failBeforeStart(ctx, run, emitter,
				schema.NewError(schema.ErrCodeResourceInit, "session initialization failed").WithCause(err))
		}
	}
	if session != nil {
		defer func() {
			if err := session.Close(context.WithoutCancel(ctx)); err != nil {
				log.Warn("session teardown failed", "error", err)
			}
		}()
	}

	state := schema.NewRunState(run.Input)
	current := compiled.Entry
	if resume != nil {
		state = resume.state
		current = resume.fromNode
	}

	startedAt := time.Now()
	e.markRunning(ctx, run.ID, startedAt, log)
	emitter.Emit(ctx, schema.EventRunStarted, "", map[string]any{
		"entry":   compiled.Entry,
		"resumed": resume != nil,
	})

	env := &execEnv{
		emitter:      emitter,
		engines:      e.engines,
		interp:       e.interp,
		tools:        e.tools,
		backend:      e.backend,
		logger:       log,
		defaultModel: e.config.DefaultModel,
		saveCheckpoint: func(cpCtx context.Context) (int64, error) {
			return e.checkpoint(cpCtx, run.ID, state)
		},
	}

	history := newNodeHistory()
	deadline := startedAt.Add(e.config.Timeout)

	// The wall-clock limit rides on the run context too, so a node stuck
	// in a model call is cut off at the deadline rather than after it.
	ctx, expire := context.WithDeadline(ctx, deadline)
	defer expire()
	emitter.LimitEvents(e.config.MaxEvents, abort)

	var runErr *schema.RunloomError
	steps := 0

loop:
	for {
		// Cooperative checks at every iteration boundary. The deadline
		// check comes first so an expired run context is reported as a
		// timeout, not a cancellation.
		if time.Now().After(deadline) {
			runErr = schema.NewErrorf(schema.ErrCodeExecutionTimeout,
				"run exceeded %s wall-clock limit", e.config.Timeout)
			break
		}
		if emitter.Count() > e.config.MaxEvents {
			runErr = schema.NewErrorf(schema.ErrCodeMaxEventsExceeded,
				"run exceeded %d events", e.config.MaxEvents)
			break
		}
		if e.cancels.IsCancelled(run.ID) || ctx.Err() != nil {
			runErr = e.cancelError(run.ID)
			break
		}
		if steps >= e.config.RecursionLimit {
			runErr = schema.NewErrorf(schema.ErrCodeRecursionExhausted,
				"run exceeded %d node executions", e.config.RecursionLimit)
			if e.config.DetectLoopPatterns {
				runErr = runErr.WithDetails(history.Diagnostics())
			}
			break
		}

		node, ok := compiled.Node(current)
		if !ok {
			runErr = schema.NewErrorf(schema.ErrCodeGraphValidation, "routing reached unknown node %s", current)
			break
		}
		steps++
		state.CurrentNode = node.ID

		nodeCtx := logging.WithNodeID(ctx, node.ID)
		emitter.Emit(nodeCtx, schema.EventNodeStarted, node.ID, map[string]any{"kind": string(node.Kind)})

		execute, ok := nodeExecutors[node.Kind]
		if !ok {
			runErr = schema.NewErrorf(schema.ErrCodeGraphValidation, "no executor for kind %s", node.Kind).WithNode(node.ID)
			break
		}

		nodeStart := time.Now()
		delta, execErr := execute(nodeCtx, env, state, node)
		outcome := schema.StepOutcome{
			NodeID:    node.ID,
			Kind:      node.Kind,
			Status:    schema.OutcomeCompleted,
			StartedAt: nodeStart,
			Duration:  time.Since(nodeStart),
		}

		if execErr != nil {
			// An aborted run context surfaces as a node error. Report it
			// as the cancellation or limit that caused it, not as a node
			// failure.
			if e.cancels.IsCancelled(run.ID) {
				runErr = e.cancelError(run.ID)
				break
			}
			if time.Now().After(deadline) {
				runErr = schema.NewErrorf(schema.ErrCodeExecutionTimeout,
					"run exceeded %s wall-clock limit", e.config.Timeout)
				break
			}
			if emitter.Count() > e.config.MaxEvents {
				runErr = schema.NewErrorf(schema.ErrCodeMaxEventsExceeded,
					"run exceeded %d events", e.config.MaxEvents)
				break
			}

			outcome.Status = schema.OutcomeFailed
			outcome.Error = execErr.Error()
			state.Apply(&schema.Delta{
				StepHistory:  []schema.StepOutcome{outcome},
				ErrorMessage: schema.StrPtr(execErr.Error()),
			})
			history.Record(node.ID, outcome.Status)
			emitter.Emit(nodeCtx, schema.EventNodeFailed, node.ID, map[string]any{"error": execErr.Error()})

			if node.NonFatal && !compiled.Routed(node.ID) {
				log.Warn("non-fatal node failed, continuing", "node_id", node.ID, "error", execErr)
				next, nextErr := compiled.Next(node.ID, "")
				if nextErr != nil {
					runErr = asRunloomError(nextErr, node.ID)
					break
				}
				if next == graph.Terminal {
					break
				}
				current = next
				continue
			}
			runErr = asRunloomError(execErr, node.ID)
			break
		}

		state.Apply(delta)
		if state.AwaitingApproval {
			outcome.Status = schema.OutcomePendingApproval
		}
		state.Apply(&schema.Delta{StepHistory: []schema.StepOutcome{outcome}})
		history.Record(node.ID, outcome.Status)
		emitter.Emit(nodeCtx, schema.EventNodeCompleted, node.ID, map[string]any{
			"duration_ms": outcome.Duration.Milliseconds(),
		})

		// Approval gates persist a checkpoint and leave the loop; a
		// later resume call re-enters at this node with the decision.
		if state.AwaitingApproval {
			return e.suspendForApproval(ctx, run, state, node.ID, emitter, log)
		}

		// Cancellation requested while the node was executing wins over
		// normal routing, including routing into the terminal sentinel.
		if e.cancels.IsCancelled(run.ID) {
			runErr = e.cancelError(run.ID)
			break
		}

		next, nextErr := compiled.Next(node.ID, routeFor(node.Kind, state))
		if nextErr != nil {
			runErr = asRunloomError(nextErr, node.ID)
			break
		}
		if next == graph.Terminal {
			break loop
		}
		current = next
	}

	return e.finish(ctx, run, state, emitter, runErr, log)
}

// cancelError builds the cancellation error, carrying the requester's
// reason when one was recorded.
func (e *Engine) cancelError(runID string) *schema.RunloomError {
	runErr := schema.NewError(schema.ErrCodeRunCancelled, "run cancelled")
	if reason := e.cancels.Reason(runID); reason != "" {
		runErr = runErr.WithDetails(map[string]any{"reason": reason})
	}
	return runErr
}

// routeFor picks the branch label a routed node resolved into state.
func routeFor(kind schema.NodeKind, state *schema.RunState) string {
	switch kind {
	case schema.NodeKindLoop:
		return state.LoopRoute
	case schema.NodeKindConditional, schema.NodeKindApproval:
		return state.ConditionalRoute
	}
	return ""
}

// checkpoint persists a snapshot of the current state.
func (e *Engine) checkpoint(ctx context.Context, runID string, state *schema.RunState) (int64, error) {
	snapshot, err := state.Snapshot()
	if err != nil {
		return 0, err
	}
	cp, err := e.store.SaveCheckpoint(ctx, runID, snapshot)
	if err != nil {
		return 0, err
	}
	return cp.Version, nil
}

// suspendForApproval checkpoints the run and parks it awaiting a human
// decision. The run's active loop exits; Resume restarts it later.
func (e *Engine) suspendForApproval(ctx context.Context, run *store.Run, state *schema.RunState, nodeID string, emitter *emitter, log *slog.Logger) *Result {
	state.CurrentNode = nodeID
	if _, err := e.checkpoint(ctx, run.ID, state); err != nil {
		return e.finish(ctx, run, state, emitter, asRunloomError(err, nodeID), log)
	}

	status := schema.RunStatusAwaitingApproval
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &status}); err != nil {
		log.Warn("failed to mark run awaiting approval", "error", err)
	}
	return &Result{RunID: run.ID, Status: status}
}

// finish performs terminal bookkeeping: telemetry aggregation, the final
// run record update, and the terminal publish. Failures and cancellations
// publish their typed event first, then complete, so no subscriber is
// left waiting.
func (e *Engine) finish(ctx context.Context, run *store.Run, state *schema.RunState, emitter *emitter, runErr *schema.RunloomError, log *slog.Logger) *Result {
	ctx = context.WithoutCancel(ctx)

	telemetry, telErr := aggregateTelemetry(ctx, e.store, run.ID)
	if telErr != nil {
		log.Warn("telemetry aggregation failed", "error", telErr)
	}

	result := &Result{RunID: run.ID, Telemetry: telemetry}
	now := time.Now().UTC()
	update := store.RunUpdate{CompletedAt: &now}

	switch {
	case runErr == nil:
		result.Status = schema.RunStatusCompleted
		result.Output = finalOutput(state)
		if raw, err := json.Marshal(result.Output); err == nil {
			update.Result = raw
		}
		status := schema.RunStatusCompleted
		update.Status = &status

	case runErr.Code == schema.ErrCodeRunCancelled:
		result.Status = schema.RunStatusCancelled
		result.Error = runErr
		update.Error = marshalError(runErr)
		status := schema.RunStatusCancelled
		update.Status = &status
		emitter.Emit(ctx, schema.EventRunCancelled, "", map[string]any{"message": runErr.Message})

	default:
		result.Status = schema.RunStatusFailed
		result.Error = runErr
		update.Error = marshalError(runErr)
		status := schema.RunStatusFailed
		update.Status = &status
		emitter.Emit(ctx, schema.EventRunError, "", errorPayload(runErr))
	}

	if err := e.store.UpdateRun(ctx, run.ID, update); err != nil {
		log.Warn("failed to persist terminal run state", "error", err)
	}

	payload := map[string]any{"status": string(result.Status)}
	if telemetry != nil {
		payload["telemetry"] = telemetry
	}
	if result.Output != nil {
		payload["result"] = result.Output
	}
	emitter.Emit(ctx, schema.EventRunComplete, "", payload)

	log.Info("run finished", "status", result.Status, "events", emitter.Count())
	return result
}

// failBeforeStart handles pre-flight failures: the run record moves to
// failed and observers still receive the full terminal publish.
func (e *Engine) failBeforeStart(ctx context.Context, run *store.Run, em *emitter, err error) *Result {
	runErr := asRunloomError(err, "")
	log := logging.LogWith(ctx, e.logger)

	if em == nil {
		// event log unavailable, publish to the bus only
		em = &emitter{runID: run.ID, bus: e.bus, logger: log}
	}
	state := schema.NewRunState(run.Input)
	return e.finish(ctx, run, state, em, runErr, log)
}

func (e *Engine) markRunning(ctx context.Context, runID string, startedAt time.Time, log *slog.Logger) {
	status := schema.RunStatusRunning
	t := startedAt.UTC()
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &status, StartedAt: &t}); err != nil {
		log.Warn("failed to mark run running", "error", err)
	}
}

// finalOutput prefers an explicit output-node result, then the last
// message content.
func finalOutput(state *schema.RunState) any {
	if state.Result != nil {
		return state.Result
	}
	if m := state.LastMessage(); m != nil {
		return m.Content
	}
	return nil
}

func asRunloomError(err error, nodeID string) *schema.RunloomError {
	var re *schema.RunloomError
	if errors.As(err, &re) {
		return re
	}
	wrapped := schema.NewError(schema.ErrCodeNodeExecution, err.Error()).WithCause(err)
	if nodeID != "" {
		wrapped = wrapped.WithNode(nodeID)
	}
	return wrapped
}

func marshalError(err *schema.RunloomError) json.RawMessage {
	raw, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		return nil
	}
	return raw
}

func errorPayload(err *schema.RunloomError) map[string]any {
	payload := map[string]any{
		"code":    err.Code,
		"message": err.Message,
	}
	if err.NodeID != "" {
		payload["node_id"] = err.NodeID
	}
	if len(err.Details) > 0 {
		payload["details"] = err.Details
	}
	return payload
}
