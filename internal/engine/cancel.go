package engine

import (
	"context"
	"sync"
)

// CancellationRegistry is the process-wide table of cancellable runs.
// The run loop polls it cooperatively at iteration boundaries; external
// callers flag a run through RequestCancel, which also aborts the run's
// bound context so in-flight node work unwinds.
type CancellationRegistry struct {
	mu   sync.RWMutex
	runs map[string]*cancelToken
}

type cancelToken struct {
	requested bool
	reason    string
	abort     context.CancelFunc
}

func NewCancellationRegistry() *CancellationRegistry {
	return &CancellationRegistry{runs: make(map[string]*cancelToken)}
}

// Register adds a run if it is not already tracked. A cancel requested
// between registration and the run loop picking the run up is preserved,
// so re-registering never erases a pending cancellation.
func (r *CancellationRegistry) Register(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; !ok {
		r.runs[runID] = &cancelToken{}
	}
}

// Bind attaches the run's context cancel function so RequestCancel can
// abort node work mid-flight. If cancellation was already requested when
// the run loop binds its context, the context is cancelled immediately.
func (r *CancellationRegistry) Bind(runID string, abort context.CancelFunc) {
	r.mu.Lock()
	token, ok := r.runs[runID]
	if ok {
		token.abort = abort
	}
	pending := ok && token.requested
	r.mu.Unlock()

	if pending {
		abort()
	}
}

// RequestCancel flags a run for cancellation and aborts its bound
// context, if any. Returns false when the run is not registered, meaning
// it never started or already finished.
func (r *CancellationRegistry) RequestCancel(runID, reason string) bool {
	r.mu.Lock()
	token, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	token.requested = true
	token.reason = reason
	abort := token.abort
	r.mu.Unlock()

	if abort != nil {
		abort()
	}
	return true
}

// IsCancelled reports whether cancellation has been requested for a run.
func (r *CancellationRegistry) IsCancelled(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.runs[runID]
	return ok && token.requested
}

// Reason returns the recorded cancellation reason, if any.
func (r *CancellationRegistry) Reason(runID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if token, ok := r.runs[runID]; ok {
		return token.reason
	}
	return ""
}

// Unregister removes a run. Must be deferred by the run loop so finished
// runs never leak entries.
func (r *CancellationRegistry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Registered reports whether a run is currently tracked.
func (r *CancellationRegistry) Registered(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runs[runID]
	return ok
}
