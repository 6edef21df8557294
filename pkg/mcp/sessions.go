package mcp

import "sync"

// WatchRegistry maps run IDs to the MCP sessions watching them.
// Populated when a session calls runloom.watch.
type WatchRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // runID → set of sessionIDs
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watchers: make(map[string]map[string]struct{})}
}

// Add subscribes a session to a run. Returns true when this is the
// run's first watcher.
func (r *WatchRegistry) Add(runID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[runID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[runID] = set
	}
	set[sessionID] = struct{}{}
	return !ok
}

// Sessions returns the session IDs currently watching the run.
func (r *WatchRegistry) Sessions(runID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.watchers[runID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// Remove deletes a session from every run it watches.
// Called when a session disconnects.
func (r *WatchRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, set := range r.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watchers, runID)
		}
	}
}

// RemoveRun drops all watchers of a run once it reaches a terminal event.
func (r *WatchRegistry) RemoveRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, runID)
}
