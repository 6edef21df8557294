package engine

import (
	"fmt"
	"strings"
)

const (
	// historyCapacity bounds the rolling node-outcome log.
	historyCapacity = 200

	// patternWindow is the maximum repeated-sequence length the detector
	// looks for.
	patternWindow = 10
)

// nodeHistory is a bounded rolling log of (node id, outcome) pairs kept
// for loop-runaway diagnostics. It never influences routing.
type nodeHistory struct {
	entries []historyEntry
	start   int
	count   int
}

type historyEntry struct {
	NodeID  string
	Outcome string
}

func newNodeHistory() *nodeHistory {
	return &nodeHistory{entries: make([]historyEntry, historyCapacity)}
}

func (h *nodeHistory) Record(nodeID, outcome string) {
	idx := (h.start + h.count) % len(h.entries)
	h.entries[idx] = historyEntry{NodeID: nodeID, Outcome: outcome}
	if h.count < len(h.entries) {
		h.count++
	} else {
		h.start = (h.start + 1) % len(h.entries)
	}
}

// Recent returns up to n most recent entries, oldest first.
func (h *nodeHistory) Recent(n int) []historyEntry {
	if n > h.count {
		n = h.count
	}
	out := make([]historyEntry, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.entries[(h.start+i)%len(h.entries)])
	}
	return out
}

// DetectPattern looks for the shortest node-id sequence repeated at least
// twice at the tail of the history. Returns the pattern and how many times
// it repeats consecutively, or ("", 0) when nothing repeats.
func (h *nodeHistory) DetectPattern() (string, int) {
	recent := h.Recent(historyCapacity)
	ids := make([]string, len(recent))
	for i, e := range recent {
		ids[i] = e.NodeID
	}

	for size := 1; size <= patternWindow && 2*size <= len(ids); size++ {
		tail := ids[len(ids)-size:]
		repeats := 1
		for {
			begin := len(ids) - (repeats+1)*size
			if begin < 0 || !equalSlices(ids[begin:begin+size], tail) {
				break
			}
			repeats++
		}
		if repeats >= 2 {
			return strings.Join(tail, " -> "), repeats
		}
	}
	return "", 0
}

// Diagnostics renders the recent history and any detected pattern into a
// details map attached to runaway errors.
func (h *nodeHistory) Diagnostics() map[string]any {
	recent := h.Recent(20)
	trace := make([]string, len(recent))
	for i, e := range recent {
		trace[i] = fmt.Sprintf("%s(%s)", e.NodeID, e.Outcome)
	}
	details := map[string]any{"recent_nodes": trace}
	if pattern, repeats := h.DetectPattern(); pattern != "" {
		details["repeated_pattern"] = pattern
		details["pattern_repeats"] = repeats
	}
	return details
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
