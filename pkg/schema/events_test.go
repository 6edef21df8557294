package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunStatusPending, RunStatusRunning, true},
		{RunStatusRunning, RunStatusCompleted, true},
		{RunStatusRunning, RunStatusAwaitingApproval, true},
		{RunStatusAwaitingApproval, RunStatusRunning, true},
		{RunStatusInterrupted, RunStatusRunning, true},
		{RunStatusCompleted, RunStatusRunning, false},
		{RunStatusFailed, RunStatusRunning, false},
		{RunStatusCancelled, RunStatusRunning, false},
		{RunStatusPending, RunStatusCompleted, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatus(t *testing.T) {
	for _, s := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled} {
		assert.True(t, s.TerminalStatus(), string(s))
	}
	for _, s := range []RunStatus{RunStatusPending, RunStatusRunning, RunStatusAwaitingApproval, RunStatusInterrupted} {
		assert.False(t, s.TerminalStatus(), string(s))
	}
}

func TestExecutionEventTerminal(t *testing.T) {
	for _, typ := range []string{EventRunComplete, EventRunError, EventRunCancelled} {
		e := ExecutionEvent{Type: typ}
		assert.True(t, e.Terminal(), typ)
	}
	e := ExecutionEvent{Type: EventNodeCompleted}
	assert.False(t, e.Terminal())
}
