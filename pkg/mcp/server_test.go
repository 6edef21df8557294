package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunloomServer(t *testing.T) {
	s := NewRunloomServer(RunloomServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.watchers)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewRunloomServer(RunloomServerDeps{})

	serverTools := s.mcpServer.ListTools()
	require.Len(t, serverTools, 8)

	expectedTools := []string{
		"runloom.start",
		"runloom.status",
		"runloom.cancel",
		"runloom.resume",
		"runloom.events",
		"runloom.watch",
		"runloom.schedule",
		"runloom.tools",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"start", "runloom.start", "Launch a workflow graph run"},
		{"status", "runloom.status", "Get the status of a run"},
		{"cancel", "runloom.cancel", "Request cooperative cancellation of an executing run"},
		{"events", "runloom.events", "Replay the persisted event log of a run"},
	}

	s := NewRunloomServer(RunloomServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
