package expressions

import (
	"encoding/json"
	"testing"

	"github.com/runloom/runloom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func interpState() *schema.RunState {
	s := schema.NewRunState(map[string]any{
		"query": "weekly report",
		"options": map[string]any{
			"format": "markdown",
		},
	})
	s.Messages = append(s.Messages, schema.Message{Role: schema.RoleAssistant, Content: "draft complete"})
	return s
}

func TestInterpolatorResolve(t *testing.T) {
	interp := NewInterpolator()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no tokens pass through", "plain prompt", "plain prompt"},
		{"input reference", "Summarize: ${{input.query}}", "Summarize: weekly report"},
		{"nested input field", "as ${{input.options.format}}", "as markdown"},
		{"state reference", "Previous: ${{state.last_message}}", "Previous: draft complete"},
		{"multiple tokens", "${{input.query}} / ${{state.last_message}}", "weekly report / draft complete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := interp.Resolve(tt.input, interpState())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolatorErrors(t *testing.T) {
	interp := NewInterpolator()

	tests := []struct {
		name  string
		input string
	}{
		{"unclosed token", "broken ${{input.query"},
		{"empty reference", "bad ${{  }}"},
		{"unknown namespace", "bad ${{secrets.KEY}}"},
		{"missing field", "bad ${{input.nope}}"},
		{"bare namespace", "bad ${{state}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interp.Resolve(tt.input, interpState())
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
		})
	}
}

func TestInterpolatorResolveRaw(t *testing.T) {
	interp := NewInterpolator()

	raw := json.RawMessage(`{"q": "${{input.query}}"}`)
	resolved, err := interp.ResolveRaw(raw, interpState())
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(resolved, &out))
	assert.Equal(t, "weekly report", out["q"])
}
