package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/pkg/schema"
)

type staticTool struct {
	name string
}

func (t *staticTool) Name() string                 { return t.name }
func (t *staticTool) Description() string          { return "static test tool" }
func (t *staticTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (t *staticTool) Invoke(context.Context, Input) (*Result, error) {
	return &Result{Content: "ok"}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&staticTool{name: "alpha"}))

	got, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name())
	assert.True(t, r.Has("alpha"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&staticTool{name: "alpha"}))

	err := r.Register(&staticTool{name: "alpha"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestRegistryRejectsInvalidTools(t *testing.T) {
	r := NewRegistry()

	err := r.Register(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeGraphValidation, schema.ErrorCode(err))

	err = r.Register(&staticTool{name: ""})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeGraphValidation, schema.ErrorCode(err))
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTool, schema.ErrorCode(err))
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&staticTool{name: "zeta"}))
	require.NoError(t, r.Register(&staticTool{name: "alpha"}))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "zeta", infos[1].Name)
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&staticTool{name: "alpha"}))

	assert.NoError(t, r.Validate([]string{"alpha"}))
	assert.NoError(t, r.Validate(nil))

	err := r.Validate([]string{"alpha", "beta"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeResourceInit, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "beta")
}

func TestDefaultRegistryHasBuiltins(t *testing.T) {
	r := NewDefaultRegistry()

	for _, name := range []string{"http.request", "echo", "template.render", "jq.query"} {
		assert.True(t, r.Has(name), "missing builtin %s", name)
	}
}
