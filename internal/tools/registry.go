package tools

import (
	"sort"
	"sync"

	"github.com/runloom/runloom/pkg/schema"
)

// Registry is a thread-safe collection of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewDefaultRegistry returns a registry pre-populated with the builtin tools.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range Builtins() {
		// builtins are statically named, registration cannot fail
		_ = r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeGraphValidation, "cannot register nil tool")
	}
	name := t.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeGraphValidation, "cannot register tool with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "tool %q not found", name)
	}
	return t, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns summaries of all registered tools sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{Name: t.Name(), Description: t.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Validate checks that every tool name is registered. Used by the engine
// pre-flight before a run starts walking the graph.
func (r *Registry) Validate(names []string) error {
	var missing []string
	for _, name := range names {
		if !r.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeResourceInit, "unknown tools: %v", missing)
	}
	return nil
}
