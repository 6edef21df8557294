package graph

import (
	"github.com/runloom/runloom/pkg/schema"
)

// Terminal is the sentinel target meaning "the run is finished". Edges that
// point at an end meta node are rewritten to it at compile time.
const Terminal = "__terminal__"

// CompiledGraph is the executable form of a graph definition. Built once
// per run and never mutated during execution.
type CompiledGraph struct {
	// Entry is the resolved first executable node.
	Entry string

	// Nodes holds the executable node set (meta nodes filtered out).
	Nodes map[string]*schema.NodeSpec

	// Order preserves the declared order of executable nodes.
	Order []string

	// Edges is the direct next-hop for non-branching nodes.
	Edges map[string]string

	// Routes holds branch-label routing maps for conditional, loop and
	// approval nodes.
	Routes map[string]map[string]string
}

// Node returns the NodeSpec for an executable node id.
func (g *CompiledGraph) Node(id string) (*schema.NodeSpec, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Next resolves the node following nodeID. For routed nodes the label
// selects the branch; routed nodes with no matching label fail.
func (g *CompiledGraph) Next(nodeID, label string) (string, error) {
	if routes, ok := g.Routes[nodeID]; ok {
		if target, ok := routes[label]; ok {
			return target, nil
		}
		if target, ok := routes[schema.RouteDefault]; ok {
			return target, nil
		}
		return "", schema.NewErrorf(schema.ErrCodeGraphValidation,
			"node %s has no route for label %q", nodeID, label).WithNode(nodeID)
	}
	if target, ok := g.Edges[nodeID]; ok {
		return target, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeGraphValidation,
		"node %s has no outgoing edge", nodeID).WithNode(nodeID)
}

// Routed reports whether a node resolves its successor through a routing map.
func (g *CompiledGraph) Routed(nodeID string) bool {
	_, ok := g.Routes[nodeID]
	return ok
}

// ToolNames collects every tool referenced by tool and work nodes, used by
// the engine pre-flight.
func (g *CompiledGraph) ToolNames() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, id := range g.Order {
		node := g.Nodes[id]
		switch node.Kind {
		case schema.NodeKindTool:
			var cfg schema.ToolConfig
			if err := node.DecodeConfig(&cfg); err == nil {
				add(cfg.Tool)
			}
		case schema.NodeKindWork:
			var cfg schema.WorkConfig
			if err := node.DecodeConfig(&cfg); err == nil {
				for _, name := range cfg.Tools {
					add(name)
				}
			}
		}
	}
	return names
}

// NeedsSession reports whether any work node declares a long-lived session
// requirement, which the engine must initialize before the run starts.
func (g *CompiledGraph) NeedsSession() bool {
	for _, id := range g.Order {
		node := g.Nodes[id]
		if node.Kind != schema.NodeKindWork {
			continue
		}
		var cfg schema.WorkConfig
		if err := node.DecodeConfig(&cfg); err == nil && cfg.NeedsSession {
			return true
		}
	}
	return false
}
