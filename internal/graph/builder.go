package graph

import (
	"log/slog"

	"github.com/runloom/runloom/pkg/schema"
)

// Builder compiles untrusted graph definitions into executable graphs.
type Builder struct {
	logger *slog.Logger

	// StrictEntry turns ambiguous entry-point resolution into a build
	// error instead of a logged first-declared fallback.
	StrictEntry bool
}

func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger}
}

// Compile validates a definition and builds its executable graph.
// It registers nodes, validates kind-specific configs, rewrites edges into
// direct next-hops and routing maps, and resolves the entry point.
func (b *Builder) Compile(def *schema.GraphDefinition) (*CompiledGraph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeGraphValidation, "graph definition is nil")
	}

	g := &CompiledGraph{
		Nodes:  make(map[string]*schema.NodeSpec, len(def.Nodes)),
		Edges:  make(map[string]string),
		Routes: make(map[string]map[string]string),
	}

	// First pass: register nodes, filtering out start/end meta markers.
	meta := make(map[string]schema.NodeKind)
	for i := range def.Nodes {
		node := &def.Nodes[i]

		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeGraphValidation, "node at index %d has empty id", i)
		}
		if !schema.KnownNodeKinds[node.Kind] {
			return nil, schema.NewErrorf(schema.ErrCodeGraphValidation,
				"node %s has unknown kind: %s", node.ID, node.Kind).WithNode(node.ID)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeGraphValidation, "duplicate node id: %s", node.ID).WithNode(node.ID)
		}
		if _, exists := meta[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeGraphValidation, "duplicate node id: %s", node.ID).WithNode(node.ID)
		}

		if !node.Kind.Executable() {
			meta[node.ID] = node.Kind
			continue
		}
		g.Nodes[node.ID] = node
		g.Order = append(g.Order, node.ID)
	}

	if len(g.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeGraphValidation, "graph has no executable nodes")
	}

	// Second pass: kind-specific config constraints.
	for _, id := range g.Order {
		if err := validateNodeConfig(g.Nodes[id]); err != nil {
			return nil, err
		}
	}

	if len(g.Nodes) > 1 && len(def.Edges) == 0 {
		return nil, schema.NewError(schema.ErrCodeGraphValidation, "multi-node graph has no edges")
	}

	// Third pass: rewrite edges. Targets pointing at an end meta node
	// become the terminal sentinel; routed sources collect label maps.
	incoming := make(map[string]bool, len(g.Nodes))
	var startSuccessor string
	for i, edge := range def.Edges {
		if edge.Source == "" || edge.Target == "" {
			return nil, schema.NewErrorf(schema.ErrCodeGraphValidation, "edge at index %d has empty endpoint", i)
		}

		target, err := b.resolveTarget(g, meta, edge)
		if err != nil {
			return nil, err
		}

		if meta[edge.Source] == schema.NodeKindStart {
			if target == Terminal {
				return nil, schema.NewError(schema.ErrCodeGraphValidation, "start connects directly to end")
			}
			if startSuccessor != "" && startSuccessor != target {
				return nil, schema.NewErrorf(schema.ErrCodeGraphValidation,
					"start has conflicting successors: %s and %s", startSuccessor, target)
			}
			startSuccessor = target
			continue
		}

		source, ok := g.Nodes[edge.Source]
		if !ok {
			if meta[edge.Source] == schema.NodeKindEnd {
				return nil, schema.NewError(schema.ErrCodeGraphValidation, "end node cannot have outgoing edges")
			}
			return nil, schema.NewErrorf(schema.ErrCodeGraphValidation,
				"edge references unknown node: %s", edge.Source)
		}
		if target != Terminal {
			incoming[target] = true
		}

		if routedKind(source.Kind) {
			label := edge.Label
			if label == "" {
				label = schema.RouteDefault
			}
			if g.Routes[edge.Source] == nil {
				g.Routes[edge.Source] = make(map[string]string)
			}
			if existing, dup := g.Routes[edge.Source][label]; dup && existing != target {
				return nil, schema.NewErrorf(schema.ErrCodeGraphValidation,
					"node %s declares route %q twice", edge.Source, label).WithNode(edge.Source)
			}
			g.Routes[edge.Source][label] = target
			continue
		}

		if existing, dup := g.Edges[edge.Source]; dup {
			if existing != target {
				b.logger.Warn("node has multiple direct edges, keeping first",
					"node_id", edge.Source, "kept", existing, "ignored", target)
			}
			continue
		}
		g.Edges[edge.Source] = target
	}

	entry, err := b.resolveEntry(g, startSuccessor, incoming)
	if err != nil {
		return nil, err
	}
	g.Entry = entry

	// Single-node graphs with no edges auto-terminate.
	if len(g.Nodes) == 1 && len(g.Edges) == 0 && len(g.Routes) == 0 {
		g.Edges[g.Order[0]] = Terminal
	}

	if err := b.checkReachableHops(g); err != nil {
		return nil, err
	}
	return g, nil
}

// resolveTarget maps an edge target to an executable node id or Terminal.
func (b *Builder) resolveTarget(g *CompiledGraph, meta map[string]schema.NodeKind, edge schema.EdgeSpec) (string, error) {
	if kind, ok := meta[edge.Target]; ok {
		switch kind {
		case schema.NodeKindEnd:
			return Terminal, nil
		case schema.NodeKindStart:
			return "", schema.NewError(schema.ErrCodeGraphValidation, "start node cannot be an edge target")
		}
	}
	if _, ok := g.Nodes[edge.Target]; !ok {
		return "", schema.NewErrorf(schema.ErrCodeGraphValidation,
			"edge references unknown node: %s", edge.Target)
	}
	return edge.Target, nil
}

// resolveEntry picks the run's first node: the start successor when
// declared, otherwise the node with no incoming edge from another
// executable node, otherwise the first declared node.
func (b *Builder) resolveEntry(g *CompiledGraph, startSuccessor string, incoming map[string]bool) (string, error) {
	if startSuccessor != "" {
		return startSuccessor, nil
	}

	var candidates []string
	for _, id := range g.Order {
		if !incoming[id] {
			candidates = append(candidates, id)
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		// every node has an incoming edge (pure cycle), fall back to
		// declaration order
		if b.StrictEntry {
			return "", schema.NewError(schema.ErrCodeGraphValidation,
				"cannot resolve entry point: every node has an incoming edge")
		}
		b.logger.Warn("no entry candidate, using first declared node", "node_id", g.Order[0])
		return g.Order[0], nil
	default:
		if b.StrictEntry {
			return "", schema.NewErrorf(schema.ErrCodeGraphValidation,
				"ambiguous entry point: %v", candidates)
		}
		b.logger.Warn("ambiguous entry point, using first declared candidate",
			"candidates", candidates, "node_id", candidates[0])
		return candidates[0], nil
	}
}

// checkReachableHops walks the graph from the entry and rejects any
// reachable node that has no outgoing edge or route.
func (b *Builder) checkReachableHops(g *CompiledGraph) error {
	visited := make(map[string]bool, len(g.Nodes))
	queue := []string{g.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == Terminal || visited[id] {
			continue
		}
		visited[id] = true

		routes, routed := g.Routes[id]
		direct, hasDirect := g.Edges[id]
		if !routed && !hasDirect {
			return schema.NewErrorf(schema.ErrCodeGraphValidation,
				"node %s is reachable but has no outgoing edge", id).WithNode(id)
		}
		if routed {
			for _, target := range routes {
				queue = append(queue, target)
			}
		} else {
			queue = append(queue, direct)
		}
	}
	return nil
}

func routedKind(kind schema.NodeKind) bool {
	switch kind {
	case schema.NodeKindConditional, schema.NodeKindLoop, schema.NodeKindApproval:
		return true
	}
	return false
}

// validateNodeConfig checks kind-specific constraints before compilation
// proceeds. Prevents unbounded loops and unresolvable tool nodes.
func validateNodeConfig(node *schema.NodeSpec) error {
	switch node.Kind {
	case schema.NodeKindLoop:
		var cfg schema.LoopNodeConfig
		if err := node.DecodeConfig(&cfg); err != nil {
			return err
		}
		if cfg.MaxIterations <= 0 {
			return schema.NewErrorf(schema.ErrCodeGraphValidation,
				"loop node %s must have max_iterations > 0", node.ID).WithNode(node.ID)
		}

	case schema.NodeKindConditional:
		var cfg schema.ConditionalConfig
		if err := node.DecodeConfig(&cfg); err != nil {
			return err
		}
		if cfg.Expression == "" {
			return schema.NewErrorf(schema.ErrCodeGraphValidation,
				"conditional node %s has no expression", node.ID).WithNode(node.ID)
		}

	case schema.NodeKindTool:
		var cfg schema.ToolConfig
		if err := node.DecodeConfig(&cfg); err != nil {
			return err
		}
		if cfg.Tool == "" {
			return schema.NewErrorf(schema.ErrCodeGraphValidation,
				"tool node %s has no tool name", node.ID).WithNode(node.ID)
		}

	case schema.NodeKindWork:
		var cfg schema.WorkConfig
		if err := node.DecodeConfig(&cfg); err != nil {
			return err
		}
		if cfg.MaxTurns < 0 {
			return schema.NewErrorf(schema.ErrCodeGraphValidation,
				"work node %s has negative max_turns", node.ID).WithNode(node.ID)
		}

	default:
		// approval, checkpoint and output nodes accept any config; their
		// optional fields default at execution time
		var fields map[string]any
		if err := node.DecodeConfig(&fields); err != nil {
			return err
		}
	}
	return nil
}
