package expressions

import "context"

// Engine evaluates expressions against a restricted run-state environment.
// Three implementations: Expr (routing logic, default), CEL (routing logic,
// opt-in per node), GoJQ (state projections for tool input and output
// formatting).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles the evaluators handed to node executors.
type Engines struct {
	Expr *ExprEngine
	CEL  *CELEngine
	JQ   *GoJQEngine
}

// NewEngines constructs the full evaluator set.
func NewEngines() (*Engines, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		Expr: NewExprEngine(),
		CEL:  cel,
		JQ:   NewGoJQEngine(),
	}, nil
}

// ForLang selects the routing evaluator for a node's declared language.
// Unknown or empty values fall back to expr.
func (e *Engines) ForLang(lang string) Engine {
	if lang == "cel" {
		return e.CEL
	}
	return e.Expr
}
