package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/runloom/runloom/pkg/schema"
)

// Interpolator resolves ${{...}} references in work-node prompts and
// tool-node params. Two namespaces are available: input.* (the caller
// supplied run input) and state.* (the EvalContext projection of the
// current run state).
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve replaces every ${{...}} token in the input string.
func (interp *Interpolator) Resolve(input string, state *schema.RunState) (string, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}

	scope := state.EvalContext()["state"].(map[string]any)

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{"

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.resolveExpr(expr, scope, state.Input)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}"
	}

	return result.String(), nil
}

// ResolveRaw interpolates references inside raw JSON params.
func (interp *Interpolator) ResolveRaw(raw json.RawMessage, state *schema.RunState) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	resolved, err := interp.Resolve(string(raw), state)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resolved), nil
}

// resolveExpr resolves a single reference like "state.last_message" or
// "input.query.text".
func (interp *Interpolator) resolveExpr(expr string, stateScope map[string]any, input map[string]any) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid reference %q: expected <namespace>.<field>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	switch parts[0] {
	case "state":
		return traversePath(stateScope, parts[1], expr)
	case "input":
		return traversePath(toAnyMap(input), parts[1], expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown namespace %q in ${{%s}}; available: state, input", parts[0], expr).
			WithDetails(map[string]any{"expression": expr})
	}
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	// Direct key lookup first, so keys containing dots still resolve.
	if m, ok := root.(map[string]any); ok {
		if val, exists := m[path]; exists {
			return val, nil
		}
	}

	current := root
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
		val, exists := m[seg]
		if !exists {
			keys := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": keys})
		}
		current = val
	}
	return current, nil
}

// marshalInline converts a resolved value into its inline representation.
// Strings embed without extra quotes; complex types JSON-encode inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func toAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
