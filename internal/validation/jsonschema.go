package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/runloom/runloom/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// graphSchemaJSON is the JSON Schema for GraphDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://runloom.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "kind": {
          "type": "string",
          "enum": ["start", "end", "work", "tool", "conditional", "loop", "approval", "checkpoint", "output"]
        },
        "config": {},
        "non_fatal": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": {
          "type": "string",
          "minLength": 1
        },
        "target": {
          "type": "string",
          "minLength": 1
        },
        "label": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the graph schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource("https://runloom.dev/schemas/graph.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}

	compiled, err := c.Compile("https://runloom.dev/schemas/graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &JSONSchemaValidator{graphSchema: compiled}, nil
}

// ValidateDefinition validates a GraphDefinition against the graph JSON
// Schema plus structural rules the schema cannot express. All issues are
// gathered into one ValidationResult so callers see every problem in a
// single round trip; warnings alone never fail validation.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeGraphValidation, "graph definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeGraphValidation, "failed to serialize graph definition").WithCause(err)
	}

	result := &schema.ValidationResult{}
	if err := v.graphSchema.Validate(doc); err != nil {
		result.Merge(schemaIssues(err))
	}
	structuralIssues(def, result)
	return result.ToError()
}

// structuralIssues appends checks JSON Schema cannot express: duplicate
// node IDs are errors, nodes that no edge references are warnings.
func structuralIssues(def *schema.GraphDefinition, result *schema.ValidationResult) {
	seen := make(map[string]int, len(def.Nodes))
	for i, node := range def.Nodes {
		if first, dup := seen[node.ID]; dup {
			result.AddError(fmt.Sprintf("/nodes/%d", i), "duplicate_node",
				fmt.Sprintf("node id %q already declared at /nodes/%d", node.ID, first))
			continue
		}
		seen[node.ID] = i
	}

	if len(def.Nodes) < 2 {
		return
	}
	connected := make(map[string]struct{}, len(def.Edges)*2)
	for _, edge := range def.Edges {
		connected[edge.Source] = struct{}{}
		connected[edge.Target] = struct{}{}
	}
	for i, node := range def.Nodes {
		if _, ok := connected[node.ID]; !ok {
			result.AddWarning(fmt.Sprintf("/nodes/%d", i), "unconnected_node",
				fmt.Sprintf("node %q is not referenced by any edge", node.ID))
		}
	}
}

// ValidateRaw validates untrusted graph JSON and decodes it on success.
func (v *JSONSchemaValidator) ValidateRaw(raw []byte) (*schema.GraphDefinition, error) {
	var def schema.GraphDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeGraphValidation, "graph is not valid JSON").WithCause(err)
	}
	if err := v.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// schemaIssues converts a jsonschema validation failure into issues with
// their instance locations.
func schemaIssues(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", "schema", err.Error())
		return result
	}
	collectLeaves(verr, result)
	if len(result.Errors) == 0 {
		result.AddError("/", "schema", verr.Error())
	}
	return result
}

// collectLeaves walks a ValidationError tree and records each leaf cause.
func collectLeaves(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(loc, "schema", verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectLeaves(cause, result)
	}
}
