package validation

import "github.com/runloom/runloom/pkg/schema"

// Validator checks graph definitions for structural correctness before
// compilation. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.GraphDefinition) error
	ValidateRaw(raw []byte) (*schema.GraphDefinition, error)
}
