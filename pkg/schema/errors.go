package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeGraphValidation    = "GRAPH_VALIDATION"
	ErrCodeResourceInit       = "RESOURCE_INIT"
	ErrCodeNodeExecution      = "NODE_EXECUTION"
	ErrCodeMaxEventsExceeded  = "MAX_EVENTS_EXCEEDED"
	ErrCodeExecutionTimeout   = "EXECUTION_TIMEOUT"
	ErrCodeRunCancelled       = "RUN_CANCELLED"
	ErrCodeRecursionExhausted = "RECURSION_EXHAUSTED"
	ErrCodeExpression         = "EXPRESSION_ERROR"
	ErrCodeTool               = "TOOL_ERROR"
	ErrCodeModel              = "MODEL_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeScheduler          = "SCHEDULER_ERROR"
)

// RunloomError is the structured error type for all engine operations.
type RunloomError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RunloomError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RunloomError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RunloomError.
func NewError(code, message string) *RunloomError {
	return &RunloomError{Code: code, Message: message}
}

// NewErrorf creates a new RunloomError with a formatted message.
func NewErrorf(code, format string, args ...any) *RunloomError {
	return &RunloomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *RunloomError) WithNode(nodeID string) *RunloomError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *RunloomError) WithCause(err error) *RunloomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RunloomError) WithDetails(details map[string]any) *RunloomError {
	e.Details = details
	return e
}

// ErrorCode extracts the code from an error, or "" if it is not a RunloomError.
func ErrorCode(err error) string {
	var re *RunloomError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
