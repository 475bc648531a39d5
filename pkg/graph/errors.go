// Package graph provides validation and compilation of canvas graphs into
// immutable execution graphs.
package graph

import "fmt"

// Code classifies a validation error.
type Code string

const (
	CodeCycle          Code = "cycle"
	CodeDuplicateNode  Code = "duplicate_node"
	CodeInvalidWorker  Code = "invalid_worker"
	CodeMissingInput   Code = "missing_input"
	CodeInvalidMapping Code = "invalid_mapping"
	CodeInvalidConfig  Code = "invalid_config"
)

// ValidationError describes one problem found in a visual graph. Validation
// collects every error in a single pass rather than stopping at the first.
type ValidationError struct {
	Code    Code   `json:"code"`
	NodeID  string `json:"node_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Code, e.NodeID, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CompilationError aggregates the validation errors that blocked compilation.
// No partial execution graph exists when this is returned.
type CompilationError struct {
	Errors []ValidationError
}

func (e *CompilationError) Error() string {
	if len(e.Errors) == 1 {
		return "graph compilation failed: " + e.Errors[0].Error()
	}

	return fmt.Sprintf("graph compilation failed with %d validation errors", len(e.Errors))
}
