package schema

import (
	"fmt"
	"slices"
)

// ValidationSeverity indicates whether an issue blocks saving a workflow.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow definition. Path points
// into the definition (nodes[2].inputs.file); NodeID names the node the issue
// belongs to so an editor can badge it, and is empty for workflow-level issues.
type ValidationIssue struct {
	Path     string             `json:"path"`
	NodeID   string             `json:"node_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues of every validation stage.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the definition can be saved. Warnings do not block.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a workflow-level error.
func (r *ValidationResult) AddError(path, code, message string) {
	r.AddNodeError("", path, code, message)
}

// AddWarning records a workflow-level warning.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.AddNodeWarning("", path, code, message)
}

// AddNodeError records an error attributed to nodeID.
func (r *ValidationResult) AddNodeError(nodeID, path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddNodeWarning records a warning attributed to nodeID.
func (r *ValidationResult) AddNodeWarning(nodeID, path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends other's issues.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ByNode groups node-level issues by node ID, errors before warnings.
// Workflow-level issues are left out.
func (r *ValidationResult) ByNode() map[string][]ValidationIssue {
	out := make(map[string][]ValidationIssue)
	for _, issues := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, is := range issues {
			if is.NodeID != "" {
				out[is.NodeID] = append(out[is.NodeID], is)
			}
		}
	}
	return out
}

// InvalidNodes returns the sorted IDs of nodes that carry at least one error.
func (r *ValidationResult) InvalidNodes() []string {
	var ids []string
	for _, is := range r.Errors {
		if is.NodeID != "" && !slices.Contains(ids, is.NodeID) {
			ids = append(ids, is.NodeID)
		}
	}
	slices.Sort(ids)
	return ids
}

// ToError converts an invalid result to a VALIDATION_ERROR, nil when valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("workflow has %d errors", len(r.Errors))
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if nodes := r.InvalidNodes(); len(nodes) > 0 {
		details["invalid_nodes"] = nodes
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}
