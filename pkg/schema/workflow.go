package schema

import "time"

// WorkflowDefinition is the serializable form of a skill graph.
// It is what gets persisted, loaded from files and sent over MCP.
type WorkflowDefinition struct {
	ID          string           `json:"id,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	StartPrompt string           `json:"start_prompt,omitempty"` // opening user turn for chat sessions
	Model       string           `json:"model,omitempty"`        // model hint forwarded to the capability
	Nodes       []NodeDefinition `json:"nodes"`
	Edges       []EdgeDefinition `json:"edges,omitempty"`
	CreatedAt   time.Time        `json:"created_at,omitzero"`
	UpdatedAt   time.Time        `json:"updated_at,omitzero"`
}

// NodeDefinition describes a single skill invocation in a workflow.
type NodeDefinition struct {
	ID         string         `json:"id"`
	Skill      string         `json:"skill"`
	Label      string         `json:"label,omitempty"`
	Guidance   string         `json:"guidance,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	AwaitInput bool           `json:"await_input,omitempty"` // pause for user input before invoking in chat mode
	AwaitWhen  string         `json:"await_when,omitempty"`  // CEL predicate, same effect as AwaitInput when true
}

// EdgeDefinition connects a source node's output to a target node's input.
type EdgeDefinition struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"` // output slot; a key or a jq path starting with "."
	TargetHandle string `json:"target_handle,omitempty"` // input slot; defaults to "input"
}

// DefaultInputSlot is the input slot edges write to when no target handle is set.
const DefaultInputSlot = "input"

// Slot returns the effective input slot of the edge.
func (e EdgeDefinition) Slot() string {
	if e.TargetHandle == "" {
		return DefaultInputSlot
	}
	return e.TargetHandle
}
