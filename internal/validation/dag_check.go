package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/skillflow/internal/engine"
	"github.com/rendis/skillflow/pkg/schema"
)

// validateDAG builds the graph and linearizes it, so validation reports the
// same cycle path a run would. Nodes without any edge in a multi-node
// workflow are flagged as disconnected.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g, err := engine.FromDefinition(def)
	if err != nil {
		result.AddNodeError(nodeOf(err), "/", schema.CodeOf(err), schema.MessageOf(err))
		return result
	}

	if _, err := engine.Linearize(g); err != nil {
		result.AddNodeError(nodeOf(err), "edges", schema.CodeOf(err), schema.MessageOf(err))
		return result
	}

	if len(def.Nodes) < 2 {
		return result
	}
	linked := make(map[string]bool, len(def.Nodes))
	for _, e := range def.Edges {
		linked[e.Source] = true
		linked[e.Target] = true
	}
	for i, n := range def.Nodes {
		if !linked[n.ID] {
			result.AddNodeWarning(n.ID, fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is not connected to any other node", n.ID))
		}
	}
	return result
}

func nodeOf(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.NodeID
	}
	return ""
}
