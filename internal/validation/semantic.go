package validation

import (
	"fmt"

	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/pkg/schema"
)

// validateSemantic checks what the JSON Schema cannot: unique node and edge
// IDs, edge endpoints, registered skills, static input types and await_when
// predicates. skills and exprs may be nil to skip their checks.
func validateSemantic(def *schema.WorkflowDefinition, skills SkillLookup, exprs ExpressionChecker, inputs Validator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		if nodeIDs[n.ID] {
			result.AddNodeError(n.ID, fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true
	}

	fed := make(map[string]map[string]bool, len(def.Nodes))
	edgeIDs := make(map[string]bool, len(def.Edges))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if e.ID != "" {
			if edgeIDs[e.ID] {
				result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate edge id %q", e.ID))
			}
			edgeIDs[e.ID] = true
		}
		if !nodeIDs[e.Source] {
			result.AddNodeError(endpoint(nodeIDs, e.Target), path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if !nodeIDs[e.Target] {
			result.AddNodeError(endpoint(nodeIDs, e.Source), path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Target))
			continue
		}
		if fed[e.Target] == nil {
			fed[e.Target] = map[string]bool{}
		}
		fed[e.Target][e.Slot()] = true
	}

	for i := range def.Nodes {
		validateNode(&def.Nodes[i], fmt.Sprintf("nodes[%d]", i), fed[def.Nodes[i].ID], skills, exprs, inputs, result)
	}
	return result
}

func validateNode(n *schema.NodeDefinition, path string, fed map[string]bool, skills SkillLookup, exprs ExpressionChecker, inputs Validator, result *schema.ValidationResult) {
	if n.AwaitWhen != "" && exprs != nil {
		if err := exprs.Compile(n.AwaitWhen); err != nil {
			result.AddNodeError(n.ID, path+".await_when", schema.ErrCodeValidation,
				fmt.Sprintf("invalid await_when: %s", schema.MessageOf(err)))
		}
	}
	if n.AwaitInput && n.AwaitWhen != "" {
		result.AddNodeWarning(n.ID, path+".await_when", schema.ErrCodeValidation,
			"await_when is ignored because await_input is set")
	}

	if skills == nil {
		return
	}
	def, err := skills.Get(n.Skill)
	if err != nil {
		result.AddNodeError(n.ID, path+".skill", schema.ErrCodeNotFound, fmt.Sprintf("skill %q not registered", n.Skill))
		return
	}

	for name := range n.Inputs {
		if _, ok := def.Input(name); !ok {
			result.AddNodeWarning(n.ID, fmt.Sprintf("%s.inputs.%s", path, name), schema.ErrCodeValidation,
				fmt.Sprintf("skill %q has no input named %q", n.Skill, name))
		}
	}
	if len(n.Inputs) > 0 && inputs != nil {
		if err := inputs.ValidateInput(n.Inputs, def.InputSchema()); err != nil {
			result.AddNodeError(n.ID, path+".inputs", schema.ErrCodeValidation, schema.MessageOf(err))
		}
	}

	for _, port := range def.Inputs {
		if !port.Required || port.Default != nil {
			continue
		}
		if _, ok := n.Inputs[port.Name]; ok || fed[port.Name] || fed[schema.DefaultInputSlot] {
			continue
		}
		result.AddNodeWarning(n.ID, fmt.Sprintf("%s.inputs.%s", path, port.Name), schema.ErrCodeValidation,
			requiredInputWarning(n, port))
	}
}

// endpoint returns id when it names a known node, so a dangling edge is
// reported on the node it still touches.
func endpoint(known map[string]bool, id string) string {
	if known[id] {
		return id
	}
	return ""
}

func requiredInputWarning(n *schema.NodeDefinition, port capability.Port) string {
	return fmt.Sprintf("required input %q of skill %q is neither set nor fed by an edge", port.Name, n.Skill)
}
