package validation

import (
	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/pkg/schema"
)

// Validator checks workflow definitions for correctness before they are
// saved or run. Uses JSON Schema Draft 2020-12 for structure and skill inputs.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// SkillLookup resolves skill IDs to their catalog definitions.
// *capability.Registry satisfies it.
type SkillLookup interface {
	Get(id string) (capability.SkillDefinition, error)
}

// ExpressionChecker compiles await_when predicates without running them.
// *expressions.CELEngine satisfies it.
type ExpressionChecker interface {
	Compile(expression string) error
}
