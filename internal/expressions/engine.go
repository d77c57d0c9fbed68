package expressions

import "context"

// Engine evaluates expressions against a data map.
// CEL decides whether a chat step waits for the user, jq narrows edge
// output slots, and Expr filters rows for the data-filter skill.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
