package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/skillflow/pkg/schema"
)

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	out, err := e.Evaluate(context.Background(), `amount * 2`, map[string]any{"amount": 21})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestExpr_UndefinedVariableIsNil(t *testing.T) {
	out, err := NewExprEngine().Evaluate(context.Background(), `missing ?? "fallback"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_Filter(t *testing.T) {
	rows := []any{
		map[string]any{"name": "alpha", "total": 120.0},
		map[string]any{"name": "beta", "total": 40.0},
		map[string]any{"name": "gamma", "total": 300.0},
	}

	kept, err := NewExprEngine().Filter(context.Background(), `total > 100`, rows)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "alpha", kept[0].(map[string]any)["name"])
	assert.Equal(t, "gamma", kept[1].(map[string]any)["name"])
}

func TestExpr_FilterScalarRows(t *testing.T) {
	kept, err := NewExprEngine().Filter(context.Background(), `row contains "err" || index == 0`,
		[]any{"first", "ok", "error: x"})
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "error: x"}, kept)
}

func TestExpr_FilterNonBool(t *testing.T) {
	_, err := NewExprEngine().Filter(context.Background(), `total`, []any{map[string]any{"total": 1}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExpr_CompileError(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), `total >`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
