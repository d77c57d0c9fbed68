package capability

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/rendis/skillflow/internal/expressions"
	"github.com/rendis/skillflow/pkg/schema"
)

// Builtins returns the skills that can run without a remote call, keyed by skill ID.
func Builtins(exprEngine *expressions.ExprEngine) map[string]Capability {
	if exprEngine == nil {
		exprEngine = expressions.NewExprEngine()
	}
	return map[string]Capability{
		"text-transform": Func(textTransform),
		"json-parse":     Func(jsonParse),
		"data-filter":    dataFilter{expr: exprEngine},
	}
}

func textTransform(_ context.Context, _ string, inputs map[string]any, _ InvokeContext) (any, error) {
	text, ok := inputs["text"].(string)
	if !ok {
		text, ok = upstreamText(inputs)
	}
	if !ok {
		return nil, schema.NewError(schema.ErrCodeCapabilityFailure, "text-transform: no text input")
	}

	var result string
	switch op := strings.ToLower(stringParam(inputs, "operation", "trim")); op {
	case "uppercase":
		result = strings.ToUpper(text)
	case "lowercase":
		result = strings.ToLower(text)
	case "capitalize":
		result = capitalize(text)
	case "trim":
		result = strings.TrimSpace(text)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityFailure,
			"text-transform: unknown operation %q; expected uppercase, lowercase, capitalize or trim", op)
	}
	return map[string]any{"result": result}, nil
}

// capitalize upper-cases the first letter of every word.
func capitalize(s string) string {
	out := []rune(s)
	start := true
	for i, r := range out {
		if unicode.IsSpace(r) {
			start = true
			continue
		}
		if start {
			out[i] = unicode.ToUpper(r)
			start = false
		}
	}
	return string(out)
}

func jsonParse(_ context.Context, _ string, inputs map[string]any, _ InvokeContext) (any, error) {
	raw, ok := inputs["jsonString"].(string)
	if !ok {
		raw, ok = upstreamText(inputs)
	}
	if !ok {
		return nil, schema.NewError(schema.ErrCodeCapabilityFailure, "json-parse: no jsonString input")
	}

	var data any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &data); err != nil {
		return map[string]any{"data": nil, "valid": false, "error": err.Error()}, nil
	}
	return map[string]any{"data": data, "valid": true}, nil
}

type dataFilter struct {
	expr *expressions.ExprEngine
}

func (f dataFilter) Invoke(ctx context.Context, _ string, inputs map[string]any, _ InvokeContext) (any, error) {
	rows, ok := asRows(inputs["data"])
	if !ok {
		rows, ok = upstreamRows(inputs)
	}
	if !ok {
		return nil, schema.NewError(schema.ErrCodeCapabilityFailure, "data-filter: no data array input")
	}

	if where := stringParam(inputs, "where", ""); where != "" {
		kept, err := f.expr.Filter(ctx, where, rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCapabilityFailure, "data-filter: %s", err.Error()).WithCause(err)
		}
		return map[string]any{"filtered": kept}, nil
	}

	key := stringParam(inputs, "filterKey", "")
	if key == "" {
		return nil, schema.NewError(schema.ErrCodeCapabilityFailure, "data-filter: filterKey or where is required")
	}
	want := stringParam(inputs, "filterValue", "")

	kept := make([]any, 0, len(rows))
	for _, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			continue
		}
		if looseEqual(obj[key], want) {
			kept = append(kept, row)
		}
	}
	return map[string]any{"filtered": kept}, nil
}
