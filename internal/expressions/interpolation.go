package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/skillflow/pkg/schema"
)

// InterpolationScope holds the data a prompt template may reference.
type InterpolationScope struct {
	Inputs   map[string]any // node inputs after edge merging
	Prior    any            // upstream output in chat mode
	Guidance string         // user-authored per-node guidance
	Skill    map[string]any // id, name, description of the skill being invoked
}

// Interpolator resolves ${{...}} references in prompt templates.
//
// Supported forms:
//
//	${{inputs.text}}              value at a dotted path
//	${{inputs.language ?? "en"}}  quoted fallback when the path is missing or null
//	${{prior}} ${{guidance}} ${{skill.name}}
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Render expands every ${{...}} token in tmpl. Strings are inserted verbatim,
// other values as compact JSON.
func (interp *Interpolator) Render(tmpl string, scope *InterpolationScope) (string, error) {
	var result strings.Builder
	result.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "${{")
		if idx == -1 {
			result.WriteString(tmpl[i:])
			break
		}
		result.WriteString(tmpl[i : i+idx])
		start := i + idx + 3

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		token := strings.TrimSpace(tmpl[start:end])
		if strings.Contains(token, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if token == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveToken(token, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))
		i = end + 2
	}

	return result.String(), nil
}

func (interp *Interpolator) resolveToken(token string, scope *InterpolationScope) (any, error) {
	path, fallback, hasFallback := strings.Cut(token, "??")
	path = strings.TrimSpace(path)

	val, err := interp.resolvePath(path, scope)
	if hasFallback && (err != nil || val == nil) {
		lit, uerr := strconv.Unquote(strings.TrimSpace(fallback))
		if uerr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"fallback in ${{%s}} must be a quoted string", token)
		}
		return lit, nil
	}
	return val, err
}

func (interp *Interpolator) resolvePath(path string, scope *InterpolationScope) (any, error) {
	if scope == nil {
		scope = &InterpolationScope{}
	}
	namespace, rest, _ := strings.Cut(path, ".")

	var root any
	switch namespace {
	case "inputs":
		root = scope.Inputs
	case "prior":
		root = scope.Prior
	case "guidance":
		root = scope.Guidance
	case "skill":
		root = scope.Skill
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; expected inputs, prior, guidance or skill", namespace, path)
	}
	if rest == "" {
		return root, nil
	}
	return traversePath(root, rest, path)
}

func traversePath(root any, path, expr string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
		val, ok := obj[seg]
		if !ok {
			available := mapKeys(obj)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": available})
		}
		current = val
	}
	return current, nil
}

func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation reports whether s contains a ${{ token.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}
