package capability

import (
	"encoding/json"
	"fmt"
	"strings"
)

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

// upstreamText extracts text from the default edge slot: a plain string, or
// the first string field among common output names.
func upstreamText(m map[string]any) (string, bool) {
	switch v := m["input"].(type) {
	case string:
		return v, true
	case map[string]any:
		for _, k := range []string{"text", "result", "content"} {
			if s, ok := v[k].(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// upstreamRows extracts an array from the default edge slot, either directly or
// from a common output field.
func upstreamRows(m map[string]any) ([]any, bool) {
	switch v := m["input"].(type) {
	case []any:
		return v, true
	case map[string]any:
		for _, k := range []string{"data", "filtered", "rows"} {
			if rows, ok := v[k].([]any); ok {
				return rows, true
			}
		}
	}
	return nil, false
}

// asRows normalizes typed slices (e.g. []map[string]any) to []any.
func asRows(v any) ([]any, bool) {
	switch rows := v.(type) {
	case nil:
		return nil, false
	case []any:
		return rows, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out []any
	if json.Unmarshal(b, &out) != nil {
		return nil, false
	}
	return out, true
}

// looseEqual compares a row field to a filter value the way a user typing
// into a form expects: 42 equals "42", true equals "true".
func looseEqual(field any, want string) bool {
	switch f := field.(type) {
	case nil:
		return want == ""
	case string:
		return f == want
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", f), ".0") == want
	default:
		return fmt.Sprint(f) == want
	}
}
