package signal

import (
	"strings"
)

// Matches reports whether the route's criteria accept the normalized
// payload. All criteria must hold. Criterion semantics per value:
//
//   - "*"        the field must be present
//   - list       the payload value must equal one of the entries
//   - otherwise  the payload value must equal the criterion value
//
// Numeric comparisons normalize to float64 since JSON decoding
// produces float64 for all numbers.
func (r *Route) Matches(payload map[string]any) bool {
	for path, want := range r.MatchCriteria {
		got, ok := LookupPath(payload, path)
		if !ok {
			return false
		}
		if want == "*" {
			continue
		}
		if list, isList := want.([]any); isList {
			if !containsValue(list, got) {
				return false
			}
			continue
		}
		if !valuesEqual(want, got) {
			return false
		}
	}
	return true
}

// LookupPath resolves a dot-separated path within a nested payload.
// Intermediate segments must be objects.
func LookupPath(payload map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

// valuesEqual compares two JSON-decoded values, normalizing numbers so
// that int criteria match float64 payload values.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
