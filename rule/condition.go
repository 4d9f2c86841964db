package rule

import (
	"fmt"
	"regexp"
	"strings"
)

// evaluateCondition applies one condition against the context. A
// condition that cannot be evaluated (missing field, wrong type, bad
// pattern) is false — fail-closed — with the reason returned for the
// evaluation record.
func evaluateCondition(cond *Condition, evalCtx *Context) (bool, error) {
	value, ok := evalCtx.Resolve(cond.Scope, cond.FieldPath)
	if !ok {
		return false, fmt.Errorf("field %q not present in scope %s", cond.FieldPath, cond.Scope)
	}

	switch cond.Operator {
	case OpEquals:
		return compareEqual(value, cond.ComparisonValue), nil
	case OpNotEquals:
		return !compareEqual(value, cond.ComparisonValue), nil

	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return compareOrdered(cond.Operator, value, cond.ComparisonValue)

	case OpContains:
		return containsCheck(value, cond.ComparisonValue)
	case OpNotContains:
		found, err := containsCheck(value, cond.ComparisonValue)
		if err != nil {
			return false, err
		}
		return !found, nil

	case OpIn:
		list, ok := cond.ComparisonValue.([]any)
		if !ok {
			return false, fmt.Errorf("operator in requires a list comparison value")
		}
		for _, item := range list {
			if compareEqual(value, item) {
				return true, nil
			}
		}
		return false, nil

	case OpRegex:
		pattern, ok := cond.ComparisonValue.(string)
		if !ok {
			return false, fmt.Errorf("operator regex requires a string pattern")
		}
		s, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("operator regex requires a string field value")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern: %w", err)
		}
		return re.MatchString(s), nil

	case OpCrossesAbove, OpCrossesBelow:
		return crossingCheck(cond, evalCtx, value)

	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

// crossingCheck detects a threshold crossing between the previous
// value (history scope, same field path) and the current value.
func crossingCheck(cond *Condition, evalCtx *Context, current any) (bool, error) {
	threshold, ok := asFloat(cond.ComparisonValue)
	if !ok {
		return false, fmt.Errorf("threshold operators require a numeric comparison value")
	}
	cur, ok := asFloat(current)
	if !ok {
		return false, fmt.Errorf("threshold operators require a numeric field value")
	}
	prevRaw, ok := evalCtx.Resolve(ScopeHistory, cond.FieldPath)
	if !ok {
		return false, fmt.Errorf("no history value for %q", cond.FieldPath)
	}
	prev, ok := asFloat(prevRaw)
	if !ok {
		return false, fmt.Errorf("history value for %q is not numeric", cond.FieldPath)
	}

	if cond.Operator == OpCrossesAbove {
		return prev < threshold && cur >= threshold, nil
	}
	return prev > threshold && cur <= threshold, nil
}

// containsCheck handles string-substring and list-membership
// containment.
func containsCheck(value, comparison any) (bool, error) {
	switch v := value.(type) {
	case string:
		sub, ok := comparison.(string)
		if !ok {
			return false, fmt.Errorf("operator contains on a string requires a string comparison value")
		}
		return strings.Contains(v, sub), nil
	case []any:
		for _, item := range v {
			if compareEqual(item, comparison) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("operator contains requires a string or list field value")
	}
}

// compareOrdered applies <, <=, >, >= over numbers, or lexically over
// strings.
func compareOrdered(op Operator, value, comparison any) (bool, error) {
	if vf, ok := asFloat(value); ok {
		cf, ok := asFloat(comparison)
		if !ok {
			return false, fmt.Errorf("comparison value is not numeric")
		}
		switch op {
		case OpGreaterThan:
			return vf > cf, nil
		case OpGreaterThanOrEqual:
			return vf >= cf, nil
		case OpLessThan:
			return vf < cf, nil
		default:
			return vf <= cf, nil
		}
	}

	vs, vok := value.(string)
	cs, cok := comparison.(string)
	if !vok || !cok {
		return false, fmt.Errorf("ordered comparison requires numbers or strings")
	}
	switch op {
	case OpGreaterThan:
		return vs > cs, nil
	case OpGreaterThanOrEqual:
		return vs >= cs, nil
	case OpLessThan:
		return vs < cs, nil
	default:
		return vs <= cs, nil
	}
}

// compareEqual compares JSON-decoded values, normalizing numbers.
func compareEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
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
