package conversation

import (
	"reflect"
	"strings"

	"chatflow/api/services/flow"
)

// evaluateConditions combines every condition with the node's logic operator (and by default).
// A node without conditions evaluates to false.
func evaluateConditions(cfg *flow.ConditionConfig, vars map[string]any) bool {
	if len(cfg.Conditions) == 0 {
		return false
	}
	or := strings.EqualFold(cfg.LogicOperator, flow.LogicOr)
	for _, c := range cfg.Conditions {
		ok := evaluate(c, vars)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

func evaluate(c flow.Condition, vars map[string]any) bool {
	left, found := lookup(vars, c.Variable)

	switch c.Operator {
	case flow.OpEquals:
		return found && equal(left, c.Value)
	case flow.OpNotEquals:
		return !found || !equal(left, c.Value)
	case flow.OpGreaterThan:
		cmp, ok := compare(left, c.Value)
		return found && ok && cmp > 0
	case flow.OpLessThan:
		cmp, ok := compare(left, c.Value)
		return found && ok && cmp < 0
	case flow.OpGreaterThanOrEqual:
		cmp, ok := compare(left, c.Value)
		return found && ok && cmp >= 0
	case flow.OpLessThanOrEqual:
		cmp, ok := compare(left, c.Value)
		return found && ok && cmp <= 0
	case flow.OpContains:
		return found && contains(left, c.Value)
	}
	return false
}

// equal compares numerically when both sides are numbers, otherwise by their text.
func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return formatValue(a) == formatValue(b)
}

// compare orders two values as numbers, or as calendar dates when both parse as dates.
func compare(a, b any) (int, bool) {
	x, okA := number(a)
	y, okB := number(b)
	if okA && okB {
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}

	as, isStrA := a.(string)
	bs, isStrB := b.(string)
	if !isStrA || !isStrB {
		return 0, false
	}
	da, errA := flow.ParseDate(as)
	db, errB := flow.ParseDate(bs)
	if errA != nil || errB != nil {
		return 0, false
	}
	return da.Compare(db), true
}

// number converts numbers and numeric strings. Booleans are never numbers.
func number(v any) (float64, bool) {
	if _, isBool := v.(bool); isBool {
		return 0, false
	}
	return flow.ToFloat64(v)
}

// contains is membership for lists, key presence for objects and substring otherwise.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[formatValue(needle)]
		return ok
	case nil:
		return false
	}
	if rv := reflect.ValueOf(haystack); rv.Kind() == reflect.Slice {
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(formatValue(haystack), formatValue(needle))
}
