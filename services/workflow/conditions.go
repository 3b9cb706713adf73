package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// RuleTrace is the outcome of evaluating one condition rule, used by the
// dry-run surface.
type RuleTrace struct {
	Rule    ConditionRule `json:"rule"`
	Matched bool          `json:"matched"`
	Error   string        `json:"error,omitempty"`
}

// EvaluateConditions evaluates a one-level AND|OR tree against record data.
// A nil or empty tree is vacuously true. A malformed rule evaluates to false
// rather than erroring: automation must never block the primary operation.
func EvaluateConditions(tree *ConditionTree, data map[string]any) bool {
	matched, _ := evaluateWithTrace(tree, data)
	return matched
}

func evaluateWithTrace(tree *ConditionTree, data map[string]any) (bool, []RuleTrace) {
	if tree == nil || len(tree.Rules) == 0 {
		return true, nil
	}

	traces := make([]RuleTrace, 0, len(tree.Rules))
	anyMatched := false
	allMatched := true
	for _, rule := range tree.Rules {
		matched, err := evaluateRule(rule, data)
		trace := RuleTrace{Rule: rule, Matched: matched}
		if err != nil {
			trace.Error = err.Error()
		}
		traces = append(traces, trace)
		if matched {
			anyMatched = true
		} else {
			allMatched = false
		}
	}

	if strings.EqualFold(tree.Operator, OperatorOr) {
		return anyMatched, traces
	}
	return allMatched, traces
}

func evaluateRule(rule ConditionRule, data map[string]any) (bool, error) {
	actual, ok := data[rule.Field]
	switch rule.Operator {
	case "equals":
		return ok && looseEqual(actual, rule.Value), nil
	case "notEquals":
		return !ok || !looseEqual(actual, rule.Value), nil
	case "contains":
		s, sok := actual.(string)
		sub, vok := rule.Value.(string)
		if !sok || !vok {
			return false, fmt.Errorf("contains requires string operands")
		}
		return strings.Contains(s, sub), nil
	case "greaterThan":
		a, aok := toFloat(actual)
		b, bok := toFloat(rule.Value)
		if !aok || !bok {
			return false, fmt.Errorf("greaterThan requires numeric operands")
		}
		return a > b, nil
	case "lessThan":
		a, aok := toFloat(actual)
		b, bok := toFloat(rule.Value)
		if !aok || !bok {
			return false, fmt.Errorf("lessThan requires numeric operands")
		}
		return a < b, nil
	case "in":
		list, lok := rule.Value.([]any)
		if !lok {
			return false, fmt.Errorf("in requires a list value")
		}
		for _, item := range list {
			if looseEqual(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case "notIn":
		list, lok := rule.Value.([]any)
		if !lok {
			return false, fmt.Errorf("notIn requires a list value")
		}
		for _, item := range list {
			if looseEqual(actual, item) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown operator %q", rule.Operator)
	}
}

// looseEqual compares across the numeric representations JSON round-trips
// produce (int vs float64) before falling back to string equality.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
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
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
