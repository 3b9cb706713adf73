package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateConditionsVacuousTruth(t *testing.T) {
	data := map[string]any{"amount": 5000}
	require.True(t, EvaluateConditions(nil, data))
	require.True(t, EvaluateConditions(&ConditionTree{Operator: OperatorAnd}, data))
}

func TestEvaluateConditionsNumericComparisons(t *testing.T) {
	tree := &ConditionTree{
		Operator: OperatorAnd,
		Rules:    []ConditionRule{{Field: "amount", Operator: "lessThan", Value: 10000}},
	}

	require.True(t, EvaluateConditions(tree, map[string]any{"amount": 5000}))
	require.False(t, EvaluateConditions(tree, map[string]any{"amount": 20000}))

	// JSON round-trips make numbers float64; comparisons still hold.
	require.True(t, EvaluateConditions(tree, map[string]any{"amount": float64(9999.99)}))

	greater := &ConditionTree{
		Operator: OperatorAnd,
		Rules:    []ConditionRule{{Field: "amount", Operator: "greaterThan", Value: 100}},
	}
	require.True(t, EvaluateConditions(greater, map[string]any{"amount": 101}))
	require.False(t, EvaluateConditions(greater, map[string]any{"amount": 100}))
	// Non-numeric operand is a malformed rule, which evaluates false.
	require.False(t, EvaluateConditions(greater, map[string]any{"amount": "lots"}))
}

func TestEvaluateConditionsAndOr(t *testing.T) {
	rules := []ConditionRule{
		{Field: "status", Operator: "equals", Value: "open"},
		{Field: "amount", Operator: "greaterThan", Value: 1000},
	}

	and := &ConditionTree{Operator: OperatorAnd, Rules: rules}
	or := &ConditionTree{Operator: OperatorOr, Rules: rules}

	both := map[string]any{"status": "open", "amount": 2000}
	one := map[string]any{"status": "open", "amount": 500}
	neither := map[string]any{"status": "closed", "amount": 500}

	require.True(t, EvaluateConditions(and, both))
	require.False(t, EvaluateConditions(and, one))
	require.True(t, EvaluateConditions(or, one))
	require.False(t, EvaluateConditions(or, neither))

	// Operator casing is tolerated.
	require.True(t, EvaluateConditions(&ConditionTree{Operator: "or", Rules: rules}, one))
}

func TestEvaluateConditionsOperators(t *testing.T) {
	data := map[string]any{
		"name":   "Acme Corp",
		"region": "eu",
		"count":  int64(3),
	}

	eval := func(field, op string, value any) bool {
		return EvaluateConditions(&ConditionTree{
			Operator: OperatorAnd,
			Rules:    []ConditionRule{{Field: field, Operator: op, Value: value}},
		}, data)
	}

	require.True(t, eval("name", "contains", "Acme"))
	require.False(t, eval("name", "contains", "acme"))
	require.True(t, eval("count", "equals", 3))
	require.True(t, eval("count", "equals", float64(3)))
	require.True(t, eval("region", "in", []any{"us", "eu"}))
	require.False(t, eval("region", "in", []any{"us", "apac"}))
	require.True(t, eval("region", "notIn", []any{"us", "apac"}))
	require.False(t, eval("region", "notIn", []any{"eu"}))

	// Missing field: equals fails, notEquals holds.
	require.False(t, eval("missing", "equals", "x"))
	require.True(t, eval("missing", "notEquals", "x"))

	// Unknown operators never match.
	require.False(t, eval("name", "startsWith", "Acme"))
}

func TestEvaluateWithTraceReportsPerRule(t *testing.T) {
	tree := &ConditionTree{
		Operator: OperatorOr,
		Rules: []ConditionRule{
			{Field: "amount", Operator: "greaterThan", Value: 1000},
			{Field: "amount", Operator: "contains", Value: "x"},
		},
	}

	matched, traces := evaluateWithTrace(tree, map[string]any{"amount": 2000})
	require.True(t, matched)
	require.Len(t, traces, 2)
	require.True(t, traces[0].Matched)
	require.False(t, traces[1].Matched)
	require.NotEmpty(t, traces[1].Error)
}

func TestRenderTemplate(t *testing.T) {
	data := map[string]any{"name": "Ann", "amount": 42}
	require.Equal(t, "Hello Ann, amount is 42",
		renderTemplate("Hello {{name}}, amount is {{amount}}", data))
	require.Equal(t, "missing stays {{gone}}",
		renderTemplate("missing stays {{gone}}", data))
	require.Equal(t, "plain", renderTemplate("plain", data))
}
