package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/pkg/schema"
)

func conditionEngines(t *testing.T) map[string]ConditionEngine {
	t.Helper()
	cel, err := NewCELEngine()
	require.NoError(t, err)
	return map[string]ConditionEngine{
		"expr": NewExprEngine(),
		"cel":  cel,
	}
}

func TestEvaluateLiteralsAndComparisons(t *testing.T) {
	cases := []struct {
		expression string
		scope      map[string]any
		want       any
	}{
		{"true", nil, true},
		{"false", nil, false},
		{`event == "approve"`, map[string]any{"event": "approve"}, true},
		{`event == "approve"`, map[string]any{"event": "reject"}, false},
		{`amount > 100`, map[string]any{"amount": 250}, true},
		{`amount > 100 && event == "pay"`, map[string]any{"amount": 250, "event": "pay"}, true},
		{`status == "open" || status == "pending"`, map[string]any{"status": "pending"}, true},
	}

	for name, engine := range conditionEngines(t) {
		t.Run(name, func(t *testing.T) {
			for _, tc := range cases {
				got, err := engine.Evaluate(context.Background(), tc.expression, tc.scope)
				require.NoError(t, err, tc.expression)
				assert.Equal(t, tc.want, got, tc.expression)
			}
		})
	}
}

func TestEvaluateNestedMemberAccess(t *testing.T) {
	scope := map[string]any{
		"user": map[string]any{
			"profile": map[string]any{"age": 21},
		},
	}
	for name, engine := range conditionEngines(t) {
		t.Run(name, func(t *testing.T) {
			got, err := engine.Evaluate(context.Background(), "user.profile.age >= 18", scope)
			require.NoError(t, err)
			assert.Equal(t, true, got)
		})
	}
}

func TestEvaluateEmptyExpression(t *testing.T) {
	for name, engine := range conditionEngines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := engine.Evaluate(context.Background(), "", nil)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeEvaluation, schema.CodeOf(err))
		})
	}
}

func TestEvaluateMalformedExpression(t *testing.T) {
	for name, engine := range conditionEngines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := engine.Evaluate(context.Background(), "a ==", map[string]any{"a": 1})
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeEvaluation, schema.CodeOf(err))
		})
	}
}

func TestIdentifiersExtractsMemberRootsOnly(t *testing.T) {
	cases := []struct {
		expression string
		want       []string
	}{
		{"true", nil},
		{`event == "x"`, []string{"event"}},
		{"user.profile.age >= 18", []string{"user"}},
		{`order.total > limit && event == "pay"`, []string{"order", "limit", "event"}},
		{"a + a + b", []string{"a", "b"}},
	}

	for name, engine := range conditionEngines(t) {
		t.Run(name, func(t *testing.T) {
			for _, tc := range cases {
				got, err := engine.Identifiers(tc.expression)
				require.NoError(t, err, tc.expression)
				assert.ElementsMatch(t, tc.want, got, tc.expression)
			}
		})
	}
}

func TestIdentifiersRejectsMalformed(t *testing.T) {
	for name, engine := range conditionEngines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := engine.Identifiers("a ==")
			require.Error(t, err)
		})
	}
}

func TestGoJQTransform(t *testing.T) {
	jq := NewGoJQEngine()

	input := map[string]any{
		"data": map[string]any{
			"result": map[string]any{"stage": "done"},
			"items":  []any{1.0, 2.0, 3.0},
		},
	}

	out, err := jq.Transform(context.Background(), ".data.result", input)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"stage": "done"}, out)

	out, err = jq.Transform(context.Background(), ".data.items | length", input)
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)
}

func TestGoJQMultipleOutputs(t *testing.T) {
	jq := NewGoJQEngine()
	out, err := jq.Transform(context.Background(), ".[] | .name", []any{
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQMalformedFilter(t *testing.T) {
	jq := NewGoJQEngine()
	_, err := jq.Transform(context.Background(), ".data[", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeEvaluation, schema.CodeOf(err))
}
