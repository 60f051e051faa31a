package expressions

import "context"

// Engine evaluates expressions against a flat variable scope.
// Three implementations: Expr (default conditions), CEL (alternative
// conditions), GoJQ (JSON transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error)
}

// ConditionEngine is an Engine that can also statically report the top-level
// identifiers an expression references (member-access roots only; "a.b"
// contributes "a"). The condition evaluator uses this to resolve unbound
// variables from external data sources before evaluation.
type ConditionEngine interface {
	Engine
	Identifiers(expression string) ([]string, error)
}
