package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"

	"github.com/rendis/stateflow/pkg/schema"
)

// CELEngine implements ConditionEngine using Google's Common Expression
// Language. Because the condition scope is built dynamically per evaluation,
// the engine declares each expression's own identifiers as dyn-typed
// variables in a per-expression environment; the environment is derived from
// the expression alone, so caching compiled programs by expression stays
// sound. Thread-safe.
type CELEngine struct {
	base *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL condition engine with a sandboxed base
// environment.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{
		base:  env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the provided scope.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeEvaluation, "empty expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	activation := scope
	if activation == nil {
		activation = map[string]any{}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// Identifiers statically extracts the top-level identifier references from a
// CEL expression. Select fields are not identifiers, so "user.age" reports
// only "user".
func (e *CELEngine) Identifiers(expression string) ([]string, error) {
	parsed, iss := e.base.Parse(expression)
	if iss != nil && iss.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"parse error in %q: %s", expression, iss.Err().Error()).
			WithCause(iss.Err())
	}

	nav := celast.NavigateAST(parsed.NativeRep())
	matches := celast.MatchDescendants(nav, celast.KindMatcher(celast.IdentKind))

	seen := make(map[string]struct{}, len(matches))
	var names []string
	for _, m := range matches {
		name := m.AsIdent()
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one, extending the base environment with the expression's identifiers
// as dyn-typed variables.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	idents, err := e.Identifiers(expression)
	if err != nil {
		return nil, err
	}

	opts := make([]cel.EnvOption, 0, len(idents))
	for _, name := range idents {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := e.base.Extend(opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"extend CEL environment for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	checked, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"compile error in %q: %s", expression, iss.Err().Error()).
			WithCause(iss.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := env.Program(checked)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"program construction failed for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ ConditionEngine = (*CELEngine)(nil)
