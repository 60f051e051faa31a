package conditions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/pkg/schema"
	"github.com/rendis/stateflow/pkg/store"
)

// EventSink receives audit events. Satisfied by store.Store.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Evaluator evaluates transition conditions against a variable scope built
// from an instance's data, resolving unbound identifiers through registered
// URL mappings and the data provider. It is the only component permitted to
// make an outbound fetch mid-evaluation.
type Evaluator struct {
	engine   expressions.ConditionEngine
	mappings *URLMappings
	provider DataProvider
	events   EventSink
	logger   *slog.Logger
}

// NewEvaluator creates an Evaluator. A nil logger falls back to slog.Default().
func NewEvaluator(engine expressions.ConditionEngine, mappings *URLMappings, provider DataProvider, events EventSink, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		engine:   engine,
		mappings: mappings,
		provider: provider,
		events:   events,
		logger:   logger,
	}
}

// Mappings returns the variable-to-URL mapping table so hosts can register
// data sources.
func (e *Evaluator) Mappings() *URLMappings {
	return e.mappings
}

// Evaluate evaluates a boolean condition for an instance. The variable scope
// is built in order from WorkflowData, StateData (which may shadow it), and
// the synthetic "event" variable bound last so it cannot be shadowed.
// Identifiers still unbound after that are fetched through the data
// provider; a variable without a registered URL mapping fails with
// MISSING_MAPPING.
//
// The result must be a native boolean; any non-boolean result is an
// EVALUATION_ERROR. No numeric or string truthiness is applied.
//
// instance may be nil when probing whether a global event should auto-start
// an event-driven workflow; the scope then holds only the event variable.
func (e *Evaluator) Evaluate(ctx context.Context, condition string, instance *schema.WorkflowInstance, actingState, eventName string) (bool, error) {
	ok, err := e.evaluate(ctx, condition, instance, eventName)
	if err != nil {
		e.recordFailure(ctx, condition, instance, actingState, err)
		return false, err
	}
	return ok, nil
}

func (e *Evaluator) evaluate(ctx context.Context, condition string, instance *schema.WorkflowInstance, eventName string) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return false, schema.NewError(schema.ErrCodeEvaluation, "condition is blank")
	}

	scope := make(map[string]any)
	if instance != nil {
		for k, v := range instance.WorkflowData {
			scope[k] = v
		}
		for k, v := range instance.StateData {
			scope[k] = v
		}
	}
	// Bound last so caller data cannot shadow it.
	scope[schema.EventVariable] = eventName

	if err := e.resolveUnbound(ctx, condition, instance, scope); err != nil {
		return false, err
	}

	out, err := e.engine.Evaluate(ctx, condition, scope)
	if err != nil {
		return false, err
	}

	result, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"condition %q produced non-boolean result %v (%T)", condition, out, out)
	}
	return result, nil
}

// resolveUnbound extracts the condition's top-level identifiers and fetches
// every one not already present in the scope.
func (e *Evaluator) resolveUnbound(ctx context.Context, condition string, instance *schema.WorkflowInstance, scope map[string]any) error {
	idents, err := e.engine.Identifiers(condition)
	if err != nil {
		return err
	}

	var instanceID string
	var instanceData, stateData map[string]any
	if instance != nil {
		instanceID = instance.ID
		instanceData = instance.WorkflowData
		stateData = instance.StateData
	}

	for _, name := range idents {
		if _, bound := scope[name]; bound {
			continue
		}

		urlTemplate, ok := e.mappings.Get(name)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeMissingMapping,
				"no URL mapping registered for variable %q", name)
		}

		raw, err := e.provider.Fetch(ctx, urlTemplate, instanceID, instanceData, stateData)
		if err != nil {
			return err
		}
		scope[name] = parseFetchedValue(raw)

		e.logger.DebugContext(ctx, "resolved condition variable",
			slog.String("variable", name),
			slog.String("url_template", urlTemplate),
		)
	}
	return nil
}

// parseFetchedValue binds a fetched value as structured data when it is
// syntactically valid JSON and as an opaque string otherwise.
func parseFetchedValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return raw
	}
	return parsed
}

func (e *Evaluator) recordFailure(ctx context.Context, condition string, instance *schema.WorkflowInstance, actingState string, evalErr error) {
	ev := &store.Event{
		Type:        schema.EventConditionEvalFailure,
		SourceState: actingState,
		Details:     fmt.Sprintf("Condition evaluation failed: %s. Error: %s", condition, evalErr.Error()),
	}
	if instance != nil {
		ev.InstanceID = instance.ID
		ev.DefinitionID = instance.DefinitionID
		ev.ActiveStates = append([]string(nil), instance.ActiveStates...)
	}
	if err := e.events.AppendEvent(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "failed to record condition failure",
			slog.String("condition", condition),
			slog.String("error", err.Error()),
		)
	}
}
