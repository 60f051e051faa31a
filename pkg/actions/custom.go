package actions

import (
	"context"

	"github.com/rendis/stateflow/pkg/schema"
)

// CustomAction wraps a host-provided behavior function declared inline on a
// state's action list. The framework records the standard "{Type}Executed"
// audit event after the delegate runs, whether or not it returned an error.
type CustomAction struct {
	actionType string
	behavior   schema.BehaviorFunc
}

// NewCustomAction wraps a behavior function under the given type name.
func NewCustomAction(actionType string, behavior schema.BehaviorFunc) *CustomAction {
	return &CustomAction{actionType: actionType, behavior: behavior}
}

func (a *CustomAction) Type() string { return a.actionType }

func (a *CustomAction) Execute(ctx context.Context, instance *schema.WorkflowInstance, params map[string]any, ec *ExecutionContext) error {
	var behaviorErr error
	if a.behavior != nil {
		behaviorErr = a.behavior(ctx, instance, params)
	}

	if err := recordExecuted(ctx, ec, a.actionType, instance, "Custom behavior executed"); err != nil {
		if behaviorErr == nil {
			return err
		}
	}
	return behaviorErr
}

var _ Action = (*CustomAction)(nil)
