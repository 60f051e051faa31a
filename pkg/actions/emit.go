package actions

import (
	"context"
	"fmt"

	"github.com/rendis/stateflow/pkg/schema"
)

// EmitEventAction publishes a named event back onto the event transport on
// behalf of the instance, letting one state's completion drive other states
// or workflows.
//
// Parameters:
//
//	eventType (required) name of the event to publish
//	headers   optional map or JSON string merged into the event data
type EmitEventAction struct{}

// NewEmitEventAction creates an EmitEventAction.
func NewEmitEventAction() *EmitEventAction {
	return &EmitEventAction{}
}

func (a *EmitEventAction) Type() string { return schema.ActionTypeEmit }

func (a *EmitEventAction) Execute(ctx context.Context, instance *schema.WorkflowInstance, params map[string]any, ec *ExecutionContext) error {
	eventType := stringParam(params, "eventType", "")
	if eventType == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "EventEmitter action requires an eventType parameter")
	}

	headers, err := mapParam(params, "headers")
	if err != nil {
		return err
	}

	eventData := map[string]any{
		"sourceInstanceId": instance.ID,
		"sourceWorkflow":   instance.WorkflowName,
	}
	for k, v := range headers {
		eventData[k] = v
	}

	if err := ec.Queue.Publish(ctx, instance.ID, eventType, eventData); err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport,
			"publish event %q for instance %q", eventType, instance.ID).WithCause(err)
	}

	return recordExecuted(ctx, ec, a.Type(), instance,
		fmt.Sprintf("Published event %s", eventType))
}

var _ Action = (*EmitEventAction)(nil)
