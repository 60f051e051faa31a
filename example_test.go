package stateflow_test

import (
	"context"
	"fmt"
	"log"

	"github.com/rendis/stateflow"
	"github.com/rendis/stateflow/pkg/actions"
	"github.com/rendis/stateflow/pkg/builder"
	"github.com/rendis/stateflow/pkg/schema"
)

// Example wires an in-memory Flow, registers a two-step approval workflow,
// and drives an instance through it with actor events.
func Example() {
	flow, err := stateflow.New(stateflow.Options{})
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	if err := flow.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer flow.Stop()

	def, err := builder.NewWorkflow("Approval").
		ID("approval").
		Start("Draft").AssignUsers("bob").On("submit", "Review").Done().
		State("Review").
		AssignUsers("alice").
		On("approve", "End").
		Done().
		End().
		Build()
	if err != nil {
		log.Fatal(err)
	}
	if err := flow.RegisterWorkflow(ctx, def); err != nil {
		log.Fatal(err)
	}

	inst, err := flow.StartWorkflow(ctx, "approval", map[string]any{"requester": "bob"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(inst.ActiveStates)

	_ = flow.TriggerEvent(ctx, inst.ID, "submit", "bob", nil)
	_ = flow.TriggerEvent(ctx, inst.ID, "approve", "alice", nil)

	// Output:
	// [Draft]
}

// notifyAction is a host-defined action type.
type notifyAction struct{}

func (notifyAction) Type() string { return "Notify" }

func (notifyAction) Execute(ctx context.Context, instance *schema.WorkflowInstance, params map[string]any, ec *actions.ExecutionContext) error {
	ec.Logger.InfoContext(ctx, "notification sent",
		"channel", params["channel"],
		"instance", instance.ID,
	)
	return nil
}

// Example_customAction registers a host-defined action type that definitions
// can reference by name.
func Example_customAction() {
	flow, err := stateflow.New(stateflow.Options{})
	if err != nil {
		log.Fatal(err)
	}

	flow.RegisterAction("Notify", func(params map[string]any) (actions.Action, error) {
		return notifyAction{}, nil
	})
}
