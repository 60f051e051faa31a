package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/stateflow/internal/assignments"
	"github.com/rendis/stateflow/internal/conditions"
	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/pkg/actions"
	"github.com/rendis/stateflow/pkg/schema"
	"github.com/rendis/stateflow/pkg/store"
)

// maxChainLength bounds how many transitions a single delivery may chain
// through. A definition whose unconditional transitions cycle would otherwise
// spin the work list forever.
const maxChainLength = 1024

// Engine drives workflow instances: it registers definitions, starts
// instances, evaluates transitions, executes actions, and parks failed
// instances in the Error state. All per-instance work is serialized through
// a keyed mutex so concurrent events for one instance never interleave.
type Engine struct {
	store     store.Store
	evaluator *conditions.Evaluator
	registry  *actions.Registry
	resolver  *assignments.Resolver
	queue     actions.Publisher
	schedules actions.ScheduleSink
	logger    *slog.Logger
	locks     *instanceLocks
}

// New creates an Engine. The publisher and schedule sink are wired after
// construction via SetPublisher / SetScheduleSink since the transport and
// scheduler themselves need the engine as their delivery target.
func New(s store.Store, evaluator *conditions.Evaluator, registry *actions.Registry, resolver *assignments.Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     s,
		evaluator: evaluator,
		registry:  registry,
		resolver:  resolver,
		logger:    logger,
		locks:     newInstanceLocks(),
	}
}

// SetPublisher wires the event transport the engine publishes onto.
func (e *Engine) SetPublisher(p actions.Publisher) { e.queue = p }

// SetScheduleSink wires the scheduler sink timer actions record into.
func (e *Engine) SetScheduleSink(s actions.ScheduleSink) { e.schedules = s }

// RegisterWorkflow stores a new definition. An empty ID gets a generated
// UUID. The synthetic Error state is injected when the definition does not
// declare one; a duplicate ID fails with CONFLICT.
func (e *Engine) RegisterWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := checkDefinition(def); err != nil {
		return err
	}
	ensureErrorState(def)

	if err := e.store.CreateDefinition(ctx, def); err != nil {
		return err
	}

	e.appendDefinitionEvent(ctx, def, schema.EventWorkflowRegistered,
		fmt.Sprintf("Workflow %s registered", def.Name))
	return nil
}

// UpdateWorkflow replaces an existing definition, re-injecting the Error
// state if the update dropped it. Running instances pick up the new
// definition on their next event.
func (e *Engine) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if err := checkDefinition(def); err != nil {
		return err
	}
	ensureErrorState(def)

	if err := e.store.UpdateDefinition(ctx, def); err != nil {
		return err
	}

	e.appendDefinitionEvent(ctx, def, schema.EventWorkflowUpdated,
		fmt.Sprintf("Workflow %s updated", def.Name))
	return nil
}

// StartWorkflow creates an instance of a definition with the given workflow
// data and immediately processes the initial state. If initial processing
// fails the instance is already parked in Error and the error is returned.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, workflowData map[string]any) (*schema.WorkflowInstance, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	inst := &schema.WorkflowInstance{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		WorkflowName: def.Name,
		ActiveStates: []string{def.InitialState},
		StateData:    map[string]any{},
		WorkflowData: cloneMap(workflowData),
	}

	unlock := e.locks.Lock(inst.ID)
	defer unlock()

	ctx = e.correlate(ctx, inst)
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.appendInstanceEvent(ctx, inst, schema.EventWorkflowStarted, "",
		fmt.Sprintf("Workflow %s started", def.Name))

	if err := e.run(ctx, def, inst, []string{def.InitialState}, ""); err != nil {
		return inst, err
	}
	return inst, nil
}

// HandleEvent is the transport delivery entry point. An empty instanceID
// marks a global event, which only auto-starts matching event-driven
// definitions. Otherwise the event is delivered to the instance: eventData
// is merged into StateData, then each active state's transitions are
// evaluated exactly once, with matched targets processed to completion.
func (e *Engine) HandleEvent(ctx context.Context, instanceID, eventName string, eventData map[string]any) error {
	if instanceID == "" {
		return e.handleGlobalEvent(ctx, eventName, eventData)
	}

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}

	ctx = e.correlate(ctx, inst)
	mergeStateData(inst, eventData)

	err = e.deliverEvent(ctx, def, inst, eventName)
	if err != nil {
		return e.trapError(ctx, inst, err)
	}
	return e.store.UpdateInstance(ctx, inst)
}

// deliverEvent evaluates every currently active state's transitions one time
// and then fully processes each matched target through the work list.
func (e *Engine) deliverEvent(ctx context.Context, def *schema.WorkflowDefinition, inst *schema.WorkflowInstance, eventName string) error {
	var work []string
	for _, name := range snapshot(inst.ActiveStates) {
		if !inst.IsActive(name) {
			continue // deactivated by an earlier transition in this pass
		}
		st := def.State(name)
		if st == nil {
			return schema.NewErrorf(schema.ErrCodeConfiguration,
				"active state %q not present in definition %q", name, def.ID).WithState(name)
		}

		// The dependency gate holds on every pass, event-driven or not.
		if len(st.DependsOn) > 0 {
			satisfied, err := e.dependenciesSatisfied(ctx, inst, st)
			if err != nil {
				return err
			}
			if !satisfied {
				continue
			}
			e.appendInstanceEvent(ctx, inst, schema.EventDependenciesSatisfied, name,
				fmt.Sprintf("Dependencies of state %s satisfied", name))
		}

		target, matched, err := e.matchTransition(ctx, def, inst, st, eventName)
		if err != nil {
			return err
		}
		if matched {
			if err := e.transition(ctx, inst, st, target, eventName); err != nil {
				return err
			}
			work = append(work, target)
		}
	}
	return e.runWork(ctx, def, inst, work, eventName)
}

// run fully processes the given states and persists the result, trapping any
// failure into the Error state.
func (e *Engine) run(ctx context.Context, def *schema.WorkflowDefinition, inst *schema.WorkflowInstance, states []string, eventName string) error {
	if err := e.runWork(ctx, def, inst, states, eventName); err != nil {
		return e.trapError(ctx, inst, err)
	}
	return e.store.UpdateInstance(ctx, inst)
}

// runWork drains an explicit work list of states to process. Each transition
// pushes its target back onto the list instead of recursing.
func (e *Engine) runWork(ctx context.Context, def *schema.WorkflowDefinition, inst *schema.WorkflowInstance, work []string, eventName string) error {
	processed := 0
	for len(work) > 0 {
		name := work[0]
		work = work[1:]

		if processed++; processed > maxChainLength {
			return schema.NewErrorf(schema.ErrCodeConfiguration,
				"transition chain exceeded %d steps, definition %q likely cycles unconditionally",
				maxChainLength, def.ID)
		}

		next, transitioned, err := e.processState(ctx, def, inst, name, eventName)
		if err != nil {
			return err
		}
		if transitioned {
			work = append(work, next)
		}
	}
	return nil
}

// processState runs one full processing pass over a state: dependency gate,
// OnEnter actions, event stash, then ordered transition evaluation. It
// returns the target state when a transition fired.
func (e *Engine) processState(ctx context.Context, def *schema.WorkflowDefinition, inst *schema.WorkflowInstance, stateName, eventName string) (string, bool, error) {
	ctx = logging.WithState(ctx, stateName)

	st := def.State(stateName)
	if st == nil {
		return "", false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"state %q not present in definition %q", stateName, def.ID).WithState(stateName)
	}

	if len(st.DependsOn) > 0 {
		satisfied, err := e.dependenciesSatisfied(ctx, inst, st)
		if err != nil {
			return "", false, err
		}
		if !satisfied {
			e.logger.DebugContext(ctx, "state waiting on dependencies",
				slog.Any("depends_on", st.DependsOn))
			return "", false, nil
		}
		e.appendInstanceEvent(ctx, inst, schema.EventDependenciesSatisfied, stateName,
			fmt.Sprintf("Dependencies of state %s satisfied", stateName))
	}

	if err := e.executeActions(ctx, inst, st.OnEnter); err != nil {
		return "", false, err
	}

	if eventName != "" {
		if inst.StateData == nil {
			inst.StateData = map[string]any{}
		}
		inst.StateData[schema.EventVariable] = eventName
	}

	target, matched, err := e.matchTransition(ctx, def, inst, st, eventName)
	if err != nil {
		return "", false, err
	}
	if !matched {
		e.appendInstanceEvent(ctx, inst, schema.EventStateProcessed, stateName,
			fmt.Sprintf("State %s processed, no transition matched", stateName))
		return "", false, nil
	}

	if err := e.transition(ctx, inst, st, target, eventName); err != nil {
		return "", false, err
	}
	return target, true, nil
}

// matchTransition evaluates a state's transitions in declaration order and
// returns the first target whose condition holds. A matched transition to a
// state missing from the definition is a configuration error.
func (e *Engine) matchTransition(ctx context.Context, def *schema.WorkflowDefinition, inst *schema.WorkflowInstance, st *schema.StateDefinition, eventName string) (string, bool, error) {
	for _, tr := range st.Transitions {
		ok, err := e.evaluator.Evaluate(ctx, tr.Condition, inst, st.Name, eventName)
		if err != nil {
			return "", false, err
		}
		if !ok {
			continue
		}
		if !def.HasState(tr.NextState) {
			return "", false, schema.NewErrorf(schema.ErrCodeConfiguration,
				"transition from %q targets nonexistent state %q", st.Name, tr.NextState).
				WithState(st.Name)
		}
		return tr.NextState, true, nil
	}
	return "", false, nil
}

// transition executes the source state's OnExit actions, swaps the active
// set, persists, and records the StateTransitioned audit event.
func (e *Engine) transition(ctx context.Context, inst *schema.WorkflowInstance, from *schema.StateDefinition, to, eventName string) error {
	if err := e.executeActions(ctx, inst, from.OnExit); err != nil {
		return err
	}

	inst.DeactivateState(from.Name)
	inst.ActivateState(to)

	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	detail := fmt.Sprintf("Transitioned from %s to %s", from.Name, to)
	if eventName != "" {
		detail = fmt.Sprintf("%s on event %s", detail, eventName)
	}
	e.appendInstanceEvent(ctx, inst, schema.EventStateTransitioned, from.Name, detail)

	e.logger.InfoContext(ctx, "state transitioned",
		slog.String("from", from.Name),
		slog.String("to", to),
	)
	return nil
}

// dependenciesSatisfied reports whether every dependency has previously been
// a transition source in the audit log and is not currently active again.
func (e *Engine) dependenciesSatisfied(ctx context.Context, inst *schema.WorkflowInstance, st *schema.StateDefinition) (bool, error) {
	transitions, err := e.store.GetEvents(ctx, inst.ID, store.EventFilter{Type: schema.EventStateTransitioned})
	if err != nil {
		return false, err
	}

	for _, dep := range st.DependsOn {
		if inst.IsActive(dep) {
			return false, nil
		}
		completed := false
		for _, ev := range transitions {
			if ev.SourceState == dep {
				completed = true
				break
			}
		}
		if !completed {
			return false, nil
		}
	}
	return true, nil
}

// executeActions runs a state's action list in order. An inline behavior
// closure takes precedence over the registry for its action.
func (e *Engine) executeActions(ctx context.Context, inst *schema.WorkflowInstance, acts []schema.Action) error {
	if len(acts) == 0 {
		return nil
	}

	ec := &actions.ExecutionContext{
		Events:    e.store,
		Queue:     e.queue,
		Schedules: e.schedules,
		Logger:    e.logger,
	}

	for _, decl := range acts {
		var (
			act actions.Action
			err error
		)
		if decl.Behavior != nil {
			act = actions.NewCustomAction(decl.Type, decl.Behavior)
		} else {
			act, err = e.registry.Create(decl.Type, decl.Parameters)
			if err != nil {
				return err
			}
		}

		if err := act.Execute(ctx, inst, decl.Parameters, ec); err != nil {
			return err
		}
	}
	return nil
}

// TriggerEvent is the external entry point for actor-initiated events. An
// actor not permitted by any active state's assignments gets an
// UnauthorizedActorTriggeredEvent audit entry and a silent no-op. Otherwise
// eventData is merged into StateData, persisted, audited, and the event is
// published for asynchronous delivery.
func (e *Engine) TriggerEvent(ctx context.Context, instanceID, eventName, userID string, eventData map[string]any) error {
	unlock := e.locks.Lock(instanceID)

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		unlock()
		return err
	}
	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		unlock()
		return err
	}

	ctx = e.correlate(ctx, inst)

	allowed, err := e.actorAllowed(ctx, def, inst, userID)
	if err != nil {
		unlock()
		return err
	}
	if !allowed {
		e.appendInstanceEvent(ctx, inst, schema.EventUnauthorizedActor, "",
			fmt.Sprintf("Actor %s not authorized to trigger event %s", userID, eventName))
		e.logger.WarnContext(ctx, "unauthorized actor",
			slog.String("actor", userID),
			slog.String("event", eventName),
		)
		unlock()
		return nil
	}

	mergeStateData(inst, eventData)
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		unlock()
		return err
	}
	e.appendInstanceEvent(ctx, inst, schema.EventExternalTriggered, "",
		fmt.Sprintf("Actor %s triggered event %s", userID, eventName))
	unlock()

	return e.queue.Publish(ctx, instanceID, eventName, eventData)
}

// TriggerGlobalEvent publishes an unscoped event. Delivery auto-starts every
// event-driven definition whose initial state matches the event.
func (e *Engine) TriggerGlobalEvent(ctx context.Context, eventName string, eventData map[string]any) error {
	e.appendEvent(ctx, &store.Event{
		Type:    schema.EventGlobalTriggered,
		Details: fmt.Sprintf("Global event %s triggered", eventName),
	})
	return e.queue.Publish(ctx, "", eventName, eventData)
}

// TriggerEventForDefinition fans an event out to every instance of a
// definition. Per-instance failures are logged and do not stop the fan-out.
func (e *Engine) TriggerEventForDefinition(ctx context.Context, definitionID, eventName, userID string, eventData map[string]any) error {
	instances, err := e.store.ListInstancesByDefinition(ctx, definitionID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if err := e.TriggerEvent(ctx, inst.ID, eventName, userID, eventData); err != nil {
			e.logger.ErrorContext(ctx, "fan-out trigger failed",
				slog.String("instance_id", inst.ID),
				slog.String("event", eventName),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// GetInstance returns the current persisted view of an instance.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// GetAssignments aggregates the users and groups authorized to act on the
// instance's currently active states.
func (e *Engine) GetAssignments(ctx context.Context, instanceID string) (assignments.Assignments, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return assignments.Assignments{}, err
	}
	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return assignments.Assignments{}, err
	}

	var states []*schema.StateDefinition
	for _, name := range inst.ActiveStates {
		states = append(states, def.State(name))
	}
	return assignments.Collect(states), nil
}

// handleGlobalEvent starts a fresh instance of every event-driven definition
// whose initial state has a transition matching the event. The event payload
// seeds the new instance's WorkflowData. Per-definition failures are logged
// and do not stop the scan.
func (e *Engine) handleGlobalEvent(ctx context.Context, eventName string, eventData map[string]any) error {
	defs, err := e.store.ListEventDrivenDefinitions(ctx)
	if err != nil {
		return err
	}

	for _, def := range defs {
		matched, err := e.initialStateMatches(ctx, def, eventName)
		if err != nil {
			e.logger.ErrorContext(ctx, "auto-start probe failed",
				slog.String("definition_id", def.ID),
				slog.String("event", eventName),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !matched {
			continue
		}
		if err := e.startByEvent(ctx, def, eventName, eventData); err != nil {
			e.logger.ErrorContext(ctx, "event-driven auto-start failed",
				slog.String("definition_id", def.ID),
				slog.String("event", eventName),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// initialStateMatches probes the initial state's transition conditions with
// only the event variable in scope.
func (e *Engine) initialStateMatches(ctx context.Context, def *schema.WorkflowDefinition, eventName string) (bool, error) {
	st := def.State(def.InitialState)
	if st == nil {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"initial state %q not present in definition %q", def.InitialState, def.ID)
	}
	for _, tr := range st.Transitions {
		ok, err := e.evaluator.Evaluate(ctx, tr.Condition, nil, st.Name, eventName)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) startByEvent(ctx context.Context, def *schema.WorkflowDefinition, eventName string, eventData map[string]any) error {
	inst := &schema.WorkflowInstance{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		WorkflowName: def.Name,
		ActiveStates: []string{def.InitialState},
		StateData:    map[string]any{},
		WorkflowData: cloneMap(eventData),
	}

	unlock := e.locks.Lock(inst.ID)
	defer unlock()

	ctx = e.correlate(ctx, inst)
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return err
	}
	e.appendInstanceEvent(ctx, inst, schema.EventWorkflowStartedByEvent, "",
		fmt.Sprintf("Workflow %s started by event %s", def.Name, eventName))

	return e.run(ctx, def, inst, []string{def.InitialState}, eventName)
}

// actorAllowed reports whether any currently active state's assignment rules
// permit the actor.
func (e *Engine) actorAllowed(ctx context.Context, def *schema.WorkflowDefinition, inst *schema.WorkflowInstance, userID string) (bool, error) {
	for _, name := range inst.ActiveStates {
		st := def.State(name)
		if st == nil {
			continue
		}
		ok, err := e.resolver.CanActOnState(ctx, st, userID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	// An instance parked in a state the definition no longer declares has no
	// assignment rules to consult; treat it as closed.
	return false, nil
}

// trapError forces the instance into the Error state: the prior active set
// is stashed under previousStates, the instance is persisted, an
// ExceptionOccured event is recorded, and the original error is returned so
// the caller sees the failure even though the instance is safely parked.
func (e *Engine) trapError(ctx context.Context, inst *schema.WorkflowInstance, cause error) error {
	prev := snapshot(inst.ActiveStates)
	if inst.StateData == nil {
		inst.StateData = map[string]any{}
	}
	inst.StateData[schema.PreviousStatesKey] = prev
	inst.ActiveStates = []string{schema.ErrorStateName}

	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist Error state",
			slog.String("error", err.Error()))
	}
	e.appendInstanceEvent(ctx, inst, schema.EventExceptionOccured, "",
		fmt.Sprintf("Instance forced into Error state: %s", cause.Error()))

	e.logger.ErrorContext(ctx, "instance parked in Error state",
		slog.Any("previous_states", prev),
		slog.String("error", cause.Error()),
	)
	return cause
}

func (e *Engine) correlate(ctx context.Context, inst *schema.WorkflowInstance) context.Context {
	ctx = logging.WithInstanceID(ctx, inst.ID)
	return logging.WithDefinitionID(ctx, inst.DefinitionID)
}

func (e *Engine) appendInstanceEvent(ctx context.Context, inst *schema.WorkflowInstance, eventType, sourceState, details string) {
	e.appendEvent(ctx, &store.Event{
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Type:         eventType,
		SourceState:  sourceState,
		ActiveStates: snapshot(inst.ActiveStates),
		Details:      details,
	})
}

func (e *Engine) appendDefinitionEvent(ctx context.Context, def *schema.WorkflowDefinition, eventType, details string) {
	e.appendEvent(ctx, &store.Event{
		DefinitionID: def.ID,
		Type:         eventType,
		Details:      details,
	})
}

// appendEvent records an audit event. Audit failures are logged, never
// allowed to fail the operation being audited.
func (e *Engine) appendEvent(ctx context.Context, ev *store.Event) {
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "failed to append audit event",
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

// checkDefinition enforces the structural minimum before a definition is
// accepted: a name, an initial state that exists, and unique state names.
func checkDefinition(def *schema.WorkflowDefinition) error {
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition name is required")
	}
	if def.InitialState == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition initial state is required")
	}
	if !def.HasState(def.InitialState) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"initial state %q not present among states", def.InitialState)
	}
	seen := make(map[string]struct{}, len(def.States))
	for _, st := range def.States {
		if _, dup := seen[st.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate state name %q", st.Name)
		}
		seen[st.Name] = struct{}{}
	}
	return nil
}

// ensureErrorState injects the synthetic Error state when absent.
func ensureErrorState(def *schema.WorkflowDefinition) {
	if !def.HasState(schema.ErrorStateName) {
		def.States = append(def.States, schema.ErrorState())
	}
}

func snapshot(states []string) []string {
	return append([]string(nil), states...)
}

func mergeStateData(inst *schema.WorkflowInstance, data map[string]any) {
	if len(data) == 0 {
		return
	}
	if inst.StateData == nil {
		inst.StateData = map[string]any{}
	}
	for k, v := range data {
		inst.StateData[k] = v
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
