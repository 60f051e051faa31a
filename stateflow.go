// Package stateflow is a programmable workflow orchestrator: definitions
// describe states with guarded transitions, instances advance on events, and
// actions (webhooks, timers, event emitters, custom behaviors) run on state
// entry and exit. Failed instances park in a synthetic Error state; timers
// survive restarts through the persistent scheduler.
package stateflow

import (
	"context"

	"github.com/rendis/stateflow/internal/assignments"
	"github.com/rendis/stateflow/internal/conditions"
	"github.com/rendis/stateflow/internal/engine"
	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/internal/queue"
	"github.com/rendis/stateflow/internal/scheduler"
	"github.com/rendis/stateflow/internal/validation"
	"github.com/rendis/stateflow/pkg/actions"
	"github.com/rendis/stateflow/pkg/schema"
	"github.com/rendis/stateflow/pkg/store"
)

// Assignments lists the users and groups authorized to act on an instance's
// currently active states.
type Assignments struct {
	Users  []string
	Groups []string
}

// Flow is the workflow orchestrator facade. Construct with New, call Start
// before use, and Stop on shutdown.
type Flow struct {
	opts      Options
	store     store.Store
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	queue     *queue.MemoryQueue
	registry  *actions.Registry
	mappings  *conditions.URLMappings
	validator *validation.Validator
	groups    *assignments.StaticGroupResolver
}

// New wires a Flow from the given options. Zero-value options yield an
// in-memory deployment suitable for tests and single-process hosts.
func New(opts Options) (*Flow, error) {
	opts = opts.withDefaults()

	var condEngine expressions.ConditionEngine
	switch opts.Language {
	case LanguageExpr:
		condEngine = expressions.NewExprEngine()
	case LanguageCEL:
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "initialize CEL engine").WithCause(err)
		}
		condEngine = cel
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"unknown condition language %q", opts.Language)
	}

	validator, err := validation.NewValidator()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "compile definition schema").WithCause(err)
	}

	provider := opts.DataProvider
	if provider == nil {
		provider = conditions.NewHTTPDataProvider(opts.HTTPClient, opts.HTTPTimeout)
	}

	mappings := conditions.NewURLMappings()
	evaluator := conditions.NewEvaluator(condEngine, mappings, provider, opts.Store, opts.Logger)

	registry := actions.NewRegistry()
	actions.RegisterBuiltins(registry, actions.Config{
		HTTPClient:  opts.HTTPClient,
		HTTPTimeout: opts.HTTPTimeout,
	})

	f := &Flow{
		opts:      opts,
		store:     opts.Store,
		registry:  registry,
		mappings:  mappings,
		validator: validator,
	}

	groupResolver := opts.GroupResolver
	if groupResolver == nil {
		f.groups = assignments.NewStaticGroupResolver()
		groupResolver = f.groups
	}
	resolver := assignments.NewResolver(groupResolver)

	f.engine = engine.New(opts.Store, evaluator, registry, resolver, opts.Logger)

	if opts.Publisher != nil {
		f.engine.SetPublisher(opts.Publisher)
	} else {
		f.queue = queue.NewMemoryQueue(f.engine, opts.QueueDepth, opts.Logger)
		f.engine.SetPublisher(f.queue)
	}

	f.scheduler = scheduler.NewScheduler(opts.Store, f.engine, opts.Logger)
	f.engine.SetScheduleSink(f.scheduler)

	return f, nil
}

// Start runs store migrations, starts the event queue, and arms every
// persisted schedule event.
func (f *Flow) Start(ctx context.Context) error {
	if err := f.store.Migrate(ctx); err != nil {
		return err
	}
	if f.queue != nil {
		f.queue.Start(ctx)
	}
	return f.scheduler.Start(ctx)
}

// Stop shuts down the scheduler and queue and closes the store.
func (f *Flow) Stop() error {
	err := f.scheduler.Stop()
	if f.queue != nil {
		f.queue.Stop()
	}
	if cerr := f.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// RegisterWorkflow validates and stores a definition. The synthetic Error
// state is injected when absent; a duplicate ID fails with CONFLICT.
func (f *Flow) RegisterWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if err := f.validator.ValidateDefinition(def); err != nil {
		return err
	}
	return f.engine.RegisterWorkflow(ctx, def)
}

// RegisterWorkflowJSON validates a raw JSON definition document against the
// embedded JSON Schema, then registers it. Returns the decoded definition.
func (f *Flow) RegisterWorkflowJSON(ctx context.Context, raw []byte) (*schema.WorkflowDefinition, error) {
	def, err := f.validator.ParseJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := f.engine.RegisterWorkflow(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// UpdateWorkflow replaces an existing definition. Running instances pick up
// the new definition on their next event.
func (f *Flow) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if err := f.validator.ValidateDefinition(def); err != nil {
		return err
	}
	return f.engine.UpdateWorkflow(ctx, def)
}

// StartWorkflow creates an instance of a definition and immediately
// processes its initial state. The returned instance reflects the state
// after initial processing; on failure it is parked in Error and the
// processing error is returned alongside it.
func (f *Flow) StartWorkflow(ctx context.Context, definitionID string, workflowData map[string]any) (*schema.WorkflowInstance, error) {
	return f.engine.StartWorkflow(ctx, definitionID, workflowData)
}

// TriggerEvent delivers an actor-initiated event to an instance. An actor
// not permitted by any active state's assignments is audited and ignored.
func (f *Flow) TriggerEvent(ctx context.Context, instanceID, eventName, userID string, eventData map[string]any) error {
	return f.engine.TriggerEvent(ctx, instanceID, eventName, userID, eventData)
}

// TriggerGlobalEvent publishes an unscoped event that auto-starts matching
// event-driven definitions.
func (f *Flow) TriggerGlobalEvent(ctx context.Context, eventName string, eventData map[string]any) error {
	return f.engine.TriggerGlobalEvent(ctx, eventName, eventData)
}

// TriggerEventForDefinition fans an event out to every instance of a
// definition.
func (f *Flow) TriggerEventForDefinition(ctx context.Context, definitionID, eventName, userID string, eventData map[string]any) error {
	return f.engine.TriggerEventForDefinition(ctx, definitionID, eventName, userID, eventData)
}

// HandleEvent is the inbound delivery entry point for hosts bridging an
// external broker. The in-memory queue calls it automatically.
func (f *Flow) HandleEvent(ctx context.Context, instanceID, eventName string, eventData map[string]any) error {
	return f.engine.HandleEvent(ctx, instanceID, eventName, eventData)
}

// GetInstance returns the persisted view of an instance.
func (f *Flow) GetInstance(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	return f.engine.GetInstance(ctx, instanceID)
}

// GetEvents returns an instance's audit log, optionally filtered by event
// type.
func (f *Flow) GetEvents(ctx context.Context, instanceID, eventType string) ([]*store.Event, error) {
	return f.store.GetEvents(ctx, instanceID, store.EventFilter{Type: eventType})
}

// GetAssignments aggregates the users and groups authorized to act on the
// instance's currently active states.
func (f *Flow) GetAssignments(ctx context.Context, instanceID string) (Assignments, error) {
	got, err := f.engine.GetAssignments(ctx, instanceID)
	if err != nil {
		return Assignments{}, err
	}
	return Assignments{Users: got.Users, Groups: got.Groups}, nil
}

// AddVariableMapping registers the URL template used to fetch a condition
// variable that is not bound in instance data.
func (f *Flow) AddVariableMapping(variable, urlTemplate string) {
	f.mappings.Add(variable, urlTemplate)
}

// RegisterAction binds an action factory to a type name, replacing any
// existing binding including the built-ins.
func (f *Flow) RegisterAction(actionType string, factory actions.Factory) {
	f.registry.Register(actionType, factory)
}

// SetGroup populates the default static group resolver. It is a no-op when
// Options supplied a custom GroupResolver.
func (f *Flow) SetGroup(group string, users ...string) {
	if f.groups != nil {
		f.groups.SetGroup(group, users...)
	}
}
