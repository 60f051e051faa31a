package schema

// Standard event types written to the append-only audit log.
const (
	EventWorkflowRegistered     = "WorkflowRegistered"
	EventWorkflowUpdated        = "WorkflowUpdated"
	EventWorkflowStarted        = "WorkflowStarted"
	EventWorkflowStartedByEvent = "WorkflowStartedByEvent"
	EventStateTransitioned      = "StateTransitioned"
	EventStateProcessed         = "StateProcessed"
	EventDependenciesSatisfied  = "DependenciesSatisfied"
	EventConditionEvalFailure   = "ConditionEvalFailure"
	EventExceptionOccured       = "ExceptionOccured"
	EventUnauthorizedActor      = "UnauthorizedActorTriggeredEvent"
	EventExternalTriggered      = "ExternalEventTriggered"
	EventGlobalTriggered        = "GlobalEventTriggered"
	EventScheduleFired          = "ScheduleEventFired"
)

// Built-in action type keys.
const (
	ActionTypeWebhook = "Webhook"
	ActionTypeTimer   = "Timer"
	ActionTypeEmit    = "EventEmitter"
)

// ResumeEventName is the event name timers fire when a scheduled resume
// point is reached. Transitions out of timer states should guard on
// event == "Resume" so that at-least-once delivery stays idempotent.
const ResumeEventName = "Resume"

// SystemActorID is the actor used for engine-internal triggers such as
// scheduler resumes.
const SystemActorID = "system"

// EventVariable is the synthetic variable bound to the current event name
// during condition evaluation. It is set last so caller data cannot shadow it.
const EventVariable = "event"

// PreviousStatesKey is the StateData key holding the active-state set that
// was replaced when an instance was forced into the Error state.
const PreviousStatesKey = "previousStates"
