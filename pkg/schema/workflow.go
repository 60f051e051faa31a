package schema

import "context"

// ErrorStateName is the synthetic terminal state injected into every
// registered definition. Once entered it replaces the whole active-state set.
const ErrorStateName = "Error"

// EndStateName is the conventional terminal state produced by the builder.
// It carries no outgoing transitions; an instance whose only active state is
// End has effectively completed.
const EndStateName = "End"

// WorkflowDefinition is the serializable description of a workflow: a graph
// of named states with guarded transitions. Definitions are immutable after
// registration except through an explicit update.
type WorkflowDefinition struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	InitialState  string            `json:"initial_state"`
	States        []StateDefinition `json:"states"`
	IsEventDriven bool              `json:"is_event_driven,omitempty"`
}

// State returns the state definition with the given name, or nil.
func (d *WorkflowDefinition) State(name string) *StateDefinition {
	for i := range d.States {
		if d.States[i].Name == name {
			return &d.States[i]
		}
	}
	return nil
}

// HasState reports whether a state with the given name exists.
func (d *WorkflowDefinition) HasState(name string) bool {
	return d.State(name) != nil
}

// StateDefinition describes a single state within a workflow definition.
type StateDefinition struct {
	Name        string          `json:"name"`
	OnEnter     []Action        `json:"on_enter,omitempty"`
	OnExit      []Action        `json:"on_exit,omitempty"`
	Transitions []Transition     `json:"transitions,omitempty"`
	Assignments *AssignmentRules `json:"assignments,omitempty"`
	DependsOn   []string         `json:"depends_on,omitempty"`

	// IsIdle marks the state as a natural pause point awaiting external
	// input. Informational: idling is enforced by the absence of matching
	// transitions, not by a blocking wait.
	IsIdle bool `json:"is_idle,omitempty"`
}

// Transition is a guarded edge to a named next state. Transitions are
// evaluated in declaration order; the first whose condition holds wins.
type Transition struct {
	Condition string `json:"condition"`
	NextState string `json:"next_state"`
}

// BehaviorFunc is a host-supplied delegate carried by custom actions.
// It is process-local and never serialized.
type BehaviorFunc func(ctx context.Context, instance *WorkflowInstance, params map[string]any) error

// Action is a tagged value object: a type key into the action registry plus
// arbitrary string-keyed parameters. Actions are data, not code, except for
// the custom-behavior variant, which additionally carries a closure.
type Action struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Behavior   BehaviorFunc   `json:"-"`
}

// AssignmentRules lists the actors allowed to trigger events while the owning
// state is active.
type AssignmentRules struct {
	Users  []string `json:"users,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// WorkflowInstance is a live execution of a definition. More than one state
// may be active at once (fork/join-style flows).
type WorkflowInstance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	WorkflowName string         `json:"workflow_name"`
	ActiveStates []string       `json:"active_states"`
	StateData    map[string]any `json:"state_data"`
	WorkflowData map[string]any `json:"workflow_data"`
}

// IsActive reports whether the named state is currently active.
func (i *WorkflowInstance) IsActive(state string) bool {
	for _, s := range i.ActiveStates {
		if s == state {
			return true
		}
	}
	return false
}

// ActivateState adds a state to the active set if not already present.
func (i *WorkflowInstance) ActivateState(state string) {
	if !i.IsActive(state) {
		i.ActiveStates = append(i.ActiveStates, state)
	}
}

// DeactivateState removes a state from the active set.
func (i *WorkflowInstance) DeactivateState(state string) {
	for idx, s := range i.ActiveStates {
		if s == state {
			i.ActiveStates = append(i.ActiveStates[:idx], i.ActiveStates[idx+1:]...)
			return
		}
	}
}

// ErrorState returns the synthetic terminal Error state injected at
// registration when a definition does not declare one.
func ErrorState() StateDefinition {
	return StateDefinition{
		Name:   ErrorStateName,
		IsIdle: true,
	}
}
