// Package builder provides a fluent DSL for assembling workflow definitions
// in code. The builder validates the assembled graph on Build: the initial
// state must exist, an End state must be reachable, and timer states must
// carry a Resume guard and a system assignment.
package builder

import (
	"fmt"
	"time"

	"github.com/rendis/stateflow/internal/validation"
	"github.com/rendis/stateflow/pkg/schema"
)

// resumeCondition guards transitions out of timer states so that only the
// scheduler's Resume event advances them.
const resumeCondition = `event == "` + schema.ResumeEventName + `"`

// WorkflowBuilder assembles a WorkflowDefinition step by step. Errors are
// accumulated and surfaced by Build, so chains never need mid-flight checks.
type WorkflowBuilder struct {
	def  schema.WorkflowDefinition
	errs []error
}

// NewWorkflow starts a builder for a named workflow.
func NewWorkflow(name string) *WorkflowBuilder {
	return &WorkflowBuilder{def: schema.WorkflowDefinition{Name: name}}
}

// ID sets an explicit definition ID. Absent, registration generates one.
func (b *WorkflowBuilder) ID(id string) *WorkflowBuilder {
	b.def.ID = id
	return b
}

// EventDriven marks the definition for auto-start on matching global events.
func (b *WorkflowBuilder) EventDriven() *WorkflowBuilder {
	b.def.IsEventDriven = true
	return b
}

// Start declares the initial state and returns its StateBuilder.
func (b *WorkflowBuilder) Start(name string) *StateBuilder {
	if b.def.InitialState != "" {
		b.errs = append(b.errs, fmt.Errorf("Start called twice (%q, then %q)", b.def.InitialState, name))
	}
	b.def.InitialState = name
	return b.State(name)
}

// State declares a state and returns its StateBuilder.
func (b *WorkflowBuilder) State(name string) *StateBuilder {
	b.def.States = append(b.def.States, schema.StateDefinition{Name: name})
	return &StateBuilder{wb: b, idx: len(b.def.States) - 1}
}

// ActionableStep declares a state that runs an action on entry and advances
// to next when the named event arrives.
func (b *WorkflowBuilder) ActionableStep(name string, action schema.Action, advanceOn, next string) *WorkflowBuilder {
	return b.State(name).
		OnEnter(action).
		On(advanceOn, next).
		Done()
}

// Delay declares a timer state that parks the instance for the given
// duration and advances to next on the scheduler's Resume event.
func (b *WorkflowBuilder) Delay(name string, delay time.Duration, next string) *WorkflowBuilder {
	return b.timerState(name, map[string]any{"relativeDelay": delay.String()}, next)
}

// Schedule declares a timer state that parks the instance until the next
// occurrence of a cron expression.
func (b *WorkflowBuilder) Schedule(name, cronExpr, next string) *WorkflowBuilder {
	return b.timerState(name, map[string]any{"cronSchedule": cronExpr}, next)
}

// ScheduleAt declares a timer state that parks the instance until an
// absolute instant.
func (b *WorkflowBuilder) ScheduleAt(name string, at time.Time, next string) *WorkflowBuilder {
	return b.timerState(name, map[string]any{"absoluteSchedule": at.Format(time.RFC3339)}, next)
}

func (b *WorkflowBuilder) timerState(name string, params map[string]any, next string) *WorkflowBuilder {
	return b.State(name).
		OnEnter(schema.Action{Type: schema.ActionTypeTimer, Parameters: params}).
		Permit(resumeCondition, next).
		AssignUsers(schema.SystemActorID).
		Done()
}

// End declares the terminal End state.
func (b *WorkflowBuilder) End() *WorkflowBuilder {
	return b.State(schema.EndStateName).Idle().Done()
}

// Build finalizes the definition. It fails when any chained call recorded an
// error, when the semantic checks reject the graph, when no End state is
// reachable from the initial state, or when a timer state lacks its Resume
// guard or system assignment.
func (b *WorkflowBuilder) Build() (*schema.WorkflowDefinition, error) {
	if len(b.errs) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"builder recorded %d errors, first: %s", len(b.errs), b.errs[0].Error()).
			WithCause(b.errs[0])
	}

	def := b.def
	if err := validation.CheckDefinition(&def); err != nil {
		return nil, err
	}
	if err := checkEndReachable(&def); err != nil {
		return nil, err
	}
	if err := checkTimerStates(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// checkEndReachable walks the transition graph from the initial state and
// requires that the End state is reachable.
func checkEndReachable(def *schema.WorkflowDefinition) error {
	if !def.HasState(schema.EndStateName) {
		return schema.NewError(schema.ErrCodeValidation, "definition declares no End state")
	}

	visited := map[string]bool{def.InitialState: true}
	frontier := []string{def.InitialState}
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		if name == schema.EndStateName {
			return nil
		}
		st := def.State(name)
		if st == nil {
			continue
		}
		for _, tr := range st.Transitions {
			if !visited[tr.NextState] {
				visited[tr.NextState] = true
				frontier = append(frontier, tr.NextState)
			}
		}
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"End state not reachable from initial state %q", def.InitialState)
}

// checkTimerStates requires every state carrying a Timer action to guard its
// exit on the Resume event and to assign the system actor, so at-least-once
// scheduler delivery cannot be hijacked by arbitrary events or actors.
func checkTimerStates(def *schema.WorkflowDefinition) error {
	for _, st := range def.States {
		if !hasTimerAction(st.OnEnter) {
			continue
		}

		guarded := false
		for _, tr := range st.Transitions {
			if tr.Condition == resumeCondition {
				guarded = true
				break
			}
		}
		if !guarded {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"timer state %q has no transition guarded on %s", st.Name, resumeCondition).
				WithState(st.Name)
		}

		assigned := false
		if st.Assignments != nil {
			for _, u := range st.Assignments.Users {
				if u == schema.SystemActorID {
					assigned = true
					break
				}
			}
		}
		if !assigned {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"timer state %q does not assign the %s actor", st.Name, schema.SystemActorID).
				WithState(st.Name)
		}
	}
	return nil
}

func hasTimerAction(acts []schema.Action) bool {
	for _, a := range acts {
		if a.Type == schema.ActionTypeTimer {
			return true
		}
	}
	return false
}

// StateBuilder configures a single state within a WorkflowBuilder chain.
type StateBuilder struct {
	wb  *WorkflowBuilder
	idx int
}

func (s *StateBuilder) state() *schema.StateDefinition {
	return &s.wb.def.States[s.idx]
}

// OnEnter appends entry actions.
func (s *StateBuilder) OnEnter(acts ...schema.Action) *StateBuilder {
	st := s.state()
	st.OnEnter = append(st.OnEnter, acts...)
	return s
}

// OnExit appends exit actions.
func (s *StateBuilder) OnExit(acts ...schema.Action) *StateBuilder {
	st := s.state()
	st.OnExit = append(st.OnExit, acts...)
	return s
}

// Permit adds a guarded transition. Transitions fire in declaration order,
// first match wins.
func (s *StateBuilder) Permit(condition, next string) *StateBuilder {
	st := s.state()
	st.Transitions = append(st.Transitions, schema.Transition{Condition: condition, NextState: next})
	return s
}

// On adds a transition guarded on an event name.
func (s *StateBuilder) On(eventName, next string) *StateBuilder {
	return s.Permit(fmt.Sprintf("%s == %q", schema.EventVariable, eventName), next)
}

// AssignUsers adds users allowed to act while this state is active.
func (s *StateBuilder) AssignUsers(users ...string) *StateBuilder {
	st := s.state()
	if st.Assignments == nil {
		st.Assignments = &schema.AssignmentRules{}
	}
	st.Assignments.Users = append(st.Assignments.Users, users...)
	return s
}

// AssignGroups adds groups allowed to act while this state is active.
func (s *StateBuilder) AssignGroups(groups ...string) *StateBuilder {
	st := s.state()
	if st.Assignments == nil {
		st.Assignments = &schema.AssignmentRules{}
	}
	st.Assignments.Groups = append(st.Assignments.Groups, groups...)
	return s
}

// DependsOn gates this state's transitions on other states having completed.
func (s *StateBuilder) DependsOn(states ...string) *StateBuilder {
	st := s.state()
	st.DependsOn = append(st.DependsOn, states...)
	return s
}

// Idle marks the state as a natural pause point.
func (s *StateBuilder) Idle() *StateBuilder {
	s.state().IsIdle = true
	return s
}

// Done returns to the workflow chain.
func (s *StateBuilder) Done() *WorkflowBuilder {
	return s.wb
}
