package validation

import (
	"github.com/rendis/stateflow/pkg/schema"
)

// CheckDefinition runs the semantic checks without requiring a compiled
// Validator. Used by the builder, which assembles definitions in memory.
func CheckDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return checkSemantics(def)
}

// checkSemantics enforces the structural rules JSON Schema cannot express:
// unique state names, an initial state that exists, and transition targets
// and dependencies that reference declared states. The synthetic Error state
// is accepted as a target even before injection.
func checkSemantics(def *schema.WorkflowDefinition) error {
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition name is required")
	}
	if def.InitialState == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition initial state is required")
	}
	if len(def.States) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "definition declares no states")
	}

	names := make(map[string]struct{}, len(def.States))
	for _, st := range def.States {
		if st.Name == "" {
			return schema.NewError(schema.ErrCodeValidation, "state with empty name")
		}
		if _, dup := names[st.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate state name %q", st.Name)
		}
		names[st.Name] = struct{}{}
	}

	if _, ok := names[def.InitialState]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"initial state %q not present among states", def.InitialState)
	}

	exists := func(name string) bool {
		if name == schema.ErrorStateName {
			return true
		}
		_, ok := names[name]
		return ok
	}

	for _, st := range def.States {
		for _, tr := range st.Transitions {
			if tr.Condition == "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"state %q has a transition with an empty condition", st.Name).WithState(st.Name)
			}
			if !exists(tr.NextState) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"state %q transitions to undeclared state %q", st.Name, tr.NextState).WithState(st.Name)
			}
		}
		for _, dep := range st.DependsOn {
			if !exists(dep) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"state %q depends on undeclared state %q", st.Name, dep).WithState(st.Name)
			}
			if dep == st.Name {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"state %q depends on itself", st.Name).WithState(st.Name)
			}
		}
		for _, act := range append(append([]schema.Action(nil), st.OnEnter...), st.OnExit...) {
			if act.Type == "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"state %q has an action with an empty type", st.Name).WithState(st.Name)
			}
		}
	}
	return nil
}
