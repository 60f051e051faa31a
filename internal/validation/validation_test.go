package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/pkg/schema"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:         "Approval",
		InitialState: "Draft",
		States: []schema.StateDefinition{
			{
				Name: "Draft",
				Transitions: []schema.Transition{
					{Condition: `event == "submit"`, NextState: "Review"},
				},
			},
			{Name: "Review", IsIdle: true},
		},
	}
}

func TestValidDefinitionPasses(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestParseJSONRoundTrip(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{
		"name": "Approval",
		"initial_state": "Draft",
		"is_event_driven": true,
		"states": [
			{
				"name": "Draft",
				"transitions": [{"condition": "event == \"submit\"", "next_state": "Review"}]
			},
			{
				"name": "Review",
				"is_idle": true,
				"assignments": {"users": ["alice"], "groups": ["approvers"]},
				"on_enter": [{"type": "Webhook", "parameters": {"url": "https://hooks.local/review"}}]
			}
		]
	}`)

	def, err := v.ParseJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "Approval", def.Name)
	assert.True(t, def.IsEventDriven)
	require.Len(t, def.States, 2)
	require.NotNil(t, def.States[1].Assignments)
	assert.Equal(t, []string{"alice"}, def.States[1].Assignments.Users)
	assert.Equal(t, schema.ActionTypeWebhook, def.States[1].OnEnter[0].Type)
}

func TestParseJSONRejectsSchemaViolations(t *testing.T) {
	v := newValidator(t)
	cases := map[string]string{
		"missing name":          `{"initial_state": "A", "states": [{"name": "A"}]}`,
		"empty states":          `{"name": "X", "initial_state": "A", "states": []}`,
		"unknown property":      `{"name": "X", "initial_state": "A", "states": [{"name": "A"}], "bogus": 1}`,
		"transition no target":  `{"name": "X", "initial_state": "A", "states": [{"name": "A", "transitions": [{"condition": "true"}]}]}`,
		"action without a type": `{"name": "X", "initial_state": "A", "states": [{"name": "A", "on_enter": [{"parameters": {}}]}]}`,
		"not json":              `{"name": `,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.ParseJSON([]byte(raw))
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestSemanticChecks(t *testing.T) {
	v := newValidator(t)

	t.Run("initial state must exist", func(t *testing.T) {
		def := validDefinition()
		def.InitialState = "Nowhere"
		err := v.ValidateDefinition(def)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	})

	t.Run("duplicate state names", func(t *testing.T) {
		def := validDefinition()
		def.States = append(def.States, schema.StateDefinition{Name: "Draft"})
		require.Error(t, v.ValidateDefinition(def))
	})

	t.Run("dangling transition target", func(t *testing.T) {
		def := validDefinition()
		def.States[0].Transitions[0].NextState = "Ghost"
		require.Error(t, v.ValidateDefinition(def))
	})

	t.Run("transition to Error state allowed", func(t *testing.T) {
		def := validDefinition()
		def.States[0].Transitions = append(def.States[0].Transitions,
			schema.Transition{Condition: "true", NextState: schema.ErrorStateName})
		require.NoError(t, v.ValidateDefinition(def))
	})

	t.Run("dangling dependency", func(t *testing.T) {
		def := validDefinition()
		def.States[1].DependsOn = []string{"Ghost"}
		require.Error(t, v.ValidateDefinition(def))
	})

	t.Run("self dependency", func(t *testing.T) {
		def := validDefinition()
		def.States[1].DependsOn = []string{"Review"}
		require.Error(t, v.ValidateDefinition(def))
	})
}
