package builder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/pkg/schema"
)

func TestBuildLinearWorkflow(t *testing.T) {
	def, err := NewWorkflow("Approval").
		ID("def-approval").
		Start("Draft").On("submit", "Review").Done().
		State("Review").
		AssignUsers("alice").
		AssignGroups("approvers").
		On("approve", "End").
		On("reject", "Draft").
		Done().
		End().
		Build()
	require.NoError(t, err)

	assert.Equal(t, "def-approval", def.ID)
	assert.Equal(t, "Draft", def.InitialState)
	require.Len(t, def.States, 3)

	review := def.State("Review")
	require.NotNil(t, review)
	assert.Equal(t, []string{"alice"}, review.Assignments.Users)
	require.Len(t, review.Transitions, 2)
	assert.Equal(t, `event == "approve"`, review.Transitions[0].Condition)
	assert.Equal(t, "End", review.Transitions[0].NextState)

	end := def.State(schema.EndStateName)
	require.NotNil(t, end)
	assert.True(t, end.IsIdle)
}

func TestDelayGeneratesGuardedTimerState(t *testing.T) {
	def, err := NewWorkflow("Reminder").
		Start("Open").On("ack", "Cooldown").Done().
		Delay("Cooldown", 30*time.Minute, "End").
		End().
		Build()
	require.NoError(t, err)

	cooldown := def.State("Cooldown")
	require.NotNil(t, cooldown)
	require.Len(t, cooldown.OnEnter, 1)
	assert.Equal(t, schema.ActionTypeTimer, cooldown.OnEnter[0].Type)
	assert.Equal(t, "30m0s", cooldown.OnEnter[0].Parameters["relativeDelay"])
	require.Len(t, cooldown.Transitions, 1)
	assert.Equal(t, `event == "Resume"`, cooldown.Transitions[0].Condition)
	require.NotNil(t, cooldown.Assignments)
	assert.Contains(t, cooldown.Assignments.Users, schema.SystemActorID)
}

func TestScheduleGeneratesCronTimerState(t *testing.T) {
	def, err := NewWorkflow("Digest").
		Start("Idle").On("enable", "NextRun").Done().
		Schedule("NextRun", "0 9 * * *", "End").
		End().
		Build()
	require.NoError(t, err)

	next := def.State("NextRun")
	require.NotNil(t, next)
	assert.Equal(t, "0 9 * * *", next.OnEnter[0].Parameters["cronSchedule"])
}

func TestActionableStep(t *testing.T) {
	hook := schema.Action{Type: schema.ActionTypeWebhook, Parameters: map[string]any{"url": "https://hooks.local/x"}}
	def, err := NewWorkflow("Pipeline").
		Start("Init").On("go", "Notify").Done().
		ActionableStep("Notify", hook, "done", "End").
		End().
		Build()
	require.NoError(t, err)

	notify := def.State("Notify")
	require.NotNil(t, notify)
	assert.Equal(t, schema.ActionTypeWebhook, notify.OnEnter[0].Type)
	assert.Equal(t, `event == "done"`, notify.Transitions[0].Condition)
}

func TestBuildRequiresEndState(t *testing.T) {
	_, err := NewWorkflow("NoEnd").
		Start("A").On("x", "B").Done().
		State("B").Done().
		Build()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestBuildRequiresEndReachable(t *testing.T) {
	_, err := NewWorkflow("Island").
		Start("A").On("x", "B").Done().
		State("B").Done().
		End(). // declared but unreachable
		Build()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestBuildRejectsDanglingTransition(t *testing.T) {
	_, err := NewWorkflow("Dangling").
		Start("A").On("x", "Ghost").Done().
		End().
		Build()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestBuildRejectsUnguardedTimerState(t *testing.T) {
	_, err := NewWorkflow("BadTimer").
		Start("A").On("x", "Wait").Done().
		State("Wait").
		OnEnter(schema.Action{Type: schema.ActionTypeTimer, Parameters: map[string]any{"relativeDelay": "5m"}}).
		On("anything", "End"). // not the Resume guard
		AssignUsers(schema.SystemActorID).
		Done().
		End().
		Build()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestBuildRejectsTimerStateWithoutSystemActor(t *testing.T) {
	_, err := NewWorkflow("BadTimer").
		Start("A").On("x", "Wait").Done().
		State("Wait").
		OnEnter(schema.Action{Type: schema.ActionTypeTimer, Parameters: map[string]any{"relativeDelay": "5m"}}).
		Permit(`event == "Resume"`, "End").
		Done().
		End().
		Build()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestStartTwiceIsRejected(t *testing.T) {
	_, err := NewWorkflow("Twice").
		Start("A").On("x", "End").Done().
		Start("B").Done().
		End().
		Build()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
