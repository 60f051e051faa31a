package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/pkg/schema"
)

func testDefinition(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:           id,
		Name:         "Approval",
		InitialState: "Draft",
		States: []schema.StateDefinition{
			{
				Name:        "Draft",
				Transitions: []schema.Transition{{Condition: `event == "submit"`, NextState: "Review"}},
			},
			{
				Name:        "Review",
				Assignments: &schema.AssignmentRules{Users: []string{"alice"}},
			},
		},
	}
}

func TestDefinitionLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateDefinition(ctx, testDefinition("d1")))

	err := s.CreateDefinition(ctx, testDefinition("d1"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	got, err := s.GetDefinition(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Approval", got.Name)

	got.Name = "Renamed"
	require.NoError(t, s.UpdateDefinition(ctx, got))
	again, err := s.GetDefinition(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again.Name)

	_, err = s.GetDefinition(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	err = s.UpdateDefinition(ctx, testDefinition("missing"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestDefinitionReadsAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateDefinition(ctx, testDefinition("d1")))

	got, err := s.GetDefinition(ctx, "d1")
	require.NoError(t, err)
	got.States[0].Transitions[0].NextState = "Hacked"
	got.States[1].Assignments.Users[0] = "mallory"

	clean, err := s.GetDefinition(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Review", clean.States[0].Transitions[0].NextState)
	assert.Equal(t, "alice", clean.States[1].Assignments.Users[0])
}

func TestListEventDrivenDefinitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	driven := testDefinition("d2")
	driven.IsEventDriven = true
	require.NoError(t, s.CreateDefinition(ctx, testDefinition("d1")))
	require.NoError(t, s.CreateDefinition(ctx, driven))

	got, err := s.ListEventDrivenDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d2", got[0].ID)
}

func TestInstanceLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := &schema.WorkflowInstance{
		ID:           "i1",
		DefinitionID: "d1",
		WorkflowName: "Approval",
		ActiveStates: []string{"Draft"},
		StateData:    map[string]any{},
	}
	require.NoError(t, s.CreateInstance(ctx, inst))

	err := s.CreateInstance(ctx, inst)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	// Mutating the caller's copy must not leak into the store.
	inst.ActiveStates[0] = "Hacked"
	got, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Draft"}, got.ActiveStates)

	got.StateData["note"] = "ready"
	require.NoError(t, s.UpdateInstance(ctx, got))
	again, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "ready", again.StateData["note"])

	byDef, err := s.ListInstancesByDefinition(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, byDef, 1)

	none, err := s.ListInstancesByDefinition(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAppendEventAssignsPerInstanceSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, instanceID := range []string{"i1", "i1", "i2", "i1"} {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			InstanceID: instanceID,
			Type:       schema.EventStateProcessed,
		}))
	}

	i1, err := s.GetEvents(ctx, "i1", EventFilter{})
	require.NoError(t, err)
	require.Len(t, i1, 3)
	for idx, ev := range i1 {
		assert.Equal(t, int64(idx+1), ev.Sequence)
		assert.False(t, ev.Timestamp.IsZero())
	}

	i2, err := s.GetEvents(ctx, "i2", EventFilter{})
	require.NoError(t, err)
	require.Len(t, i2, 1)
	assert.Equal(t, int64(1), i2[0].Sequence)
}

func TestGetEventsFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{InstanceID: "i1", Type: schema.EventStateTransitioned, SourceState: "A"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{InstanceID: "i1", Type: schema.EventStateProcessed, SourceState: "B"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{InstanceID: "i1", Type: schema.EventStateTransitioned, SourceState: "B"}))

	transitions, err := s.GetEvents(ctx, "i1", EventFilter{Type: schema.EventStateTransitioned})
	require.NoError(t, err)
	require.Len(t, transitions, 2)

	limited, err := s.GetEvents(ctx, "i1", EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestScheduleEventLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	later := &ScheduleEvent{ID: "s2", InstanceID: "i1", EventName: "Resume", ResumeTime: time.Now().Add(time.Hour)}
	sooner := &ScheduleEvent{ID: "s1", InstanceID: "i1", EventName: "Resume", ResumeTime: time.Now()}
	require.NoError(t, s.CreateScheduleEvent(ctx, later))
	require.NoError(t, s.CreateScheduleEvent(ctx, sooner))

	err := s.CreateScheduleEvent(ctx, sooner)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	listed, err := s.ListScheduleEvents(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "s1", listed[0].ID, "list is ordered by resume time")

	require.NoError(t, s.DeleteScheduleEvent(ctx, "s1"))
	err = s.DeleteScheduleEvent(ctx, "s1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}
