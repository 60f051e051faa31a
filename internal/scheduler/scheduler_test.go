package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/pkg/schema"
	"github.com/rendis/stateflow/pkg/store"
)

type recordingTrigger struct {
	mu    sync.Mutex
	fired []string
	users []string
	err   error
	ch    chan struct{}
}

func newRecordingTrigger() *recordingTrigger {
	return &recordingTrigger{ch: make(chan struct{}, 16)}
}

func (r *recordingTrigger) TriggerEvent(_ context.Context, instanceID, eventName, userID string, _ map[string]any) error {
	r.mu.Lock()
	r.fired = append(r.fired, instanceID+"/"+eventName)
	r.users = append(r.users, userID)
	err := r.err
	r.mu.Unlock()
	r.ch <- struct{}{}
	return err
}

func (r *recordingTrigger) waitForFire(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduled fire")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestPastDueFiresImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	trigger := newRecordingTrigger()
	s := NewScheduler(st, trigger, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	err := s.AddEvent(context.Background(), &store.ScheduleEvent{
		ID:         "s1",
		InstanceID: "inst-1",
		EventName:  schema.ResumeEventName,
		ResumeTime: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	trigger.waitForFire(t)
	assert.Equal(t, []string{"inst-1/Resume"}, trigger.fired)
	assert.Equal(t, []string{schema.SystemActorID}, trigger.users)

	waitFor(t, func() bool {
		left, _ := st.ListScheduleEvents(context.Background())
		return len(left) == 0
	})

	audited, err := st.GetEvents(context.Background(), "inst-1", store.EventFilter{Type: schema.EventScheduleFired})
	require.NoError(t, err)
	assert.Len(t, audited, 1)
}

func TestEntryPersistedBeforeArming(t *testing.T) {
	st := store.NewMemoryStore()
	s := NewScheduler(st, newRecordingTrigger(), nil)
	// Not started: AddEvent must still persist.

	err := s.AddEvent(context.Background(), &store.ScheduleEvent{
		ID:         "s1",
		InstanceID: "inst-1",
		EventName:  schema.ResumeEventName,
		ResumeTime: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	left, err := st.ListScheduleEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestStartReArmsPersistedEntries(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateScheduleEvent(context.Background(), &store.ScheduleEvent{
		ID:         "s1",
		InstanceID: "inst-1",
		EventName:  schema.ResumeEventName,
		ResumeTime: time.Now().Add(-time.Second),
	}))

	trigger := newRecordingTrigger()
	s := NewScheduler(st, trigger, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	trigger.waitForFire(t)
	assert.Equal(t, []string{"inst-1/Resume"}, trigger.fired)
}

func TestFailedDeliveryKeepsRecord(t *testing.T) {
	st := store.NewMemoryStore()
	trigger := newRecordingTrigger()
	trigger.err = errors.New("instance busy")
	s := NewScheduler(st, trigger, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, s.AddEvent(context.Background(), &store.ScheduleEvent{
		ID:         "s1",
		InstanceID: "inst-1",
		EventName:  schema.ResumeEventName,
		ResumeTime: time.Now(),
	}))

	trigger.waitForFire(t)
	left, err := st.ListScheduleEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, left, 1, "failed delivery must keep the schedule record")

	audited, err := st.GetEvents(context.Background(), "inst-1", store.EventFilter{Type: schema.EventScheduleFired})
	require.NoError(t, err)
	assert.Empty(t, audited, "a failed delivery is not a fire")
}

func TestStopCancelsPendingTimers(t *testing.T) {
	st := store.NewMemoryStore()
	trigger := newRecordingTrigger()
	s := NewScheduler(st, trigger, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.AddEvent(context.Background(), &store.ScheduleEvent{
		ID:         "s1",
		InstanceID: "inst-1",
		EventName:  schema.ResumeEventName,
		ResumeTime: time.Now().Add(time.Hour),
	}))

	require.NoError(t, s.Stop())
	assert.Empty(t, trigger.fired)

	// The entry survives for the next Start.
	left, err := st.ListScheduleEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestDoubleStartRejected(t *testing.T) {
	s := NewScheduler(store.NewMemoryStore(), newRecordingTrigger(), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Error(t, s.Start(context.Background()))
}
