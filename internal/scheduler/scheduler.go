package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
	"github.com/rendis/stateflow/pkg/store"
)

// EventTrigger delivers a due event to an instance. Satisfied by the engine
// (avoids import cycle).
type EventTrigger interface {
	TriggerEvent(ctx context.Context, instanceID, eventName, userID string, eventData map[string]any) error
}

// ScheduleStore is the slice of the store the scheduler needs.
type ScheduleStore interface {
	CreateScheduleEvent(ctx context.Context, ev *store.ScheduleEvent) error
	DeleteScheduleEvent(ctx context.Context, id string) error
	ListScheduleEvents(ctx context.Context) ([]*store.ScheduleEvent, error)
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Scheduler persists future resume points and fires them when due. An entry
// is persisted before it is armed, so a restart between the two never loses
// it; Start re-arms everything still in the store. The record is deleted only
// after a successful delivery, which makes firing at-least-once.
type Scheduler struct {
	store   ScheduleStore
	trigger EventTrigger
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
	armed   map[string]struct{}
	started bool
}

// NewScheduler creates a Scheduler. A nil logger falls back to slog.Default().
func NewScheduler(s ScheduleStore, trigger EventTrigger, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   s,
		trigger: trigger,
		logger:  logger,
		armed:   make(map[string]struct{}),
	}
}

// Start loads every persisted schedule event and arms a timer for each.
// Entries already past due fire immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	pending, err := s.store.ListScheduleEvents(ctx)
	if err != nil {
		return schema.NewError(schema.ErrCodeScheduler, "load persisted schedule events").WithCause(err)
	}
	for _, ev := range pending {
		s.arm(ev)
	}

	s.logger.Info("scheduler started", slog.Int("pending", len(pending)))
	return nil
}

// Stop cancels all armed timers and waits for in-flight firings to finish.
// Persisted entries remain in the store for the next Start.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// AddEvent persists a schedule event and arms its timer. Persistence comes
// first so a crash after AddEvent returns can never lose the entry.
func (s *Scheduler) AddEvent(ctx context.Context, ev *store.ScheduleEvent) error {
	if err := s.store.CreateScheduleEvent(ctx, ev); err != nil {
		return schema.NewErrorf(schema.ErrCodeScheduler,
			"persist schedule event for instance %q", ev.InstanceID).WithCause(err)
	}

	s.mu.Lock()
	running := s.started
	s.mu.Unlock()
	if running {
		s.arm(ev)
	}
	return nil
}

// arm spawns a goroutine that sleeps until the entry's resume time and then
// fires it. Duplicate arming of the same entry ID is a no-op.
func (s *Scheduler) arm(ev *store.ScheduleEvent) {
	s.mu.Lock()
	if _, ok := s.armed[ev.ID]; ok {
		s.mu.Unlock()
		return
	}
	s.armed[ev.ID] = struct{}{}
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.armed, ev.ID)
			s.mu.Unlock()
		}()

		delay := time.Until(ev.ResumeTime)
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		s.fire(ctx, ev)
	}()
}

// fire delivers the event as the system actor and deletes the record on
// success. A delivery failure keeps the record so the next Start retries it.
func (s *Scheduler) fire(ctx context.Context, ev *store.ScheduleEvent) {
	err := s.trigger.TriggerEvent(ctx, ev.InstanceID, ev.EventName, schema.SystemActorID, nil)
	if err != nil {
		s.logger.Error("scheduled event delivery failed, keeping record",
			slog.String("schedule_id", ev.ID),
			slog.String("instance_id", ev.InstanceID),
			slog.String("event", ev.EventName),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.store.AppendEvent(ctx, &store.Event{
		InstanceID: ev.InstanceID,
		Type:       schema.EventScheduleFired,
		Details:    fmt.Sprintf("Scheduled event %s fired", ev.EventName),
	}); err != nil {
		s.logger.Error("failed to append audit event",
			slog.String("event_type", schema.EventScheduleFired),
			slog.String("error", err.Error()),
		)
	}

	if err := s.store.DeleteScheduleEvent(ctx, ev.ID); err != nil {
		s.logger.Error("failed to delete fired schedule event",
			slog.String("schedule_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("scheduled event fired",
		slog.String("schedule_id", ev.ID),
		slog.String("instance_id", ev.InstanceID),
		slog.String("event", ev.EventName),
	)
}
