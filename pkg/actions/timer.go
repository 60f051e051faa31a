package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/stateflow/pkg/schema"
	"github.com/rendis/stateflow/pkg/store"
)

// TimerAction parks an instance by recording a future resume point with the
// scheduler. When the schedule fires, the scheduler delivers the "Resume"
// event to the instance as the system actor.
//
// Parameters, checked in order (first present wins):
//
//	absoluteSchedule RFC3339 timestamp to resume at
//	cronSchedule     standard cron expression; resumes at the next occurrence
//	relativeDelay    Go duration string ("5m") or number of seconds
type TimerAction struct {
	cronParser cron.Parser
	now        func() time.Time
}

// NewTimerAction creates a TimerAction using the standard 5-field cron format.
func NewTimerAction() *TimerAction {
	return &TimerAction{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:        time.Now,
	}
}

func (a *TimerAction) Type() string { return schema.ActionTypeTimer }

func (a *TimerAction) Execute(ctx context.Context, instance *schema.WorkflowInstance, params map[string]any, ec *ExecutionContext) error {
	resumeTime, err := a.resolveResumeTime(params)
	if err != nil {
		return err
	}

	ev := &store.ScheduleEvent{
		ID:         uuid.NewString(),
		InstanceID: instance.ID,
		EventName:  schema.ResumeEventName,
		ResumeTime: resumeTime,
	}
	if err := ec.Schedules.AddEvent(ctx, ev); err != nil {
		return schema.NewErrorf(schema.ErrCodeScheduler,
			"schedule resume for instance %q", instance.ID).WithCause(err)
	}

	return recordExecuted(ctx, ec, a.Type(), instance,
		fmt.Sprintf("Resume scheduled for %s", resumeTime.UTC().Format(time.RFC3339)))
}

func (a *TimerAction) resolveResumeTime(params map[string]any) (time.Time, error) {
	if abs := stringParam(params, "absoluteSchedule", ""); abs != "" {
		t, err := time.Parse(time.RFC3339, abs)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration,
				"absoluteSchedule %q is not RFC3339", abs).WithCause(err)
		}
		return t, nil
	}

	if expr := stringParam(params, "cronSchedule", ""); expr != "" {
		sched, err := a.cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration,
				"cronSchedule %q is invalid", expr).WithCause(err)
		}
		return sched.Next(a.now()), nil
	}

	if delay, ok := durationParam(params, "relativeDelay"); ok {
		return a.now().Add(delay), nil
	}

	return time.Time{}, schema.NewError(schema.ErrCodeConfiguration,
		"Timer action requires absoluteSchedule, cronSchedule, or relativeDelay")
}

var _ Action = (*TimerAction)(nil)
