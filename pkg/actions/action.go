package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
	"github.com/rendis/stateflow/pkg/store"
)

// Action is an executable unit of work attached to a state's enter/exit
// hooks. Implementations must not retry internally; failures propagate to
// the engine's state-processing error handler.
type Action interface {
	Type() string
	Execute(ctx context.Context, instance *schema.WorkflowInstance, params map[string]any, ec *ExecutionContext) error
}

// Factory constructs an action from its declared parameters.
type Factory func(params map[string]any) (Action, error)

// EventSink receives audit events. Satisfied by store.Store.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Publisher publishes workflow events onto the external event transport.
type Publisher interface {
	Publish(ctx context.Context, instanceID, eventName string, eventData map[string]any) error
}

// ScheduleSink accepts future resume points. Satisfied by the scheduler.
type ScheduleSink interface {
	AddEvent(ctx context.Context, ev *store.ScheduleEvent) error
}

// ExecutionContext carries the collaborators an action may use. It is
// assembled by the engine; actions never reach into ambient globals.
type ExecutionContext struct {
	Events    EventSink
	Queue     Publisher
	Schedules ScheduleSink
	Logger    *slog.Logger
}

// recordExecuted writes the standard "{Type}Executed" audit event every
// built-in emits exactly once per successful execution.
func recordExecuted(ctx context.Context, ec *ExecutionContext, actionType string, instance *schema.WorkflowInstance, details string) error {
	return ec.Events.AppendEvent(ctx, &store.Event{
		InstanceID:   instance.ID,
		DefinitionID: instance.DefinitionID,
		Type:         actionType + "Executed",
		ActiveStates: append([]string(nil), instance.ActiveStates...),
		Details:      details,
	})
}

// --- Param helpers ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

// durationParam reads a Go duration string ("30s", "5m"). Numeric values are
// interpreted as seconds.
func durationParam(m map[string]any, key string) (time.Duration, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case time.Duration:
		return d, true
	case int:
		return time.Duration(d) * time.Second, true
	case float64:
		return time.Duration(d * float64(time.Second)), true
	case json.Number:
		f, err := d.Float64()
		if err != nil {
			return 0, false
		}
		return time.Duration(f * float64(time.Second)), true
	default:
		return 0, false
	}
}

// mapParam reads a map parameter that may be declared inline or as a
// JSON-encoded string.
func mapParam(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	switch val := v.(type) {
	case map[string]any:
		return val, nil
	case string:
		out := map[string]any{}
		if val == "" {
			return out, nil
		}
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"parameter %q is not a JSON object: %s", key, err.Error()).WithCause(err)
		}
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"parameter %q must be a map or JSON string, got %T", key, v)
	}
}

// Config tunes the built-in actions.
type Config struct {
	HTTPClient      *http.Client
	HTTPTimeout     time.Duration
	MaxResponseBody int64
}

const (
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

func (c Config) withDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	return c
}

// RegisterBuiltins registers the Webhook, Timer, and EventEmitter factories.
// Hosts may re-register any of these types to override the implementation.
func RegisterBuiltins(r *Registry, cfg Config) {
	cfg = cfg.withDefaults()
	r.Register(schema.ActionTypeWebhook, func(params map[string]any) (Action, error) {
		return NewWebhookAction(cfg), nil
	})
	r.Register(schema.ActionTypeTimer, func(params map[string]any) (Action, error) {
		return NewTimerAction(), nil
	})
	r.Register(schema.ActionTypeEmit, func(params map[string]any) (Action, error) {
		return NewEmitEventAction(), nil
	})
}
