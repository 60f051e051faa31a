package stateflow

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/pkg/store"
)

// ConditionLanguage selects the expression engine used for transition
// conditions.
type ConditionLanguage string

const (
	// LanguageExpr is the default condition language (expr-lang).
	LanguageExpr ConditionLanguage = "expr"
	// LanguageCEL selects Google's Common Expression Language.
	LanguageCEL ConditionLanguage = "cel"
)

// DataProvider fetches the value of an unresolved condition variable from an
// external data source. The default provider substitutes the instance ID
// into the URL template and issues an HTTP GET.
type DataProvider interface {
	Fetch(ctx context.Context, urlTemplate, instanceID string, instanceData, stateData map[string]any) (string, error)
}

// GroupResolver expands a group name into its member user IDs for
// assignment checks.
type GroupResolver interface {
	ResolveGroup(ctx context.Context, group string) ([]string, error)
}

// Publisher is the outbound event transport. The default in-memory queue
// loops published events back into HandleEvent; hosts bridging an external
// broker publish outward here and feed consumed messages to HandleEvent.
type Publisher interface {
	Publish(ctx context.Context, instanceID, eventName string, eventData map[string]any) error
}

// Options configures a Flow. The zero value is usable: in-memory store,
// in-memory loopback queue, expr condition language, HTTP data provider,
// default logger.
type Options struct {
	// Store persists definitions, instances, the audit log, and schedule
	// events. Defaults to an in-memory store.
	Store store.Store

	// Language selects the condition expression engine. Defaults to expr.
	Language ConditionLanguage

	// DataProvider resolves unbound condition variables. Defaults to an HTTP
	// GET provider using HTTPClient and HTTPTimeout.
	DataProvider DataProvider

	// GroupResolver expands assignment groups. Defaults to a static resolver
	// populated via SetGroup; a group with no registered members resolves to
	// the group name itself.
	GroupResolver GroupResolver

	// Publisher overrides the event transport. When nil an in-memory queue
	// delivers published events back into the engine asynchronously.
	Publisher Publisher

	// QueueDepth bounds the in-memory queue buffer. Ignored when Publisher
	// is set. Defaults to 256.
	QueueDepth int

	// HTTPClient is used by the webhook action and the default data
	// provider. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// HTTPTimeout bounds each outbound HTTP call. Defaults to 30s.
	HTTPTimeout time.Duration

	// Logger receives structured logs. Defaults to slog.Default() wrapped
	// with the correlation handler.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Store == nil {
		o.Store = store.NewMemoryStore()
	}
	if o.Language == "" {
		o.Language = LanguageExpr
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(logging.NewCorrelationHandler(slog.Default().Handler()))
	}
	return o
}
