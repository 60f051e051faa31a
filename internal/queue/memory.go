package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/stateflow/pkg/schema"
)

// Handler consumes delivered workflow events. Satisfied by the engine.
type Handler interface {
	HandleEvent(ctx context.Context, instanceID, eventName string, eventData map[string]any) error
}

// envelope is one queued event delivery.
type envelope struct {
	instanceID string
	eventName  string
	eventData  map[string]any
}

// MemoryQueue is an in-process event transport: Publish enqueues onto a
// buffered channel and a single dispatch goroutine delivers events to the
// handler in publish order. Delivery failures are logged, never retried.
type MemoryQueue struct {
	handler Handler
	logger  *slog.Logger

	ch     chan envelope
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

const defaultQueueDepth = 256

// NewMemoryQueue creates a MemoryQueue delivering to the handler. A
// non-positive depth gets a default of 256.
func NewMemoryQueue(handler Handler, depth int, logger *slog.Logger) *MemoryQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		handler: handler,
		logger:  logger,
		ch:      make(chan envelope, depth),
	}
}

// Start launches the dispatch goroutine. Starting twice is a no-op.
func (q *MemoryQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))

	q.wg.Add(1)
	go q.dispatch()
}

// Stop shuts down the dispatcher and waits for in-flight delivery to finish.
// Events still buffered when Stop is called are dropped.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
}

// Publish enqueues an event for asynchronous delivery. A full buffer is a
// transport error rather than a block inside state processing.
func (q *MemoryQueue) Publish(_ context.Context, instanceID, eventName string, eventData map[string]any) error {
	select {
	case q.ch <- envelope{instanceID: instanceID, eventName: eventName, eventData: eventData}:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeTransport,
			"event queue full, dropping event %q for instance %q", eventName, instanceID)
	}
}

func (q *MemoryQueue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case env := <-q.ch:
			if err := q.handler.HandleEvent(q.ctx, env.instanceID, env.eventName, env.eventData); err != nil {
				q.logger.Error("event delivery failed",
					slog.String("instance_id", env.instanceID),
					slog.String("event", env.eventName),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
