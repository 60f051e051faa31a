package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/pkg/schema"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []string
	err    error
	done   chan struct{}
	want   int
}

func newRecordingHandler(want int) *recordingHandler {
	return &recordingHandler{done: make(chan struct{}), want: want}
}

func (h *recordingHandler) HandleEvent(_ context.Context, instanceID, eventName string, _ map[string]any) error {
	h.mu.Lock()
	h.events = append(h.events, instanceID+"/"+eventName)
	if len(h.events) == h.want {
		close(h.done)
	}
	h.mu.Unlock()
	return h.err
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
}

func TestMemoryQueueDeliversInOrder(t *testing.T) {
	h := newRecordingHandler(3)
	q := NewMemoryQueue(h, 8, nil)
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Publish(context.Background(), "i1", "a", nil))
	require.NoError(t, q.Publish(context.Background(), "i1", "b", nil))
	require.NoError(t, q.Publish(context.Background(), "i2", "a", nil))

	h.wait(t)
	assert.Equal(t, []string{"i1/a", "i1/b", "i2/a"}, h.events)
}

func TestMemoryQueueFullBufferErrors(t *testing.T) {
	h := newRecordingHandler(1)
	q := NewMemoryQueue(h, 1, nil)
	// Not started, so nothing drains the buffer.

	require.NoError(t, q.Publish(context.Background(), "i1", "a", nil))
	err := q.Publish(context.Background(), "i1", "b", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTransport, schema.CodeOf(err))
}

func TestMemoryQueueHandlerErrorDoesNotStopDispatch(t *testing.T) {
	h := newRecordingHandler(2)
	h.err = errors.New("handler boom")
	q := NewMemoryQueue(h, 8, nil)
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Publish(context.Background(), "i1", "a", nil))
	require.NoError(t, q.Publish(context.Background(), "i1", "b", nil))

	h.wait(t)
	assert.Len(t, h.events, 2)
}

func TestMemoryQueueStopIsIdempotent(t *testing.T) {
	q := NewMemoryQueue(newRecordingHandler(1), 1, nil)
	q.Start(context.Background())
	q.Stop()
	q.Stop()
	q.Start(context.Background())
	q.Stop()
}
