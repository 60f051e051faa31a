package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logLine(t *testing.T, ctx context.Context) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(ctx, "processing")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestCorrelationHandlerInjectsContextIDs(t *testing.T) {
	ctx := WithState(WithDefinitionID(WithInstanceID(context.Background(), "inst-1"), "def-1"), "Review")

	record := logLine(t, ctx)
	assert.Equal(t, "inst-1", record["instance_id"])
	assert.Equal(t, "def-1", record["definition_id"])
	assert.Equal(t, "Review", record["state"])
}

func TestCorrelationHandlerSkipsAbsentIDs(t *testing.T) {
	record := logLine(t, context.Background())
	assert.NotContains(t, record, "instance_id")
	assert.NotContains(t, record, "definition_id")
	assert.NotContains(t, record, "state")
}

func TestCorrelationHandlerPreservesAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "engine")
	logger.InfoContext(WithInstanceID(context.Background(), "inst-1"), "processing")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "engine", record["component"])
	assert.Equal(t, "inst-1", record["instance_id"])
}

func TestContextAccessorsDefaultEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, InstanceID(ctx))
	assert.Empty(t, DefinitionID(ctx))
	assert.Empty(t, State(ctx))
}
