package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestClient_JSONLogsIncludeContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	client, err := New(context.Background(), "guard-test", "test",
		WithTracesDisabled(),
		WithMetricsDisabled(),
		WithLogWriter(&buf),
	)
	require.NoError(t, err)

	ctx := AppendCommonAttrs(context.Background(), attribute.String("guard.component", "core"))
	ctx = WithAccount(ctx, "ACC1")
	client.Error(ctx, "enforcement failed", errors.New("boom"), attribute.Int("attempt", 3))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "enforcement failed", line["msg"])
	assert.Equal(t, "core", line["guard.component"])
	assert.Equal(t, "ACC1", line["guard.account_id"])
	assert.Equal(t, "boom", line["error"])
	assert.EqualValues(t, 3, line["attempt"])
}

func TestClient_LogLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	client, err := New(context.Background(), "guard-test", "test",
		WithTracesDisabled(),
		WithMetricsDisabled(),
		WithLogWriter(&buf),
		WithLogLevel("warn"),
	)
	require.NoError(t, err)

	client.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	client.Warn(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewNop_IsSafe(t *testing.T) {
	client := NewNop()
	ctx := context.Background()

	client.Info(ctx, "ignored")
	client.RecordCounter(ctx, "guard.test", 1)
	client.RecordHistogram(ctx, "guard.test.latency", 1.0)
	require.NotNil(t, client.GuardMetrics())
	client.GuardMetrics().RecordEventRouted(ctx)

	_, span := client.StartSpan(ctx, "noop")
	span.End()
	assert.NoError(t, client.Shutdown(ctx))
}

func TestAppendAttrs_DoesNotAlias(t *testing.T) {
	base := AppendEventAttrs(context.Background(), attribute.String("a", "1"))
	left := AppendEventAttrs(base, attribute.String("b", "2"))
	right := AppendEventAttrs(base, attribute.String("c", "3"))

	assert.Len(t, GetEventAttrs(base), 1)
	assert.Equal(t, "b", string(GetEventAttrs(left)[1].Key))
	assert.Equal(t, "c", string(GetEventAttrs(right)[1].Key))
}
