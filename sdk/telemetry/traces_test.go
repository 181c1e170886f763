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
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedClient(t *testing.T, buf *bytes.Buffer) (*Client, *tracetest.SpanRecorder) {
	t.Helper()
	client, err := New(context.Background(), "guard-test", "test",
		WithTracesDisabled(),
		WithMetricsDisabled(),
		WithLogWriter(buf),
	)
	require.NoError(t, err)

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	client.tracer = provider.Tracer("guard-test")
	return client, recorder
}

func TestClient_SpanHelpers(t *testing.T) {
	var buf bytes.Buffer
	client, recorder := newTracedClient(t, &buf)

	ctx, span := client.StartSpan(context.Background(), "guard.action.execute")
	client.SetSpanAttributes(ctx, attribute.String("guard.account_id", "ACC1"))
	client.RecordError(ctx, errors.New("adapter timeout"), attribute.Int("guard.attempt", 3))
	client.Warn(ctx, "action failed")

	spanID := GetSpanID(ctx)
	assert.NotEmpty(t, spanID)
	assert.NotEmpty(t, GetTraceID(ctx))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "guard.action.execute", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.String("guard.account_id", "ACC1"))
	require.Len(t, ended[0].Events(), 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, spanID, line["span_id"])
}

func TestClient_SpanHelpersWithoutTracer(t *testing.T) {
	client := NewNop()
	ctx, span := client.StartSpan(context.Background(), "noop")
	client.SetSpanAttributes(ctx, attribute.String("k", "v"))
	client.RecordError(ctx, errors.New("boom"))
	span.End()
	assert.Empty(t, GetSpanID(ctx))
}
