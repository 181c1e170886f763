package internal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/guard/sdk/telemetry/semconv"
)

type stubTelegram struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (s *stubTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		s.sent = append(s.sent, msg)
	}
	return tgbotapi.Message{}, s.err
}

func (s *stubTelegram) messages() []tgbotapi.MessageConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), s.sent...)
}

func TestTelegramAlertSink_ForwardsCriticalOnly(t *testing.T) {
	tel, _ := newTestTelemetry(t)
	stub := &stubTelegram{}
	sink := newTelegramAlertSink(stub, 42, tel)

	ctx := context.Background()
	sink.Raise(ctx, Alert{Severity: semconv.AlertValues.Warning, Component: "queue", Message: "slow"})
	sink.Raise(ctx, Alert{
		Severity:  semconv.AlertValues.Critical,
		Component: semconv.ComponentValues.Store,
		AccountID: "ACC<1>",
		Message:   "persist failed & retried",
		Err:       errors.New("disk full"),
		Attrs:     []attribute.KeyValue{attribute.Int("attempts", 5)},
		At:        time.Date(2024, 3, 7, 15, 0, 0, 0, time.UTC),
	})
	sink.Close()

	msgs := stub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(42), msgs[0].ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, msgs[0].ParseMode)
	assert.Contains(t, msgs[0].Text, "<b>[CRITICAL] guard store</b>")
	assert.Contains(t, msgs[0].Text, "persist failed &amp; retried")
	assert.Contains(t, msgs[0].Text, "account: <code>ACC&lt;1&gt;</code>")
	assert.Contains(t, msgs[0].Text, "error: disk full")
	assert.Contains(t, msgs[0].Text, "attempts: 5")
	assert.Contains(t, msgs[0].Text, "at: 2024-03-07T15:00:00Z")
}

func TestTelegramAlertSink_DeliveryErrorsAreContained(t *testing.T) {
	tel, _ := newTestTelemetry(t)
	stub := &stubTelegram{err: errors.New("network down")}
	sink := newTelegramAlertSink(stub, 1, tel)

	sink.Raise(context.Background(), Alert{Severity: semconv.AlertValues.Critical, Component: "core", Message: "boom"})
	sink.Close()
	sink.Close()

	assert.Len(t, stub.messages(), 1)
}

func TestMultiAlertSink_FansOut(t *testing.T) {
	a, b := &recordingAlerts{}, &recordingAlerts{}
	multi := MultiAlertSink{a, nil, b}

	multi.Raise(context.Background(), Alert{Severity: semconv.AlertValues.Critical, Message: "x"})

	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 1)
}

func TestTelemetryAlertSink_RecordsWithoutPanicking(t *testing.T) {
	tel, metrics := newTestTelemetry(t)
	sink := NewTelemetryAlertSink(tel, metrics)

	assert.NotPanics(t, func() {
		sink.Raise(context.Background(), Alert{Severity: semconv.AlertValues.Warning, Component: "router", Message: "w"})
		sink.Raise(context.Background(), Alert{Severity: semconv.AlertValues.Critical, Component: "store", Message: "c", Err: errors.New("e")})
	})
}
