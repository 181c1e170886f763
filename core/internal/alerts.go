package internal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/metricbundle"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
)

// Alert evento visible para el operador.
type Alert struct {
	Severity  string // semconv.AlertValues
	Component string // semconv.ComponentValues
	AccountID string
	Message   string
	Err       error
	Attrs     []attribute.KeyValue
	At        time.Time
}

// AlertSink canal de alertas al operador.
type AlertSink interface {
	Raise(ctx context.Context, alert Alert)
}

// TelemetryAlertSink registra alertas como logs de error y métrica guard.alert.raised.
type TelemetryAlertSink struct {
	telemetry *telemetry.Client
	metrics   *metricbundle.GuardMetrics
}

// NewTelemetryAlertSink crea el sink por defecto.
func NewTelemetryAlertSink(tel *telemetry.Client, metrics *metricbundle.GuardMetrics) *TelemetryAlertSink {
	return &TelemetryAlertSink{telemetry: tel, metrics: metrics}
}

// Raise implementa AlertSink.
func (s *TelemetryAlertSink) Raise(ctx context.Context, alert Alert) {
	attrs := append([]attribute.KeyValue{
		semconv.Guard.Alert.String(alert.Severity),
		semconv.Guard.Component.String(alert.Component),
	}, alert.Attrs...)
	if alert.AccountID != "" {
		attrs = append(attrs, semconv.Guard.AccountID.String(alert.AccountID))
	}

	if alert.Severity == semconv.AlertValues.Critical {
		s.telemetry.Error(ctx, alert.Message, alert.Err, attrs...)
	} else {
		s.telemetry.Warn(ctx, alert.Message, append(attrs, errAttr(alert.Err)...)...)
	}

	if s.metrics != nil {
		s.metrics.RecordAlert(ctx,
			semconv.Guard.Alert.String(alert.Severity),
			semconv.Guard.Component.String(alert.Component),
		)
	}
}

func errAttr(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{attribute.String("error", err.Error())}
}

// telegramSender subconjunto de tgbotapi.BotAPI usado por el sink.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlertSink reenvía alertas críticas a un chat de Telegram.
//
// Los envíos son asíncronos y acotados: si el buffer está lleno la alerta
// se descarta del canal Telegram (el sink de telemetría la conserva).
type TelegramAlertSink struct {
	sender    telegramSender
	chatID    int64
	telemetry *telemetry.Client
	minLevel  string

	queue chan Alert
	once  sync.Once
	done  chan struct{}
}

// NewTelegramAlertSink autentica el bot y arranca el loop de envío.
func NewTelegramAlertSink(token string, chatID int64, tel *telemetry.Client) (*TelegramAlertSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot auth: %w", err)
	}
	tel.Info(context.Background(), "Telegram alert sink authorized",
		attribute.String("bot", bot.Self.UserName),
	)
	return newTelegramAlertSink(bot, chatID, tel), nil
}

func newTelegramAlertSink(sender telegramSender, chatID int64, tel *telemetry.Client) *TelegramAlertSink {
	s := &TelegramAlertSink{
		sender:    sender,
		chatID:    chatID,
		telemetry: tel,
		minLevel:  semconv.AlertValues.Critical,
		queue:     make(chan Alert, 64),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

// Raise implementa AlertSink.
func (s *TelegramAlertSink) Raise(ctx context.Context, alert Alert) {
	if alert.Severity != s.minLevel {
		return
	}
	select {
	case s.queue <- alert:
	default:
		s.telemetry.Warn(ctx, "Telegram alert queue full, alert not forwarded",
			semconv.Guard.Component.String(alert.Component),
		)
	}
}

// Close detiene el loop tras vaciar la cola.
func (s *TelegramAlertSink) Close() {
	s.once.Do(func() {
		close(s.queue)
		<-s.done
	})
}

func (s *TelegramAlertSink) loop() {
	defer close(s.done)
	for alert := range s.queue {
		msg := tgbotapi.NewMessage(s.chatID, formatTelegramAlert(alert))
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := s.sender.Send(msg); err != nil {
			s.telemetry.Warn(context.Background(), "Telegram alert delivery failed",
				attribute.String("error", err.Error()),
			)
		}
	}
}

func formatTelegramAlert(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>[%s] guard %s</b>\n", strings.ToUpper(alert.Severity), alert.Component)
	b.WriteString(escapeHTML(alert.Message))
	if alert.AccountID != "" {
		fmt.Fprintf(&b, "\naccount: <code>%s</code>", escapeHTML(alert.AccountID))
	}
	if alert.Err != nil {
		fmt.Fprintf(&b, "\nerror: %s", escapeHTML(alert.Err.Error()))
	}
	for _, kv := range alert.Attrs {
		fmt.Fprintf(&b, "\n%s: %s", kv.Key, escapeHTML(kv.Value.Emit()))
	}
	if !alert.At.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", alert.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// MultiAlertSink reparte cada alerta a varios sinks.
type MultiAlertSink []AlertSink

// Raise implementa AlertSink.
func (m MultiAlertSink) Raise(ctx context.Context, alert Alert) {
	for _, sink := range m {
		if sink != nil {
			sink.Raise(ctx, alert)
		}
	}
}
