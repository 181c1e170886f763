package metricbundle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GuardMetrics bundle de métricas del motor de bloqueos.
//
// # Router
//
//   - guard.router.events_total: eventos procesados (status=success/failed/skipped)
//   - guard.router.locked_flatten_total: acciones sintetizadas para cuentas bloqueadas
//   - guard.router.violations_total: violaciones reportadas por el evaluador
//   - guard.router.cascade_total: re-evaluaciones tras liquidar una acción
//   - guard.router.event_latency_ms: latencia de procesamiento por evento
//
// # Lockouts y timers
//
//   - guard.lockout.set_total / guard.lockout.cleared_total
//   - guard.lockout.active: bloqueos activos (up/down)
//   - guard.lockout.persist_retry_total: reintentos de persistencia
//   - guard.timer.armed_total / guard.timer.fired_total / guard.timer.canceled_total
//   - guard.reset.fired_total / guard.reset.duration_ms
//
// # Action Queue
//
//   - guard.queue.submitted_total / guard.queue.executed_total
//   - guard.queue.retry_total / guard.queue.failed_total
//   - guard.queue.depth: acciones pendientes (up/down)
//   - guard.queue.action_latency_ms: submit → resultado terminal
//
// # Gateway
//
//   - guard.gateway.sessions: sesiones de adaptador conectadas (up/down)
//   - guard.gateway.commands_total: comandos enviados (status=success/failed)
//   - guard.gateway.command_latency_ms: envío → command_result
//
// # Alertas
//
//   - guard.alert.raised_total
type GuardMetrics struct {
	// Router
	EventsRouted  metric.Int64Counter
	LockedFlatten metric.Int64Counter
	Violations    metric.Int64Counter
	Cascades      metric.Int64Counter
	EventLatency  metric.Float64Histogram

	// Lockouts
	LockoutsSet     metric.Int64Counter
	LockoutsCleared metric.Int64Counter
	LockoutsActive  metric.Int64UpDownCounter
	PersistRetries  metric.Int64Counter

	// Timers y reset
	TimersArmed    metric.Int64Counter
	TimersFired    metric.Int64Counter
	TimersCanceled metric.Int64Counter
	ResetsFired    metric.Int64Counter
	ResetDuration  metric.Float64Histogram

	// Queue
	ActionsSubmitted metric.Int64Counter
	ActionsExecuted  metric.Int64Counter
	ActionsRetried   metric.Int64Counter
	ActionsFailed    metric.Int64Counter
	QueueDepth       metric.Int64UpDownCounter
	ActionLatency    metric.Float64Histogram

	// Gateway
	AdapterSessions metric.Int64UpDownCounter
	Commands        metric.Int64Counter
	CommandLatency  metric.Float64Histogram

	// Alertas
	AlertsRaised metric.Int64Counter
}

// NewGuardMetrics crea el bundle sobre el meter indicado.
func NewGuardMetrics(meter metric.Meter) (*GuardMetrics, error) {
	b := &builder{meter: meter}
	m := &GuardMetrics{
		EventsRouted:  b.counter("guard.router.events_total", "Eventos procesados por el router", "{event}"),
		LockedFlatten: b.counter("guard.router.locked_flatten_total", "Acciones sintetizadas por exposición en cuenta bloqueada", "{action}"),
		Violations:    b.counter("guard.router.violations_total", "Violaciones reportadas por el evaluador de reglas", "{violation}"),
		Cascades:      b.counter("guard.router.cascade_total", "Re-evaluaciones tras liquidar acciones con P&L realizado", "{evaluation}"),
		EventLatency:  b.histogram("guard.router.event_latency_ms", "Latencia de procesamiento de un evento", "ms"),

		LockoutsSet:     b.counter("guard.lockout.set_total", "Bloqueos aplicados (hard/cooldown)", "{lockout}"),
		LockoutsCleared: b.counter("guard.lockout.cleared_total", "Bloqueos liberados por origen", "{lockout}"),
		LockoutsActive:  b.upDown("guard.lockout.active", "Bloqueos activos en memoria", "{lockout}"),
		PersistRetries:  b.counter("guard.lockout.persist_retry_total", "Reintentos de persistencia de bloqueos", "{retry}"),

		TimersArmed:    b.counter("guard.timer.armed_total", "Timers armados o re-armados", "{timer}"),
		TimersFired:    b.counter("guard.timer.fired_total", "Timers disparados (incluye catch-up)", "{timer}"),
		TimersCanceled: b.counter("guard.timer.canceled_total", "Timers cancelados antes de disparar", "{timer}"),
		ResetsFired:    b.counter("guard.reset.fired_total", "Resets diarios ejecutados", "{reset}"),
		ResetDuration:  b.histogram("guard.reset.duration_ms", "Duración del reset diario", "ms"),

		ActionsSubmitted: b.counter("guard.queue.submitted_total", "Acciones encoladas", "{action}"),
		ActionsExecuted:  b.counter("guard.queue.executed_total", "Intentos de ejecución de acciones", "{attempt}"),
		ActionsRetried:   b.counter("guard.queue.retry_total", "Reintentos de acciones", "{retry}"),
		ActionsFailed:    b.counter("guard.queue.failed_total", "Acciones con fallo terminal", "{action}"),
		QueueDepth:       b.upDown("guard.queue.depth", "Acciones pendientes en la cola", "{action}"),
		ActionLatency:    b.histogram("guard.queue.action_latency_ms", "Latencia submit → resultado terminal", "ms"),

		AdapterSessions: b.upDown("guard.gateway.sessions", "Sesiones de adaptador conectadas", "{session}"),
		Commands:        b.counter("guard.gateway.commands_total", "Comandos de enforcement enviados a adaptadores", "{command}"),
		CommandLatency:  b.histogram("guard.gateway.command_latency_ms", "Latencia envío → command_result", "ms"),

		AlertsRaised: b.counter("guard.alert.raised_total", "Alertas elevadas al operador", "{alert}"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// builder acumula el primer error de creación de instrumentos.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = err
	}
	return c
}

func (b *builder) upDown(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = err
	}
	return c
}

func (b *builder) histogram(name, desc, unit string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = err
	}
	return h
}

// RecordEventRouted registra un evento procesado.
func (m *GuardMetrics) RecordEventRouted(ctx context.Context, attrs ...attribute.KeyValue) {
	m.EventsRouted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLockedFlatten registra una acción sintetizada por cuenta bloqueada.
func (m *GuardMetrics) RecordLockedFlatten(ctx context.Context, attrs ...attribute.KeyValue) {
	m.LockedFlatten.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordViolation registra una violación.
func (m *GuardMetrics) RecordViolation(ctx context.Context, attrs ...attribute.KeyValue) {
	m.Violations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCascade registra una re-evaluación en cascada.
func (m *GuardMetrics) RecordCascade(ctx context.Context, attrs ...attribute.KeyValue) {
	m.Cascades.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEventLatency registra la latencia de un evento.
func (m *GuardMetrics) RecordEventLatency(ctx context.Context, latencyMs float64, attrs ...attribute.KeyValue) {
	m.EventLatency.Record(ctx, latencyMs, metric.WithAttributes(attrs...))
}

// RecordLockoutSet registra un bloqueo aplicado.
//
// replaced indica si reemplazó un bloqueo activo (no altera el gauge).
func (m *GuardMetrics) RecordLockoutSet(ctx context.Context, replaced bool, attrs ...attribute.KeyValue) {
	m.LockoutsSet.Add(ctx, 1, metric.WithAttributes(attrs...))
	if !replaced {
		m.LockoutsActive.Add(ctx, 1)
	}
}

// RecordLockoutCleared registra un bloqueo liberado.
func (m *GuardMetrics) RecordLockoutCleared(ctx context.Context, attrs ...attribute.KeyValue) {
	m.LockoutsCleared.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.LockoutsActive.Add(ctx, -1)
}

// RecordPersistRetry registra un reintento de persistencia.
func (m *GuardMetrics) RecordPersistRetry(ctx context.Context, attrs ...attribute.KeyValue) {
	m.PersistRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTimerArmed registra un timer armado.
func (m *GuardMetrics) RecordTimerArmed(ctx context.Context, attrs ...attribute.KeyValue) {
	m.TimersArmed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTimerFired registra un timer disparado.
func (m *GuardMetrics) RecordTimerFired(ctx context.Context, attrs ...attribute.KeyValue) {
	m.TimersFired.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTimerCanceled registra un timer cancelado.
func (m *GuardMetrics) RecordTimerCanceled(ctx context.Context, attrs ...attribute.KeyValue) {
	m.TimersCanceled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReset registra un reset diario y su duración.
func (m *GuardMetrics) RecordReset(ctx context.Context, durationMs float64, attrs ...attribute.KeyValue) {
	m.ResetsFired.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ResetDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))
}

// RecordActionSubmitted registra una acción encolada.
func (m *GuardMetrics) RecordActionSubmitted(ctx context.Context, attrs ...attribute.KeyValue) {
	m.ActionsSubmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.QueueDepth.Add(ctx, 1)
}

// RecordActionExecuted registra un intento de ejecución.
func (m *GuardMetrics) RecordActionExecuted(ctx context.Context, attrs ...attribute.KeyValue) {
	m.ActionsExecuted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordActionRetried registra un reintento.
func (m *GuardMetrics) RecordActionRetried(ctx context.Context, attrs ...attribute.KeyValue) {
	m.ActionsRetried.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordActionSettled registra el resultado terminal de una acción.
func (m *GuardMetrics) RecordActionSettled(ctx context.Context, failed bool, latencyMs float64, attrs ...attribute.KeyValue) {
	m.QueueDepth.Add(ctx, -1)
	m.ActionLatency.Record(ctx, latencyMs, metric.WithAttributes(attrs...))
	if failed {
		m.ActionsFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordAlert registra una alerta elevada al operador.
func (m *GuardMetrics) RecordAlert(ctx context.Context, attrs ...attribute.KeyValue) {
	m.AlertsRaised.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAdapterSession registra la conexión (+1) o desconexión (-1) de un adaptador.
func (m *GuardMetrics) RecordAdapterSession(ctx context.Context, connected bool, attrs ...attribute.KeyValue) {
	delta := int64(-1)
	if connected {
		delta = 1
	}
	m.AdapterSessions.Add(ctx, delta, metric.WithAttributes(attrs...))
}

// RecordCommand registra un comando terminado y su latencia.
func (m *GuardMetrics) RecordCommand(ctx context.Context, latencyMs float64, attrs ...attribute.KeyValue) {
	m.Commands.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.CommandLatency.Record(ctx, latencyMs, metric.WithAttributes(attrs...))
}
