// Package metricbundle agrupa los instrumentos OpenTelemetry tipados de guard.
//
// Todas las métricas siguen el formato guard.<componente>.<métrica>, por ejemplo:
//   - guard.router.events_total
//   - guard.lockout.set_total
//   - guard.queue.action_latency_ms
//
// Uso:
//
//	metrics := telClient.GuardMetrics()
//	metrics.RecordActionExecuted(ctx, semconv.Guard.Status.String("success"))
package metricbundle
