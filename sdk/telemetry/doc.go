// Package telemetry proporciona observabilidad para guard mediante los tres pilares:
//
// 1. Logs: Registro estructurado JSON (slog) o coloreado en consola (tint)
// 2. Métricas: OpenTelemetry exportables vía OTLP
// 3. Trazas: Trazado distribuido con OpenTelemetry
//
// Uso básico:
//
//	client, err := telemetry.New(ctx, "guard-core", "production")
//	if err != nil {
//	    return err
//	}
//	defer client.Shutdown(ctx)
//
//	client.Info(ctx, "Lockout applied",
//	    semconv.Guard.AccountID.String("ACC1"),
//	)
//
//	metrics := client.GuardMetrics()
//	metrics.RecordLockoutSet(ctx, semconv.Guard.LockoutKind.String("hard"))
//
// En tests se usa NewNop(), que descarta logs y usa un meter noop.
package telemetry
