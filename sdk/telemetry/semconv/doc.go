// Package semconv define convenciones semánticas para atributos OpenTelemetry
// utilizados por guard en logs, métricas y trazas.
//
// Uso básico:
//
//	client.Info(ctx, "Lockout cleared",
//	    semconv.Guard.AccountID.String("ACC1"),
//	    semconv.Guard.ClearOrigin.String("timer"),
//	)
package semconv
