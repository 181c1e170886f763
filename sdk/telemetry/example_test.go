package telemetry_test

import (
	"context"
	"fmt"

	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
	"go.opentelemetry.io/otel/attribute"
)

// ExampleNew demuestra cómo crear y usar el cliente de telemetría
func ExampleNew() {
	ctx := context.Background()

	client, err := telemetry.New(ctx, "guard-example", "development",
		telemetry.WithVersion("0.0.1"),
		telemetry.WithLogLevel("ERROR"),
		telemetry.WithTracesDisabled(),
		telemetry.WithMetricsDisabled(),
	)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = client.Shutdown(ctx)
	}()

	ctx = telemetry.AppendCommonAttrs(ctx,
		semconv.Guard.Component.String(semconv.ComponentValues.Core),
	)

	client.Info(ctx, "Lockout applied",
		semconv.Guard.AccountID.String("ACC1"),
		attribute.String("reason", "daily loss"),
	)

	ctx, span := client.StartSpan(ctx, "route_event")
	defer span.End()

	client.RecordLatency(ctx, "guard.router", 1.5,
		attribute.String("result", "success"),
	)

	fmt.Println("Telemetry example completed")
	// Output: Telemetry example completed
}
