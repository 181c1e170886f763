package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/utils"
)

// LoggingStreamClientInterceptor interceptor de logging para streams del cliente.
func LoggingStreamClientInterceptor(client *telemetry.Client) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		// Abrir stream
		stream, err := streamer(ctx, desc, cc, method, opts...)

		attrs := []attribute.KeyValue{
			attribute.String("rpc.method", method),
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.type", "stream"),
		}

		if err != nil {
			client.Error(ctx, "gRPC stream open failed", err, attrs...)
			return nil, err
		}

		client.Info(ctx, "gRPC stream opened", attrs...)

		return stream, nil
	}
}

// LoggingStreamServerInterceptor interceptor de logging para streams del servidor.
func LoggingStreamServerInterceptor(client *telemetry.Client) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()

		attrs := []attribute.KeyValue{
			attribute.String("rpc.method", info.FullMethod),
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.type", "stream"),
		}

		client.Info(ss.Context(), "gRPC stream handler started", attrs...)

		// Ejecutar handler
		err := handler(srv, ss)

		duration := time.Since(start)
		attrs = append(attrs, attribute.Float64("rpc.duration_ms", float64(duration.Milliseconds())))

		if err != nil {
			client.Error(ss.Context(), "gRPC stream handler failed", err, attrs...)
		} else {
			client.Info(ss.Context(), "gRPC stream handler completed", attrs...)
		}

		return err
	}
}

// TracingStreamClientInterceptor propaga trace context en streams del cliente.
func TracingStreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		// Propagar trace_id si está en contexto
		if traceID := getTraceIDFromContext(ctx); traceID != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "trace-id", traceID)
		}

		return streamer(ctx, desc, cc, method, opts...)
	}
}

// TracingStreamServerInterceptor extrae trace context en streams del servidor.
func TracingStreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx := ss.Context()

		// Extraer trace_id de metadata
		if traceID := getTraceIDFromMetadata(ctx); traceID != "" {
			ctx = setTraceIDInContext(ctx, traceID)
			ctx = telemetry.AppendEventAttrs(ctx, attribute.String("trace_id", traceID))
		}

		// Wrap ServerStream para usar contexto actualizado
		wrappedStream := &wrappedServerStream{
			ServerStream: ss,
			ctx:          ctx,
		}

		return handler(srv, wrappedStream)
	}
}

// RecoveryStreamServerInterceptor convierte un panic del stream handler en codes.Internal.
func RecoveryStreamServerInterceptor(client *telemetry.Client) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if r := recover(); r != nil {
				client.Error(ss.Context(), "gRPC stream handler panic", fmt.Errorf("%v", r),
					attribute.String("rpc.method", info.FullMethod),
					attribute.String("stack", string(debug.Stack())),
				)
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}

// wrappedServerStream wrapper para ServerStream con contexto custom.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context retorna el contexto custom.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// Helpers para trace_id

type contextKey string

const traceIDKey contextKey = "trace_id"

// getTraceIDFromContext extrae trace_id del contexto.
func getTraceIDFromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// setTraceIDInContext establece trace_id en el contexto.
func setTraceIDInContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// getTraceIDFromMetadata extrae trace_id de metadata gRPC.
func getTraceIDFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	values := md.Get("trace-id")
	if len(values) == 0 {
		return ""
	}

	return values[0]
}

// GetTraceID obtiene trace_id del contexto.
func GetTraceID(ctx context.Context) string {
	return getTraceIDFromContext(ctx)
}

// GetOrGenerateTraceID obtiene trace_id del contexto o genera uno nuevo.
func GetOrGenerateTraceID(ctx context.Context) (context.Context, string) {
	traceID := getTraceIDFromContext(ctx)
	if traceID == "" {
		traceID = utils.GenerateUUIDv7()
		ctx = setTraceIDInContext(ctx, traceID)
	}
	return ctx, traceID
}
