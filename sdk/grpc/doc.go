// Package grpc provee abstracciones de alto nivel para comunicación gRPC.
//
// Lo usan el core de guard (servidor del AdapterGateway) y el SDK de
// adaptadores (cliente del stream Connect). No depende de código generado: el
// servicio se describe con grpc.ServiceDesc y los mensajes viajan como sobres
// structpb.Struct {type, payload}.
//
// # Servidor gRPC
//
//	config := grpc.DefaultServerConfig(50061)
//	config.StreamInterceptors = []grpc.StreamServerInterceptor{
//	    grpc.RecoveryStreamServerInterceptor(telemetryClient),
//	    grpc.LoggingStreamServerInterceptor(telemetryClient),
//	    grpc.TracingStreamServerInterceptor(),
//	}
//	server, err := grpc.NewServer(config)
//	if err != nil {
//	    return err
//	}
//	server.RegisterService(&gatewayServiceDesc, gateway)
//
//	if err := server.Serve(ctx); err != nil {
//	    return err
//	}
//
// # Cliente gRPC
//
//	client, err := grpc.NewClient(ctx, grpc.DefaultClientConfig("127.0.0.1:50061"))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	raw, err := client.Conn().NewStream(ctx, &adapter.StreamDesc, adapter.ConnectMethod)
//	if err != nil {
//	    return err
//	}
//	stream := grpc.NewStreamClient(raw, grpc.NewEnvelope)
//
// # Streaming Bidireccional
//
// Stream serializa los writes y entrega los mensajes recibidos por channel:
//
//	stream := grpc.NewStreamServer(raw, grpc.NewEnvelope)
//	defer stream.Close()
//
//	for msg := range stream.Receive() {
//	    switch grpc.EnvelopeType(msg) {
//	    case "event":
//	        var ev domain.Event
//	        if err := grpc.DecodePayload(msg, &ev); err != nil {
//	            continue
//	        }
//	    }
//	}
//
// # Trace ID
//
// GetOrGenerateTraceID fija el trace_id de una sesión en el contexto; el
// interceptor cliente lo agrega a la metadata saliente y el del servidor lo
// extrae (GetTraceID) y lo agrega a los atributos de log del stream.
//
// # Graceful Shutdown
//
//	if err := server.Shutdown(ctx); err != nil {
//	    // el servidor cae a Stop() si ctx expira
//	}
package grpc
