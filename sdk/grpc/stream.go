package grpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// stream es la parte común de grpc.ClientStream y grpc.ServerStream.
type stream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Stream abstracción para streaming bidireccional con writes serializados.
//
// M es el tipo concreto de mensaje recibido; newMsg lo instancia para cada RecvMsg.
type Stream[M proto.Message] struct {
	raw    stream
	newMsg func() M
	sendCh chan proto.Message
	recvCh chan M
	errCh  chan error
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// NewStreamClient crea un Stream sobre el lado cliente.
//
// Example:
//
//	raw, err := conn.NewStream(ctx, &gatewayStreamDesc, connectMethod)
//	stream := grpc.NewStreamClient(raw, func() *structpb.Struct { return &structpb.Struct{} })
//	defer stream.Close()
func NewStreamClient[M proto.Message](raw grpc.ClientStream, newMsg func() M) *Stream[M] {
	return newStream[M](raw, newMsg)
}

// NewStreamServer crea un Stream sobre el lado servidor.
//
// Example (en handler de servicio):
//
//	func (g *Gateway) Connect(raw grpc.ServerStream) error {
//	    stream := grpc.NewStreamServer(raw, newEnvelope)
//	    defer stream.Close()
//
//	    for msg := range stream.Receive() {
//	        // Procesar y responder
//	        stream.Send(response)
//	    }
//	    return nil
//	}
func NewStreamServer[M proto.Message](raw grpc.ServerStream, newMsg func() M) *Stream[M] {
	return newStream[M](raw, newMsg)
}

func newStream[M proto.Message](raw stream, newMsg func() M) *Stream[M] {
	ctx, cancel := context.WithCancel(raw.Context())

	s := &Stream[M]{
		raw:    raw,
		newMsg: newMsg,
		sendCh: make(chan proto.Message, 100),
		recvCh: make(chan M, 100),
		errCh:  make(chan error, 2),
		ctx:    ctx,
		cancel: cancel,
	}

	// Goroutine de envío (serializa writes)
	go s.sendLoop()

	// Goroutine de recepción
	go s.recvLoop()

	return s
}

// sendLoop maneja el envío serializado de mensajes.
func (s *Stream[M]) sendLoop() {
	for {
		select {
		case msg := <-s.sendCh:
			if err := s.raw.SendMsg(msg); err != nil {
				s.pushErr(fmt.Errorf("send error: %w", err))
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// recvLoop maneja la recepción de mensajes.
func (s *Stream[M]) recvLoop() {
	defer close(s.recvCh)
	for {
		msg := s.newMsg()
		if err := s.raw.RecvMsg(msg); err != nil {
			s.pushErr(fmt.Errorf("recv error: %w", err))
			return
		}

		select {
		case s.recvCh <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream[M]) pushErr(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// Send envía un mensaje por el stream.
//
// Es thread-safe (serializa internamente).
func (s *Stream[M]) Send(msg proto.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return fmt.Errorf("stream is closed")
	}

	select {
	case s.sendCh <- msg:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Receive retorna un channel de mensajes recibidos.
//
// El channel se cierra cuando el stream termina.
func (s *Stream[M]) Receive() <-chan M {
	return s.recvCh
}

// Errors retorna un channel de errores (send/recv).
func (s *Stream[M]) Errors() <-chan error {
	return s.errCh
}

// Close cierra el stream; envíos pendientes se descartan.
func (s *Stream[M]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cancel()
	if cs, ok := s.raw.(grpc.ClientStream); ok {
		return cs.CloseSend()
	}
	return nil
}

// Context retorna el contexto del stream.
func (s *Stream[M]) Context() context.Context {
	return s.ctx
}
