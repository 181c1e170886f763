package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xKoRx/guard/sdk/adapter"
	"github.com/xKoRx/guard/sdk/domain"
	sdkgrpc "github.com/xKoRx/guard/sdk/grpc"
	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/metricbundle"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
	"github.com/xKoRx/guard/sdk/utils"
)

// EventDispatcher destino de los eventos recibidos de los adaptadores.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event *domain.Event) error
}

// AdapterGatewayServer contrato del servicio guard.v1.AdapterGateway.
type AdapterGatewayServer interface {
	Connect(stream grpc.ServerStream) error
}

// AdapterGatewayServiceDesc descriptor escrito a mano (sin protoc).
var AdapterGatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: adapter.ServiceName,
	HandlerType: (*AdapterGatewayServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    adapter.StreamName,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "guard/v1/adapter_gateway",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AdapterGatewayServer).Connect(stream)
}

// GatewayConfig parámetros del gateway de adaptadores.
type GatewayConfig struct {
	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	DedupeTTL        time.Duration // 0 = sin deduplicación de eventos
}

// adapterSession stream vivo de un adaptador.
type adapterSession struct {
	id        string
	adapterID string
	stream    *sdkgrpc.Stream[*structpb.Struct]

	mu      sync.Mutex
	pending map[string]chan adapter.CommandResult
	closed  bool
}

func (s *adapterSession) expect(commandID string) (<-chan adapter.CommandResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	ch := make(chan adapter.CommandResult, 1)
	s.pending[commandID] = ch
	return ch, true
}

func (s *adapterSession) forget(commandID string) {
	s.mu.Lock()
	delete(s.pending, commandID)
	s.mu.Unlock()
}

func (s *adapterSession) resolve(result adapter.CommandResult) bool {
	s.mu.Lock()
	ch, ok := s.pending[result.CommandID]
	delete(s.pending, result.CommandID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	return true
}

// close cierra los comandos en vuelo; sus llamadores ven ADAPTER_UNAVAILABLE.
func (s *adapterSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// AdapterGateway termina los streams de los adaptadores de broker.
//
// Responsabilidades:
//   - Handshake hello/welcome y registro cuenta → sesión
//   - Entrega de eventos al router (rechazos notificados al adaptador)
//   - Envío de comandos de enforcement y correlación de command_result
type AdapterGateway struct {
	cfg       GatewayConfig
	registry  *AccountRegistry
	clock     clockwork.Clock
	telemetry *telemetry.Client
	metrics   *metricbundle.GuardMetrics
	dedupe    *EventDedupe

	mu         sync.RWMutex
	dispatcher EventDispatcher
	sessions   map[string]*adapterSession
}

// NewAdapterGateway crea el gateway. El dispatcher se enlaza con SetDispatcher.
func NewAdapterGateway(
	cfg GatewayConfig,
	registry *AccountRegistry,
	clock clockwork.Clock,
	tel *telemetry.Client,
	metrics *metricbundle.GuardMetrics,
) *AdapterGateway {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &AdapterGateway{
		cfg:       cfg,
		registry:  registry,
		clock:     clock,
		telemetry: tel,
		metrics:   metrics,
		dedupe:    NewEventDedupe(cfg.DedupeTTL, clock),
		sessions:  make(map[string]*adapterSession),
	}
}

// SetDispatcher enlaza el destino de eventos (el router se construye después
// de la cola, que a su vez depende del gateway como Enforcer).
func (g *AdapterGateway) SetDispatcher(d EventDispatcher) {
	g.mu.Lock()
	g.dispatcher = d
	g.mu.Unlock()
}

// Connect implementa AdapterGatewayServer.
func (g *AdapterGateway) Connect(raw grpc.ServerStream) error {
	stream := sdkgrpc.NewStreamServer(raw, sdkgrpc.NewEnvelope)
	defer stream.Close()
	ctx := stream.Context()

	hello, err := g.awaitHello(ctx, stream)
	if err != nil {
		g.sendRejected(ctx, stream, adapter.Rejected{Code: domain.CodeOf(err), Reason: err.Error()})
		g.telemetry.Warn(ctx, "Adapter handshake failed", attribute.String("error", err.Error()))
		if domain.HasCode(err, domain.ErrTimeout) {
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
		return status.Error(codes.InvalidArgument, err.Error())
	}

	sess := &adapterSession{
		id:        utils.GenerateUUIDv7(),
		adapterID: hello.AdapterID,
		stream:    stream,
		pending:   make(map[string]chan adapter.CommandResult),
	}
	g.register(ctx, sess, hello.Accounts)
	defer g.unregister(ctx, sess)

	welcome, err := sdkgrpc.EncodeEnvelope(adapter.TypeWelcome, adapter.Welcome{
		AdapterID: hello.AdapterID,
		Accounts:  g.registry.GetAccountsBySession(sess.id),
	})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := stream.Send(welcome); err != nil {
		return err
	}

	for {
		select {
		case msg, ok := <-stream.Receive():
			if !ok {
				return streamEndError(stream)
			}
			g.handle(ctx, sess, msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *AdapterGateway) awaitHello(ctx context.Context, stream *sdkgrpc.Stream[*structpb.Struct]) (adapter.Hello, error) {
	var hello adapter.Hello
	select {
	case msg, ok := <-stream.Receive():
		if !ok {
			return hello, domain.NewError(domain.ErrAdapterUnavailable, "stream closed before hello")
		}
		if msgType := sdkgrpc.EnvelopeType(msg); msgType != adapter.TypeHello {
			return hello, domain.NewError(domain.ErrAdapterRejected, fmt.Sprintf("expected hello, got %q", msgType))
		}
		if err := sdkgrpc.DecodePayload(msg, &hello); err != nil {
			return hello, domain.WrapError(domain.ErrAdapterRejected, "malformed hello", err)
		}
		if hello.AdapterID == "" {
			return hello, domain.NewError(domain.ErrAdapterRejected, "hello without adapter_id")
		}
		for _, acc := range hello.Accounts {
			if err := domain.ValidateAccountID(acc); err != nil {
				return hello, err
			}
		}
		return hello, nil
	case <-g.clock.After(g.cfg.HandshakeTimeout):
		return hello, domain.NewError(domain.ErrTimeout, "no hello within handshake timeout")
	case <-ctx.Done():
		return hello, domain.WrapError(domain.ErrAdapterUnavailable, "stream canceled before hello", ctx.Err())
	}
}

func streamEndError(stream *sdkgrpc.Stream[*structpb.Struct]) error {
	select {
	case err := <-stream.Errors():
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	default:
		return nil
	}
}

func (g *AdapterGateway) register(ctx context.Context, sess *adapterSession, accounts []string) {
	g.mu.Lock()
	g.sessions[sess.id] = sess
	total := len(g.sessions)
	g.mu.Unlock()

	now := g.clock.Now()
	for _, acc := range accounts {
		g.registry.RegisterAccount(sess.id, sess.adapterID, acc, now)
	}

	g.metrics.RecordAdapterSession(ctx, true, semconv.Guard.AdapterID.String(sess.adapterID))
	g.telemetry.Info(ctx, "Adapter connected",
		semconv.Guard.AdapterID.String(sess.adapterID),
		attribute.String("session_id", sess.id),
		attribute.String("adapter_trace_id", sdkgrpc.GetTraceID(ctx)),
		attribute.Int("accounts", len(accounts)),
		attribute.Int("total_sessions", total),
	)
}

func (g *AdapterGateway) unregister(ctx context.Context, sess *adapterSession) {
	g.mu.Lock()
	delete(g.sessions, sess.id)
	total := len(g.sessions)
	g.mu.Unlock()

	released := g.registry.UnregisterSession(sess.id)
	sess.close()

	g.metrics.RecordAdapterSession(context.WithoutCancel(ctx), false, semconv.Guard.AdapterID.String(sess.adapterID))
	g.telemetry.Warn(ctx, "Adapter disconnected",
		semconv.Guard.AdapterID.String(sess.adapterID),
		attribute.String("session_id", sess.id),
		attribute.Int("released_accounts", len(released)),
		attribute.Int("total_sessions", total),
	)
}

func (g *AdapterGateway) handle(ctx context.Context, sess *adapterSession, msg *structpb.Struct) {
	switch msgType := sdkgrpc.EnvelopeType(msg); msgType {
	case adapter.TypeEvent:
		g.handleEvent(ctx, sess, msg)
	case adapter.TypeCommandResult:
		var result adapter.CommandResult
		if err := sdkgrpc.DecodePayload(msg, &result); err != nil {
			g.telemetry.Warn(ctx, "Malformed command result", attribute.String("error", err.Error()))
			return
		}
		if !sess.resolve(result) {
			g.telemetry.Warn(ctx, "Command result without pending command",
				semconv.Guard.AdapterID.String(sess.adapterID),
				attribute.String("command_id", result.CommandID),
			)
		}
	default:
		g.telemetry.Warn(ctx, "Unexpected envelope from adapter",
			semconv.Guard.AdapterID.String(sess.adapterID),
			attribute.String("type", msgType),
		)
		g.sendRejected(ctx, sess.stream, adapter.Rejected{
			Code:   domain.ErrInvalidEvent,
			Reason: fmt.Sprintf("unexpected message type %q", msgType),
		})
	}
}

func (g *AdapterGateway) handleEvent(ctx context.Context, sess *adapterSession, msg *structpb.Struct) {
	var event domain.Event
	if err := sdkgrpc.DecodePayload(msg, &event); err != nil {
		g.sendRejected(ctx, sess.stream, adapter.Rejected{Code: domain.ErrInvalidEvent, Reason: err.Error()})
		return
	}

	if owner, ok := g.registry.GetOwner(event.AccountID); !ok || owner.SessionID != sess.id {
		g.sendRejected(ctx, sess.stream, adapter.Rejected{
			Ref:    event.EventID,
			Code:   domain.ErrInvalidAccount,
			Reason: fmt.Sprintf("account %q is not registered by this adapter", event.AccountID),
		})
		return
	}

	g.mu.RLock()
	dispatcher := g.dispatcher
	g.mu.RUnlock()
	if dispatcher == nil {
		g.sendRejected(ctx, sess.stream, adapter.Rejected{
			Ref:    event.EventID,
			Code:   domain.ErrAdapterUnavailable,
			Reason: "core is not accepting events",
		})
		return
	}

	if g.dedupe.Check(event.EventID) {
		g.telemetry.Debug(ctx, "Duplicate event dropped",
			semconv.Guard.AccountID.String(event.AccountID),
			attribute.String("event_id", event.EventID),
		)
		return
	}

	if err := dispatcher.Dispatch(ctx, &event); err != nil {
		code := domain.CodeOf(err)
		if errors.Is(err, ErrRouterBusy) || errors.Is(err, ErrRouterStopped) {
			code = domain.ErrAdapterUnavailable
		}
		g.sendRejected(ctx, sess.stream, adapter.Rejected{Ref: event.EventID, Code: code, Reason: err.Error()})
		return
	}
	// Sólo los eventos aceptados entran a la ventana: un rechazo se puede reenviar.
	g.dedupe.Add(event.EventID, event.AccountID)
}

// DedupeLoop limpia la ventana de deduplicación hasta que ctx se cancele.
func (g *AdapterGateway) DedupeLoop(ctx context.Context, interval time.Duration) {
	if !g.dedupe.Enabled() {
		return
	}
	ticker := g.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if removed := g.dedupe.Cleanup(); removed > 0 {
				g.telemetry.Debug(ctx, "Dedupe cleanup",
					attribute.Int("removed", removed),
					attribute.Int("remaining", g.dedupe.Size()),
				)
			}
		}
	}
}

func (g *AdapterGateway) sendRejected(ctx context.Context, stream *sdkgrpc.Stream[*structpb.Struct], rej adapter.Rejected) {
	msg, err := sdkgrpc.EncodeEnvelope(adapter.TypeRejected, rej)
	if err == nil {
		err = stream.Send(msg)
	}
	if err != nil {
		g.telemetry.Debug(ctx, "Could not notify rejection to adapter", attribute.String("error", err.Error()))
	}
}

// Sessions retorna el número de adaptadores conectados.
func (g *AdapterGateway) Sessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Execute envía un comando al adaptador dueño de la cuenta y espera su resultado.
//
// Sin adaptador conectado retorna ADAPTER_UNAVAILABLE; sin respuesta dentro
// de CommandTimeout retorna TIMEOUT. Ambos son reintentables por la cola.
func (g *AdapterGateway) Execute(ctx context.Context, cmd adapter.Command) (domain.ActionResult, error) {
	owner, ok := g.registry.GetOwner(cmd.AccountID)
	if !ok {
		return domain.ActionResult{}, domain.NewError(domain.ErrAdapterUnavailable,
			fmt.Sprintf("no adapter connected for account %s", cmd.AccountID))
	}
	g.mu.RLock()
	sess := g.sessions[owner.SessionID]
	g.mu.RUnlock()
	if sess == nil {
		return domain.ActionResult{}, domain.NewError(domain.ErrAdapterUnavailable,
			fmt.Sprintf("adapter %s is disconnecting", owner.AdapterID))
	}

	cmd.CommandID = utils.GenerateUUIDv7()
	cmd.TimeoutMs = g.cfg.CommandTimeout.Milliseconds()
	reply, ok := sess.expect(cmd.CommandID)
	if !ok {
		return domain.ActionResult{}, domain.NewError(domain.ErrAdapterUnavailable, "adapter session closed")
	}
	defer sess.forget(cmd.CommandID)

	attrs := []attribute.KeyValue{
		semconv.Guard.AdapterID.String(sess.adapterID),
		semconv.Guard.AccountID.String(cmd.AccountID),
		semconv.Guard.ActionKind.String(string(cmd.Kind)),
	}
	start := g.clock.Now()
	record := func(st string) {
		g.metrics.RecordCommand(ctx, float64(g.clock.Since(start).Milliseconds()),
			append(attrs, semconv.Guard.Status.String(st))...)
	}

	msg, err := sdkgrpc.EncodeEnvelope(adapter.TypeCommand, cmd)
	if err != nil {
		return domain.ActionResult{}, domain.WrapError(domain.ErrInvalidAction, "encode command", err)
	}
	if err := sess.stream.Send(msg); err != nil {
		record(semconv.StatusValues.Failed)
		return domain.ActionResult{}, domain.WrapError(domain.ErrAdapterUnavailable, "send command", err)
	}

	select {
	case result, ok := <-reply:
		if !ok {
			record(semconv.StatusValues.Failed)
			return domain.ActionResult{}, domain.NewError(domain.ErrAdapterUnavailable, "adapter disconnected before result")
		}
		res := result.ActionResult()
		if res.Success {
			record(semconv.StatusValues.Success)
		} else {
			record(semconv.StatusValues.Failed)
		}
		return res, nil
	case <-g.clock.After(g.cfg.CommandTimeout):
		record(semconv.StatusValues.Failed)
		g.telemetry.Warn(ctx, "Adapter command timed out",
			append(attrs, attribute.String("command_id", cmd.CommandID))...)
		return domain.ActionResult{}, domain.NewError(domain.ErrTimeout,
			fmt.Sprintf("no result for %s within %s", cmd.Kind, g.cfg.CommandTimeout))
	case <-ctx.Done():
		record(semconv.StatusValues.Failed)
		return domain.ActionResult{}, domain.WrapError(domain.ErrTimeout, "command canceled", ctx.Err())
	}
}

// Enforcer expone el gateway como domain.Enforcer para la cola de acciones.
func (g *AdapterGateway) Enforcer() *StreamEnforcer {
	return &StreamEnforcer{gateway: g}
}

// StreamEnforcer implementa domain.Enforcer sobre los streams de adaptadores.
type StreamEnforcer struct {
	gateway *AdapterGateway
}

var _ domain.Enforcer = (*StreamEnforcer)(nil)

// ClosePosition implementa domain.Enforcer.
func (e *StreamEnforcer) ClosePosition(ctx context.Context, accountID, instrument string) (domain.ActionResult, error) {
	return e.gateway.Execute(ctx, adapter.Command{Kind: domain.ActionClosePosition, AccountID: accountID, Instrument: instrument})
}

// CloseAllPositions implementa domain.Enforcer.
func (e *StreamEnforcer) CloseAllPositions(ctx context.Context, accountID string) (domain.ActionResult, error) {
	return e.gateway.Execute(ctx, adapter.Command{Kind: domain.ActionCloseAllPositions, AccountID: accountID})
}

// ReduceToLimit implementa domain.Enforcer.
func (e *StreamEnforcer) ReduceToLimit(ctx context.Context, accountID, instrument, targetSize string) (domain.ActionResult, error) {
	size, err := decimal.NewFromString(targetSize)
	if err != nil {
		return domain.ActionResult{}, domain.WrapError(domain.ErrInvalidAction, "invalid target size", err)
	}
	return e.gateway.Execute(ctx, adapter.Command{
		Kind:       domain.ActionReduceToLimit,
		AccountID:  accountID,
		Instrument: instrument,
		TargetSize: size,
	})
}

// CancelAllOrders implementa domain.Enforcer.
func (e *StreamEnforcer) CancelAllOrders(ctx context.Context, accountID string) (domain.ActionResult, error) {
	return e.gateway.Execute(ctx, adapter.Command{Kind: domain.ActionCancelOrders, AccountID: accountID})
}

// FlattenAndCancel implementa domain.Enforcer.
func (e *StreamEnforcer) FlattenAndCancel(ctx context.Context, accountID string) (domain.ActionResult, error) {
	return e.gateway.Execute(ctx, adapter.Command{Kind: domain.ActionFlattenAndCancel, AccountID: accountID})
}
