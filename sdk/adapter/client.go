package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xKoRx/guard/sdk/domain"
	sdkgrpc "github.com/xKoRx/guard/sdk/grpc"
	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
	"github.com/xKoRx/guard/sdk/utils"
)

// CommandHandler ejecuta comandos de enforcement contra el broker.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd Command) CommandResult
}

// CommandHandlerFunc adapta una función a CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd Command) CommandResult

// HandleCommand implementa CommandHandler.
func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd Command) CommandResult {
	return f(ctx, cmd)
}

// Config configuración del cliente de adaptador.
type Config struct {
	AdapterID        string
	Accounts         []string
	Version          string
	GRPC             *sdkgrpc.ClientConfig
	HandshakeTimeout time.Duration
}

// Client sesión de un adaptador contra el gateway del Core.
//
// Connect realiza el handshake hello/welcome; Run atiende comandos hasta que
// el stream termine o se cancele el contexto.
type Client struct {
	cfg       Config
	handler   CommandHandler
	telemetry *telemetry.Client

	conn    *sdkgrpc.Client
	stream  *sdkgrpc.Stream[*structpb.Struct]
	ctx     context.Context
	cancel  context.CancelFunc
	traceID string
	welcome Welcome

	rejected chan Rejected
	wg       sync.WaitGroup
	once     sync.Once
}

// Connect abre el stream y completa el handshake.
func Connect(ctx context.Context, cfg Config, handler CommandHandler, tel *telemetry.Client) (*Client, error) {
	if cfg.AdapterID == "" {
		return nil, domain.NewError(domain.ErrInvalidConfig, "adapter id is required")
	}
	if handler == nil {
		return nil, domain.NewError(domain.ErrInvalidConfig, "command handler is required")
	}
	if cfg.GRPC == nil {
		return nil, domain.NewError(domain.ErrInvalidConfig, "grpc client config is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}

	grpcCfg := *cfg.GRPC
	if len(grpcCfg.StreamInterceptors) == 0 && tel != nil {
		grpcCfg.StreamInterceptors = []grpc.StreamClientInterceptor{
			sdkgrpc.LoggingStreamClientInterceptor(tel),
			sdkgrpc.TracingStreamClientInterceptor(),
		}
	}

	conn, err := sdkgrpc.NewClient(ctx, &grpcCfg)
	if err != nil {
		return nil, domain.WrapError(domain.ErrAdapterUnavailable, "dial core gateway", err)
	}

	c := &Client{
		cfg:       cfg,
		handler:   handler,
		telemetry: tel,
		conn:      conn,
		rejected:  make(chan Rejected, 16),
	}
	// El trace_id de la sesión viaja en la metadata del stream (TracingStreamClientInterceptor).
	var base context.Context
	base, c.traceID = sdkgrpc.GetOrGenerateTraceID(context.WithoutCancel(ctx))
	c.ctx, c.cancel = context.WithCancel(base)

	var raw grpc.ClientStream
	err = conn.WithRetry(ctx, func(context.Context) error {
		var serr error
		raw, serr = conn.Conn().NewStream(c.ctx, &StreamDesc, ConnectMethod)
		return serr
	})
	if err != nil {
		c.cancel()
		_ = conn.Close()
		return nil, domain.WrapError(domain.ErrAdapterUnavailable, "open gateway stream", err)
	}
	c.stream = sdkgrpc.NewStreamClient(raw, sdkgrpc.NewEnvelope)

	if err := c.handshake(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	hello, err := sdkgrpc.EncodeEnvelope(TypeHello, Hello{
		AdapterID: c.cfg.AdapterID,
		Accounts:  c.cfg.Accounts,
		Version:   c.cfg.Version,
	})
	if err != nil {
		return err
	}
	if err := c.stream.Send(hello); err != nil {
		return domain.WrapError(domain.ErrAdapterUnavailable, "send hello", err)
	}

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-c.stream.Receive():
		if !ok {
			return domain.NewError(domain.ErrAdapterUnavailable, "stream closed during handshake")
		}
		switch sdkgrpc.EnvelopeType(msg) {
		case TypeWelcome:
			if err := sdkgrpc.DecodePayload(msg, &c.welcome); err != nil {
				return err
			}
		case TypeRejected:
			var rej Rejected
			if err := sdkgrpc.DecodePayload(msg, &rej); err != nil {
				return err
			}
			return domain.NewError(domain.ErrAdapterRejected, "handshake rejected: "+rej.Reason)
		default:
			return domain.NewError(domain.ErrAdapterRejected,
				fmt.Sprintf("unexpected %q during handshake", sdkgrpc.EnvelopeType(msg)))
		}
	case <-timer.C:
		return domain.NewError(domain.ErrTimeout, "handshake timed out")
	case <-ctx.Done():
		return ctx.Err()
	}

	c.telemetry.Info(ctx, "Adapter registered with core gateway",
		semconv.Guard.AdapterID.String(c.cfg.AdapterID),
		attribute.Int("accounts", len(c.welcome.Accounts)),
		attribute.String("trace_id", c.traceID),
	)
	return nil
}

// Welcome retorna la confirmación recibida en el handshake.
func (c *Client) Welcome() Welcome {
	return c.welcome
}

// TraceID trace_id de la sesión, propagado al Core en la metadata del stream.
func (c *Client) TraceID() string {
	return c.traceID
}

// Connected indica si la conexión gRPC subyacente está lista.
func (c *Client) Connected() bool {
	return c.conn.IsReady()
}

// SendEvent publica un evento de dominio hacia el Core.
func (c *Client) SendEvent(event *domain.Event) error {
	if event == nil {
		return domain.NewError(domain.ErrInvalidEvent, "event is nil")
	}
	msg, err := sdkgrpc.EncodeEnvelope(TypeEvent, event)
	if err != nil {
		return err
	}
	return c.stream.Send(msg)
}

// Rejections canal de mensajes descartados por el Core (buffer acotado).
func (c *Client) Rejections() <-chan Rejected {
	return c.rejected
}

// Run atiende comandos hasta que el stream termine o ctx se cancele.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.stream.Receive():
			if !ok {
				select {
				case err := <-c.stream.Errors():
					return streamEndError(err)
				default:
					return nil
				}
			}
			c.dispatch(ctx, msg)
		}
	}
}

// streamEndError marca como ADAPTER_UNAVAILABLE las caídas transitorias del
// stream: el llamador debe reconectar con Connect.
func streamEndError(err error) error {
	if err == nil || !sdkgrpc.IsTransient(err) {
		return err
	}
	return domain.WrapError(domain.ErrAdapterUnavailable, "gateway stream lost", err)
}

func (c *Client) dispatch(ctx context.Context, msg *structpb.Struct) {
	switch msgType := sdkgrpc.EnvelopeType(msg); msgType {
	case TypeCommand:
		var cmd Command
		if err := sdkgrpc.DecodePayload(msg, &cmd); err != nil {
			c.telemetry.Warn(ctx, "Malformed command from core", attribute.String("error", err.Error()))
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.execute(ctx, cmd)
		}()
	case TypeRejected:
		var rej Rejected
		if err := sdkgrpc.DecodePayload(msg, &rej); err != nil {
			return
		}
		c.telemetry.Warn(ctx, "Core rejected adapter message",
			attribute.String("ref", rej.Ref),
			semconv.Guard.ErrorCode.String(string(rej.Code)),
			semconv.Guard.Reason.String(rej.Reason),
		)
		select {
		case c.rejected <- rej:
		default:
		}
	default:
		c.telemetry.Debug(ctx, "Ignoring unknown envelope", attribute.String("type", msgType))
	}
}

func (c *Client) execute(ctx context.Context, cmd Command) {
	if cmd.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, utils.DurationMs(cmd.TimeoutMs))
		defer cancel()
	}
	result := func() (res CommandResult) {
		defer func() {
			if r := recover(); r != nil {
				res = CommandResult{
					Success:     false,
					ErrorCode:   string(domain.ErrEnforcementFailed),
					ErrorDetail: fmt.Sprintf("handler panic: %v", r),
				}
			}
		}()
		return c.handler.HandleCommand(ctx, cmd)
	}()
	result.CommandID = cmd.CommandID

	msg, err := sdkgrpc.EncodeEnvelope(TypeCommandResult, result)
	if err == nil {
		err = c.stream.Send(msg)
	}
	if err != nil {
		c.telemetry.Warn(ctx, "Failed to send command result",
			attribute.String("command_id", cmd.CommandID),
			attribute.String("error", err.Error()),
		)
	}
}

// Close cierra el stream y la conexión.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		if c.stream != nil {
			err = c.stream.Close()
		}
		c.cancel()
		c.wg.Wait()
		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = errors.Join(err, cerr)
		}
	})
	return err
}
