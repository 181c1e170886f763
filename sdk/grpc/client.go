package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ClientConfig configuración para cliente gRPC.
type ClientConfig struct {
	// Target dirección del servidor (ej: "127.0.0.1:50061")
	Target string

	// Timeout para conexión inicial
	DialTimeout time.Duration

	// KeepAlive configuración de keepalive
	KeepAlive *KeepAliveConfig

	// Insecure usar conexión sin TLS
	Insecure bool

	// MaxRetries número máximo de reintentos
	MaxRetries int

	// RetryBackoff backoff inicial entre reintentos
	RetryBackoff time.Duration


	// StreamInterceptors interceptors para streams
	StreamInterceptors []grpc.StreamClientInterceptor

	// ExtraDialOptions opciones adicionales (p.ej. WithContextDialer para bufconn)
	ExtraDialOptions []grpc.DialOption
}

// KeepAliveConfig configuración de keepalive.
type KeepAliveConfig struct {
	// Time intervalo de keepalive pings
	Time time.Duration

	// Timeout timeout para respuesta de ping
	Timeout time.Duration

	// PermitWithoutStream permitir pings sin streams activos
	PermitWithoutStream bool
}

// DefaultClientConfig retorna configuración por defecto.
func DefaultClientConfig(target string) *ClientConfig {
	return &ClientConfig{
		Target:       target,
		DialTimeout:  10 * time.Second,
		Insecure:     true,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
		KeepAlive: &KeepAliveConfig{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		},
	}
}

// Client wrapper sobre grpc.ClientConn con funcionalidad adicional.
type Client struct {
	conn   *grpc.ClientConn
	config *ClientConfig
	target string
}

// NewClient crea un nuevo cliente gRPC y espera a que la conexión esté lista.
//
// Example:
//
//	config := grpc.DefaultClientConfig("127.0.0.1:50061")
//	client, err := grpc.NewClient(ctx, config)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func NewClient(ctx context.Context, config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	conn, err := dial(config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", config.Target, err)
	}

	client := &Client{
		conn:   conn,
		config: config,
		target: config.Target,
	}

	if config.DialTimeout > 0 {
		if err := client.WaitForReady(ctx, config.DialTimeout); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("connection to %s not ready: %w", config.Target, err)
		}
	}

	return client, nil
}

func dial(config *ClientConfig) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{}

	if config.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if config.KeepAlive != nil {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepAlive.Time,
			Timeout:             config.KeepAlive.Timeout,
			PermitWithoutStream: config.KeepAlive.PermitWithoutStream,
		}))
	}

	if len(config.StreamInterceptors) > 0 {
		opts = append(opts, grpc.WithChainStreamInterceptor(config.StreamInterceptors...))
	}
	opts = append(opts, config.ExtraDialOptions...)

	return grpc.NewClient(config.Target, opts...)
}

// Conn retorna la conexión gRPC subyacente.
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

// Close cierra la conexión.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Target retorna el target del cliente.
func (c *Client) Target() string {
	return c.target
}

// State retorna el estado de la conexión.
func (c *Client) State() connectivity.State {
	if c.conn == nil {
		return connectivity.Shutdown
	}
	return c.conn.GetState()
}

// WaitForReady espera a que la conexión esté lista.
func (c *Client) WaitForReady(ctx context.Context, timeout time.Duration) error {
	if c.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	ctxWithTimeout := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctxWithTimeout, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.conn.Connect()
	for {
		state := c.conn.GetState()
		if state == connectivity.Ready {
			return nil
		}

		if !c.conn.WaitForStateChange(ctxWithTimeout, state) {
			return ctxWithTimeout.Err()
		}
	}
}

// IsReady indica si la conexión está lista.
func (c *Client) IsReady() bool {
	return c.State() == connectivity.Ready
}

// WithRetry ejecuta fn con reintentos exponenciales ante errores transitorios
// (Unavailable, DeadlineExceeded, ResourceExhausted).
//
// Example:
//
//	err := client.WithRetry(ctx, func(ctx context.Context) error {
//	    return client.Conn().Invoke(ctx, method, req, reply)
//	})
func (c *Client) WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.RetryBackoff
	bo.MaxInterval = 30 * time.Second

	var retries uint64
	if c.config.MaxRetries > 0 {
		retries = uint64(c.config.MaxRetries)
	}

	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
}

// IsTransient indica si un error gRPC amerita reintento.
func IsTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}
