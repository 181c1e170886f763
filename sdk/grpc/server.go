package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// ServerConfig configuración para servidor gRPC.
type ServerConfig struct {
	// Port puerto del servidor
	Port int

	// Address dirección de bind (ej: "0.0.0.0", "127.0.0.1")
	Address string

	// KeepAlive configuración de keepalive
	KeepAlive *ServerKeepAliveConfig

	// MaxConcurrentStreams streams concurrentes por conexión (0 = sin límite)
	MaxConcurrentStreams uint32

	// ConnectionTimeout timeout para establecer conexión
	ConnectionTimeout time.Duration

	// ShutdownGracePeriod periodo de gracia para shutdown
	ShutdownGracePeriod time.Duration


	// StreamInterceptors interceptors para streams
	StreamInterceptors []grpc.StreamServerInterceptor
}

// ServerKeepAliveConfig configuración de keepalive del servidor.
type ServerKeepAliveConfig struct {
	// MaxConnectionIdle tiempo máximo de conexión idle antes de cerrar
	MaxConnectionIdle time.Duration

	// MaxConnectionAge edad máxima de conexión antes de forzar cierre
	MaxConnectionAge time.Duration

	// MaxConnectionAgeGrace periodo de gracia tras MaxConnectionAge
	MaxConnectionAgeGrace time.Duration

	// Time intervalo de keepalive pings
	Time time.Duration

	// Timeout timeout para respuesta de ping
	Timeout time.Duration
}

// DefaultServerConfig retorna configuración por defecto.
func DefaultServerConfig(port int) *ServerConfig {
	return &ServerConfig{
		Port:                 port,
		Address:              "0.0.0.0",
		MaxConcurrentStreams: 0, // Sin límite
		ConnectionTimeout:    10 * time.Second,
		ShutdownGracePeriod:  30 * time.Second,
		KeepAlive: &ServerKeepAliveConfig{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      0, // Sin límite
			MaxConnectionAgeGrace: 1 * time.Minute,
			Time:                  2 * time.Hour,
			Timeout:               20 * time.Second,
		},
	}
}

// Server wrapper sobre grpc.Server con funcionalidad adicional.
type Server struct {
	grpcServer *grpc.Server
	config     *ServerConfig
	listener   net.Listener
	address    string
}

// NewServer crea un nuevo servidor gRPC.
//
// Example:
//
//	config := grpc.DefaultServerConfig(50061)
//	server, err := grpc.NewServer(config)
//	if err != nil {
//	    return err
//	}
//
//	// Registrar servicios
//	server.GRPCServer().RegisterService(&gatewayServiceDesc, gateway)
//
//	// Servir
//	if err := server.Serve(ctx); err != nil {
//	    return err
//	}
func NewServer(config *ServerConfig) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	address := fmt.Sprintf("%s:%d", config.Address, config.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	return NewServerWithListener(config, listener), nil
}

// NewServerWithListener crea el servidor sobre un listener ya abierto (bufconn en tests).
func NewServerWithListener(config *ServerConfig, listener net.Listener) *Server {
	if config == nil {
		config = DefaultServerConfig(0)
	}

	// Construir server options
	opts := []grpc.ServerOption{}

	// KeepAlive
	if config.KeepAlive != nil {
		kaParams := keepalive.ServerParameters{
			MaxConnectionIdle:     config.KeepAlive.MaxConnectionIdle,
			MaxConnectionAge:      config.KeepAlive.MaxConnectionAge,
			MaxConnectionAgeGrace: config.KeepAlive.MaxConnectionAgeGrace,
			Time:                  config.KeepAlive.Time,
			Timeout:               config.KeepAlive.Timeout,
		}
		opts = append(opts, grpc.KeepaliveParams(kaParams))

		// Enforcement policy: permitir pings más frecuentes para clientes detrás de redes ruidosas
		kaEnforcement := keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second, // permitir pings cada 10s
			PermitWithoutStream: true,
		}
		opts = append(opts, grpc.KeepaliveEnforcementPolicy(kaEnforcement))
	}

	if config.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(config.MaxConcurrentStreams))
	}
	if config.ConnectionTimeout > 0 {
		opts = append(opts, grpc.ConnectionTimeout(config.ConnectionTimeout))
	}

	// Interceptors
	if len(config.StreamInterceptors) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(config.StreamInterceptors...))
	}

	return &Server{
		grpcServer: grpc.NewServer(opts...),
		config:     config,
		listener:   listener,
		address:    listener.Addr().String(),
	}
}

// GRPCServer retorna el servidor gRPC subyacente.
//
// Útil para registrar servicios:
//
//	server.GRPCServer().RegisterService(&desc, impl)
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address retorna la dirección en la que el servidor está escuchando.
func (s *Server) Address() string {
	return s.address
}

// Serve inicia el servidor y bloquea hasta que se llame Stop o el contexto se cancele.
//
// Example:
//
//	go func() {
//	    if err := server.Serve(ctx); err != nil {
//	        tel.Error(ctx, "gRPC server error", err)
//	    }
//	}()
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("listener is nil")
	}

	// Canal para errores de Serve
	errCh := make(chan error, 1)

	// Servir en goroutine
	go func() {
		errCh <- s.grpcServer.Serve(s.listener)
	}()

	// Esperar cancelación de contexto o error
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		// ctx ya expiró; el graceful usa su propio plazo
		if err := s.Shutdown(context.Background()); err != nil {
			return err
		}
		return nil
	}
}

// Shutdown hace un graceful shutdown del servidor.
//
// Espera hasta que todas las conexiones activas terminen o se alcance el timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpcServer == nil {
		return nil
	}

	// Canal para señalizar fin de shutdown
	done := make(chan struct{})

	// Graceful stop en goroutine
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	// Esperar graceful stop o timeout
	timeout := s.config.ShutdownGracePeriod
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		// Forzar stop si timeout
		s.grpcServer.Stop()
		return fmt.Errorf("forced shutdown after %v", timeout)
	case <-ctx.Done():
		// Context cancelado, forzar stop
		s.grpcServer.Stop()
		return ctx.Err()
	}
}

// Stop detiene el servidor inmediatamente (no graceful).
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
}

// RegisterService registra un servicio descrito a mano (sin código generado).
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.grpcServer.RegisterService(desc, impl)
}
