package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/xKoRx/guard/core/internal/repository"
	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/etcd"
	sdkgrpc "github.com/xKoRx/guard/sdk/grpc"
	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/metricbundle"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
)

// Core representa el servicio principal de Guard Core.
//
// Responsabilidades:
//   - Recuperación ordenada del estado persistido (lockouts, agregados, timers)
//   - Reset diario y sweep de bloqueos vencidos
//   - Gateway gRPC de adaptadores (eventos in, comandos out)
//   - Router de eventos y cola de acciones de enforcement
//   - Superficie de operación (HTTP, LISTEN/NOTIFY, ETCD)
type Core struct {
	config *Config
	clock  clockwork.Clock

	store     domain.Store
	ownsStore bool

	telemetry     *telemetry.Client
	metrics       *metricbundle.GuardMetrics
	ownsTelemetry bool

	alerts   AlertSink
	telegram *TelegramAlertSink

	locks    *AccountLocks
	timers   *TimerManager
	lockouts *LockoutManager
	book     *AggregateBook
	reset    *ResetScheduler
	registry *AccountRegistry
	gateway  *AdapterGateway
	queue    *ActionQueue
	router   *EventRouter

	grpcServer     *sdkgrpc.Server
	operatorServer *OperatorServer
	listener       *OperatorListener
	etcdClient     *etcd.Client

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	startedAt time.Time

	mu      sync.Mutex
	started bool
	closed  bool
}

// Status foto del estado del Core para la CLI y la API de operación.
type Status struct {
	Environment    string     `json:"environment"`
	StartedAt      time.Time  `json:"started_at"`
	Period         string     `json:"period"`
	NextReset      *time.Time `json:"next_reset,omitempty"`
	ActiveLockouts int        `json:"active_lockouts"`
	PendingTimers  int        `json:"pending_timers"`
	QueuePending   int        `json:"queue_pending"`
	QueueRunning   int        `json:"queue_running"`
	FailedActions  int        `json:"failed_actions"`
	Adapters       int        `json:"adapters"`
}

// Option modifica la construcción del Core.
type Option func(*options)

type options struct {
	clock     clockwork.Clock
	store     domain.Store
	telemetry *telemetry.Client
	evaluator domain.RuleEvaluator
}

// WithClock reemplaza el reloj de pared (tests).
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithStore usa un store ya abierto. El Core no lo cierra en Shutdown.
func WithStore(store domain.Store) Option {
	return func(o *options) { o.store = store }
}

// WithTelemetry usa un cliente de telemetría existente. El Core no lo cierra.
func WithTelemetry(tel *telemetry.Client) Option {
	return func(o *options) { o.telemetry = tel }
}

// WithRuleEvaluator define el evaluador de reglas.
func WithRuleEvaluator(evaluator domain.RuleEvaluator) Option {
	return func(o *options) { o.evaluator = evaluator }
}

// noRules evaluador por defecto: ninguna violación.
var noRules = domain.RuleEvaluatorFunc(func(context.Context, *domain.Event, domain.AccountState) ([]domain.RuleViolation, error) {
	return nil, nil
})

// New crea una nueva instancia de Core.
//
// Example:
//
//	cfg, err := internal.LoadConfig(ctx)
//	if err != nil {
//	    return err
//	}
//	core, err := internal.New(ctx, cfg, internal.WithRuleEvaluator(rules))
//	if err != nil {
//	    return err
//	}
//	defer core.Shutdown(context.Background())
func New(ctx context.Context, config *Config, opts ...Option) (*Core, error) {
	if config == nil {
		config = DefaultConfig(envOrDefault())
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	coreCtx, cancel := context.WithCancel(ctx)

	c := &Core{
		config:    config,
		clock:     o.clock,
		telemetry: o.telemetry,
		ctx:       coreCtx,
		cancel:    cancel,
	}

	if c.telemetry == nil {
		tel, err := newTelemetry(coreCtx, config)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		c.telemetry = tel
		c.ownsTelemetry = true
	}
	c.metrics = c.telemetry.GuardMetrics()
	if c.metrics == nil {
		c.abort()
		return nil, fmt.Errorf("failed to get GuardMetrics bundle")
	}

	c.ctx = telemetry.AppendCommonAttrs(c.ctx,
		semconv.Guard.Component.String(semconv.ComponentValues.Core),
	)

	c.store = o.store
	if c.store == nil {
		store, err := OpenStore(c.ctx, config)
		if err != nil {
			c.abort()
			return nil, err
		}
		c.store = store
		c.ownsStore = true
	}

	// Alertas
	sinks := MultiAlertSink{NewTelemetryAlertSink(c.telemetry, c.metrics)}
	if config.TelegramToken != "" && config.TelegramChatID != 0 {
		tg, err := NewTelegramAlertSink(config.TelegramToken, config.TelegramChatID, c.telemetry)
		if err != nil {
			// Sin Telegram el Core sigue operando con alertas por telemetría.
			c.telemetry.Warn(c.ctx, "Telegram alert sink disabled", attribute.String("error", err.Error()))
		} else {
			c.telegram = tg
			sinks = append(sinks, tg)
		}
	}
	c.alerts = sinks

	persist := retryPolicy{
		MaxAttempts:  config.PersistMaxAttempts,
		InitialDelay: config.PersistInitialDelay,
		MaxDelay:     2 * time.Second,
	}

	c.locks = NewAccountLocks()
	c.timers = NewTimerManager(c.store, c.clock, c.telemetry, c.metrics)
	c.lockouts = NewLockoutManager(LockoutManagerConfig{
		SweepInterval:      config.SweepInterval,
		Persist:            persist,
		ManualClearAllowed: config.ManualClearAllowed,
	}, c.store, c.timers, c.clock, c.alerts, c.telemetry, c.metrics)
	c.book = NewAggregateBook(c.store, c.clock, persist, c.alerts, c.telemetry, c.metrics, "")

	reset, err := NewResetScheduler(config.Reset, c.timers, c.lockouts, c.book, c.locks, c.clock, c.telemetry, c.metrics)
	if err != nil {
		c.abort()
		return nil, err
	}
	c.reset = reset
	c.book.SetPeriod(reset.CurrentPeriod(c.clock.Now()))

	// Gateway → cola → router; el router se enlaza al gateway al final.
	c.registry = NewAccountRegistry(c.telemetry)
	c.gateway = NewAdapterGateway(GatewayConfig{
		CommandTimeout: config.CommandTimeout,
		DedupeTTL:      config.DedupeTTL,
	}, c.registry, c.clock, c.telemetry, c.metrics)
	c.queue = NewActionQueue(config.Queue, c.gateway.Enforcer(), c.store, c.clock, c.alerts, c.telemetry, c.metrics)

	evaluator := o.evaluator
	if evaluator == nil {
		c.telemetry.Warn(c.ctx, "No rule evaluator configured, only lockout enforcement is active")
		evaluator = noRules
	}
	c.router = NewEventRouter(EventRouterConfig{
		Workers:   config.RouterWorkers,
		QueueSize: config.RouterQueueSize,
	}, c.lockouts, c.book, c.queue, evaluator, config.PolicyFor, c.locks, c.clock, c.telemetry, c.metrics)
	c.gateway.SetDispatcher(c.router)

	c.listener = NewOperatorListener(c.lockouts, c.telemetry)

	c.telemetry.Info(c.ctx, "Core initialized",
		attribute.Int("grpc_port", config.GRPCPort),
		attribute.String("store_driver", config.StoreDriver),
		attribute.Bool("reset_enabled", config.Reset.Enabled),
		attribute.Int("rule_policies", len(config.RulePolicies)),
	)

	return c, nil
}

func newTelemetry(ctx context.Context, config *Config) (*telemetry.Client, error) {
	telOpts := []telemetry.Option{
		telemetry.WithVersion(config.ServiceVersion),
		telemetry.WithLogLevel(config.LogLevel),
	}
	if config.OTLPEndpoint != "" {
		telOpts = append(telOpts, telemetry.WithOTLPEndpoint(config.OTLPEndpoint))
	} else {
		telOpts = append(telOpts, telemetry.WithTracesDisabled())
	}
	if config.MetricsEndpoint != "" {
		telOpts = append(telOpts, telemetry.WithMetricsEndpoint(config.MetricsEndpoint))
	} else if config.OTLPEndpoint == "" {
		telOpts = append(telOpts, telemetry.WithMetricsDisabled())
	}
	if config.ConsoleLogs {
		telOpts = append(telOpts, telemetry.WithConsoleLogs())
	}
	return telemetry.New(ctx, config.ServiceName, config.Environment, telOpts...)
}

// OpenStore abre el store durable según store/driver.
func OpenStore(ctx context.Context, config *Config) (domain.Store, error) {
	switch config.StoreDriver {
	case StoreDriverPostgres:
		return repository.OpenPostgresStore(ctx, config.PostgresConnStr())
	case StoreDriverSQLite:
		return repository.OpenSQLiteStore(ctx, config.SQLitePath)
	case StoreDriverBolt, "":
		return repository.OpenBoltStore(config.BoltPath)
	default:
		return nil, domain.NewError(domain.ErrInvalidConfig, "unknown store driver: "+config.StoreDriver)
	}
}

// abort libera lo construido cuando New falla a mitad de camino.
func (c *Core) abort() {
	c.cancel()
	if c.telegram != nil {
		c.telegram.Close()
	}
	if c.ownsStore && c.store != nil {
		_ = c.store.Close()
	}
	if c.ownsTelemetry && c.telemetry != nil {
		_ = c.telemetry.Shutdown(context.Background())
	}
}

// Start recupera el estado persistido y levanta los servidores.
//
// Orden: lockouts → agregados → acciones fallidas → timers → reset → sweep →
// router → gateway/API. Los eventos sólo entran cuando el estado está completo.
func (c *Core) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("core already closed")
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("core already started")
	}
	c.started = true
	c.mu.Unlock()

	ctx := c.ctx
	c.startedAt = c.clock.Now()

	loaded, expired, err := c.lockouts.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover lockouts: %w", err)
	}

	c.book.SetPeriod(c.reset.CurrentPeriod(c.clock.Now()))
	aggregates, err := c.book.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover aggregates: %w", err)
	}

	failed, err := c.queue.LoadFailedActions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load failed actions: %w", err)
	}

	fired, armed, err := c.timers.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover timers: %w", err)
	}

	if err := c.reset.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reset scheduler: %w", err)
	}

	c.lockouts.StartSweep(ctx)
	c.router.Start(ctx)

	c.telemetry.Info(ctx, "State recovered",
		attribute.Int("lockouts_loaded", loaded),
		attribute.Int("lockouts_expired", expired),
		attribute.Int("aggregates", aggregates),
		attribute.Int("failed_actions", failed),
		attribute.Int("timers_fired", fired),
		attribute.Int("timers_armed", armed),
	)

	if err := c.startServers(ctx); err != nil {
		return err
	}

	c.telemetry.Info(ctx, "Core started successfully")
	return nil
}

func (c *Core) startServers(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	c.group = group

	grpcConfig := sdkgrpc.DefaultServerConfig(c.config.GRPCPort)
	if c.config.KeepAliveTime > 0 {
		grpcConfig.KeepAlive.Time = c.config.KeepAliveTime
	}
	if c.config.KeepAliveTimeout > 0 {
		grpcConfig.KeepAlive.Timeout = c.config.KeepAliveTimeout
	}
	grpcConfig.ShutdownGracePeriod = 5 * time.Second
	grpcConfig.StreamInterceptors = []grpc.StreamServerInterceptor{
		sdkgrpc.RecoveryStreamServerInterceptor(c.telemetry),
		sdkgrpc.LoggingStreamServerInterceptor(c.telemetry),
		sdkgrpc.TracingStreamServerInterceptor(),
	}
	server, err := sdkgrpc.NewServer(grpcConfig)
	if err != nil {
		return err
	}
	server.RegisterService(&AdapterGatewayServiceDesc, c.gateway)
	c.grpcServer = server

	group.Go(func() error {
		c.telemetry.Info(gctx, "Adapter gateway listening", attribute.String("address", server.Address()))
		return server.Serve(gctx)
	})
	group.Go(func() error {
		c.gateway.DedupeLoop(gctx, time.Minute)
		return nil
	})

	if c.config.OperatorHTTPAddr != "" {
		auth := NewOperatorAuth(c.config.OperatorJWTSecret, 0, c.clock)
		if !auth.Enabled() {
			c.telemetry.Warn(ctx, "Operator API running without authentication")
		}
		api := NewOperatorAPI(c.lockouts, c.reset, c.queue, c.Status, auth, c.clock, c.telemetry)
		httpServer, err := NewOperatorServer(c.config.OperatorHTTPAddr, api.Router(), c.telemetry)
		if err != nil {
			return err
		}
		c.operatorServer = httpServer
		group.Go(func() error {
			return httpServer.Serve(gctx)
		})
	}

	if c.config.StoreDriver == StoreDriverPostgres {
		if err := c.listener.StartPostgres(ctx, c.config.PostgresConnStr()); err != nil {
			return err
		}
	}

	if c.config.OperatorEtcdWatch {
		client, err := etcd.New(etcd.WithApp("guard"), etcd.WithEnv(c.config.Environment))
		if err != nil {
			return fmt.Errorf("failed to create ETCD client: %w", err)
		}
		c.etcdClient = client
		if err := c.listener.StartEtcd(ctx, client); err != nil {
			return err
		}
	}

	return nil
}

// GatewayAddress dirección efectiva del servidor gRPC (vacía antes de Start).
func (c *Core) GatewayAddress() string {
	if c.grpcServer == nil {
		return ""
	}
	return c.grpcServer.Address()
}

// OperatorAddress dirección efectiva de la API HTTP (vacía si está deshabilitada).
func (c *Core) OperatorAddress() string {
	if c.operatorServer == nil {
		return ""
	}
	return c.operatorServer.Address()
}

// Wait bloquea hasta que un servidor falle o el Core se detenga.
func (c *Core) Wait() error {
	if c.group == nil {
		<-c.ctx.Done()
		return nil
	}
	return c.group.Wait()
}

// Lockouts expone el manager (CLI y tests).
func (c *Core) Lockouts() *LockoutManager { return c.lockouts }

// Router expone el router de eventos.
func (c *Core) Router() *EventRouter { return c.router }

// Status foto del estado actual.
func (c *Core) Status() Status {
	pending, running := c.queue.Depth()
	st := Status{
		Environment:    c.config.Environment,
		StartedAt:      c.startedAt,
		Period:         c.book.Period(),
		ActiveLockouts: len(c.lockouts.ActiveLockouts()),
		PendingTimers:  len(c.timers.Pending()),
		QueuePending:   pending,
		QueueRunning:   running,
		FailedActions:  len(c.queue.FailedActions()),
		Adapters:       c.gateway.Sessions(),
	}
	if next := c.reset.NextReset(); !next.IsZero() {
		st.NextReset = &next
	}
	return st
}

// Shutdown detiene el Core gracefully.
//
// Primero deja de aceptar eventos, luego drena router y cola dentro del plazo
// de ctx; lo que quede en vuelo se abandona y sigue persistido.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.telemetry.Info(c.ctx, "Core shutting down...")

	var errs []error

	c.listener.Stop()

	if c.grpcServer != nil {
		if err := c.grpcServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
	}

	c.router.Stop(ctx)
	if err := c.queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue shutdown: %w", err))
	}

	c.lockouts.StopSweep()
	c.timers.Shutdown()

	// Detener contexto: termina HTTP y el Serve del gateway
	c.cancel()
	if c.group != nil {
		if err := c.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	if c.telegram != nil {
		c.telegram.Close()
	}
	if c.etcdClient != nil {
		_ = c.etcdClient.Close()
	}
	if c.ownsStore {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	c.telemetry.Info(context.Background(), "Core stopped", attribute.Int("errors", len(errs)))

	if c.ownsTelemetry {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := c.telemetry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown telemetry: %w", err))
		}
	}

	return errors.Join(errs...)
}
