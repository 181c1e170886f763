package internal

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xKoRx/guard/sdk/adapter"
	"github.com/xKoRx/guard/sdk/domain"
	sdkgrpc "github.com/xKoRx/guard/sdk/grpc"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*domain.Event
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event *domain.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) received() []*domain.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*domain.Event(nil), d.events...)
}

type gatewayFixture struct {
	gateway    *AdapterGateway
	dispatcher *recordingDispatcher
	listener   *bufconn.Listener
}

func newGatewayFixture(t *testing.T, cfg GatewayConfig) *gatewayFixture {
	t.Helper()
	tel, metrics := newTestTelemetry(t)

	gw := NewAdapterGateway(cfg, NewAccountRegistry(tel), clockwork.NewRealClock(), tel, metrics)
	dispatcher := &recordingDispatcher{}
	gw.SetDispatcher(dispatcher)

	lis := bufconn.Listen(1 << 20)
	srv := sdkgrpc.NewServerWithListener(&sdkgrpc.ServerConfig{ShutdownGracePeriod: time.Second}, lis)
	srv.RegisterService(&AdapterGatewayServiceDesc, gw)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})

	return &gatewayFixture{gateway: gw, dispatcher: dispatcher, listener: lis}
}

func (f *gatewayFixture) connect(t *testing.T, adapterID string, accounts []string, handler adapter.CommandHandler) *adapter.Client {
	t.Helper()
	tel, _ := newTestTelemetry(t)

	cfg := adapter.Config{
		AdapterID: adapterID,
		Accounts:  accounts,
		GRPC: &sdkgrpc.ClientConfig{
			Target:      "passthrough:///bufnet",
			Insecure:    true,
			DialTimeout: 2 * time.Second,
			ExtraDialOptions: []grpc.DialOption{
				grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
					return f.listener.DialContext(ctx)
				}),
			},
		},
		HandshakeTimeout: 2 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, err := adapter.Connect(ctx, cfg, handler, tel)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	go func() { _ = client.Run(runCtx) }()
	t.Cleanup(func() {
		stop()
		_ = client.Close()
	})
	return client
}

func okHandler() adapter.CommandHandler {
	return adapter.CommandHandlerFunc(func(context.Context, adapter.Command) adapter.CommandResult {
		return adapter.CommandResult{Success: true}
	})
}

func TestGateway_HandshakeRegistersAccounts(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	client := f.connect(t, "adapter-1", []string{"ACC-1", "ACC-2"}, okHandler())

	assert.Equal(t, "adapter-1", client.Welcome().AdapterID)
	assert.ElementsMatch(t, []string{"ACC-1", "ACC-2"}, client.Welcome().Accounts)
	assert.Equal(t, 1, f.gateway.Sessions())
	assert.True(t, client.Connected())
	assert.NotEmpty(t, client.TraceID())

	owner, ok := f.gateway.registry.GetOwner("ACC-2")
	require.True(t, ok)
	assert.Equal(t, "adapter-1", owner.AdapterID)
}

func TestGateway_EventsReachDispatcher(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	client := f.connect(t, "adapter-1", []string{"ACC-1"}, okHandler())

	require.NoError(t, client.SendEvent(&domain.Event{
		EventID:     "ev-1",
		Kind:        domain.EventTradeExecuted,
		AccountID:   "ACC-1",
		Instrument:  "ES",
		Size:        decimal.NewFromInt(1),
		RealizedPnL: decimal.NewFromInt(-250),
	}))

	require.Eventually(t, func() bool { return len(f.dispatcher.received()) == 1 }, eventually, tick)
	got := f.dispatcher.received()[0]
	assert.Equal(t, "ev-1", got.EventID)
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(-250)))
}

func TestGateway_RejectsEventsForForeignAccounts(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	client := f.connect(t, "adapter-1", []string{"ACC-1"}, okHandler())

	require.NoError(t, client.SendEvent(&domain.Event{
		EventID:   "ev-x",
		Kind:      domain.EventQuoteUpdate,
		AccountID: "ACC-OTHER",
	}))

	select {
	case rej := <-client.Rejections():
		assert.Equal(t, "ev-x", rej.Ref)
		assert.Equal(t, domain.ErrInvalidAccount, rej.Code)
	case <-time.After(eventually):
		t.Fatal("expected rejection")
	}
	assert.Empty(t, f.dispatcher.received())
}

func TestGateway_DispatcherBackpressureIsReported(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	f.dispatcher.err = ErrRouterBusy
	client := f.connect(t, "adapter-1", []string{"ACC-1"}, okHandler())

	require.NoError(t, client.SendEvent(&domain.Event{EventID: "ev-1", Kind: domain.EventQuoteUpdate, AccountID: "ACC-1"}))

	select {
	case rej := <-client.Rejections():
		assert.Equal(t, domain.ErrAdapterUnavailable, rej.Code)
	case <-time.After(eventually):
		t.Fatal("expected rejection")
	}
}

func TestStreamEnforcer_CommandRoundTrip(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{CommandTimeout: 2 * time.Second})

	seen := make(chan adapter.Command, 1)
	f.connect(t, "adapter-1", []string{"ACC-1"}, adapter.CommandHandlerFunc(func(_ context.Context, cmd adapter.Command) adapter.CommandResult {
		seen <- cmd
		return adapter.CommandResult{Success: true, ClosedPositions: 1, RealizedPnL: decimal.NewFromInt(-40)}
	}))

	res, err := f.gateway.Enforcer().ClosePosition(context.Background(), "ACC-1", "NQ")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ClosedPositions)
	assert.True(t, res.RealizedPnL.Equal(decimal.NewFromInt(-40)))

	cmd := <-seen
	assert.Equal(t, domain.ActionClosePosition, cmd.Kind)
	assert.Equal(t, "NQ", cmd.Instrument)
	assert.NotEmpty(t, cmd.CommandID)
	assert.Equal(t, int64(2000), cmd.TimeoutMs)
}

func TestStreamEnforcer_ReduceToLimitCarriesTarget(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{CommandTimeout: 2 * time.Second})

	seen := make(chan adapter.Command, 1)
	f.connect(t, "adapter-1", []string{"ACC-1"}, adapter.CommandHandlerFunc(func(_ context.Context, cmd adapter.Command) adapter.CommandResult {
		seen <- cmd
		return adapter.CommandResult{Success: true}
	}))

	_, err := f.gateway.Enforcer().ReduceToLimit(context.Background(), "ACC-1", "ES", "2.5")
	require.NoError(t, err)
	cmd := <-seen
	assert.True(t, cmd.TargetSize.Equal(decimal.RequireFromString("2.5")))

	_, err = f.gateway.Enforcer().ReduceToLimit(context.Background(), "ACC-1", "ES", "lots")
	assert.True(t, domain.HasCode(err, domain.ErrInvalidAction))
}

func TestStreamEnforcer_MapsAdapterErrorCodes(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{CommandTimeout: 2 * time.Second})
	f.connect(t, "adapter-1", []string{"ACC-1"}, adapter.CommandHandlerFunc(func(_ context.Context, cmd adapter.Command) adapter.CommandResult {
		if cmd.Kind == domain.ActionCancelOrders {
			return adapter.CommandResult{Success: false, ErrorCode: "REJECTED", ErrorDetail: "market closed"}
		}
		return adapter.CommandResult{Success: false, ErrorCode: "NO_POSITION"}
	}))

	res, err := f.gateway.Enforcer().ClosePosition(context.Background(), "ACC-1", "ES")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrNotFound, res.ErrorCode)

	res, err = f.gateway.Enforcer().CancelAllOrders(context.Background(), "ACC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ErrAdapterRejected, res.ErrorCode)
	assert.Equal(t, "market closed", res.ErrorDetail)
}

func TestStreamEnforcer_NoAdapterIsUnavailable(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})

	_, err := f.gateway.Enforcer().FlattenAndCancel(context.Background(), "ACC-1")
	assert.True(t, domain.HasCode(err, domain.ErrAdapterUnavailable))
	assert.True(t, domain.IsRetryable(domain.CodeOf(err)))
}

func TestStreamEnforcer_CommandTimeout(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{CommandTimeout: 50 * time.Millisecond})

	release := make(chan struct{})
	f.connect(t, "adapter-1", []string{"ACC-1"}, adapter.CommandHandlerFunc(func(ctx context.Context, _ adapter.Command) adapter.CommandResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return adapter.CommandResult{Success: true}
	}))
	t.Cleanup(func() { close(release) })

	_, err := f.gateway.Enforcer().CloseAllPositions(context.Background(), "ACC-1")
	assert.True(t, domain.HasCode(err, domain.ErrTimeout))
}

func TestGateway_DisconnectReleasesAccounts(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	client := f.connect(t, "adapter-1", []string{"ACC-1"}, okHandler())
	require.Equal(t, 1, f.gateway.Sessions())

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool { return f.gateway.Sessions() == 0 }, eventually, tick)
	_, ok := f.gateway.registry.GetOwner("ACC-1")
	assert.False(t, ok)

	_, err := f.gateway.Enforcer().CancelAllOrders(context.Background(), "ACC-1")
	assert.True(t, domain.HasCode(err, domain.ErrAdapterUnavailable))
}

func TestGateway_ReconnectTakesOverAccounts(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{CommandTimeout: 2 * time.Second})
	first := f.connect(t, "adapter-1", []string{"ACC-1"}, okHandler())

	served := make(chan string, 1)
	f.connect(t, "adapter-1b", []string{"ACC-1"}, adapter.CommandHandlerFunc(func(context.Context, adapter.Command) adapter.CommandResult {
		served <- "adapter-1b"
		return adapter.CommandResult{Success: true}
	}))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return f.gateway.Sessions() == 1 }, eventually, tick)

	_, err := f.gateway.Enforcer().CancelAllOrders(context.Background(), "ACC-1")
	require.NoError(t, err)
	assert.Equal(t, "adapter-1b", <-served)
}

func TestGateway_DuplicateEventsDropped(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{DedupeTTL: time.Minute})
	client := f.connect(t, "adapter-1", []string{"ACC-1"}, okHandler())

	send := func(id string) {
		require.NoError(t, client.SendEvent(&domain.Event{
			EventID:   id,
			Kind:      domain.EventTradeExecuted,
			AccountID: "ACC-1",
		}))
	}
	send("ev-1")
	send("ev-1")
	send("ev-2")

	require.Eventually(t, func() bool {
		got := f.dispatcher.received()
		return len(got) > 0 && got[len(got)-1].EventID == "ev-2"
	}, eventually, tick)
	assert.Len(t, f.dispatcher.received(), 2)
}

func TestGateway_RejectedEventCanBeResent(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{DedupeTTL: time.Minute})
	client := f.connect(t, "adapter-1", []string{"ACC-1"}, okHandler())

	f.dispatcher.mu.Lock()
	f.dispatcher.err = ErrRouterBusy
	f.dispatcher.mu.Unlock()

	event := &domain.Event{EventID: "ev-1", Kind: domain.EventTradeExecuted, AccountID: "ACC-1"}
	require.NoError(t, client.SendEvent(event))

	select {
	case rej := <-client.Rejections():
		assert.Equal(t, "ev-1", rej.Ref)
	case <-time.After(eventually):
		t.Fatal("expected rejection")
	}

	f.dispatcher.mu.Lock()
	f.dispatcher.err = nil
	f.dispatcher.mu.Unlock()

	require.NoError(t, client.SendEvent(event))
	require.Eventually(t, func() bool { return len(f.dispatcher.received()) == 1 }, eventually, tick)
}
