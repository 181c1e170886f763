package internal

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xKoRx/guard/sdk/adapter"
	"github.com/xKoRx/guard/sdk/domain"
	sdkgrpc "github.com/xKoRx/guard/sdk/grpc"
)

func newTestCore(t *testing.T, store *memStore) *Core {
	t.Helper()
	tel, _ := newTestTelemetry(t)

	cfg := DefaultConfig("test")
	cfg.GRPCPort = 0
	cfg.OperatorHTTPAddr = "127.0.0.1:0"

	c, err := New(context.Background(), cfg,
		WithStore(store),
		WithTelemetry(tel),
		WithClock(newTestClock(t)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func TestCore_StartRecoversPersistedState(t *testing.T) {
	store := newMemStore()
	epoch := testEpoch(t)
	require.NoError(t, store.SaveLockout(context.Background(), &domain.Lockout{
		AccountID: "ACC-1",
		Kind:      domain.LockoutKindHard,
		Reason:    "max drawdown",
		CreatedAt: epoch.Add(-time.Hour),
		Expiry:    domain.ExpiryPermanent(),
		Active:    true,
	}))

	c := newTestCore(t, store)
	require.NoError(t, c.Start())

	assert.True(t, c.Lockouts().IsLockedOut("ACC-1"))

	st := c.Status()
	assert.Equal(t, "test", st.Environment)
	assert.Equal(t, 1, st.ActiveLockouts)
	assert.Equal(t, 0, st.Adapters)
	assert.Equal(t, "2024-03-07", st.Period)
	require.NotNil(t, st.NextReset)
	assert.True(t, st.NextReset.After(epoch))
	assert.True(t, store.hasTimer(domain.ResetTimerName))

	assert.Error(t, c.Start())
}

func TestCore_OperatorAPIServesHealth(t *testing.T) {
	c := newTestCore(t, newMemStore())
	require.NoError(t, c.Start())
	require.NotEmpty(t, c.OperatorAddress())

	resp, err := http.Get("http://" + c.OperatorAddress() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCore_LockedAccountEventIsFlattenedThroughAdapter(t *testing.T) {
	store := newMemStore()
	c := newTestCore(t, store)
	require.NoError(t, c.Start())
	require.NoError(t, c.Lockouts().SetHardLockout(context.Background(), "ACC-1", "daily loss", domain.ExpiryPermanent()))

	_, port, err := net.SplitHostPort(c.GatewayAddress())
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		commands []adapter.Command
	)
	handler := adapter.CommandHandlerFunc(func(_ context.Context, cmd adapter.Command) adapter.CommandResult {
		mu.Lock()
		commands = append(commands, cmd)
		mu.Unlock()
		return adapter.CommandResult{Success: true, ClosedPositions: 1}
	})

	tel, _ := newTestTelemetry(t)
	connectCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, err := adapter.Connect(connectCtx, adapter.Config{
		AdapterID: "adapter-1",
		Accounts:  []string{"ACC-1"},
		GRPC: &sdkgrpc.ClientConfig{
			Target:      net.JoinHostPort("127.0.0.1", port),
			Insecure:    true,
			DialTimeout: 2 * time.Second,
		},
		HandshakeTimeout: 2 * time.Second,
	}, handler, tel)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	go func() { _ = client.Run(runCtx) }()
	t.Cleanup(func() {
		stop()
		_ = client.Close()
	})

	require.Eventually(t, func() bool { return c.Status().Adapters == 1 }, eventually, tick)

	require.NoError(t, client.SendEvent(&domain.Event{
		EventID:    "ev-1",
		Kind:       domain.EventPositionOpened,
		AccountID:  "ACC-1",
		Instrument: "ES",
		Size:       decimal.NewFromInt(2),
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(commands) == 1
	}, eventually, tick)

	mu.Lock()
	got := commands[0]
	mu.Unlock()
	assert.Equal(t, domain.ActionClosePosition, got.Kind)
	assert.Equal(t, "ACC-1", got.AccountID)
	assert.Equal(t, "ES", got.Instrument)
	assert.Empty(t, c.queue.FailedActions())
}

func TestCore_RejectsInvalidConfig(t *testing.T) {
	tel, _ := newTestTelemetry(t)
	cfg := DefaultConfig("test")
	cfg.Reset.Timezone = "Mars/Olympus"

	_, err := New(context.Background(), cfg, WithStore(newMemStore()), WithTelemetry(tel))
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.ErrInvalidTimezone))
}
