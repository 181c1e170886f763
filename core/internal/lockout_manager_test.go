package internal

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xKoRx/guard/core/internal/repository"
	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/telemetry"
)

type lockoutFixture struct {
	lm     *LockoutManager
	timers *TimerManager
	store  *memStore
	clock  *clockwork.FakeClock
	alerts *recordingAlerts
}

func newLockoutFixture(t *testing.T, manualClear map[domain.LockoutKind]bool) *lockoutFixture {
	t.Helper()
	store := newMemStore()
	clock := newTestClock(t)
	tel, metrics := newTestTelemetry(t)
	alerts := &recordingAlerts{}

	cfg := DefaultConfig("test")
	if manualClear != nil {
		cfg.ManualClear = manualClear
	}

	timers := NewTimerManager(store, clock, tel, metrics)
	t.Cleanup(timers.Shutdown)

	lm := NewLockoutManager(LockoutManagerConfig{
		SweepInterval:      time.Second,
		Persist:            fastRetry,
		ManualClearAllowed: cfg.ManualClearAllowed,
	}, store, timers, clock, alerts, tel, metrics)

	return &lockoutFixture{lm: lm, timers: timers, store: store, clock: clock, alerts: alerts}
}

func TestLockoutManager_HardLockoutUntilReset(t *testing.T) {
	f := newLockoutFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.lm.SetHardLockout(ctx, "ACC1", "daily loss", domain.ExpiryUntilReset()))
	assert.True(t, f.lm.IsLockedOut("ACC1"))
	assert.False(t, f.lm.IsLockedOut("ACC2"))

	info, ok := f.lm.GetLockoutInfo("ACC1")
	require.True(t, ok)
	assert.Equal(t, domain.LockoutKindHard, info.Kind)
	assert.Equal(t, "daily loss", info.Reason)
	assert.Equal(t, domain.ExpiryModeUntilReset, info.Expiry.Mode)
	assert.Nil(t, info.Remaining)

	f.clock.Advance(48 * time.Hour)
	assert.True(t, f.lm.IsLockedOut("ACC1"))

	stored, err := f.store.GetLockout(ctx, "ACC1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Active)
	assert.False(t, f.store.hasTimer(domain.LockoutTimerName("ACC1")))
}

// Cooldown de 60s bloquea a los 30s y libera a los 61s.
func TestLockoutManager_CooldownExpires(t *testing.T) {
	f := newLockoutFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.lm.SetCooldown(ctx, "ACC2", "frequency", 60*time.Second))
	assert.True(t, f.store.hasTimer(domain.LockoutTimerName("ACC2")))

	f.clock.Advance(30 * time.Second)
	assert.True(t, f.lm.IsLockedOut("ACC2"))

	info, ok := f.lm.GetLockoutInfo("ACC2")
	require.True(t, ok)
	require.NotNil(t, info.Remaining)
	assert.Equal(t, 30*time.Second, *info.Remaining)

	f.clock.Advance(31 * time.Second)
	assert.False(t, f.lm.IsLockedOut("ACC2"))

	require.Eventually(t, func() bool {
		stored, err := f.store.GetLockout(ctx, "ACC2")
		return err == nil && stored != nil && !stored.Active && stored.ClearedBy == domain.ClearOriginTimer
	}, eventually, tick)
	assert.Empty(t, f.lm.Accounts())
	require.Eventually(t, func() bool { return !f.store.hasTimer(domain.LockoutTimerName("ACC2")) }, eventually, tick)
}

func TestLockoutManager_ZeroCooldownNeverLocks(t *testing.T) {
	f := newLockoutFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.lm.SetCooldown(ctx, "ACC1", "instant", 0))
	assert.False(t, f.lm.IsLockedOut("ACC1"))
	_, ok := f.lm.GetLockoutInfo("ACC1")
	assert.False(t, ok)

	err := f.lm.SetCooldown(ctx, "ACC1", "negative", -time.Second)
	assert.True(t, domain.HasCode(err, domain.ErrInvalidDuration))
}

func TestLockoutManager_LastWriteWins(t *testing.T) {
	f := newLockoutFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.lm.SetCooldown(ctx, "ACC1", "frequency", time.Minute))
	require.NoError(t, f.lm.SetHardLockout(ctx, "ACC1", "daily loss", domain.ExpiryUntilReset()))

	info, ok := f.lm.GetLockoutInfo("ACC1")
	require.True(t, ok)
	assert.Equal(t, domain.LockoutKindHard, info.Kind)
	assert.Len(t, f.lm.ActiveLockouts(), 1)

	// El timer del cooldown reemplazado ya no debe liberar el hard lockout.
	assert.False(t, f.store.hasTimer(domain.LockoutTimerName("ACC1")))
	f.clock.Advance(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, f.lm.IsLockedOut("ACC1"))
}

func TestLockoutManager_ApplyPolicies(t *testing.T) {
	f := newLockoutFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.lm.Apply(ctx, "ACC1", "max_trades", "too many trades", domain.NoLockPolicy()))
	assert.False(t, f.lm.IsLockedOut("ACC1"))

	require.NoError(t, f.lm.Apply(ctx, "ACC1", "max_loss", "daily loss", domain.HardForPolicy(time.Hour)))
	info, ok := f.lm.GetLockoutInfo("ACC1")
	require.True(t, ok)
	assert.Equal(t, "max_loss", info.RuleID)
	assert.Equal(t, f.clock.Now().Add(time.Hour), info.Expiry.At)

	require.NoError(t, f.lm.Apply(ctx, "ACC2", "burst", "burst", domain.CooldownPolicy(5*time.Minute)))
	info, ok = f.lm.GetLockoutInfo("ACC2")
	require.True(t, ok)
	assert.Equal(t, domain.LockoutKindCooldown, info.Kind)

	err := f.lm.Apply(ctx, "ACC3", "bad", "bad", domain.LockoutPolicy{Kind: domain.PolicyKindHard, Mode: "forever"})
	assert.True(t, domain.HasCode(err, domain.ErrInvalidRulePolicy))
}

func TestLockoutManager_OperatorClearPermissions(t *testing.T) {
	f := newLockoutFixture(t, map[domain.LockoutKind]bool{
		domain.LockoutKindHard:     false,
		domain.LockoutKindCooldown: true,
	})
	ctx := context.Background()

	require.NoError(t, f.lm.SetHardLockout(ctx, "HARD", "daily loss", domain.ExpiryUntilReset()))
	err := f.lm.ClearLockout(ctx, "HARD", domain.ClearOriginOperator)
	assert.True(t, domain.HasCode(err, domain.ErrManualClearForbidden))
	assert.True(t, f.lm.IsLockedOut("HARD"))

	require.NoError(t, f.lm.SetHardLockout(ctx, "PERM", "compliance", domain.ExpiryPermanent()))
	require.NoError(t, f.lm.ClearLockout(ctx, "PERM", domain.ClearOriginOperator))
	assert.False(t, f.lm.IsLockedOut("PERM"))

	require.NoError(t, f.lm.SetCooldown(ctx, "COOL", "frequency", time.Hour))
	require.NoError(t, f.lm.ClearLockout(ctx, "COOL", domain.ClearOriginOperator))
	assert.False(t, f.lm.IsLockedOut("COOL"))
	assert.False(t, f.store.hasTimer(domain.LockoutTimerName("COOL")))

	// Idempotente sobre un bloqueo ya liberado o inexistente.
	require.NoError(t, f.lm.ClearLockout(ctx, "COOL", domain.ClearOriginOperator))
	require.NoError(t, f.lm.ClearLockout(ctx, "NONE", domain.ClearOriginOperator))

	stored, err := f.store.GetLockout(ctx, "PERM")
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, domain.ClearOriginOperator, stored.ClearedBy)
	require.NotNil(t, stored.ClearedAt)
}

func TestLockoutManager_TimerAndResetClearsRespectExpiry(t *testing.T) {
	f := newLockoutFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.lm.SetCooldown(ctx, "COOL", "frequency", time.Hour))
	require.NoError(t, f.lm.SetHardLockout(ctx, "HARD", "daily loss", domain.ExpiryUntilReset()))
	require.NoError(t, f.lm.SetHardLockout(ctx, "PERM", "compliance", domain.ExpiryPermanent()))

	// Un timer o sweep prematuro no libera.
	require.NoError(t, f.lm.ClearLockout(ctx, "COOL", domain.ClearOriginTimer))
	require.NoError(t, f.lm.ClearLockout(ctx, "HARD", domain.ClearOriginSweep))
	assert.True(t, f.lm.IsLockedOut("COOL"))
	assert.True(t, f.lm.IsLockedOut("HARD"))

	cleared, err := f.lm.ClearResetTied(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
	assert.False(t, f.lm.IsLockedOut("HARD"))
	assert.True(t, f.lm.IsLockedOut("COOL"))
	assert.True(t, f.lm.IsLockedOut("PERM"))

	ok, err := f.lm.ClearIfResetTied(ctx, "PERM")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockoutManager_SweepClearsExpired(t *testing.T) {
	store := newMemStore()
	clock := newTestClock(t)
	tel, metrics := newTestTelemetry(t)

	// Sin TimerManager: sólo el sweep libera.
	lm := NewLockoutManager(LockoutManagerConfig{SweepInterval: time.Second, Persist: fastRetry},
		store, nil, clock, &recordingAlerts{}, tel, metrics)
	ctx := context.Background()

	require.NoError(t, lm.SetCooldown(ctx, "ACC1", "frequency", 10*time.Second))
	lm.StartSweep(ctx)
	t.Cleanup(lm.StopSweep)

	clock.Advance(11 * time.Second)
	require.Eventually(t, func() bool { return len(lm.Accounts()) == 0 }, eventually, tick)

	stored, err := store.GetLockout(ctx, "ACC1")
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, domain.ClearOriginSweep, stored.ClearedBy)
}

func TestLockoutManager_PersistFailureKeepsLockAndAlerts(t *testing.T) {
	f := newLockoutFixture(t, nil)
	ctx := context.Background()

	f.store.failNext(2)
	require.NoError(t, f.lm.SetHardLockout(ctx, "ACC1", "daily loss", domain.ExpiryUntilReset()))
	assert.Empty(t, f.alerts.snapshot())

	f.store.failNext(10)
	err := f.lm.SetHardLockout(ctx, "ACC2", "daily loss", domain.ExpiryUntilReset())
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.ErrStoreUnavailable))
	assert.True(t, f.lm.IsLockedOut("ACC2"))

	alerts := f.alerts.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, "critical", alerts[0].Severity)
	assert.Equal(t, "ACC2", alerts[0].AccountID)
}

func TestLockoutManager_RecoverLoadsActiveAndClearsExpired(t *testing.T) {
	store := newMemStore()
	clock := newTestClock(t)
	tel, metrics := newTestTelemetry(t)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, store.SaveLockout(ctx, &domain.Lockout{
		AccountID: "LIVE", Kind: domain.LockoutKindCooldown, Active: true,
		Expiry: domain.ExpiryAt(now.Add(time.Minute)), CreatedAt: now,
	}))
	require.NoError(t, store.SaveLockout(ctx, &domain.Lockout{
		AccountID: "GONE", Kind: domain.LockoutKindCooldown, Active: true,
		Expiry: domain.ExpiryAt(now.Add(-time.Minute)), CreatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.SaveLockout(ctx, &domain.Lockout{
		AccountID: "RESET", Kind: domain.LockoutKindHard, Active: true,
		Expiry: domain.ExpiryUntilReset(), CreatedAt: now.Add(-time.Hour),
	}))

	lm := NewLockoutManager(LockoutManagerConfig{Persist: fastRetry}, store, nil, clock, &recordingAlerts{}, tel, metrics)
	loaded, expired, err := lm.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 1, expired)

	assert.True(t, lm.IsLockedOut("LIVE"))
	assert.True(t, lm.IsLockedOut("RESET"))
	assert.False(t, lm.IsLockedOut("GONE"))

	gone, err := store.GetLockout(ctx, "GONE")
	require.NoError(t, err)
	assert.False(t, gone.Active)
}

// Caída tras la escritura durable; el arranque siguiente restaura el bloqueo.
func TestLockoutManager_CrashRecoveryFromBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guard.db")
	clock := newTestClock(t)
	tel, metrics := newTestTelemetry(t)
	ctx := context.Background()

	store, err := repository.OpenBoltStore(path)
	require.NoError(t, err)
	lm := NewLockoutManager(LockoutManagerConfig{Persist: fastRetry}, store, nil, clock, &recordingAlerts{}, tel, metrics)
	require.NoError(t, lm.SetHardLockout(ctx, "ACC1", "daily loss", domain.ExpiryUntilReset()))
	require.NoError(t, store.Close())

	reopened, err := repository.OpenBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	recovered := NewLockoutManager(LockoutManagerConfig{Persist: fastRetry}, reopened, nil, clock, &recordingAlerts{}, tel, metrics)
	loaded, _, err := recovered.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.True(t, recovered.IsLockedOut("ACC1"))

	info, ok := recovered.GetLockoutInfo("ACC1")
	require.True(t, ok)
	assert.Equal(t, "daily loss", info.Reason)
}

func TestLockoutManager_ReloadSyncsExternalClear(t *testing.T) {
	f := newLockoutFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.lm.SetHardLockout(ctx, "ACC1", "daily loss", domain.ExpiryPermanent()))

	stored, err := f.store.GetLockout(ctx, "ACC1")
	require.NoError(t, err)
	now := f.clock.Now()
	stored.Active = false
	stored.ClearedAt = &now
	stored.ClearedBy = domain.ClearOriginOperator
	require.NoError(t, f.store.SaveLockout(ctx, stored))

	require.NoError(t, f.lm.Reload(ctx, "ACC1"))
	assert.False(t, f.lm.IsLockedOut("ACC1"))

	// Reload de una cuenta sin cambios es no-op.
	require.NoError(t, f.lm.Reload(ctx, "ACC9"))
}

func TestLockoutManager_ReloadArmsExpiryTimer(t *testing.T) {
	f := newLockoutFixture(t, nil)
	ctx := context.Background()

	now := f.clock.Now()
	require.NoError(t, f.store.SaveLockout(ctx, &domain.Lockout{
		AccountID: "ACC1",
		Kind:      domain.LockoutKindCooldown,
		Reason:    "set from cli",
		Expiry:    domain.ExpiryAt(now.Add(10 * time.Minute)),
		Active:    true,
		CreatedAt: now,
	}))

	require.NoError(t, f.lm.Reload(ctx, "ACC1"))
	assert.True(t, f.lm.IsLockedOut("ACC1"))

	remaining, ok := f.timers.RemainingTime(domain.LockoutTimerName("ACC1"))
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, remaining)

	f.clock.Advance(10 * time.Minute)
	require.Eventually(t, func() bool {
		stored, err := f.store.GetLockout(ctx, "ACC1")
		return err == nil && stored != nil && !stored.Active && stored.ClearedBy == domain.ClearOriginTimer
	}, eventually, tick)
}

func TestLockoutManager_ClearTimerWithoutLockoutWarns(t *testing.T) {
	var buf bytes.Buffer
	tel, err := telemetry.New(context.Background(), "guard-test", "test",
		telemetry.WithTracesDisabled(),
		telemetry.WithMetricsDisabled(),
		telemetry.WithLogWriter(&buf),
		telemetry.WithLogLevel("warn"),
	)
	require.NoError(t, err)
	_, metrics := newTestTelemetry(t)

	lm := NewLockoutManager(LockoutManagerConfig{Persist: fastRetry}, newMemStore(), nil,
		newTestClock(t), &recordingAlerts{}, tel, metrics)

	timer := &domain.Timer{
		Name:    domain.LockoutTimerName("GONE"),
		Payload: domain.TimerPayload{Kind: domain.TimerClearLockout, AccountID: "GONE"},
	}
	require.NoError(t, lm.handleClearTimer(context.Background(), timer))
	assert.Contains(t, buf.String(), "clear_lockout timer for account without lockout")
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

// A lo sumo un bloqueo activo por cuenta bajo escrituras concurrentes.
func TestLockoutManager_AtMostOneActivePerAccount(t *testing.T) {
	f := newLockoutFixture(t, map[domain.LockoutKind]bool{
		domain.LockoutKindHard:     true,
		domain.LockoutKindCooldown: true,
	})
	ctx := context.Background()
	accounts := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				acc := accounts[rng.Intn(len(accounts))]
				switch rng.Intn(4) {
				case 0:
					_ = f.lm.SetHardLockout(ctx, acc, fmt.Sprintf("hard-%d", i), domain.ExpiryUntilReset())
				case 1:
					_ = f.lm.SetCooldown(ctx, acc, fmt.Sprintf("cool-%d", i), time.Hour)
				case 2:
					_ = f.lm.ClearLockout(ctx, acc, domain.ClearOriginOperator)
				default:
					_, _ = f.lm.ClearResetTied(ctx)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	for _, acc := range accounts {
		locked := f.lm.IsLockedOut(acc)
		stored, err := f.store.GetLockout(ctx, acc)
		require.NoError(t, err)
		if stored == nil {
			assert.False(t, locked, acc)
			continue
		}
		assert.Equal(t, stored.Active, locked, acc)
		if info, ok := f.lm.GetLockoutInfo(acc); ok {
			assert.Equal(t, stored.Reason, info.Reason, acc)
		}
	}

	seen := make(map[string]bool)
	for _, info := range f.lm.ActiveLockouts() {
		assert.False(t, seen[info.AccountID], "duplicate active lockout for %s", info.AccountID)
		seen[info.AccountID] = true
	}
}
