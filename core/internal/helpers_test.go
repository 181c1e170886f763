package internal

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/metricbundle"
)

// memStore domain.Store en memoria con inyección de fallos.
type memStore struct {
	mu         sync.Mutex
	lockouts   map[string]*domain.Lockout
	timers     map[string]*domain.Timer
	aggregates map[string]*domain.DailyAggregate
	failed     []*domain.ActionOutcome

	// failSaves hace fallar los próximos N SaveLockout/SaveAggregate con STORE_UNAVAILABLE.
	failSaves int
	saveCalls int
}

func newMemStore() *memStore {
	return &memStore{
		lockouts:   make(map[string]*domain.Lockout),
		timers:     make(map[string]*domain.Timer),
		aggregates: make(map[string]*domain.DailyAggregate),
	}
}

func (s *memStore) failNext(n int) {
	s.mu.Lock()
	s.failSaves = n
	s.mu.Unlock()
}

func (s *memStore) injectedFailure() error {
	s.saveCalls++
	if s.failSaves > 0 {
		s.failSaves--
		return domain.NewError(domain.ErrStoreUnavailable, "injected failure")
	}
	return nil
}

func (s *memStore) SaveLockout(_ context.Context, lockout *domain.Lockout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(); err != nil {
		return err
	}
	s.lockouts[lockout.AccountID] = lockout.Clone()
	return nil
}

func (s *memStore) GetLockout(_ context.Context, accountID string) (*domain.Lockout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockouts[accountID].Clone(), nil
}

func (s *memStore) DeleteLockout(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lockouts, accountID)
	return nil
}

func (s *memStore) ListActiveLockouts(_ context.Context) ([]*domain.Lockout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Lockout
	for _, l := range s.lockouts {
		if l.Active {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *memStore) SaveTimer(_ context.Context, timer *domain.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *timer
	s.timers[timer.Name] = &cp
	return nil
}

func (s *memStore) DeleteTimer(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, name)
	return nil
}

func (s *memStore) ListTimers(_ context.Context) ([]*domain.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Timer
	for _, t := range s.timers {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (s *memStore) hasTimer(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

func (s *memStore) SaveAggregate(_ context.Context, agg *domain.DailyAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(); err != nil {
		return err
	}
	s.aggregates[agg.Period+"/"+agg.AccountID] = agg.Clone()
	return nil
}

func (s *memStore) GetAggregate(_ context.Context, accountID, period string) (*domain.DailyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregates[period+"/"+accountID].Clone(), nil
}

func (s *memStore) DeleteAggregate(_ context.Context, accountID, period string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aggregates, period+"/"+accountID)
	return nil
}

func (s *memStore) ListAggregates(_ context.Context, period string) ([]*domain.DailyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DailyAggregate
	for _, agg := range s.aggregates {
		if agg.Period == period {
			out = append(out, agg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *memStore) SaveFailedAction(_ context.Context, outcome *domain.ActionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *outcome
	s.failed = append(s.failed, &cp)
	return nil
}

func (s *memStore) ListFailedActions(_ context.Context) ([]*domain.ActionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ActionOutcome, len(s.failed))
	copy(out, s.failed)
	return out, nil
}

func (s *memStore) Close() error { return nil }

// recordingAlerts AlertSink que guarda las alertas recibidas.
type recordingAlerts struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingAlerts) Raise(_ context.Context, alert Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
}

func (r *recordingAlerts) snapshot() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func newTestTelemetry(t *testing.T) (*telemetry.Client, *metricbundle.GuardMetrics) {
	t.Helper()
	tel := telemetry.NewNop()
	metrics := tel.GuardMetrics()
	require.NotNil(t, metrics)
	return tel, metrics
}

// fastRetry política de persistencia para tests.
var fastRetry = retryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// testEpoch instante fijo: jueves 2024-03-07 10:00 en Nueva York.
func testEpoch(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(2024, 3, 7, 10, 0, 0, 0, loc)
}

func newTestClock(t *testing.T) *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(testEpoch(t))
}

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond
