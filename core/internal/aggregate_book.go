package internal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/metricbundle"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
)

// AggregateBook agregados diarios por cuenta del período en curso.
//
// Las mutaciones de una cuenta deben hacerse bajo su lock de AccountLocks
// (router, cascada, reset). Cada cambio se escribe al store antes de retornar.
type AggregateBook struct {
	store     domain.AggregateRepository
	clock     clockwork.Clock
	persist   retryPolicy
	alerts    AlertSink
	telemetry *telemetry.Client
	metrics   *metricbundle.GuardMetrics

	periodMu sync.RWMutex
	period   string

	aggs *shardedMap[*domain.DailyAggregate]
}

// NewAggregateBook crea el libro para el período inicial.
func NewAggregateBook(
	store domain.AggregateRepository,
	clock clockwork.Clock,
	persist retryPolicy,
	alerts AlertSink,
	tel *telemetry.Client,
	metrics *metricbundle.GuardMetrics,
	period string,
) *AggregateBook {
	return &AggregateBook{
		store:     store,
		clock:     clock,
		persist:   persist,
		alerts:    alerts,
		telemetry: tel,
		metrics:   metrics,
		period:    period,
		aggs:      newShardedMap[*domain.DailyAggregate](),
	}
}

// Period período en curso (fecha local del próximo reset).
func (b *AggregateBook) Period() string {
	b.periodMu.RLock()
	defer b.periodMu.RUnlock()
	return b.period
}

// SetPeriod cambia el período en curso. Las cuentas se mueven al nuevo período
// en su próximo Reset.
func (b *AggregateBook) SetPeriod(period string) {
	b.periodMu.Lock()
	b.period = period
	b.periodMu.Unlock()
}

// Get retorna una copia del agregado de la cuenta (en cero si no hay actividad).
func (b *AggregateBook) Get(accountID string) *domain.DailyAggregate {
	if agg, ok := b.aggs.Load(accountID); ok {
		return agg.Clone()
	}
	return domain.NewDailyAggregate(accountID, b.Period())
}

// Accounts cuentas con agregado en memoria.
func (b *AggregateBook) Accounts() []string {
	var out []string
	b.aggs.Range(func(accountID string, _ *domain.DailyAggregate) bool {
		out = append(out, accountID)
		return true
	})
	sort.Strings(out)
	return out
}

// ApplyEvent acumula el P&L realizado y el conteo de trades del evento.
//
// Retorna el agregado resultante; changed=false si el evento no lo afecta.
func (b *AggregateBook) ApplyEvent(ctx context.Context, event *domain.Event) (agg *domain.DailyAggregate, changed bool, err error) {
	realized := event.CarriesRealizedPnL()
	counts := event.CountsAsTrade()
	if !realized && !counts {
		return b.Get(event.AccountID), false, nil
	}

	return b.mutate(ctx, event.AccountID, func(next *domain.DailyAggregate, now time.Time) {
		if realized {
			next.AddRealized(event.RealizedPnL, now)
		}
		if counts {
			next.CountTrade(now)
		}
	})
}

// AddRealized acumula P&L realizado por una acción liquidada (cascada).
func (b *AggregateBook) AddRealized(ctx context.Context, accountID string, pnl decimal.Decimal) (*domain.DailyAggregate, error) {
	agg, _, err := b.mutate(ctx, accountID, func(next *domain.DailyAggregate, now time.Time) {
		next.AddRealized(pnl, now)
	})
	return agg, err
}

// Increment incrementa un contador con nombre de la cuenta.
func (b *AggregateBook) Increment(ctx context.Context, accountID, counter string, delta int64) (*domain.DailyAggregate, error) {
	agg, _, err := b.mutate(ctx, accountID, func(next *domain.DailyAggregate, now time.Time) {
		next.Increment(counter, delta, now)
	})
	return agg, err
}

// mutate aplica fn sobre una copia, la persiste y la publica.
//
// Si la persistencia falla tras los reintentos, la copia se publica igual:
// la memoria sigue siendo la fuente de verdad y se alerta al operador.
func (b *AggregateBook) mutate(ctx context.Context, accountID string, fn func(next *domain.DailyAggregate, now time.Time)) (*domain.DailyAggregate, bool, error) {
	period := b.Period()
	current, ok := b.aggs.Load(accountID)
	var next *domain.DailyAggregate
	if ok && current.Period == period {
		next = current.Clone()
	} else {
		next = domain.NewDailyAggregate(accountID, period)
	}

	fn(next, b.clock.Now())
	b.aggs.Store(accountID, next)

	err := b.save(ctx, next)
	return next.Clone(), true, err
}

// Reset deja en cero el agregado de la cuenta y lo mueve a period.
//
// El registro del período cerrado queda en el store como histórico.
func (b *AggregateBook) Reset(ctx context.Context, accountID, period string) error {
	next := domain.NewDailyAggregate(accountID, period)
	next.UpdatedAt = b.clock.Now()
	b.aggs.Store(accountID, next)
	return b.save(ctx, next)
}

func (b *AggregateBook) save(ctx context.Context, agg *domain.DailyAggregate) error {
	attrs := []attribute.KeyValue{
		semconv.Guard.AccountID.String(agg.AccountID),
		semconv.Guard.Period.String(agg.Period),
	}
	snapshot := agg.Clone()
	err := withPersistRetry(ctx, b.persist,
		func(ctx context.Context) error { return b.store.SaveAggregate(ctx, snapshot) },
		func(attempt int, err error, wait time.Duration) {
			b.metrics.RecordPersistRetry(ctx, semconv.Guard.Component.String(semconv.ComponentValues.Store))
			b.telemetry.Warn(ctx, "Aggregate persistence retry",
				append(attrs,
					semconv.Guard.Attempt.Int(attempt),
					attribute.String("error", err.Error()),
					attribute.Int64("backoff_ms", wait.Milliseconds()),
				)...,
			)
		},
	)
	if err == nil {
		return nil
	}

	b.alerts.Raise(ctx, Alert{
		Severity:  semconv.AlertValues.Critical,
		Component: semconv.ComponentValues.Store,
		AccountID: agg.AccountID,
		Message:   "Daily aggregate persistence failed",
		Err:       err,
		Attrs:     attrs,
		At:        b.clock.Now(),
	})
	return domain.WrapError(domain.ErrStoreUnavailable, "persist aggregate", err).
		WithDetail("account_id", agg.AccountID)
}

// Recover carga los agregados del período en curso.
func (b *AggregateBook) Recover(ctx context.Context) (int, error) {
	period := b.Period()
	records, err := b.store.ListAggregates(ctx, period)
	if err != nil {
		return 0, err
	}
	for _, agg := range records {
		if agg.Counters == nil {
			agg.Counters = make(map[string]int64)
		}
		b.aggs.Store(agg.AccountID, agg)
	}

	b.telemetry.Info(ctx, "Daily aggregates recovered",
		semconv.Guard.Period.String(period),
		attribute.Int("loaded", len(records)),
	)
	return len(records), nil
}
