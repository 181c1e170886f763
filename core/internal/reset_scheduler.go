package internal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/metricbundle"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
	"github.com/xKoRx/guard/sdk/utils"
)

// maxHolidayRun cota de días consecutivos a saltar buscando un día hábil.
const maxHolidayRun = 366

// ResetScheduler reset diario: pone en cero los agregados y libera los
// bloqueos "hasta el próximo reset".
//
// Se arma vía TimerManager (reset:daily, fire_reset) para que un reset perdido
// durante una caída dispare en el Recover siguiente.
type ResetScheduler struct {
	enabled  bool
	hour     int
	minute   int
	loc      *time.Location
	holidays map[string]struct{}

	timers    *TimerManager
	lockouts  *LockoutManager
	book      *AggregateBook
	locks     *AccountLocks
	clock     clockwork.Clock
	telemetry *telemetry.Client
	metrics   *metricbundle.GuardMetrics

	mu        sync.RWMutex
	lastReset time.Time
	nextReset time.Time
}

// NewResetScheduler crea el scheduler y registra el handler fire_reset.
//
// cfg debe venir validado (Config.Validate resuelve Hour, Minute y Location).
func NewResetScheduler(
	cfg ResetConfig,
	timers *TimerManager,
	lockouts *LockoutManager,
	book *AggregateBook,
	locks *AccountLocks,
	clock clockwork.Clock,
	tel *telemetry.Client,
	metrics *metricbundle.GuardMetrics,
) (*ResetScheduler, error) {
	loc := cfg.Location
	if loc == nil {
		var err error
		if loc, err = domain.LoadTimezone(cfg.Timezone); err != nil {
			return nil, err
		}
	}

	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, raw := range cfg.Holidays {
		day, err := domain.ParseHoliday(raw)
		if err != nil {
			return nil, err
		}
		holidays[day.Format(time.DateOnly)] = struct{}{}
	}

	rs := &ResetScheduler{
		enabled:   cfg.Enabled,
		hour:      cfg.Hour,
		minute:    cfg.Minute,
		loc:       loc,
		holidays:  holidays,
		timers:    timers,
		lockouts:  lockouts,
		book:      book,
		locks:     locks,
		clock:     clock,
		telemetry: tel,
		metrics:   metrics,
	}
	if timers != nil {
		timers.RegisterHandler(domain.TimerFireReset, rs.handleResetTimer)
	}
	return rs, nil
}

// NextResetInstant instante del reset en la primera fecha local estrictamente
// posterior a la fecha local de now que no sea feriado.
//
// El reloj de pared manda: con DST el offset UTC cambia y una hora local
// inexistente avanza como lo hace time.Date.
func (rs *ResetScheduler) NextResetInstant(now time.Time) time.Time {
	y, m, d := now.In(rs.loc).Date()
	return rs.firstBusinessSlot(y, m, d+1)
}

// UpcomingReset próximo reset a armar desde now: el de hoy si aún no pasó y
// hoy no es feriado; si no, NextResetInstant(now).
func (rs *ResetScheduler) UpcomingReset(now time.Time) time.Time {
	y, m, d := now.In(rs.loc).Date()
	if !rs.isHoliday(y, m, d) {
		if today := rs.slot(y, m, d); today.After(now) {
			return today
		}
	}
	return rs.NextResetInstant(now)
}

// PeriodLabel etiqueta del período que cierra el reset en at (fecha local).
func (rs *ResetScheduler) PeriodLabel(at time.Time) string {
	return at.In(rs.loc).Format(time.DateOnly)
}

// CurrentPeriod período en curso visto desde now.
func (rs *ResetScheduler) CurrentPeriod(now time.Time) string {
	return rs.PeriodLabel(rs.UpcomingReset(now))
}

func (rs *ResetScheduler) firstBusinessSlot(y int, m time.Month, d int) time.Time {
	for i := 0; i < maxHolidayRun; i++ {
		if !rs.isHoliday(y, m, d+i) {
			return rs.slot(y, m, d+i)
		}
	}
	return rs.slot(y, m, d)
}

func (rs *ResetScheduler) slot(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, rs.hour, rs.minute, 0, 0, rs.loc)
}

// isHoliday normaliza la fecha en UTC para no depender de la hora local.
func (rs *ResetScheduler) isHoliday(y int, m time.Month, d int) bool {
	_, ok := rs.holidays[time.Date(y, m, d, 12, 0, 0, 0, time.UTC).Format(time.DateOnly)]
	return ok
}

// Start arma el reset si no quedó uno pendiente tras TimerManager.Recover.
func (rs *ResetScheduler) Start(ctx context.Context) error {
	if !rs.enabled {
		rs.telemetry.Info(ctx, "Daily reset disabled")
		return nil
	}

	if remaining, ok := rs.timers.RemainingTime(domain.ResetTimerName); ok {
		next := rs.clock.Now().Add(remaining)
		rs.setNext(next)
		rs.telemetry.Info(ctx, "Daily reset already armed",
			attribute.String("next_reset", next.In(rs.loc).Format(time.RFC3339)),
		)
		return nil
	}

	return rs.arm(ctx, rs.UpcomingReset(rs.clock.Now()))
}

func (rs *ResetScheduler) arm(ctx context.Context, at time.Time) error {
	payload := domain.TimerPayload{Kind: domain.TimerFireReset}
	if err := rs.timers.StartTimerAt(ctx, domain.ResetTimerName, "", at, payload); err != nil {
		return err
	}
	rs.setNext(at)
	rs.telemetry.Info(ctx, "Daily reset armed",
		attribute.String("next_reset", at.In(rs.loc).Format(time.RFC3339)),
		semconv.Guard.Period.String(rs.PeriodLabel(at)),
	)
	return nil
}

func (rs *ResetScheduler) handleResetTimer(ctx context.Context, timer *domain.Timer) error {
	return rs.Fire(ctx, timer.FireAt)
}

// Fire ejecuta el reset programado para scheduledAt y re-arma el siguiente.
//
// El reset toma todas las cuentas a la vez: ningún evento procesa entre el
// cambio de período y la puesta en cero de su cuenta. Los agregados pasan al
// nuevo período y se liberan los bloqueos hasta-reset. Un reset atrasado
// (catch-up) re-arma desde el reloj actual para no encadenar disparos en el pasado.
func (rs *ResetScheduler) Fire(ctx context.Context, scheduledAt time.Time) error {
	start := rs.clock.Now()

	next := rs.NextResetInstant(scheduledAt)
	if !next.After(start) {
		next = rs.UpcomingReset(start)
	}
	period := rs.PeriodLabel(next)

	unlockAll := rs.locks.LockAll()
	rs.book.SetPeriod(period)
	accounts := rs.accounts()
	var errs []error
	cleared := 0
	for _, accountID := range accounts {
		ok, err := rs.resetAccount(ctx, accountID, period)
		if ok {
			cleared++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	unlockAll()

	rs.mu.Lock()
	rs.lastReset = scheduledAt
	rs.mu.Unlock()

	elapsed := rs.clock.Since(start)
	rs.metrics.RecordReset(ctx, float64(elapsed.Microseconds())/1000.0, semconv.Guard.Period.String(period))
	attrs := []attribute.KeyValue{
		semconv.Guard.Period.String(period),
		attribute.String("scheduled_at", scheduledAt.In(rs.loc).Format(time.RFC3339)),
		attribute.Int("accounts", len(accounts)),
		attribute.Int("lockouts_cleared", cleared),
	}
	if late := utils.ElapsedMsSince(scheduledAt, start); late > time.Second.Milliseconds() {
		attrs = append(attrs, attribute.Int64("late_ms", late))
	}
	if len(errs) > 0 {
		rs.telemetry.Error(ctx, "Daily reset completed with persistence errors", errors.Join(errs...), attrs...)
	} else {
		rs.telemetry.Info(ctx, "Daily reset completed", attrs...)
	}

	if !rs.enabled || rs.timers == nil {
		return nil
	}
	return rs.arm(ctx, next)
}

// resetAccount requiere LockAll. Un agregado que ya está en period no se toca.
func (rs *ResetScheduler) resetAccount(ctx context.Context, accountID, period string) (bool, error) {
	var aggErr error
	if rs.book.Get(accountID).Period != period {
		aggErr = rs.book.Reset(ctx, accountID, period)
	}
	cleared, clearErr := rs.lockouts.ClearIfResetTied(ctx, accountID)
	return cleared, errors.Join(aggErr, clearErr)
}

// accounts unión de cuentas con agregado o bloqueo en memoria.
func (rs *ResetScheduler) accounts() []string {
	seen := make(map[string]struct{})
	for _, accountID := range rs.book.Accounts() {
		seen[accountID] = struct{}{}
	}
	for _, accountID := range rs.lockouts.Accounts() {
		seen[accountID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for accountID := range seen {
		out = append(out, accountID)
	}
	sort.Strings(out)
	return out
}

func (rs *ResetScheduler) setNext(at time.Time) {
	rs.mu.Lock()
	rs.nextReset = at
	rs.mu.Unlock()
}

// LastReset instante programado del último reset ejecutado (cero si ninguno).
func (rs *ResetScheduler) LastReset() time.Time {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.lastReset
}

// NextReset instante armado del próximo reset (cero si deshabilitado).
func (rs *ResetScheduler) NextReset() time.Time {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.nextReset
}

// Location zona horaria del reset.
func (rs *ResetScheduler) Location() *time.Location {
	return rs.loc
}

// Enabled indica si el reset diario está activo.
func (rs *ResetScheduler) Enabled() bool {
	return rs.enabled
}
