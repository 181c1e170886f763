package internal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/metricbundle"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
)

const (
	timerFireTimeout = 30 * time.Second
	timerRetryDelay  = time.Second
)

// TimerHandler interpreta el payload de un timer disparado.
//
// Un error deja el registro persistido y re-arma el timer tras timerRetryDelay.
type TimerHandler func(ctx context.Context, timer *domain.Timer) error

// armedTimer timer en memoria. seq distingue re-arms del mismo nombre.
type armedTimer struct {
	record *domain.Timer
	timer  clockwork.Timer
	seq    uint64
}

// TimerManager timers con nombre, durables y recuperables tras reinicio.
//
// El payload persistido es un valor etiquetado (domain.TimerPayload) que se
// despacha por una tabla fija de handlers registrados por su dueño.
//
// mu protege sólo el estado en memoria; la I/O contra el store corre fuera de
// mu, serializada por nombre con names.
type TimerManager struct {
	store     domain.TimerRepository
	clock     clockwork.Clock
	telemetry *telemetry.Client
	metrics   *metricbundle.GuardMetrics

	names *AccountLocks

	mu       sync.Mutex
	timers   map[string]*armedTimer
	handlers map[domain.TimerKind]TimerHandler
	seq      uint64
	closed   bool

	inflight sync.WaitGroup
}

// NewTimerManager crea un manager sin handlers.
func NewTimerManager(store domain.TimerRepository, clock clockwork.Clock, tel *telemetry.Client, metrics *metricbundle.GuardMetrics) *TimerManager {
	return &TimerManager{
		store:     store,
		clock:     clock,
		telemetry: tel,
		metrics:   metrics,
		names:     NewAccountLocks(),
		timers:    make(map[string]*armedTimer),
		handlers:  make(map[domain.TimerKind]TimerHandler),
	}
}

// RegisterHandler asocia un kind a su handler. Debe llamarse antes de Recover.
func (tm *TimerManager) RegisterHandler(kind domain.TimerKind, handler TimerHandler) {
	tm.mu.Lock()
	tm.handlers[kind] = handler
	tm.mu.Unlock()
}

// StartTimer arma (o re-arma) un timer que dispara tras d.
func (tm *TimerManager) StartTimer(ctx context.Context, name, accountID string, d time.Duration, payload domain.TimerPayload) error {
	return tm.StartTimerAt(ctx, name, accountID, tm.clock.Now().Add(d), payload)
}

// StartTimerAt arma (o re-arma) un timer para un instante absoluto.
//
// Un timer existente con el mismo nombre se cancela primero. El registro se
// persiste antes de armar en memoria.
func (tm *TimerManager) StartTimerAt(ctx context.Context, name, accountID string, fireAt time.Time, payload domain.TimerPayload) error {
	if name == "" {
		return domain.NewError(domain.ErrInvalidConfig, "timer name cannot be empty")
	}
	if !payload.Kind.Valid() {
		return domain.NewError(domain.ErrInvalidConfig, "unknown timer payload kind").
			WithDetail("kind", string(payload.Kind))
	}

	record := &domain.Timer{
		Name:      name,
		AccountID: accountID,
		FireAt:    fireAt,
		Payload:   payload,
		CreatedAt: tm.clock.Now(),
	}

	unlock := tm.names.Lock(name)
	defer unlock()

	if tm.isClosed() {
		return errTimerManagerClosed()
	}
	if err := tm.store.SaveTimer(ctx, record); err != nil {
		return err
	}

	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return errTimerManagerClosed()
	}
	replaced := tm.disarmLocked(name)
	tm.armLocked(record)
	tm.mu.Unlock()

	tm.metrics.RecordTimerArmed(ctx, semconv.Guard.TimerKind.String(string(payload.Kind)))
	tm.telemetry.Debug(ctx, "Timer armed",
		semconv.Guard.TimerName.String(name),
		semconv.Guard.TimerKind.String(string(payload.Kind)),
		attribute.String("fire_at", fireAt.UTC().Format(time.RFC3339Nano)),
		attribute.Bool("replaced", replaced),
	)
	return nil
}

func (tm *TimerManager) isClosed() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.closed
}

func errTimerManagerClosed() error {
	return domain.NewError(domain.ErrInvalidConfig, "timer manager is shut down")
}

// armLocked programa el callback en el reloj. Requiere tm.mu.
func (tm *TimerManager) armLocked(record *domain.Timer) {
	tm.seq++
	seq := tm.seq
	name := record.Name

	d := record.FireAt.Sub(tm.clock.Now())
	if d < 0 {
		d = 0
	}
	// El callback corre en su propia goroutine: el reloj fake expira timers
	// mientras retiene su lock y onExpire toma tm.mu.
	timer := tm.clock.AfterFunc(d, func() { go tm.onExpire(name, seq) })
	tm.timers[name] = &armedTimer{record: record, timer: timer, seq: seq}
}

// disarmLocked detiene y olvida el timer en memoria. Requiere tm.mu.
func (tm *TimerManager) disarmLocked(name string) bool {
	at, ok := tm.timers[name]
	if !ok {
		return false
	}
	at.timer.Stop()
	delete(tm.timers, name)
	return true
}

// CancelTimer cancela un timer pendiente; no-op si no existe o si ya empezó a disparar.
func (tm *TimerManager) CancelTimer(ctx context.Context, name string) error {
	unlock := tm.names.Lock(name)
	defer unlock()

	tm.mu.Lock()
	at, ok := tm.timers[name]
	if ok {
		tm.disarmLocked(name)
	}
	tm.mu.Unlock()
	if !ok {
		return nil
	}

	if err := tm.store.DeleteTimer(ctx, name); err != nil {
		// El registro huérfano dispara en el próximo Recover; su handler es idempotente.
		tm.telemetry.Warn(ctx, "Failed to delete canceled timer",
			semconv.Guard.TimerName.String(name),
			attribute.String("error", err.Error()),
		)
	}

	tm.metrics.RecordTimerCanceled(ctx, semconv.Guard.TimerKind.String(string(at.record.Payload.Kind)))
	tm.telemetry.Debug(ctx, "Timer canceled", semconv.Guard.TimerName.String(name))
	return nil
}

// RemainingTime tiempo hasta el disparo (0 si vencido), sin I/O.
func (tm *TimerManager) RemainingTime(name string) (time.Duration, bool) {
	tm.mu.Lock()
	at, ok := tm.timers[name]
	tm.mu.Unlock()
	if !ok {
		return 0, false
	}
	remaining := at.record.FireAt.Sub(tm.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Pending retorna una copia de los timers armados, ordenados por FireAt.
func (tm *TimerManager) Pending() []domain.Timer {
	tm.mu.Lock()
	out := make([]domain.Timer, 0, len(tm.timers))
	for _, at := range tm.timers {
		out = append(out, *at.record)
	}
	tm.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// onExpire marca el timer como disparado y ejecuta su handler.
//
// Tras quitarlo del mapa un CancelTimer concurrente es no-op.
func (tm *TimerManager) onExpire(name string, seq uint64) {
	tm.mu.Lock()
	at, ok := tm.timers[name]
	if !ok || at.seq != seq || tm.closed {
		tm.mu.Unlock()
		return
	}
	delete(tm.timers, name)
	tm.inflight.Add(1)
	tm.mu.Unlock()

	defer tm.inflight.Done()
	tm.fire(at.record)
}

// fire ejecuta el handler del kind y borra el registro si tuvo éxito.
func (tm *TimerManager) fire(record *domain.Timer) {
	ctx, cancel := context.WithTimeout(context.Background(), timerFireTimeout)
	defer cancel()

	attrs := []attribute.KeyValue{
		semconv.Guard.TimerName.String(record.Name),
		semconv.Guard.TimerKind.String(string(record.Payload.Kind)),
	}
	if record.AccountID != "" {
		attrs = append(attrs, semconv.Guard.AccountID.String(record.AccountID))
	}

	tm.mu.Lock()
	handler := tm.handlers[record.Payload.Kind]
	tm.mu.Unlock()

	if handler == nil {
		tm.telemetry.Warn(ctx, "Timer fired without handler, dropping", attrs...)
		tm.deleteIfNotRearmed(ctx, record.Name)
		return
	}

	if err := tm.runHandler(ctx, handler, record); err != nil {
		tm.telemetry.Error(ctx, "Timer handler failed, re-arming", err,
			append(attrs, attribute.Int64("retry_in_ms", timerRetryDelay.Milliseconds()))...,
		)
		tm.mu.Lock()
		if _, rearmed := tm.timers[record.Name]; !rearmed && !tm.closed {
			retry := *record
			retry.FireAt = tm.clock.Now().Add(timerRetryDelay)
			tm.armLocked(&retry)
		}
		tm.mu.Unlock()
		return
	}

	tm.deleteIfNotRearmed(ctx, record.Name)
	tm.metrics.RecordTimerFired(ctx, semconv.Guard.TimerKind.String(string(record.Payload.Kind)))
	tm.telemetry.Debug(ctx, "Timer fired", attrs...)
}

func (tm *TimerManager) runHandler(ctx context.Context, handler TimerHandler, record *domain.Timer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewError(domain.ErrUnknown, "timer handler panic").WithDetail("panic", r)
		}
	}()
	return handler(ctx, record)
}

// deleteIfNotRearmed borra el registro salvo que el handler haya re-armado el mismo nombre.
func (tm *TimerManager) deleteIfNotRearmed(ctx context.Context, name string) {
	unlock := tm.names.Lock(name)
	defer unlock()

	tm.mu.Lock()
	_, rearmed := tm.timers[name]
	tm.mu.Unlock()
	if rearmed {
		return
	}
	if err := tm.store.DeleteTimer(ctx, name); err != nil {
		tm.telemetry.Warn(ctx, "Failed to delete fired timer",
			semconv.Guard.TimerName.String(name),
			attribute.String("error", err.Error()),
		)
	}
}

// Recover carga los timers persistidos: dispara los vencidos (catch-up) y
// re-arma los futuros.
//
// Los vencidos se disparan en orden de FireAt antes de retornar.
func (tm *TimerManager) Recover(ctx context.Context) (fired int, armed int, err error) {
	records, err := tm.store.ListTimers(ctx)
	if err != nil {
		return 0, 0, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].FireAt.Before(records[j].FireAt) })

	now := tm.clock.Now()
	var due, future []*domain.Timer
	for _, record := range records {
		if !record.Payload.Kind.Valid() {
			tm.telemetry.Warn(ctx, "Dropping persisted timer with unknown payload",
				semconv.Guard.TimerName.String(record.Name),
				semconv.Guard.TimerKind.String(string(record.Payload.Kind)),
			)
			_ = tm.store.DeleteTimer(ctx, record.Name)
			continue
		}
		if !record.FireAt.After(now) {
			due = append(due, record)
			continue
		}
		future = append(future, record)
	}

	tm.mu.Lock()
	for _, record := range future {
		tm.disarmLocked(record.Name)
		tm.armLocked(record)
		armed++
	}
	tm.mu.Unlock()

	for _, record := range due {
		tm.telemetry.Info(ctx, "Firing past-due timer on recovery",
			semconv.Guard.TimerName.String(record.Name),
			attribute.String("fire_at", record.FireAt.UTC().Format(time.RFC3339)),
			attribute.Int64("late_ms", now.Sub(record.FireAt).Milliseconds()),
		)
		tm.fire(record)
		fired++
	}

	tm.telemetry.Info(ctx, "Timers recovered",
		attribute.Int("fired", fired),
		attribute.Int("armed", armed),
	)
	return fired, armed, nil
}

// Shutdown detiene los timers en memoria sin dispararlos y espera los handlers en curso.
//
// Los registros persistidos quedan para el Recover del próximo arranque.
func (tm *TimerManager) Shutdown() {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return
	}
	tm.closed = true
	for _, at := range tm.timers {
		at.timer.Stop()
	}
	tm.timers = make(map[string]*armedTimer)
	tm.mu.Unlock()

	tm.inflight.Wait()
}
