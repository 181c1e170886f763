package internal

import (
	"context"
	"fmt"
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

// LockoutManagerConfig parámetros del manager.
type LockoutManagerConfig struct {
	SweepInterval time.Duration
	Persist       retryPolicy

	// ManualClearAllowed decide si un operador puede liberar un bloqueo.
	ManualClearAllowed func(kind domain.LockoutKind, expiry domain.Expiry) bool
}

// LockoutManager tabla de bloqueos por cuenta: fuente de verdad en memoria,
// persistida en cada cambio.
//
// Invariante: a lo sumo un bloqueo activo por cuenta (el último gana).
type LockoutManager struct {
	cfg       LockoutManagerConfig
	store     domain.LockoutRepository
	timers    *TimerManager
	clock     clockwork.Clock
	alerts    AlertSink
	telemetry *telemetry.Client
	metrics   *metricbundle.GuardMetrics

	// active sólo contiene bloqueos con Active=true.
	active *shardedMap[*domain.Lockout]
	// writes serializa set/clear de una misma cuenta, incluida la persistencia.
	writes *AccountLocks

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewLockoutManager crea el manager y registra el handler clear_lockout en timers.
//
// timers puede ser nil: el sweep periódico cubre la expiración.
func NewLockoutManager(
	cfg LockoutManagerConfig,
	store domain.LockoutRepository,
	timers *TimerManager,
	clock clockwork.Clock,
	alerts AlertSink,
	tel *telemetry.Client,
	metrics *metricbundle.GuardMetrics,
) *LockoutManager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.ManualClearAllowed == nil {
		cfg.ManualClearAllowed = func(kind domain.LockoutKind, expiry domain.Expiry) bool {
			return expiry.Mode == domain.ExpiryModePermanent
		}
	}

	lm := &LockoutManager{
		cfg:       cfg,
		store:     store,
		timers:    timers,
		clock:     clock,
		alerts:    alerts,
		telemetry: tel,
		metrics:   metrics,
		active:    newShardedMap[*domain.Lockout](),
		writes:    NewAccountLocks(),
	}
	if timers != nil {
		timers.RegisterHandler(domain.TimerClearLockout, lm.handleClearTimer)
	}
	return lm
}

// SetHardLockout aplica un bloqueo hard con la expiración dada.
func (lm *LockoutManager) SetHardLockout(ctx context.Context, accountID, reason string, until domain.Expiry) error {
	return lm.set(ctx, &domain.Lockout{
		AccountID: accountID,
		Kind:      domain.LockoutKindHard,
		Reason:    reason,
		Expiry:    until,
	})
}

// SetCooldown aplica un bloqueo que expira tras duration (0 = vence de inmediato).
func (lm *LockoutManager) SetCooldown(ctx context.Context, accountID, reason string, duration time.Duration) error {
	if duration < 0 {
		return domain.NewError(domain.ErrInvalidDuration, "cooldown duration cannot be negative")
	}
	return lm.set(ctx, &domain.Lockout{
		AccountID: accountID,
		Kind:      domain.LockoutKindCooldown,
		Reason:    reason,
		Expiry:    domain.ExpiryAt(lm.clock.Now().Add(duration)),
	})
}

// Apply aplica la política decodificada de una regla. PolicyKindNone no bloquea.
func (lm *LockoutManager) Apply(ctx context.Context, accountID, ruleID, reason string, policy domain.LockoutPolicy) error {
	if !policy.Locks() {
		return nil
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	kind := domain.LockoutKindHard
	if policy.Kind == domain.PolicyKindCooldown {
		kind = domain.LockoutKindCooldown
	}
	return lm.set(ctx, &domain.Lockout{
		AccountID: accountID,
		Kind:      kind,
		Reason:    reason,
		RuleID:    ruleID,
		Expiry:    policy.ExpiryFrom(lm.clock.Now()),
	})
}

// set reemplaza el bloqueo de la cuenta.
//
// El bloqueo rige en memoria antes de persistir: si la persistencia agota sus
// reintentos, la cuenta sigue bloqueada y se levanta una alerta crítica.
func (lm *LockoutManager) set(ctx context.Context, lockout *domain.Lockout) error {
	if err := domain.ValidateAccountID(lockout.AccountID); err != nil {
		return domain.WrapError(domain.ErrInvalidAccount, "invalid lockout account", err)
	}
	if err := lockout.Expiry.Validate(); err != nil {
		return err
	}

	unlock := lm.writes.Lock(lockout.AccountID)
	defer unlock()

	now := lm.clock.Now()
	lockout.CreatedAt = now
	lockout.Active = true

	prev, replaced := lm.active.Load(lockout.AccountID)
	lm.active.Store(lockout.AccountID, lockout)

	attrs := lockoutAttrs(lockout)
	lm.metrics.RecordLockoutSet(ctx, replaced, semconv.Guard.LockoutKind.String(string(lockout.Kind)))
	logAttrs := append(attrs, attribute.String("reason", lockout.Reason), attribute.Bool("replaced", replaced))
	if replaced {
		logAttrs = append(logAttrs, attribute.String("previous_kind", string(prev.Kind)))
	}
	lm.telemetry.Info(ctx, "Lockout set", logAttrs...)

	persistErr := lm.persist(ctx, lockout.Clone())

	lm.syncExpiryTimer(ctx, lockout, prev, replaced)
	return persistErr
}

// syncExpiryTimer arma lockout:{id} para bloqueos con expiración fija y cancela
// el del bloqueo anterior si el nuevo no expira por tiempo. Requiere writes.
func (lm *LockoutManager) syncExpiryTimer(ctx context.Context, lockout, prev *domain.Lockout, replaced bool) {
	if lm.timers == nil {
		return
	}
	timerName := domain.LockoutTimerName(lockout.AccountID)
	if lockout.Expiry.Mode == domain.ExpiryModeAt {
		payload := domain.TimerPayload{Kind: domain.TimerClearLockout, AccountID: lockout.AccountID}
		if err := lm.timers.StartTimerAt(ctx, timerName, lockout.AccountID, lockout.Expiry.At, payload); err != nil {
			lm.telemetry.Warn(ctx, "Failed to arm lockout timer, relying on sweep",
				append(lockoutAttrs(lockout), attribute.String("error", err.Error()))...,
			)
		}
	} else if replaced && prev.Expiry.Mode == domain.ExpiryModeAt {
		_ = lm.timers.CancelTimer(ctx, timerName)
	}
}

// persist guarda el registro con reintentos; al agotarlos alerta y retorna STORE_UNAVAILABLE.
func (lm *LockoutManager) persist(ctx context.Context, lockout *domain.Lockout) error {
	attrs := lockoutAttrs(lockout)
	err := withPersistRetry(ctx, lm.cfg.Persist,
		func(ctx context.Context) error { return lm.store.SaveLockout(ctx, lockout) },
		func(attempt int, err error, wait time.Duration) {
			lm.metrics.RecordPersistRetry(ctx, semconv.Guard.Component.String(semconv.ComponentValues.Lockout))
			lm.telemetry.Warn(ctx, "Lockout persistence retry",
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

	lm.alerts.Raise(ctx, Alert{
		Severity:  semconv.AlertValues.Critical,
		Component: semconv.ComponentValues.Lockout,
		AccountID: lockout.AccountID,
		Message:   "Lockout persistence failed; lock held in memory only",
		Err:       err,
		Attrs:     attrs,
		At:        lm.clock.Now(),
	})
	return domain.WrapError(domain.ErrStoreUnavailable, "persist lockout", err).
		WithDetail("account_id", lockout.AccountID)
}

// IsLockedOut consulta en memoria; un bloqueo vencido cuenta como liberado
// aunque el sweep aún no lo haya desactivado.
func (lm *LockoutManager) IsLockedOut(accountID string) bool {
	lockout, ok := lm.active.Load(accountID)
	return ok && lockout.InForce(lm.clock.Now())
}

// GetLockoutInfo retorna el bloqueo vigente de la cuenta.
func (lm *LockoutManager) GetLockoutInfo(accountID string) (domain.LockoutInfo, bool) {
	lockout, ok := lm.active.Load(accountID)
	now := lm.clock.Now()
	if !ok || !lockout.InForce(now) {
		return domain.LockoutInfo{}, false
	}
	return lockout.Info(now), true
}

// ActiveLockouts retorna los bloqueos vigentes ordenados por cuenta.
func (lm *LockoutManager) ActiveLockouts() []domain.LockoutInfo {
	now := lm.clock.Now()
	var out []domain.LockoutInfo
	lm.active.Range(func(_ string, lockout *domain.Lockout) bool {
		if lockout.InForce(now) {
			out = append(out, lockout.Info(now))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// ClearLockout desactiva el bloqueo de la cuenta.
//
// Es idempotente: sin bloqueo activo retorna nil. Según el origen:
//   - operator: requiere ManualClearAllowed para el tipo de bloqueo.
//   - timer / sweep: sólo si el bloqueo ya venció.
//   - reset: sólo bloqueos "hasta el próximo reset".
func (lm *LockoutManager) ClearLockout(ctx context.Context, accountID string, origin domain.ClearOrigin) error {
	_, err := lm.clear(ctx, accountID, origin)
	return err
}

// clear retorna true si desactivó un bloqueo.
func (lm *LockoutManager) clear(ctx context.Context, accountID string, origin domain.ClearOrigin) (bool, error) {
	unlock := lm.writes.Lock(accountID)
	defer unlock()

	lockout, ok := lm.active.Load(accountID)
	if !ok || !lockout.Active {
		return false, nil
	}

	now := lm.clock.Now()
	switch origin {
	case domain.ClearOriginOperator:
		if !lm.cfg.ManualClearAllowed(lockout.Kind, lockout.Expiry) {
			return false, domain.NewError(domain.ErrManualClearForbidden,
				fmt.Sprintf("manual clear not allowed for %s lockout (%s)", lockout.Kind, lockout.Expiry)).
				WithDetail("account_id", accountID)
		}
	case domain.ClearOriginTimer, domain.ClearOriginSweep:
		if !lockout.Expiry.Expired(now) {
			return false, nil
		}
	case domain.ClearOriginReset:
		if lockout.Expiry.Mode != domain.ExpiryModeUntilReset {
			return false, nil
		}
	default:
		return false, domain.NewError(domain.ErrInvalidConfig, fmt.Sprintf("unknown clear origin %q", origin))
	}

	cleared := lockout.Clone()
	cleared.Active = false
	cleared.ClearedAt = &now
	cleared.ClearedBy = origin

	lm.active.Delete(accountID)

	attrs := append(lockoutAttrs(cleared), semconv.Guard.ClearOrigin.String(string(origin)))
	lm.metrics.RecordLockoutCleared(ctx, semconv.Guard.ClearOrigin.String(string(origin)))
	lm.telemetry.Info(ctx, "Lockout cleared", attrs...)

	persistErr := lm.persist(ctx, cleared)

	if lm.timers != nil && origin != domain.ClearOriginTimer && lockout.Expiry.Mode == domain.ExpiryModeAt {
		_ = lm.timers.CancelTimer(ctx, domain.LockoutTimerName(accountID))
	}
	return true, persistErr
}

// ClearIfResetTied libera el bloqueo de la cuenta si expira con el reset.
func (lm *LockoutManager) ClearIfResetTied(ctx context.Context, accountID string) (bool, error) {
	return lm.clear(ctx, accountID, domain.ClearOriginReset)
}

// ClearResetTied libera todos los bloqueos "hasta el próximo reset".
func (lm *LockoutManager) ClearResetTied(ctx context.Context) (int, error) {
	var accounts []string
	lm.active.Range(func(accountID string, lockout *domain.Lockout) bool {
		if lockout.Expiry.Mode == domain.ExpiryModeUntilReset {
			accounts = append(accounts, accountID)
		}
		return true
	})

	cleared := 0
	var firstErr error
	for _, accountID := range accounts {
		ok, err := lm.ClearIfResetTied(ctx, accountID)
		if ok {
			cleared++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return cleared, firstErr
}

// Accounts retorna las cuentas con bloqueo en memoria.
func (lm *LockoutManager) Accounts() []string {
	var out []string
	lm.active.Range(func(accountID string, _ *domain.Lockout) bool {
		out = append(out, accountID)
		return true
	})
	sort.Strings(out)
	return out
}

// Reload sincroniza una cuenta con el store tras un cambio externo (CLI, NOTIFY).
func (lm *LockoutManager) Reload(ctx context.Context, accountID string) error {
	unlock := lm.writes.Lock(accountID)
	defer unlock()

	record, err := lm.store.GetLockout(ctx, accountID)
	if err != nil {
		return err
	}

	current, hadActive := lm.active.Load(accountID)
	if record == nil || !record.Active {
		if !hadActive {
			return nil
		}
		lm.active.Delete(accountID)
		if lm.timers != nil && current.Expiry.Mode == domain.ExpiryModeAt {
			_ = lm.timers.CancelTimer(ctx, domain.LockoutTimerName(accountID))
		}
		origin := domain.ClearOriginOperator
		if record != nil && record.ClearedBy != "" {
			origin = record.ClearedBy
		}
		lm.metrics.RecordLockoutCleared(ctx, semconv.Guard.ClearOrigin.String(string(origin)))
		lm.telemetry.Info(ctx, "Lockout cleared externally",
			semconv.Guard.AccountID.String(accountID),
			semconv.Guard.ClearOrigin.String(string(origin)),
		)
		return nil
	}

	lm.active.Store(accountID, record)
	if !hadActive {
		lm.metrics.RecordLockoutSet(ctx, false, semconv.Guard.LockoutKind.String(string(record.Kind)))
	}
	lm.telemetry.Info(ctx, "Lockout reloaded from store", lockoutAttrs(record)...)
	lm.syncExpiryTimer(ctx, record, current, hadActive)
	return nil
}

// Recover carga los bloqueos activos del store antes de aceptar eventos.
//
// Los vencidos durante la caída se desactivan (origen sweep) como parte de la carga.
func (lm *LockoutManager) Recover(ctx context.Context) (loaded int, expired int, err error) {
	records, err := lm.store.ListActiveLockouts(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := lm.clock.Now()
	for _, record := range records {
		if record.Expiry.Expired(now) {
			cleared := record.Clone()
			cleared.Active = false
			cleared.ClearedAt = &now
			cleared.ClearedBy = domain.ClearOriginSweep
			if err := lm.persist(ctx, cleared); err != nil {
				return loaded, expired, err
			}
			lm.metrics.RecordLockoutCleared(ctx, semconv.Guard.ClearOrigin.String(string(domain.ClearOriginSweep)))
			expired++
			continue
		}
		lm.active.Store(record.AccountID, record)
		lm.metrics.RecordLockoutSet(ctx, false, semconv.Guard.LockoutKind.String(string(record.Kind)))
		loaded++
	}

	lm.telemetry.Info(ctx, "Lockouts recovered",
		attribute.Int("loaded", loaded),
		attribute.Int("expired", expired),
	)
	return loaded, expired, nil
}

// handleClearTimer handler del payload clear_lockout.
func (lm *LockoutManager) handleClearTimer(ctx context.Context, timer *domain.Timer) error {
	accountID := timer.Payload.AccountID
	if accountID == "" {
		lm.telemetry.Warn(ctx, "clear_lockout timer without account", semconv.Guard.TimerName.String(timer.Name))
		return nil
	}
	if _, ok := lm.active.Load(accountID); !ok {
		lm.telemetry.Warn(ctx, "clear_lockout timer for account without lockout",
			semconv.Guard.AccountID.String(accountID),
		)
		return nil
	}
	_, err := lm.clear(ctx, accountID, domain.ClearOriginTimer)
	return err
}

// Sweep desactiva todos los bloqueos vencidos. Retorna cuántos liberó.
func (lm *LockoutManager) Sweep(ctx context.Context) int {
	now := lm.clock.Now()
	var due []string
	lm.active.Range(func(accountID string, lockout *domain.Lockout) bool {
		if lockout.Expiry.Expired(now) {
			due = append(due, accountID)
		}
		return true
	})

	cleared := 0
	for _, accountID := range due {
		ok, err := lm.clear(ctx, accountID, domain.ClearOriginSweep)
		if ok {
			cleared++
		}
		if err != nil {
			lm.telemetry.Error(ctx, "Sweep failed to persist cleared lockout", err,
				semconv.Guard.AccountID.String(accountID),
			)
		}
	}
	return cleared
}

// StartSweep lanza el sweep periódico.
func (lm *LockoutManager) StartSweep(ctx context.Context) {
	lm.sweepMu.Lock()
	defer lm.sweepMu.Unlock()
	if lm.sweepCancel != nil {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	lm.sweepCancel = cancel
	lm.sweepDone = make(chan struct{})

	ticker := lm.clock.NewTicker(lm.cfg.SweepInterval)
	go func() {
		defer close(lm.sweepDone)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.Chan():
				lm.Sweep(sweepCtx)
			}
		}
	}()
}

// StopSweep detiene el sweep y espera su salida.
func (lm *LockoutManager) StopSweep() {
	lm.sweepMu.Lock()
	cancel, done := lm.sweepCancel, lm.sweepDone
	lm.sweepCancel, lm.sweepDone = nil, nil
	lm.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func lockoutAttrs(lockout *domain.Lockout) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.Guard.AccountID.String(lockout.AccountID),
		semconv.Guard.LockoutKind.String(string(lockout.Kind)),
		semconv.Guard.Expiry.String(lockout.Expiry.String()),
	}
	if lockout.RuleID != "" {
		attrs = append(attrs, semconv.Guard.RuleID.String(lockout.RuleID))
	}
	return attrs
}
