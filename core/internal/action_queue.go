package internal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/metricbundle"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
	"github.com/xKoRx/guard/sdk/utils"
)

// ErrQueueClosed la cola ya no acepta acciones.
var ErrQueueClosed = errors.New("action queue is shut down")

// SettleFunc recibe el resultado terminal de cada acción.
type SettleFunc func(ctx context.Context, outcome domain.ActionOutcome)

// queuedAction acción pendiente con su orden de llegada.
type queuedAction struct {
	action domain.EnforcementAction
	seq    uint64
}

// accountGroup acciones pendientes de una cuenta, ordenadas por prioridad
// descendente y luego por llegada.
type accountGroup struct {
	pending []queuedAction
	running bool
	ready   bool
}

func (g *accountGroup) push(item queuedAction) {
	i := sort.Search(len(g.pending), func(i int) bool {
		p := g.pending[i]
		if p.action.Priority != item.action.Priority {
			return p.action.Priority < item.action.Priority
		}
		return p.seq > item.seq
	})
	g.pending = append(g.pending, queuedAction{})
	copy(g.pending[i+1:], g.pending[i:])
	g.pending[i] = item
}

func (g *accountGroup) pop() queuedAction {
	item := g.pending[0]
	g.pending = g.pending[1:]
	return item
}

// ActionQueue ejecuta acciones de enforcement exactamente una vez.
//
// A lo sumo una acción en ejecución por cuenta; cuentas distintas corren en
// paralelo hasta cfg.Workers. Los fallos se reintentan con backoff exponencial
// y el fallo terminal queda registrado, persistido y alertado.
type ActionQueue struct {
	cfg       QueueConfig
	enforcer  domain.Enforcer
	store     domain.FailedActionRepository
	clock     clockwork.Clock
	alerts    AlertSink
	telemetry *telemetry.Client
	metrics   *metricbundle.GuardMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	groups    map[string]*accountGroup
	ready     []string
	active    int
	seq       uint64
	closed    bool
	failed    []domain.ActionOutcome
	onSettled []SettleFunc

	inflight sync.WaitGroup
}

// NewActionQueue crea la cola. store puede ser nil (sin persistencia de fallos).
func NewActionQueue(
	cfg QueueConfig,
	enforcer domain.Enforcer,
	store domain.FailedActionRepository,
	clock clockwork.Clock,
	alerts AlertSink,
	tel *telemetry.Client,
	metrics *metricbundle.GuardMetrics,
) *ActionQueue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ActionQueue{
		cfg:       cfg,
		enforcer:  enforcer,
		store:     store,
		clock:     clock,
		alerts:    alerts,
		telemetry: tel,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		groups:    make(map[string]*accountGroup),
	}
}

// OnSettled registra un hook de liquidación. Debe llamarse antes del primer Submit.
func (q *ActionQueue) OnSettled(fn SettleFunc) {
	q.mu.Lock()
	q.onSettled = append(q.onSettled, fn)
	q.mu.Unlock()
}

// Submit encola la acción sin bloquear. Asigna ActionID si falta.
func (q *ActionQueue) Submit(ctx context.Context, action domain.EnforcementAction) (string, error) {
	if err := domain.ValidateAction(&action); err != nil {
		return "", err
	}
	if action.ActionID == "" {
		action.ActionID = utils.GenerateUUIDv7()
	}
	if action.SubmittedAt.IsZero() {
		action.SubmittedAt = q.clock.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.seq++
	group, ok := q.groups[action.AccountID]
	if !ok {
		group = &accountGroup{}
		q.groups[action.AccountID] = group
	}
	group.push(queuedAction{action: action, seq: q.seq})
	q.markReadyLocked(action.AccountID, group)
	q.scheduleLocked()
	q.mu.Unlock()

	q.metrics.RecordActionSubmitted(ctx, actionAttrs(&action)...)
	q.telemetry.Debug(ctx, "Action submitted", append(actionAttrs(&action),
		semconv.Guard.Priority.String(action.Priority.String()),
		semconv.Guard.CorrelationID.String(action.CorrelationID),
	)...)
	return action.ActionID, nil
}

func (q *ActionQueue) markReadyLocked(accountID string, group *accountGroup) {
	if group.running || group.ready || len(group.pending) == 0 {
		return
	}
	group.ready = true
	q.ready = append(q.ready, accountID)
}

// scheduleLocked arranca acciones mientras haya cuentas listas y workers libres.
func (q *ActionQueue) scheduleLocked() {
	for !q.closed && q.active < q.cfg.Workers && len(q.ready) > 0 {
		accountID := q.ready[0]
		q.ready = q.ready[1:]

		group := q.groups[accountID]
		group.ready = false
		if len(group.pending) == 0 {
			continue
		}
		item := group.pop()
		group.running = true
		q.active++
		q.inflight.Add(1)
		go q.run(item.action)
	}
}

// release libera el slot de la cuenta y el worker.
func (q *ActionQueue) release(accountID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	group := q.groups[accountID]
	group.running = false
	if len(group.pending) == 0 && !group.ready {
		delete(q.groups, accountID)
	} else {
		q.markReadyLocked(accountID, group)
	}
	q.scheduleLocked()
}

func (q *ActionQueue) run(action domain.EnforcementAction) {
	defer q.inflight.Done()
	defer q.release(action.AccountID)

	ctx := telemetry.WithAccount(q.ctx, action.AccountID)
	ctx, span := q.telemetry.StartSpan(ctx, "guard.action.execute")
	defer span.End()
	q.telemetry.SetSpanAttributes(ctx, actionAttrs(&action)...)

	outcome := q.execute(ctx, action)
	if outcome.Err != "" {
		q.telemetry.RecordError(ctx, errors.New(outcome.Err), semconv.Guard.Attempt.Int(outcome.Attempts))
	}
	q.settle(ctx, outcome)
}

// execute ejecuta con reintentos. Un error fatal o rechazo termina de inmediato.
func (q *ActionQueue) execute(ctx context.Context, action domain.EnforcementAction) domain.ActionOutcome {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.InitialBackoff
	bo.MaxInterval = q.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	attrs := actionAttrs(&action)
	outcome := domain.ActionOutcome{Action: action}

	for attempt := 1; ; attempt++ {
		outcome.Attempts = attempt
		result, err := q.invoke(ctx, action)
		q.metrics.RecordActionExecuted(ctx, append(attrs, semconv.Guard.Attempt.Int(attempt))...)

		if err == nil && !result.Success && result.ErrorCode == domain.ErrNotFound {
			result.Success = true
		}
		outcome.Result = result
		if err == nil && result.Success {
			outcome.Err = ""
			break
		}

		code := domain.CodeOf(err)
		if err == nil {
			code = result.ErrorCode
			if code == "" {
				code = domain.ErrEnforcementFailed
			}
			err = domain.NewError(code, fmt.Sprintf("adapter reported failure: %s", result.ErrorDetail))
		}
		outcome.Err = err.Error()

		if attempt >= q.cfg.MaxAttempts || domain.IsFatal(code) || ctx.Err() != nil {
			break
		}

		wait := bo.NextBackOff()
		q.metrics.RecordActionRetried(ctx, attrs...)
		q.telemetry.Warn(ctx, "Action failed, retrying",
			append(attrs,
				semconv.Guard.Attempt.Int(attempt),
				semconv.Guard.ErrorCode.String(string(code)),
				attribute.String("error", err.Error()),
				attribute.Int64("backoff_ms", wait.Milliseconds()),
			)...,
		)

		select {
		case <-q.clock.After(wait):
		case <-ctx.Done():
			outcome.Err = fmt.Sprintf("%s (aborted: %v)", outcome.Err, ctx.Err())
			outcome.SettledAt = q.clock.Now()
			return outcome
		}
	}

	outcome.SettledAt = q.clock.Now()
	return outcome
}

// invoke traduce la acción a la llamada del Enforcer, aislando panics.
func (q *ActionQueue) invoke(ctx context.Context, action domain.EnforcementAction) (result domain.ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewError(domain.ErrEnforcementFailed, fmt.Sprintf("enforcer panic: %v", r))
		}
	}()

	switch action.Kind {
	case domain.ActionClosePosition:
		return q.enforcer.ClosePosition(ctx, action.AccountID, action.Instrument)
	case domain.ActionCloseAllPositions:
		return q.enforcer.CloseAllPositions(ctx, action.AccountID)
	case domain.ActionCancelOrders:
		return q.enforcer.CancelAllOrders(ctx, action.AccountID)
	case domain.ActionReduceToLimit:
		return q.enforcer.ReduceToLimit(ctx, action.AccountID, action.Instrument, action.TargetSize.String())
	case domain.ActionFlattenAndCancel:
		return q.enforcer.FlattenAndCancel(ctx, action.AccountID)
	default:
		return domain.ActionResult{}, domain.NewError(domain.ErrInvalidAction, fmt.Sprintf("unknown action kind %q", action.Kind))
	}
}

// settle registra el resultado terminal y notifica a los hooks.
func (q *ActionQueue) settle(ctx context.Context, outcome domain.ActionOutcome) {
	action := outcome.Action
	attrs := actionAttrs(&action)
	failed := outcome.Failed()
	latency := outcome.SettledAt.Sub(action.SubmittedAt)
	q.metrics.RecordActionSettled(ctx, failed, float64(latency.Microseconds())/1000.0, attrs...)

	if failed {
		q.recordFailure(ctx, outcome)
	} else {
		q.telemetry.Info(ctx, "Action executed",
			append(attrs,
				semconv.Guard.Attempt.Int(outcome.Attempts),
				semconv.Guard.CorrelationID.String(action.CorrelationID),
				attribute.Int("closed_positions", outcome.Result.ClosedPositions),
				attribute.Int("canceled_orders", outcome.Result.CanceledOrders),
				attribute.String("realized_pnl", outcome.Result.RealizedPnL.String()),
			)...,
		)
	}

	q.mu.Lock()
	hooks := append([]SettleFunc(nil), q.onSettled...)
	q.mu.Unlock()
	for _, hook := range hooks {
		q.runHook(ctx, hook, outcome)
	}
}

func (q *ActionQueue) runHook(ctx context.Context, hook SettleFunc, outcome domain.ActionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			q.telemetry.Error(ctx, "Settlement hook panic", fmt.Errorf("%v", r), actionAttrs(&outcome.Action)...)
		}
	}()
	hook(ctx, outcome)
}

func (q *ActionQueue) recordFailure(ctx context.Context, outcome domain.ActionOutcome) {
	action := outcome.Action
	attrs := append(actionAttrs(&action),
		semconv.Guard.Attempt.Int(outcome.Attempts),
		semconv.Guard.CorrelationID.String(action.CorrelationID),
	)

	q.mu.Lock()
	q.failed = append(q.failed, outcome)
	q.mu.Unlock()

	q.telemetry.Error(ctx, "Action failed terminally", errors.New(outcome.Err), attrs...)
	q.alerts.Raise(ctx, Alert{
		Severity:  semconv.AlertValues.Critical,
		Component: semconv.ComponentValues.Queue,
		AccountID: action.AccountID,
		Message:   fmt.Sprintf("Enforcement action %s failed after %d attempts", action.Kind, outcome.Attempts),
		Err:       errors.New(outcome.Err),
		Attrs:     attrs,
		At:        outcome.SettledAt,
	})

	if q.store == nil {
		return
	}
	persistCtx := context.WithoutCancel(ctx)
	err := withPersistRetry(persistCtx, retryPolicy{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		func(ctx context.Context) error { return q.store.SaveFailedAction(ctx, &outcome) },
		nil,
	)
	if err != nil {
		q.telemetry.Error(ctx, "Failed to persist failed action", err, attrs...)
	}
}

// FailedActions copia de las acciones con fallo terminal, en orden de liquidación.
func (q *ActionQueue) FailedActions() []domain.ActionOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.ActionOutcome, len(q.failed))
	copy(out, q.failed)
	return out
}

// LoadFailedActions carga los fallos persistidos en arranques anteriores.
func (q *ActionQueue) LoadFailedActions(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	records, err := q.store.ListFailedActions(ctx)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	loaded := make([]domain.ActionOutcome, 0, len(records)+len(q.failed))
	for _, record := range records {
		loaded = append(loaded, *record)
	}
	q.failed = append(loaded, q.failed...)
	q.mu.Unlock()
	return len(records), nil
}

// Pending cantidad de acciones encoladas sin iniciar para la cuenta.
func (q *ActionQueue) Pending(accountID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if group, ok := q.groups[accountID]; ok {
		return len(group.pending)
	}
	return 0
}

// Depth total de acciones pendientes y en ejecución.
func (q *ActionQueue) Depth() (pending, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, group := range q.groups {
		pending += len(group.pending)
	}
	return pending, q.active
}

// Shutdown deja de iniciar acciones y espera las que están en curso.
//
// Si ctx vence antes, aborta las esperas de backoff y espera la salida. Las
// acciones nunca iniciadas se registran como fallidas.
func (q *ActionQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var abandoned []domain.EnforcementAction
	for accountID, group := range q.groups {
		for _, item := range group.pending {
			abandoned = append(abandoned, item.action)
		}
		group.pending = nil
		if !group.running {
			delete(q.groups, accountID)
		}
	}
	q.ready = nil
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		q.cancel()
		<-done
	}
	q.cancel()

	now := q.clock.Now()
	for _, action := range abandoned {
		q.settle(context.Background(), domain.ActionOutcome{
			Action:    action,
			Err:       "queue shut down before execution",
			SettledAt: now,
		})
	}
	return err
}

func actionAttrs(action *domain.EnforcementAction) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.Guard.AccountID.String(action.AccountID),
		semconv.Guard.ActionID.String(action.ActionID),
		semconv.Guard.ActionKind.String(string(action.Kind)),
	}
	if action.Instrument != "" {
		attrs = append(attrs, semconv.Guard.Instrument.String(action.Instrument))
	}
	if action.RuleID != "" {
		attrs = append(attrs, semconv.Guard.RuleID.String(action.RuleID))
	}
	return attrs
}
