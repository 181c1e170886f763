package internal

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/xKoRx/guard/sdk/utils"
)

var (
	// ErrRouterStopped el router ya no acepta eventos.
	ErrRouterStopped = errors.New("event router stopped")
	// ErrRouterBusy la cola del worker de la cuenta está llena.
	ErrRouterBusy = errors.New("event router queue full")
)

// PolicyLookup resuelve la política configurada de una regla.
type PolicyLookup func(ruleID string) (domain.LockoutPolicy, bool)

// EventRouterConfig tamaño del pool de workers.
type EventRouterConfig struct {
	Workers   int
	QueueSize int // por worker
}

// routedEvent evento encolado con su contexto de origen.
type routedEvent struct {
	ctx      context.Context
	event    *domain.Event
	received time.Time
}

// EventRouter decide, por evento, entre flatten inmediato (cuenta bloqueada)
// o evaluación de reglas.
//
// Los eventos de una cuenta van siempre al mismo worker (FIFO por cuenta);
// cuentas distintas se procesan en paralelo. Todo el procesamiento de una
// cuenta (evento, cascada, reset) corre bajo su lock de AccountLocks.
type EventRouter struct {
	cfg       EventRouterConfig
	lockouts  *LockoutManager
	book      *AggregateBook
	queue     *ActionQueue
	evaluator domain.RuleEvaluator
	policies  PolicyLookup
	locks     *AccountLocks
	clock     clockwork.Clock
	telemetry *telemetry.Client
	metrics   *metricbundle.GuardMetrics

	mu      sync.RWMutex
	shards  []chan *routedEvent
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewEventRouter crea el router y engancha la cascada a la liquidación de acciones.
func NewEventRouter(
	cfg EventRouterConfig,
	lockouts *LockoutManager,
	book *AggregateBook,
	queue *ActionQueue,
	evaluator domain.RuleEvaluator,
	policies PolicyLookup,
	locks *AccountLocks,
	clock clockwork.Clock,
	tel *telemetry.Client,
	metrics *metricbundle.GuardMetrics,
) *EventRouter {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if policies == nil {
		policies = func(string) (domain.LockoutPolicy, bool) { return domain.LockoutPolicy{}, false }
	}

	r := &EventRouter{
		cfg:       cfg,
		lockouts:  lockouts,
		book:      book,
		queue:     queue,
		evaluator: evaluator,
		policies:  policies,
		locks:     locks,
		clock:     clock,
		telemetry: tel,
		metrics:   metrics,
		shards:    make([]chan *routedEvent, cfg.Workers),
	}
	for i := range r.shards {
		r.shards[i] = make(chan *routedEvent, cfg.QueueSize)
	}
	queue.OnSettled(r.onActionSettled)
	return r
}

// Start lanza los workers.
func (r *EventRouter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true

	for _, ch := range r.shards {
		r.wg.Add(1)
		go r.worker(ch)
	}
	r.telemetry.Info(ctx, "Event router started", attribute.Int("workers", len(r.shards)))
}

// Stop deja de aceptar eventos, procesa los ya encolados y espera a los workers.
func (r *EventRouter) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	for _, ch := range r.shards {
		close(ch)
	}
	r.mu.Unlock()

	if started {
		r.wg.Wait()
	}
	r.telemetry.Info(ctx, "Event router stopped")
}

// Dispatch encola el evento sin bloquear.
func (r *EventRouter) Dispatch(ctx context.Context, event *domain.Event) error {
	if err := domain.ValidateEvent(event); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrRouterStopped
	}

	ch := r.shards[int(shardIndex(event.AccountID))%len(r.shards)]
	select {
	case ch <- &routedEvent{ctx: context.WithoutCancel(ctx), event: event, received: r.clock.Now()}:
		return nil
	default:
		r.metrics.RecordEventRouted(ctx,
			semconv.Guard.EventKind.String(string(event.Kind)),
			semconv.Guard.Status.String(semconv.StatusValues.Skipped),
		)
		r.telemetry.Error(ctx, "Event router queue full, event rejected", ErrRouterBusy,
			semconv.Guard.AccountID.String(event.AccountID),
			semconv.Guard.EventID.String(event.EventID),
		)
		return ErrRouterBusy
	}
}

func (r *EventRouter) worker(ch <-chan *routedEvent) {
	defer r.wg.Done()
	for msg := range ch {
		r.process(msg)
	}
}

// process aísla fallos por evento: un panic o error se registra y el stream sigue.
func (r *EventRouter) process(msg *routedEvent) {
	event := msg.event
	ctx := telemetry.AppendEventAttrs(msg.ctx,
		semconv.Guard.AccountID.String(event.AccountID),
		semconv.Guard.EventID.String(event.EventID),
		semconv.Guard.EventKind.String(string(event.Kind)),
	)
	if event.CorrelationID != "" {
		ctx = telemetry.AppendEventAttrs(ctx, semconv.Guard.CorrelationID.String(event.CorrelationID))
	}

	status := semconv.StatusValues.Success
	defer func() {
		if rec := recover(); rec != nil {
			status = semconv.StatusValues.Failed
			r.telemetry.Error(ctx, "Event processing panic", fmt.Errorf("%v", rec))
		}
		r.metrics.RecordEventRouted(ctx,
			semconv.Guard.EventKind.String(string(event.Kind)),
			semconv.Guard.Status.String(status),
		)
		r.metrics.RecordEventLatency(ctx, float64(r.clock.Since(msg.received).Microseconds())/1000.0,
			semconv.Guard.EventKind.String(string(event.Kind)),
		)
	}()

	if err := r.HandleEvent(ctx, event); err != nil {
		status = semconv.StatusValues.Failed
		r.telemetry.Error(ctx, "Event processing failed", err)
	}
}

// HandleEvent procesa un evento de forma síncrona bajo el lock de su cuenta.
func (r *EventRouter) HandleEvent(ctx context.Context, event *domain.Event) error {
	unlock := r.locks.Lock(event.AccountID)
	defer unlock()

	if info, locked := r.lockouts.GetLockoutInfo(event.AccountID); locked {
		return r.handleLocked(ctx, event, info)
	}

	agg, _, aggErr := r.book.ApplyEvent(ctx, event)
	if aggErr != nil {
		r.telemetry.Warn(ctx, "Aggregate update not persisted", attribute.String("error", aggErr.Error()))
	}
	return r.evaluate(ctx, event, agg)
}

// handleLocked sintetiza el flatten para eventos que abren exposición sin
// consultar al evaluador. El P&L realizado igual se acumula.
func (r *EventRouter) handleLocked(ctx context.Context, event *domain.Event, info domain.LockoutInfo) error {
	if _, _, err := r.book.ApplyEvent(ctx, event); err != nil {
		r.telemetry.Warn(ctx, "Aggregate update not persisted", attribute.String("error", err.Error()))
	}
	if !event.IsExposureIncrease() {
		return nil
	}

	action := domain.EnforcementAction{
		Kind:          domain.ActionClosePosition,
		AccountID:     event.AccountID,
		Instrument:    event.Instrument,
		CorrelationID: event.CorrelationID,
		RuleID:        info.RuleID,
		Priority:      lockPriority(info.Kind),
		Reason:        fmt.Sprintf("account locked: %s", info.Reason),
	}
	if event.Kind == domain.EventOrderPlaced || action.Instrument == "" {
		action.Kind = domain.ActionCancelOrders
		action.Instrument = ""
	}
	if action.CorrelationID == "" {
		action.CorrelationID = utils.GenerateUUIDv7()
	}

	if _, err := r.queue.Submit(ctx, action); err != nil {
		return fmt.Errorf("submit locked-account flatten: %w", err)
	}
	r.metrics.RecordLockedFlatten(ctx,
		semconv.Guard.LockoutKind.String(string(info.Kind)),
		semconv.Guard.EventKind.String(string(event.Kind)),
	)
	r.telemetry.Info(ctx, "Locked account exposure flattened",
		semconv.Guard.ActionKind.String(string(action.Kind)),
		semconv.Guard.LockoutKind.String(string(info.Kind)),
		semconv.Guard.Reason.String(info.Reason),
	)
	return nil
}

func lockPriority(kind domain.LockoutKind) domain.ActionPriority {
	if kind == domain.LockoutKindCooldown {
		return domain.PriorityCooldown
	}
	return domain.PriorityHardLockout
}

// evaluate consulta al evaluador y aplica cada violación: primero el bloqueo,
// luego las acciones, encoladas por prioridad descendente.
func (r *EventRouter) evaluate(ctx context.Context, event *domain.Event, agg *domain.DailyAggregate) error {
	now := r.clock.Now()
	state := domain.AccountState{
		AccountID: event.AccountID,
		Aggregate: agg,
		Now:       now,
	}
	if info, ok := r.lockouts.GetLockoutInfo(event.AccountID); ok {
		state.Lockout = &info
	}

	violations, err := r.callEvaluator(ctx, event, state)
	if err != nil {
		return fmt.Errorf("rule evaluation: %w", err)
	}
	if len(violations) == 0 {
		return nil
	}

	var actions []domain.EnforcementAction
	var errs []error
	for _, violation := range violations {
		if violation.AccountID != "" && violation.AccountID != event.AccountID {
			r.telemetry.Warn(ctx, "Violation for a different account ignored",
				semconv.Guard.RuleID.String(violation.RuleID),
				attribute.String("violation_account", violation.AccountID),
			)
			continue
		}
		if violation.CorrelationID == "" {
			violation.CorrelationID = utils.GenerateUUIDv7()
		}

		policy := r.policyFor(violation)
		r.metrics.RecordViolation(ctx,
			semconv.Guard.RuleID.String(violation.RuleID),
			attribute.String("policy", policy.String()),
		)
		r.telemetry.Info(ctx, "Rule violation",
			semconv.Guard.RuleID.String(violation.RuleID),
			semconv.Guard.CorrelationID.String(violation.CorrelationID),
			semconv.Guard.Reason.String(violation.Reason),
			attribute.String("policy", policy.String()),
			attribute.Int("actions", len(violation.Actions)),
		)

		if err := r.lockouts.Apply(ctx, event.AccountID, violation.RuleID, violation.Reason, policy); err != nil {
			errs = append(errs, fmt.Errorf("apply %s lockout: %w", violation.RuleID, err))
		}

		for _, requested := range violation.Actions {
			action, err := buildAction(event.AccountID, violation, requested, policy.Priority())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			actions = append(actions, action)
		}
	}

	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Priority > actions[j].Priority })
	for _, action := range actions {
		if _, err := r.queue.Submit(ctx, action); err != nil {
			errs = append(errs, fmt.Errorf("submit %s: %w", action.Kind, err))
		}
	}
	return errors.Join(errs...)
}

func (r *EventRouter) policyFor(violation domain.RuleViolation) domain.LockoutPolicy {
	if violation.Lock != nil {
		return *violation.Lock
	}
	if policy, ok := r.policies(violation.RuleID); ok {
		return policy
	}
	return domain.NoLockPolicy()
}

func (r *EventRouter) callEvaluator(ctx context.Context, event *domain.Event, state domain.AccountState) (violations []domain.RuleViolation, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rule evaluator panic: %v", rec)
		}
	}()
	return r.evaluator.Evaluate(ctx, event, state)
}

func buildAction(accountID string, violation domain.RuleViolation, requested domain.RequestedAction, priority domain.ActionPriority) (domain.EnforcementAction, error) {
	action := domain.EnforcementAction{
		Kind:          requested.Kind,
		AccountID:     accountID,
		Instrument:    requested.Instrument,
		TargetSize:    decimal.Zero,
		CorrelationID: violation.CorrelationID,
		RuleID:        violation.RuleID,
		Priority:      priority,
		Reason:        violation.Reason,
	}
	if requested.TargetSize != "" {
		size, err := decimal.NewFromString(requested.TargetSize)
		if err != nil {
			return domain.EnforcementAction{}, domain.WrapError(domain.ErrInvalidAction,
				fmt.Sprintf("rule %s requested invalid target size %q", violation.RuleID, requested.TargetSize), err)
		}
		action.TargetSize = size
	}
	return action, nil
}

// onActionSettled cascada: el P&L realizado por una acción se acumula y se
// re-evalúa dentro de la misma sección crítica de la cuenta.
func (r *EventRouter) onActionSettled(ctx context.Context, outcome domain.ActionOutcome) {
	if outcome.Failed() || outcome.Result.RealizedPnL.IsZero() {
		return
	}
	action := outcome.Action

	ctx = telemetry.AppendEventAttrs(ctx,
		semconv.Guard.AccountID.String(action.AccountID),
		semconv.Guard.ActionID.String(action.ActionID),
		semconv.Guard.CorrelationID.String(action.CorrelationID),
	)
	defer func() {
		if rec := recover(); rec != nil {
			r.telemetry.Error(ctx, "Cascade panic", fmt.Errorf("%v", rec))
		}
	}()

	unlock := r.locks.Lock(action.AccountID)
	defer unlock()

	agg, err := r.book.AddRealized(ctx, action.AccountID, outcome.Result.RealizedPnL)
	if err != nil {
		r.telemetry.Warn(ctx, "Aggregate update not persisted", attribute.String("error", err.Error()))
	}
	r.metrics.RecordCascade(ctx, semconv.Guard.ActionKind.String(string(action.Kind)))

	if r.lockouts.IsLockedOut(action.AccountID) {
		return
	}

	synthetic := &domain.Event{
		EventID:       "settle:" + action.ActionID,
		Kind:          domain.EventPositionClosed,
		AccountID:     action.AccountID,
		Instrument:    action.Instrument,
		RealizedPnL:   outcome.Result.RealizedPnL,
		CommandID:     action.ActionID,
		OccurredAt:    outcome.SettledAt,
		CorrelationID: action.CorrelationID,
	}
	if err := r.evaluate(ctx, synthetic, agg); err != nil {
		r.telemetry.Error(ctx, "Cascade evaluation failed", err)
	}
}
