package domain

import (
	"context"
	"time"
)

// RequestedAction acción solicitada por una regla en su veredicto.
type RequestedAction struct {
	Kind       ActionKind `json:"kind"`
	Instrument string     `json:"instrument,omitempty"`
	TargetSize string     `json:"target_size,omitempty"`
}

// RuleViolation veredicto inmutable producido por el evaluador de reglas.
//
// Lock nil indica que se usa la política configurada para RuleID.
type RuleViolation struct {
	RuleID        string            `json:"rule_id"`
	AccountID     string            `json:"account_id"`
	Lock          *LockoutPolicy    `json:"lock,omitempty"`
	Reason        string            `json:"reason"`
	Actions       []RequestedAction `json:"actions,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// AccountState snapshot de solo lectura entregado al evaluador.
type AccountState struct {
	AccountID string          `json:"account_id"`
	Aggregate *DailyAggregate `json:"aggregate"`
	Lockout   *LockoutInfo    `json:"lockout,omitempty"`
	Now       time.Time       `json:"now"`
}

// RuleEvaluator colaborador externo que evalúa reglas sobre un evento.
//
// Debe ser una función pura del evento y el estado; no debe bloquear.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, event *Event, state AccountState) ([]RuleViolation, error)
}

// RuleEvaluatorFunc adapta una función a RuleEvaluator.
type RuleEvaluatorFunc func(ctx context.Context, event *Event, state AccountState) ([]RuleViolation, error)

// Evaluate implementa RuleEvaluator.
func (f RuleEvaluatorFunc) Evaluate(ctx context.Context, event *Event, state AccountState) ([]RuleViolation, error) {
	return f(ctx, event, state)
}

// Enforcer interfaz de comandos de enforcement hacia el adaptador.
type Enforcer interface {
	ClosePosition(ctx context.Context, accountID, instrument string) (ActionResult, error)
	CloseAllPositions(ctx context.Context, accountID string) (ActionResult, error)
	ReduceToLimit(ctx context.Context, accountID, instrument, targetSize string) (ActionResult, error)
	CancelAllOrders(ctx context.Context, accountID string) (ActionResult, error)
	FlattenAndCancel(ctx context.Context, accountID string) (ActionResult, error)
}
