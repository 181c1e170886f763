// Package domain provee interfaces de repositorio para persistencia.
package domain

import "context"

// LockoutRepository persiste registros de bloqueo por cuenta.
//
// Implementaciones:
//   - bbolt: core/internal/repository/bolt.go
//   - PostgreSQL: core/internal/repository/postgres.go
type LockoutRepository interface {
	// SaveLockout hace upsert por account_id. Retorna tras escritura durable.
	SaveLockout(ctx context.Context, lockout *Lockout) error

	// GetLockout obtiene el registro de una cuenta. Retorna nil si no existe.
	GetLockout(ctx context.Context, accountID string) (*Lockout, error)

	// DeleteLockout elimina el registro; no-op si no existe.
	DeleteLockout(ctx context.Context, accountID string) error

	// ListActiveLockouts escanea todos los registros activos (recovery).
	ListActiveLockouts(ctx context.Context) ([]*Lockout, error)
}

// TimerRepository persiste timers por nombre.
type TimerRepository interface {
	// SaveTimer hace upsert por nombre.
	SaveTimer(ctx context.Context, timer *Timer) error

	// DeleteTimer elimina un timer; no-op si no existe.
	DeleteTimer(ctx context.Context, name string) error

	// ListTimers escanea todos los timers pendientes (recovery).
	ListTimers(ctx context.Context) ([]*Timer, error)
}

// AggregateRepository persiste agregados diarios por (account_id, period).
type AggregateRepository interface {
	// SaveAggregate hace upsert por (account_id, period).
	SaveAggregate(ctx context.Context, agg *DailyAggregate) error

	// GetAggregate retorna nil si no existe.
	GetAggregate(ctx context.Context, accountID, period string) (*DailyAggregate, error)

	// DeleteAggregate elimina el agregado; no-op si no existe.
	DeleteAggregate(ctx context.Context, accountID, period string) error

	// ListAggregates escanea los agregados de un período.
	ListAggregates(ctx context.Context, period string) ([]*DailyAggregate, error)
}

// FailedActionRepository persiste acciones con fallo terminal para el operador.
type FailedActionRepository interface {
	SaveFailedAction(ctx context.Context, outcome *ActionOutcome) error
	ListFailedActions(ctx context.Context) ([]*ActionOutcome, error)
}

// Store agrupa todos los repositorios sobre un mismo backend durable.
type Store interface {
	LockoutRepository
	TimerRepository
	AggregateRepository
	FailedActionRepository

	Close() error
}
