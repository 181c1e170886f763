// Package repository provee implementaciones de persistencia para Guard Core.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // Driver PostgreSQL
	"github.com/shopspring/decimal"

	"github.com/xKoRx/guard/sdk/domain"
)

// LockoutClearedChannel canal LISTEN/NOTIFY para clears de operador.
//
// Payload: account_id.
const LockoutClearedChannel = "guard_lockout_cleared"

// Schema DDL idempotente del store PostgreSQL.
const Schema = `
CREATE SCHEMA IF NOT EXISTS guard;

CREATE TABLE IF NOT EXISTS guard.lockouts (
    account_id   TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    reason       TEXT NOT NULL,
    rule_id      TEXT,
    created_at   TIMESTAMPTZ NOT NULL,
    expiry_mode  TEXT NOT NULL,
    expiry_at    TIMESTAMPTZ,
    active       BOOLEAN NOT NULL,
    cleared_at   TIMESTAMPTZ,
    cleared_by   TEXT,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS guard.timers (
    name               TEXT PRIMARY KEY,
    account_id         TEXT,
    fire_at            TIMESTAMPTZ NOT NULL,
    payload_kind       TEXT NOT NULL,
    payload_account_id TEXT,
    created_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS guard.daily_aggregates (
    account_id   TEXT NOT NULL,
    period       TEXT NOT NULL,
    realized_pnl NUMERIC NOT NULL DEFAULT 0,
    trade_count  BIGINT NOT NULL DEFAULT 0,
    counters     JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (account_id, period)
);

CREATE TABLE IF NOT EXISTS guard.failed_actions (
    action_id   TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL,
    outcome     JSONB NOT NULL,
    settled_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implementa domain.Store sobre PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ domain.Store = (*PostgresStore)(nil)

// NewPostgresStore crea el store sobre una conexión existente.
//
// Uso:
//
//	db, err := sql.Open("postgres", connStr)
//	store := repository.NewPostgresStore(db)
//	if err := store.EnsureSchema(ctx); err != nil { ... }
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore abre la conexión, verifica con ping y aplica el schema.
func OpenPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "open postgres", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "ping postgres", err)
	}
	store := NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema aplica el DDL.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "apply schema", err)
	}
	return nil
}

// DB expone la conexión subyacente.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close cierra la conexión.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ===========================================================================
// Lockouts
// ===========================================================================

const upsertLockoutQuery = `
	INSERT INTO guard.lockouts (
		account_id, kind, reason, rule_id, created_at,
		expiry_mode, expiry_at, active, cleared_at, cleared_by, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
	ON CONFLICT (account_id) DO UPDATE SET
		kind = EXCLUDED.kind,
		reason = EXCLUDED.reason,
		rule_id = EXCLUDED.rule_id,
		created_at = EXCLUDED.created_at,
		expiry_mode = EXCLUDED.expiry_mode,
		expiry_at = EXCLUDED.expiry_at,
		active = EXCLUDED.active,
		cleared_at = EXCLUDED.cleared_at,
		cleared_by = EXCLUDED.cleared_by,
		updated_at = now()
`

func lockoutArgs(l *domain.Lockout) []any {
	var expiryAt, clearedAt sql.NullTime
	if l.Expiry.Mode == domain.ExpiryModeAt {
		expiryAt = sql.NullTime{Time: l.Expiry.At, Valid: true}
	}
	if l.ClearedAt != nil {
		clearedAt = sql.NullTime{Time: *l.ClearedAt, Valid: true}
	}
	return []any{
		l.AccountID,
		string(l.Kind),
		l.Reason,
		nullIfEmpty(l.RuleID),
		l.CreatedAt,
		string(l.Expiry.Mode),
		expiryAt,
		l.Active,
		clearedAt,
		nullIfEmpty(string(l.ClearedBy)),
	}
}

// SaveLockout hace upsert por account_id.
func (s *PostgresStore) SaveLockout(ctx context.Context, lockout *domain.Lockout) error {
	if lockout == nil {
		return domain.NewError(domain.ErrInvalidAccount, "lockout is nil")
	}
	if _, err := s.db.ExecContext(ctx, upsertLockoutQuery, lockoutArgs(lockout)...); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to save lockout", err)
	}
	return nil
}

// ClearLockoutAndNotify persiste un registro ya liberado y emite
// NOTIFY guard_lockout_cleared en la misma transacción.
//
// Lo usa la CLI para que un core en ejecución suelte el bloqueo en memoria.
func (s *PostgresStore) ClearLockoutAndNotify(ctx context.Context, lockout *domain.Lockout) (err error) {
	if lockout == nil || lockout.Active {
		return domain.NewError(domain.ErrInvalidAccount, "lockout must be cleared before notify")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, upsertLockoutQuery, lockoutArgs(lockout)...); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "save cleared lockout", err)
	}
	if _, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, LockoutClearedChannel, lockout.AccountID); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "notify lockout cleared", err)
	}
	if err = tx.Commit(); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "commit cleared lockout", err)
	}
	return nil
}

const selectLockoutColumns = `
	SELECT account_id, kind, reason, rule_id, created_at,
	       expiry_mode, expiry_at, active, cleared_at, cleared_by
	FROM guard.lockouts
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLockout(row rowScanner) (*domain.Lockout, error) {
	var (
		l         domain.Lockout
		kind      string
		ruleID    sql.NullString
		mode      string
		expiryAt  sql.NullTime
		clearedAt sql.NullTime
		clearedBy sql.NullString
	)
	if err := row.Scan(
		&l.AccountID,
		&kind,
		&l.Reason,
		&ruleID,
		&l.CreatedAt,
		&mode,
		&expiryAt,
		&l.Active,
		&clearedAt,
		&clearedBy,
	); err != nil {
		return nil, err
	}
	l.Kind = domain.LockoutKind(kind)
	l.RuleID = ruleID.String
	l.Expiry = domain.Expiry{Mode: domain.ExpiryMode(mode)}
	if expiryAt.Valid {
		l.Expiry.At = expiryAt.Time
	}
	if clearedAt.Valid {
		t := clearedAt.Time
		l.ClearedAt = &t
	}
	l.ClearedBy = domain.ClearOrigin(clearedBy.String)
	return &l, nil
}

// GetLockout retorna nil si la cuenta no tiene registro.
func (s *PostgresStore) GetLockout(ctx context.Context, accountID string) (*domain.Lockout, error) {
	row := s.db.QueryRowContext(ctx, selectLockoutColumns+` WHERE account_id = $1`, accountID)
	lockout, err := scanLockout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to get lockout", err)
	}
	return lockout, nil
}

// DeleteLockout elimina el registro de la cuenta.
func (s *PostgresStore) DeleteLockout(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM guard.lockouts WHERE account_id = $1`, accountID); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to delete lockout", err)
	}
	return nil
}

// ListActiveLockouts retorna los registros activos.
func (s *PostgresStore) ListActiveLockouts(ctx context.Context) ([]*domain.Lockout, error) {
	rows, err := s.db.QueryContext(ctx, selectLockoutColumns+` WHERE active ORDER BY account_id`)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to list lockouts", err)
	}
	defer rows.Close()

	var out []*domain.Lockout
	for rows.Next() {
		lockout, err := scanLockout(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to scan lockout", err)
		}
		out = append(out, lockout)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to iterate lockouts", err)
	}
	return out, nil
}

// ===========================================================================
// Timers
// ===========================================================================

// SaveTimer hace upsert por nombre.
func (s *PostgresStore) SaveTimer(ctx context.Context, timer *domain.Timer) error {
	if timer == nil || timer.Name == "" {
		return domain.NewError(domain.ErrInvalidConfig, "timer name is empty")
	}
	query := `
		INSERT INTO guard.timers (name, account_id, fire_at, payload_kind, payload_account_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			fire_at = EXCLUDED.fire_at,
			payload_kind = EXCLUDED.payload_kind,
			payload_account_id = EXCLUDED.payload_account_id,
			created_at = EXCLUDED.created_at
	`
	_, err := s.db.ExecContext(ctx, query,
		timer.Name,
		nullIfEmpty(timer.AccountID),
		timer.FireAt,
		string(timer.Payload.Kind),
		nullIfEmpty(timer.Payload.AccountID),
		timer.CreatedAt,
	)
	if err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to save timer", err)
	}
	return nil
}

// DeleteTimer elimina un timer por nombre.
func (s *PostgresStore) DeleteTimer(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM guard.timers WHERE name = $1`, name); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to delete timer", err)
	}
	return nil
}

// ListTimers retorna todos los timers ordenados por fire_at.
func (s *PostgresStore) ListTimers(ctx context.Context) ([]*domain.Timer, error) {
	query := `
		SELECT name, account_id, fire_at, payload_kind, payload_account_id, created_at
		FROM guard.timers
		ORDER BY fire_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to list timers", err)
	}
	defer rows.Close()

	var out []*domain.Timer
	for rows.Next() {
		var (
			timer            domain.Timer
			accountID        sql.NullString
			payloadKind      string
			payloadAccountID sql.NullString
		)
		if err := rows.Scan(&timer.Name, &accountID, &timer.FireAt, &payloadKind, &payloadAccountID, &timer.CreatedAt); err != nil {
			return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to scan timer", err)
		}
		timer.AccountID = accountID.String
		timer.Payload = domain.TimerPayload{
			Kind:      domain.TimerKind(payloadKind),
			AccountID: payloadAccountID.String,
		}
		out = append(out, &timer)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to iterate timers", err)
	}
	return out, nil
}

// ===========================================================================
// Aggregates
// ===========================================================================

// SaveAggregate hace upsert por (account_id, period).
func (s *PostgresStore) SaveAggregate(ctx context.Context, agg *domain.DailyAggregate) error {
	if agg == nil {
		return domain.NewError(domain.ErrInvalidAccount, "aggregate is nil")
	}
	counters, err := json.Marshal(agg.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := `
		INSERT INTO guard.daily_aggregates (account_id, period, realized_pnl, trade_count, counters, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (account_id, period) DO UPDATE SET
			realized_pnl = EXCLUDED.realized_pnl,
			trade_count = EXCLUDED.trade_count,
			counters = EXCLUDED.counters,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		agg.AccountID,
		agg.Period,
		agg.RealizedPnL,
		agg.TradeCount,
		string(counters),
		agg.UpdatedAt,
	)
	if err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to save aggregate", err)
	}
	return nil
}

func scanAggregate(row rowScanner) (*domain.DailyAggregate, error) {
	var (
		agg      domain.DailyAggregate
		pnl      decimal.Decimal
		counters []byte
	)
	if err := row.Scan(&agg.AccountID, &agg.Period, &pnl, &agg.TradeCount, &counters, &agg.UpdatedAt); err != nil {
		return nil, err
	}
	agg.RealizedPnL = pnl
	agg.Counters = make(map[string]int64)
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &agg.Counters); err != nil {
			return nil, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	return &agg, nil
}

// GetAggregate retorna nil si no existe.
func (s *PostgresStore) GetAggregate(ctx context.Context, accountID, period string) (*domain.DailyAggregate, error) {
	query := `
		SELECT account_id, period, realized_pnl, trade_count, counters, updated_at
		FROM guard.daily_aggregates
		WHERE account_id = $1 AND period = $2
	`
	agg, err := scanAggregate(s.db.QueryRowContext(ctx, query, accountID, period))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to get aggregate", err)
	}
	return agg, nil
}

// DeleteAggregate elimina el agregado.
func (s *PostgresStore) DeleteAggregate(ctx context.Context, accountID, period string) error {
	query := `DELETE FROM guard.daily_aggregates WHERE account_id = $1 AND period = $2`
	if _, err := s.db.ExecContext(ctx, query, accountID, period); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to delete aggregate", err)
	}
	return nil
}

// ListAggregates retorna los agregados del período.
func (s *PostgresStore) ListAggregates(ctx context.Context, period string) ([]*domain.DailyAggregate, error) {
	query := `
		SELECT account_id, period, realized_pnl, trade_count, counters, updated_at
		FROM guard.daily_aggregates
		WHERE period = $1
		ORDER BY account_id
	`
	rows, err := s.db.QueryContext(ctx, query, period)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to list aggregates", err)
	}
	defer rows.Close()

	var out []*domain.DailyAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to scan aggregate", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to iterate aggregates", err)
	}
	return out, nil
}

// ===========================================================================
// Failed actions
// ===========================================================================

// SaveFailedAction persiste una acción con fallo terminal.
func (s *PostgresStore) SaveFailedAction(ctx context.Context, outcome *domain.ActionOutcome) error {
	if outcome == nil || outcome.Action.ActionID == "" {
		return domain.NewError(domain.ErrInvalidAction, "failed action without id")
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	query := `
		INSERT INTO guard.failed_actions (action_id, account_id, outcome, settled_at)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (action_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			settled_at = EXCLUDED.settled_at
	`
	if _, err := s.db.ExecContext(ctx, query,
		outcome.Action.ActionID,
		outcome.Action.AccountID,
		string(payload),
		outcome.SettledAt,
	); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to save failed action", err)
	}
	return nil
}

// ListFailedActions retorna las acciones fallidas por orden de settled_at.
func (s *PostgresStore) ListFailedActions(ctx context.Context) ([]*domain.ActionOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome FROM guard.failed_actions ORDER BY settled_at`)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to list failed actions", err)
	}
	defer rows.Close()

	var out []*domain.ActionOutcome
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to scan failed action", err)
		}
		var outcome domain.ActionOutcome
		if err := json.Unmarshal(raw, &outcome); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		out = append(out, &outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to iterate failed actions", err)
	}
	return out, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
