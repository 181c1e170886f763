package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Driver SQLite pure-Go

	"github.com/xKoRx/guard/sdk/domain"
)

// sqliteSchema usa INTEGER (unix nanos) para instantes y TEXT para decimales.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS lockouts (
    account_id  TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    reason      TEXT NOT NULL,
    rule_id     TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    expiry_mode TEXT NOT NULL,
    expiry_at   INTEGER NOT NULL DEFAULT 0,
    active      INTEGER NOT NULL,
    cleared_at  INTEGER NOT NULL DEFAULT 0,
    cleared_by  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS timers (
    name               TEXT PRIMARY KEY,
    account_id         TEXT NOT NULL DEFAULT '',
    fire_at            INTEGER NOT NULL,
    payload_kind       TEXT NOT NULL,
    payload_account_id TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_aggregates (
    account_id   TEXT NOT NULL,
    period       TEXT NOT NULL,
    realized_pnl TEXT NOT NULL,
    trade_count  INTEGER NOT NULL,
    counters     TEXT NOT NULL,
    updated_at   INTEGER NOT NULL,
    PRIMARY KEY (account_id, period)
);

CREATE TABLE IF NOT EXISTS failed_actions (
    action_id  TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    outcome    TEXT NOT NULL,
    settled_at INTEGER NOT NULL
);
`

// SQLiteStore implementa domain.Store sobre un archivo SQLite (modernc, sin cgo).
//
// A diferencia de bbolt, varios procesos pueden abrir el archivo a la vez,
// por lo que la CLI puede operar con un core corriendo.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.Store = (*SQLiteStore)(nil)

// OpenSQLiteStore abre (o crea) la base y aplica el schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, domain.NewError(domain.ErrInvalidConfig, "sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "mkdir store path", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "apply sqlite schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close cierra la base.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// ===========================================================================
// Lockouts
// ===========================================================================

// SaveLockout hace upsert por account_id.
func (s *SQLiteStore) SaveLockout(ctx context.Context, l *domain.Lockout) error {
	if l == nil {
		return domain.NewError(domain.ErrInvalidAccount, "lockout is nil")
	}
	var clearedAt int64
	if l.ClearedAt != nil {
		clearedAt = toNanos(*l.ClearedAt)
	}
	query := `
		INSERT INTO lockouts (account_id, kind, reason, rule_id, created_at,
			expiry_mode, expiry_at, active, cleared_at, cleared_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			kind = excluded.kind,
			reason = excluded.reason,
			rule_id = excluded.rule_id,
			created_at = excluded.created_at,
			expiry_mode = excluded.expiry_mode,
			expiry_at = excluded.expiry_at,
			active = excluded.active,
			cleared_at = excluded.cleared_at,
			cleared_by = excluded.cleared_by
	`
	_, err := s.db.ExecContext(ctx, query,
		l.AccountID,
		string(l.Kind),
		l.Reason,
		l.RuleID,
		toNanos(l.CreatedAt),
		string(l.Expiry.Mode),
		toNanos(l.Expiry.At),
		l.Active,
		clearedAt,
		string(l.ClearedBy),
	)
	if err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to save lockout", err)
	}
	return nil
}

const sqliteLockoutColumns = `
	SELECT account_id, kind, reason, rule_id, created_at,
	       expiry_mode, expiry_at, active, cleared_at, cleared_by
	FROM lockouts
`

func scanSQLiteLockout(row rowScanner) (*domain.Lockout, error) {
	var (
		l                              domain.Lockout
		kind, mode, clearedBy          string
		createdAt, expiryAt, clearedAt int64
	)
	if err := row.Scan(&l.AccountID, &kind, &l.Reason, &l.RuleID, &createdAt,
		&mode, &expiryAt, &l.Active, &clearedAt, &clearedBy); err != nil {
		return nil, err
	}
	l.Kind = domain.LockoutKind(kind)
	l.CreatedAt = fromNanos(createdAt)
	l.Expiry = domain.Expiry{Mode: domain.ExpiryMode(mode), At: fromNanos(expiryAt)}
	if clearedAt != 0 {
		t := fromNanos(clearedAt)
		l.ClearedAt = &t
	}
	l.ClearedBy = domain.ClearOrigin(clearedBy)
	return &l, nil
}

// GetLockout retorna nil si la cuenta no tiene registro.
func (s *SQLiteStore) GetLockout(ctx context.Context, accountID string) (*domain.Lockout, error) {
	l, err := scanSQLiteLockout(s.db.QueryRowContext(ctx, sqliteLockoutColumns+` WHERE account_id = ?`, accountID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to get lockout", err)
	}
	return l, nil
}

// DeleteLockout elimina el registro de la cuenta.
func (s *SQLiteStore) DeleteLockout(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lockouts WHERE account_id = ?`, accountID); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to delete lockout", err)
	}
	return nil
}

// ListActiveLockouts retorna los registros activos.
func (s *SQLiteStore) ListActiveLockouts(ctx context.Context) ([]*domain.Lockout, error) {
	rows, err := s.db.QueryContext(ctx, sqliteLockoutColumns+` WHERE active = 1 ORDER BY account_id`)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to list lockouts", err)
	}
	defer rows.Close()

	var out []*domain.Lockout
	for rows.Next() {
		l, err := scanSQLiteLockout(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to scan lockout", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ===========================================================================
// Timers
// ===========================================================================

// SaveTimer hace upsert por nombre.
func (s *SQLiteStore) SaveTimer(ctx context.Context, timer *domain.Timer) error {
	if timer == nil || timer.Name == "" {
		return domain.NewError(domain.ErrInvalidConfig, "timer name is empty")
	}
	query := `
		INSERT INTO timers (name, account_id, fire_at, payload_kind, payload_account_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			account_id = excluded.account_id,
			fire_at = excluded.fire_at,
			payload_kind = excluded.payload_kind,
			payload_account_id = excluded.payload_account_id,
			created_at = excluded.created_at
	`
	_, err := s.db.ExecContext(ctx, query,
		timer.Name,
		timer.AccountID,
		toNanos(timer.FireAt),
		string(timer.Payload.Kind),
		timer.Payload.AccountID,
		toNanos(timer.CreatedAt),
	)
	if err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to save timer", err)
	}
	return nil
}

// DeleteTimer elimina un timer por nombre.
func (s *SQLiteStore) DeleteTimer(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE name = ?`, name); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to delete timer", err)
	}
	return nil
}

// ListTimers retorna todos los timers ordenados por fire_at.
func (s *SQLiteStore) ListTimers(ctx context.Context) ([]*domain.Timer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, account_id, fire_at, payload_kind, payload_account_id, created_at
		FROM timers ORDER BY fire_at`)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to list timers", err)
	}
	defer rows.Close()

	var out []*domain.Timer
	for rows.Next() {
		var (
			timer             domain.Timer
			kind              string
			fireAt, createdAt int64
		)
		if err := rows.Scan(&timer.Name, &timer.AccountID, &fireAt, &kind, &timer.Payload.AccountID, &createdAt); err != nil {
			return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to scan timer", err)
		}
		timer.FireAt = fromNanos(fireAt)
		timer.CreatedAt = fromNanos(createdAt)
		timer.Payload.Kind = domain.TimerKind(kind)
		out = append(out, &timer)
	}
	return out, rows.Err()
}

// ===========================================================================
// Aggregates
// ===========================================================================

// SaveAggregate hace upsert por (account_id, period).
func (s *SQLiteStore) SaveAggregate(ctx context.Context, agg *domain.DailyAggregate) error {
	if agg == nil {
		return domain.NewError(domain.ErrInvalidAccount, "aggregate is nil")
	}
	counters, err := json.Marshal(agg.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := `
		INSERT INTO daily_aggregates (account_id, period, realized_pnl, trade_count, counters, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, period) DO UPDATE SET
			realized_pnl = excluded.realized_pnl,
			trade_count = excluded.trade_count,
			counters = excluded.counters,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		agg.AccountID,
		agg.Period,
		agg.RealizedPnL.String(),
		agg.TradeCount,
		string(counters),
		toNanos(agg.UpdatedAt),
	)
	if err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to save aggregate", err)
	}
	return nil
}

func scanSQLiteAggregate(row rowScanner) (*domain.DailyAggregate, error) {
	var (
		agg           domain.DailyAggregate
		pnl, counters string
		updatedAt     int64
	)
	if err := row.Scan(&agg.AccountID, &agg.Period, &pnl, &agg.TradeCount, &counters, &updatedAt); err != nil {
		return nil, err
	}
	value, err := decimal.NewFromString(pnl)
	if err != nil {
		return nil, fmt.Errorf("parse realized_pnl %q: %w", pnl, err)
	}
	agg.RealizedPnL = value
	agg.UpdatedAt = fromNanos(updatedAt)
	agg.Counters = make(map[string]int64)
	if counters != "" {
		if err := json.Unmarshal([]byte(counters), &agg.Counters); err != nil {
			return nil, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	return &agg, nil
}

// GetAggregate retorna nil si no existe.
func (s *SQLiteStore) GetAggregate(ctx context.Context, accountID, period string) (*domain.DailyAggregate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, period, realized_pnl, trade_count, counters, updated_at
		FROM daily_aggregates WHERE account_id = ? AND period = ?`, accountID, period)
	agg, err := scanSQLiteAggregate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to get aggregate", err)
	}
	return agg, nil
}

// DeleteAggregate elimina el agregado.
func (s *SQLiteStore) DeleteAggregate(ctx context.Context, accountID, period string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM daily_aggregates WHERE account_id = ? AND period = ?`, accountID, period); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to delete aggregate", err)
	}
	return nil
}

// ListAggregates retorna los agregados del período.
func (s *SQLiteStore) ListAggregates(ctx context.Context, period string) ([]*domain.DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, period, realized_pnl, trade_count, counters, updated_at
		FROM daily_aggregates WHERE period = ? ORDER BY account_id`, period)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to list aggregates", err)
	}
	defer rows.Close()

	var out []*domain.DailyAggregate
	for rows.Next() {
		agg, err := scanSQLiteAggregate(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to scan aggregate", err)
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// ===========================================================================
// Failed actions
// ===========================================================================

// SaveFailedAction persiste una acción con fallo terminal.
func (s *SQLiteStore) SaveFailedAction(ctx context.Context, outcome *domain.ActionOutcome) error {
	if outcome == nil || outcome.Action.ActionID == "" {
		return domain.NewError(domain.ErrInvalidAction, "failed action without id")
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failed_actions (action_id, account_id, outcome, settled_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (action_id) DO UPDATE SET
			outcome = excluded.outcome,
			settled_at = excluded.settled_at`,
		outcome.Action.ActionID,
		outcome.Action.AccountID,
		string(payload),
		toNanos(outcome.SettledAt),
	)
	if err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "failed to save failed action", err)
	}
	return nil
}

// ListFailedActions retorna las acciones fallidas por orden de settled_at.
func (s *SQLiteStore) ListFailedActions(ctx context.Context) ([]*domain.ActionOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome FROM failed_actions ORDER BY settled_at`)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to list failed actions", err)
	}
	defer rows.Close()

	var out []*domain.ActionOutcome
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, domain.WrapError(domain.ErrStoreUnavailable, "failed to scan failed action", err)
		}
		var outcome domain.ActionOutcome
		if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		out = append(out, &outcome)
	}
	return out, rows.Err()
}
