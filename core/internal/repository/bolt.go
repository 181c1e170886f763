package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/xKoRx/guard/sdk/domain"
)

// Buckets, uno por tipo de registro.
var (
	lockoutsBucket      = []byte("lockouts")
	timersBucket        = []byte("timers")
	aggregatesBucket    = []byte("aggregates")
	failedActionsBucket = []byte("failed_actions")
)

// BoltStore implementa domain.Store sobre un archivo bbolt embebido.
//
// Cada Update hace fsync antes de retornar, por lo que una escritura
// exitosa ya es durable.
type BoltStore struct {
	db *bolt.DB
}

var _ domain.Store = (*BoltStore)(nil)

// OpenBoltStore abre (o crea) el archivo y sus buckets.
func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, domain.NewError(domain.ErrInvalidConfig, "bolt path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "mkdir store path", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "open bolt store", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{lockoutsBucket, timersBucket, aggregatesBucket, failedActionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "init bolt buckets", err)
	}
	return &BoltStore{db: db}, nil
}

// Close cierra el archivo.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path retorna la ruta del archivo.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

func (s *BoltStore) put(ctx context.Context, bucket []byte, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	}); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, fmt.Sprintf("put %s/%s", bucket, key), err)
	}
	return nil
}

func (s *BoltStore) get(ctx context.Context, bucket []byte, key string, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if len(data) == 0 {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	if err != nil {
		return false, domain.WrapError(domain.ErrStoreUnavailable, fmt.Sprintf("get %s/%s", bucket, key), err)
	}
	return found, nil
}

func (s *BoltStore) delete(ctx context.Context, bucket []byte, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	}); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, fmt.Sprintf("delete %s/%s", bucket, key), err)
	}
	return nil
}

// scan recorre un bucket; fn recibe el valor crudo de cada clave con el prefijo.
func (s *BoltStore) scan(ctx context.Context, bucket []byte, prefix string, fn func(v []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		var k, v []byte
		if prefix == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(prefix))
		}
		for ; k != nil; k, v = c.Next() {
			if prefix != "" && !hasPrefix(k, prefix) {
				break
			}
			if len(v) == 0 {
				continue
			}
			if err := fn(v); err != nil {
				return fmt.Errorf("decode %s/%s: %w", bucket, k, err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, fmt.Sprintf("scan %s", bucket), err)
	}
	return nil
}

func hasPrefix(k []byte, prefix string) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == prefix
}

// ===========================================================================
// Lockouts
// ===========================================================================

// SaveLockout hace upsert por account_id.
func (s *BoltStore) SaveLockout(ctx context.Context, lockout *domain.Lockout) error {
	if lockout == nil {
		return domain.NewError(domain.ErrInvalidAccount, "lockout is nil")
	}
	return s.put(ctx, lockoutsBucket, lockout.AccountID, lockout)
}

// GetLockout retorna nil si la cuenta no tiene registro.
func (s *BoltStore) GetLockout(ctx context.Context, accountID string) (*domain.Lockout, error) {
	var lockout domain.Lockout
	found, err := s.get(ctx, lockoutsBucket, accountID, &lockout)
	if err != nil || !found {
		return nil, err
	}
	return &lockout, nil
}

// DeleteLockout elimina el registro de la cuenta.
func (s *BoltStore) DeleteLockout(ctx context.Context, accountID string) error {
	return s.delete(ctx, lockoutsBucket, accountID)
}

// ListActiveLockouts retorna los registros con Active=true.
func (s *BoltStore) ListActiveLockouts(ctx context.Context) ([]*domain.Lockout, error) {
	var out []*domain.Lockout
	err := s.scan(ctx, lockoutsBucket, "", func(v []byte) error {
		var lockout domain.Lockout
		if err := json.Unmarshal(v, &lockout); err != nil {
			return err
		}
		if lockout.Active {
			out = append(out, &lockout)
		}
		return nil
	})
	return out, err
}

// ===========================================================================
// Timers
// ===========================================================================

// SaveTimer hace upsert por nombre.
func (s *BoltStore) SaveTimer(ctx context.Context, timer *domain.Timer) error {
	if timer == nil || timer.Name == "" {
		return domain.NewError(domain.ErrInvalidConfig, "timer name is empty")
	}
	return s.put(ctx, timersBucket, timer.Name, timer)
}

// DeleteTimer elimina un timer por nombre.
func (s *BoltStore) DeleteTimer(ctx context.Context, name string) error {
	return s.delete(ctx, timersBucket, name)
}

// ListTimers retorna todos los timers ordenados por FireAt.
func (s *BoltStore) ListTimers(ctx context.Context) ([]*domain.Timer, error) {
	var out []*domain.Timer
	err := s.scan(ctx, timersBucket, "", func(v []byte) error {
		var timer domain.Timer
		if err := json.Unmarshal(v, &timer); err != nil {
			return err
		}
		out = append(out, &timer)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, err
}

// ===========================================================================
// Aggregates
// ===========================================================================

// aggregateKey ordena por período primero para poder escanear un período por prefijo.
func aggregateKey(accountID, period string) string {
	return period + "/" + accountID
}

// SaveAggregate hace upsert por (account_id, period).
func (s *BoltStore) SaveAggregate(ctx context.Context, agg *domain.DailyAggregate) error {
	if agg == nil {
		return domain.NewError(domain.ErrInvalidAccount, "aggregate is nil")
	}
	return s.put(ctx, aggregatesBucket, aggregateKey(agg.AccountID, agg.Period), agg)
}

// GetAggregate retorna nil si no existe.
func (s *BoltStore) GetAggregate(ctx context.Context, accountID, period string) (*domain.DailyAggregate, error) {
	var agg domain.DailyAggregate
	found, err := s.get(ctx, aggregatesBucket, aggregateKey(accountID, period), &agg)
	if err != nil || !found {
		return nil, err
	}
	return &agg, nil
}

// DeleteAggregate elimina el agregado.
func (s *BoltStore) DeleteAggregate(ctx context.Context, accountID, period string) error {
	return s.delete(ctx, aggregatesBucket, aggregateKey(accountID, period))
}

// ListAggregates retorna los agregados del período.
func (s *BoltStore) ListAggregates(ctx context.Context, period string) ([]*domain.DailyAggregate, error) {
	var out []*domain.DailyAggregate
	err := s.scan(ctx, aggregatesBucket, period+"/", func(v []byte) error {
		var agg domain.DailyAggregate
		if err := json.Unmarshal(v, &agg); err != nil {
			return err
		}
		out = append(out, &agg)
		return nil
	})
	return out, err
}

// ===========================================================================
// Failed actions
// ===========================================================================

// SaveFailedAction persiste una acción con fallo terminal (clave = action_id).
func (s *BoltStore) SaveFailedAction(ctx context.Context, outcome *domain.ActionOutcome) error {
	if outcome == nil || outcome.Action.ActionID == "" {
		return domain.NewError(domain.ErrInvalidAction, "failed action without id")
	}
	return s.put(ctx, failedActionsBucket, outcome.Action.ActionID, outcome)
}

// ListFailedActions retorna las acciones fallidas ordenadas por SettledAt.
func (s *BoltStore) ListFailedActions(ctx context.Context) ([]*domain.ActionOutcome, error) {
	var out []*domain.ActionOutcome
	err := s.scan(ctx, failedActionsBucket, "", func(v []byte) error {
		var outcome domain.ActionOutcome
		if err := json.Unmarshal(v, &outcome); err != nil {
			return err
		}
		out = append(out, &outcome)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].SettledAt.Before(out[j].SettledAt) })
	return out, err
}
