package internal

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// shardedMap mapa por account_id con un RWMutex por shard.
type shardedMap[V any] struct {
	shards [shardCount]mapShard[V]
}

type mapShard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

func newShardedMap[V any]() *shardedMap[V] {
	s := &shardedMap[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *shardedMap[V]) shard(key string) *mapShard[V] {
	return &s.shards[shardIndex(key)]
}

func (s *shardedMap[V]) Load(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	return v, ok
}

func (s *shardedMap[V]) Store(key string, v V) {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.m[key] = v
	sh.mu.Unlock()
}

func (s *shardedMap[V]) Delete(key string) {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Range recorre una copia de cada shard; fn puede llamar Store/Delete.
func (s *shardedMap[V]) Range(fn func(key string, v V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		keys := make([]string, 0, len(sh.m))
		vals := make([]V, 0, len(sh.m))
		for k, v := range sh.m {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		sh.mu.RUnlock()

		for j := range keys {
			if !fn(keys[j], vals[j]) {
				return
			}
		}
	}
}

func (s *shardedMap[V]) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// AccountLocks mutex por cuenta, con entradas liberadas al quedar sin uso.
//
// Serializa el procesamiento de una cuenta (eventos, cascadas) sin bloquear a
// las demás. LockAll excluye a todas las cuentas a la vez (reset diario).
// Un holder no debe tomar una segunda cuenta mientras retiene la primera.
type AccountLocks struct {
	gate   sync.RWMutex
	shards [shardCount]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

// NewAccountLocks crea la tabla de locks.
func NewAccountLocks() *AccountLocks {
	l := &AccountLocks{}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*accountLock)
	}
	return l
}

// Lock bloquea la cuenta y retorna la función de desbloqueo.
func (l *AccountLocks) Lock(accountID string) (unlock func()) {
	l.gate.RLock()
	sh := &l.shards[shardIndex(accountID)]

	sh.mu.Lock()
	al, ok := sh.locks[accountID]
	if !ok {
		al = &accountLock{}
		sh.locks[accountID] = al
	}
	al.refs++
	sh.mu.Unlock()

	al.mu.Lock()

	return func() {
		al.mu.Unlock()
		sh.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(sh.locks, accountID)
		}
		sh.mu.Unlock()
		l.gate.RUnlock()
	}
}

// LockAll espera a que se liberen todas las cuentas y bloquea nuevas tomas
// hasta llamar a la función retornada.
func (l *AccountLocks) LockAll() (unlock func()) {
	l.gate.Lock()
	return l.gate.Unlock
}
