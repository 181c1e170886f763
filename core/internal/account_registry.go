package internal

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
)

// AccountRegistry mantiene el mapeo cuenta → sesión de adaptador.
//
// Thread-safe. Operaciones:
//   - RegisterAccount: asigna una cuenta a una sesión (last-write-wins).
//   - UnregisterSession: libera las cuentas que aún pertenecen a la sesión.
//   - GetOwner: sesión propietaria de una cuenta.
//   - GetAccountsBySession: cuentas de una sesión (diagnóstico).
type AccountRegistry struct {
	// account_id → OwnershipRecord
	accountToOwner map[string]*OwnershipRecord
	// session_id → []account_id (índice inverso para cleanup)
	sessionToAccounts map[string][]string

	mu        sync.RWMutex
	telemetry *telemetry.Client
}

// OwnershipRecord registra qué sesión atiende una cuenta.
type OwnershipRecord struct {
	SessionID    string
	AdapterID    string
	AccountID    string
	RegisteredAt time.Time
}

// NewAccountRegistry crea un nuevo registry.
func NewAccountRegistry(tel *telemetry.Client) *AccountRegistry {
	return &AccountRegistry{
		accountToOwner:    make(map[string]*OwnershipRecord),
		sessionToAccounts: make(map[string][]string),
		telemetry:         tel,
	}
}

// RegisterAccount asigna la cuenta a la sesión.
//
// Si la cuenta pertenecía a otra sesión, se transfiere (reconexión o
// adaptador duplicado) y se registra un warning.
func (r *AccountRegistry) RegisterAccount(sessionID, adapterID, accountID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.accountToOwner[accountID]; exists {
		if existing.SessionID == sessionID {
			return
		}
		r.telemetry.Warn(context.Background(), "Account ownership moved to another adapter session",
			semconv.Guard.AccountID.String(accountID),
			attribute.String("previous_adapter", existing.AdapterID),
			semconv.Guard.AdapterID.String(adapterID),
		)
		r.removeAccountFromSession(existing.SessionID, accountID)
	}

	r.accountToOwner[accountID] = &OwnershipRecord{
		SessionID:    sessionID,
		AdapterID:    adapterID,
		AccountID:    accountID,
		RegisteredAt: now,
	}
	r.sessionToAccounts[sessionID] = append(r.sessionToAccounts[sessionID], accountID)
}

// UnregisterSession libera todas las cuentas que aún pertenecen a la sesión.
//
// Cuentas ya transferidas a otra sesión no se tocan.
func (r *AccountRegistry) UnregisterSession(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	accounts, exists := r.sessionToAccounts[sessionID]
	if !exists {
		return nil
	}
	for _, acc := range accounts {
		delete(r.accountToOwner, acc)
	}
	delete(r.sessionToAccounts, sessionID)
	return accounts
}

// GetOwner retorna el registro propietario de una cuenta.
//
// Retorna false si ningún adaptador conectado atiende la cuenta.
func (r *AccountRegistry) GetOwner(accountID string) (OwnershipRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, found := r.accountToOwner[accountID]
	if !found {
		return OwnershipRecord{}, false
	}
	return *record, true
}

// GetAccountsBySession retorna las cuentas de una sesión, ordenadas.
func (r *AccountRegistry) GetAccountsBySession(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	accounts := r.sessionToAccounts[sessionID]
	result := make([]string, len(accounts))
	copy(result, accounts)
	sort.Strings(result)
	return result
}

// GetStats retorna estadísticas del registry.
func (r *AccountRegistry) GetStats() (totalAccounts int, totalSessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.accountToOwner), len(r.sessionToAccounts)
}

// removeAccountFromSession elimina una cuenta del índice inverso.
//
// DEBE llamarse con lock ya adquirido.
func (r *AccountRegistry) removeAccountFromSession(sessionID, accountID string) {
	accounts := r.sessionToAccounts[sessionID]
	for i, acc := range accounts {
		if acc == accountID {
			accounts[i] = accounts[len(accounts)-1]
			r.sessionToAccounts[sessionID] = accounts[:len(accounts)-1]
			break
		}
	}

	if len(r.sessionToAccounts[sessionID]) == 0 {
		delete(r.sessionToAccounts, sessionID)
	}
}
