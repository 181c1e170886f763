package internal

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// EventDedupe ventana de deduplicación de eventos por event_id.
//
// Mantiene un map de event_id → dedupeEntry con TTL. Un adaptador que se
// reconecta puede reenviar eventos ya entregados; dentro de la ventana se
// descartan. Thread-safe para acceso concurrente.
type EventDedupe struct {
	entries map[string]dedupeEntry
	mu      sync.RWMutex
	ttl     time.Duration
	clock   clockwork.Clock
}

type dedupeEntry struct {
	AccountID string
	SeenAt    time.Time
}

// NewEventDedupe crea la ventana. ttl <= 0 la deshabilita.
func NewEventDedupe(ttl time.Duration, clock clockwork.Clock) *EventDedupe {
	return &EventDedupe{
		entries: make(map[string]dedupeEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Enabled indica si la ventana está activa.
func (d *EventDedupe) Enabled() bool {
	return d != nil && d.ttl > 0
}

// Check verifica si un event_id ya fue entregado dentro de la ventana.
//
// Eventos sin id nunca son duplicados.
func (d *EventDedupe) Check(eventID string) bool {
	if !d.Enabled() || eventID == "" {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, exists := d.entries[eventID]
	return exists && d.clock.Since(entry.SeenAt) <= d.ttl
}

// Add registra un evento entregado.
func (d *EventDedupe) Add(eventID, accountID string) {
	if !d.Enabled() || eventID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[eventID] = dedupeEntry{AccountID: accountID, SeenAt: d.clock.Now()}
}

// Cleanup elimina entries con TTL expirado.
//
// Retorna el número de entries eliminadas.
func (d *EventDedupe) Cleanup() int {
	if !d.Enabled() {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	removed := 0
	for eventID, entry := range d.entries {
		if now.Sub(entry.SeenAt) > d.ttl {
			delete(d.entries, eventID)
			removed++
		}
	}
	return removed
}

// Size retorna el número de entries actuales.
func (d *EventDedupe) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
