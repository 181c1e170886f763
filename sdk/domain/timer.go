package domain

import (
	"fmt"
	"time"
)

// TimerKind etiqueta serializable de lo que debe ocurrir al disparar un timer.
type TimerKind string

const (
	// TimerClearLockout libera el bloqueo de TimerPayload.AccountID.
	TimerClearLockout TimerKind = "clear_lockout"
	// TimerFireReset ejecuta el reset diario.
	TimerFireReset TimerKind = "fire_reset"
)

// Valid indica si el kind es conocido.
func (k TimerKind) Valid() bool {
	return k == TimerClearLockout || k == TimerFireReset
}

// TimerPayload valor etiquetado persistido junto al timer.
//
// Reemplaza al closure: tras un reinicio, el dueño del kind lo interpreta
// mediante una tabla de dispatch fija.
type TimerPayload struct {
	Kind      TimerKind `json:"kind"`
	AccountID string    `json:"account_id,omitempty"`
}

func (p TimerPayload) String() string {
	if p.AccountID == "" {
		return string(p.Kind)
	}
	return fmt.Sprintf("%s(%s)", p.Kind, p.AccountID)
}

// Timer registro durable de un callback futuro.
type Timer struct {
	Name      string       `json:"name"`
	AccountID string       `json:"account_id,omitempty"`
	FireAt    time.Time    `json:"fire_at"`
	Payload   TimerPayload `json:"payload"`
	CreatedAt time.Time    `json:"created_at"`
}

// Nombres de timers conocidos.
const (
	ResetTimerName = "reset:daily"
)

// LockoutTimerName nombre único del timer de expiración de bloqueo de una cuenta.
func LockoutTimerName(accountID string) string {
	return "lockout:" + accountID
}
