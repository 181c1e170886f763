package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LockoutKind identifica el tipo de bloqueo de una cuenta.
type LockoutKind string

const (
	// LockoutKindHard bloqueo hasta reset, instante absoluto o permanente.
	LockoutKindHard LockoutKind = "hard"
	// LockoutKindCooldown bloqueo acotado por duración, expira solo.
	LockoutKindCooldown LockoutKind = "cooldown"
)

// ExpiryMode modo de expiración de un bloqueo.
type ExpiryMode string

const (
	ExpiryModeAt         ExpiryMode = "at"          // Instante absoluto
	ExpiryModeUntilReset ExpiryMode = "until_reset" // Hasta el próximo reset diario
	ExpiryModePermanent  ExpiryMode = "permanent"   // Requiere clear manual
)

// Expiry política de expiración de un Lockout.
//
// Construir siempre con ExpiryAt, ExpiryUntilReset o ExpiryPermanent.
type Expiry struct {
	Mode ExpiryMode `json:"mode"`
	At   time.Time  `json:"at,omitempty"`
}

// ExpiryAt expira en el instante t.
func ExpiryAt(t time.Time) Expiry {
	return Expiry{Mode: ExpiryModeAt, At: t}
}

// ExpiryUntilReset expira en el próximo reset programado.
func ExpiryUntilReset() Expiry {
	return Expiry{Mode: ExpiryModeUntilReset}
}

// ExpiryPermanent no expira; solo un operador puede liberarlo.
func ExpiryPermanent() Expiry {
	return Expiry{Mode: ExpiryModePermanent}
}

// Expired indica si la expiración temporal ya pasó en now.
//
// Los modos until_reset y permanent nunca expiran por reloj.
func (e Expiry) Expired(now time.Time) bool {
	return e.Mode == ExpiryModeAt && !now.Before(e.At)
}

// Validate verifica que el modo sea conocido.
func (e Expiry) Validate() error {
	switch e.Mode {
	case ExpiryModeAt:
		if e.At.IsZero() {
			return NewValidationError("expiry.at", e.At, "absolute expiry requires a timestamp")
		}
		return nil
	case ExpiryModeUntilReset, ExpiryModePermanent:
		return nil
	default:
		return NewValidationError("expiry.mode", e.Mode, "unknown expiry mode")
	}
}

func (e Expiry) String() string {
	if e.Mode == ExpiryModeAt {
		return fmt.Sprintf("at:%s", e.At.UTC().Format(time.RFC3339))
	}
	return string(e.Mode)
}

// ClearOrigin origen de una liberación de bloqueo.
type ClearOrigin string

const (
	ClearOriginOperator ClearOrigin = "operator"
	ClearOriginTimer    ClearOrigin = "timer"
	ClearOriginSweep    ClearOrigin = "sweep"
	ClearOriginReset    ClearOrigin = "reset"
)

// Lockout restricción activa (o histórica) sobre una cuenta.
//
// Invariante: como máximo un Lockout activo por cuenta. Un nuevo bloqueo
// reemplaza al anterior (last-write-wins), nunca se apilan.
type Lockout struct {
	AccountID string      `json:"account_id"`
	Kind      LockoutKind `json:"kind"`
	Reason    string      `json:"reason"`
	RuleID    string      `json:"rule_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	Expiry    Expiry      `json:"expiry"`
	Active    bool        `json:"active"`

	ClearedAt *time.Time  `json:"cleared_at,omitempty"`
	ClearedBy ClearOrigin `json:"cleared_by,omitempty"`
}

// Clone retorna una copia independiente.
func (l *Lockout) Clone() *Lockout {
	if l == nil {
		return nil
	}
	cp := *l
	if l.ClearedAt != nil {
		t := *l.ClearedAt
		cp.ClearedAt = &t
	}
	return &cp
}

// InForce indica si el bloqueo restringe la cuenta en now.
func (l *Lockout) InForce(now time.Time) bool {
	return l != nil && l.Active && !l.Expiry.Expired(now)
}

// Remaining tiempo restante; ok=false si la expiración no es temporal.
func (l *Lockout) Remaining(now time.Time) (time.Duration, bool) {
	if l == nil || l.Expiry.Mode != ExpiryModeAt {
		return 0, false
	}
	remaining := l.Expiry.At.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Info construye la vista de observabilidad del bloqueo.
func (l *Lockout) Info(now time.Time) LockoutInfo {
	info := LockoutInfo{
		AccountID: l.AccountID,
		Kind:      l.Kind,
		Reason:    l.Reason,
		RuleID:    l.RuleID,
		Expiry:    l.Expiry,
		CreatedAt: l.CreatedAt,
	}
	if remaining, ok := l.Remaining(now); ok {
		info.Remaining = &remaining
	}
	return info
}

// LockoutInfo vista de solo lectura para colaboradores de display/estado.
//
// Remaining es nil cuando el bloqueo dura hasta reset o es permanente.
type LockoutInfo struct {
	AccountID string         `json:"account_id"`
	Kind      LockoutKind    `json:"kind"`
	Reason    string         `json:"reason"`
	RuleID    string         `json:"rule_id,omitempty"`
	Expiry    Expiry         `json:"expiry"`
	CreatedAt time.Time      `json:"created_at"`
	Remaining *time.Duration `json:"remaining,omitempty"`
}

// PolicyKind variante de política de bloqueo asociada a una regla.
type PolicyKind string

const (
	PolicyKindNone     PolicyKind = "none"     // Trade-by-trade: sin bloqueo
	PolicyKindHard     PolicyKind = "hard"     // Hard lockout
	PolicyKindCooldown PolicyKind = "cooldown" // Cooldown por duración
)

// LockoutPolicy variante cerrada que describe qué bloqueo aplica una regla.
//
// Se decodifica y valida al cargar la configuración, nunca en el hot path.
//
//	none                 → sin bloqueo
//	hard:until_reset     → hard hasta el próximo reset
//	hard:permanent       → hard permanente (clear manual)
//	hard:<duración>      → hard con expiración absoluta now+duración
//	cooldown:<duración>  → cooldown de la duración indicada
type LockoutPolicy struct {
	Kind     PolicyKind    `json:"kind"`
	Mode     ExpiryMode    `json:"mode,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// NoLockPolicy política trade-by-trade.
func NoLockPolicy() LockoutPolicy { return LockoutPolicy{Kind: PolicyKindNone} }

// HardUntilResetPolicy hard lockout hasta el próximo reset.
func HardUntilResetPolicy() LockoutPolicy {
	return LockoutPolicy{Kind: PolicyKindHard, Mode: ExpiryModeUntilReset}
}

// HardPermanentPolicy hard lockout permanente.
func HardPermanentPolicy() LockoutPolicy {
	return LockoutPolicy{Kind: PolicyKindHard, Mode: ExpiryModePermanent}
}

// HardForPolicy hard lockout con expiración relativa.
func HardForPolicy(d time.Duration) LockoutPolicy {
	return LockoutPolicy{Kind: PolicyKindHard, Mode: ExpiryModeAt, Duration: d}
}

// CooldownPolicy cooldown de duración d.
func CooldownPolicy(d time.Duration) LockoutPolicy {
	return LockoutPolicy{Kind: PolicyKindCooldown, Duration: d}
}

// Locks indica si la política aplica algún bloqueo.
func (p LockoutPolicy) Locks() bool {
	return p.Kind == PolicyKindHard || p.Kind == PolicyKindCooldown
}

// Priority prioridad de las acciones derivadas de esta política.
func (p LockoutPolicy) Priority() ActionPriority {
	switch p.Kind {
	case PolicyKindHard:
		return PriorityHardLockout
	case PolicyKindCooldown:
		return PriorityCooldown
	default:
		return PriorityTradeByTrade
	}
}

// ExpiryFrom resuelve la expiración de un hard lockout aplicado en now.
func (p LockoutPolicy) ExpiryFrom(now time.Time) Expiry {
	switch p.Mode {
	case ExpiryModeUntilReset:
		return ExpiryUntilReset()
	case ExpiryModePermanent:
		return ExpiryPermanent()
	default:
		return ExpiryAt(now.Add(p.Duration))
	}
}

// Validate verifica la coherencia de la variante.
func (p LockoutPolicy) Validate() error {
	switch p.Kind {
	case PolicyKindNone:
		return nil
	case PolicyKindCooldown:
		if p.Duration < 0 {
			return NewError(ErrInvalidRulePolicy, "cooldown duration must not be negative")
		}
		return nil
	case PolicyKindHard:
		switch p.Mode {
		case ExpiryModeUntilReset, ExpiryModePermanent:
			return nil
		case ExpiryModeAt:
			if p.Duration <= 0 {
				return NewError(ErrInvalidRulePolicy, "timed hard lockout requires a positive duration")
			}
			return nil
		}
		return NewError(ErrInvalidRulePolicy, fmt.Sprintf("unknown hard lockout mode %q", p.Mode))
	default:
		return NewError(ErrInvalidRulePolicy, fmt.Sprintf("unknown policy kind %q", p.Kind))
	}
}

func (p LockoutPolicy) String() string {
	switch p.Kind {
	case PolicyKindHard:
		if p.Mode == ExpiryModeAt {
			return "hard:" + p.Duration.String()
		}
		return "hard:" + string(p.Mode)
	case PolicyKindCooldown:
		return "cooldown:" + p.Duration.String()
	default:
		return string(PolicyKindNone)
	}
}

// ParseLockoutPolicy decodifica la forma textual de configuración.
func ParseLockoutPolicy(raw string) (LockoutPolicy, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" || value == string(PolicyKindNone) {
		return NoLockPolicy(), nil
	}

	kind, arg, found := strings.Cut(value, ":")
	if !found || arg == "" {
		return LockoutPolicy{}, NewError(ErrInvalidRulePolicy, fmt.Sprintf("policy %q requires an argument", raw))
	}

	var policy LockoutPolicy
	switch PolicyKind(kind) {
	case PolicyKindHard:
		switch ExpiryMode(arg) {
		case ExpiryModeUntilReset:
			policy = HardUntilResetPolicy()
		case ExpiryModePermanent:
			policy = HardPermanentPolicy()
		default:
			d, err := time.ParseDuration(arg)
			if err != nil {
				return LockoutPolicy{}, WrapError(ErrInvalidDuration, fmt.Sprintf("policy %q", raw), err)
			}
			policy = HardForPolicy(d)
		}
	case PolicyKindCooldown:
		d, err := time.ParseDuration(arg)
		if err != nil {
			return LockoutPolicy{}, WrapError(ErrInvalidDuration, fmt.Sprintf("policy %q", raw), err)
		}
		policy = CooldownPolicy(d)
	default:
		return LockoutPolicy{}, NewError(ErrInvalidRulePolicy, fmt.Sprintf("unknown policy kind in %q", raw))
	}

	if err := policy.Validate(); err != nil {
		return LockoutPolicy{}, err
	}
	return policy, nil
}

// MarshalJSON serializa la política en su forma textual.
func (p LockoutPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON acepta la forma textual de configuración.
func (p *LockoutPolicy) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseLockoutPolicy(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
