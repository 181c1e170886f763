package semconv

import "go.opentelemetry.io/otel/attribute"

// Guard contiene atributos semánticos específicos de guard.
//
// # Identificadores
//
//   - guard.account_id: cuenta monitoreada
//   - guard.event_id / guard.event_kind: evento entrante
//   - guard.action_id / guard.action_kind: acción de enforcement
//   - guard.correlation_id: vínculo violación → acciones
//   - guard.rule_id: regla que reportó la violación
//   - guard.timer_name: timer durable
//
// # Estado
//
//   - guard.lockout_kind / guard.expiry: bloqueo aplicado
//   - guard.clear_origin: operator/timer/sweep/reset
//   - guard.priority: prioridad de la acción
//   - guard.status / guard.error_code / guard.component
var Guard = guardAttributes{
	// Identificadores
	AccountID:     attribute.Key("guard.account_id"),
	EventID:       attribute.Key("guard.event_id"),
	EventKind:     attribute.Key("guard.event_kind"),
	ActionID:      attribute.Key("guard.action_id"),
	ActionKind:    attribute.Key("guard.action_kind"),
	CorrelationID: attribute.Key("guard.correlation_id"),
	RuleID:        attribute.Key("guard.rule_id"),
	TimerName:     attribute.Key("guard.timer_name"),
	TimerKind:     attribute.Key("guard.timer_kind"),
	Instrument:    attribute.Key("guard.instrument"),
	AdapterID:     attribute.Key("guard.adapter_id"),

	// Bloqueos
	LockoutKind: attribute.Key("guard.lockout_kind"),
	Expiry:      attribute.Key("guard.expiry"),
	ClearOrigin: attribute.Key("guard.clear_origin"),
	Reason:      attribute.Key("guard.reason"),
	Period:      attribute.Key("guard.period"),

	// Acciones
	Priority: attribute.Key("guard.priority"),
	Attempt:  attribute.Key("guard.attempt"),

	// Estado
	Status:    attribute.Key("guard.status"),
	ErrorCode: attribute.Key("guard.error_code"),
	Component: attribute.Key("guard.component"),
	Alert:     attribute.Key("guard.alert"),
}

type guardAttributes struct {
	AccountID     attribute.Key
	EventID       attribute.Key
	EventKind     attribute.Key
	ActionID      attribute.Key
	ActionKind    attribute.Key
	CorrelationID attribute.Key
	RuleID        attribute.Key
	TimerName     attribute.Key
	TimerKind     attribute.Key
	Instrument    attribute.Key
	AdapterID     attribute.Key

	LockoutKind attribute.Key
	Expiry      attribute.Key // at:<rfc3339> | until_reset | permanent
	ClearOrigin attribute.Key
	Reason      attribute.Key
	Period      attribute.Key // YYYY-MM-DD del período de reset

	Priority attribute.Key
	Attempt  attribute.Key

	Status    attribute.Key // success/failed/retry
	ErrorCode attribute.Key
	Component attribute.Key
	Alert     attribute.Key // critical/warning
}

// ComponentValues valores válidos para guard.component
var ComponentValues = struct {
	Core     string
	Router   string
	Lockout  string
	Timers   string
	Reset    string
	Queue    string
	Gateway  string
	Store    string
	Operator string
}{
	Core:     "core",
	Router:   "router",
	Lockout:  "lockout_manager",
	Timers:   "timer_manager",
	Reset:    "reset_scheduler",
	Queue:    "action_queue",
	Gateway:  "gateway",
	Store:    "store",
	Operator: "operator",
}

// StatusValues valores válidos para guard.status
var StatusValues = struct {
	Success string
	Failed  string
	Retry   string
	Skipped string
}{
	Success: "success",
	Failed:  "failed",
	Retry:   "retry",
	Skipped: "skipped",
}

// AlertValues severidad de alertas al operador
var AlertValues = struct {
	Critical string
	Warning  string
}{
	Critical: "critical",
	Warning:  "warning",
}
