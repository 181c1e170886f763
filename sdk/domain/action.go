package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind comando de enforcement hacia el adaptador.
type ActionKind string

const (
	ActionClosePosition     ActionKind = "close_position"
	ActionCloseAllPositions ActionKind = "close_all_positions"
	ActionCancelOrders      ActionKind = "cancel_orders"
	ActionReduceToLimit     ActionKind = "reduce_to_limit"
	ActionFlattenAndCancel  ActionKind = "flatten_and_cancel"
)

// ActionPriority prioridad dentro del grupo de una cuenta (mayor primero).
type ActionPriority int

const (
	PriorityTradeByTrade ActionPriority = iota
	PriorityCooldown
	PriorityHardLockout
)

func (p ActionPriority) String() string {
	switch p {
	case PriorityHardLockout:
		return "hard_lockout"
	case PriorityCooldown:
		return "cooldown"
	default:
		return "trade_by_trade"
	}
}

// EnforcementAction comando a ejecutar exactamente una vez por la Action Queue.
type EnforcementAction struct {
	ActionID      string          `json:"action_id"`
	Kind          ActionKind      `json:"kind"`
	AccountID     string          `json:"account_id"`
	Instrument    string          `json:"instrument,omitempty"`
	TargetSize    decimal.Decimal `json:"target_size"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	RuleID        string          `json:"rule_id,omitempty"`
	Priority      ActionPriority  `json:"priority"`
	Reason        string          `json:"reason,omitempty"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// ActionResult resultado estructurado de un comando.
type ActionResult struct {
	Success         bool            `json:"success"`
	ClosedPositions int             `json:"closed_positions"`
	CanceledOrders  int             `json:"canceled_orders"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	ErrorCode       ErrorCode       `json:"error_code,omitempty"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
}

// ActionOutcome resultado terminal de una acción (éxito o fallo agotado).
type ActionOutcome struct {
	Action    EnforcementAction `json:"action"`
	Result    ActionResult      `json:"result"`
	Attempts  int               `json:"attempts"`
	Err       string            `json:"error,omitempty"`
	SettledAt time.Time         `json:"settled_at"`
}

// Failed indica si la acción terminó sin éxito.
func (o ActionOutcome) Failed() bool {
	return o.Err != "" || !o.Result.Success
}
