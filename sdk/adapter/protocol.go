// Package adapter define el protocolo del stream Core ↔ adaptador de broker y
// un cliente para adaptadores escritos en Go.
//
// El stream es bidireccional (guard.v1.AdapterGateway/Connect) y transporta
// sobres structpb {type, payload} sin código generado:
//
//	adaptador → core: hello, event, command_result
//	core → adaptador: welcome, command, rejected
package adapter

import (
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"

	"github.com/xKoRx/guard/sdk/domain"
)

// Nombres del servicio gRPC descrito a mano.
const (
	ServiceName   = "guard.v1.AdapterGateway"
	StreamName    = "Connect"
	ConnectMethod = "/" + ServiceName + "/" + StreamName
)

// Tipos de sobre.
const (
	TypeHello         = "hello"
	TypeWelcome       = "welcome"
	TypeEvent         = "event"
	TypeCommand       = "command"
	TypeCommandResult = "command_result"
	TypeRejected      = "rejected"
)

// StreamDesc descriptor del stream Connect (lado cliente).
var StreamDesc = grpc.StreamDesc{
	StreamName:    StreamName,
	ServerStreams: true,
	ClientStreams: true,
}

// Hello primer mensaje del adaptador: identidad y cuentas que atiende.
type Hello struct {
	AdapterID string   `json:"adapter_id"`
	Accounts  []string `json:"accounts"`
	Version   string   `json:"version,omitempty"`
}

// Welcome confirma el registro del adaptador.
type Welcome struct {
	AdapterID string   `json:"adapter_id"`
	Accounts  []string `json:"accounts"`
}

// Command comando de enforcement enviado al adaptador.
type Command struct {
	CommandID  string            `json:"command_id"`
	Kind       domain.ActionKind `json:"kind"`
	AccountID  string            `json:"account_id"`
	Instrument string            `json:"instrument,omitempty"`
	TargetSize decimal.Decimal   `json:"target_size"`
	// TimeoutMs plazo del Core para el resultado; el adaptador corta el handler al vencer.
	TimeoutMs  int64             `json:"timeout_ms,omitempty"`
}

// CommandResult respuesta del adaptador a un Command.
//
// ErrorCode usa los códigos textuales del adaptador (ver domain.ErrorFromAdapterCode).
type CommandResult struct {
	CommandID       string          `json:"command_id"`
	Success         bool            `json:"success"`
	ClosedPositions int             `json:"closed_positions"`
	CanceledOrders  int             `json:"canceled_orders"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
}

// ActionResult traduce la respuesta al resultado de dominio.
func (r CommandResult) ActionResult() domain.ActionResult {
	res := domain.ActionResult{
		Success:         r.Success,
		ClosedPositions: r.ClosedPositions,
		CanceledOrders:  r.CanceledOrders,
		RealizedPnL:     r.RealizedPnL,
		ErrorDetail:     r.ErrorDetail,
	}
	if code := domain.ErrorFromAdapterCode(r.ErrorCode); code != domain.ErrNoError {
		res.ErrorCode = code
	} else if !r.Success {
		res.ErrorCode = domain.ErrEnforcementFailed
	}
	return res
}

// Rejected notifica que el Core descartó un mensaje del adaptador.
type Rejected struct {
	Ref    string           `json:"ref,omitempty"` // event_id o command_id
	Code   domain.ErrorCode `json:"code"`
	Reason string           `json:"reason"`
}
