package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind variante de evento emitido por el adaptador.
type EventKind string

const (
	EventPositionOpened  EventKind = "position_opened"
	EventPositionUpdated EventKind = "position_updated"
	EventPositionClosed  EventKind = "position_closed"
	EventOrderPlaced     EventKind = "order_placed"
	EventTradeExecuted   EventKind = "trade_executed"
	EventQuoteUpdate     EventKind = "quote_update"
)

// Valid indica si el kind es conocido.
func (k EventKind) Valid() bool {
	switch k {
	case EventPositionOpened, EventPositionUpdated, EventPositionClosed,
		EventOrderPlaced, EventTradeExecuted, EventQuoteUpdate:
		return true
	}
	return false
}

// Event evento de dominio entrante (unión etiquetada por Kind).
//
// Campos por kind:
//   - position_opened: Instrument, Size, Price
//   - position_updated: Instrument, Size, PreviousSize, Price
//   - position_closed: Instrument, Size, Price, RealizedPnL, CommandID si lo
//     produjo un comando de enforcement
//   - order_placed: Instrument, Size, OrderType, StopPrice
//   - trade_executed: Instrument, Size, Price, RealizedPnL, Opening
//   - quote_update: Instrument, Price
type Event struct {
	EventID       string          `json:"event_id"`
	Kind          EventKind       `json:"kind"`
	AccountID     string          `json:"account_id"`
	Instrument    string          `json:"instrument,omitempty"`
	Size          decimal.Decimal `json:"size"`
	PreviousSize  decimal.Decimal `json:"previous_size"`
	Price         decimal.Decimal `json:"price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OrderType     string          `json:"order_type,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	CommandID     string          `json:"command_id,omitempty"`
	Opening       bool            `json:"opening,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// IsExposureIncrease indica si el evento abre o aumenta exposición.
func (e *Event) IsExposureIncrease() bool {
	switch e.Kind {
	case EventPositionOpened, EventOrderPlaced:
		return true
	case EventPositionUpdated:
		return e.Size.Abs().GreaterThan(e.PreviousSize.Abs())
	case EventTradeExecuted:
		return e.Opening
	default:
		return false
	}
}

// CarriesRealizedPnL indica si el evento aporta P&L realizado al agregado.
//
// Los cierres producidos por un comando de enforcement ya se contabilizan al
// liquidar la acción, por eso se excluyen aquí.
func (e *Event) CarriesRealizedPnL() bool {
	switch e.Kind {
	case EventPositionClosed:
		return e.CommandID == ""
	case EventTradeExecuted:
		return !e.Opening && e.CommandID == ""
	}
	return false
}

// CountsAsTrade indica si el evento incrementa el contador de trades.
func (e *Event) CountsAsTrade() bool {
	return e.Kind == EventTradeExecuted
}
