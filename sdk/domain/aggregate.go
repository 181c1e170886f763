package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyAggregate contadores por cuenta del período de reset en curso.
//
// Period es la fecha local (YYYY-MM-DD) del reset que cierra el período.
type DailyAggregate struct {
	AccountID   string           `json:"account_id"`
	Period      string           `json:"period"`
	RealizedPnL decimal.Decimal  `json:"realized_pnl"`
	TradeCount  int64            `json:"trade_count"`
	Counters    map[string]int64 `json:"counters,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewDailyAggregate crea un agregado en cero para el período.
func NewDailyAggregate(accountID, period string) *DailyAggregate {
	return &DailyAggregate{
		AccountID:   accountID,
		Period:      period,
		RealizedPnL: decimal.Zero,
		Counters:    make(map[string]int64),
	}
}

// Clone retorna una copia independiente.
func (a *DailyAggregate) Clone() *DailyAggregate {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Counters = make(map[string]int64, len(a.Counters))
	for k, v := range a.Counters {
		cp.Counters[k] = v
	}
	return &cp
}

// AddRealized acumula P&L realizado.
func (a *DailyAggregate) AddRealized(pnl decimal.Decimal, at time.Time) {
	a.RealizedPnL = a.RealizedPnL.Add(pnl)
	a.UpdatedAt = at
}

// CountTrade incrementa el contador de trades.
func (a *DailyAggregate) CountTrade(at time.Time) {
	a.TradeCount++
	a.UpdatedAt = at
}

// Increment incrementa un contador con nombre libre (rule-scoped).
func (a *DailyAggregate) Increment(counter string, delta int64, at time.Time) {
	if a.Counters == nil {
		a.Counters = make(map[string]int64)
	}
	a.Counters[counter] += delta
	a.UpdatedAt = at
}

// Reset deja el agregado en cero y lo mueve al período indicado.
func (a *DailyAggregate) Reset(period string, at time.Time) {
	a.Period = period
	a.RealizedPnL = decimal.Zero
	a.TradeCount = 0
	a.Counters = make(map[string]int64)
	a.UpdatedAt = at
}
