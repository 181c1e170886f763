package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestEvent_IsExposureIncrease(t *testing.T) {
	cases := []struct {
		name  string
		event Event
		want  bool
	}{
		{"opened", Event{Kind: EventPositionOpened}, true},
		{"order", Event{Kind: EventOrderPlaced}, true},
		{"grown", Event{Kind: EventPositionUpdated, Size: decimal.NewFromInt(3), PreviousSize: decimal.NewFromInt(2)}, true},
		{"short grown", Event{Kind: EventPositionUpdated, Size: decimal.NewFromInt(-3), PreviousSize: decimal.NewFromInt(-1)}, true},
		{"reduced", Event{Kind: EventPositionUpdated, Size: decimal.NewFromInt(1), PreviousSize: decimal.NewFromInt(2)}, false},
		{"opening fill", Event{Kind: EventTradeExecuted, Opening: true}, true},
		{"closing fill", Event{Kind: EventTradeExecuted}, false},
		{"closed", Event{Kind: EventPositionClosed}, false},
		{"quote", Event{Kind: EventQuoteUpdate}, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.event.IsExposureIncrease(), tc.name)
	}
}

func TestEvent_CarriesRealizedPnL(t *testing.T) {
	assert.True(t, (&Event{Kind: EventPositionClosed}).CarriesRealizedPnL())
	assert.False(t, (&Event{Kind: EventPositionClosed, CommandID: "cmd-1"}).CarriesRealizedPnL())
	assert.False(t, (&Event{Kind: EventTradeExecuted, Opening: true}).CarriesRealizedPnL())
}

func TestValidateEvent(t *testing.T) {
	assert.Error(t, ValidateEvent(nil))
	assert.Error(t, ValidateEvent(&Event{Kind: EventPositionOpened}))
	assert.Error(t, ValidateEvent(&Event{Kind: "bogus", AccountID: "ACC1"}))
	assert.Error(t, ValidateEvent(&Event{Kind: EventPositionOpened, AccountID: "ACC1"}))
	assert.NoError(t, ValidateEvent(&Event{Kind: EventPositionOpened, AccountID: "ACC1", Instrument: "ESZ6", Size: decimal.NewFromInt(1)}))
	assert.NoError(t, ValidateEvent(&Event{Kind: EventQuoteUpdate, AccountID: "ACC1"}))
}

func TestValidateAction(t *testing.T) {
	assert.Error(t, ValidateAction(&EnforcementAction{Kind: ActionClosePosition, AccountID: "ACC1"}))
	assert.Error(t, ValidateAction(&EnforcementAction{Kind: "explode", AccountID: "ACC1"}))
	assert.NoError(t, ValidateAction(&EnforcementAction{Kind: ActionCloseAllPositions, AccountID: "ACC1"}))
}

func TestParseScheduleInputs(t *testing.T) {
	h, m, err := ParseTimeOfDay("17:05")
	assert.NoError(t, err)
	assert.Equal(t, 17, h)
	assert.Equal(t, 5, m)

	_, _, err = ParseTimeOfDay("25:00")
	assert.True(t, HasCode(err, ErrInvalidTimeOfDay))

	_, err = ParseHoliday("2026-13-01")
	assert.True(t, HasCode(err, ErrInvalidHoliday))

	_, err = LoadTimezone("Mars/Olympus")
	assert.True(t, HasCode(err, ErrInvalidTimezone))
}
