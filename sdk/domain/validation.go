package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ValidationError representa un error de validación.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implementa la interfaz error.
func (v *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field '%s' with value '%v': %s", v.Field, v.Value, v.Message)
}

// NewValidationError crea un nuevo ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// ValidateAccountID valida el identificador de cuenta.
//
// Formato: 1-64 caracteres alfanuméricos, punto, guion, dos puntos o guion bajo.
func ValidateAccountID(accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return NewValidationError("account_id", accountID, "account_id cannot be empty")
	}
	if !accountIDPattern.MatchString(accountID) {
		return NewValidationError("account_id", accountID, "invalid account_id format")
	}
	return nil
}

// ValidateEvent valida un evento entrante antes de rutearlo.
func ValidateEvent(event *Event) error {
	if event == nil {
		return NewError(ErrInvalidEvent, "event is nil")
	}
	if err := ValidateAccountID(event.AccountID); err != nil {
		return WrapError(ErrInvalidAccount, "event account", err)
	}
	if !event.Kind.Valid() {
		return NewValidationError("kind", event.Kind, "unknown event kind")
	}
	switch event.Kind {
	case EventPositionOpened, EventPositionUpdated, EventPositionClosed, EventOrderPlaced:
		if event.Instrument == "" {
			return NewValidationError("instrument", event.Instrument, fmt.Sprintf("%s requires an instrument", event.Kind))
		}
	}
	if event.Size.IsNegative() {
		return NewValidationError("size", event.Size.String(), "size cannot be negative")
	}
	return nil
}

// ValidateAction valida una acción de enforcement antes de encolarla.
func ValidateAction(action *EnforcementAction) error {
	if action == nil {
		return NewError(ErrInvalidAction, "action is nil")
	}
	if err := ValidateAccountID(action.AccountID); err != nil {
		return WrapError(ErrInvalidAccount, "action account", err)
	}
	switch action.Kind {
	case ActionClosePosition:
		if action.Instrument == "" {
			return NewValidationError("instrument", action.Instrument, "close_position requires an instrument")
		}
	case ActionReduceToLimit:
		if action.Instrument == "" {
			return NewValidationError("instrument", action.Instrument, "reduce_to_limit requires an instrument")
		}
		if action.TargetSize.IsNegative() {
			return NewValidationError("target_size", action.TargetSize.String(), "target size cannot be negative")
		}
	case ActionCloseAllPositions, ActionCancelOrders, ActionFlattenAndCancel:
	default:
		return NewValidationError("kind", action.Kind, "unknown action kind")
	}
	return nil
}

// ParseTimeOfDay valida y decodifica "HH:MM" (24h).
func ParseTimeOfDay(raw string) (hour, minute int, err error) {
	t, parseErr := time.Parse("15:04", strings.TrimSpace(raw))
	if parseErr != nil {
		return 0, 0, WrapError(ErrInvalidTimeOfDay, fmt.Sprintf("time of day %q must be HH:MM", raw), parseErr)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseHoliday valida y decodifica una fecha "YYYY-MM-DD".
func ParseHoliday(raw string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, WrapError(ErrInvalidHoliday, fmt.Sprintf("holiday %q must be YYYY-MM-DD", raw), err)
	}
	return d, nil
}

// LoadTimezone valida un identificador IANA.
func LoadTimezone(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return nil, NewError(ErrInvalidTimezone, "timezone cannot be empty")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, WrapError(ErrInvalidTimezone, fmt.Sprintf("unknown timezone %q", name), err)
	}
	return loc, nil
}
