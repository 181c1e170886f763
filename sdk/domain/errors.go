package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode representa un código de error del dominio de Guard.
type ErrorCode string

// Códigos de error estándar
const (
	// ErrNoError indica éxito (sin error)
	ErrNoError ErrorCode = "NO_ERROR"

	// Errores de configuración (fatales al arrancar)
	ErrInvalidTimezone   ErrorCode = "INVALID_TIMEZONE"
	ErrInvalidDuration   ErrorCode = "INVALID_DURATION"
	ErrInvalidHoliday    ErrorCode = "INVALID_HOLIDAY"
	ErrInvalidTimeOfDay  ErrorCode = "INVALID_TIME_OF_DAY"
	ErrInvalidRulePolicy ErrorCode = "INVALID_RULE_POLICY"
	ErrInvalidConfig     ErrorCode = "INVALID_CONFIG"

	// Errores de persistencia
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// Errores de enforcement
	ErrEnforcementFailed  ErrorCode = "ENFORCEMENT_FAILED"
	ErrAdapterUnavailable ErrorCode = "ADAPTER_UNAVAILABLE"
	ErrAdapterRejected    ErrorCode = "ADAPTER_REJECTED"
	ErrTimeout            ErrorCode = "TIMEOUT"

	// Errores de bloqueo
	ErrManualClearForbidden ErrorCode = "MANUAL_CLEAR_FORBIDDEN"
	ErrNotFound             ErrorCode = "NOT_FOUND"

	// Errores de validación
	ErrInvalidAccount ErrorCode = "INVALID_ACCOUNT"
	ErrInvalidEvent   ErrorCode = "INVALID_EVENT"
	ErrInvalidAction  ErrorCode = "INVALID_ACTION"

	ErrUnknown ErrorCode = "UNKNOWN"
)

// GuardError representa un error del dominio con contexto.
type GuardError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Wrapped error
}

// Error implementa la interfaz error.
func (e *GuardError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implementa la interfaz errors.Unwrap.
func (e *GuardError) Unwrap() error {
	return e.Wrapped
}

// Is compara por código, permitiendo errors.Is(err, domain.NewError(code, "")).
func (e *GuardError) Is(target error) bool {
	var other *GuardError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithDetail agrega un detalle al error.
func (e *GuardError) WithDetail(key string, value interface{}) *GuardError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewError crea un nuevo GuardError.
//
// Example:
//
//	err := domain.NewError(domain.ErrInvalidTimezone, "unknown zone America/Nowhere")
func NewError(code ErrorCode, message string) *GuardError {
	return &GuardError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError envuelve un error existente con contexto del dominio.
//
// Example:
//
//	err := domain.WrapError(domain.ErrStoreUnavailable, "persist lockout", originalErr)
func WrapError(code ErrorCode, message string, wrapped error) *GuardError {
	return &GuardError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Wrapped: wrapped,
	}
}

// CodeOf extrae el ErrorCode de la cadena de errores; ErrUnknown si no hay.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrNoError
	}
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ErrUnknown
}

// HasCode indica si algún GuardError de la cadena tiene el código dado.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ErrorCodeString retorna una representación string del error code.
func ErrorCodeString(code ErrorCode) string {
	return string(code)
}

// IsRetryable indica si un error es retriable (puede reintentarse).
func IsRetryable(code ErrorCode) bool {
	switch code {
	case ErrStoreUnavailable, ErrAdapterUnavailable, ErrTimeout, ErrEnforcementFailed, ErrUnknown:
		return true
	default:
		return false
	}
}

// IsFatal indica si un error es fatal (no se debe reintentar).
func IsFatal(code ErrorCode) bool {
	switch code {
	case ErrInvalidTimezone, ErrInvalidDuration, ErrInvalidHoliday, ErrInvalidTimeOfDay,
		ErrInvalidRulePolicy, ErrInvalidConfig, ErrInvalidAccount, ErrInvalidAction,
		ErrAdapterRejected, ErrManualClearForbidden:
		return true
	default:
		return false
	}
}

// ErrorFromAdapterCode convierte el código textual que reporta el adaptador.
//
// Códigos desconocidos se tratan como fallo de enforcement (retriable).
func ErrorFromAdapterCode(raw string) ErrorCode {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "OK", string(ErrNoError):
		return ErrNoError
	case "TIMEOUT", "DEADLINE_EXCEEDED":
		return ErrTimeout
	case "UNAVAILABLE", "DISCONNECTED", "BUSY":
		return ErrAdapterUnavailable
	case "REJECTED", "INVALID_ACCOUNT", "UNKNOWN_INSTRUMENT", "PERMISSION_DENIED":
		return ErrAdapterRejected
	case "NOT_FOUND", "NO_POSITION":
		return ErrNotFound
	default:
		return ErrEnforcementFailed
	}
}
