// Package utils provee utilidades comunes para el SDK de Guard.
//
// # Utilidades Incluidas
//
// - UUID: Generación de UUIDv7 ordenables por tiempo (action_id, correlation_id)
// - Timestamp: milisegundos de configuración y del wire del gateway
//
// # Uso de UUID
//
//	id := utils.GenerateUUIDv7()
//
// # Uso de Timestamp
//
//	timeout := utils.DurationMs(cmd.TimeoutMs)
//	late := utils.ElapsedMsSince(scheduledAt, clock.Now())
package utils
