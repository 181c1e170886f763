package utils

import (
	"time"
)

// ElapsedMsSince calcula los milisegundos transcurridos entre start y now.
//
// Example:
//
//	start := clock.Now()
//	// ... operación ...
//	elapsed := utils.ElapsedMsSince(start, clock.Now())
func ElapsedMsSince(start, now time.Time) int64 {
	return now.Sub(start).Milliseconds()
}

// DurationMs convierte milisegundos de configuración a time.Duration.
func DurationMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
