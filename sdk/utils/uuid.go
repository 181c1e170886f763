// Package utils provee utilidades comunes para el SDK de Guard
package utils

import (
	"github.com/google/uuid"
)

// GenerateUUIDv7 genera un UUID v7 (ordenable por tiempo)
//
// UUIDv7 usa los primeros 48 bits para timestamp Unix ms,
// seguido de bits random, permitiendo orden cronológico.
//
// Example:
//
//	id := utils.GenerateUUIDv7()
//	// => "0192f0c4-8a3e-7c1d-9b2f-4e5a6b7c8d9e"
func GenerateUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// crypto/rand agotado: v4 sigue siendo único aunque no ordenable
		return uuid.NewString()
	}
	return id.String()
}

// IsUUIDv7 indica si s es un UUID válido de versión 7.
func IsUUIDv7(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 7
}
