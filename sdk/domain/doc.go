// Package domain contiene los tipos de dominio, puertos y validaciones de Guard.
//
// # Responsabilidades
//
// - Modelo de bloqueos (Lockout), timers durables, agregados diarios
// - Eventos entrantes del adaptador de trading y acciones de enforcement salientes
// - Veredictos de reglas (RuleViolation) y políticas de bloqueo por regla
// - Puertos de persistencia (Store) y de enforcement (Enforcer)
// - Sistema de errores del dominio
//
// # Políticas de bloqueo
//
// Las políticas se decodifican una sola vez al cargar la configuración:
//
//	policy, err := domain.ParseLockoutPolicy("cooldown:15m")
//	if err != nil {
//	    // configuración inválida: fatal al arrancar
//	}
//
// # Expiración
//
// Un Lockout expira en un instante absoluto, en el próximo reset o nunca:
//
//	domain.ExpiryAt(now.Add(time.Hour))
//	domain.ExpiryUntilReset()
//	domain.ExpiryPermanent()
package domain
