// Package etcd proporciona un cliente para leer la configuración de guard desde ETCD.
//
// Estructura de claves:
// El cliente sigue el patrón de ruta `/APP/ENV/VAR_KEY` donde:
//   - `APP`: Nombre de la aplicación (default: guard)
//   - `ENV`: Entorno (development, testing, production), variable ENV
//   - `VAR_KEY`: Clave de la variable (p.ej. reset/timezone, rules/daily_loss)
//
// Endpoints: variable ETCD_ENDPOINTS (lista separada por comas).
//
// Ejemplo básico de uso:
//
//	client, err := etcd.New(
//		etcd.WithApp("guard"),
//		etcd.WithEnv("development"),
//		etcd.WithTimeout(5 * time.Second),
//	)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	tz, _ := client.GetVarWithDefault(ctx, "reset/timezone", "America/New_York")
//	rules, _ := client.ListPrefix(ctx, "rules/")
//
// Para observar cambios (p.ej. clears de operador):
//
//	events, err := client.WatchPrefix(ctx, "operator/clear/")
package etcd
