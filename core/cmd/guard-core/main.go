// Command guard-core ejecuta el motor de bloqueos y expone herramientas de operación.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "guard-core",
	Short: "Account lockout, timer and daily reset engine for trading accounts",
	Long: `guard-core enforces per-account trading lockouts.

It provides:
  - serve: the core process (adapter gateway, event router, action queue)
  - status: snapshot of a running core through the operator API
  - lockout: list, set and clear lockouts
  - reset: upcoming daily reset instants for the configured calendar
  - operator: operator API tokens

Configuration comes from ETCD (/guard/{ENV}/) or from a YAML file (--config).`,
	SilenceUsage: true,
}

// configFile ruta YAML global; vacía = ETCD.
var configFile string

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (default: ETCD namespace /guard/{ENV}/)")

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newLockoutCmd(),
		newResetCmd(),
		newOperatorCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
