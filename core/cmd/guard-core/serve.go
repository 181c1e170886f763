package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xKoRx/guard/core/internal"
)

func loadConfig(ctx context.Context) (*internal.Config, error) {
	if configFile != "" {
		return internal.LoadConfigFile(configFile)
	}
	return internal.LoadConfig(ctx)
}

func newServeCmd() *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the guard core until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			core, err := internal.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("create core: %w", err)
			}

			shutdown := func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return core.Shutdown(shutdownCtx)
			}

			if err := core.Start(); err != nil {
				_ = shutdown()
				return fmt.Errorf("start core: %w", err)
			}

			waitErr := make(chan error, 1)
			go func() { waitErr <- core.Wait() }()

			select {
			case <-ctx.Done():
			case err = <-waitErr:
			}

			if serr := shutdown(); serr != nil && err == nil {
				err = serr
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "grace period to drain router and action queue")
	return cmd
}
