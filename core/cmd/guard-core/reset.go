package main

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/xKoRx/guard/core/internal"
	"github.com/xKoRx/guard/sdk/telemetry"
)

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Daily reset calendar",
	}

	var (
		count int
		from  string
	)
	next := &cobra.Command{
		Use:   "next",
		Short: "Print the upcoming daily reset instants (holidays skipped)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Reset.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "daily reset disabled")
				return nil
			}

			now := clockwork.NewRealClock().Now()
			if from != "" {
				if now, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from must be RFC3339: %w", err)
				}
			}

			tel := telemetry.NewNop()
			rs, err := internal.NewResetScheduler(cfg.Reset, nil, nil, nil, nil, clockwork.NewFakeClockAt(now), tel, tel.GuardMetrics())
			if err != nil {
				return err
			}

			at := rs.UpcomingReset(now)
			for i := 0; i < count; i++ {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  period=%s  (in %s)\n",
					at.In(rs.Location()).Format(time.RFC3339),
					rs.PeriodLabel(at),
					at.Sub(now).Round(time.Minute),
				)
				at = rs.NextResetInstant(at)
			}
			return nil
		},
	}
	next.Flags().IntVar(&count, "count", 5, "number of resets to print")
	next.Flags().StringVar(&from, "from", "", "reference instant (RFC3339, default now)")
	cmd.AddCommand(next)
	return cmd
}
