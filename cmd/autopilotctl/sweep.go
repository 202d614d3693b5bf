package main

import (
	"context"

	"github.com/spf13/cobra"

	"autopilot-orchestrator/internal/app"
	"autopilot-orchestrator/internal/sweep"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass",
	Long: `Run one maintenance pass and print its report.

  stuck       fail in-progress jobs with no progress past STUCK_JOB_TIMEOUT and re-admit them
  redispatch  re-enqueue pending jobs older than PENDING_GRACE
  recurring   admit this hour's metrics, token refresh and publish polling per tenant`,
}

func sweepCommand(use, short string, pass func(*sweep.Sweeper) func(context.Context) (sweep.Report, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				rep, err := pass(a.Sweeper())(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func init() {
	sweepCmd.AddCommand(
		sweepCommand("stuck", "Fail and re-admit abandoned jobs", func(s *sweep.Sweeper) func(context.Context) (sweep.Report, error) { return s.Stuck }),
		sweepCommand("redispatch", "Re-enqueue pending jobs the queue lost", func(s *sweep.Sweeper) func(context.Context) (sweep.Report, error) { return s.Redispatch }),
		sweepCommand("recurring", "Admit hourly per-tenant work", func(s *sweep.Sweeper) func(context.Context) (sweep.Report, error) { return s.Recurring }),
	)
	rootCmd.AddCommand(sweepCmd)
}
