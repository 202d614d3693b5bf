package main

import (
	"context"

	"github.com/spf13/cobra"

	"autopilot-orchestrator/internal/app"
)

var showRuns bool

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a job and, with --runs, its run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			job, err := a.Ledger.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !showRuns {
				return printJSON(cmd.OutOrStdout(), job)
			}
			runs, err := a.Ledger.Runs(ctx, job.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"job": job, "runs": runs})
		})
	},
}

func init() {
	jobShowCmd.Flags().BoolVar(&showRuns, "runs", true, "Include the run history")
	jobCmd.AddCommand(jobShowCmd)
	rootCmd.AddCommand(jobCmd)
}
