package main

import (
	"context"

	"github.com/spf13/cobra"

	"autopilot-orchestrator/internal/app"
)

var usageCmd = &cobra.Command{
	Use:   "usage <tenant>",
	Short: "Print a tenant's usage against its monthly limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			reports, err := a.Quota.Usage(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"organization_id": args[0],
				"policy":          a.Quota.Policy(),
				"usage":           reports,
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
}
