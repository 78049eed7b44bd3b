package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lingualink/internal/app"
)

func newReconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one settlement reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadQuiet(*configPath)
			if err != nil {
				return err
			}
			application, err := app.NewApplication(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			defer application.Close()

			report, err := application.ReconcileOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d, confirmed %d, retried %d, abandoned %d, skipped %d\n",
				report.Checked, report.Confirmed, report.Retried, report.Abandoned, report.Skipped)
			return nil
		},
	}
}
