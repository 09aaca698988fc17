package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/app"
	"github.com/membank/membank/internal/config"
)

// NewRollbackCmd creates the rollback command.
func NewRollbackCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:     "rollback <batch-id>",
		Short:   "Undo one migration batch across all tiers",
		Args:    cobra.ExactArgs(1),
		Example: `  membank rollback 2f1c9a9e-0b7d-4c3e-9a4f-1d2e3f4a5b6c`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, logger, func(ctx context.Context, a *app.App) error {
				report, err := a.RollbackBatch(ctx, args[0], actor)
				if err != nil {
					return err
				}

				fmt.Printf("Batch %s\n", report.BatchID)
				fmt.Printf("  total:       %d\n", report.Total)
				fmt.Printf("  rolled back: %d\n", report.RolledBack)
				fmt.Printf("  skipped:     %d (already rolled back)\n", report.Skipped)
				fmt.Printf("  failed:      %d\n", report.Failed)
				for _, f := range report.Failures {
					fmt.Printf("  failure %s: %s\n", f.SourceKey, f.Reason)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded in the audit trail")
	return cmd
}
