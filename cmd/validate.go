package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/app"
	"github.com/membank/membank/internal/config"
)

// NewValidateCmd creates the validate command: a read-only check of the
// live schema against the version this build expects.
func NewValidateCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the database schema version against this build",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, logger, func(ctx context.Context, a *app.App) error {
				st, err := a.ValidateSchema(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("expected schema version: %d\n", st.Expected)
				fmt.Printf("actual schema version:   %d\n", st.Actual)
				fmt.Printf("dirty:                   %t\n", st.Dirty)
				if !st.OK {
					return fmt.Errorf("schema validation failed")
				}
				fmt.Println("schema OK")
				return nil
			})
		},
	}
}
