package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/app"
	"github.com/membank/membank/internal/config"
)

// NewDecayCmd creates the decay command. By default it runs one
// maintenance cycle and exits; --daemon keeps the scheduler running on
// the configured interval until interrupted.
func NewDecayCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var daemon bool

	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Run the decay and maintenance cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, logger, func(ctx context.Context, a *app.App) error {
				if daemon {
					a.RunDecay(ctx)
					return nil
				}

				stats, err := a.RunDecayOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("  decayed:    %d\n", stats.Decayed)
				fmt.Printf("  demoted:    %d\n", stats.Demoted)
				fmt.Printf("  reconciled: %d\n", stats.Reconciled)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&daemon, "daemon", false, "keep running on the configured interval")
	return cmd
}
