package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/app"
	"github.com/membank/membank/internal/config"
)

// NewGetCmd creates the get command.
func NewGetCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "get <memory-id>",
		Short: "Read one memory by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, logger, func(ctx context.Context, a *app.App) error {
				m, err := a.GetMemory(ctx, tenantID, args[0], "cli")
				if err != nil {
					return err
				}

				data, err := json.MarshalIndent(m, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding memory: %w", err)
				}
				fmt.Println(string(data))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant scope of the read")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
