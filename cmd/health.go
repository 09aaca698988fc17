package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/app"
	"github.com/membank/membank/internal/config"
	"github.com/membank/membank/internal/tier"
)

// NewHealthCmd creates the health command.
func NewHealthCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every storage tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, logger, func(ctx context.Context, a *app.App) error {
				st := a.Health(ctx)

				names := make([]tier.Name, 0, len(st.Tiers))
				for name := range st.Tiers {
					names = append(names, name)
				}
				sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

				allOK := st.SchemaOK
				for _, name := range names {
					ok := st.Tiers[name]
					fmt.Printf("  %-10s %s\n", name, statusWord(ok))
					if !ok {
						allOK = false
					}
				}
				fmt.Printf("  %-10s %s\n", "schema", statusWord(st.SchemaOK))

				if !allOK {
					return fmt.Errorf("one or more tiers are unhealthy")
				}
				return nil
			})
		},
	}
}

func statusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "DOWN"
}
