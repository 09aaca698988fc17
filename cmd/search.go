package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/app"
	"github.com/membank/membank/internal/config"
	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/retrieval"
	"github.com/membank/membank/internal/tier"
)

// NewSearchCmd creates the search command. Keyword search goes through
// the full-text tier; --user, --tier and --min-importance instead run a
// structured scan against the relational tier.
func NewSearchCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var (
		tenantID      string
		query         string
		userID        string
		decayTier     string
		minImportance int
		topK          int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search memories by keyword or structured filter",
		Example: `  membank search --tenant acme --query "quarterly report"
  membank search --tenant acme --user u1 --tier long --min-importance 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := retrieval.SearchRequest{
				TenantID:      tenantID,
				Actor:         "cli",
				Query:         query,
				TopK:          topK,
				MinImportance: minImportance,
			}
			if query == "" {
				req.Filter = &tier.Filter{
					UserID:    userID,
					DecayTier: memory.DecayTier(decayTier),
				}
			}

			return withApp(cmd.Context(), cfg, logger, func(ctx context.Context, a *app.App) error {
				results, err := a.SearchMemory(ctx, req)
				if err != nil {
					return err
				}

				for _, r := range results {
					if r.Score > 0 {
						fmt.Printf("%s  [%.3f]  %s\n", r.Memory.ID, r.Score, r.Memory.Text)
					} else {
						fmt.Printf("%s  %s\n", r.Memory.ID, r.Memory.Text)
					}
				}
				fmt.Printf("%d result(s)\n", len(results))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant scope of the search")
	cmd.Flags().StringVar(&query, "query", "", "keyword query (full-text tier)")
	cmd.Flags().StringVar(&userID, "user", "", "filter by user (structured scan)")
	cmd.Flags().StringVar(&decayTier, "tier", "", "filter by decay tier: short, medium, long")
	cmd.Flags().IntVar(&minImportance, "min-importance", 0, "minimum importance")
	cmd.Flags().IntVar(&topK, "top-k", 0, "result limit (0 uses the default)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
