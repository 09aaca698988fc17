package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/app"
	"github.com/membank/membank/internal/config"
	"github.com/membank/membank/internal/consolidate"
	"github.com/membank/membank/internal/memory"
)

// NewMigrateCmd creates the migrate command.
//
// Input is a JSON file holding an array of raw legacy records, exported
// from the origin store. Extraction is out of scope here; the engine only
// maps and persists.
func NewMigrateCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var (
		kind      string
		input     string
		tenantID  string
		actor     string
		batchSize int
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Consolidate legacy memory records into the canonical schema",
		Example: `  membank migrate --kind item --tenant acme --input items.json
  membank migrate --kind long-term --tenant acme --input lt.json --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readRecords(input)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), cfg, logger, func(ctx context.Context, a *app.App) error {
				report, err := a.ConsolidateBatch(ctx, consolidate.MigrateRequest{
					SourceKind: memory.SourceKind(kind),
					Records:    records,
					TenantID:   tenantID,
					Actor:      actor,
					BatchSize:  batchSize,
					DryRun:     dryRun,
				})
				if err != nil {
					return err
				}
				printMigrationReport(report)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "legacy source kind: item, entry, web-entry, long-term")
	cmd.Flags().StringVar(&input, "input", "", "path to a JSON array of raw legacy records")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant the records belong to")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded in the audit trail")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per batch (0 uses the configured default)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "map and count without writing anything")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func readRecords(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading input file: %w", err)
	}

	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing input file (expected a JSON array of objects): %w", err)
	}
	return records, nil
}

func printMigrationReport(r consolidate.MigrationReport) {
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Printf("Batch %s%s\n", r.BatchID, mode)
	fmt.Printf("  created:   %d\n", r.Created)
	fmt.Printf("  skipped:   %d\n", r.Skipped)
	fmt.Printf("  failed:    %d\n", r.Failed)
	if r.Remaining > 0 {
		fmt.Printf("  remaining: %d (run again to continue)\n", r.Remaining)
	}
	if r.Incomplete {
		fmt.Println("  WARNING: batch aborted partway, a storage tier was unreachable")
	}
	for _, f := range r.Failures {
		fmt.Printf("  failure %s: %s\n", f.SourceKey, f.Reason)
	}
}
