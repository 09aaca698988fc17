// Package cmd implements the membank command line interface.
//
// Design: following the pattern used by kubectl, hugo and other standard
// Go CLI tools, all application logic lives here, leaving main.go as a
// minimal entry point. Commands are built with a factory pattern so tests
// can construct them with their own configuration.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/app"
	"github.com/membank/membank/internal/config"
	"github.com/membank/membank/internal/log"
)

// Execute is the main entry point for the membank CLI.
func Execute() error {
	// version and help work even if config is invalid
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			printVersionInfo()
			return nil
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON})
	slog.SetDefault(logger)

	root := NewRootCmd(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return root.ExecuteContext(ctx)
}

// NewRootCmd builds the command tree.
func NewRootCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "membank",
		Short:         "membank - tiered memory consolidation and retrieval",
		Long: `membank consolidates legacy memory stores into one canonical schema
and serves reads across cache, relational, vector, full-text and
analytical tiers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		NewMigrateCmd(cfg, logger),
		NewRollbackCmd(cfg, logger),
		NewValidateCmd(cfg, logger),
		NewHealthCmd(cfg, logger),
		NewDecayCmd(cfg, logger),
		NewGetCmd(cfg, logger),
		NewSearchCmd(cfg, logger),
		NewVersionCmd(),
	)
	return root
}

// withApp sets up the application, runs fn, and tears down.
func withApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(context.Context, *app.App) error) error {
	a, err := app.Setup(ctx, cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing application", "error", err)
		}
	}()

	return fn(ctx, a)
}
