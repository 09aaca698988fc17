package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/config"
)

// Version information (injected at build time via ldflags)
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// NewVersionCmd creates the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersionInfo()
		},
	}
}

func printVersionInfo() {
	fmt.Printf("membank %s\n", AppVersion)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Schema Version: %d\n", config.ExpectedSchemaVersion)
}
