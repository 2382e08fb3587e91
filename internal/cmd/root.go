// Package cmd provides the CLI commands for the dispatchd tool.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/config"
)

// Version is the dispatchd version, overridable at build time.
var Version = "0.3.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "dispatchd",
	Short:   "DAQ fleet control brain",
	Version: Version,
	Long: `dispatchd reconciles the DAQ fleet's observed state against the
operator's goal state.

It aggregates per-node status reports, issues arm/start/stop commands
through a durable queue, rotates runs at their configured duration, and
records run metadata.`,
}

// Command group IDs used by subcommands to organize help output.
const (
	GroupServices = "services"
	GroupDiag     = "diag"
)

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupServices, Title: "Service:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "config file")
}

// Execute runs the root command and returns an exit code for main.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}
