// Package main provides the entry point for the pi-brain daemon CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pibrain/pibrain/cmd/pibraind/commands"
	"github.com/pibrain/pibrain/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pibraind",
		Short: "pi-brain - second-brain daemon for coding-agent transcripts",
		Long: `pibraind watches coding-agent session transcripts, analyzes completed
segments into knowledge nodes, and consolidates them into a connected graph.

Commands:
  daemon      Run the daemon in the foreground
  queue       Inspect the analysis queue
  enqueue     Force-enqueue a segment for analysis
  consolidate Run one consolidation job immediately
  rebuild-index  Rebuild the relational index from node blobs
  export      Export the knowledge graph as JSON or YAML`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config.yaml, ~/.pi-brain/config.yaml)")

	rootCmd.AddCommand(commands.NewDaemonCommand())
	rootCmd.AddCommand(commands.NewQueueCommand())
	rootCmd.AddCommand(commands.NewEnqueueCommand())
	rootCmd.AddCommand(commands.NewConsolidateCommand())
	rootCmd.AddCommand(commands.NewRebuildCommand())
	rootCmd.AddCommand(commands.NewExportCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "pibraind %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
