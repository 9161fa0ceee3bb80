// Package cli implements the drover command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Supervised execution of external tools",
	Long: `drover runs external tools under supervision: it negotiates the output
encoding, sizes the execution budget to the workload, reports progress
while the tool runs, and caches results so repeated invocations are
served without launching anything.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(journalCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to drover.json config file (default: search up directory tree)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log verbosity (debug, info, warn, error)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
