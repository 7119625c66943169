// Package cli implements the qfgate command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "qfgate",
	Short: "Governed execution gate for untrusted test tools",
	Long:  "Runs test tools under sandbox, timeout, and retry governance, collects evidence, and decides pass, fail, or human review. Every run leaves a hash-chained audit trail.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
