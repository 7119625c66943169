package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qfgate/qfgate/internal/audit"
)

var (
	auditPath   string
	auditVerify bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVar(&auditPath, "path", "", "Audit log path (default: ~/.qfgate/audit.jsonl)")
	auditCmd.Flags().BoolVar(&auditVerify, "verify", false, "Verify hash chain integrity instead of querying")
}

var auditCmd = &cobra.Command{
	Use:   "audit [run-id]",
	Short: "Query or verify the hash-chained audit log",
	Long:  "With a run id, prints that run's entries in order.\nWith --verify, walks the whole log and validates that every entry's prev_hash matches the SHA-256 of the previous line. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	path := auditPath
	if path == "" {
		path = audit.DefaultPath()
	}

	if auditVerify {
		result := audit.Verify(path)
		if result.Valid {
			fmt.Printf("OK: %d entries verified\n", result.Lines)
			return nil
		}
		fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
		os.Exit(1)
	}

	if len(args) == 0 {
		return fmt.Errorf("a run id is required unless --verify is set")
	}

	entries, err := audit.Query(path, args[0])
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}
	if len(entries) == 0 {
		fmt.Printf("No entries for %s.\n", args[0])
		return nil
	}
	for _, e := range entries {
		out, _ := json.MarshalIndent(e, "", "  ")
		fmt.Println(string(out))
	}
	return nil
}
