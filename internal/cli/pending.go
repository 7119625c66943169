package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qfgate/qfgate/internal/approval"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List approvals waiting for human review",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	store, err := approval.NewStore(approval.DefaultDir())
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}

	list, err := store.Pending()
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("%-14s %-18s %-50s %s\n", "ID", "RUN", "REASON", "CREATED")
	for _, a := range list {
		fmt.Printf("%-14s %-18s %-50s %s\n",
			a.ID,
			a.RunID,
			truncate(a.Reason, 50),
			a.CreatedAt.Format("15:04:05"),
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
