package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qfgate/qfgate/internal/runstore"
)

var (
	runsLimit    int
	runsDecision string
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")
	runsCmd.Flags().StringVar(&runsDecision, "decision", "", "Filter by decision (PASS, FAIL, NEED_HUMAN_REVIEW)")
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs from the run index",
	RunE:  runRuns,
}

func runRuns(cmd *cobra.Command, args []string) error {
	store, err := runstore.Open(runstore.DefaultPath())
	if err != nil {
		return fmt.Errorf("open run index: %w", err)
	}
	defer store.Close()

	var list []runstore.Record
	if runsDecision != "" {
		list, err = store.ByDecision(runsDecision, runsLimit)
	} else {
		list, err = store.Recent(runsLimit)
	}
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-18s %-20s %-10s %-8s %s\n", "RUN", "DECISION", "ELAPSED", "TOOLS", "CREATED")
	for _, r := range list {
		decision := r.Decision
		if r.ShortCircuited {
			decision += " (budget)"
		}
		fmt.Printf("%-18s %-20s %-10s %-8d %s\n",
			r.RunID,
			decision,
			fmt.Sprintf("%dms", r.ElapsedMS),
			r.Tools,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}
