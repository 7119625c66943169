package cli

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/qfgate/qfgate/internal/approval"
)

var approveDuration time.Duration

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().DurationVar(&approveDuration, "for", 0, "Validity period (e.g., 5m, 1h). Default: one-time use")
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Grant a pending approval",
	Long:  "Approves a pending approval request. Without --for, approval is one-time (consumed on first use).\nWith --for, approval is valid for the specified period and can be reused.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	id := args[0]

	store, err := approval.NewStore(approval.DefaultDir())
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}

	if err := store.Approve(id, localUser(), approveDuration); err != nil {
		return err
	}

	if approveDuration > 0 {
		fmt.Printf("Approved %q for %s\n", id, approveDuration)
	} else {
		fmt.Printf("Approved %q (one-time use)\n", id)
	}
	return nil
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "cli"
}
