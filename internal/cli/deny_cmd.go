package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qfgate/qfgate/internal/approval"
)

func init() {
	rootCmd.AddCommand(denyCmd)
}

var denyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
	id := args[0]

	store, err := approval.NewStore(approval.DefaultDir())
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}

	if err := store.Deny(id, localUser()); err != nil {
		return err
	}

	fmt.Printf("Denied %q\n", id)
	return nil
}
