package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/evidence"
	"github.com/qfgate/qfgate/internal/gate"
	"github.com/qfgate/qfgate/internal/policy"
)

var (
	checkPolicy string
	checkTool   string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkPolicy, "policy", "", "Path to policy YAML (default: ~/.qfgate/policy.yaml)")
	checkCmd.Flags().StringVar(&checkTool, "tool", "pytest", "Registered tool to check")
}

var checkCmd = &cobra.Command{
	Use:   "check <input>",
	Short: "Check whether a run would be admitted, without executing",
	Long:  "Evaluates the tool allow-list, sandbox policy, and free-text risk screen for a request.\nNothing executes. Exit code 77 means the request would not pass cleanly.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	snap, err := policy.NewSource(checkPolicy).Get()
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	if !snap.Config.Tools.Allowed(checkTool) {
		fmt.Printf("blocked: tool %q not in policy allow-list\n", checkTool)
		os.Exit(exitGateStop)
	}
	if !snap.Config.Sandbox.Enabled {
		fmt.Println("blocked: sandbox disabled; write-capable tools refused")
		os.Exit(exitGateStop)
	}

	// Probe the risk screen with a hypothetical all-success run.
	eval := gate.NewEvaluator(snap.Config, nil)
	res := eval.Evaluate(&evidence.Evidence{
		InputNL: strings.Join(args, " "),
		ToolCalls: []evidence.ToolCall{
			{Tool: checkTool, Status: contract.StatusSuccess},
		},
	}, nil)

	fmt.Printf("%-10s %s\n", "decision:", res.Decision)
	fmt.Printf("%-10s %s\n", "reason:", res.Reason)
	if res.Decision != gate.DecisionPass {
		os.Exit(exitGateStop)
	}
	return nil
}
