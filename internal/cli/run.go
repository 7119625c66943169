package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qfgate/qfgate/internal/gate"
	"github.com/qfgate/qfgate/internal/orchestrator"
)

// Exit code for runs that stop at the gate: blocked, failed, or
// parked for human review. Matches the convention scripts key off.
const exitGateStop = 77

var (
	runPolicy  string
	runTool    string
	runEnv     string
	runWorkDir string
	runArgs    string
	runDryRun  bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "Path to policy YAML (default: ~/.qfgate/policy.yaml)")
	runCmd.Flags().StringVar(&runTool, "tool", "pytest", "Registered tool to execute")
	runCmd.Flags().StringVar(&runEnv, "env", "", "Target environment descriptor")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "workspace", "Working directory for the tool")
	runCmd.Flags().StringVar(&runArgs, "args", "", "Tool arguments as a JSON object")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Plan without executing")
}

var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "Execute a tool through the governed pipeline",
	Long:  "Runs the tool under sandbox, timeout, and budget governance, persists evidence, and prints the gate decision.\nExit code 0 means PASS; 77 means the gate stopped the run (FAIL or NEED_HUMAN_REVIEW).",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	var toolArgs map[string]any
	if runArgs != "" {
		if err := json.Unmarshal([]byte(runArgs), &toolArgs); err != nil {
			return fmt.Errorf("parse --args: %w", err)
		}
	}

	p, err := buildPipeline(runPolicy, runWorkDir)
	if err != nil {
		return err
	}
	defer p.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	st, err := p.orch.Run(ctx, orchestrator.Input{
		InputNL:     strings.Join(args, " "),
		Environment: runEnv,
		Tool:        runTool,
		Args:        toolArgs,
		DryRun:      runDryRun,
	})
	if err != nil {
		return err
	}

	printDecision(st)
	if st.Decision.Decision != gate.DecisionPass {
		os.Exit(exitGateStop)
	}
	return nil
}

func printDecision(st *orchestrator.RunState) {
	fmt.Printf("%-10s %s\n", "run:", st.RunID)
	fmt.Printf("%-10s %s\n", "decision:", st.Decision.Decision)
	fmt.Printf("%-10s %s\n", "reason:", st.Decision.Reason)
	if st.Decision.ApprovalID != "" {
		fmt.Printf("%-10s %s (resolve with: qfgate approve %s)\n", "approval:", st.Decision.ApprovalID, st.Decision.ApprovalID)
	}
	if st.EvidencePath != "" {
		fmt.Printf("%-10s %s\n", "evidence:", st.EvidencePath)
	}
}
