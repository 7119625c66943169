package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qfgate/qfgate/internal/daemon"
)

var (
	daemonPolicy   string
	daemonWorkDir  string
	daemonPoll     bool
	daemonInterval time.Duration
)

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonPolicy, "policy", "", "Path to policy YAML (default: ~/.qfgate/policy.yaml)")
	daemonCmd.Flags().StringVar(&daemonWorkDir, "workdir", "workspace", "Working directory for tools")
	daemonCmd.Flags().BoolVar(&daemonPoll, "poll", false, "Poll the inbox instead of watching for filesystem events")
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Poll interval (default 5s)")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch the inbox directory and process run requests",
	Long:  "Processes JSON run requests dropped into ~/.qfgate/daemon/inbox and writes results to the outbox.\nOne daemon per state directory; a stale PID lock is taken over.",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(daemonPolicy, daemonWorkDir)
	if err != nil {
		return err
	}
	defer p.close()

	d, err := daemon.New(daemon.Config{
		Dirs:         daemon.DefaultDirConfig(),
		PollMode:     daemonPoll,
		PollInterval: daemonInterval,
	}, p.orch)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down daemon...")
		cancel()
	}()

	return d.Run(ctx)
}
