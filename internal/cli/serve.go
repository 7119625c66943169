package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/qfgate/qfgate/internal/audit"
	qfmcp "github.com/qfgate/qfgate/internal/mcp"
	"github.com/qfgate/qfgate/internal/ratelimit"
)

var (
	servePolicy     string
	serveWorkDir    string
	serveTokens     string
	serveConcurrent int
	servePerMinute  int
	serveDailyQuota int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to policy YAML (default: ~/.qfgate/policy.yaml)")
	serveCmd.Flags().StringVar(&serveWorkDir, "workdir", "workspace", "Working directory for tools")
	serveCmd.Flags().StringVar(&serveTokens, "tokens", "", "Path to tokens YAML (token -> name, role)")
	serveCmd.Flags().IntVar(&serveConcurrent, "max-concurrent", 4, "Concurrent runs per caller (0 disables)")
	serveCmd.Flags().IntVar(&servePerMinute, "calls-per-minute", 30, "Run admissions per caller per minute (0 disables)")
	serveCmd.Flags().IntVar(&serveDailyQuota, "daily-quota", 0, "Run admissions per caller per local day (0 disables)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server for agent integration",
	Long:  "Runs qfgate as an MCP (Model Context Protocol) server over stdio.\nExposes gate_run, gate_check, gate_audit, gate_pending, gate_approve.",
	RunE:  runServe,
}

// tokenEntry is one row of the tokens file.
type tokenEntry struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

func loadTokens(path string) (map[string]qfmcp.Caller, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokens file: %w", err)
	}
	var raw map[string]tokenEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse tokens file: %w", err)
	}
	tokens := make(map[string]qfmcp.Caller, len(raw))
	for token, e := range raw {
		tokens[token] = qfmcp.Caller{Name: e.Name, Role: e.Role}
	}
	return tokens, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	tokens, err := loadTokens(serveTokens)
	if err != nil {
		return err
	}

	p, err := buildPipeline(servePolicy, serveWorkDir)
	if err != nil {
		return err
	}
	defer p.close()

	srv, err := qfmcp.New(qfmcp.Config{
		AuditLogPath: audit.DefaultPath(),
		Tokens:       tokens,
		Limits: ratelimit.Config{
			ConcurrentLimit: serveConcurrent,
			CallsPerMinute:  servePerMinute,
			DailyQuota:      serveDailyQuota,
		},
	}, p.orch, p.source, p.approvals)
	if err != nil {
		return fmt.Errorf("create MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "qfgate MCP server running on stdio")
	return srv.Run(ctx)
}
