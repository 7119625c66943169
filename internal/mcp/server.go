// Package mcp exposes the governed pipeline over the Model Context
// Protocol. Read-only tools are open; write-capable tools require a
// token and pass role, allow-list, sandbox, and admission checks,
// each failure mapping to a stable numeric code.
package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/qfgate/qfgate/internal/approval"
	"github.com/qfgate/qfgate/internal/orchestrator"
	"github.com/qfgate/qfgate/internal/policy"
	"github.com/qfgate/qfgate/internal/ratelimit"
)

// Stable error codes for the protocol boundary. Callers branch on
// these, never on message text.
const (
	CodeAuthRequired     = 1001
	CodePermissionDenied = 1002
	CodePolicyBlocked    = 1003
	CodeSandboxViolation = 1004
	CodeTimeout          = 1005
	CodeBudgetExceeded   = 1006
	CodeRateLimited      = 1007
)

// Caller roles.
const (
	RoleRunner   = "runner"
	RoleApprover = "approver"
	RoleAdmin    = "admin"
	RoleViewer   = "viewer"
)

// Caller is one authenticated identity.
type Caller struct {
	Name string
	Role string
}

// Runner drives one governed run. Satisfied by the orchestrator.
type Runner interface {
	Run(ctx context.Context, in orchestrator.Input) (*orchestrator.RunState, error)
}

// Config holds MCP server configuration.
type Config struct {
	AuditLogPath string
	Tokens       map[string]Caller
	Limits       ratelimit.Config
}

// Server wraps the MCP SDK server with qfgate admission control.
type Server struct {
	mcpServer *mcpsdk.Server
	runner    Runner
	source    *policy.Source
	approvals *approval.Store
	limiter   *ratelimit.Limiter
	cfg       Config
}

// New creates an MCP server over an orchestration pipeline.
func New(cfg Config, runner Runner, source *policy.Source, approvals *approval.Store) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if source == nil {
		return nil, fmt.Errorf("policy source is required")
	}

	s := &Server{
		runner:    runner,
		source:    source,
		approvals: approvals,
		limiter:   ratelimit.NewLimiter(cfg.Limits),
		cfg:       cfg,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "qfgate",
			Version: "0.1.0",
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all qfgate tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_run",
		Description: "Run a registered test tool through the governed pipeline. Requires an authentication token; returns the terminal gate decision and evidence location.",
	}, s.handleRun)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_check",
		Description: "Check whether a run request would be admitted, without executing anything (dry-run).",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_audit",
		Description: "Return the ordered audit trail for a run id.",
	}, s.handleAudit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_pending",
		Description: "List approvals waiting for human review.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_approve",
		Description: "Resolve a pending approval. Requires an approver token.",
	}, s.handleApprove)
}

// authenticate resolves a token to a caller. An empty or unknown
// token fails with CodeAuthRequired.
func (s *Server) authenticate(token string) (Caller, int) {
	if token == "" {
		return Caller{}, CodeAuthRequired
	}
	caller, ok := s.cfg.Tokens[token]
	if !ok {
		return Caller{}, CodeAuthRequired
	}
	return caller, 0
}

func canRun(role string) bool {
	return role == RoleRunner || role == RoleAdmin
}

func canApprove(role string) bool {
	return role == RoleApprover || role == RoleAdmin
}
