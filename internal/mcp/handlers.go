package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/qfgate/qfgate/internal/audit"
	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/evidence"
	"github.com/qfgate/qfgate/internal/gate"
	"github.com/qfgate/qfgate/internal/orchestrator"
)

// RunInput defines parameters for the gate_run tool.
type RunInput struct {
	Token       string         `json:"token" jsonschema:"authentication token"`
	Tool        string         `json:"tool" jsonschema:"registered tool name"`
	Input       string         `json:"input" jsonschema:"natural-language description of the run"`
	Environment string         `json:"environment,omitempty" jsonschema:"target environment descriptor"`
	Args        map[string]any `json:"args,omitempty" jsonschema:"tool arguments"`
	DryRun      bool           `json:"dry_run,omitempty" jsonschema:"plan without executing"`
}

// RunOutput carries the terminal decision or the refusal code.
type RunOutput struct {
	RunID        string `json:"run_id,omitempty"`
	Decision     string `json:"decision,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ApprovalID   string `json:"approval_id,omitempty"`
	EvidencePath string `json:"evidence_path,omitempty"`
	Code         int    `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// CheckInput defines parameters for the gate_check tool.
type CheckInput struct {
	Tool  string `json:"tool" jsonschema:"registered tool name"`
	Input string `json:"input" jsonschema:"natural-language description of the run"`
}

// CheckOutput reports what would happen, without side effects.
type CheckOutput struct {
	Admitted bool   `json:"admitted"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Code     int    `json:"code,omitempty"`
}

// AuditInput defines parameters for the gate_audit tool.
type AuditInput struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
}

// AuditOutput is the ordered audit trail for one run.
type AuditOutput struct {
	Entries []audit.Entry `json:"entries"`
}

// PendingInput is empty.
type PendingInput struct{}

// PendingOutput lists approvals awaiting review.
type PendingOutput struct {
	Approvals []PendingItem `json:"approvals"`
}

// PendingItem describes a single pending approval.
type PendingItem struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// ApproveInput defines parameters for the gate_approve tool.
type ApproveInput struct {
	Token    string `json:"token" jsonschema:"authentication token"`
	ID       string `json:"id" jsonschema:"approval id"`
	Deny     bool   `json:"deny,omitempty" jsonschema:"deny instead of approve"`
	Duration string `json:"duration,omitempty" jsonschema:"approval TTL (e.g. 5m), omit for one-time"`
}

// ApproveOutput confirms the resolution.
type ApproveOutput struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Code   int    `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

func errResult() *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{IsError: true}
}

func (s *Server) handleRun(ctx context.Context, req *mcpsdk.CallToolRequest, input RunInput) (*mcpsdk.CallToolResult, RunOutput, error) {
	caller, code := s.authenticate(input.Token)
	if code != 0 {
		return errResult(), RunOutput{Code: code, Error: "authentication required"}, nil
	}
	if !canRun(caller.Role) {
		return errResult(), RunOutput{Code: CodePermissionDenied, Error: "role cannot run tools"}, nil
	}

	if d := s.limiter.Acquire(caller.Name); !d.Allowed {
		out := RunOutput{Code: CodeRateLimited, Error: d.Reason, RetryAfterMS: d.RetryAfter.Milliseconds()}
		return errResult(), out, nil
	}
	start := time.Now()
	defer func() { s.limiter.Release(caller.Name, time.Since(start)) }()

	if out, refused := s.admissionCheck(input.Tool); refused {
		return errResult(), out, nil
	}

	st, err := s.runner.Run(ctx, orchestrator.Input{
		InputNL:     input.Input,
		Environment: input.Environment,
		Tool:        input.Tool,
		Args:        input.Args,
		DryRun:      input.DryRun,
	})
	if err != nil {
		return nil, RunOutput{}, err
	}

	out := RunOutput{
		RunID:        st.RunID,
		Decision:     string(st.Decision.Decision),
		Reason:       st.Decision.Reason,
		ApprovalID:   st.Decision.ApprovalID,
		EvidencePath: st.EvidencePath,
	}
	out.Code = terminalCode(st)
	if out.Code != 0 {
		return errResult(), out, nil
	}
	return nil, out, nil
}

// admissionCheck applies the pre-execution policy gates shared by
// gate_run and gate_check.
func (s *Server) admissionCheck(tool string) (RunOutput, bool) {
	snap, err := s.source.Get()
	if err != nil {
		return RunOutput{Code: CodePolicyBlocked, Error: "policy unavailable: " + err.Error()}, true
	}
	if !snap.Config.Tools.Allowed(tool) {
		return RunOutput{Code: CodePolicyBlocked, Error: "tool not in policy allow-list"}, true
	}
	if !snap.Config.Sandbox.Enabled {
		return RunOutput{Code: CodeSandboxViolation, Error: "sandbox disabled; write-capable tools refused"}, true
	}
	return RunOutput{}, false
}

// terminalCode maps a finished run onto a protocol failure code, or 0
// when the decision alone is the answer.
func terminalCode(st *orchestrator.RunState) int {
	if st.Budget.ShortCircuited {
		return CodeBudgetExceeded
	}
	for _, res := range st.Results {
		if res.Metrics.TimedOut || res.Status == contract.StatusTimeout {
			return CodeTimeout
		}
		if res.PolicyBlocked {
			return CodePolicyBlocked
		}
	}
	return 0
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	if out, refused := s.admissionCheck(input.Tool); refused {
		return errResult(), CheckOutput{Code: out.Code, Reason: out.Error}, nil
	}

	snap, err := s.source.Get()
	if err != nil {
		return nil, CheckOutput{}, err
	}

	// Probe the risk screen with a hypothetical all-success run.
	eval := gate.NewEvaluator(snap.Config, nil)
	res := eval.Evaluate(&evidence.Evidence{
		InputNL: input.Input,
		ToolCalls: []evidence.ToolCall{
			{Tool: input.Tool, Status: contract.StatusSuccess},
		},
	}, nil)

	return nil, CheckOutput{
		Admitted: true,
		Decision: string(res.Decision),
		Reason:   res.Reason,
	}, nil
}

func (s *Server) handleAudit(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditInput) (*mcpsdk.CallToolResult, AuditOutput, error) {
	entries, err := audit.Query(s.cfg.AuditLogPath, input.RunID)
	if err != nil {
		return nil, AuditOutput{}, err
	}
	return nil, AuditOutput{Entries: entries}, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	out := PendingOutput{}
	if s.approvals == nil {
		return nil, out, nil
	}
	pending, err := s.approvals.Pending()
	if err != nil {
		return nil, out, err
	}
	for _, a := range pending {
		out.Approvals = append(out.Approvals, PendingItem{
			ID:        a.ID,
			RunID:     a.RunID,
			Reason:    a.Reason,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input ApproveInput) (*mcpsdk.CallToolResult, ApproveOutput, error) {
	caller, code := s.authenticate(input.Token)
	if code != 0 {
		return errResult(), ApproveOutput{ID: input.ID, Code: code, Error: "authentication required"}, nil
	}
	if !canApprove(caller.Role) {
		return errResult(), ApproveOutput{ID: input.ID, Code: CodePermissionDenied, Error: "role cannot resolve approvals"}, nil
	}
	if s.approvals == nil {
		return errResult(), ApproveOutput{ID: input.ID, Code: CodePolicyBlocked, Error: "approval store not configured"}, nil
	}

	if input.Deny {
		if err := s.approvals.Deny(input.ID, caller.Name); err != nil {
			return nil, ApproveOutput{}, err
		}
		return nil, ApproveOutput{ID: input.ID, Status: "denied"}, nil
	}

	var ttl time.Duration
	if input.Duration != "" {
		d, err := time.ParseDuration(input.Duration)
		if err != nil {
			return nil, ApproveOutput{}, err
		}
		ttl = d
	}
	if err := s.approvals.Approve(input.ID, caller.Name, ttl); err != nil {
		return nil, ApproveOutput{}, err
	}
	return nil, ApproveOutput{ID: input.ID, Status: "approved"}, nil
}
