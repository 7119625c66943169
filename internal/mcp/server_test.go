package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"

	"github.com/qfgate/qfgate/internal/approval"
	"github.com/qfgate/qfgate/internal/audit"
	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/gate"
	"github.com/qfgate/qfgate/internal/orchestrator"
	"github.com/qfgate/qfgate/internal/policy"
	"github.com/qfgate/qfgate/internal/ratelimit"
)

type fakeRunner struct {
	state *orchestrator.RunState
	err   error
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, in orchestrator.Input) (*orchestrator.RunState, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.state, nil
}

func passedState() *orchestrator.RunState {
	return &orchestrator.RunState{
		RunID:        "run-abc123def456",
		EvidencePath: "/tmp/evidence/run-abc123def456.json",
		Decision: &gate.Result{
			Decision: gate.DecisionPass,
			Reason:   "all 8 tests passed",
		},
	}
}

func writePolicy(t *testing.T, cfg *policy.Config) *policy.Source {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return policy.NewSource(path)
}

func testTokens() map[string]Caller {
	return map[string]Caller{
		"tok-runner":   {Name: "ci-bot", Role: RoleRunner},
		"tok-approver": {Name: "alice", Role: RoleApprover},
		"tok-admin":    {Name: "root", Role: RoleAdmin},
		"tok-viewer":   {Name: "dashboard", Role: RoleViewer},
	}
}

func newTestServer(t *testing.T, cfg *policy.Config, runner Runner, limits ratelimit.Config) (*Server, *approval.Store) {
	t.Helper()
	approvals, err := approval.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{
		AuditLogPath: filepath.Join(t.TempDir(), "audit.jsonl"),
		Tokens:       testTokens(),
		Limits:       limits,
	}, runner, writePolicy(t, cfg), approvals)
	if err != nil {
		t.Fatal(err)
	}
	return s, approvals
}

func TestRunRequiresToken(t *testing.T) {
	runner := &fakeRunner{state: passedState()}
	s, _ := newTestServer(t, policy.Default(), runner, ratelimit.Config{})

	for _, token := range []string{"", "tok-bogus"} {
		res, out, err := s.handleRun(context.Background(), &mcpsdk.CallToolRequest{}, RunInput{
			Token: token, Tool: "pytest", Input: "run the suite",
		})
		if err != nil {
			t.Fatal(err)
		}
		if res == nil || !res.IsError {
			t.Errorf("token %q: expected error result", token)
		}
		if out.Code != CodeAuthRequired {
			t.Errorf("token %q: code = %d, want %d", token, out.Code, CodeAuthRequired)
		}
	}
	if runner.calls != 0 {
		t.Errorf("runner invoked %d times on unauthenticated calls", runner.calls)
	}
}

func TestRunDeniesViewerRole(t *testing.T) {
	runner := &fakeRunner{state: passedState()}
	s, _ := newTestServer(t, policy.Default(), runner, ratelimit.Config{})

	res, out, err := s.handleRun(context.Background(), &mcpsdk.CallToolRequest{}, RunInput{
		Token: "tok-viewer", Tool: "pytest", Input: "run the suite",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !res.IsError {
		t.Error("expected error result")
	}
	if out.Code != CodePermissionDenied {
		t.Errorf("code = %d, want %d", out.Code, CodePermissionDenied)
	}
	if runner.calls != 0 {
		t.Error("runner invoked for a viewer token")
	}
}

func TestRunBlockedByAllowlist(t *testing.T) {
	cfg := policy.Default()
	cfg.Tools.Allowlist = []string{"other-tool"}
	runner := &fakeRunner{state: passedState()}
	s, _ := newTestServer(t, cfg, runner, ratelimit.Config{})

	res, out, err := s.handleRun(context.Background(), &mcpsdk.CallToolRequest{}, RunInput{
		Token: "tok-runner", Tool: "pytest", Input: "run the suite",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !res.IsError {
		t.Error("expected error result")
	}
	if out.Code != CodePolicyBlocked {
		t.Errorf("code = %d, want %d", out.Code, CodePolicyBlocked)
	}
	if runner.calls != 0 {
		t.Error("runner invoked for a disallowed tool")
	}
}

func TestRunRefusedWhenSandboxDisabled(t *testing.T) {
	cfg := policy.Default()
	cfg.Sandbox.Enabled = false
	runner := &fakeRunner{state: passedState()}
	s, _ := newTestServer(t, cfg, runner, ratelimit.Config{})

	_, out, err := s.handleRun(context.Background(), &mcpsdk.CallToolRequest{}, RunInput{
		Token: "tok-runner", Tool: "pytest", Input: "run the suite",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeSandboxViolation {
		t.Errorf("code = %d, want %d", out.Code, CodeSandboxViolation)
	}
}

func TestRunRateLimited(t *testing.T) {
	runner := &fakeRunner{state: passedState()}
	s, _ := newTestServer(t, policy.Default(), runner, ratelimit.Config{ConcurrentLimit: 1})

	// Hold the only slot, then call the handler.
	if d := s.limiter.Acquire("ci-bot"); !d.Allowed {
		t.Fatalf("setup acquire denied: %s", d.Reason)
	}
	res, out, err := s.handleRun(context.Background(), &mcpsdk.CallToolRequest{}, RunInput{
		Token: "tok-runner", Tool: "pytest", Input: "run the suite",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !res.IsError {
		t.Error("expected error result")
	}
	if out.Code != CodeRateLimited {
		t.Errorf("code = %d, want %d", out.Code, CodeRateLimited)
	}
	if runner.calls != 0 {
		t.Error("runner invoked while rate limited")
	}

	// Releasing the slot clears the way.
	s.limiter.Release("ci-bot", time.Second)
	_, out, err = s.handleRun(context.Background(), &mcpsdk.CallToolRequest{}, RunInput{
		Token: "tok-runner", Tool: "pytest", Input: "run the suite",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != 0 {
		t.Errorf("code = %d after release, want 0", out.Code)
	}
	if runner.calls != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls)
	}
}

func TestRunReturnsDecision(t *testing.T) {
	runner := &fakeRunner{state: passedState()}
	s, _ := newTestServer(t, policy.Default(), runner, ratelimit.Config{})

	res, out, err := s.handleRun(context.Background(), &mcpsdk.CallToolRequest{}, RunInput{
		Token: "tok-runner", Tool: "pytest", Input: "run the suite",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != nil && res.IsError {
		t.Error("unexpected error result")
	}
	if out.RunID != "run-abc123def456" {
		t.Errorf("run id %q", out.RunID)
	}
	if out.Decision != string(gate.DecisionPass) {
		t.Errorf("decision %q", out.Decision)
	}
	if out.EvidencePath == "" {
		t.Error("evidence path missing")
	}
}

func TestRunMapsBudgetExceeded(t *testing.T) {
	st := passedState()
	st.Budget.ShortCircuit("cumulative budget exceeded")
	st.Decision = &gate.Result{Decision: gate.DecisionFail, Reason: "cumulative budget exceeded"}
	runner := &fakeRunner{state: st}
	s, _ := newTestServer(t, policy.Default(), runner, ratelimit.Config{})

	res, out, err := s.handleRun(context.Background(), &mcpsdk.CallToolRequest{}, RunInput{
		Token: "tok-runner", Tool: "pytest", Input: "run the suite",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !res.IsError {
		t.Error("expected error result")
	}
	if out.Code != CodeBudgetExceeded {
		t.Errorf("code = %d, want %d", out.Code, CodeBudgetExceeded)
	}
	if out.Decision != string(gate.DecisionFail) {
		t.Errorf("decision %q", out.Decision)
	}
}

func TestRunMapsTimeout(t *testing.T) {
	st := passedState()
	st.Results = []*contract.ToolResult{{
		Tool:    "pytest",
		Status:  contract.StatusTimeout,
		Metrics: contract.ToolMetrics{TimedOut: true},
	}}
	st.Decision = &gate.Result{Decision: gate.DecisionFail, Reason: "tool timed out"}
	runner := &fakeRunner{state: st}
	s, _ := newTestServer(t, policy.Default(), runner, ratelimit.Config{})

	_, out, err := s.handleRun(context.Background(), &mcpsdk.CallToolRequest{}, RunInput{
		Token: "tok-runner", Tool: "pytest", Input: "run the suite",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeTimeout {
		t.Errorf("code = %d, want %d", out.Code, CodeTimeout)
	}
}

func TestCheckDryRun(t *testing.T) {
	runner := &fakeRunner{state: passedState()}
	s, _ := newTestServer(t, policy.Default(), runner, ratelimit.Config{})

	// A benign request is admitted and would pass the risk screen.
	_, out, err := s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{
		Tool: "pytest", Input: "run the unit test suite",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Admitted {
		t.Error("benign request not admitted")
	}
	if out.Decision != string(gate.DecisionPass) {
		t.Errorf("decision %q", out.Decision)
	}

	// Risky free text is flagged without executing anything.
	_, out, err = s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{
		Tool: "pytest", Input: "run tests then delete the staging data",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != string(gate.DecisionNeedsHuman) {
		t.Errorf("decision %q for risky input", out.Decision)
	}
	if runner.calls != 0 {
		t.Error("check executed the runner")
	}
}

func TestCheckReportsAllowlistBlock(t *testing.T) {
	cfg := policy.Default()
	cfg.Tools.Allowlist = []string{"other-tool"}
	s, _ := newTestServer(t, cfg, &fakeRunner{state: passedState()}, ratelimit.Config{})

	res, out, err := s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{
		Tool: "pytest", Input: "run the suite",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !res.IsError {
		t.Error("expected error result")
	}
	if out.Admitted {
		t.Error("blocked tool reported as admitted")
	}
	if out.Code != CodePolicyBlocked {
		t.Errorf("code = %d, want %d", out.Code, CodePolicyBlocked)
	}
}

func TestAuditQueryByRun(t *testing.T) {
	s, _ := newTestServer(t, policy.Default(), &fakeRunner{state: passedState()}, ratelimit.Config{})

	log, err := audit.Open(s.cfg.AuditLogPath)
	if err != nil {
		t.Fatal(err)
	}
	trail := audit.NewTrail(log, "sha256:abc", "deadbeef", "test")
	req1, err := contract.NewRequest("pytest", "run-1", map[string]any{"suite": "unit"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := trail.ToolStarted("run-1", req1); err != nil {
		t.Fatal(err)
	}
	res1 := &contract.ToolResult{Tool: "pytest", Status: contract.StatusSuccess}
	if _, err := trail.ToolFinished("run-1", res1); err != nil {
		t.Fatal(err)
	}
	req2, err := contract.NewRequest("pytest", "run-2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := trail.ToolStarted("run-2", req2); err != nil {
		t.Fatal(err)
	}
	log.Close()

	_, out, err := s.handleAudit(context.Background(), &mcpsdk.CallToolRequest{}, AuditInput{RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(out.Entries))
	}
	if out.Entries[0].EventType != audit.EventToolStarted {
		t.Errorf("first event %q", out.Entries[0].EventType)
	}
}

func TestPendingAndApproveFlow(t *testing.T) {
	s, approvals := newTestServer(t, policy.Default(), &fakeRunner{state: passedState()}, ratelimit.Config{})

	id, err := approvals.CreatePending("run-9", "risk keyword matched")
	if err != nil {
		t.Fatal(err)
	}

	_, pending, err := s.handlePending(context.Background(), &mcpsdk.CallToolRequest{}, PendingInput{})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending.Approvals) != 1 || pending.Approvals[0].ID != id {
		t.Fatalf("pending = %+v", pending.Approvals)
	}

	// A runner token cannot resolve approvals.
	res, out, err := s.handleApprove(context.Background(), &mcpsdk.CallToolRequest{}, ApproveInput{
		Token: "tok-runner", ID: id,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !res.IsError || out.Code != CodePermissionDenied {
		t.Errorf("runner approval: code = %d, want %d", out.Code, CodePermissionDenied)
	}

	// An approver can.
	_, out, err = s.handleApprove(context.Background(), &mcpsdk.CallToolRequest{}, ApproveInput{
		Token: "tok-approver", ID: id, Duration: "5m",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != "approved" {
		t.Errorf("status %q", out.Status)
	}

	status, err := approvals.Check(id)
	if err != nil {
		t.Fatal(err)
	}
	if status != approval.StatusApproved {
		t.Errorf("stored status %q", status)
	}
	stored, err := approvals.ForRun("run-9")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].ResolvedBy != "alice" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestApproveDeny(t *testing.T) {
	s, approvals := newTestServer(t, policy.Default(), &fakeRunner{state: passedState()}, ratelimit.Config{})

	id, err := approvals.CreatePending("run-9", "risk keyword matched")
	if err != nil {
		t.Fatal(err)
	}
	_, out, err := s.handleApprove(context.Background(), &mcpsdk.CallToolRequest{}, ApproveInput{
		Token: "tok-admin", ID: id, Deny: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != "denied" {
		t.Errorf("status %q", out.Status)
	}
}
