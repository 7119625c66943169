package gate

import (
	"errors"
	"strings"
	"testing"

	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/evidence"
	"github.com/qfgate/qfgate/internal/policy"
	"github.com/qfgate/qfgate/internal/report"
)

type fakeApprovals struct {
	created []string
	fail    bool
}

func (f *fakeApprovals) CreatePending(runID, reason string) (string, error) {
	if f.fail {
		return "", errors.New("store unavailable")
	}
	f.created = append(f.created, runID)
	return "apr-" + runID, nil
}

func passingEvidence() *evidence.Evidence {
	return &evidence.Evidence{
		RunID:   "run-1",
		InputNL: "run the unit tests",
		ToolCalls: []evidence.ToolCall{
			{Tool: "pytest", Status: contract.StatusSuccess},
		},
		Summary: &report.Summary{Tests: 10, Failures: 0, Errors: 0},
	}
}

func TestRiskKeywordForcesHumanReview(t *testing.T) {
	ev := NewEvaluator(policy.Default(), nil)
	for _, input := range []string{
		"deploy to production",
		"please DELETE the staging rows",
		"drop old indexes then rerun",
	} {
		doc := passingEvidence()
		doc.InputNL = input
		res := ev.Evaluate(doc, nil)
		if res.Decision != DecisionNeedsHuman {
			t.Errorf("input %q: got %s, want %s", input, res.Decision, DecisionNeedsHuman)
		}
		if len(res.TriggeredRules) != 1 || res.TriggeredRules[0] != RuleRiskKeyword {
			t.Errorf("input %q: trail %v", input, res.TriggeredRules)
		}
	}
}

func TestRiskKeywordWholeWordOnly(t *testing.T) {
	ev := NewEvaluator(policy.Default(), nil)
	doc := passingEvidence()
	doc.InputNL = "rerun the reproduction suite"
	res := ev.Evaluate(doc, nil)
	if res.Decision != DecisionPass {
		t.Errorf("substring match should not trigger: got %s (%s)", res.Decision, res.Reason)
	}
}

func TestRiskKeywordPriorityOrder(t *testing.T) {
	ev := NewEvaluator(policy.Default(), nil)
	doc := passingEvidence()
	doc.InputNL = "delete the production snapshot"
	res := ev.Evaluate(doc, nil)
	if !strings.Contains(res.Reason, `"production"`) {
		t.Errorf("expected priority keyword in reason, got %q", res.Reason)
	}
}

func TestRiskPattern(t *testing.T) {
	ev := NewEvaluator(policy.Default(), nil)
	doc := passingEvidence()
	doc.InputNL = "cleanup: rm -rf the build dir"
	res := ev.Evaluate(doc, nil)
	if res.Decision != DecisionNeedsHuman {
		t.Errorf("got %s, want %s", res.Decision, DecisionNeedsHuman)
	}
	if len(res.TriggeredRules) != 1 || res.TriggeredRules[0] != RuleRiskPattern {
		t.Errorf("trail %v", res.TriggeredRules)
	}
}

func TestReportRulePass(t *testing.T) {
	ev := NewEvaluator(policy.Default(), nil)
	res := ev.Evaluate(passingEvidence(), nil)
	if res.Decision != DecisionPass {
		t.Fatalf("got %s (%s), want PASS", res.Decision, res.Reason)
	}
	if res.Summary == nil || res.Summary.Tests != 10 {
		t.Error("summary not attached to result")
	}
}

func TestReportRuleFailNamesCount(t *testing.T) {
	ev := NewEvaluator(policy.Default(), nil)
	doc := passingEvidence()
	doc.Summary = &report.Summary{Tests: 10, Failures: 2, Errors: 0}
	res := ev.Evaluate(doc, nil)
	if res.Decision != DecisionFail {
		t.Fatalf("got %s, want FAIL", res.Decision)
	}
	if !strings.Contains(res.Reason, "2") {
		t.Errorf("reason should name the failed count: %q", res.Reason)
	}
}

func TestReportRuleTolerance(t *testing.T) {
	cfg := policy.Default()
	cfg.Report.MaxFailures = 2
	ev := NewEvaluator(cfg, nil)
	doc := passingEvidence()
	doc.Summary = &report.Summary{Tests: 10, Failures: 2, Errors: 0}
	if res := ev.Evaluate(doc, nil); res.Decision != DecisionPass {
		t.Errorf("within tolerance: got %s (%s)", res.Decision, res.Reason)
	}
}

func TestFallbackRule(t *testing.T) {
	cfg := policy.Default()
	ev := NewEvaluator(cfg, nil)

	doc := passingEvidence()
	doc.Summary = nil
	res := ev.Evaluate(doc, nil)
	if res.Decision != DecisionPass {
		t.Errorf("all-success fallback: got %s (%s)", res.Decision, res.Reason)
	}

	doc.ToolCalls = append(doc.ToolCalls, evidence.ToolCall{Tool: "browser", Status: contract.StatusFailed})
	res = ev.Evaluate(doc, nil)
	if res.Decision != DecisionFail {
		t.Errorf("mixed outcomes: got %s, want FAIL", res.Decision)
	}
	if !strings.Contains(res.Reason, "browser") {
		t.Errorf("reason should name the failed tool: %q", res.Reason)
	}

	cfg.Fallback.RequireAllSuccess = false
	res = NewEvaluator(cfg, nil).Evaluate(doc, nil)
	if res.Decision != DecisionPass {
		t.Errorf("relaxed fallback: got %s (%s)", res.Decision, res.Reason)
	}
}

func TestNoDataFails(t *testing.T) {
	ev := NewEvaluator(policy.Default(), nil)
	res := ev.Evaluate(&evidence.Evidence{RunID: "r", InputNL: "nothing ran"}, nil)
	if res.Decision != DecisionFail {
		t.Errorf("got %s, want FAIL", res.Decision)
	}
	if res.Reason != "no execution data" {
		t.Errorf("reason %q", res.Reason)
	}
	if len(res.TriggeredRules) != 1 || res.TriggeredRules[0] != RuleNoData {
		t.Errorf("trail %v", res.TriggeredRules)
	}
}

func TestAIReviewUpgradesPass(t *testing.T) {
	ev := NewEvaluator(policy.Default(), nil)
	review := &evidence.AIReviewResult{Verdict: "NEEDS_REVIEW", Confidence: 0.9}
	res := ev.Evaluate(passingEvidence(), review)
	if res.Decision != DecisionNeedsHuman {
		t.Errorf("non-pass verdict should upgrade: got %s", res.Decision)
	}
	if res.AIReview == nil {
		t.Error("review not attached")
	}
}

func TestAIReviewLowConfidenceUpgradesPass(t *testing.T) {
	ev := NewEvaluator(policy.Default(), nil)
	review := &evidence.AIReviewResult{Verdict: "PASS", Confidence: 0.2}
	res := ev.Evaluate(passingEvidence(), review)
	if res.Decision != DecisionNeedsHuman {
		t.Errorf("low confidence should upgrade: got %s", res.Decision)
	}
}

func TestAIReviewNeverDowngradesFail(t *testing.T) {
	ev := NewEvaluator(policy.Default(), nil)
	doc := passingEvidence()
	doc.Summary = &report.Summary{Tests: 5, Failures: 5}
	review := &evidence.AIReviewResult{Verdict: "PASS", Confidence: 1.0}
	res := ev.Evaluate(doc, review)
	if res.Decision != DecisionFail {
		t.Errorf("permissive review must not rescue a FAIL: got %s", res.Decision)
	}
}

func TestApprovalCreatedOnHumanReview(t *testing.T) {
	approvals := &fakeApprovals{}
	ev := NewEvaluator(policy.Default(), approvals)
	doc := passingEvidence()
	doc.InputNL = "deploy to production"
	res := ev.Evaluate(doc, nil)
	if res.ApprovalID != "apr-run-1" {
		t.Errorf("approval id %q", res.ApprovalID)
	}
	if len(approvals.created) != 1 {
		t.Errorf("created %v", approvals.created)
	}
}

func TestApprovalFailureDoesNotChangeDecision(t *testing.T) {
	ev := NewEvaluator(policy.Default(), &fakeApprovals{fail: true})
	doc := passingEvidence()
	doc.InputNL = "deploy to production"
	res := ev.Evaluate(doc, nil)
	if res.Decision != DecisionNeedsHuman {
		t.Errorf("got %s", res.Decision)
	}
	if res.ApprovalID != "" {
		t.Errorf("unexpected approval id %q", res.ApprovalID)
	}
}
