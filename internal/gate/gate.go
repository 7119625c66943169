// Package gate turns execution evidence into a terminal decision.
// Rules evaluate in a fixed order and the first match wins: risk
// screen, structured-report rule, fallback rule, no-data. An AI
// review verdict can only tighten a PASS, never loosen a FAIL or a
// risk-triggered review.
package gate

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/evidence"
	"github.com/qfgate/qfgate/internal/policy"
	"github.com/qfgate/qfgate/internal/report"
)

// Decision is a terminal gate state.
type Decision string

const (
	DecisionPass       Decision = "PASS"
	DecisionFail       Decision = "FAIL"
	DecisionNeedsHuman Decision = "NEED_HUMAN_REVIEW"
)

// Rule identifiers recorded in the triggered-rule trail.
const (
	RuleRiskKeyword = "risk_keyword"
	RuleRiskPattern = "risk_pattern"
	RuleReport      = "report_rule"
	RuleFallback    = "fallback_rule"
	RuleNoData      = "no_data"
	RuleAIReview    = "ai_review"
)

// Result is the gate's output for one run.
type Result struct {
	Decision       Decision                 `json:"decision"`
	Reason         string                   `json:"reason"`
	TriggeredRules []string                 `json:"triggered_rules"`
	Summary        *report.Summary          `json:"summary,omitempty"`
	ApprovalID     string                   `json:"approval_id,omitempty"`
	AIReview       *evidence.AIReviewResult `json:"ai_review,omitempty"`
}

// ApprovalCreator files a pending approval for a human-review
// decision. Creation is best-effort at the call site.
type ApprovalCreator interface {
	CreatePending(runID, reason string) (string, error)
}

// Evaluator applies the policy's gate rules to evidence.
type Evaluator struct {
	cfg       *policy.Config
	approvals ApprovalCreator

	once       sync.Once
	keywordRes []*regexp.Regexp
}

// NewEvaluator builds an evaluator. approvals may be nil, in which
// case human-review decisions carry no approval id.
func NewEvaluator(cfg *policy.Config, approvals ApprovalCreator) *Evaluator {
	return &Evaluator{cfg: cfg, approvals: approvals}
}

// Evaluate runs the rule chain over the evidence document and an
// optional pre-computed AI review result.
func (e *Evaluator) Evaluate(ev *evidence.Evidence, review *evidence.AIReviewResult) *Result {
	res := e.ruleDecision(ev)
	res.AIReview = review

	// AI review may only upgrade PASS to human review. Risk screens
	// and FAILs stand regardless of how permissive the models were.
	if review != nil && res.Decision == DecisionPass {
		if verdict := strings.ToUpper(review.Verdict); verdict != string(DecisionPass) {
			res.Decision = DecisionNeedsHuman
			res.Reason = fmt.Sprintf("ai review verdict %s (confidence %.2f)", review.Verdict, review.Confidence)
			res.TriggeredRules = append(res.TriggeredRules, RuleAIReview)
		} else if review.Confidence < e.cfg.AIReview.ReviewThreshold {
			res.Decision = DecisionNeedsHuman
			res.Reason = fmt.Sprintf("ai review confidence %.2f below threshold %.2f", review.Confidence, e.cfg.AIReview.ReviewThreshold)
			res.TriggeredRules = append(res.TriggeredRules, RuleAIReview)
		}
	}

	if res.Decision == DecisionNeedsHuman && e.approvals != nil {
		id, err := e.approvals.CreatePending(ev.RunID, res.Reason)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gate: create approval for %s: %v\n", ev.RunID, err)
		} else {
			res.ApprovalID = id
		}
	}
	return res
}

func (e *Evaluator) ruleDecision(ev *evidence.Evidence) *Result {
	res := &Result{Summary: ev.Summary}

	// 1. Risk screen over the free-text input. Keyword order in the
	// policy is the reporting priority when several match.
	if kw := e.matchKeyword(ev.InputNL); kw != "" {
		res.Decision = DecisionNeedsHuman
		res.Reason = fmt.Sprintf("risk keyword %q detected in input", kw)
		res.TriggeredRules = append(res.TriggeredRules, RuleRiskKeyword)
		return res
	}
	for _, re := range e.cfg.CompiledPatterns() {
		if re.MatchString(ev.InputNL) {
			res.Decision = DecisionNeedsHuman
			res.Reason = fmt.Sprintf("risk pattern %q detected in input", re.String())
			res.TriggeredRules = append(res.TriggeredRules, RuleRiskPattern)
			return res
		}
	}

	// 2. Structured report, when one with data exists.
	if ev.Summary.HasData() {
		res.TriggeredRules = append(res.TriggeredRules, RuleReport)
		bad := ev.Summary.Failures + ev.Summary.Errors
		if ev.Summary.Failures <= e.cfg.Report.MaxFailures && ev.Summary.Errors <= e.cfg.Report.MaxErrors {
			res.Decision = DecisionPass
			res.Reason = fmt.Sprintf("%d tests passed within tolerance", ev.Summary.Tests)
		} else {
			res.Decision = DecisionFail
			res.Reason = fmt.Sprintf("%d of %d tests failed or errored", bad, ev.Summary.Tests)
		}
		return res
	}

	// 3. Fallback on raw tool-call outcomes.
	if len(ev.ToolCalls) > 0 {
		res.TriggeredRules = append(res.TriggeredRules, RuleFallback)
		var failed []string
		succeeded := 0
		for _, tc := range ev.ToolCalls {
			if tc.Status == contract.StatusSuccess {
				succeeded++
			} else {
				failed = append(failed, tc.Tool)
			}
		}
		pass := len(failed) == 0
		if !e.cfg.Fallback.RequireAllSuccess {
			pass = succeeded > 0
		}
		if pass {
			res.Decision = DecisionPass
			res.Reason = fmt.Sprintf("%d of %d tool calls succeeded", succeeded, len(ev.ToolCalls))
		} else {
			res.Decision = DecisionFail
			res.Reason = fmt.Sprintf("tool calls failed: %s", strings.Join(failed, ", "))
		}
		return res
	}

	// 4. Nothing to judge.
	res.Decision = DecisionFail
	res.Reason = "no execution data"
	res.TriggeredRules = append(res.TriggeredRules, RuleNoData)
	return res
}

// matchKeyword returns the first configured keyword that appears as a
// whole word in the input, in policy order.
func (e *Evaluator) matchKeyword(input string) string {
	e.once.Do(func() {
		for _, kw := range e.cfg.RiskKeywords {
			e.keywordRes = append(e.keywordRes,
				regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
		}
	})
	for i, re := range e.keywordRes {
		if re.MatchString(input) {
			return e.cfg.RiskKeywords[i]
		}
	}
	return ""
}
