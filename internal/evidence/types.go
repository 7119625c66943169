// Package evidence assembles and persists the durable record of one
// run: inputs, tool outcomes, artifacts, report summary, repro
// metadata, and the governance budget snapshot. An evidence document
// is written exactly once and never mutated afterwards.
package evidence

import (
	"time"

	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/govern"
	"github.com/qfgate/qfgate/internal/report"
)

// Decision sources distinguish why a run reached its terminal state.
const (
	SourceGate         = "gate_evaluator"
	SourceShortCircuit = "governance_short_circuit"
)

// ToolCall summarizes one governed tool invocation inside a run.
type ToolCall struct {
	Tool        string          `json:"tool"`
	Status      contract.Status `json:"status"`
	ErrorMsg    string          `json:"error_message,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	Attempts    int             `json:"attempts"`
	RetriesUsed int             `json:"retries_used"`
	TimedOut    bool            `json:"timed_out"`
	ExitCode    *int            `json:"exit_code,omitempty"`
}

// Repro captures what is needed to reproduce the run.
type Repro struct {
	SourceRevision string `json:"source_revision,omitempty"`
	Branch         string `json:"branch,omitempty"`
	Dirty          bool   `json:"dirty"`
	DepsFingerprnt string `json:"deps_fingerprint,omitempty"`
	Runtime        string `json:"runtime"`
	Platform       string `json:"platform"`
}

// PolicyLimits snapshots the cost ceilings active during the run.
type PolicyLimits struct {
	TimeoutSec int `json:"timeout_s"`
	MaxRetries int `json:"max_retries"`
}

// Governance nests the budget snapshot and the decision provenance.
type Governance struct {
	Budget             govern.Budget `json:"budget"`
	PolicyLimits       PolicyLimits  `json:"policy_limits"`
	ShortCircuited     bool          `json:"short_circuited"`
	ShortCircuitReason string        `json:"short_circuit_reason,omitempty"`
	DecisionSource     string        `json:"decision_source"`
}

// AIReviewResult is the aggregated multi-model verdict attached to
// evidence when AI review ran.
type AIReviewResult struct {
	Verdict     string      `json:"verdict"`
	Confidence  float64     `json:"confidence"`
	Votes       []ModelVote `json:"votes,omitempty"`
	Reasoning   string      `json:"reasoning,omitempty"`
	ContentHash string      `json:"content_hash"`
	DurationMS  int64       `json:"duration_ms"`
}

// ModelVote is one adjudicator's contribution.
type ModelVote struct {
	Model      string  `json:"model"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// Evidence is the immutable-once-written record of a run.
type Evidence struct {
	RunID       string                 `json:"run_id"`
	InputNL     string                 `json:"input_nl,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	ToolCalls   []ToolCall             `json:"tool_calls"`
	Artifacts   []contract.ArtifactRef `json:"artifacts"`
	Summary     *report.Summary        `json:"summary,omitempty"`
	Repro       Repro                  `json:"repro"`
	Governance  Governance             `json:"governance"`
	AIReview    *AIReviewResult        `json:"ai_review,omitempty"`
	CollectedAt time.Time              `json:"collected_at"`
}
