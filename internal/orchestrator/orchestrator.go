// Package orchestrator sequences one governed run: load policy, plan
// the tool request, execute under governance, enforce the cumulative
// budget, collect evidence, then gate. The step topology is fixed;
// the only branch skips the gate when the budget short-circuits.
package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/qfgate/qfgate/internal/aireview"
	"github.com/qfgate/qfgate/internal/audit"
	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/evidence"
	"github.com/qfgate/qfgate/internal/gate"
	"github.com/qfgate/qfgate/internal/govern"
	"github.com/qfgate/qfgate/internal/policy"
	"github.com/qfgate/qfgate/internal/registry"
	"github.com/qfgate/qfgate/internal/report"
	"github.com/qfgate/qfgate/internal/runstore"
)

// Input describes one requested run.
type Input struct {
	InputNL     string
	Environment string
	Tool        string
	Args        map[string]any
	DryRun      bool
}

// RunState accumulates across the steps of one run. Each step reads
// what its predecessors produced and adds its own output.
type RunState struct {
	RunID          string
	Input          Input
	Policy         *policy.Snapshot
	Request        *contract.ToolRequest
	Results        []*contract.ToolResult
	Budget         govern.Budget
	DecisionSource string
	Review         *evidence.AIReviewResult
	Decision       *gate.Result
	Evidence       *evidence.Evidence
	EvidencePath   string
}

// Orchestrator wires the pipeline's collaborators. Reviews, runs, and
// approvals are optional; a nil trail records nothing.
type Orchestrator struct {
	source    *policy.Source
	registry  *registry.Registry
	store     *evidence.Store
	trail     *audit.Trail
	reviews   *aireview.Aggregator
	approvals gate.ApprovalCreator
	runs      *runstore.Store
}

type Option func(*Orchestrator)

func WithAIReview(agg *aireview.Aggregator) Option {
	return func(o *Orchestrator) { o.reviews = agg }
}

func WithApprovals(ac gate.ApprovalCreator) Option {
	return func(o *Orchestrator) { o.approvals = ac }
}

func WithRunIndex(rs *runstore.Store) Option {
	return func(o *Orchestrator) { o.runs = rs }
}

func New(source *policy.Source, reg *registry.Registry, store *evidence.Store, trail *audit.Trail, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:   source,
		registry: reg,
		store:    store,
		trail:    trail,
	}
	if o.trail == nil {
		o.trail = audit.Disabled()
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives a complete run. Every run, including a short-circuited
// one, ends with exactly one persisted evidence document and one
// terminal decision.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*RunState, error) {
	st := &RunState{
		RunID: "run-" + uuid.NewString()[:12],
		Input: in,
	}

	if err := o.loadPolicy(st); err != nil {
		return st, err
	}
	if err := o.planToolRequest(st); err != nil {
		return st, err
	}
	o.executeTools(ctx, st)
	o.enforceBudget(st)
	o.reviewRun(ctx, st)
	if err := o.collectEvidence(st); err != nil {
		return st, err
	}
	if st.DecisionSource != evidence.SourceShortCircuit {
		o.gateAndHITL(st)
	}
	o.index(st)

	if _, err := o.trail.DecisionMade(st.RunID, st.Decision, st.DecisionSource); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: audit decision for %s: %v\n", st.RunID, err)
	}
	return st, nil
}

func (o *Orchestrator) loadPolicy(st *RunState) error {
	snap, err := o.source.Get()
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	st.Policy = snap
	return nil
}

func (o *Orchestrator) planToolRequest(st *RunState) error {
	req, err := contract.NewRequest(st.Input.Tool, st.RunID, st.Input.Args)
	if err != nil {
		return fmt.Errorf("plan tool request: %w", err)
	}
	cfg := st.Policy.Config
	if cfg.Sandbox.TimeoutSec > 0 {
		req.TimeoutSec = cfg.Sandbox.TimeoutSec
	}
	req.MaxRetries = cfg.CostGovernance.MaxRetries
	req.DryRun = st.Input.DryRun
	st.Request = req
	return nil
}

func (o *Orchestrator) executeTools(ctx context.Context, st *RunState) {
	if _, err := o.trail.ToolStarted(st.RunID, st.Request); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: audit tool start for %s: %v\n", st.RunID, err)
	}

	res, err := o.registry.Execute(ctx, st.Request.Tool, st.Request, st.Policy.Config)
	if err != nil {
		res = contract.FailedResult(st.Request.Tool, err)
	}
	st.Results = append(st.Results, res)
	st.Budget.Add(res.Metrics.DurationMS, res.Metrics.Attempts, res.Metrics.RetriesUsed)

	if res.PolicyBlocked {
		if _, err := o.trail.PolicyBlocked(st.RunID, res.Tool, res.ErrorMsg); err != nil {
			fmt.Fprintf(os.Stderr, "orchestrator: audit policy block for %s: %v\n", st.RunID, err)
		}
	} else if _, err := o.trail.ToolFinished(st.RunID, res); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: audit tool finish for %s: %v\n", st.RunID, err)
	}
	if res.Sandbox != nil {
		if _, err := o.trail.SandboxExec(st.RunID, res); err != nil {
			fmt.Fprintf(os.Stderr, "orchestrator: audit sandbox exec for %s: %v\n", st.RunID, err)
		}
	}
}

// enforceBudget compares cumulative elapsed time against the policy
// ceiling. On excess the decision is pre-set to FAIL and the gate
// never runs for this run.
func (o *Orchestrator) enforceBudget(st *RunState) {
	limitMS := st.Policy.Config.CostGovernance.BudgetMS()
	if st.Budget.Exceeds(limitMS) {
		reason := fmt.Sprintf("cumulative elapsed %dms exceeds budget %dms", st.Budget.ElapsedMSTotal, limitMS)
		st.Budget.ShortCircuit(reason)
		st.DecisionSource = evidence.SourceShortCircuit
		st.Decision = &gate.Result{
			Decision: gate.DecisionFail,
			Reason:   reason,
		}
		return
	}
	st.DecisionSource = evidence.SourceGate
}

// reviewRun computes the AI review ahead of evidence collection so
// the persisted document carries it. Short-circuited runs get none.
func (o *Orchestrator) reviewRun(ctx context.Context, st *RunState) {
	if o.reviews == nil || !st.Policy.Config.AIReview.Enabled {
		return
	}
	if st.DecisionSource == evidence.SourceShortCircuit {
		return
	}
	st.Review = o.reviews.Review(ctx, reviewContent(st), st.Input.Environment)
}

func (o *Orchestrator) collectEvidence(st *RunState) error {
	ev := evidence.Collect(evidence.CollectInput{
		RunID:       st.RunID,
		InputNL:     st.Input.InputNL,
		Environment: st.Input.Environment,
		Results:     st.Results,
		Summary:     summarize(st.Results),
		Budget:      st.Budget,
		PolicyLimits: evidence.PolicyLimits{
			TimeoutSec: st.Policy.Config.CostGovernance.TimeoutSec,
			MaxRetries: st.Policy.Config.CostGovernance.MaxRetries,
		},
		DecisionSource: st.DecisionSource,
		AIReview:       st.Review,
	})
	st.Evidence = ev

	path, err := o.store.Write(ev)
	if err != nil {
		return fmt.Errorf("persist evidence: %w", err)
	}
	st.EvidencePath = path

	if _, err := o.trail.ArtifactsCollected(st.RunID, ev.Artifacts); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: audit artifacts for %s: %v\n", st.RunID, err)
	}
	return nil
}

func (o *Orchestrator) gateAndHITL(st *RunState) {
	eval := gate.NewEvaluator(st.Policy.Config, o.approvals)
	st.Decision = eval.Evaluate(st.Evidence, st.Review)
}

// index records the finished run in the run index, best-effort.
func (o *Orchestrator) index(st *RunState) {
	if o.runs == nil || st.Decision == nil {
		return
	}
	rec := runstore.Record{
		RunID:          st.RunID,
		Decision:       string(st.Decision.Decision),
		Reason:         st.Decision.Reason,
		DecisionSource: st.DecisionSource,
		Environment:    st.Input.Environment,
		Tools:          len(st.Results),
		ElapsedMS:      st.Budget.ElapsedMSTotal,
		ShortCircuited: st.Budget.ShortCircuited,
		EvidencePath:   st.EvidencePath,
	}
	if err := o.runs.Save(rec); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: index run %s: %v\n", st.RunID, err)
	}
}

// summarize extracts a structured report summary from adapter raw
// output when one is present.
func summarize(results []*contract.ToolResult) *report.Summary {
	for _, res := range results {
		if res == nil || res.RawOutput == nil {
			continue
		}
		if s := report.FromRawOutput(res.RawOutput); s.HasData() {
			return s
		}
	}
	return nil
}

// reviewContent renders the run for model adjudication.
func reviewContent(st *RunState) string {
	content := fmt.Sprintf("input: %s\n", st.Input.InputNL)
	for _, res := range st.Results {
		content += fmt.Sprintf("tool %s: status=%s duration_ms=%d", res.Tool, res.Status, res.Metrics.DurationMS)
		if res.ErrorMsg != "" {
			content += " error=" + res.ErrorMsg
		}
		content += "\n"
	}
	if s := summarize(st.Results); s.HasData() {
		content += fmt.Sprintf("report: tests=%d failures=%d errors=%d skipped=%d\n",
			s.Tests, s.Failures, s.Errors, s.Skipped)
	}
	return content
}
