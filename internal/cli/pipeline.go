package cli

import (
	"fmt"
	"os"

	"github.com/qfgate/qfgate/internal/aireview"
	"github.com/qfgate/qfgate/internal/approval"
	"github.com/qfgate/qfgate/internal/audit"
	"github.com/qfgate/qfgate/internal/evidence"
	"github.com/qfgate/qfgate/internal/govern"
	"github.com/qfgate/qfgate/internal/orchestrator"
	"github.com/qfgate/qfgate/internal/policy"
	"github.com/qfgate/qfgate/internal/registry"
	"github.com/qfgate/qfgate/internal/runstore"
	"github.com/qfgate/qfgate/internal/tools"
)

// pipeline bundles the wired collaborators behind one run.
type pipeline struct {
	orch      *orchestrator.Orchestrator
	source    *policy.Source
	approvals *approval.Store
	log       *audit.Log
	runs      *runstore.Store
}

func (p *pipeline) close() {
	if p.log != nil {
		if err := p.log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close audit log: %v\n", err)
		}
	}
	if p.runs != nil {
		if err := p.runs.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close run index: %v\n", err)
		}
	}
}

// buildPipeline wires the full orchestration stack from a policy file.
// Empty policyPath resolves through QF_POLICY and ~/.qfgate.
func buildPipeline(policyPath, workDir string) (*pipeline, error) {
	source := policy.NewSource(policyPath)
	snap, err := source.Get()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	reg := registry.New(govern.NewExecutor())
	reg.Register("pytest", tools.NewPytestAdapter(snap.Config.Sandbox, workDir).Func())
	reg.Seal()

	store, err := evidence.NewStore(evidence.DefaultDir())
	if err != nil {
		return nil, fmt.Errorf("open evidence store: %w", err)
	}

	log, err := audit.Open(audit.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	repro := evidence.CaptureRepro()
	trail := audit.NewTrail(log, snap.Hash, repro.SourceRevision, "cli")

	approvals, err := approval.NewStore(approval.DefaultDir())
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open approval store: %w", err)
	}

	runs, err := runstore.Open(runstore.DefaultPath())
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open run index: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithApprovals(approvals),
		orchestrator.WithRunIndex(runs),
	}
	if snap.Config.AIReview.Enabled {
		adj := aireview.NewHTTPAdjudicator(aireview.ClientConfig{
			APIURL: os.Getenv("QF_AI_API_URL"),
			APIKey: os.Getenv("QF_AI_API_KEY"),
		})
		opts = append(opts, orchestrator.WithAIReview(aireview.NewAggregator(snap.Config.AIReview, adj)))
	}

	return &pipeline{
		orch:      orchestrator.New(source, reg, store, trail, opts...),
		source:    source,
		approvals: approvals,
		log:       log,
		runs:      runs,
	}, nil
}
