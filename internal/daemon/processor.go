package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/qfgate/qfgate/internal/gate"
	"github.com/qfgate/qfgate/internal/orchestrator"
)

// Runner drives one governed run. Satisfied by the orchestrator.
type Runner interface {
	Run(ctx context.Context, in orchestrator.Input) (*orchestrator.RunState, error)
}

// Processor handles job lifecycle transitions: read, validate, move
// to processing, run, write the decision to the outbox.
type Processor struct {
	dirs   DirConfig
	runner Runner
}

// NewProcessor creates a processor bound to the directory layout and
// a runner.
func NewProcessor(dirs DirConfig, runner Runner) *Processor {
	return &Processor{dirs: dirs, runner: runner}
}

// Process handles a single job file through its full lifecycle.
func (p *Processor) Process(ctx context.Context, jobPath string) error {
	// Reject symlinks before reading: an inbox symlink would let an
	// attacker feed arbitrary filesystem content in as a job.
	fi, err := os.Lstat(jobPath)
	if err != nil {
		return fmt.Errorf("stat job file: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("rejected symlink: %s", filepath.Base(jobPath))
	}

	data, err := os.ReadFile(jobPath)
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		p.quarantine(jobPath)
		return p.writeFailedResult(filepath.Base(jobPath), fmt.Sprintf("invalid JSON: %v", err))
	}

	if err := ValidateJob(&job); err != nil {
		p.quarantine(jobPath)
		return p.writeFailedResult(job.ID, fmt.Sprintf("validation failed: %v", err))
	}

	// Move to processing state before running so a crash leaves a
	// visible orphan instead of a silently re-runnable inbox file.
	processingPath := filepath.Join(p.dirs.ProcessingDir(), job.ID+".json")
	if err := moveFile(jobPath, processingPath); err != nil {
		return fmt.Errorf("move to processing: %w", err)
	}

	result := p.execute(ctx, &job)

	if err := p.writeResult(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	_ = os.Remove(processingPath)
	return nil
}

// execute runs the job through the pipeline and maps the terminal
// decision onto a result.
func (p *Processor) execute(ctx context.Context, job *Job) *Result {
	st, err := p.runner.Run(ctx, orchestrator.Input{
		InputNL:     job.InputNL,
		Environment: job.Environment,
		Tool:        job.Tool,
		Args:        job.Args,
		DryRun:      job.DryRun,
	})
	if err != nil {
		return &Result{
			ID:          job.ID,
			Status:      ResultFailed,
			Error:       err.Error(),
			CompletedAt: time.Now().UTC(),
		}
	}

	res := &Result{
		ID:           job.ID,
		RunID:        st.RunID,
		Status:       ResultDone,
		Decision:     string(st.Decision.Decision),
		Reason:       st.Decision.Reason,
		ApprovalID:   st.Decision.ApprovalID,
		EvidencePath: st.EvidencePath,
		CompletedAt:  time.Now().UTC(),
	}
	if st.Decision.Decision == gate.DecisionNeedsHuman {
		res.Status = ResultPendingApproval
	}
	return res
}

// writeResult writes a result to the outbox atomically.
func (p *Processor) writeResult(result *Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(p.dirs.Outbox, result.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// writeFailedResult reports a job that never reached execution.
func (p *Processor) writeFailedResult(id, reason string) error {
	return p.writeResult(&Result{
		ID:          sanitizeResultID(id),
		Status:      ResultFailed,
		Error:       reason,
		CompletedAt: time.Now().UTC(),
	})
}

// quarantine moves a malformed job file into the failed directory so
// it is not reprocessed.
func (p *Processor) quarantine(jobPath string) {
	dst := filepath.Join(p.dirs.FailedDir(), filepath.Base(jobPath))
	if err := moveFile(jobPath, dst); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: quarantine %s: %v\n", filepath.Base(jobPath), err)
	}
}

// sanitizeResultID keeps outbox filenames path-safe even when the job
// id came from a malformed file.
func sanitizeResultID(id string) string {
	base := filepath.Base(id)
	if base == "." || base == string(filepath.Separator) || !validID.MatchString(trimJSONSuffix(base)) {
		return "malformed-" + fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return trimJSONSuffix(base)
}

func trimJSONSuffix(name string) string {
	if len(name) > 5 && name[len(name)-5:] == ".json" {
		return name[:len(name)-5]
	}
	return name
}
