// Package daemon implements the qfgate inbox/outbox service. Run
// requests arrive as JSON files in the inbox directory, are driven
// through the orchestration pipeline, and decisions are written to
// the outbox directory.
package daemon

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of an inbox job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// validID matches alphanumeric characters, dashes, and underscores only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Job is one run request dropped into the inbox.
type Job struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	InputNL     string         `json:"input_nl"`
	Environment string         `json:"environment,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`
	Source      string         `json:"source,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Result is written to the outbox after a job finishes.
type Result struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id,omitempty"`
	Status       string    `json:"status"`
	Decision     string    `json:"decision,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	ApprovalID   string    `json:"approval_id,omitempty"`
	EvidencePath string    `json:"evidence_path,omitempty"`
	Error        string    `json:"error,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Result status values.
const (
	ResultDone            = "done"
	ResultFailed          = "failed"
	ResultPendingApproval = "pending_approval"
)

// ValidateJob checks that a job has all required fields and safe values.
func ValidateJob(j *Job) error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if strings.Contains(j.ID, "..") {
		return fmt.Errorf("job ID must not contain '..'")
	}
	if !validID.MatchString(j.ID) {
		return fmt.Errorf("job ID contains invalid characters: only alphanumeric, dash, and underscore allowed")
	}
	if j.Tool == "" {
		return fmt.Errorf("job tool is required")
	}
	if j.InputNL == "" {
		return fmt.Errorf("job input is required")
	}
	return nil
}
