// Package contract defines the shared tool execution value types:
// requests, results, artifacts, and metrics. Every other component
// speaks in these types.
package contract

import (
	"fmt"
	"strings"
	"time"
)

// Status is the terminal state of one tool invocation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Timeout and retry bounds for ToolRequest validation.
const (
	MinTimeoutSec = 1
	MaxTimeoutSec = 3600
	MaxRetries    = 10
)

// ToolRequest describes one tool invocation. Construct with NewRequest
// and treat as immutable afterwards.
type ToolRequest struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	RunID      string         `json:"run_id"`
	TimeoutSec int            `json:"timeout_s"`
	MaxRetries int            `json:"max_retries"`
	DryRun     bool           `json:"dry_run,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewRequest builds a validated ToolRequest with clamped defaults:
// zero timeout becomes 300s, out-of-range values are rejected.
func NewRequest(tool, runID string, args map[string]any) (*ToolRequest, error) {
	if strings.TrimSpace(tool) == "" {
		return nil, fmt.Errorf("tool name must not be empty")
	}
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id must not be empty")
	}
	return &ToolRequest{
		Tool:       tool,
		Args:       args,
		RunID:      runID,
		TimeoutSec: 300,
	}, nil
}

// Validate checks the request bounds. Zero values that NewRequest fills
// are rejected here so hand-built requests get the same guarantees.
func (r *ToolRequest) Validate() error {
	if strings.TrimSpace(r.Tool) == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("run id must not be empty")
	}
	if r.TimeoutSec < MinTimeoutSec || r.TimeoutSec > MaxTimeoutSec {
		return fmt.Errorf("timeout %ds outside [%d, %d]", r.TimeoutSec, MinTimeoutSec, MaxTimeoutSec)
	}
	if r.MaxRetries < 0 || r.MaxRetries > MaxRetries {
		return fmt.Errorf("max retries %d outside [0, %d]", r.MaxRetries, MaxRetries)
	}
	return nil
}

// Timeout returns the per-attempt deadline as a duration.
func (r *ToolRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutSec) * time.Second
}

// ToolMetrics carries timing, exit, step, and governance counters for
// one result. DurationMS is cumulative across all attempts.
type ToolMetrics struct {
	DurationMS  int64 `json:"duration_ms"`
	ExitCode    *int  `json:"exit_code,omitempty"`
	StepsTotal  int   `json:"steps_total,omitempty"`
	StepsPassed int   `json:"steps_passed,omitempty"`
	StepsFailed int   `json:"steps_failed,omitempty"`
	Attempts    int   `json:"attempts"`
	RetriesUsed int   `json:"retries_used"`
	TimedOut    bool  `json:"timed_out"`
}

// ToolResult is the uniform outcome of one governed tool invocation.
type ToolResult struct {
	Tool        string         `json:"tool"`
	Status      Status         `json:"status"`
	Stdout      string         `json:"stdout,omitempty"`
	Stderr      string         `json:"stderr,omitempty"`
	ErrorMsg    string         `json:"error_message,omitempty"`
	Artifacts   []ArtifactRef  `json:"artifacts,omitempty"`
	Metrics     ToolMetrics    `json:"metrics"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	ArtifactDir string         `json:"artifact_dir,omitempty"`
	RawOutput   map[string]any `json:"raw_output,omitempty"`

	// PolicyBlocked marks a refusal by the tool allow-list: the tool
	// function was never invoked. Distinct from execution failure.
	PolicyBlocked bool `json:"policy_blocked,omitempty"`

	// Sandbox is set by adapters that ran inside an isolation layer.
	Sandbox *SandboxInfo `json:"sandbox,omitempty"`
}

// SandboxInfo records how a tool invocation was isolated. Container
// runs additionally carry the resolved image digest and whether the
// network had to fall back from full isolation to an allow-list.
type SandboxInfo struct {
	Mode            string `json:"mode"`
	Blocked         bool   `json:"blocked,omitempty"`
	BlockReason     string `json:"block_reason,omitempty"`
	NetworkDegraded bool   `json:"network_degraded,omitempty"`
	ImageDigest     string `json:"image_digest,omitempty"`
	ContainerName   string `json:"container_name,omitempty"`
}

// Succeeded reports whether the result satisfies the success invariant:
// success status, no error message, and no timeout flag.
func (r *ToolResult) Succeeded() bool {
	return r.Status == StatusSuccess && r.ErrorMsg == "" && !r.Metrics.TimedOut
}

// FailedResult builds a failed ToolResult carrying the given error.
// Used wherever an unexpected error must become a structured outcome.
func FailedResult(tool string, err error) *ToolResult {
	now := time.Now().UTC()
	return &ToolResult{
		Tool:       tool,
		Status:     StatusFailed,
		ErrorMsg:   err.Error(),
		StartedAt:  now,
		FinishedAt: now,
		Metrics:    ToolMetrics{Attempts: 1},
	}
}
