package audit

import "encoding/json"

// Event types recorded by the trail.
const (
	EventToolStarted        = "tool-started"
	EventToolFinished       = "tool-finished"
	EventDecisionMade       = "decision-made"
	EventPolicyBlocked      = "policy-blocked"
	EventSandboxExec        = "sandbox-exec"
	EventArtifactsCollected = "artifacts-collected"
)

// Entry is one line in the hash-chained JSONL audit log. All fields
// are concrete types so json.Marshal field order is deterministic and
// line hashes are reproducible.
type Entry struct {
	Timestamp      string          `json:"ts"`
	RunID          string          `json:"run_id"`
	EventType      string          `json:"event_type"`
	Actor          string          `json:"actor,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	ArgsHash       string          `json:"args_hash,omitempty"`
	Status         string          `json:"status,omitempty"`
	DurationMS     int64           `json:"duration_ms,omitempty"`
	PolicyHash     string          `json:"policy_hash,omitempty"`
	SourceRevision string          `json:"source_revision,omitempty"`
	DecisionSource string          `json:"decision_source,omitempty"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	PrevHash       string          `json:"prev_hash"`
}

// decisionDetail is the detail blob for decision-made events.
type decisionDetail struct {
	Decision       string   `json:"decision"`
	Reason         string   `json:"reason"`
	TriggeredRules []string `json:"triggered_rules,omitempty"`
	ApprovalID     string   `json:"approval_id,omitempty"`
}

// sandboxDetail is the detail blob for sandbox-exec events. Paths are
// never recorded; only the boundary outcome is.
type sandboxDetail struct {
	Mode            string `json:"mode"`
	Blocked         bool   `json:"blocked"`
	BlockReason     string `json:"block_reason,omitempty"`
	ExitCode        int    `json:"exit_code"`
	KilledByTimeout bool   `json:"killed_by_timeout"`
	NetworkDegraded bool   `json:"network_degraded,omitempty"`
	ImageDigest     string `json:"image_digest,omitempty"`
}

// artifactSample is one redacted artifact reference inside an
// artifacts-collected detail blob.
type artifactSample struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// artifactsDetail aggregates an artifacts-collected event: counts by
// type plus a bounded sample with paths reduced to relative form.
type artifactsDetail struct {
	Total  int              `json:"total"`
	ByType map[string]int   `json:"by_type"`
	Sample []artifactSample `json:"sample,omitempty"`
}
