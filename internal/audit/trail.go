package audit

import (
	"encoding/json"
	"path"

	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/gate"
)

// sampleLimit bounds how many artifact references an
// artifacts-collected event carries.
const sampleLimit = 10

// Trail is the write side of the audit log bound to the active policy
// hash and source revision. A disabled trail drops every event and
// never errors.
type Trail struct {
	log            *Log
	disabled       bool
	policyHash     string
	sourceRevision string
	actor          string
}

// NewTrail wraps a log. A nil log behaves as disabled.
func NewTrail(log *Log, policyHash, sourceRevision, actor string) *Trail {
	return &Trail{
		log:            log,
		disabled:       log == nil,
		policyHash:     policyHash,
		sourceRevision: sourceRevision,
		actor:          actor,
	}
}

// Disabled returns a trail that records nothing.
func Disabled() *Trail {
	return &Trail{disabled: true}
}

// write stamps the common fields and records. Returns the stamped
// entry, or nil when the trail is disabled.
func (t *Trail) write(e Entry) (*Entry, error) {
	if t.disabled {
		return nil, nil
	}
	e.Actor = t.actor
	e.PolicyHash = t.policyHash
	e.SourceRevision = t.sourceRevision
	if err := t.log.Record(e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ToolStarted records the admission of a tool invocation. Arguments
// are hashed, never stored.
func (t *Trail) ToolStarted(runID string, req *contract.ToolRequest) (*Entry, error) {
	return t.write(Entry{
		RunID:     runID,
		EventType: EventToolStarted,
		Tool:      req.Tool,
		ArgsHash:  HashArgs(req.Args),
	})
}

// ToolFinished records a tool outcome with its governed metrics.
func (t *Trail) ToolFinished(runID string, res *contract.ToolResult) (*Entry, error) {
	return t.write(Entry{
		RunID:      runID,
		EventType:  EventToolFinished,
		Tool:       res.Tool,
		Status:     string(res.Status),
		DurationMS: res.Metrics.DurationMS,
	})
}

// PolicyBlocked records a refusal by the tool allow-list.
func (t *Trail) PolicyBlocked(runID, tool, reason string) (*Entry, error) {
	detail, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{Reason: reason})
	return t.write(Entry{
		RunID:     runID,
		EventType: EventPolicyBlocked,
		Tool:      tool,
		Status:    string(contract.StatusSkipped),
		Detail:    detail,
	})
}

// SandboxExec records how a result's execution was isolated. Results
// without sandbox info produce no entry.
func (t *Trail) SandboxExec(runID string, res *contract.ToolResult) (*Entry, error) {
	if res.Sandbox == nil {
		return nil, nil
	}
	exitCode := 0
	if res.Metrics.ExitCode != nil {
		exitCode = *res.Metrics.ExitCode
	}
	detail, _ := json.Marshal(sandboxDetail{
		Mode:            res.Sandbox.Mode,
		Blocked:         res.Sandbox.Blocked,
		BlockReason:     res.Sandbox.BlockReason,
		ExitCode:        exitCode,
		KilledByTimeout: res.Metrics.TimedOut,
		NetworkDegraded: res.Sandbox.NetworkDegraded,
		ImageDigest:     res.Sandbox.ImageDigest,
	})
	return t.write(Entry{
		RunID:      runID,
		EventType:  EventSandboxExec,
		Tool:       res.Tool,
		DurationMS: res.Metrics.DurationMS,
		Detail:     detail,
	})
}

// DecisionMade records the terminal gate decision with its
// provenance tag.
func (t *Trail) DecisionMade(runID string, res *gate.Result, decisionSource string) (*Entry, error) {
	detail, _ := json.Marshal(decisionDetail{
		Decision:       string(res.Decision),
		Reason:         res.Reason,
		TriggeredRules: res.TriggeredRules,
		ApprovalID:     res.ApprovalID,
	})
	return t.write(Entry{
		RunID:          runID,
		EventType:      EventDecisionMade,
		Status:         string(res.Decision),
		DecisionSource: decisionSource,
		Detail:         detail,
	})
}

// ArtifactsCollected records counts by type plus a bounded sample of
// references. Paths in the sample are reduced to a stored relative
// path or bare filename; absolute paths never land in the log.
func (t *Trail) ArtifactsCollected(runID string, artifacts []contract.ArtifactRef) (*Entry, error) {
	d := artifactsDetail{
		Total:  len(artifacts),
		ByType: map[string]int{},
	}
	for _, a := range artifacts {
		d.ByType[string(a.Type)]++
		if len(d.Sample) < sampleLimit {
			d.Sample = append(d.Sample, artifactSample{
				Type: string(a.Type),
				Path: redactPath(a),
			})
		}
	}
	detail, _ := json.Marshal(d)
	return t.write(Entry{
		RunID:     runID,
		EventType: EventArtifactsCollected,
		Detail:    detail,
	})
}

func redactPath(a contract.ArtifactRef) string {
	p := a.AuditPath()
	if len(p) > 0 && p[0] == '/' {
		return path.Base(p)
	}
	return p
}
