package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/govern"
	"github.com/qfgate/qfgate/internal/report"
)

// CollectInput carries everything the collector folds into one
// evidence document.
type CollectInput struct {
	RunID          string
	InputNL        string
	Environment    string
	Results        []*contract.ToolResult
	Summary        *report.Summary
	Budget         govern.Budget
	PolicyLimits   PolicyLimits
	DecisionSource string
	AIReview       *AIReviewResult
}

// Collect builds an Evidence document from the run's accumulated
// state. Artifact refs with invalid paths are dropped rather than
// persisted — the relative-path invariant holds for every stored ref.
func Collect(in CollectInput) *Evidence {
	ev := &Evidence{
		RunID:       in.RunID,
		InputNL:     in.InputNL,
		Environment: in.Environment,
		ToolCalls:   make([]ToolCall, 0, len(in.Results)),
		Artifacts:   []contract.ArtifactRef{},
		Summary:     in.Summary,
		Repro:       CaptureRepro(),
		Governance: Governance{
			Budget:             in.Budget,
			PolicyLimits:       in.PolicyLimits,
			ShortCircuited:     in.Budget.ShortCircuited,
			ShortCircuitReason: in.Budget.ShortCircuitReason,
			DecisionSource:     in.DecisionSource,
		},
		AIReview:    in.AIReview,
		CollectedAt: time.Now().UTC(),
	}

	for _, res := range in.Results {
		if res == nil {
			continue
		}
		ev.ToolCalls = append(ev.ToolCalls, ToolCall{
			Tool:        res.Tool,
			Status:      res.Status,
			ErrorMsg:    res.ErrorMsg,
			DurationMS:  res.Metrics.DurationMS,
			Attempts:    res.Metrics.Attempts,
			RetriesUsed: res.Metrics.RetriesUsed,
			TimedOut:    res.Metrics.TimedOut,
			ExitCode:    res.Metrics.ExitCode,
		})
		for _, a := range res.Artifacts {
			if contract.ValidateArtifactPath(a.Path) == nil {
				ev.Artifacts = append(ev.Artifacts, a)
			}
		}
	}
	return ev
}

// CaptureRepro gathers source revision, branch, dirty state, and a
// dependency fingerprint. Everything is best-effort: a missing git
// binary or repo leaves fields empty, never fails collection.
func CaptureRepro() Repro {
	r := Repro{
		Runtime:  runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	r.SourceRevision = gitOutput("rev-parse", "HEAD")
	r.Branch = gitOutput("rev-parse", "--abbrev-ref", "HEAD")
	if out := gitOutput("status", "--porcelain"); out != "" {
		r.Dirty = true
	}
	r.DepsFingerprnt = depsFingerprint()
	return r
}

func gitOutput(args ...string) string {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// depsFingerprint hashes the lockfile contents so evidence records
// which dependency set was active.
func depsFingerprint() string {
	for _, name := range []string{"go.sum", "requirements.txt", "package-lock.json"} {
		data, err := os.ReadFile(name)
		if err != nil {
			continue
		}
		h := sha256.Sum256(data)
		return "sha256:" + hex.EncodeToString(h[:])[:16]
	}
	return ""
}
