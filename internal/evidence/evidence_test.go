package evidence

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/govern"
	"github.com/qfgate/qfgate/internal/report"
)

func sampleEvidence() *Evidence {
	exit := 0
	return Collect(CollectInput{
		RunID:       "run-abc123",
		InputNL:     "run the smoke tests",
		Environment: "staging",
		Results: []*contract.ToolResult{
			{
				Tool:   "pytest",
				Status: contract.StatusSuccess,
				Metrics: contract.ToolMetrics{
					DurationMS: 1500,
					ExitCode:   &exit,
					Attempts:   1,
				},
				Artifacts: []contract.ArtifactRef{
					{Type: contract.ArtifactReport, Path: "reports/junit.xml"},
					{Type: contract.ArtifactLog, Path: "/etc/passwd"},
				},
			},
		},
		Summary: &report.Summary{Tests: 12, Failures: 0, TimeSec: 1.5},
		Budget:  govern.Budget{ElapsedMSTotal: 1500, AttemptsTotal: 1},
		PolicyLimits: PolicyLimits{
			TimeoutSec: 600,
			MaxRetries: 2,
		},
		DecisionSource: SourceGate,
	})
}

func TestCollectDropsInvalidArtifactPaths(t *testing.T) {
	ev := sampleEvidence()
	if len(ev.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact after filtering, got %d", len(ev.Artifacts))
	}
	if ev.Artifacts[0].Path != "reports/junit.xml" {
		t.Errorf("wrong artifact survived: %q", ev.Artifacts[0].Path)
	}
}

func TestCollectSetsTimestamp(t *testing.T) {
	ev := sampleEvidence()
	if ev.CollectedAt.IsZero() {
		t.Error("CollectedAt not set")
	}
	if time.Since(ev.CollectedAt) > time.Minute {
		t.Errorf("CollectedAt too old: %v", ev.CollectedAt)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ev := sampleEvidence()
	if _, err := store.Write(ev); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read(ev.RunID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	// Timestamps survive JSON with the same wall clock but may lose
	// the monotonic reading; compare them separately.
	if !got.CollectedAt.Equal(ev.CollectedAt) {
		t.Errorf("CollectedAt changed: %v != %v", got.CollectedAt, ev.CollectedAt)
	}
	got.CollectedAt = ev.CollectedAt
	if !reflect.DeepEqual(got, ev) {
		t.Errorf("round trip changed document:\n got %+v\nwant %+v", got, ev)
	}

	again, err := store.Read(ev.RunID)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	again.CollectedAt = got.CollectedAt
	if !reflect.DeepEqual(again, got) {
		t.Error("re-read not idempotent")
	}
}

func TestStoreWriteOnce(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ev := sampleEvidence()
	if _, err := store.Write(ev); err != nil {
		t.Fatalf("first Write: %v", err)
	}

	ev2 := sampleEvidence()
	ev2.InputNL = "something else entirely"
	_, err = store.Write(ev2)
	var already *ErrAlreadyWritten
	if !errors.As(err, &already) {
		t.Fatalf("expected ErrAlreadyWritten, got %v", err)
	}

	got, err := store.Read(ev.RunID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.InputNL != "run the smoke tests" {
		t.Errorf("original document clobbered: %q", got.InputNL)
	}
}

func TestStoreRejectsBadRunIDs(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for _, id := range []string{"", "../escape", "a/b", "run id"} {
		ev := sampleEvidence()
		ev.RunID = id
		if _, err := store.Write(ev); err == nil {
			t.Errorf("run id %q accepted", id)
		}
		if _, err := store.Read(id); err == nil {
			t.Errorf("Read accepted run id %q", id)
		}
	}
}

func TestCaptureReproNeverFails(t *testing.T) {
	repro := CaptureRepro()
	if repro.Runtime == "" {
		t.Error("Runtime not set")
	}
	if repro.Platform == "" {
		t.Error("Platform not set")
	}
}
