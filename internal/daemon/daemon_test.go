package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qfgate/qfgate/internal/gate"
	"github.com/qfgate/qfgate/internal/orchestrator"
)

// fakeRunner returns a canned decision for every job.
type fakeRunner struct {
	decision gate.Decision
	reason   string
	calls    int
}

func (f *fakeRunner) Run(_ context.Context, in orchestrator.Input) (*orchestrator.RunState, error) {
	f.calls++
	return &orchestrator.RunState{
		RunID: "run-fake",
		Input: in,
		Decision: &gate.Result{
			Decision: f.decision,
			Reason:   f.reason,
		},
		EvidencePath: "/tmp/evidence/run-fake.json",
	}, nil
}

func testDirs(t *testing.T) DirConfig {
	t.Helper()
	base := t.TempDir()
	dirs := DirConfig{
		Inbox:  filepath.Join(base, "inbox"),
		Outbox: filepath.Join(base, "outbox"),
		State:  filepath.Join(base, "state"),
	}
	if err := EnsureDirs(dirs); err != nil {
		t.Fatal(err)
	}
	return dirs
}

func dropJob(t *testing.T, dirs DirConfig, job Job) string {
	t.Helper()
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dirs.Inbox, job.ID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func readResult(t *testing.T, dirs DirConfig, id string) Result {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dirs.Outbox, id+".json"))
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	return r
}

func TestValidateJob(t *testing.T) {
	cases := []struct {
		name string
		job  Job
		ok   bool
	}{
		{"valid", Job{ID: "job-1", Tool: "pytest", InputNL: "run tests"}, true},
		{"missing id", Job{Tool: "pytest", InputNL: "x"}, false},
		{"traversal id", Job{ID: "../evil", Tool: "pytest", InputNL: "x"}, false},
		{"bad chars", Job{ID: "job 1", Tool: "pytest", InputNL: "x"}, false},
		{"missing tool", Job{ID: "job-1", InputNL: "x"}, false},
		{"missing input", Job{ID: "job-1", Tool: "pytest"}, false},
	}
	for _, c := range cases {
		err := ValidateJob(&c.job)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestProcessJobLifecycle(t *testing.T) {
	dirs := testDirs(t)
	runner := &fakeRunner{decision: gate.DecisionPass, reason: "all green"}
	p := NewProcessor(dirs, runner)

	path := dropJob(t, dirs, Job{ID: "job-1", Tool: "pytest", InputNL: "run the suite"})
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process: %v", err)
	}

	res := readResult(t, dirs, "job-1")
	if res.Status != ResultDone || res.Decision != "PASS" {
		t.Errorf("result %+v", res)
	}
	if res.RunID != "run-fake" {
		t.Errorf("run id %q", res.RunID)
	}
	if runner.calls != 1 {
		t.Errorf("runner called %d times", runner.calls)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("job file left in inbox")
	}
	if _, err := os.Stat(filepath.Join(dirs.ProcessingDir(), "job-1.json")); !os.IsNotExist(err) {
		t.Error("job file left in processing")
	}
}

func TestProcessHumanReviewJob(t *testing.T) {
	dirs := testDirs(t)
	runner := &fakeRunner{decision: gate.DecisionNeedsHuman, reason: "risk keyword"}
	p := NewProcessor(dirs, runner)

	path := dropJob(t, dirs, Job{ID: "job-2", Tool: "pytest", InputNL: "touch production"})
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatal(err)
	}

	res := readResult(t, dirs, "job-2")
	if res.Status != ResultPendingApproval {
		t.Errorf("status %q", res.Status)
	}
}

func TestProcessMalformedJobQuarantined(t *testing.T) {
	dirs := testDirs(t)
	p := NewProcessor(dirs, &fakeRunner{decision: gate.DecisionPass})

	path := filepath.Join(dirs.Inbox, "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dirs.FailedDir(), "broken.json")); err != nil {
		t.Error("malformed job not quarantined")
	}
	res := readResult(t, dirs, "broken")
	if res.Status != ResultFailed {
		t.Errorf("status %q", res.Status)
	}
}

func TestProcessRejectsSymlink(t *testing.T) {
	dirs := testDirs(t)
	p := NewProcessor(dirs, &fakeRunner{decision: gate.DecisionPass})

	target := filepath.Join(t.TempDir(), "target.json")
	if err := os.WriteFile(target, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dirs.Inbox, "link.json")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := p.Process(context.Background(), link); err == nil {
		t.Error("symlinked job accepted")
	}
}

func TestScanExistingDrainsInbox(t *testing.T) {
	dirs := testDirs(t)
	dropJob(t, dirs, Job{ID: "job-a", Tool: "pytest", InputNL: "a"})
	dropJob(t, dirs, Job{ID: "job-b", Tool: "pytest", InputNL: "b"})
	if err := os.WriteFile(filepath.Join(dirs.Inbox, "partial.json.tmp"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	var seen []string
	err := ScanExisting(dirs.Inbox, func(path string) {
		seen = append(seen, filepath.Base(path))
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Errorf("seen %v", seen)
	}
}

func TestPollWatcherPicksUpNewFiles(t *testing.T) {
	dirs := testDirs(t)

	seen := make(chan string, 10)
	pw := NewPollWatcher(dirs.Inbox, func(path string) {
		seen <- filepath.Base(path)
	}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pw.Run(ctx)

	dropJob(t, dirs, Job{ID: "job-p", Tool: "pytest", InputNL: "poll me"})

	select {
	case name := <-seen:
		if name != "job-p.json" {
			t.Errorf("picked up %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll watcher never saw the job")
	}
}

func TestRecoverOrphans(t *testing.T) {
	dirs := testDirs(t)
	orphan := filepath.Join(dirs.ProcessingDir(), "stranded.json")
	if err := os.WriteFile(orphan, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}

	d, err := New(Config{Dirs: dirs}, &fakeRunner{decision: gate.DecisionPass})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.recoverOrphans(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan left in processing")
	}
	if _, err := os.Stat(filepath.Join(dirs.FailedDir(), "stranded.json")); err != nil {
		t.Error("orphan not moved to failed")
	}
}
