package runstore

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)

	rec := Record{
		RunID:          "run-1",
		Decision:       "PASS",
		Reason:         "10 tests passed within tolerance",
		DecisionSource: "gate_evaluator",
		Environment:    "staging",
		Tools:          1,
		ElapsedMS:      1500,
		EvidencePath:   "evidence/run-1.json",
	}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("run not found")
	}
	if got.Decision != "PASS" || got.Tools != 1 || got.ElapsedMS != 1500 {
		t.Errorf("got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v", got)
	}
}

func TestSaveRejectsDuplicateRun(t *testing.T) {
	s := newTestStore(t)
	rec := Record{RunID: "run-1", Decision: "PASS"}
	if err := s.Save(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(rec); err == nil {
		t.Error("duplicate run id accepted")
	}
}

func TestRecentOrder(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := s.Save(Record{RunID: id, Decision: "FAIL"}); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := s.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent %d", len(recent))
	}
	if recent[0].RunID != "run-3" || recent[1].RunID != "run-2" {
		t.Errorf("order %s, %s", recent[0].RunID, recent[1].RunID)
	}
}

func TestByDecision(t *testing.T) {
	s := newTestStore(t)
	s.Save(Record{RunID: "run-1", Decision: "PASS"})
	s.Save(Record{RunID: "run-2", Decision: "FAIL", ShortCircuited: true})
	s.Save(Record{RunID: "run-3", Decision: "PASS"})

	failed, err := s.ByDecision("FAIL", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].RunID != "run-2" {
		t.Errorf("failed %+v", failed)
	}
	if !failed[0].ShortCircuited {
		t.Error("short_circuited flag lost")
	}
}
