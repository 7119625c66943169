package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// validRunID rejects run identifiers that could traverse the store
// directory.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ErrAlreadyWritten signals an attempt to overwrite an existing
// evidence document. Evidence is write-once by contract.
type ErrAlreadyWritten struct {
	RunID string
}

func (e *ErrAlreadyWritten) Error() string {
	return fmt.Sprintf("evidence for run %q already written", e.RunID)
}

// Store persists evidence documents as JSON files keyed by run id.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create evidence directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the default evidence directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "qfgate-evidence")
	}
	return filepath.Join(home, ".qfgate", "evidence")
}

// Write persists the document exactly once. A second write for the
// same run id returns ErrAlreadyWritten — evidence is superseded by
// new runs, never updated in place.
func (s *Store) Write(ev *Evidence) (string, error) {
	if err := validateRunID(ev.RunID); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(ev.RunID)
	if _, err := os.Stat(path); err == nil {
		return "", &ErrAlreadyWritten{RunID: ev.RunID}
	}

	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit evidence: %w", err)
	}
	return path, nil
}

// Read loads the document for a run id. Re-reads are idempotent: the
// same bytes yield the same document.
func (s *Store) Read(runID string) (*Evidence, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		return nil, fmt.Errorf("read evidence for run %q: %w", runID, err)
	}
	var ev Evidence
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse evidence for run %q: %w", runID, err)
	}
	return &ev, nil
}

// Path returns where a run's evidence lives, whether or not it exists
// yet.
func (s *Store) Path(runID string) string {
	return s.path(runID)
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func validateRunID(runID string) error {
	if runID == "" {
		return fmt.Errorf("run id must not be empty")
	}
	if strings.Contains(runID, "..") || !validRunID.MatchString(runID) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}
