// Package approval tracks human-in-the-loop review records for runs
// the gate refused to decide alone. Each approval is one JSON file;
// state transitions rewrite the file atomically.
package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Status represents the state of an approval record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

// Approval is one human-review record tied to a run.
type Approval struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Status     Status     `json:"status"`
	Reason     string     `json:"reason"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Store manages approval files on disk.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the default approval store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "qfgate-approvals")
	}
	return filepath.Join(home, ".qfgate", "approvals")
}

// CreatePending files a new pending approval for a run and returns
// its id. Satisfies the gate's ApprovalCreator.
func (s *Store) CreatePending(runID, reason string) (string, error) {
	if err := validateKey(runID); err != nil {
		return "", fmt.Errorf("invalid run id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := "apr-" + uuid.NewString()[:8]
	a := Approval{
		ID:        id,
		RunID:     runID,
		Status:    StatusPending,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeAtomic(s.path(id), a); err != nil {
		return "", err
	}
	return id, nil
}

// Approve marks an approval as approved. If ttl > 0, the approval
// expires after it; with ttl == 0 it is one-time (consumed on first
// use).
func (s *Store) Approve(id, approver string, ttl time.Duration) error {
	if err := validateKey(id); err != nil {
		return fmt.Errorf("invalid approval id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(id)
	if err != nil {
		return fmt.Errorf("approval %q not found: %w", id, err)
	}
	if a.Status != StatusPending {
		return fmt.Errorf("approval %q is %s, not pending", id, a.Status)
	}

	a.Status = StatusApproved
	a.ResolvedBy = approver
	now := time.Now().UTC()
	a.ResolvedAt = &now
	if ttl > 0 {
		exp := now.Add(ttl)
		a.ExpiresAt = &exp
	}

	return s.writeAtomic(s.path(id), *a)
}

// Deny marks an approval as denied.
func (s *Store) Deny(id, approver string) error {
	if err := validateKey(id); err != nil {
		return fmt.Errorf("invalid approval id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(id)
	if err != nil {
		return fmt.Errorf("approval %q not found: %w", id, err)
	}
	if a.Status != StatusPending {
		return fmt.Errorf("approval %q is %s, not pending", id, a.Status)
	}

	a.Status = StatusDenied
	a.ResolvedBy = approver
	now := time.Now().UTC()
	a.ResolvedAt = &now

	return s.writeAtomic(s.path(id), *a)
}

// Check returns the current status, flipping approved records past
// their deadline to expired.
func (s *Store) Check(id string) (Status, error) {
	if err := validateKey(id); err != nil {
		return "", fmt.Errorf("invalid approval id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(id)
	if err != nil {
		return "", fmt.Errorf("approval %q not found", id)
	}

	if a.Status == StatusApproved && a.ExpiresAt != nil && time.Now().UTC().After(*a.ExpiresAt) {
		a.Status = StatusExpired
		s.writeAtomic(s.path(id), *a)
		return StatusExpired, nil
	}

	return a.Status, nil
}

// Consume marks a one-time approval as consumed.
func (s *Store) Consume(id string) error {
	if err := validateKey(id); err != nil {
		return fmt.Errorf("invalid approval id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(id)
	if err != nil {
		return fmt.Errorf("approval %q not found: %w", id, err)
	}
	if a.Status == StatusConsumed {
		return fmt.Errorf("approval %q already consumed", id)
	}

	a.Status = StatusConsumed
	now := time.Now().UTC()
	a.ResolvedAt = &now

	return s.writeAtomic(s.path(id), *a)
}

// List returns all approvals, oldest first.
func (s *Store) List() ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var approvals []Approval
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		approvals = append(approvals, *a)
	}
	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})
	return approvals, nil
}

// Pending returns only the unresolved approvals, oldest first.
func (s *Store) Pending() ([]Approval, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var pending []Approval
	for _, a := range all {
		if a.Status == StatusPending {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

// ForRun returns the approvals filed for one run, oldest first.
func (s *Store) ForRun(runID string) ([]Approval, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var matched []Approval
	for _, a := range all {
		if a.RunID == runID {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) read(id string) (*Approval, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) writeAtomic(path string, a Approval) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
