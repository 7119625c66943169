// Package runstore keeps a queryable index of completed runs in
// SQLite. The evidence documents remain the source of truth; the
// index exists so callers can list and filter runs without scanning
// the evidence directory.
package runstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one indexed run.
type Record struct {
	RunID          string
	Decision       string
	Reason         string
	DecisionSource string
	Environment    string
	Tools          int
	ElapsedMS      int64
	ShortCircuited bool
	EvidencePath   string
	CreatedAt      time.Time
}

// Store wraps the run index database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the index at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create runstore directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open runstore: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DefaultPath returns the default index location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "qfgate-runs.db")
	}
	return filepath.Join(home, ".qfgate", "runs.db")
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL,
		decision_source TEXT NOT NULL,
		environment TEXT NOT NULL,
		tools INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		short_circuited INTEGER NOT NULL,
		evidence_path TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("init runstore: %w", err)
	}
	return nil
}

// Save indexes a finished run. Saving the same run id again is an
// error; runs are indexed once.
func (s *Store) Save(r Record) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, decision, reason, decision_source, environment,
			tools, elapsed_ms, short_circuited, evidence_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Decision, r.Reason, r.DecisionSource, r.Environment,
		r.Tools, r.ElapsedMS, boolToInt(r.ShortCircuited), r.EvidencePath,
		created.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}
	return nil
}

// Get returns one indexed run, or nil if absent.
func (s *Store) Get(runID string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT run_id, decision, reason, decision_source, environment,
			tools, elapsed_ms, short_circuited, evidence_path, created_at
		FROM runs WHERE run_id = ?`, runID)
	return scanRecord(row)
}

// Recent returns the newest runs, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT run_id, decision, reason, decision_source, environment,
			tools, elapsed_ms, short_circuited, evidence_path, created_at
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// ByDecision returns runs with a given terminal decision, newest
// first.
func (s *Store) ByDecision(decision string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT run_id, decision, reason, decision_source, environment,
			tools, elapsed_ms, short_circuited, evidence_path, created_at
		FROM runs WHERE decision = ? ORDER BY id DESC LIMIT ?`, decision, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs by decision: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var r Record
	var short int
	var created string
	err := row.Scan(&r.RunID, &r.Decision, &r.Reason, &r.DecisionSource,
		&r.Environment, &r.Tools, &r.ElapsedMS, &short, &r.EvidencePath, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.ShortCircuited = short != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
