package policy

import (
	"sync"
	"sync/atomic"
)

// Snapshot pairs a loaded policy with the hash of its source bytes.
// Snapshots are immutable; readers always see a consistent pair.
type Snapshot struct {
	Config *Config
	Hash   string
}

// Source owns the cached policy for a process. The first Get loads
// from disk; later Gets return the cached snapshot until Invalidate.
// Construct one at the service root and inject it — there is no
// package-level instance.
type Source struct {
	path string
	cur  atomic.Pointer[Snapshot]
	mu   sync.Mutex // serializes loads, not reads
}

// NewSource creates a lazy policy source for the given path.
// Empty path resolves via DefaultPath at load time.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// Get returns the current policy snapshot, loading it on first use.
// Concurrent callers during a load all receive the same snapshot.
func (s *Source) Get() (*Snapshot, error) {
	if snap := s.cur.Load(); snap != nil {
		return snap, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap := s.cur.Load(); snap != nil {
		return snap, nil
	}

	cfg, hash, err := LoadWithHash(s.path)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Config: cfg, Hash: hash}
	s.cur.Store(snap)
	return snap, nil
}

// Invalidate drops the cached snapshot. The next Get reloads from
// disk. Safe to call concurrently with in-flight Gets: readers see
// either the old or the new snapshot, never a partial one.
func (s *Source) Invalidate() {
	s.cur.Store(nil)
}

// Reload forces a fresh load and swaps it in atomically, returning the
// new snapshot. Unlike Invalidate+Get there is no window in which a
// concurrent reader triggers a second disk read.
func (s *Source) Reload() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, hash, err := LoadWithHash(s.path)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Config: cfg, Hash: hash}
	s.cur.Store(snap)
	return snap, nil
}
