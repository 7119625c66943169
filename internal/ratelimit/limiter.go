// Package ratelimit admits or rejects calls at the protocol boundary.
// Each caller identity carries three independent gates checked in
// order: active-call concurrency, a continuously refilled token
// bucket, and a daily quota that resets at the local-day rollover.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Denial reasons, stable for callers that branch on them.
const (
	ReasonConcurrency = "concurrent-limit-exceeded"
	ReasonRate        = "rate-limit-exceeded"
	ReasonQuota       = "daily-quota-exceeded"
)

// Config sets the per-caller ceilings. Zero values disable the
// corresponding gate.
type Config struct {
	ConcurrentLimit int
	CallsPerMinute  int
	DailyQuota      int
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// callerState is one identity's counters. Guarded by its own mutex so
// distinct callers never contend.
type callerState struct {
	mu           sync.Mutex
	active       int
	tokens       float64
	refilledAt   time.Time
	day          string
	usedToday    int
	elapsedToday time.Duration
}

// Limiter shards admission state by caller identity.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	callers map[string]*callerState
	now     func() time.Time
}

func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		callers: make(map[string]*callerState),
		now:     time.Now,
	}
}

// Acquire admits or rejects a call for the given identity. Gates run
// in order and short-circuit on the first failure; a rejected call
// holds no concurrency slot.
func (l *Limiter) Acquire(caller string) Decision {
	s := l.state(caller)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	s.rollover(now)

	if l.cfg.ConcurrentLimit > 0 && s.active >= l.cfg.ConcurrentLimit {
		return Decision{Reason: ReasonConcurrency}
	}

	if l.cfg.CallsPerMinute > 0 {
		rate := float64(l.cfg.CallsPerMinute) / 60.0
		capacity := float64(l.cfg.CallsPerMinute)

		s.tokens += now.Sub(s.refilledAt).Seconds() * rate
		if s.tokens > capacity {
			s.tokens = capacity
		}
		s.refilledAt = now

		if s.tokens < 1 {
			wait := (1 - s.tokens) / rate
			return Decision{
				Reason:     ReasonRate,
				RetryAfter: time.Duration(math.Ceil(wait*1000)) * time.Millisecond,
			}
		}
		s.tokens--
	}

	if l.cfg.DailyQuota > 0 && s.usedToday >= l.cfg.DailyQuota {
		return Decision{Reason: ReasonQuota}
	}

	s.active++
	return Decision{Allowed: true}
}

// Release ends a call: the concurrency slot frees and the day's usage
// charges, win or lose. Accounting is caller-disciplined — a second
// Release for the same Acquire charges usage again.
func (l *Limiter) Release(caller string, elapsed time.Duration) {
	s := l.state(caller)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollover(l.now())
	if s.active > 0 {
		s.active--
	}
	s.usedToday++
	s.elapsedToday += elapsed
}

// Usage reports the day's charged calls and accumulated elapsed time
// for one caller.
func (l *Limiter) Usage(caller string) (calls int, elapsed time.Duration) {
	s := l.state(caller)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover(l.now())
	return s.usedToday, s.elapsedToday
}

func (l *Limiter) state(caller string) *callerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.callers[caller]
	if !ok {
		now := l.now()
		s = &callerState{
			tokens:     float64(l.cfg.CallsPerMinute),
			refilledAt: now,
			day:        localDay(now),
		}
		l.callers[caller] = s
	}
	return s
}

// rollover resets daily counters when the local date changes. The
// quota window is the calendar day, not a rolling 24 hours.
func (s *callerState) rollover(now time.Time) {
	day := localDay(now)
	if day != s.day {
		s.day = day
		s.usedToday = 0
		s.elapsedToday = 0
	}
}

func localDay(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	if d.RetryAfter > 0 {
		return fmt.Sprintf("denied: %s (retry after %s)", d.Reason, d.RetryAfter)
	}
	return "denied: " + d.Reason
}
