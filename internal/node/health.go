package node

import (
	"sync"
	"time"
)

const (
	// HealthTTL is how long a health observation counts as fresh.
	HealthTTL = 30 * time.Second
	// MaxBackoff caps the delay between reconnect attempts.
	MaxBackoff = 60 * time.Second
)

// Clock returns the current time. Tests substitute a controllable one.
type Clock func() time.Time

type healthEntry struct {
	ok        bool
	checkedAt time.Time
}

// HealthStore records the latest liveness observation per node.
type HealthStore struct {
	mu      sync.Mutex
	now     Clock
	entries map[uint]healthEntry
}

func NewHealthStore(now Clock) *HealthStore {
	if now == nil {
		now = time.Now
	}
	return &HealthStore{now: now, entries: map[uint]healthEntry{}}
}

func (s *HealthStore) Set(id uint, ok bool) {
	s.mu.Lock()
	s.entries[id] = healthEntry{ok: ok, checkedAt: s.now()}
	s.mu.Unlock()
}

// Healthy reports whether the node was last seen ok within HealthTTL.
func (s *HealthStore) Healthy(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.entries[id]
	if !found || !entry.ok {
		return false
	}
	return s.now().Sub(entry.checkedAt) <= HealthTTL
}

// Snapshot returns the raw entry for reporting.
func (s *HealthStore) Snapshot(id uint) (ok bool, checkedAt time.Time, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.entries[id]
	return entry.ok, entry.checkedAt, found
}

func (s *HealthStore) Forget(id uint) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

type backoffEntry struct {
	failures    int
	nextAttempt time.Time
}

// BackoffStore tracks consecutive connect failures per node.
type BackoffStore struct {
	mu      sync.Mutex
	now     Clock
	entries map[uint]backoffEntry
}

func NewBackoffStore(now Clock) *BackoffStore {
	if now == nil {
		now = time.Now
	}
	return &BackoffStore{now: now, entries: map[uint]backoffEntry{}}
}

// Allowed reports whether a connect attempt may be made now.
func (s *BackoffStore) Allowed(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.entries[id]
	if !found {
		return true
	}
	return !s.now().Before(entry.nextAttempt)
}

// RecordFailure bumps the failure count and pushes the next attempt out
// by min(MaxBackoff, 2^failures seconds).
func (s *BackoffStore) RecordFailure(id uint) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[id]
	entry.failures++
	entry.nextAttempt = s.now().Add(backoffDelay(entry.failures))
	s.entries[id] = entry
	return entry.nextAttempt
}

func (s *BackoffStore) Clear(id uint) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

func (s *BackoffStore) Failures(id uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id].failures
}

// NextAttempt returns the earliest time of the next allowed attempt; the
// zero time means immediately.
func (s *BackoffStore) NextAttempt(id uint) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id].nextAttempt
}

func backoffDelay(failures int) time.Duration {
	if failures >= 6 {
		return MaxBackoff
	}
	d := time.Duration(1<<failures) * time.Second
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}
