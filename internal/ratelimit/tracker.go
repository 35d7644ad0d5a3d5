package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// Tracker is the per-key sliding window and failure state.
type Tracker struct {
	Timestamps     []time.Time
	FailedAttempts int
	LockoutUntil   time.Time
	LockoutCount   int
	LastSeen       time.Time
	BehaviorScore  float64

	bucket *rate.Limiter
}

// prune drops timestamps that fell out of window. Timestamps are kept in
// ascending order so the expired ones form a prefix.
func (t *Tracker) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(t.Timestamps) && !t.Timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.Timestamps = append(t.Timestamps[:0], t.Timestamps[i:]...)
	}
}

func (t *Tracker) lockedAt(now time.Time) bool {
	return t.LockoutUntil.After(now)
}

func (t *Tracker) snapshot() Tracker {
	cp := *t
	cp.Timestamps = append([]time.Time(nil), t.Timestamps...)
	cp.bucket = nil
	return cp
}

type shard struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
}

// trackerTable is a sharded map of trackers. Callers never hold two shard
// locks at once.
type trackerTable struct {
	shards []*shard
}

func newTrackerTable(n int) *trackerTable {
	if n <= 0 {
		n = 32
	}
	t := &trackerTable{shards: make([]*shard, n)}
	for i := range t.shards {
		t.shards[i] = &shard{trackers: make(map[string]*Tracker)}
	}
	return t
}

func (t *trackerTable) shardFor(key string) *shard {
	return t.shards[xxhash.Sum64String(key)%uint64(len(t.shards))]
}

// update runs fn on the tracker for key, creating it lazily.
func (t *trackerTable) update(key string, now time.Time, fn func(*Tracker)) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trackers[key]
	if !ok {
		tr = &Tracker{}
		s.trackers[key] = tr
	}
	tr.LastSeen = now
	fn(tr)
}

// peek runs fn on an existing tracker without touching LastSeen.
func (t *trackerTable) peek(key string, fn func(*Tracker)) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trackers[key]
	if !ok {
		return false
	}
	fn(tr)
	return true
}

// evict removes trackers for which drop returns true, one shard at a time.
func (t *trackerTable) evict(drop func(*Tracker) bool) int {
	removed := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for k, tr := range s.trackers {
			if drop(tr) {
				delete(s.trackers, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (t *trackerTable) size() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.trackers)
		s.mu.Unlock()
	}
	return n
}
