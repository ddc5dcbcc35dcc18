// Package store holds finished job results for later retrieval, evicting
// them on a TTL. It replaces ad hoc caches mutated from multiple call
// sites: there is exactly one store, passed by reference, with one defined
// eviction task.
package store

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hkuds/filecage/internal/result"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

type entry struct {
	res      result.ProcessingResult
	storedAt time.Time
}

// Store is a TTL-bounded results cache. Safe for concurrent use.
type Store struct {
	ttl   time.Duration
	sweep time.Duration
	log   *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a store and starts its eviction task. ttl or sweep <= 0 use
// the defaults. Close must be called to stop the task.
func New(ttl, sweep time.Duration, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}

	s := &Store{
		ttl:     ttl,
		sweep:   sweep,
		log:     log,
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Put stores a job's result under its id, replacing any previous value.
func (s *Store) Put(id string, res result.ProcessingResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = entry{res: res, storedAt: time.Now()}
}

// Get returns the stored result for a job id. Expired entries are treated
// as absent even before the janitor collects them.
func (s *Store) Get(id string) (result.ProcessingResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok || time.Since(e.storedAt) > s.ttl {
		return result.ProcessingResult{}, false
	}
	return e.res, true
}

// Delete removes a result. It reports whether the id was present.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[id]
	delete(s.entries, id)
	return ok
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the eviction task. Idempotent.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) janitor() {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.evict(); n > 0 {
				s.log.Debug("evicted expired results", zap.Int("count", n))
			}
		}
	}
}

func (s *Store) evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	cutoff := time.Now().Add(-s.ttl)
	for id, e := range s.entries {
		if e.storedAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}
