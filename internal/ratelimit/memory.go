package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in a map keyed by client id. Not shared between instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Pruner  = (*MemoryStore)(nil)
	_ Evictor = (*MemoryStore)(nil)
	_ Counter = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Hit(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Entry, bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.Expired(now) {
		e = newWindow(now, window)
		s.entries[key] = e
		return e, true, true, nil
	}
	if e.Count >= limit {
		return e, false, false, nil
	}
	e.Count++
	e.LastSeenAt = now
	s.entries[key] = e
	return e, false, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Size(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *MemoryStore) PruneExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) EvictToLimit(_ context.Context, max int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max < 0 {
		max = 0
	}
	if len(s.entries) <= max {
		return 0, nil
	}

	n := 0
	// expired entries cost nothing to drop, they would be replaced on the next request anyway
	for k, e := range s.entries {
		if len(s.entries) <= max {
			return n, nil
		}
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	if len(s.entries) <= max {
		return n, nil
	}

	type candidate struct {
		key string
		e   Entry
	}
	cands := make([]candidate, 0, len(s.entries))
	for k, e := range s.entries {
		cands = append(cands, candidate{k, e})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if !a.e.LastSeenAt.Equal(b.e.LastSeenAt) {
			return a.e.LastSeenAt.Before(b.e.LastSeenAt)
		}
		if !a.e.ResetAt.Equal(b.e.ResetAt) {
			return a.e.ResetAt.Before(b.e.ResetAt)
		}
		return a.key < b.key
	})
	for _, c := range cands {
		if len(s.entries) <= max {
			break
		}
		delete(s.entries, c.key)
		n++
	}
	return n, nil
}
