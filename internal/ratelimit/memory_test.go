package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seed(t *testing.T, s Store, entries map[string]Entry) {
	t.Helper()
	for k, e := range entries {
		if err := s.Set(context.Background(), k, e); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}
}

func keysOf(t *testing.T, s *MemoryStore) map[string]bool {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.entries))
	for k := range s.entries {
		out[k] = true
	}
	return out
}

func TestMemoryStore_CRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get missing = %v, %v", ok, err)
	}
	e := Entry{Count: 2, ResetAt: t0.Add(time.Minute), LastSeenAt: t0}
	_ = s.Set(ctx, "k", e)
	got, ok, _ := s.Get(ctx, "k")
	if !ok || got != e {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	// one entry per key
	_ = s.Set(ctx, "k", Entry{Count: 3})
	if n, _ := s.Size(ctx); n != 1 {
		t.Fatalf("size = %d, want 1", n)
	}
	_ = s.Delete(ctx, "k")
	if n, _ := s.Size(ctx); n != 0 {
		t.Fatalf("size after delete = %d", n)
	}
}

func TestMemoryStore_PruneExpired(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, map[string]Entry{
		"old":   {Count: 1, ResetAt: t0.Add(-time.Second)},
		"edge":  {Count: 1, ResetAt: t0},
		"young": {Count: 1, ResetAt: t0.Add(time.Nanosecond)},
	})
	n, err := s.PruneExpired(context.Background(), t0)
	if err != nil || n != 2 {
		t.Fatalf("PruneExpired = %d, %v, want 2", n, err)
	}
	if got := keysOf(t, s); len(got) != 1 || !got["young"] {
		t.Fatalf("remaining = %v", got)
	}
}

func TestMemoryStore_EvictToLimit(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string]Entry
		max     int
		want    []string
	}{
		{
			name: "under limit is a no-op",
			entries: map[string]Entry{
				"a": {ResetAt: t0.Add(-time.Minute)},
			},
			max:  1,
			want: []string{"a"},
		},
		{
			name: "expired go first even if recently seen",
			entries: map[string]Entry{
				"expired": {ResetAt: t0, LastSeenAt: t0},
				"stale":   {ResetAt: t0.Add(time.Minute), LastSeenAt: t0.Add(-time.Hour)},
				"fresh":   {ResetAt: t0.Add(time.Minute), LastSeenAt: t0},
			},
			max:  2,
			want: []string{"stale", "fresh"},
		},
		{
			name: "least recently seen next",
			entries: map[string]Entry{
				"a": {ResetAt: t0.Add(time.Minute), LastSeenAt: t0.Add(-3 * time.Second)},
				"b": {ResetAt: t0.Add(time.Minute), LastSeenAt: t0.Add(-2 * time.Second)},
				"c": {ResetAt: t0.Add(time.Minute), LastSeenAt: t0.Add(-1 * time.Second)},
			},
			max:  1,
			want: []string{"c"},
		},
		{
			name: "ties broken by reset time",
			entries: map[string]Entry{
				"late":  {ResetAt: t0.Add(50 * time.Second), LastSeenAt: t0},
				"early": {ResetAt: t0.Add(10 * time.Second), LastSeenAt: t0},
				"mid":   {ResetAt: t0.Add(30 * time.Second), LastSeenAt: t0},
			},
			max:  1,
			want: []string{"late"},
		},
		{
			name: "zero max empties the store",
			entries: map[string]Entry{
				"a": {ResetAt: t0.Add(time.Minute)},
				"b": {ResetAt: t0.Add(time.Minute)},
			},
			max:  0,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryStore()
			seed(t, s, tt.entries)
			n, err := s.EvictToLimit(context.Background(), tt.max, t0)
			if err != nil {
				t.Fatal(err)
			}
			if want := len(tt.entries) - len(tt.want); n != want {
				t.Fatalf("evicted %d, want %d", n, want)
			}
			got := keysOf(t, s)
			if len(got) != len(tt.want) {
				t.Fatalf("remaining = %v, want %v", got, tt.want)
			}
			for _, k := range tt.want {
				if !got[k] {
					t.Fatalf("remaining = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				k := fmt.Sprintf("%d-%d", i, j)
				_ = s.Set(ctx, k, Entry{Count: 1, ResetAt: t0.Add(time.Duration(j) * time.Second), LastSeenAt: t0})
				_, _, _ = s.Get(ctx, k)
				_, _ = s.PruneExpired(ctx, t0.Add(10*time.Second))
				_, _ = s.EvictToLimit(ctx, 100, t0)
			}
		}(i)
	}
	wg.Wait()
	if n, _ := s.Size(ctx); n > 100 {
		t.Fatalf("size = %d, want <= 100", n)
	}
}

func TestMemoryStore_Hit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e, created, allowed, _ := s.Hit(ctx, "k", 1, time.Minute, t0)
	if !created || !allowed || e.Count != 1 {
		t.Fatalf("first hit = %+v created=%v allowed=%v", e, created, allowed)
	}
	e, created, allowed, _ = s.Hit(ctx, "k", 1, time.Minute, t0.Add(time.Second))
	if created || allowed || e.Count != 1 || !e.LastSeenAt.Equal(t0) {
		t.Fatalf("over limit = %+v created=%v allowed=%v", e, created, allowed)
	}
	if _, created, _, _ = s.Hit(ctx, "k", 1, time.Minute, t0.Add(time.Minute)); !created {
		t.Fatal("expired entry should start a new window")
	}
}
