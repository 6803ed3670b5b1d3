package ratelimit

import (
	"context"
	"time"
)

// Entry is the per-client window state
type Entry struct {
	// Count is the number of requests admitted in the current window
	Count int `json:"count"`
	// ResetAt ends the window, a request at or after it starts a new one
	ResetAt time.Time `json:"resetAt"`
	// LastSeenAt is only used to order eviction
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Expired reports whether the window is over at now
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ResetAt)
}

// Store holds at most one Entry per key. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
	Size(ctx context.Context) (int, error)
}

// Pruner is implemented by stores that can drop every expired entry in one pass
type Pruner interface {
	// PruneExpired deletes entries with ResetAt <= now and returns how many went
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}

// Evictor is implemented by stores that can shrink themselves to a size cap
type Evictor interface {
	// EvictToLimit deletes expired entries, then least recently seen ones,
	// until at most max remain. Returns the number deleted.
	EvictToLimit(ctx context.Context, max int, now time.Time) (int, error)
}

// Counter is implemented by stores that can check and count one request in a
// single atomic step. With a shared store this keeps the limit exact across
// instances. Semantics match the limiter's own Get/Set path: a missing or
// expired entry starts a new window with Count 1, an entry at limit is left
// untouched and reported not allowed, otherwise Count and LastSeenAt move.
type Counter interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (e Entry, created, allowed bool, err error)
}

func newWindow(now time.Time, window time.Duration) Entry {
	return Entry{Count: 1, ResetAt: now.Add(window), LastSeenAt: now}
}

// Pinger is implemented by networked stores, used for readiness
type Pinger interface {
	Ping(ctx context.Context) error
}
