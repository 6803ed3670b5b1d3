package ratelimit

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/portfolio-web/internal/log"
	"github.com/keithlinneman/portfolio-web/internal/xerrors"
)

const (
	DefaultLimit         = 10
	DefaultWindow        = time.Minute
	DefaultMaxEntries    = 10000
	DefaultSweepInterval = 15 * time.Second
)

// Policy is "at most Limit requests per Window". Zero fields take the limiter's defaults.
type Policy struct {
	Limit         int
	Window        time.Duration
	MaxEntries    int
	SweepInterval time.Duration
}

func (p Policy) orDefaults(d Policy) Policy {
	if p.Limit <= 0 {
		p.Limit = d.Limit
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.MaxEntries <= 0 {
		p.MaxEntries = d.MaxEntries
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = d.SweepInterval
	}
	return p
}

// Result of one check. RetryAfter is whole seconds and only set when rejected.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int
	ResetAt    time.Time
}

// Limiter decides per key against a Store. The last sweep time is owned here, not by the store.
type Limiter struct {
	// guards lastSweep only, store calls never run under it
	mu        sync.Mutex
	lastSweep time.Time

	// serializes the read-modify-write of one key for stores without Counter
	keyLocks [keyLockStripes]sync.Mutex

	store  Store
	policy Policy
	now    func() time.Time
	logger log.Logger

	// one log line per interval for denials, metrics count every one
	deniedLog rate.Sometimes
	failLog   rate.Sometimes

	onDenied  func(key string)
	onEvicted func(n int)
	onSwept   func(n int)
}

type Option func(*Limiter)

// WithStore replaces the default in-memory store
func WithStore(s Store) Option {
	return func(l *Limiter) {
		if s != nil {
			l.store = s
		}
	}
}

// WithPolicy sets the default policy, zero fields keep the package defaults
func WithPolicy(p Policy) Option {
	return func(l *Limiter) { l.policy = p.orDefaults(l.policy) }
}

func WithLimit(n int) Option {
	return func(l *Limiter) { l.policy = Policy{Limit: n}.orDefaults(l.policy) }
}

func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.policy = Policy{Window: d}.orDefaults(l.policy) }
}

func WithMaxEntries(n int) Option {
	return func(l *Limiter) { l.policy = Policy{MaxEntries: n}.orDefaults(l.policy) }
}

func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.policy = Policy{SweepInterval: d}.orDefaults(l.policy) }
}

// WithClock injects the time source, tests use it to step through windows
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(lg log.Logger) Option {
	return func(l *Limiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithOnDenied is called on every rejected request, used for prometheus counters
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnEvicted is called with the number of entries dropped to respect MaxEntries
func WithOnEvicted(fn func(n int)) Option {
	return func(l *Limiter) { l.onEvicted = fn }
}

// WithOnSwept is called with the number of expired entries removed by a sweep
func WithOnSwept(fn func(n int)) Option {
	return func(l *Limiter) { l.onSwept = fn }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		store: NewMemoryStore(),
		policy: Policy{
			Limit:         DefaultLimit,
			Window:        DefaultWindow,
			MaxEntries:    DefaultMaxEntries,
			SweepInterval: DefaultSweepInterval,
		},
		now:       time.Now,
		logger:    log.Nop(),
		deniedLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		failLog:   rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Policy returns the default policy
func (l *Limiter) Policy() Policy { return l.policy }

// Check applies the default policy to key
func (l *Limiter) Check(ctx context.Context, key string) (Result, error) {
	return l.CheckPolicy(ctx, key, l.policy)
}

// CheckPolicy counts one request for key under p.
// Store failures are returned, the caller decides whether to fail open.
func (l *Limiter) CheckPolicy(ctx context.Context, key string, p Policy) (Result, error) {
	p = p.orDefaults(l.policy)

	res, swept, evicted, err := l.check(ctx, key, p)

	// hooks run unlocked, they may do slow work
	if swept > 0 && l.onSwept != nil {
		l.onSwept(swept)
	}
	if evicted > 0 && l.onEvicted != nil {
		l.onEvicted(evicted)
	}
	if err != nil {
		return Result{}, err
	}
	if !res.Allowed {
		if l.onDenied != nil {
			l.onDenied(key)
		}
		l.deniedLog.Do(func() {
			l.logger.Warn(ctx, "rate limit exceeded", "key", key, "limit", p.Limit, "window", p.Window.String(), "retry_after", res.RetryAfter)
		})
	}
	return res, nil
}

const keyLockStripes = 64

func (l *Limiter) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.keyLocks[h.Sum32()%keyLockStripes]
}

// claimSweep reports whether this caller should sweep now. Only one caller
// wins per interval; prev is handed back so a failed sweep can be retried.
func (l *Limiter) claimSweep(now time.Time, every time.Duration) (prev time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < every {
		return time.Time{}, false
	}
	prev = l.lastSweep
	l.lastSweep = now
	return prev, true
}

func (l *Limiter) unclaimSweep(claimed, prev time.Time) {
	l.mu.Lock()
	if l.lastSweep.Equal(claimed) {
		l.lastSweep = prev
	}
	l.mu.Unlock()
}

func (l *Limiter) check(ctx context.Context, key string, p Policy) (res Result, swept, evicted int, err error) {
	now := l.now()
	res.Limit = p.Limit

	// best-effort housekeeping, every lookup below checks its own window anyway
	if pr, ok := l.store.(Pruner); ok {
		if prev, claimed := l.claimSweep(now, p.SweepInterval); claimed {
			swept, err = pr.PruneExpired(ctx, now)
			if err != nil {
				l.unclaimSweep(now, prev)
				return res, 0, 0, xerrors.Wrap(err, "ratelimit: sweep expired entries")
			}
		}
	} else {
		l.claimSweep(now, p.SweepInterval)
	}

	var e Entry
	var created bool
	if c, ok := l.store.(Counter); ok {
		e, created, res.Allowed, err = c.Hit(ctx, key, p.Limit, p.Window, now)
		if err != nil {
			return res, swept, 0, xerrors.Wrap(err, "ratelimit: count request")
		}
	} else {
		mu := l.keyLock(key)
		mu.Lock()
		e, created, res.Allowed, err = l.hit(ctx, key, p, now)
		mu.Unlock()
		if err != nil {
			return res, swept, 0, err
		}
	}

	res.ResetAt = e.ResetAt
	if created {
		// a new key was admitted, keep the store bounded
		if ev, ok := l.store.(Evictor); ok {
			evicted, err = ev.EvictToLimit(ctx, p.MaxEntries, now)
			if err != nil {
				return res, swept, evicted, xerrors.Wrap(err, "ratelimit: evict entries")
			}
		}
	}
	if !res.Allowed {
		res.RetryAfter = retryAfter(e.ResetAt.Sub(now))
		return res, swept, evicted, nil
	}
	res.Remaining = p.Limit - e.Count
	return res, swept, evicted, nil
}

// hit is the Get/Set fallback for stores without Counter, caller holds the key lock
func (l *Limiter) hit(ctx context.Context, key string, p Policy, now time.Time) (e Entry, created, allowed bool, err error) {
	e, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return e, false, false, xerrors.Wrap(err, "ratelimit: get entry")
	}
	if !ok || e.Expired(now) {
		e = newWindow(now, p.Window)
		if err := l.store.Set(ctx, key, e); err != nil {
			return e, false, false, xerrors.Wrap(err, "ratelimit: create entry")
		}
		return e, true, true, nil
	}
	if e.Count >= p.Limit {
		return e, false, false, nil
	}
	e.Count++
	e.LastSeenAt = now
	if err := l.store.Set(ctx, key, e); err != nil {
		return e, false, false, xerrors.Wrap(err, "ratelimit: update entry")
	}
	return e, false, true, nil
}

// retryAfter rounds the remaining window up to whole seconds, at least 1
func retryAfter(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Reset forgets the last sweep so the next check sweeps again
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.lastSweep = time.Time{}
	l.mu.Unlock()
}

// Ping reports store health for readiness, stores without a network always pass
func (l *Limiter) Ping(ctx context.Context) error {
	if p, ok := l.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
