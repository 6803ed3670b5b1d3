package ratelimit

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/portfolio-web/internal/xerrors"
)

const (
	fieldCount    = "c"
	fieldResetAt  = "r"
	fieldLastSeen = "s"
)

// RedisStore shares entries between instances.
//
// Layout under prefix:
//
//	<prefix>:e:<key>  hash {c, r, s} (count, reset_at ms, last_seen ms), expires at reset_at
//	<prefix>:reset    zset member=key score=reset_at ms
//	<prefix>:seen     zset member=key score=last_seen ms
//
// The two indexes make Size, PruneExpired and EvictToLimit possible without SCAN.
// An index member whose hash already expired is cleaned up by the next prune.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var (
	_ Store   = (*RedisStore)(nil)
	_ Pruner  = (*RedisStore)(nil)
	_ Evictor = (*RedisStore)(nil)
	_ Pinger  = (*RedisStore)(nil)
	_ Counter = (*RedisStore)(nil)
)

// hitScript runs the fixed-window check server side so instances sharing the
// store cannot both admit the last request of a window.
//
// KEYS: entry hash, reset index, seen index
// ARGV: member, now ms, window ms, limit
// returns {count, reset_at ms, last_seen ms, created, allowed}
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local e = redis.call('HMGET', KEYS[1], 'c', 'r', 's')
local count, reset, seen = tonumber(e[1]), tonumber(e[2]), tonumber(e[3])
if count == nil or reset == nil or now >= reset then
  reset = now + tonumber(ARGV[3])
  redis.call('HSET', KEYS[1], 'c', 1, 'r', reset, 's', now)
  redis.call('PEXPIREAT', KEYS[1], reset)
  redis.call('ZADD', KEYS[2], reset, ARGV[1])
  redis.call('ZADD', KEYS[3], now, ARGV[1])
  return {1, reset, now, 1, 1}
end
if seen == nil then seen = now end
if count >= tonumber(ARGV[4]) then
  return {count, reset, seen, 0, 0}
end
count = count + 1
redis.call('HSET', KEYS[1], 'c', count, 's', now)
redis.call('ZADD', KEYS[3], now, ARGV[1])
return {count, reset, now, 0, 1}
`)

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + ":e:" + key }
func (s *RedisStore) resetIdx() string           { return s.prefix + ":reset" }
func (s *RedisStore) seenIdx() string            { return s.prefix + ":seen" }

func (s *RedisStore) Ping(ctx context.Context) error {
	return xerrors.Wrap(s.rdb.Ping(ctx).Err(), "redis ping")
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	m, err := s.rdb.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return Entry{}, false, xerrors.Wrapf(err, "redis get entry %q", key)
	}
	if len(m) == 0 {
		return Entry{}, false, nil
	}
	count, err1 := strconv.Atoi(m[fieldCount])
	reset, err2 := strconv.ParseInt(m[fieldResetAt], 10, 64)
	seen, err3 := strconv.ParseInt(m[fieldLastSeen], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Entry{}, false, xerrors.Newf("redis entry %q is malformed: %v", key, m)
	}
	return Entry{
		Count:      count,
		ResetAt:    time.UnixMilli(reset),
		LastSeenAt: time.UnixMilli(seen),
	}, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, e Entry) error {
	ek := s.entryKey(key)
	reset := e.ResetAt.UnixMilli()
	seen := e.LastSeenAt.UnixMilli()
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, ek, fieldCount, e.Count, fieldResetAt, reset, fieldLastSeen, seen)
		p.PExpireAt(ctx, ek, e.ResetAt)
		p.ZAdd(ctx, s.resetIdx(), redis.Z{Score: float64(reset), Member: key})
		p.ZAdd(ctx, s.seenIdx(), redis.Z{Score: float64(seen), Member: key})
		return nil
	})
	return xerrors.Wrapf(err, "redis set entry %q", key)
}

// Hit needs all three keys in one slot when run against a cluster, give the
// prefix a hash tag such as "{ratelimit}"
func (s *RedisStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Entry, bool, bool, error) {
	keys := []string{s.entryKey(key), s.resetIdx(), s.seenIdx()}
	out, err := hitScript.Run(ctx, s.rdb, keys, key, now.UnixMilli(), window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return Entry{}, false, false, xerrors.Wrapf(err, "redis hit %q", key)
	}
	if len(out) != 5 {
		return Entry{}, false, false, xerrors.Newf("redis hit %q: unexpected reply %v", key, out)
	}
	e := Entry{
		Count:      int(out[0]),
		ResetAt:    time.UnixMilli(out[1]),
		LastSeenAt: time.UnixMilli(out[2]),
	}
	return e, out[3] == 1, out[4] == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return xerrors.Wrapf(s.remove(ctx, key), "redis delete entry %q", key)
}

func (s *RedisStore) remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ek := make([]string, len(keys))
	members := make([]any, len(keys))
	for i, k := range keys {
		ek[i] = s.entryKey(k)
		members[i] = k
	}
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, ek...)
		p.ZRem(ctx, s.resetIdx(), members...)
		p.ZRem(ctx, s.seenIdx(), members...)
		return nil
	})
	return err
}

func (s *RedisStore) Size(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.resetIdx()).Result()
	if err != nil {
		return 0, xerrors.Wrap(err, "redis size")
	}
	return int(n), nil
}

// expiredKeys lists keys with reset_at <= now, at most limit of them (0 = all)
func (s *RedisStore) expiredKeys(ctx context.Context, now time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	return s.rdb.ZRangeByScore(ctx, s.resetIdx(), by).Result()
}

func (s *RedisStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	keys, err := s.expiredKeys(ctx, now, 0)
	if err != nil {
		return 0, xerrors.Wrap(err, "redis prune: list expired")
	}
	if err := s.remove(ctx, keys...); err != nil {
		return 0, xerrors.Wrap(err, "redis prune: delete expired")
	}
	return len(keys), nil
}

func (s *RedisStore) EvictToLimit(ctx context.Context, max int, now time.Time) (int, error) {
	if max < 0 {
		max = 0
	}
	size, err := s.Size(ctx)
	if err != nil {
		return 0, err
	}
	over := size - max
	if over <= 0 {
		return 0, nil
	}

	expired, err := s.expiredKeys(ctx, now, over)
	if err != nil {
		return 0, xerrors.Wrap(err, "redis evict: list expired")
	}
	if err := s.remove(ctx, expired...); err != nil {
		return 0, xerrors.Wrap(err, "redis evict: delete expired")
	}
	n := len(expired)
	over -= n
	if over <= 0 {
		return n, nil
	}

	victims, err := s.leastRecentlySeen(ctx, over)
	if err != nil {
		return n, err
	}
	if err := s.remove(ctx, victims...); err != nil {
		return n, xerrors.Wrap(err, "redis evict: delete least recently seen")
	}
	return n + len(victims), nil
}

// leastRecentlySeen picks count keys ordered by last_seen, ties broken by reset_at.
// Redis orders equal scores by member, so every member tied with the cutoff score is
// fetched and re-sorted here.
func (s *RedisStore) leastRecentlySeen(ctx context.Context, count int) ([]string, error) {
	head, err := s.rdb.ZRangeWithScores(ctx, s.seenIdx(), 0, int64(count-1)).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis evict: range seen index")
	}
	if len(head) == 0 {
		return nil, nil
	}
	cutoff := strconv.FormatFloat(head[len(head)-1].Score, 'f', -1, 64)
	cands, err := s.rdb.ZRangeByScoreWithScores(ctx, s.seenIdx(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis evict: range seen cutoff")
	}

	resets := make([]*redis.FloatCmd, len(cands))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, c := range cands {
			resets[i] = p.ZScore(ctx, s.resetIdx(), c.Member.(string))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, xerrors.Wrap(err, "redis evict: reset scores")
	}

	type candidate struct {
		key         string
		seen, reset float64
	}
	list := make([]candidate, len(cands))
	for i, c := range cands {
		reset, _ := resets[i].Result()
		list[i] = candidate{key: c.Member.(string), seen: c.Score, reset: reset}
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.seen != b.seen {
			return a.seen < b.seen
		}
		if a.reset != b.reset {
			return a.reset < b.reset
		}
		return a.key < b.key
	})
	if len(list) > count {
		list = list[:count]
	}
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.key
	}
	return out, nil
}
