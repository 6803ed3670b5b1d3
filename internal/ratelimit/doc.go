// Package ratelimit counts requests per client key in fixed windows.
//
// A client gets Policy.Limit requests per Policy.Window, counted from its first
// request in the window. The limiter itself holds no per-client state, entries
// live in a Store so the same logic runs against process memory or a shared redis.
//
// Housekeeping:
//   - expired entries are swept store-wide, at most once per Policy.SweepInterval
//   - admitting a new key over Policy.MaxEntries evicts expired entries first, then
//     the least recently seen ones
//
// Skipping a sweep never changes a decision, every lookup checks its own window.
//
// What this does NOT protect against:
//   - distributed attacks across many ips, the eviction cap bounds memory not abuse
//   - bandwidth-bill attacks, inbound data is already accepted by the time this runs
package ratelimit
