// Package lru provides a size- and age-bounded key-value cache with
// pluggable storage backends.
//
// The Cache facade enforces eviction and expiration policy on top of any
// Storage implementation. When a capacity limit is configured, the least
// recently used entries are evicted to make room for new ones. When a
// max age or per-entry TTL is configured, entries past their expiry are
// treated as absent on every read and reclaimed by CleanExpired.
//
// Four backends ship with the module:
//
//   - memory: in-memory reference backend with O(1) recency updates
//   - sqlite: embedded relational backend on a cache_entries table
//   - shelf: single-file embedded key-value backend
//   - filecache: directory-of-files backend with per-key advisory locks
//
// The facade serializes all policy-affecting operations behind a single
// in-process lock. Cross-process exclusion is a backend concern; only the
// filecache backend provides it, through per-key advisory file locks.
package lru
