package lru

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// SizeFunc computes the size of a value about to be cached.
type SizeFunc func(value any) (int64, error)

// Cache bounds a Storage backend by size and age.
//
// Put, Get, Remove, and CleanExpired are serialized behind a single
// in-process lock, so a Cache is safe for concurrent use by multiple
// goroutines. The lock gives no cross-process guarantee; two caches must
// never share one backend instance or one storage location without the
// backend's own locking.
//
// Eviction notifications raised during a cache operation are delivered
// after the facade lock is released, so a listener may call straight back
// into the cache without deadlocking.
//
// Expiration is lazy: an expired entry is rejected by any read that finds
// it, but a full sweep runs only when CleanExpired is called. Callers that
// need eager reclamation schedule CleanExpired themselves.
type Cache struct {
	mu      sync.Mutex
	storage Storage
	maxSize int64
	maxAge  time.Duration
	sizeOf  SizeFunc
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxSize bounds the aggregate size of stored entries. Values <= 0
// disable capacity eviction.
func WithMaxSize(n int64) Option {
	return func(c *Cache) {
		c.maxSize = n
	}
}

// WithMaxAge sets the default time-to-live applied to entries stored
// without an explicit TTL. Values <= 0 disable age-based expiry.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) {
		c.maxAge = d
	}
}

// WithSizeFunc sets the function used to size values stored without an
// explicit size. An error from the function fails the Put rather than
// defaulting the size to zero; silently treating unsized entries as free
// would let the cache grow without bound under a size limit.
func WithSizeFunc(fn SizeFunc) Option {
	return func(c *Cache) {
		c.sizeOf = fn
	}
}

// New creates a Cache over the given backend.
func New(storage Storage, opts ...Option) *Cache {
	c := &Cache{storage: storage}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

// locked runs fn against the backend under the facade lock. Eviction
// notifications raised inside fn are held and delivered only after the
// lock is released.
func (c *Cache) locked(fn func(s Storage) error) error {
	c.mu.Lock()
	s := c.storage
	if s == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	flush := func() {}
	if n, ok := s.(NotificationBatcher); ok {
		n.HoldNotifications()
		flush = n.ReleaseNotifications
	}
	err := fn(s)
	c.mu.Unlock()
	flush()
	return err
}

// putConfig holds per-call Put settings.
type putConfig struct {
	ttl     time.Duration
	size    int64
	sizeSet bool
}

// PutOption configures a single Put call.
type PutOption func(*putConfig)

// PutWithTTL overrides the cache-wide max age for this entry.
func PutWithTTL(d time.Duration) PutOption {
	return func(p *putConfig) {
		p.ttl = d
	}
}

// PutWithSize sets the entry size explicitly, bypassing the size function.
// The size must be non-negative.
func PutWithSize(n int64) PutOption {
	return func(p *putConfig) {
		p.size = n
		p.sizeSet = true
	}
}

// Put stores value under key, evicting least-recently-used entries as
// needed to satisfy the size limit. An item larger than the size limit is
// silently not stored: it could never fit even in a fully evicted cache.
// Storing an existing key replaces the prior entry.
func (c *Cache) Put(key string, value any, opts ...PutOption) error {
	var cfg putConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return c.locked(func(s Storage) error {
		var size int64
		switch {
		case cfg.sizeSet:
			size = cfg.size
		case c.sizeOf != nil:
			var err error
			size, err = c.sizeOf(value)
			if err != nil {
				return fmt.Errorf("sizing value for %q: %w", key, err)
			}
		}
		if size < 0 {
			return fmt.Errorf("negative size %d for %q", size, key)
		}

		var expiresAt time.Time
		switch {
		case cfg.ttl > 0:
			expiresAt = time.Now().Add(cfg.ttl)
		case c.maxAge > 0:
			expiresAt = time.Now().Add(c.maxAge)
		}

		if c.maxSize > 0 && size > c.maxSize {
			return nil
		}

		if err := s.MakeRoomFor(size, c.maxSize); err != nil {
			return err
		}
		return s.Add(key, value, AddOptions{Size: size, ExpiresAt: expiresAt})
	})
}

// Get returns the cached value for key and marks it recently used.
// It fails with ErrItemNotCached on a miss and ErrItemExpired when the
// entry went stale, so callers can tell the two apart.
func (c *Cache) Get(key string) (any, error) {
	var value any
	err := c.locked(func(s Storage) error {
		v, err := s.Get(key)
		if err != nil {
			return err
		}
		if err := s.TouchLastUsed(key); err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Has reports whether a live, non-expired entry exists for key.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage == nil {
		return false
	}
	return c.storage.Has(key)
}

// Remove deletes the entry for key, if present.
func (c *Cache) Remove(key string) error {
	return c.locked(func(s Storage) error {
		return s.Remove(key)
	})
}

// CleanExpired sweeps all expired entries from the backend.
func (c *Cache) CleanExpired() error {
	return c.locked(func(s Storage) error {
		return s.RemoveExpired()
	})
}

// TotalSizeStored returns the aggregate size of stored entries.
func (c *Cache) TotalSizeStored() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage == nil {
		return 0
	}
	return c.storage.TotalSizeStored()
}

// NumItems returns the number of stored entries.
func (c *Cache) NumItems() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage == nil {
		return 0
	}
	return c.storage.CountItems()
}

// Keys returns the keys of all live, non-expired entries.
func (c *Cache) Keys() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage == nil {
		return nil, ErrClosed
	}
	return c.storage.Keys()
}

// Items returns a snapshot of all live entries. Entries that expire or
// vanish between enumeration and retrieval are skipped.
func (c *Cache) Items() (map[string]any, error) {
	var items map[string]any
	err := c.locked(func(s Storage) error {
		keys, err := s.Keys()
		if err != nil {
			return err
		}
		items = make(map[string]any, len(keys))
		for _, key := range keys {
			value, err := s.Get(key)
			if errors.Is(err, ErrItemNotCached) || errors.Is(err, ErrItemExpired) {
				continue
			}
			if err != nil {
				return err
			}
			items[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Close releases the backend and detaches it. Any later call on the cache
// fails with ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage == nil {
		return ErrClosed
	}
	err := c.storage.Close()
	if err != nil {
		return err
	}
	c.storage = nil
	return nil
}
