package filecache

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cmatthias/lru"
)

// FileCache is the user-facing front door for a directory of cached files.
//
// It binds a Storage to a size limit and a default entry age. Entries are
// read and written through handles; releasing a handle that changed the
// entry triggers a pruning pass when the cache is over its size limit.
type FileCache struct {
	storage *Storage
	maxSize int64
	maxAge  time.Duration
	logger  *slog.Logger
}

type fileCacheConfig struct {
	maxSize     int64
	maxAge      time.Duration
	rescanEvery time.Duration
	logger      *slog.Logger
	listener    lru.ListenerRef
}

// Option configures a FileCache.
type Option func(*fileCacheConfig)

// WithMaxSize bounds the total bytes stored under the cache root. Values
// <= 0 disable capacity pruning.
func WithMaxSize(n int64) Option {
	return func(c *fileCacheConfig) {
		c.maxSize = n
	}
}

// WithMaxAge sets the default time-to-live stamped on entries that have
// no expiry of their own. Expired entries are reclaimed by CleanExpired.
func WithMaxAge(d time.Duration) Option {
	return func(c *fileCacheConfig) {
		c.maxAge = d
	}
}

// WithLogger sets the logger for lost-handle, data-integrity, and
// migration events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *fileCacheConfig) {
		c.logger = logger
	}
}

// WithSizeRescanEvery sets how often the size aggregates are recomputed
// from disk.
func WithSizeRescanEvery(d time.Duration) Option {
	return func(c *fileCacheConfig) {
		c.rescanEvery = d
	}
}

// WithEvictionListener registers a listener notified with the key of
// every removed entry.
func WithEvictionListener(ref lru.ListenerRef) Option {
	return func(c *fileCacheConfig) {
		c.listener = ref
	}
}

// New opens a file cache over the directory at root, which must already
// exist. If a v1 cache layout is found under the root it is migrated in
// place before the cache is returned.
func New(root string, opts ...Option) (*FileCache, error) {
	cfg := fileCacheConfig{
		rescanEvery: DefaultRescanEvery,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	storage, err := OpenStorage(root,
		WithStorageLogger(cfg.logger),
		WithRescanEvery(cfg.rescanEvery),
		WithStorageEvictionListener(cfg.listener),
	)
	if err != nil {
		return nil, err
	}

	fc := &FileCache{
		storage: storage,
		maxSize: cfg.maxSize,
		maxAge:  cfg.maxAge,
		logger:  cfg.logger,
	}
	storage.releaseHook = fc.handleReleased

	if err := fc.migrateV1(); err != nil {
		return nil, err
	}
	return fc, nil
}

// Path returns the cache root directory.
func (fc *FileCache) Path() string { return fc.storage.Root() }

// Get returns a handle for the named entry, locking it for the duration
// of the lease. A fresh miss still yields a handle so content can be
// copied in under the lock; check Handle.Exists. Entries with no recorded
// expiry pick up the cache's max age when one is configured.
func (fc *FileCache) Get(name string, blocking bool) (*Handle, error) {
	h, err := fc.storage.Acquire(name, blocking)
	if err != nil {
		return nil, err
	}
	if h.ExpiresIn == 0 && fc.maxAge > 0 {
		h.ExpiresIn = fc.maxAge
	}
	return h, nil
}

// Put copies the file at localPath into the cache under name, with the
// given metadata payload. A ttl of zero falls back to the cache max age.
func (fc *FileCache) Put(name string, metadata map[string]any, localPath string, ttl time.Duration) error {
	h, err := fc.Get(name, true)
	if err != nil {
		return err
	}
	if metadata != nil {
		h.Metadata = metadata
	}
	if ttl > 0 {
		h.ExpiresIn = ttl
	}
	if localPath != "" {
		if err := h.CopyFrom(localPath); err != nil {
			rerr := h.Release()
			return errors.Join(err, rerr)
		}
	}
	return h.Release()
}

// Metadata returns the metadata payload stored for name, waiting for the
// entry's lock. Missing entries fail with lru.ErrItemNotCached.
func (fc *FileCache) Metadata(name string) (map[string]any, error) {
	value, err := fc.storage.Get(name)
	if err != nil {
		return nil, err
	}
	return value.(map[string]any), nil
}

// Has reports whether a live, non-expired entry exists for name.
func (fc *FileCache) Has(name string) bool { return fc.storage.Has(name) }

// Remove deletes the entry for name, waiting for its lock.
func (fc *FileCache) Remove(name string) error { return fc.storage.Remove(name) }

// CleanExpired reclaims every entry whose expiry has passed. Expiry is
// otherwise only enforced lazily, when an entry is next acquired.
func (fc *FileCache) CleanExpired() error { return fc.storage.RemoveExpired() }

// Keys returns the names of all cached entries.
func (fc *FileCache) Keys() ([]string, error) { return fc.storage.Keys() }

// TotalSizeStored returns the tracked total size of the cache directory.
func (fc *FileCache) TotalSizeStored() int64 { return fc.storage.TotalSizeStored() }

// NumItems returns the tracked number of entries.
func (fc *FileCache) NumItems() int { return fc.storage.CountItems() }

// Close refuses to close while handles remain outstanding, surfacing the
// leak to the operator instead of silently dropping live leases.
func (fc *FileCache) Close() error { return fc.storage.Close() }

// handleReleased runs after every handle release. A release that changed
// an entry may have pushed the cache over its size limit, so prune back
// down to it. Entries currently leased are skipped by the eviction pass.
func (fc *FileCache) handleReleased(h *Handle) {
	if fc.maxSize <= 0 || !h.dirty {
		return
	}
	if err := fc.storage.MakeRoomFor(0, fc.maxSize); err != nil {
		fc.logger.Warn("pruning after handle release failed", "error", err)
	}
}
