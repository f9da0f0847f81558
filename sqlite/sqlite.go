// Package sqlite provides an embedded relational backend for lru.
//
// Entries live in a single cache_entries table indexed by last_used and
// expires, so recency eviction and expiry sweeps are index walks rather
// than table scans. Values are stored as JSON. The driver is pure Go, so
// no CGO is required.
package sqlite

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cmatthias/lru"
)

// evictBatchSize bounds how many victim rows one eviction pass loads.
const evictBatchSize = 500

type cacheEntry struct {
	CacheKey  string     `gorm:"column:cache_key;primaryKey"`
	Entry     string     `gorm:"column:entry;not null"`
	EntrySize int64      `gorm:"column:entry_size"`
	LastUsed  time.Time  `gorm:"column:last_used;not null;index:last_used_idx"`
	Expires   *time.Time `gorm:"column:expires;index:expires_idx"`
}

func (cacheEntry) TableName() string { return "cache_entries" }

// Backend stores cached entries in an embedded SQLite database.
//
// Size and count aggregates are seeded from the table once at open and
// maintained incrementally, so TotalSizeStored and CountItems never scan.
type Backend struct {
	lru.Notifier

	db     *gorm.DB
	total  int64
	count  int
	logger *slog.Logger
}

var _ lru.Storage = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithEvictionListener registers a listener notified with the key of every
// removed entry.
func WithEvictionListener(ref lru.ListenerRef) Option {
	return func(b *Backend) {
		b.SetListener(ref)
	}
}

// WithLogger sets the logger used for data-integrity events.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// Open opens or creates the database at path and migrates the
// cache_entries table.
func Open(path string, opts ...Option) (*Backend, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, &lru.StorageError{Op: "open", Err: err}
	}
	if err := db.AutoMigrate(&cacheEntry{}); err != nil {
		return nil, &lru.StorageError{Op: "migrate", Err: err}
	}

	b := &Backend{
		db:     db,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(b)
	}

	var agg struct {
		Cnt int64
		Sz  int64
	}
	err = db.Model(&cacheEntry{}).
		Select("COUNT(*) AS cnt, COALESCE(SUM(entry_size), 0) AS sz").
		Scan(&agg).Error
	if err != nil {
		return nil, &lru.StorageError{Op: "open", Err: err}
	}
	b.count = int(agg.Cnt)
	b.total = agg.Sz
	return b, nil
}

// TotalSizeStored returns the aggregate size of stored entries.
func (b *Backend) TotalSizeStored() int64 { return b.total }

// CountItems returns the number of stored entries.
func (b *Backend) CountItems() int { return b.count }

// Has reports whether a live, non-expired entry exists for key.
func (b *Backend) Has(key string) bool {
	var n int64
	err := b.db.Model(&cacheEntry{}).
		Where("cache_key = ? AND (expires IS NULL OR expires > ?)", key, time.Now()).
		Count(&n).Error
	return err == nil && n > 0
}

// Add inserts or replaces the entry for key. The value is serialized as
// JSON.
func (b *Backend) Add(key string, value any, opts lru.AddOptions) error {
	if err := b.Remove(key); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return &lru.StorageError{Op: "add", Key: key, Err: err}
	}
	lastUsed := opts.LastUsed
	if lastUsed.IsZero() {
		lastUsed = time.Now()
	}
	rec := cacheEntry{
		CacheKey:  key,
		Entry:     string(data),
		EntrySize: opts.Size,
		LastUsed:  lastUsed,
	}
	if !opts.ExpiresAt.IsZero() {
		expires := opts.ExpiresAt
		rec.Expires = &expires
	}
	if err := b.db.Create(&rec).Error; err != nil {
		return &lru.StorageError{Op: "add", Key: key, Err: err}
	}
	b.total += opts.Size
	b.count++
	return nil
}

// Get returns the cached value. An expired entry is removed and reported
// as lru.ErrItemExpired. A row whose payload no longer decodes is removed
// and reported as a miss.
func (b *Backend) Get(key string) (any, error) {
	var rec cacheEntry
	err := b.db.Where("cache_key = ?", key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, lru.ErrItemNotCached
	}
	if err != nil {
		return nil, &lru.StorageError{Op: "get", Key: key, Err: err}
	}

	if rec.Expires != nil && rec.Expires.Before(time.Now()) {
		if err := b.removeRow(&rec); err != nil {
			return nil, err
		}
		return nil, lru.ErrItemExpired
	}

	var value any
	if err := json.Unmarshal([]byte(rec.Entry), &value); err != nil {
		b.logger.Warn("removing undecodable cache entry",
			"key", key, "error", err)
		if err := b.removeRow(&rec); err != nil {
			return nil, err
		}
		return nil, lru.ErrItemNotCached
	}
	return value, nil
}

// Remove deletes the entry for key, if present.
func (b *Backend) Remove(key string) error {
	var rec cacheEntry
	err := b.db.Select("cache_key", "entry_size").
		Where("cache_key = ?", key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return &lru.StorageError{Op: "remove", Key: key, Err: err}
	}
	return b.removeRow(&rec)
}

// TouchLastUsed updates the entry's last_used timestamp.
func (b *Backend) TouchLastUsed(key string) error {
	err := b.db.Model(&cacheEntry{}).
		Where("cache_key = ?", key).
		Update("last_used", time.Now()).Error
	if err != nil {
		return &lru.StorageError{Op: "touch", Key: key, Err: err}
	}
	return nil
}

// NextToRemove returns the key with the oldest last_used time. Ordering is
// ascending: the least recently used row is the eviction victim.
func (b *Backend) NextToRemove() (string, bool) {
	var rec cacheEntry
	err := b.db.Select("cache_key").
		Order("last_used ASC").
		Take(&rec).Error
	if err != nil {
		return "", false
	}
	return rec.CacheKey, true
}

// MakeRoomFor evicts least-recently-used entries, in batches, until an
// item of the given size fits under maxSize. Expired rows are swept first
// so they never count against the limit.
func (b *Backend) MakeRoomFor(size, maxSize int64) error {
	if maxSize <= 0 {
		return nil
	}
	if err := b.RemoveExpired(); err != nil {
		return err
	}
	for b.total+size > maxSize && b.count > 0 {
		var victims []cacheEntry
		err := b.db.Select("cache_key", "entry_size").
			Order("last_used ASC").
			Limit(evictBatchSize).
			Find(&victims).Error
		if err != nil {
			return &lru.StorageError{Op: "evict", Err: err}
		}
		if len(victims) == 0 {
			break
		}
		for i := range victims {
			if b.total+size <= maxSize {
				break
			}
			if err := b.removeRow(&victims[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveExpired removes every row whose expires timestamp has passed. Keys
// are collected through a KeyList so a huge expired set does not pin
// memory, and each removal still notifies the eviction listener.
func (b *Backend) RemoveExpired() error {
	keys := NewKeyList()
	defer keys.Close()

	rows, err := b.db.Model(&cacheEntry{}).
		Select("cache_key").
		Where("expires IS NOT NULL AND expires < ?", time.Now()).
		Rows()
	if err != nil {
		return &lru.StorageError{Op: "remove expired", Err: err}
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return &lru.StorageError{Op: "remove expired", Err: err}
		}
		if err := keys.Append(key); err != nil {
			rows.Close()
			return err
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return &lru.StorageError{Op: "remove expired", Err: err}
	}
	rows.Close()

	return keys.ForEach(b.Remove)
}

// Keys returns the keys of all live, non-expired entries.
func (b *Backend) Keys() ([]string, error) {
	var keys []string
	err := b.db.Model(&cacheEntry{}).
		Where("expires IS NULL OR expires > ?", time.Now()).
		Order("last_used ASC").
		Pluck("cache_key", &keys).Error
	if err != nil {
		return nil, &lru.StorageError{Op: "keys", Err: err}
	}
	return keys, nil
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	if b.db == nil {
		return lru.ErrClosed
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return &lru.StorageError{Op: "close", Err: err}
	}
	if err := sqlDB.Close(); err != nil {
		return &lru.StorageError{Op: "close", Err: err}
	}
	b.db = nil
	return nil
}

// removeRow deletes one row and settles aggregates and notifications.
// rec must carry at least cache_key and entry_size.
func (b *Backend) removeRow(rec *cacheEntry) error {
	res := b.db.Where("cache_key = ?", rec.CacheKey).Delete(&cacheEntry{})
	if res.Error != nil {
		return &lru.StorageError{Op: "remove", Key: rec.CacheKey, Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return nil
	}
	b.total -= rec.EntrySize
	b.count--
	b.Notify(rec.CacheKey)
	return nil
}
