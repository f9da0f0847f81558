// Package shelf provides a single-file persistent key-value backend for
// lru.
//
// Entries live in one bbolt bucket; each record is a JSON document
// compressed with zstd. The recency order is rebuilt from the stored
// last-used timestamps when the file is opened, then maintained in memory
// exactly like the in-memory backend.
package shelf

import (
	"container/list"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/cmatthias/lru"
)

var entriesBucket = []byte("entries")

// record is the persisted form of one entry.
type record struct {
	Data     json.RawMessage `json:"data"`
	Size     int64           `json:"size"`
	LastUsed time.Time       `json:"last_used"`
	Expires  *time.Time      `json:"expires,omitempty"`
}

func (r *record) expired(now time.Time) bool {
	return r.Expires != nil && r.Expires.Before(now)
}

// Backend stores cached entries in a single bbolt file.
type Backend struct {
	lru.Notifier

	db     *bolt.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	elems  map[string]*list.Element
	order  *list.List // of string keys, front is least recently used
	total  int64
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

// Open opens or creates the shelf file at path and rebuilds the recency
// index from the stored entries.
func Open(path string, opts ...Option) (*Backend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &lru.StorageError{Op: "open", Err: err}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, &lru.StorageError{Op: "open", Err: err}
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, &lru.StorageError{Op: "open", Err: err}
	}

	b := &Backend{
		db:     db,
		enc:    enc,
		dec:    dec,
		elems:  make(map[string]*list.Element),
		order:  list.New(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(b)
	}

	if err := b.loadIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// loadIndex scans the bucket once to rebuild recency order and aggregates.
func (b *Backend) loadIndex() error {
	type indexed struct {
		key      string
		size     int64
		lastUsed time.Time
	}
	var entries []indexed

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			rec, err := b.decode(v)
			if err != nil {
				b.logger.Warn("skipping undecodable shelf entry",
					"key", string(k), "error", err)
				return nil
			}
			entries = append(entries, indexed{
				key:      string(k),
				size:     rec.Size,
				lastUsed: rec.LastUsed,
			})
			return nil
		})
	})
	if err != nil {
		return &lru.StorageError{Op: "open", Err: err}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastUsed.Before(entries[j].lastUsed)
	})
	for _, e := range entries {
		b.elems[e.key] = b.order.PushBack(e.key)
		b.total += e.size
	}
	return nil
}

// TotalSizeStored returns the aggregate size of stored entries.
func (b *Backend) TotalSizeStored() int64 { return b.total }

// CountItems returns the number of stored entries.
func (b *Backend) CountItems() int { return len(b.elems) }

// Has reports whether a live, non-expired entry exists for key.
func (b *Backend) Has(key string) bool {
	if _, ok := b.elems[key]; !ok {
		return false
	}
	rec, err := b.read(key)
	if err != nil {
		return false
	}
	return !rec.expired(time.Now())
}

// Add inserts or replaces the entry for key.
func (b *Backend) Add(key string, value any, opts lru.AddOptions) error {
	if b.db == nil {
		return lru.ErrClosed
	}
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
	rec := record{
		Data:     data,
		Size:     opts.Size,
		LastUsed: lastUsed,
	}
	if !opts.ExpiresAt.IsZero() {
		expires := opts.ExpiresAt
		rec.Expires = &expires
	}
	if err := b.write(key, &rec); err != nil {
		return err
	}
	b.elems[key] = b.order.PushBack(key)
	b.total += rec.Size
	return nil
}

// Get returns the cached value. An expired entry is removed and reported
// as lru.ErrItemExpired; an undecodable one is removed and reported as a
// miss.
func (b *Backend) Get(key string) (any, error) {
	if b.db == nil {
		return nil, lru.ErrClosed
	}
	if _, ok := b.elems[key]; !ok {
		return nil, lru.ErrItemNotCached
	}
	rec, err := b.read(key)
	if err != nil {
		b.logger.Warn("removing undecodable shelf entry",
			"key", key, "error", err)
		if rerr := b.removeKey(key, 0); rerr != nil {
			return nil, rerr
		}
		return nil, lru.ErrItemNotCached
	}
	if rec.expired(time.Now()) {
		if err := b.removeKey(key, rec.Size); err != nil {
			return nil, err
		}
		return nil, lru.ErrItemExpired
	}

	var value any
	if err := json.Unmarshal(rec.Data, &value); err != nil {
		b.logger.Warn("removing undecodable shelf entry",
			"key", key, "error", err)
		if rerr := b.removeKey(key, rec.Size); rerr != nil {
			return nil, rerr
		}
		return nil, lru.ErrItemNotCached
	}
	return value, nil
}

// Remove deletes the entry for key, if present.
func (b *Backend) Remove(key string) error {
	if b.db == nil {
		return lru.ErrClosed
	}
	if _, ok := b.elems[key]; !ok {
		return nil
	}
	var size int64
	if rec, err := b.read(key); err == nil {
		size = rec.Size
	}
	return b.removeKey(key, size)
}

// TouchLastUsed marks the entry as most recently used and writes the new
// timestamp through to disk.
func (b *Backend) TouchLastUsed(key string) error {
	if b.db == nil {
		return lru.ErrClosed
	}
	elem, ok := b.elems[key]
	if !ok {
		return nil
	}
	rec, err := b.read(key)
	if err != nil {
		return &lru.StorageError{Op: "touch", Key: key, Err: err}
	}
	rec.LastUsed = time.Now()
	if err := b.write(key, rec); err != nil {
		return err
	}
	b.order.MoveToBack(elem)
	return nil
}

// NextToRemove returns the least recently used key.
func (b *Backend) NextToRemove() (string, bool) {
	front := b.order.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(string), true
}

// MakeRoomFor evicts least-recently-used entries until an item of the
// given size fits under maxSize.
func (b *Backend) MakeRoomFor(size, maxSize int64) error {
	if b.db == nil {
		return lru.ErrClosed
	}
	if maxSize <= 0 {
		return nil
	}
	for b.total+size > maxSize {
		key, ok := b.NextToRemove()
		if !ok {
			break
		}
		if err := b.Remove(key); err != nil {
			return err
		}
	}
	return nil
}

// RemoveExpired removes every entry whose expiry has passed.
func (b *Backend) RemoveExpired() error {
	if b.db == nil {
		return lru.ErrClosed
	}
	now := time.Now()
	type victim struct {
		key  string
		size int64
	}
	var victims []victim

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			rec, err := b.decode(v)
			if err != nil {
				return nil
			}
			if rec.expired(now) {
				victims = append(victims, victim{key: string(k), size: rec.Size})
			}
			return nil
		})
	})
	if err != nil {
		return &lru.StorageError{Op: "remove expired", Err: err}
	}

	for _, v := range victims {
		if err := b.removeKey(v.key, v.size); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns all keys in recency order, least recently used first.
func (b *Backend) Keys() ([]string, error) {
	if b.db == nil {
		return nil, lru.ErrClosed
	}
	keys := make([]string, 0, len(b.elems))
	for elem := b.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(string))
	}
	return keys, nil
}

// Close syncs and closes the shelf file.
func (b *Backend) Close() error {
	if b.db == nil {
		return lru.ErrClosed
	}
	err := b.db.Close()
	if cerr := b.enc.Close(); err == nil {
		err = cerr
	}
	b.dec.Close()
	b.db = nil
	b.elems = nil
	b.order = nil
	if err != nil {
		return &lru.StorageError{Op: "close", Err: err}
	}
	return nil
}

func (b *Backend) removeKey(key string, size int64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(key))
	})
	if err != nil {
		return &lru.StorageError{Op: "remove", Key: key, Err: err}
	}
	if elem, ok := b.elems[key]; ok {
		b.order.Remove(elem)
		delete(b.elems, key)
	}
	b.total -= size
	b.Notify(key)
	return nil
}

func (b *Backend) read(key string) (*record, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get([]byte(key))
		if v != nil {
			raw = append(raw, v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, lru.ErrItemNotCached
	}
	return b.decode(raw)
}

func (b *Backend) write(key string, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &lru.StorageError{Op: "write", Key: key, Err: err}
	}
	compressed := b.enc.EncodeAll(data, nil)
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(key), compressed)
	})
	if err != nil {
		return &lru.StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}

func (b *Backend) decode(raw []byte) (*record, error) {
	data, err := b.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
