// Package memory provides the in-memory reference backend for lru.
//
// Recency is tracked with an intrusive doubly linked order plus a
// key-to-node map, so a touch is O(1) rather than a linear scan.
// Expiration uses a min-heap keyed by expiry time with lazy invalidation:
// every entry carries a monotonic stamp, and heap items whose stamp no
// longer matches the live entry are discarded without effect.
package memory

import (
	"container/heap"
	"container/list"
	"time"

	"github.com/cmatthias/lru"
)

type entry struct {
	key       string
	value     any
	size      int64
	lastUsed  time.Time
	expiresAt time.Time
	stamp     uint64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// Backend stores cached entries in memory.
//
// It is not safe for concurrent use on its own; the lru.Cache facade
// serializes all calls.
type Backend struct {
	lru.Notifier

	items    map[string]*list.Element
	order    *list.List // front is least recently used
	expiries expiryHeap
	total    int64
	stamps   uint64
	closed   bool
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

// New creates an empty in-memory backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		items: make(map[string]*list.Element),
		order: list.New(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(b)
	}
	return b
}

// TotalSizeStored returns the aggregate size of stored entries.
func (b *Backend) TotalSizeStored() int64 { return b.total }

// CountItems returns the number of stored entries.
func (b *Backend) CountItems() int { return len(b.items) }

// Has reports whether a live, non-expired entry exists for key.
func (b *Backend) Has(key string) bool {
	elem, ok := b.items[key]
	if !ok {
		return false
	}
	return !elem.Value.(*entry).expired(time.Now())
}

// Add inserts or replaces the entry for key.
func (b *Backend) Add(key string, value any, opts lru.AddOptions) error {
	if b.closed {
		return lru.ErrClosed
	}
	if _, ok := b.items[key]; ok {
		b.removeKey(key)
	}

	lastUsed := opts.LastUsed
	if lastUsed.IsZero() {
		lastUsed = time.Now()
	}
	b.stamps++
	e := &entry{
		key:       key,
		value:     value,
		size:      opts.Size,
		lastUsed:  lastUsed,
		expiresAt: opts.ExpiresAt,
		stamp:     b.stamps,
	}
	b.items[key] = b.order.PushBack(e)
	b.total += e.size
	if !e.expiresAt.IsZero() {
		heap.Push(&b.expiries, expiryItem{at: e.expiresAt, key: key, stamp: e.stamp})
	}
	return nil
}

// Get returns the cached value. An expired entry is removed and reported
// as lru.ErrItemExpired.
func (b *Backend) Get(key string) (any, error) {
	if b.closed {
		return nil, lru.ErrClosed
	}
	elem, ok := b.items[key]
	if !ok {
		return nil, lru.ErrItemNotCached
	}
	e := elem.Value.(*entry)
	if e.expired(time.Now()) {
		b.removeKey(key)
		return nil, lru.ErrItemExpired
	}
	return e.value, nil
}

// Remove deletes the entry for key, if present.
func (b *Backend) Remove(key string) error {
	if b.closed {
		return lru.ErrClosed
	}
	if _, ok := b.items[key]; ok {
		b.removeKey(key)
	}
	return nil
}

// TouchLastUsed moves the entry to the most-recently-used position.
func (b *Backend) TouchLastUsed(key string) error {
	if b.closed {
		return lru.ErrClosed
	}
	elem, ok := b.items[key]
	if !ok {
		return nil
	}
	elem.Value.(*entry).lastUsed = time.Now()
	b.order.MoveToBack(elem)
	return nil
}

// NextToRemove returns the least recently used key.
func (b *Backend) NextToRemove() (string, bool) {
	front := b.order.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(*entry).key, true
}

// MakeRoomFor evicts least-recently-used entries until an item of the
// given size fits under maxSize.
func (b *Backend) MakeRoomFor(size, maxSize int64) error {
	if b.closed {
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
		b.removeKey(key)
	}
	return nil
}

// RemoveExpired removes every entry whose expiry has passed. Stale heap
// items, left behind by replaces and removes, are discarded as they
// surface.
func (b *Backend) RemoveExpired() error {
	if b.closed {
		return lru.ErrClosed
	}
	now := time.Now()
	for b.expiries.Len() > 0 {
		top := b.expiries[0]
		if top.at.After(now) {
			break
		}
		heap.Pop(&b.expiries)
		elem, ok := b.items[top.key]
		if !ok {
			continue
		}
		e := elem.Value.(*entry)
		if e.stamp != top.stamp || !e.expired(now) {
			continue
		}
		b.removeKey(top.key)
	}
	return nil
}

// Keys returns all keys in recency order, least recently used first.
func (b *Backend) Keys() ([]string, error) {
	if b.closed {
		return nil, lru.ErrClosed
	}
	keys := make([]string, 0, len(b.items))
	now := time.Now()
	for elem := b.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if e.expired(now) {
			continue
		}
		keys = append(keys, e.key)
	}
	return keys, nil
}

// Close drops all entries. The backend must not be used afterwards.
func (b *Backend) Close() error {
	if b.closed {
		return lru.ErrClosed
	}
	b.items = nil
	b.order = nil
	b.expiries = nil
	b.total = 0
	b.closed = true
	return nil
}

func (b *Backend) removeKey(key string) {
	elem, ok := b.items[key]
	if !ok {
		return
	}
	e := elem.Value.(*entry)
	b.order.Remove(elem)
	delete(b.items, key)
	b.total -= e.size
	b.Notify(key)
}

type expiryItem struct {
	at    time.Time
	key   string
	stamp uint64
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) {
	*h = append(*h, x.(expiryItem))
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
