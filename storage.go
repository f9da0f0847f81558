package lru

import (
	"sync"
	"time"
	"weak"
)

// AddOptions carries the bookkeeping fields for Storage.Add. Zero values
// mean "use the default": size zero, last used now, never expires.
type AddOptions struct {
	Size      int64
	LastUsed  time.Time
	ExpiresAt time.Time
}

// Storage is the contract every cache backend implements.
//
// The Cache facade issues only these calls; it never reaches into backend
// internals. Backends are not required to be safe for concurrent use on
// their own: the facade serializes all calls behind its lock, and a backend
// instance must not be shared between two caches.
//
// MakeRoomFor and RemoveExpired live on the backend rather than in the
// facade because an efficient implementation is backend-specific: an
// index-backed in-memory structure pops the head of an ordered sequence,
// while a database-backed one issues a bulk range delete.
type Storage interface {
	// TotalSizeStored returns the aggregate size of all live entries.
	// Must not require a full scan.
	TotalSizeStored() int64

	// CountItems returns the number of live entries.
	CountItems() int

	// Has reports whether a live, non-expired entry exists for key.
	Has(key string) bool

	// Add inserts or replaces the entry for key. Any existing entry is
	// removed first so size accounting never double-counts.
	Add(key string, value any, opts AddOptions) error

	// Get returns the cached value. It fails with ErrItemNotCached if the
	// key is absent, and with ErrItemExpired if the entry is past its
	// expiry, removing the expired entry as a side effect.
	Get(key string) (any, error)

	// Remove deletes the entry for key. Removing an absent key is not an
	// error.
	Remove(key string) error

	// TouchLastUsed marks the entry as most recently used without altering
	// value or size. Touching an absent key is a no-op.
	TouchLastUsed(key string) error

	// NextToRemove returns the key with the oldest last-used time, or
	// false if the backend is empty.
	NextToRemove() (string, bool)

	// MakeRoomFor evicts least-recently-used entries until an item of the
	// given size fits under maxSize, or the backend is empty. A no-op if
	// maxSize is non-positive.
	MakeRoomFor(size, maxSize int64) error

	// RemoveExpired removes every entry whose expiry has passed.
	RemoveExpired() error

	// Keys returns the keys of all live, non-expired entries.
	Keys() ([]string, error)

	// Close releases backend resources. The backend must not be used
	// afterwards.
	Close() error
}

// EvictionListener receives the key of every entry removed from a backend,
// whether by explicit remove, capacity eviction, or expiration.
type EvictionListener interface {
	Evicted(key string)
}

// ListenerRef resolves to an EvictionListener, or reports that none is
// reachable. Backends hold their listener through a ListenerRef so a
// listener the caller no longer references can be collected; notifications
// then stop silently.
type ListenerRef interface {
	Listener() (EvictionListener, bool)
}

// StrongListener returns a ListenerRef that keeps l alive for the lifetime
// of the backend.
func StrongListener(l EvictionListener) ListenerRef {
	return strongListener{l}
}

type strongListener struct {
	l EvictionListener
}

func (s strongListener) Listener() (EvictionListener, bool) {
	return s.l, s.l != nil
}

// WeakListener returns a ListenerRef that holds owner weakly. The backend
// never keeps the listener alive: once the caller drops its last reference,
// the listener is collected and notifications stop.
func WeakListener[T any, PT interface {
	*T
	EvictionListener
}](owner PT) ListenerRef {
	return weakListener[T, PT]{p: weak.Make((*T)(owner))}
}

type weakListener[T any, PT interface {
	*T
	EvictionListener
}] struct {
	p weak.Pointer[T]
}

func (w weakListener[T, PT]) Listener() (EvictionListener, bool) {
	v := w.p.Value()
	if v == nil {
		return nil, false
	}
	return PT(v), true
}

// Notify delivers an eviction notification through ref, if a listener is
// still reachable.
func Notify(ref ListenerRef, key string) {
	if ref == nil {
		return
	}
	if l, ok := ref.Listener(); ok {
		l.Evicted(key)
	}
}

// Notifier delivers eviction notifications for a backend. Delivery is
// synchronous until HoldNotifications is called; while held, evicted keys
// queue up and ReleaseNotifications delivers them in order. Backends embed
// a Notifier and call Notify on every removal path.
type Notifier struct {
	mu      sync.Mutex
	ref     ListenerRef
	held    bool
	pending []string
}

// SetListener installs the listener reference notifications go to.
func (n *Notifier) SetListener(ref ListenerRef) {
	n.mu.Lock()
	n.ref = ref
	n.mu.Unlock()
}

// Notify reports key as evicted: delivered immediately, or queued while
// notifications are held. The listener runs outside the Notifier's lock, so
// it may remove further entries.
func (n *Notifier) Notify(key string) {
	n.mu.Lock()
	if n.held {
		n.pending = append(n.pending, key)
		n.mu.Unlock()
		return
	}
	ref := n.ref
	n.mu.Unlock()
	Notify(ref, key)
}

// HoldNotifications postpones delivery until ReleaseNotifications.
func (n *Notifier) HoldNotifications() {
	n.mu.Lock()
	n.held = true
	n.mu.Unlock()
}

// ReleaseNotifications delivers queued notifications in eviction order and
// resumes synchronous delivery.
func (n *Notifier) ReleaseNotifications() {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.held = false
	ref := n.ref
	n.mu.Unlock()
	for _, key := range pending {
		Notify(ref, key)
	}
}

// NotificationBatcher is implemented by backends whose eviction
// notifications can be postponed. The Cache facade engages it around every
// locked section so notifications fire only after the facade lock is
// released; a listener can then call back into the cache without
// deadlocking.
type NotificationBatcher interface {
	HoldNotifications()
	ReleaseNotifications()
}
