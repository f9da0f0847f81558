package filecache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/gofrs/flock"

	"github.com/cmatthias/lru"
)

// ErrReleased is returned when a handle is used after Release.
var ErrReleased = errors.New("cached file handle already released")

// Handle is a lease on one file-backed cache entry.
//
// While a handle is live it holds the entry's per-key advisory lock, so no
// other process (and no other caller in this process) can read, rewrite,
// or evict the entry. The holder may rewrite the content file, mutate
// Metadata, adjust ExpiresIn, or mark the entry for discard; Release
// commits content and metadata changes, and the expiry along with them.
// A handle that only read the entry leaves it untouched apart from a
// recency bump.
//
// Release must run on every exit path from the scope that acquired the
// handle:
//
//	h, err := store.Acquire(name, true)
//	if err != nil {
//		return err
//	}
//	defer h.Close()
//
// Release is idempotent; only the first call commits.
type Handle struct {
	storage *Storage
	name    string
	lock    *flock.Flock
	path    string

	// Metadata is the entry's caller-defined payload. Mutations are
	// persisted on release.
	Metadata map[string]any

	// ExpiresIn is the entry's remaining time-to-live, measured from
	// release. Zero means the entry never expires.
	ExpiresIn time.Duration

	initMetadata map[string]any
	initSize     int64
	dirty        bool
	discarded    bool
	released     bool
}

// Name returns the normalized key this handle leases.
func (h *Handle) Name() string { return h.name }

// Path returns the location of the entry's content file. The file may not
// exist yet; see Exists.
func (h *Handle) Path() string { return h.path }

// Exists reports whether the entry's content file is present.
func (h *Handle) Exists() bool {
	_, err := os.Stat(h.path)
	return err == nil
}

// Open opens the entry's content file with the given flags (os.O_RDONLY,
// os.O_WRONLY|os.O_CREATE, ...). Opening for writing marks the entry
// changed so its size is re-accounted on release.
func (h *Handle) Open(flag int) (*os.File, error) {
	if h.released {
		return nil, ErrReleased
	}
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
			return nil, &lru.StorageError{Op: "open", Key: h.name, Err: err}
		}
		h.dirty = true
	}
	return os.OpenFile(h.path, flag, 0o644)
}

// CopyFrom copies the file at src into the cache as this entry's content.
func (h *Handle) CopyFrom(src string) error {
	if h.released {
		return ErrReleased
	}
	info, err := os.Stat(src)
	if err != nil {
		return &lru.StorageError{Op: "copy from", Key: h.name, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &lru.StorageError{Op: "copy from", Key: h.name,
			Err: fmt.Errorf("%s is not a regular file", src)}
	}
	if same, _ := sameFile(src, h.path); same {
		return &lru.StorageError{Op: "copy from", Key: h.name,
			Err: errors.New("cannot copy a cached file onto itself")}
	}

	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return &lru.StorageError{Op: "copy from", Key: h.name, Err: err}
	}
	if err := copyFile(src, h.path); err != nil {
		return &lru.StorageError{Op: "copy from", Key: h.name, Err: err}
	}
	h.dirty = true
	return nil
}

// CopyTo copies the entry's content out of the cache to dst.
func (h *Handle) CopyTo(dst string) error {
	if h.released {
		return ErrReleased
	}
	if err := copyFile(h.path, dst); err != nil {
		return &lru.StorageError{Op: "copy to", Key: h.name, Err: err}
	}
	return nil
}

// Discard marks the entry for deletion on release.
func (h *Handle) Discard() {
	if h.released {
		return
	}
	h.discarded = true
	h.dirty = true
}

// Discarded reports whether the entry is marked for deletion.
func (h *Handle) Discarded() bool { return h.discarded }

// Release commits the lease: a discarded entry is deleted, a changed one
// has its metadata persisted and its size delta applied, and the per-key
// lock is dropped. Only the first call has any effect.
func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true
	err := h.storage.handleReleased(h)
	if hook := h.storage.releaseHook; hook != nil {
		hook(h)
	}
	return err
}

// Close releases the handle. It exists so a handle can be deferred like
// any other resource.
func (h *Handle) Close() error { return h.Release() }

func (h *Handle) String() string { return h.name }

// hasChanges reports whether release needs to persist anything. ExpiresIn
// alone never counts as a change: the cache stamps its default age on every
// handle, and persisting that would turn a pure read miss into a live
// entry. A stamped expiry is committed along with content or metadata
// changes.
func (h *Handle) hasChanges() bool {
	return h.dirty || !reflect.DeepEqual(h.Metadata, h.initMetadata)
}

func sameFile(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
