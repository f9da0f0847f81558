// Package filecache provides a directory-of-files backend for lru.
//
// Each entry is stored as up to two files under the cache root: a content
// file and a small JSON metadata document holding the expiry timestamp and
// a caller-defined payload. Every access goes through a per-key advisory
// file lock, so multiple processes can share one cache directory; the
// handle returned by Acquire keeps the key locked until it is released.
package filecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"weak"

	"github.com/gofrs/flock"

	"github.com/cmatthias/lru"
)

const (
	// Version is written to the cache root's marker file. Opening a root
	// whose marker disagrees fails rather than reinterpreting an
	// incompatible layout.
	Version = "2"

	versionFileName = ".cache_version"
	fileSuffix      = ".file"
	metadataSuffix  = ".metadata"
	lockSuffix      = ".lock"

	// nonBlockingLockWait bounds how long a non-blocking acquisition polls
	// the cross-process lock before giving up.
	nonBlockingLockWait = 5 * time.Second
	lockRetryDelay      = 100 * time.Millisecond

	expiresFormat = time.RFC3339Nano
)

// metadataDoc is the on-disk form of a .metadata file.
type metadataDoc struct {
	Expires  *string        `json:"expires"`
	Metadata map[string]any `json:"metadata"`
}

// NormalizeKey canonicalizes a cache key into a relative slash-separated
// path. Keys that normalize to an empty path, escape the cache root, or
// end in a separator fail with lru.ErrInvalidKey.
func NormalizeKey(name string) (string, error) {
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, "\\") {
		return "", fmt.Errorf("%w: %q ends with a path separator", lru.ErrInvalidKey, name)
	}
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Clean(name)
	name = strings.TrimLeft(name, "/")
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: %q resolves outside the cache root", lru.ErrInvalidKey, name)
	}
	return name, nil
}

// Storage is the file-backed cache backend.
//
// Acquire is the sole write path: there is no direct Add, because copying
// content in has to happen under the per-key lock. The lru.Storage
// contract is still implemented so the backend can sit behind the generic
// facade; its contract-level Get returns the entry's metadata payload.
type Storage struct {
	lru.Notifier

	root        string
	size        *sizeTracker
	logger      *slog.Logger
	releaseHook func(*Handle)

	mu      sync.Mutex
	handles map[string]weak.Pointer[Handle]
	closed  bool
}

var _ lru.Storage = (*Storage)(nil)

// StorageOption configures a Storage.
type StorageOption func(*Storage)

// WithStorageLogger sets the logger for lost-handle and data-integrity
// events.
func WithStorageLogger(logger *slog.Logger) StorageOption {
	return func(s *Storage) {
		s.logger = logger
	}
}

// WithRescanEvery sets how often the size and count aggregates are
// recomputed from disk. Defaults to DefaultRescanEvery.
func WithRescanEvery(d time.Duration) StorageOption {
	return func(s *Storage) {
		s.size.rescanEvery = d
	}
}

// WithStorageEvictionListener registers a listener notified with the key
// of every removed entry.
func WithStorageEvictionListener(ref lru.ListenerRef) StorageOption {
	return func(s *Storage) {
		s.SetListener(ref)
	}
}

// OpenStorage opens the cache directory at root, which must already
// exist, and verifies its version marker.
func OpenStorage(root string, opts ...StorageOption) (*Storage, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &lru.StorageError{Op: "open", Err: err}
	}
	if !info.IsDir() {
		return nil, &lru.StorageError{Op: "open", Err: fmt.Errorf("%s is not a directory", root)}
	}

	logger := slog.New(slog.DiscardHandler)
	s := &Storage{
		root:    root,
		logger:  logger,
		size:    newSizeTracker(root, DefaultRescanEvery, logger),
		handles: make(map[string]weak.Pointer[Handle]),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	s.size.logger = s.logger

	if err := s.checkVersion(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the cache directory.
func (s *Storage) Root() string { return s.root }

func (s *Storage) checkVersion() error {
	markerPath := filepath.Join(s.root, versionFileName)
	data, err := os.ReadFile(markerPath)
	if errors.Is(err, os.ErrNotExist) {
		if werr := os.WriteFile(markerPath, []byte(Version), 0o644); werr != nil {
			return &lru.StorageError{Op: "open", Err: werr}
		}
		return nil
	}
	if err != nil {
		return &lru.StorageError{Op: "open", Err: err}
	}
	if got := strings.TrimSpace(string(data)); got != Version {
		return &lru.StorageError{
			Op:  "open",
			Err: fmt.Errorf("cache version is %s, expected %s", got, Version),
		}
	}
	return nil
}

func (s *Storage) filePath(norm string) string {
	return filepath.Join(s.root, filepath.FromSlash(norm)) + fileSuffix
}

func (s *Storage) metadataPath(norm string) string {
	return filepath.Join(s.root, filepath.FromSlash(norm)) + metadataSuffix
}

func (s *Storage) lockPath(norm string) string {
	return filepath.Join(s.root, filepath.FromSlash(norm)) + lockSuffix
}

// Acquire locks the named entry and returns a handle for it. A handle is
// returned whether or not the entry exists, so content can be copied in
// under the lock; check Handle.Exists to tell a miss from a hit.
//
// With blocking set, acquisition waits indefinitely for the cross-process
// lock. Without it, a lock held elsewhere fails with ErrCachedFileLocked
// after a bounded wait. A second acquisition from this process while a
// live handle exists fails immediately, without touching the file lock.
func (s *Storage) Acquire(name string, blocking bool) (*Handle, error) {
	norm, err := NormalizeKey(name)
	if err != nil {
		return nil, err
	}

	lock, err := s.acquireLock(norm, blocking)
	if err != nil {
		return nil, err
	}

	meta, metaSize, expiresAt := s.readMetadata(norm)

	var fileSize int64
	if fi, serr := os.Stat(s.filePath(norm)); serr == nil {
		fileSize = fi.Size()
	}

	h := &Handle{
		storage:      s,
		name:         norm,
		lock:         lock,
		path:         s.filePath(norm),
		Metadata:     meta,
		initMetadata: cloneMetadata(meta),
		initSize:     metaSize + fileSize,
	}
	if !expiresAt.IsZero() {
		h.ExpiresIn = time.Until(expiresAt)
	}

	s.mu.Lock()
	s.handles[norm] = weak.Make(h)
	s.mu.Unlock()
	return h, nil
}

// acquireLock takes the per-key advisory lock, first checking the
// in-process handle table so a goroutine cannot deadlock against its own
// process.
func (s *Storage) acquireLock(norm string, blocking bool) (*flock.Flock, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, lru.ErrClosed
	}
	if ptr, ok := s.handles[norm]; ok {
		if ptr.Value() != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: live handle already open for %q", lru.ErrCachedFileLocked, norm)
		}
		s.logger.Warn("cache file handle lost without release", "key", norm)
		delete(s.handles, norm)
	}
	s.mu.Unlock()

	lockPath := s.lockPath(norm)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, &lru.StorageError{Op: "lock", Key: norm, Err: err}
	}

	fl := flock.New(lockPath)
	if blocking {
		if err := fl.Lock(); err != nil {
			return nil, &lru.StorageError{Op: "lock", Key: norm, Err: err}
		}
		return fl, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), nonBlockingLockWait)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, &lru.StorageError{Op: "lock", Key: norm, Err: err}
	}
	if !locked {
		return nil, fmt.Errorf("%w: %q", lru.ErrCachedFileLocked, norm)
	}
	return fl, nil
}

// readMetadata loads the metadata document for norm. A corrupt document
// or one whose recorded expiry has passed is cleaned up and the entry
// treated as absent.
func (s *Storage) readMetadata(norm string) (meta map[string]any, size int64, expiresAt time.Time) {
	mpath := s.metadataPath(norm)
	data, err := os.ReadFile(mpath)
	if err != nil {
		return map[string]any{}, 0, time.Time{}
	}

	var doc metadataDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("removing corrupt cache metadata", "key", norm, "error", err)
		s.deleteItemData(norm)
		return map[string]any{}, 0, time.Time{}
	}

	if doc.Expires != nil {
		at, err := time.Parse(expiresFormat, *doc.Expires)
		if err != nil {
			s.logger.Warn("removing cache metadata with bad expiry", "key", norm, "error", err)
			s.deleteItemData(norm)
			return map[string]any{}, 0, time.Time{}
		}
		if at.Before(time.Now()) {
			s.deleteItemData(norm)
			return map[string]any{}, 0, time.Time{}
		}
		expiresAt = at
	}

	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	return doc.Metadata, int64(len(data)), expiresAt
}

// handleReleased commits a handle's changes back to disk. Called exactly
// once per handle, with the per-key lock still held.
func (s *Storage) handleReleased(h *Handle) error {
	var err error
	if h.discarded {
		_, err = s.deleteItemData(h.name)
	} else {
		err = s.commitHandle(h)
	}

	s.mu.Lock()
	if ptr, ok := s.handles[h.name]; ok && ptr.Value() == h {
		delete(s.handles, h.name)
	}
	s.mu.Unlock()

	if uerr := h.lock.Unlock(); uerr != nil && err == nil {
		err = &lru.StorageError{Op: "unlock", Key: h.name, Err: uerr}
	}
	return err
}

func (s *Storage) commitHandle(h *Handle) error {
	mpath := s.metadataPath(h.name)

	if !h.hasChanges() {
		// Read-only access: refresh the metadata mtime so recency-based
		// eviction sees the use.
		if _, err := os.Stat(mpath); err == nil {
			now := time.Now()
			if err := os.Chtimes(mpath, now, now); err != nil {
				return &lru.StorageError{Op: "touch", Key: h.name, Err: err}
			}
		}
		return nil
	}

	// A handle that saw a miss and was never written leaves nothing
	// behind.
	if !h.Exists() && len(h.Metadata) == 0 && h.ExpiresIn == 0 {
		return nil
	}

	doc := metadataDoc{Metadata: h.Metadata}
	if h.ExpiresIn > 0 {
		expires := time.Now().Add(h.ExpiresIn).Format(expiresFormat)
		doc.Expires = &expires
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return &lru.StorageError{Op: "commit", Key: h.name, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(mpath), 0o755); err != nil {
		return &lru.StorageError{Op: "commit", Key: h.name, Err: err}
	}
	if err := os.WriteFile(mpath, data, 0o644); err != nil {
		return &lru.StorageError{Op: "commit", Key: h.name, Err: err}
	}

	// Apply the size delta observed across the lease.
	hadMetadata := h.initSize > 0
	if hadMetadata {
		s.size.Subtract(h.initSize, 1)
	}
	var newSize int64
	for _, p := range []string{mpath, s.filePath(h.name)} {
		if fi, err := os.Stat(p); err == nil {
			newSize += fi.Size()
		}
	}
	s.size.Add(newSize, 1)
	return nil
}

// deleteItemData removes both files for norm and settles accounting.
// The caller is expected to hold the per-key lock.
func (s *Storage) deleteItemData(norm string) (int64, error) {
	var deleted int64
	removedMetadata := false

	for _, p := range []string{s.filePath(norm), s.metadataPath(norm)} {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if err := os.Remove(p); err != nil {
			return deleted, &lru.StorageError{Op: "remove", Key: norm, Err: err}
		}
		deleted += fi.Size()
		if strings.HasSuffix(p, metadataSuffix) {
			removedMetadata = true
		}
	}

	if deleted > 0 || removedMetadata {
		entries := 0
		if removedMetadata {
			entries = 1
		}
		s.size.Subtract(deleted, entries)
		s.Notify(norm)
	}
	s.pruneEmptyParents(norm)
	return deleted, nil
}

// pruneEmptyParents removes directories left empty by a deletion, walking
// up to (but never including) the cache root.
func (s *Storage) pruneEmptyParents(norm string) {
	dir := filepath.Dir(filepath.Join(s.root, filepath.FromSlash(norm)))
	root := filepath.Clean(s.root)
	for filepath.Clean(dir) != root {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// TotalSizeStored returns the tracked total size of the cache directory.
func (s *Storage) TotalSizeStored() int64 { return s.size.Size() }

// CountItems returns the tracked number of entries.
func (s *Storage) CountItems() int { return s.size.Count() }

// Has reports whether a live, non-expired entry exists for key.
func (s *Storage) Has(key string) bool {
	norm, err := NormalizeKey(key)
	if err != nil {
		return false
	}
	data, err := os.ReadFile(s.metadataPath(norm))
	if err != nil {
		return false
	}
	var doc metadataDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	if doc.Expires != nil {
		at, err := time.Parse(expiresFormat, *doc.Expires)
		if err == nil && at.Before(time.Now()) {
			return false
		}
	}
	return true
}

// Add is not supported: file-backed entries are written through handles
// so the content copy happens under the per-key lock. Use Acquire.
func (s *Storage) Add(key string, value any, opts lru.AddOptions) error {
	return &lru.StorageError{
		Op:  "add",
		Key: key,
		Err: errors.New("file cache entries are written through handles; use Acquire"),
	}
}

// Get returns the metadata payload for key. File content is reached
// through Acquire; this contract-level read exists so the backend can sit
// behind the generic facade.
func (s *Storage) Get(key string) (any, error) {
	h, err := s.Acquire(key, true)
	if err != nil {
		return nil, err
	}
	exists := h.Exists()
	meta := h.Metadata
	if err := h.Release(); err != nil {
		return nil, err
	}
	if !exists && len(meta) == 0 {
		return nil, lru.ErrItemNotCached
	}
	return meta, nil
}

// Remove deletes the entry for key, waiting for its per-key lock. A key
// currently leased by a live handle in this process fails with
// ErrCachedFileLocked.
func (s *Storage) Remove(key string) error {
	norm, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	lock, err := s.acquireLock(norm, true)
	if err != nil {
		return err
	}
	_, derr := s.deleteItemData(norm)
	if uerr := lock.Unlock(); uerr != nil && derr == nil {
		derr = &lru.StorageError{Op: "unlock", Key: norm, Err: uerr}
	}
	return derr
}

// TouchLastUsed refreshes the entry's metadata mtime, which is what
// recency eviction orders by.
func (s *Storage) TouchLastUsed(key string) error {
	norm, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	lock, err := s.acquireLock(norm, true)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	mpath := s.metadataPath(norm)
	if _, err := os.Stat(mpath); err != nil {
		return nil
	}
	now := time.Now()
	if err := os.Chtimes(mpath, now, now); err != nil {
		return &lru.StorageError{Op: "touch", Key: norm, Err: err}
	}
	return nil
}

// NextToRemove returns the key whose metadata file has the oldest
// modification time. This scans every entry: recency cannot live in
// memory here, because it must survive process restarts and stay correct
// under concurrent external processes.
func (s *Storage) NextToRemove() (string, bool) {
	candidates, err := s.oldestFirst()
	if err != nil || len(candidates) == 0 {
		return "", false
	}
	return candidates[0], true
}

// MakeRoomFor evicts the oldest unlocked entries until an item of the
// given size fits under maxSize. Entries whose per-key lock is held are
// skipped: deleting files out from under a live handle would corrupt its
// release-time accounting. If every candidate is locked, eviction stops
// without progress.
func (s *Storage) MakeRoomFor(size, maxSize int64) error {
	if maxSize <= 0 {
		return nil
	}
	for s.size.Size()+size > maxSize {
		removed, err := s.evictOldest()
		if err != nil {
			return err
		}
		if !removed {
			break
		}
	}
	return nil
}

func (s *Storage) evictOldest() (bool, error) {
	candidates, err := s.oldestFirst()
	if err != nil {
		return false, err
	}
	for _, norm := range candidates {
		s.mu.Lock()
		ptr, live := s.handles[norm]
		s.mu.Unlock()
		if live && ptr.Value() != nil {
			continue
		}

		fl := flock.New(s.lockPath(norm))
		locked, err := fl.TryLock()
		if err != nil || !locked {
			continue
		}
		_, derr := s.deleteItemData(norm)
		uerr := fl.Unlock()
		if derr != nil {
			return false, derr
		}
		if uerr != nil {
			return false, &lru.StorageError{Op: "unlock", Key: norm, Err: uerr}
		}
		return true, nil
	}
	return false, nil
}

// RemoveExpired removes every entry whose recorded expiry has passed,
// skipping entries whose lock is held.
func (s *Storage) RemoveExpired() error {
	names, err := s.Keys()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, norm := range names {
		data, err := os.ReadFile(s.metadataPath(norm))
		if err != nil {
			continue
		}
		var doc metadataDoc
		if err := json.Unmarshal(data, &doc); err != nil || doc.Expires == nil {
			continue
		}
		at, err := time.Parse(expiresFormat, *doc.Expires)
		if err != nil || at.After(now) {
			continue
		}

		fl := flock.New(s.lockPath(norm))
		locked, lerr := fl.TryLock()
		if lerr != nil || !locked {
			continue
		}
		_, derr := s.deleteItemData(norm)
		uerr := fl.Unlock()
		if derr != nil {
			return derr
		}
		if uerr != nil {
			return &lru.StorageError{Op: "unlock", Key: norm, Err: uerr}
		}
	}
	return nil
}

// Keys returns the normalized names of all entries with a metadata file.
func (s *Storage) Keys() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), metadataSuffix) {
			return nil
		}
		rel, rerr := filepath.Rel(s.root, p)
		if rerr != nil {
			return nil
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), metadataSuffix)
		keys = append(keys, name)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &lru.StorageError{Op: "keys", Err: err}
	}
	return keys, nil
}

// oldestFirst returns all keys ordered by metadata mtime, oldest first.
func (s *Storage) oldestFirst() ([]string, error) {
	names, err := s.Keys()
	if err != nil {
		return nil, err
	}
	type cand struct {
		name  string
		mtime time.Time
	}
	candidates := make([]cand, 0, len(names))
	for _, name := range names {
		fi, err := os.Stat(s.metadataPath(name))
		if err != nil {
			continue
		}
		candidates = append(candidates, cand{name: name, mtime: fi.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].mtime.Equal(candidates[j].mtime) {
			return candidates[i].name < candidates[j].name
		}
		return candidates[i].mtime.Before(candidates[j].mtime)
	})
	ordered := make([]string, len(candidates))
	for i, c := range candidates {
		ordered[i] = c.name
	}
	return ordered, nil
}

// Close verifies no live handles remain and marks the storage closed.
// Handles that were dropped without release are logged as lost and do not
// block the close.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lru.ErrClosed
	}

	var open []string
	for name, ptr := range s.handles {
		if ptr.Value() != nil {
			open = append(open, name)
		} else {
			s.logger.Warn("cache file handle lost without release", "key", name)
			delete(s.handles, name)
		}
	}
	if len(open) > 0 {
		sort.Strings(open)
		if len(open) <= 10 {
			return fmt.Errorf("%w: %s", lru.ErrOpenHandlesExist, strings.Join(open, ", "))
		}
		return fmt.Errorf("%w: %d handles still in use", lru.ErrOpenHandlesExist, len(open))
	}
	s.closed = true
	return nil
}

func cloneMetadata(meta map[string]any) map[string]any {
	clone := make(map[string]any, len(meta))
	for k, v := range meta {
		clone[k] = v
	}
	return clone
}
