package filecache

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRescanEvery is how long the size tracker trusts its incremental
// counters before recomputing them from disk.
const DefaultRescanEvery = 10 * time.Minute

// sizeTracker maintains the cache directory's total size and entry count.
//
// The counters are adjusted incrementally by every add and subtract, but
// other processes can touch the directory behind our back, so they are
// recomputed from a full walk once the rescan interval elapses. Concurrent
// readers that find the counters stale trigger a single walk between them.
type sizeTracker struct {
	root        string
	rescanEvery time.Duration
	logger      *slog.Logger
	group       singleflight.Group

	mu       sync.Mutex
	size     int64
	count    int
	nextScan time.Time
}

func newSizeTracker(root string, rescanEvery time.Duration, logger *slog.Logger) *sizeTracker {
	return &sizeTracker{
		root:        root,
		rescanEvery: rescanEvery,
		logger:      logger,
	}
}

// Size returns the tracked total size in bytes, rescanning if stale.
func (t *sizeTracker) Size() int64 {
	t.refresh()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Count returns the tracked entry count, rescanning if stale.
func (t *sizeTracker) Count() int {
	t.refresh()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Add credits bytes and entries to the running counters.
func (t *sizeTracker) Add(bytes int64, entries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.size += bytes
	t.count += entries
}

// Subtract debits bytes and entries from the running counters.
func (t *sizeTracker) Subtract(bytes int64, entries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.size -= bytes
	t.count -= entries
}

func (t *sizeTracker) refresh() {
	t.mu.Lock()
	stale := t.nextScan.IsZero() || time.Now().After(t.nextScan)
	t.mu.Unlock()
	if !stale {
		return
	}
	t.group.Do("rescan", func() (any, error) {
		t.Rescan()
		return nil, nil
	})
}

// Rescan walks the cache directory and replaces the counters with what is
// actually on disk. Lock files and the version marker are bookkeeping, not
// cached data, and are excluded.
func (t *sizeTracker) Rescan() {
	var size int64
	var count int

	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			t.logger.Warn("size rescan skipping entry", "path", path, "error", err)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if name == versionFileName || strings.HasSuffix(name, lockSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			t.logger.Warn("size rescan failed to stat", "path", path, "error", err)
			return nil
		}
		size += info.Size()
		if strings.HasSuffix(name, metadataSuffix) {
			count++
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("size rescan failed", "root", t.root, "error", err)
		return
	}

	t.mu.Lock()
	t.size = size
	t.count = count
	t.nextScan = time.Now().Add(t.rescanEvery)
	t.mu.Unlock()
}
