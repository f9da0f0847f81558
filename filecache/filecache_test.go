package filecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatthias/lru"
)

func newTestCache(t *testing.T, opts ...Option) *FileCache {
	t.Helper()
	fc, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.Close() })
	return fc
}

func putFile(t *testing.T, fc *FileCache, name, content string, meta map[string]any, ttl time.Duration) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
	require.NoError(t, fc.Put(name, meta, src, ttl))
}

func TestFileCachePutGet(t *testing.T) {
	t.Parallel()

	fc := newTestCache(t)
	putFile(t, fc, "report", "quarterly numbers", map[string]any{"owner": "finance"}, 0)

	h, err := fc.Get("report", true)
	require.NoError(t, err)
	defer h.Close()

	assert.True(t, h.Exists())
	assert.Equal(t, map[string]any{"owner": "finance"}, h.Metadata)

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, h.CopyTo(dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))
}

func TestFileCacheGetMissYieldsWritableHandle(t *testing.T) {
	t.Parallel()

	fc := newTestCache(t)

	h, err := fc.Get("fresh", true)
	require.NoError(t, err)
	assert.False(t, h.Exists())
	require.NoError(t, h.Release())

	assert.False(t, fc.Has("fresh"))
}

func TestFileCacheMetadata(t *testing.T) {
	t.Parallel()

	fc := newTestCache(t)
	putFile(t, fc, "doc", "x", map[string]any{"etag": "v1"}, 0)

	meta, err := fc.Metadata("doc")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"etag": "v1"}, meta)

	_, err = fc.Metadata("absent")
	assert.ErrorIs(t, err, lru.ErrItemNotCached)
}

func TestFileCacheMaxAgeStampsNewEntries(t *testing.T) {
	t.Parallel()

	fc := newTestCache(t, WithMaxAge(time.Hour))

	h, err := fc.Get("stamped", true)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, h.ExpiresIn)
	require.NoError(t, h.Release())
}

func TestFileCacheReadMissWithMaxAgeLeavesNothing(t *testing.T) {
	t.Parallel()

	fc := newTestCache(t, WithMaxAge(time.Hour))

	h, err := fc.Get("never-written", true)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, h.ExpiresIn, "default age stamped on the handle")
	require.NoError(t, h.Release())

	// The stamped default must not be committed: a read miss that was
	// never written stays a miss.
	assert.False(t, fc.Has("never-written"))
	assert.Equal(t, 0, fc.NumItems())
	assert.Equal(t, int64(0), fc.TotalSizeStored())
}

func TestFileCacheReadDoesNotRewriteMetadata(t *testing.T) {
	t.Parallel()

	fc := newTestCache(t, WithMaxAge(time.Hour))
	putFile(t, fc, "doc", "x", map[string]any{"etag": "v1"}, 30*time.Minute)

	before, err := os.ReadFile(fc.storage.metadataPath("doc"))
	require.NoError(t, err)

	h, err := fc.Get("doc", true)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	// A read-only lease bumps the mtime but leaves the document alone;
	// in particular the recorded expiry is not refreshed.
	after, err := os.ReadFile(fc.storage.metadataPath("doc"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFileCacheCleanExpired(t *testing.T) {
	t.Parallel()

	fc := newTestCache(t)
	putFile(t, fc, "fleeting", "x", nil, 30*time.Millisecond)
	putFile(t, fc, "forever", "y", nil, 0)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, fc.CleanExpired())

	assert.False(t, fc.Has("fleeting"))
	assert.True(t, fc.Has("forever"))
	assert.Equal(t, 1, fc.NumItems())
}

func TestFileCachePrunesOnRelease(t *testing.T) {
	t.Parallel()

	fc := newTestCache(t, WithMaxSize(6*1024))
	putFile(t, fc, "old", string(make([]byte, 4*1024)), nil, 0)

	// Age the first entry so it is the unambiguous eviction victim.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(fc.storage.metadataPath("old"), past, past))

	putFile(t, fc, "new", string(make([]byte, 4*1024)), nil, 0)

	assert.False(t, fc.Has("old"), "releasing the second entry pushed the cache over its limit")
	assert.True(t, fc.Has("new"))
	assert.LessOrEqual(t, fc.TotalSizeStored(), int64(6*1024))
}

func TestFileCacheReadOnlyReleaseSkipsPruning(t *testing.T) {
	t.Parallel()

	fc := newTestCache(t, WithMaxSize(1))
	putFile(t, fc, "only", "content", nil, 0)

	// A read-only lease does not change the entry, so it must not trigger
	// an eviction pass even though the cache is over its limit.
	h, err := fc.Get("only", true)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	assert.True(t, fc.Has("only"))
}

func TestFileCacheRemoveAndKeys(t *testing.T) {
	t.Parallel()

	fc := newTestCache(t)
	putFile(t, fc, "a", "1", nil, 0)
	putFile(t, fc, "b/c", "2", nil, 0)

	keys, err := fc.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b/c"}, keys)

	require.NoError(t, fc.Remove("a"))
	assert.False(t, fc.Has("a"))
	assert.Equal(t, 1, fc.NumItems())
}

func TestFileCacheCloseRefusesWithOpenHandle(t *testing.T) {
	t.Parallel()

	fc, err := New(t.TempDir())
	require.NoError(t, err)

	h, err := fc.Get("busy", true)
	require.NoError(t, err)

	assert.ErrorIs(t, fc.Close(), lru.ErrOpenHandlesExist)

	require.NoError(t, h.Release())
	require.NoError(t, fc.Close())
}
