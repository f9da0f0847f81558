package sqlite_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatthias/lru"
	"github.com/cmatthias/lru/sqlite"
)

func openBackend(t *testing.T, opts ...sqlite.Option) *sqlite.Backend {
	t.Helper()
	b, err := sqlite.Open(filepath.Join(t.TempDir(), "cache.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSqliteRoundTrip(t *testing.T) {
	t.Parallel()

	b := openBackend(t)
	require.NoError(t, b.Add("k", map[string]any{"n": 42.0, "s": "x"}, lru.AddOptions{Size: 9}))

	got, err := b.Get("k")
	require.NoError(t, err)
	// Values come back through JSON, so numbers are float64.
	assert.Equal(t, map[string]any{"n": 42.0, "s": "x"}, got)
	assert.Equal(t, int64(9), b.TotalSizeStored())
	assert.Equal(t, 1, b.CountItems())
}

func TestSqliteGetMiss(t *testing.T) {
	t.Parallel()

	b := openBackend(t)
	_, err := b.Get("absent")
	assert.ErrorIs(t, err, lru.ErrItemNotCached)
}

func TestSqliteReplace(t *testing.T) {
	t.Parallel()

	b := openBackend(t)
	require.NoError(t, b.Add("k", "v1", lru.AddOptions{Size: 10}))
	require.NoError(t, b.Add("k", "v2", lru.AddOptions{Size: 4}))

	assert.Equal(t, 1, b.CountItems())
	assert.Equal(t, int64(4), b.TotalSizeStored())

	got, err := b.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestSqliteExpiredGet(t *testing.T) {
	t.Parallel()

	b := openBackend(t)
	require.NoError(t, b.Add("k", "v", lru.AddOptions{
		Size:      5,
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	_, err := b.Get("k")
	assert.ErrorIs(t, err, lru.ErrItemExpired)

	// The expired row is gone, so the second read is a plain miss.
	_, err = b.Get("k")
	assert.ErrorIs(t, err, lru.ErrItemNotCached)
	assert.Equal(t, 0, b.CountItems())
	assert.Equal(t, int64(0), b.TotalSizeStored())
}

func TestSqliteHasIgnoresExpired(t *testing.T) {
	t.Parallel()

	b := openBackend(t)
	require.NoError(t, b.Add("dead", "v", lru.AddOptions{
		ExpiresAt: time.Now().Add(-time.Second),
	}))
	require.NoError(t, b.Add("live", "v", lru.AddOptions{}))

	assert.False(t, b.Has("dead"))
	assert.True(t, b.Has("live"))
	assert.False(t, b.Has("absent"))
}

func TestSqliteRecencyOrder(t *testing.T) {
	t.Parallel()

	base := time.Now().Add(-time.Hour)
	b := openBackend(t)
	require.NoError(t, b.Add("a", 1, lru.AddOptions{LastUsed: base}))
	require.NoError(t, b.Add("b", 2, lru.AddOptions{LastUsed: base.Add(time.Minute)}))
	require.NoError(t, b.Add("c", 3, lru.AddOptions{LastUsed: base.Add(2 * time.Minute)}))

	key, ok := b.NextToRemove()
	require.True(t, ok)
	assert.Equal(t, "a", key, "oldest last_used row is the victim")

	require.NoError(t, b.TouchLastUsed("a"))
	key, ok = b.NextToRemove()
	require.True(t, ok)
	assert.Equal(t, "b", key)

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, keys)
}

func TestSqliteNextToRemoveEmpty(t *testing.T) {
	t.Parallel()

	b := openBackend(t)
	_, ok := b.NextToRemove()
	assert.False(t, ok)
}

func TestSqliteMakeRoomFor(t *testing.T) {
	t.Parallel()

	base := time.Now().Add(-time.Hour)
	b := openBackend(t)
	for i, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Add(key, key, lru.AddOptions{
			Size:     5,
			LastUsed: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	require.NoError(t, b.MakeRoomFor(5, 20))
	assert.Equal(t, int64(15), b.TotalSizeStored())
	assert.False(t, b.Has("a"))
	assert.True(t, b.Has("d"))

	// Unset limit disables eviction entirely.
	require.NoError(t, b.MakeRoomFor(1000, 0))
	assert.Equal(t, 3, b.CountItems())
}

func TestSqliteMakeRoomForSweepsExpiredFirst(t *testing.T) {
	t.Parallel()

	b := openBackend(t)
	require.NoError(t, b.Add("dead", 1, lru.AddOptions{
		Size:      8,
		ExpiresAt: time.Now().Add(-time.Second),
		LastUsed:  time.Now(),
	}))
	require.NoError(t, b.Add("live", 2, lru.AddOptions{
		Size:     2,
		LastUsed: time.Now().Add(-time.Hour),
	}))

	// Reclaiming the expired row already makes room; the older live row
	// survives even though it would be the LRU victim.
	require.NoError(t, b.MakeRoomFor(5, 10))
	assert.True(t, b.Has("live"))
	assert.False(t, b.Has("dead"))
}

func TestSqliteRemoveExpired(t *testing.T) {
	t.Parallel()

	var evicted []string
	listener := &recordingListener{fn: func(key string) { evicted = append(evicted, key) }}
	b := openBackend(t, sqlite.WithEvictionListener(lru.StrongListener(listener)))

	require.NoError(t, b.Add("old", 1, lru.AddOptions{
		Size:      1,
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, b.Add("fresh", 2, lru.AddOptions{
		Size:      1,
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, b.Add("forever", 3, lru.AddOptions{Size: 1}))

	require.NoError(t, b.RemoveExpired())

	assert.False(t, b.Has("old"))
	assert.True(t, b.Has("fresh"))
	assert.True(t, b.Has("forever"))
	assert.Equal(t, int64(2), b.TotalSizeStored())
	assert.Equal(t, []string{"old"}, evicted)
}

func TestSqliteRemoveAbsentKey(t *testing.T) {
	t.Parallel()

	b := openBackend(t)
	require.NoError(t, b.Remove("ghost"))
}

func TestSqliteReopenSeedsAggregates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.db")

	b, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, b.Add("a", "v", lru.AddOptions{Size: 7}))
	require.NoError(t, b.Add("b", "w", lru.AddOptions{Size: 3}))
	require.NoError(t, b.Close())

	b, err = sqlite.Open(path)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 2, b.CountItems())
	assert.Equal(t, int64(10), b.TotalSizeStored())

	got, err := b.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestSqliteClose(t *testing.T) {
	t.Parallel()

	b, err := sqlite.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), lru.ErrClosed)
}

type recordingListener struct {
	fn func(key string)
}

func (l *recordingListener) Evicted(key string) { l.fn(key) }
