package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatthias/lru"
)

func TestBackendAddGet(t *testing.T) {
	t.Parallel()

	b := New()
	require.NoError(t, b.Add("k", "v", lru.AddOptions{Size: 3}))

	got, err := b.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.Equal(t, int64(3), b.TotalSizeStored())
	assert.Equal(t, 1, b.CountItems())
}

func TestBackendReplaceNeverDoubleCounts(t *testing.T) {
	t.Parallel()

	b := New()
	require.NoError(t, b.Add("k", "v1", lru.AddOptions{Size: 10}))
	require.NoError(t, b.Add("k", "v2", lru.AddOptions{Size: 4}))

	assert.Equal(t, int64(4), b.TotalSizeStored())
	assert.Equal(t, 1, b.CountItems())
}

func TestBackendRecencyOrder(t *testing.T) {
	t.Parallel()

	b := New()
	require.NoError(t, b.Add("a", 1, lru.AddOptions{Size: 1}))
	require.NoError(t, b.Add("b", 2, lru.AddOptions{Size: 1}))
	require.NoError(t, b.Add("c", 3, lru.AddOptions{Size: 1}))

	key, ok := b.NextToRemove()
	require.True(t, ok)
	assert.Equal(t, "a", key)

	// Touching moves the entry behind the others.
	require.NoError(t, b.TouchLastUsed("a"))
	key, ok = b.NextToRemove()
	require.True(t, ok)
	assert.Equal(t, "b", key)

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, keys)
}

func TestBackendTouchAbsentKey(t *testing.T) {
	t.Parallel()

	b := New()
	require.NoError(t, b.TouchLastUsed("ghost"))
	assert.Equal(t, 0, b.CountItems())
}

func TestBackendMakeRoomFor(t *testing.T) {
	t.Parallel()

	b := New()
	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Add(key, key, lru.AddOptions{Size: 5}))
	}

	require.NoError(t, b.MakeRoomFor(5, 20))
	assert.Equal(t, int64(15), b.TotalSizeStored())
	assert.False(t, b.Has("a"))
	assert.True(t, b.Has("d"))

	// Unset limit disables eviction entirely.
	require.NoError(t, b.MakeRoomFor(1000, 0))
	assert.Equal(t, 3, b.CountItems())
}

func TestBackendMakeRoomForDrainsCompletely(t *testing.T) {
	t.Parallel()

	b := New()
	require.NoError(t, b.Add("a", 1, lru.AddOptions{Size: 5}))
	require.NoError(t, b.MakeRoomFor(100, 10))

	assert.Equal(t, 0, b.CountItems())
	assert.Equal(t, int64(0), b.TotalSizeStored())
}

func TestBackendExpiredGet(t *testing.T) {
	t.Parallel()

	b := New()
	require.NoError(t, b.Add("k", "v", lru.AddOptions{
		Size:      2,
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	_, err := b.Get("k")
	assert.ErrorIs(t, err, lru.ErrItemExpired)
	assert.Equal(t, 0, b.CountItems(), "expired entry removed on discovery")
	assert.Equal(t, int64(0), b.TotalSizeStored())

	_, err = b.Get("k")
	assert.ErrorIs(t, err, lru.ErrItemNotCached)
}

func TestBackendRemoveExpired(t *testing.T) {
	t.Parallel()

	b := New()
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
}

func TestBackendStaleHeapEntryIgnored(t *testing.T) {
	t.Parallel()

	b := New()
	require.NoError(t, b.Add("k", "v1", lru.AddOptions{
		Size:      1,
		ExpiresAt: time.Now().Add(10 * time.Millisecond),
	}))
	// Replacing without an expiry leaves a stale heap item behind; the
	// stamp mismatch must keep it from removing the new entry.
	require.NoError(t, b.Add("k", "v2", lru.AddOptions{Size: 1}))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.RemoveExpired())

	assert.True(t, b.Has("k"))
	got, err := b.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestBackendEvictionListenerAllPaths(t *testing.T) {
	t.Parallel()

	var evicted []string
	listener := &funcListener{fn: func(key string) { evicted = append(evicted, key) }}
	b := New(WithEvictionListener(lru.StrongListener(listener)))

	require.NoError(t, b.Add("explicit", 1, lru.AddOptions{Size: 1}))
	require.NoError(t, b.Add("evicted", 2, lru.AddOptions{Size: 1}))
	require.NoError(t, b.Add("expired", 3, lru.AddOptions{
		Size:      1,
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	require.NoError(t, b.Remove("explicit"))
	require.NoError(t, b.RemoveExpired())
	require.NoError(t, b.MakeRoomFor(1, 1))

	assert.Equal(t, []string{"explicit", "expired", "evicted"}, evicted)
}

type funcListener struct {
	fn func(key string)
}

func (l *funcListener) Evicted(key string) { l.fn(key) }

func TestBackendClose(t *testing.T) {
	t.Parallel()

	b := New()
	require.NoError(t, b.Add("k", "v", lru.AddOptions{}))
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Add("k", "v", lru.AddOptions{}), lru.ErrClosed)
	assert.ErrorIs(t, b.Close(), lru.ErrClosed)
}
