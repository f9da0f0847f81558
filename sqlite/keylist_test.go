package sqlite

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyListInMemory(t *testing.T) {
	t.Parallel()

	l := NewKeyList("a", "b")
	defer l.Close()
	require.NoError(t, l.Append("c"))

	var got []string
	err := l.ForEach(func(key string) error {
		got = append(got, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestKeyListForEachStopsOnError(t *testing.T) {
	t.Parallel()

	l := NewKeyList("a", "b", "c")
	defer l.Close()

	var seen int
	err := l.ForEach(func(string) error {
		seen++
		if seen == 2 {
			return fmt.Errorf("boom")
		}
		return nil
	})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 2, seen)
}

func TestKeyListSpillsToDisk(t *testing.T) {
	t.Parallel()

	l := NewKeyList()
	l.limit = 4
	defer l.Close()

	var want []string
	for i := range 20 {
		key := fmt.Sprintf("key-%d", i)
		require.NoError(t, l.Append(key))
		want = append(want, key)
	}
	require.NotNil(t, l.file, "list past the limit must spill")

	var got []string
	err := l.ForEach(func(key string) error {
		got = append(got, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// A spilled list is single-pass.
	assert.Error(t, l.Append("late"))

	spillName := l.file.Name()
	require.NoError(t, l.Close())
	assert.NoFileExists(t, spillName)
}
