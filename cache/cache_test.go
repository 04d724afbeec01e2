package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allgood/pigeonhole/consts"
)

func newTestCache(t *testing.T, capacity int64) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), capacity, 1024, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetDelete(t *testing.T) {
	c := newTestCache(t, 1<<20)
	key := "abcdef0123456789"

	_, err := c.Get(key)
	assert.ErrorIs(t, err, consts.ErrCacheMiss)

	require.NoError(t, c.Put(key, []byte("program")))
	data, err := c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("program"), data)

	ok, err := c.Exists(key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.FileExists(t, filepath.Join(c.basePath, DataDir, "ab", "cd", "ef0123456789"))

	require.NoError(t, c.Delete(key))
	require.NoError(t, c.Delete(key))
	ok, err = c.Exists(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutRejectsLargeObjects(t *testing.T) {
	c := newTestCache(t, 1<<20)
	err := c.Put("large0000", make([]byte, 2048))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds object limit")
}

func TestPurgeIfNeededRemovesLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 250)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Put(fmt.Sprintf("key%d00000", i), make([]byte, 100)))
		time.Sleep(10 * time.Millisecond)
	}
	// key000000 becomes the most recently used entry.
	_, err := c.Get("key000000")
	require.NoError(t, err)

	require.NoError(t, c.PurgeIfNeeded(context.Background()))

	count, size, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(200), size)

	_, err = c.Get("key100000")
	assert.ErrorIs(t, err, consts.ErrCacheMiss)
	_, err = c.Get("key000000")
	assert.NoError(t, err)
}

func TestSyncFromDisk(t *testing.T) {
	c := newTestCache(t, 1<<20)
	require.NoError(t, c.Put("indexed000", []byte("a")))

	orphan := c.PathFor("orphan0000")
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0o755))
	require.NoError(t, os.WriteFile(orphan, []byte("bb"), 0o644))
	require.NoError(t, os.Remove(c.PathFor("indexed000")))

	require.NoError(t, c.SyncFromDisk(context.Background()))

	count, size, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(2), size)
}

func TestPurgeAll(t *testing.T) {
	c := newTestCache(t, 1<<20)
	require.NoError(t, c.Put("first00000", []byte("x")))
	require.NoError(t, c.PurgeAll(context.Background()))
	count, _, err := c.GetStats()
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = c.Get("first00000")
	assert.ErrorIs(t, err, consts.ErrCacheMiss)
}
