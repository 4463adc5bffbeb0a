package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSingleShard(capacity int64) *Cache {
	return &Cache{shards: []*shard{newShard(capacity)}}
}

func Test_getSet(t *testing.T) {
	c := New(1 << 20)
	_, ok := c.Get(1, 0)
	assert.False(t, ok)

	c.Set(1, 0, []byte("block-one"))
	v, ok := c.Get(1, 0)
	require.True(t, ok)
	assert.Equal(t, "block-one", string(v))

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.Hit)
	assert.Equal(t, int64(1), stats.Miss)
	assert.Equal(t, int64(1), stats.Set)
}

func Test_lruEviction(t *testing.T) {
	// Room for roughly two entries (64 bytes bookkeeping each).
	c := newSingleShard(2 * (100 + 64))

	c.Set(1, 0, make([]byte, 100))
	c.Set(1, 1, make([]byte, 100))
	// Touch the first entry so offset 1 becomes the eviction candidate.
	_, ok := c.Get(1, 0)
	require.True(t, ok)

	c.Set(1, 2, make([]byte, 100))

	_, ok = c.Get(1, 0)
	assert.True(t, ok, "recently used entry survived")
	_, ok = c.Get(1, 1)
	assert.False(t, ok, "cold entry evicted")
	_, ok = c.Get(1, 2)
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.GetStats().Evict)
}

func Test_evictFile(t *testing.T) {
	c := New(1 << 20)
	c.Set(7, 0, []byte("a"))
	c.Set(7, 10, []byte("b"))
	c.Set(8, 0, []byte("c"))

	c.EvictFile(7)

	_, ok := c.Get(7, 0)
	assert.False(t, ok)
	_, ok = c.Get(7, 10)
	assert.False(t, ok)
	_, ok = c.Get(8, 0)
	assert.True(t, ok)
	assert.Equal(t, int64(2), c.GetStats().Evict)
}

func Test_oversizedValueIgnored(t *testing.T) {
	c := newSingleShard(64)
	c.Set(1, 0, make([]byte, 1024))
	_, ok := c.Get(1, 0)
	assert.False(t, ok)
}
