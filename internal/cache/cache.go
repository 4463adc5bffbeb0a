// Package cache is the shared block cache: a bounded, sharded LRU keyed by
// (table file number, block offset) holding decompressed block payloads.
package cache

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/twmb/murmur3"
)

// Stats are cumulative counters exposed through DB.GetProperty.
type Stats struct {
	Hit   int64
	Miss  int64
	Set   int64
	Evict int64
}

type key struct {
	fileNum uint64
	offset  uint64
}

type entry struct {
	key        key
	value      []byte
	prev, next *entry
}

func (e *entry) remove() {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

// insert linkage: e <--> another <--> e.next
func (e *entry) insert(another *entry) {
	tmp := e.next
	e.next = another
	another.prev = e
	another.next = tmp
	tmp.prev = another
}

type shard struct {
	mu       sync.Mutex
	capacity int64
	inUse    int64
	entries  map[key]*entry

	// recent is a dummy ring node: recent.next is the most recently used
	// entry, recent.prev the eviction candidate.
	recent *entry
}

func newShard(capacity int64) *shard {
	dummy := new(entry)
	dummy.next = dummy
	dummy.prev = dummy
	return &shard{
		capacity: capacity,
		entries:  map[key]*entry{},
		recent:   dummy,
	}
}

func (s *shard) get(k key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	e.remove()
	s.recent.insert(e)
	return e.value, true
}

func (s *shard) set(k key, value []byte) int64 {
	size := int64(len(value)) + 64
	if size > s.capacity {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k]; ok {
		s.inUse += int64(len(value)) - int64(len(e.value))
		e.value = value
		e.remove()
		s.recent.insert(e)
	} else {
		e = &entry{key: k, value: value}
		s.entries[k] = e
		s.recent.insert(e)
		s.inUse += size
	}
	return s.balance()
}

// balance evicts from the cold end until the shard fits its capacity.
// Returned blocks are plain byte slices, never pinned: in-flight readers hold
// their own reference to the slice, so eviction cannot invalidate them.
func (s *shard) balance() int64 {
	var evicted int64
	for s.inUse > s.capacity {
		victim := s.recent.prev
		if victim == s.recent {
			break
		}
		victim.remove()
		delete(s.entries, victim.key)
		s.inUse -= int64(len(victim.value)) + 64
		evicted++
	}
	return evicted
}

func (s *shard) evictFile(fileNum uint64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted int64
	for k, e := range s.entries {
		if k.fileNum == fileNum {
			e.remove()
			delete(s.entries, k)
			s.inUse -= int64(len(e.value)) + 64
			evicted++
		}
	}
	return evicted
}

type Cache struct {
	shards []*shard
	stats  struct {
		hit, miss, set, evict atomic.Int64
	}
}

// New builds a cache bounded by capacity bytes, split into 4 shards per core
// to spread lock contention.
func New(capacity int64) *Cache {
	n := 4 * runtime.GOMAXPROCS(0)
	if capacity <= 0 {
		capacity = 1
		n = 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = newShard(capacity / int64(n))
	}
	return &Cache{shards: shards}
}

func murmur32(ns, key uint64) uint32 {
	buf := make([]byte, 16)

	binary.LittleEndian.PutUint64(buf[0:8], ns)
	binary.LittleEndian.PutUint64(buf[8:16], key)

	return murmur3.Sum32(buf)
}

func (c *Cache) shardFor(k key) *shard {
	return c.shards[murmur32(k.fileNum, k.offset)%uint32(len(c.shards))]
}

// Get returns the cached block payload. Callers must treat it as read-only.
func (c *Cache) Get(fileNum, offset uint64) ([]byte, bool) {
	k := key{fileNum: fileNum, offset: offset}
	v, ok := c.shardFor(k).get(k)
	if ok {
		c.stats.hit.Add(1)
	} else {
		c.stats.miss.Add(1)
	}
	return v, ok
}

func (c *Cache) Set(fileNum, offset uint64, value []byte) {
	k := key{fileNum: fileNum, offset: offset}
	c.stats.evict.Add(c.shardFor(k).set(k, value))
	c.stats.set.Add(1)
}

// EvictFile drops every block of a table, called once the file is deleted.
func (c *Cache) EvictFile(fileNum uint64) {
	for _, s := range c.shards {
		c.stats.evict.Add(s.evictFile(fileNum))
	}
}

func (c *Cache) GetStats() Stats {
	return Stats{
		Hit:   c.stats.hit.Load(),
		Miss:  c.stats.miss.Load(),
		Set:   c.stats.set.Load(),
		Evict: c.stats.evict.Load(),
	}
}
