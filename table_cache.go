package gravel

import (
	"sync"

	"go.uber.org/multierr"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/cache"
	"github.com/datnguyenzzz/gravel/internal/sstable"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

// tableCache keeps table readers open across lookups, bounded by
// MaxOpenFiles. Entries are reference counted: an entry whose reader is in
// use by an iterator survives eviction until the iterator closes.
type tableCache struct {
	dirname    string
	fs         vfs.FS
	cmp        base.IComparer
	blockCache *cache.Cache
	verify     bool
	limit      int

	mu      sync.Mutex
	entries map[uint64]*tableCacheEntry
	// orphans holds evicted entries still pinned by an iterator; the last
	// release closes them.
	orphans map[uint64]*tableCacheEntry
	// lru orders file numbers from cold to hot.
	lru []uint64
}

type tableCacheEntry struct {
	reader *sstable.Reader
	refs   int
	// evicted marks entries dropped from the map; the last unref closes the
	// reader.
	evicted bool
}

func newTableCache(dirname string, fs vfs.FS, cmp base.IComparer, blockCache *cache.Cache, verify bool, limit int) *tableCache {
	return &tableCache{
		dirname:    dirname,
		fs:         fs,
		cmp:        cmp,
		blockCache: blockCache,
		verify:     verify,
		limit:      limit,
		entries:    map[uint64]*tableCacheEntry{},
		orphans:    map[uint64]*tableCacheEntry{},
	}
}

// acquire returns an open reader for the table file, charging one reference.
// The caller must hand the reference back via release.
func (c *tableCache) acquire(fileNum uint64) (*sstable.Reader, error) {
	c.mu.Lock()
	if e, ok := c.entries[fileNum]; ok {
		e.refs++
		c.touch(fileNum)
		c.mu.Unlock()
		return e.reader, nil
	}
	c.mu.Unlock()

	// Open outside the lock; a concurrent opener of the same file loses the
	// race below and closes its copy.
	f, err := c.fs.Open(base.MakeFilepath(c.dirname, base.FileTypeTable, fileNum))
	if err != nil {
		return nil, err
	}
	r, err := sstable.NewReader(f, sstable.ReaderOpts{
		Comparer:        c.cmp,
		Cache:           c.blockCache,
		FileNum:         fileNum,
		VerifyChecksums: c.verify,
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.entries[fileNum]; ok {
		e.refs++
		c.touch(fileNum)
		c.mu.Unlock()
		r.Close()
		return e.reader, nil
	}
	c.entries[fileNum] = &tableCacheEntry{reader: r, refs: 1}
	c.lru = append(c.lru, fileNum)
	c.balance()
	c.mu.Unlock()
	return r, nil
}

func (c *tableCache) release(fileNum uint64) {
	c.mu.Lock()
	e := c.lookupAnywhere(fileNum)
	if e == nil {
		c.mu.Unlock()
		return
	}
	e.refs--
	shouldClose := e.evicted && e.refs == 0
	if shouldClose {
		delete(c.orphans, fileNum)
	}
	c.mu.Unlock()
	if shouldClose {
		e.reader.Close()
	}
}

func (c *tableCache) lookupAnywhere(fileNum uint64) *tableCacheEntry {
	if e, ok := c.entries[fileNum]; ok {
		return e
	}
	if e, ok := c.orphans[fileNum]; ok {
		return e
	}
	return nil
}

// touch moves fileNum to the hot end. Caller holds mu.
func (c *tableCache) touch(fileNum uint64) {
	for i, n := range c.lru {
		if n == fileNum {
			c.lru = append(append(c.lru[:i], c.lru[i+1:]...), fileNum)
			return
		}
	}
}

// balance evicts cold entries beyond the open-file budget. Caller holds mu.
func (c *tableCache) balance() {
	for len(c.entries) > c.limit && len(c.lru) > 0 {
		victim := c.lru[0]
		c.lru = c.lru[1:]
		e := c.entries[victim]
		delete(c.entries, victim)
		e.evicted = true
		if e.refs == 0 {
			e.reader.Close()
		} else {
			c.orphans[victim] = e
		}
	}
}

// evict drops the table from the cache and from the shared block cache,
// typically just before its file is deleted.
func (c *tableCache) evict(fileNum uint64) {
	c.mu.Lock()
	e, ok := c.entries[fileNum]
	if ok {
		delete(c.entries, fileNum)
		for i, n := range c.lru {
			if n == fileNum {
				c.lru = append(c.lru[:i], c.lru[i+1:]...)
				break
			}
		}
		e.evicted = true
		if e.refs > 0 {
			c.orphans[fileNum] = e
			e = nil
		}
	}
	c.mu.Unlock()

	if ok && e != nil {
		e.reader.Close()
	}
	c.blockCache.EvictFile(fileNum)
}

func (c *tableCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for _, e := range c.entries {
		err = multierr.Append(err, e.reader.Close())
	}
	for _, e := range c.orphans {
		err = multierr.Append(err, e.reader.Close())
	}
	c.entries = map[uint64]*tableCacheEntry{}
	c.orphans = map[uint64]*tableCacheEntry{}
	c.lru = nil
	return err
}
