package sstable

import (
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/cache"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

type ReaderOpts struct {
	Comparer base.IComparer

	// Cache, when set, holds decompressed blocks keyed by (FileNum, offset).
	Cache   *cache.Cache
	FileNum uint64

	// VerifyChecksums forces CRC verification on every block read.
	VerifyChecksums bool
}

// Reader serves point lookups and iteration over one table file. It is safe
// for concurrent use: all state written after NewReader returns lives in the
// iterators it hands out.
type Reader struct {
	r      vfs.Readable
	cmp    base.IComparer
	cache  *cache.Cache
	fnum   uint64
	verify bool

	index  []byte
	filter *bloom.BloomFilter
}

// NewReader opens a table: footer, index block and filter block are read
// eagerly, data blocks on demand.
func NewReader(r vfs.Readable, opts ReaderOpts) (*Reader, error) {
	if opts.Comparer == nil {
		opts.Comparer = base.NewComparer()
	}
	t := &Reader{
		r:      r,
		cmp:    opts.Comparer,
		cache:  opts.Cache,
		fnum:   opts.FileNum,
		verify: opts.VerifyChecksums,
	}
	f, err := readFooter(r)
	if err != nil {
		return nil, err
	}
	// Structural blocks are always verified; a corrupt index poisons every
	// lookup that follows.
	if t.index, err = readPhysicalBlock(r, f.indexBH, true); err != nil {
		return nil, err
	}
	if f.filterBH.Length > 0 {
		block, err := readPhysicalBlock(r, f.filterBH, true)
		if err != nil {
			return nil, err
		}
		if t.filter, err = readFilter(block); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// readBlock returns the decompressed data block at h, consulting the shared
// cache first.
func (t *Reader) readBlock(h BlockHandle, verify bool) ([]byte, error) {
	if t.cache != nil {
		if b, ok := t.cache.Get(t.fnum, h.Offset); ok {
			return b, nil
		}
	}
	b, err := readPhysicalBlock(t.r, h, verify || t.verify)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(t.fnum, h.Offset, b)
	}
	return b, nil
}

// Get returns the newest entry for ukey visible at seq.
// conclusive=false means the table holds no visible entry; conclusive=true
// with err==ErrNotFound means a tombstone shadows the key.
func (t *Reader) Get(ukey []byte, seq base.SeqNum, verify bool) (value []byte, conclusive bool, err error) {
	if t.filter != nil && !t.filter.Test(ukey) {
		return nil, false, nil
	}
	it := t.NewIter(verify)
	defer func() {
		if cerr := it.Close(); cerr != nil && err == nil {
			value, conclusive, err = nil, false, cerr
		}
	}()

	kv := it.SeekGTE(base.MakeSearchKey(ukey, seq))
	if kv == nil || t.cmp.Compare(kv.K.UserKey, ukey) != 0 {
		return nil, false, nil
	}
	if kv.K.KeyKind() == base.KeyKindDelete {
		return nil, true, base.ErrNotFound
	}
	return append([]byte(nil), kv.V...), true, nil
}

// NewIter returns a bidirectional iterator over the table in internal-key
// order.
func (t *Reader) NewIter(verify bool) base.InternalIterator {
	index, err := newBlockIter(t.cmp.Compare, t.index)
	it := &tableIter{t: t, index: index, verify: verify}
	if err != nil {
		it.err = err
	}
	return it
}

func (t *Reader) Close() error {
	return t.r.Close()
}

// tableIter chains the index block iterator with a second-level data block
// iterator, crossing block boundaries transparently.
type tableIter struct {
	t      *Reader
	index  *blockIter
	data   *blockIter
	verify bool
	err    error
}

var _ base.InternalIterator = (*tableIter)(nil)

// loadData opens the data block referenced by the current index row.
func (it *tableIter) loadData(ikv *base.InternalKV) bool {
	if it.err != nil {
		return false
	}
	h, err := DecodeBlockHandle(ikv.V)
	if err != nil {
		it.err = err
		return false
	}
	block, err := it.t.readBlock(h, it.verify)
	if err != nil {
		it.err = err
		return false
	}
	it.data, err = newBlockIter(it.t.cmp.Compare, block)
	if err != nil {
		it.err = fmt.Errorf("table %06d: %w", it.t.fnum, err)
		return false
	}
	return true
}

func (it *tableIter) First() *base.InternalKV {
	if it.err != nil {
		return nil
	}
	ikv := it.index.First()
	if ikv == nil || !it.loadData(ikv) {
		return nil
	}
	kv := it.data.First()
	for kv == nil {
		if !it.checkDataErr() {
			return nil
		}
		if ikv = it.index.Next(); ikv == nil || !it.loadData(ikv) {
			return nil
		}
		kv = it.data.First()
	}
	return kv
}

func (it *tableIter) Last() *base.InternalKV {
	if it.err != nil {
		return nil
	}
	ikv := it.index.Last()
	if ikv == nil || !it.loadData(ikv) {
		return nil
	}
	kv := it.data.Last()
	for kv == nil {
		if !it.checkDataErr() {
			return nil
		}
		if ikv = it.index.Prev(); ikv == nil || !it.loadData(ikv) {
			return nil
		}
		kv = it.data.Last()
	}
	return kv
}

func (it *tableIter) Next() *base.InternalKV {
	if it.err != nil || it.data == nil {
		return nil
	}
	kv := it.data.Next()
	for kv == nil {
		if !it.checkDataErr() {
			return nil
		}
		ikv := it.index.Next()
		if ikv == nil || !it.loadData(ikv) {
			return nil
		}
		kv = it.data.First()
	}
	return kv
}

func (it *tableIter) Prev() *base.InternalKV {
	if it.err != nil || it.data == nil {
		return nil
	}
	kv := it.data.Prev()
	for kv == nil {
		if !it.checkDataErr() {
			return nil
		}
		ikv := it.index.Prev()
		if ikv == nil || !it.loadData(ikv) {
			return nil
		}
		kv = it.data.Last()
	}
	return kv
}

func (it *tableIter) SeekGTE(key base.InternalKey) *base.InternalKV {
	if it.err != nil {
		return nil
	}
	// Index keys are separators >= every key of their block, so the first
	// index row >= key names the candidate block.
	ikv := it.index.SeekGTE(key)
	if ikv == nil {
		it.err = it.index.err
		it.data = nil
		return nil
	}
	if !it.loadData(ikv) {
		return nil
	}
	kv := it.data.SeekGTE(key)
	for kv == nil {
		if !it.checkDataErr() {
			return nil
		}
		if ikv = it.index.Next(); ikv == nil || !it.loadData(ikv) {
			return nil
		}
		kv = it.data.First()
	}
	return kv
}

func (it *tableIter) SeekLTE(key base.InternalKey) *base.InternalKV {
	if it.err != nil {
		return nil
	}
	ikv := it.index.SeekGTE(key)
	if ikv == nil {
		// Every key of the table is < key.
		return it.Last()
	}
	if !it.loadData(ikv) {
		return nil
	}
	kv := it.data.SeekLTE(key)
	for kv == nil {
		if !it.checkDataErr() {
			return nil
		}
		if ikv = it.index.Prev(); ikv == nil || !it.loadData(ikv) {
			return nil
		}
		kv = it.data.Last()
	}
	return kv
}

// checkDataErr lifts a corruption error out of the data block iterator;
// an exhausted-but-healthy block returns true so the walk crosses into the
// neighbouring block.
func (it *tableIter) checkDataErr() bool {
	if it.data != nil && it.data.err != nil {
		it.err = it.data.err
		return false
	}
	return true
}

func (it *tableIter) Close() error {
	err := it.err
	if it.index != nil {
		if ierr := it.index.Close(); err == nil {
			err = ierr
		}
	}
	if it.data != nil {
		if derr := it.data.Close(); err == nil {
			err = derr
		}
	}
	it.index, it.data = nil, nil
	return err
}
