package gravel

import (
	"fmt"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/manifest"
)

// Iterator walks the user-visible keys of the store in order. It observes
// the state at the moment NewIter was called (or the snapshot given to it):
// concurrent writes and compactions never surface. Tombstones and shadowed
// versions are hidden.
//
// An Iterator is not safe for concurrent use. It pins the version it reads
// from, so long-lived iterators delay file reclamation; Close releases that.
type Iterator struct {
	db    *DB
	cmp   base.Compare
	merge *mergingIter
	seq   base.SeqNum

	version  *manifest.Version
	acquired []uint64

	key    []byte
	value  []byte
	valid  bool
	closed bool
	dir    int // +1 after forward positioning, -1 after backward

	// pending is a backward-scan entry already pulled off the merged stream
	// but not yet folded into a result.
	pending *base.InternalKV
}

// NewIter returns an iterator over the live state, or over opts.Snapshot
// when set. The iterator starts unpositioned: call First, Last, SeekGTE or
// SeekLTE before Key/Value.
func (d *DB) NewIter(opts *IterOptions) (*Iterator, error) {
	if opts == nil {
		opts = &IterOptions{}
	}
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	seq := d.vs.LastSeq()
	if opts.Snapshot != nil {
		if !opts.Snapshot.valid() {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: snapshot already released", ErrInvalidArgument)
		}
		seq = opts.Snapshot.seq
	}
	mem, imm := d.mem, d.imm
	v := d.vs.Current()
	v.Ref()
	d.mu.Unlock()

	verify := opts.VerifyChecksums || d.opts.VerifyChecksums
	it := &Iterator{
		db:      d,
		cmp:     d.cmp.Compare,
		seq:     seq,
		version: v,
	}

	iters := []base.InternalIterator{mem.NewIter()}
	if imm != nil {
		iters = append(iters, imm.NewIter())
	}
	for _, m := range v.Levels[0] {
		r, err := d.tables.acquire(m.FileNum)
		if err != nil {
			it.releaseSources()
			return nil, err
		}
		it.acquired = append(it.acquired, m.FileNum)
		iters = append(iters, r.NewIter(verify))
	}
	for level := 1; level < manifest.NumLevels; level++ {
		if len(v.Levels[level]) == 0 {
			continue
		}
		iters = append(iters, newLevelIter(d.cmp, d.tables, v.Levels[level], verify))
	}
	it.merge = newMergingIter(it.cmp, iters...)
	return it, nil
}

// NewIterFromSnapshot is shorthand for NewIter with the snapshot set.
func (s *Snapshot) NewIter() (*Iterator, error) {
	if !s.valid() {
		return nil, fmt.Errorf("%w: snapshot already released", ErrInvalidArgument)
	}
	return s.db.NewIter(&IterOptions{Snapshot: s})
}

// Get reads through the snapshot, shorthand for DB.Get with it set.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("%w: snapshot already released", ErrInvalidArgument)
	}
	return s.db.Get(key, &ReadOptions{Snapshot: s})
}

func (i *Iterator) releaseSources() {
	for _, num := range i.acquired {
		i.db.tables.release(num)
	}
	i.acquired = nil
	i.version.Unref()
}

// First positions on the smallest key.
func (i *Iterator) First() bool {
	if i.closed {
		return false
	}
	i.dir = +1
	i.pending = nil
	return i.findNextEntry(i.merge.First())
}

// Last positions on the largest key.
func (i *Iterator) Last() bool {
	if i.closed {
		return false
	}
	i.dir = -1
	return i.findPrevEntry(i.merge.Last())
}

// SeekGTE positions on the first key >= key.
func (i *Iterator) SeekGTE(key []byte) bool {
	if i.closed {
		return false
	}
	i.dir = +1
	i.pending = nil
	return i.findNextEntry(i.merge.SeekGTE(base.MakeSearchKey(key, i.seq)))
}

// SeekLTE positions on the last key <= key.
func (i *Iterator) SeekLTE(key []byte) bool {
	if i.closed {
		return false
	}
	i.dir = -1
	// The smallest possible trailer puts the target after every version of
	// key, so the backward scan starts inside key's own history.
	return i.findPrevEntry(i.merge.SeekLTE(base.MakeKey(key, 0, base.KeyKindDelete)))
}

// Next moves to the following key.
func (i *Iterator) Next() bool {
	if i.closed || !i.valid {
		return false
	}
	var kv *base.InternalKV
	i.pending = nil
	if i.dir == +1 {
		kv = i.skipCurrentUkeyForward()
	} else {
		// Direction change: hop over every remaining version of the current
		// key from below.
		kv = i.merge.SeekGTE(base.MakeKey(i.key, 0, base.KeyKindDelete))
		for kv != nil && i.cmp(kv.K.UserKey, i.key) == 0 {
			kv = i.merge.Next()
		}
		i.dir = +1
	}
	return i.findNextEntry(kv)
}

// Prev moves to the preceding key.
func (i *Iterator) Prev() bool {
	if i.closed || !i.valid {
		return false
	}
	var kv *base.InternalKV
	if i.dir == -1 {
		if kv = i.pending; kv == nil {
			kv = i.merge.Prev()
		}
	} else {
		// Direction change: back over every version of the current key.
		kv = i.merge.SeekLTE(base.MakeKey(i.key, base.MaxSeqNum, base.KeyKindSet))
		for kv != nil && i.cmp(kv.K.UserKey, i.key) == 0 {
			kv = i.merge.Prev()
		}
		i.dir = -1
	}
	return i.findPrevEntry(kv)
}

// skipCurrentUkeyForward advances the merged stream past every remaining
// version of the current key.
func (i *Iterator) skipCurrentUkeyForward() *base.InternalKV {
	kv := i.merge.Next()
	for kv != nil && i.cmp(kv.K.UserKey, i.key) == 0 {
		kv = i.merge.Next()
	}
	return kv
}

// findNextEntry scans forward from kv for the next user key whose newest
// visible version is a set.
func (i *Iterator) findNextEntry(kv *base.InternalKV) bool {
	i.valid = false
	for kv != nil {
		if kv.K.SeqNum() > i.seq {
			kv = i.merge.Next()
			continue
		}
		// The first visible entry of a user key is its newest visible
		// version: older ones are shadowed, and a tombstone hides the key.
		ukey := kv.K.UserKey
		if kv.K.KeyKind() == base.KeyKindDelete {
			i.key = append(i.key[:0], ukey...)
			kv = i.skipCurrentUkeyForward()
			continue
		}
		i.key = append(i.key[:0], ukey...)
		i.value = append(i.value[:0], kv.V...)
		i.valid = true
		return true
	}
	return false
}

// findPrevEntry scans backward from kv. Walking backward visits a key's
// versions oldest first, so the candidate is overwritten until the key
// changes; the survivor is the newest visible version.
func (i *Iterator) findPrevEntry(kv *base.InternalKV) bool {
	i.valid = false
	i.pending = nil
	haveKey := false
	haveValue := false
	for kv != nil {
		if kv.K.SeqNum() <= i.seq {
			ukey := kv.K.UserKey
			if haveKey && i.cmp(ukey, i.key) != 0 {
				if haveValue {
					i.pending = kv
					break
				}
				haveKey = false
			}
			if !haveKey {
				i.key = append(i.key[:0], ukey...)
				haveKey = true
			}
			if kv.K.KeyKind() == base.KeyKindDelete {
				haveValue = false
			} else {
				haveValue = true
				i.value = append(i.value[:0], kv.V...)
			}
		}
		kv = i.merge.Prev()
	}
	i.valid = haveKey && haveValue
	return i.valid
}

// Valid reports whether the iterator is positioned on an entry.
func (i *Iterator) Valid() bool {
	return i.valid && !i.closed
}

// Key returns the current key. The slice is stable until the next
// positioning call.
func (i *Iterator) Key() []byte {
	if !i.Valid() {
		return nil
	}
	return i.key
}

// Value returns the current value. The slice is stable until the next
// positioning call.
func (i *Iterator) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.value
}

// Close releases the iterator's pins on tables and versions. It reports any
// read error the iteration swallowed.
func (i *Iterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.valid = false
	err := i.merge.Close()
	i.releaseSources()
	return err
}
