// Package memtable holds the in-memory sorted run of recent writes. A
// memtable is append-only while writable, becomes immutable once the write
// path rotates it out, and is discarded after its contents reach a level-0
// sorted table.
package memtable

import (
	"sync/atomic"

	"github.com/datnguyenzzz/gravel/internal/base"
)

// entryOverhead approximates the per-entry bookkeeping cost charged against
// the write buffer, on top of key and value payload.
const entryOverhead = 32

type Memtable struct {
	skl *skiplist
	cmp base.Compare

	approxSize atomic.Int64
}

func New(cmp base.Compare) *Memtable {
	return &Memtable{
		skl: newSkiplist(cmp),
		cmp: cmp,
	}
}

// Insert adds one entry. Only the write path calls Insert, one batch at a
// time; readers are never blocked by it.
func (m *Memtable) Insert(seq base.SeqNum, kind base.KeyKind, ukey, value []byte) {
	ikey := base.MakeKey(ukey, seq, kind)
	buf := make([]byte, ikey.Size())
	ikey.SerializeTo(buf)
	if len(value) > 0 {
		value = append([]byte(nil), value...)
	}
	m.skl.insert(buf, value)
	m.approxSize.Add(int64(len(buf)) + int64(len(value)) + entryOverhead)
}

// Get returns the newest entry for ukey visible at seq.
// conclusive=false means the memtable has no visible entry and the caller
// must keep searching older sources; conclusive=true with err==ErrNotFound
// means a tombstone shadows the key.
func (m *Memtable) Get(ukey []byte, seq base.SeqNum) (value []byte, conclusive bool, err error) {
	search := base.MakeSearchKey(ukey, seq)
	buf := search.Serialize(nil)
	n := m.skl.findGTE(buf, nil)
	if n == nil {
		return nil, false, nil
	}
	k := base.DeserializeKey(n.key)
	if m.cmp(k.UserKey, ukey) != 0 {
		return nil, false, nil
	}
	// findGTE plus the descending trailer order guarantees k is the newest
	// version of ukey with k.SeqNum() <= seq.
	if k.KeyKind() == base.KeyKindDelete {
		return nil, true, base.ErrNotFound
	}
	return n.value, true, nil
}

// ApproxSize estimates the heap held by the memtable, for rotation decisions.
func (m *Memtable) ApproxSize() int64 {
	return m.approxSize.Load()
}

// Empty reports whether the memtable holds no entries.
func (m *Memtable) Empty() bool {
	return m.skl.first() == nil
}

// NewIter returns an iterator over the memtable in internal-key order. It
// remains valid across concurrent inserts, observing a consistent superset of
// the entries present at creation time.
func (m *Memtable) NewIter() base.InternalIterator {
	return &iterator{m: m}
}
