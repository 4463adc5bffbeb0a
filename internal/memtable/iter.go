package memtable

import (
	"github.com/datnguyenzzz/gravel/internal/base"
)

type iterator struct {
	m   *Memtable
	n   *node
	kv  base.InternalKV
	buf []byte
}

var _ base.InternalIterator = (*iterator)(nil)

func (it *iterator) yield() *base.InternalKV {
	if it.n == nil {
		return nil
	}
	it.kv.K = *base.DeserializeKey(it.n.key)
	it.kv.V = it.n.value
	return &it.kv
}

func (it *iterator) SeekGTE(key base.InternalKey) *base.InternalKV {
	it.buf = key.Serialize(it.buf[:0])
	it.n = it.m.skl.findGTE(it.buf, nil)
	return it.yield()
}

func (it *iterator) SeekLTE(key base.InternalKey) *base.InternalKV {
	it.buf = key.Serialize(it.buf[:0])
	n := it.m.skl.findGTE(it.buf, nil)
	if n != nil && it.m.skl.keyCompare(n.key, it.buf) == 0 {
		it.n = n
	} else {
		it.n = it.m.skl.findLT(it.buf)
	}
	return it.yield()
}

func (it *iterator) First() *base.InternalKV {
	it.n = it.m.skl.first()
	return it.yield()
}

func (it *iterator) Last() *base.InternalKV {
	it.n = it.m.skl.findLast()
	return it.yield()
}

func (it *iterator) Next() *base.InternalKV {
	if it.n == nil {
		return nil
	}
	it.n = it.n.tower[0].Load()
	return it.yield()
}

// Prev re-descends from the head: the skiplist keeps no back pointers, so
// stepping backwards costs a fresh O(log n) search.
func (it *iterator) Prev() *base.InternalKV {
	if it.n == nil {
		return nil
	}
	it.n = it.m.skl.findLT(it.n.key)
	return it.yield()
}

func (it *iterator) Close() error {
	it.n = nil
	return nil
}
