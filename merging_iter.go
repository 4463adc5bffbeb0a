package gravel

import (
	"github.com/datnguyenzzz/gravel/internal/base"
)

// mergingIter merges a fixed set of ordered child iterators into one ordered
// stream of internal keys. Children earlier in the slice are newer; the
// internal-key ordering already breaks user-key ties by descending sequence
// number, so the merge itself never needs to know about ages.
//
// The child count is small (memtables plus one per table touched), so each
// step scans the children linearly instead of maintaining a heap.
type mergingIter struct {
	cmp      base.Compare
	children []mergingChild
	dir      int // +1 forward, -1 backward, 0 unpositioned
	current  int // index of the child the iterator is positioned on, -1 if none
}

type mergingChild struct {
	iter base.InternalIterator
	kv   *base.InternalKV
}

func newMergingIter(cmp base.Compare, iters ...base.InternalIterator) *mergingIter {
	m := &mergingIter{
		cmp:      cmp,
		children: make([]mergingChild, len(iters)),
		current:  -1,
	}
	for i, it := range iters {
		m.children[i].iter = it
	}
	return m
}

// findSmallest positions on the child with the smallest internal key,
// preferring the newer child on exact ties.
func (m *mergingIter) findSmallest() *base.InternalKV {
	m.current = -1
	for i := range m.children {
		kv := m.children[i].kv
		if kv == nil {
			continue
		}
		if m.current < 0 || kv.K.Compare(m.cmp, m.children[m.current].kv.K) < 0 {
			m.current = i
		}
	}
	if m.current < 0 {
		return nil
	}
	return m.children[m.current].kv
}

func (m *mergingIter) findLargest() *base.InternalKV {
	m.current = -1
	for i := range m.children {
		kv := m.children[i].kv
		if kv == nil {
			continue
		}
		if m.current < 0 || kv.K.Compare(m.cmp, m.children[m.current].kv.K) > 0 {
			m.current = i
		}
	}
	if m.current < 0 {
		return nil
	}
	return m.children[m.current].kv
}

func (m *mergingIter) First() *base.InternalKV {
	m.dir = +1
	for i := range m.children {
		m.children[i].kv = m.children[i].iter.First()
	}
	return m.findSmallest()
}

func (m *mergingIter) Last() *base.InternalKV {
	m.dir = -1
	for i := range m.children {
		m.children[i].kv = m.children[i].iter.Last()
	}
	return m.findLargest()
}

func (m *mergingIter) SeekGTE(key base.InternalKey) *base.InternalKV {
	m.dir = +1
	for i := range m.children {
		m.children[i].kv = m.children[i].iter.SeekGTE(key)
	}
	return m.findSmallest()
}

func (m *mergingIter) SeekLTE(key base.InternalKey) *base.InternalKV {
	m.dir = -1
	for i := range m.children {
		m.children[i].kv = m.children[i].iter.SeekLTE(key)
	}
	return m.findLargest()
}

func (m *mergingIter) Next() *base.InternalKV {
	if m.current < 0 {
		return m.First()
	}
	if m.dir != +1 {
		// Direction change: every other child must be repositioned to the
		// first key after the current one.
		cur := m.children[m.current].kv.K.Clone()
		for i := range m.children {
			if i == m.current {
				continue
			}
			kv := m.children[i].iter.SeekGTE(cur)
			if kv != nil && kv.K.Compare(m.cmp, cur) == 0 {
				kv = m.children[i].iter.Next()
			}
			m.children[i].kv = kv
		}
		m.dir = +1
	}
	m.children[m.current].kv = m.children[m.current].iter.Next()
	return m.findSmallest()
}

func (m *mergingIter) Prev() *base.InternalKV {
	if m.current < 0 {
		return m.Last()
	}
	if m.dir != -1 {
		cur := m.children[m.current].kv.K.Clone()
		for i := range m.children {
			if i == m.current {
				continue
			}
			kv := m.children[i].iter.SeekLTE(cur)
			if kv != nil && kv.K.Compare(m.cmp, cur) == 0 {
				kv = m.children[i].iter.Prev()
			}
			m.children[i].kv = kv
		}
		m.dir = -1
	}
	m.children[m.current].kv = m.children[m.current].iter.Prev()
	return m.findLargest()
}

func (m *mergingIter) Close() error {
	var err error
	for i := range m.children {
		if cerr := m.children[i].iter.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.children[i].kv = nil
	}
	m.current = -1
	return err
}

var _ base.InternalIterator = (*mergingIter)(nil)
