package memtable

import (
	"math/rand"
	"sync/atomic"

	"github.com/datnguyenzzz/gravel/internal/base"
)

const maxHeight = 12

// node is immutable once linked: the key/value buffers are owned by the node
// and the tower pointers only ever go from nil/old-successor to a newer node
// that sorts in between.
type node struct {
	// key is the serialised internal key
	key   []byte
	value []byte
	tower [maxHeight]atomic.Pointer[node]
}

// skiplist is the sorted container behind the memtable.
//
// Concurrency contract: a single writer appends while any number of readers
// search or iterate. Readers only follow atomically published pointers, so a
// position handed to a reader is never invalidated by a later insert; the
// reader simply observes the list as of some point between its own steps.
type skiplist struct {
	head   *node
	height atomic.Int32
	cmp    base.Compare
	rnd    *rand.Rand
}

func newSkiplist(cmp base.Compare) *skiplist {
	s := &skiplist{
		head: &node{},
		cmp:  cmp,
	}
	s.height.Store(1)
	s.rnd = rand.New(rand.NewSource(0xdb))
	return s
}

func (s *skiplist) randomHeight() int {
	h := 1
	for h < maxHeight && s.rnd.Intn(4) == 0 {
		h++
	}
	return h
}

// keyCompare orders serialised internal keys.
func (s *skiplist) keyCompare(a, b []byte) int {
	return base.CompareSerialized(s.cmp, a, b)
}

// findGTE returns the first node whose key >= key, also filling prev with the
// predecessor at every level when requested by the writer.
func (s *skiplist) findGTE(key []byte, prev *[maxHeight]*node) *node {
	n := s.head
	h := int(s.height.Load()) - 1
	for {
		next := n.tower[h].Load()
		if next != nil && s.keyCompare(next.key, key) < 0 {
			n = next
			continue
		}
		if prev != nil {
			prev[h] = n
		}
		if h == 0 {
			return next
		}
		h--
	}
}

// findLT returns the last node whose key < key, or nil if none.
func (s *skiplist) findLT(key []byte) *node {
	n := s.head
	h := int(s.height.Load()) - 1
	for {
		next := n.tower[h].Load()
		if next != nil && s.keyCompare(next.key, key) < 0 {
			n = next
			continue
		}
		if h == 0 {
			if n == s.head {
				return nil
			}
			return n
		}
		h--
	}
}

// findLast returns the rightmost node, or nil if the list is empty.
func (s *skiplist) findLast() *node {
	n := s.head
	h := int(s.height.Load()) - 1
	for {
		next := n.tower[h].Load()
		if next != nil {
			n = next
			continue
		}
		if h == 0 {
			if n == s.head {
				return nil
			}
			return n
		}
		h--
	}
}

// insert links a new node. Caller must be the single writer. Keys are unique
// because every insert carries a fresh sequence number.
func (s *skiplist) insert(key, value []byte) {
	var prev [maxHeight]*node
	s.findGTE(key, &prev)

	h := s.randomHeight()
	if cur := int(s.height.Load()); h > cur {
		for i := cur; i < h; i++ {
			prev[i] = s.head
		}
		s.height.Store(int32(h))
	}

	nd := &node{key: key, value: value}
	// Publish bottom-up so a concurrent reader that sees the node at level i
	// always finds it at every level below.
	for i := 0; i < h; i++ {
		nd.tower[i].Store(prev[i].tower[i].Load())
		prev[i].tower[i].Store(nd)
	}
}

// first returns the leftmost node, or nil.
func (s *skiplist) first() *node {
	return s.head.tower[0].Load()
}
