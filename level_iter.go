package gravel

import (
	"sort"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/manifest"
)

// levelIter concatenates the tables of one level (1 and deeper, where
// ranges are disjoint and sorted) into a single ordered stream, opening at
// most one table at a time through the table cache.
type levelIter struct {
	cmp    base.IComparer
	tables *tableCache
	files  []*manifest.TableMeta
	verify bool

	index   int
	cur     base.InternalIterator
	curFile uint64
	err     error
}

func newLevelIter(cmp base.IComparer, tables *tableCache, files []*manifest.TableMeta, verify bool) *levelIter {
	return &levelIter{
		cmp:    cmp,
		tables: tables,
		files:  files,
		verify: verify,
		index:  -1,
	}
}

// loadFile positions on files[i], closing the previous table. A false
// return means i is out of range or the open failed.
func (l *levelIter) loadFile(i int) bool {
	if l.cur != nil {
		if cerr := l.cur.Close(); cerr != nil && l.err == nil {
			l.err = cerr
		}
		l.tables.release(l.curFile)
		l.cur = nil
	}
	l.index = i
	if i < 0 || i >= len(l.files) {
		return false
	}
	r, err := l.tables.acquire(l.files[i].FileNum)
	if err != nil {
		l.err = err
		return false
	}
	l.curFile = l.files[i].FileNum
	l.cur = r.NewIter(l.verify)
	return true
}

func (l *levelIter) First() *base.InternalKV {
	if !l.loadFile(0) {
		return nil
	}
	return l.skipEmptyForward(l.cur.First())
}

func (l *levelIter) Last() *base.InternalKV {
	if !l.loadFile(len(l.files) - 1) {
		return nil
	}
	return l.skipEmptyBackward(l.cur.Last())
}

func (l *levelIter) SeekGTE(key base.InternalKey) *base.InternalKV {
	i := sort.Search(len(l.files), func(i int) bool {
		largest := l.files[i].Largest
		return key.Compare(l.cmp.Compare, largest) <= 0
	})
	if !l.loadFile(i) {
		return nil
	}
	return l.skipEmptyForward(l.cur.SeekGTE(key))
}

func (l *levelIter) SeekLTE(key base.InternalKey) *base.InternalKV {
	i := sort.Search(len(l.files), func(i int) bool {
		smallest := l.files[i].Smallest
		return key.Compare(l.cmp.Compare, smallest) < 0
	}) - 1
	if !l.loadFile(i) {
		return nil
	}
	return l.skipEmptyBackward(l.cur.SeekLTE(key))
}

func (l *levelIter) Next() *base.InternalKV {
	if l.cur == nil {
		return nil
	}
	return l.skipEmptyForward(l.cur.Next())
}

func (l *levelIter) Prev() *base.InternalKV {
	if l.cur == nil {
		return nil
	}
	return l.skipEmptyBackward(l.cur.Prev())
}

// skipEmptyForward steps into following tables while the current one is
// exhausted.
func (l *levelIter) skipEmptyForward(kv *base.InternalKV) *base.InternalKV {
	for kv == nil {
		if l.index+1 >= len(l.files) || !l.loadFile(l.index+1) {
			return nil
		}
		kv = l.cur.First()
	}
	return kv
}

func (l *levelIter) skipEmptyBackward(kv *base.InternalKV) *base.InternalKV {
	for kv == nil {
		if l.index-1 < 0 || !l.loadFile(l.index - 1) {
			return nil
		}
		kv = l.cur.Last()
	}
	return kv
}

func (l *levelIter) Close() error {
	if l.cur != nil {
		if cerr := l.cur.Close(); cerr != nil && l.err == nil {
			l.err = cerr
		}
		l.tables.release(l.curFile)
		l.cur = nil
	}
	return l.err
}

var _ base.InternalIterator = (*levelIter)(nil)
