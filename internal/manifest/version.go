// Package manifest tracks the set of live sorted tables per level. Every
// mutation of that set, whether a memtable flush or a compaction, is
// expressed as a VersionEdit, applied to an immutable ref-counted Version and
// appended to the durable MANIFEST log, which is replayed at startup to
// reconstruct the newest Version.
package manifest

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/datnguyenzzz/gravel/internal/base"
)

// NumLevels is the depth of the LSM hierarchy.
const NumLevels = 7

// TableMeta describes one live sorted table. It is shared by every Version
// that references the table; the ref count reaches zero only when no live
// Version needs the file any more, which releases it for deletion.
type TableMeta struct {
	FileNum uint64
	// Size is the file size in bytes, fed into level score computation.
	Size     uint64
	Smallest base.InternalKey
	Largest  base.InternalKey

	refs atomic.Int32
}

func (m *TableMeta) ref() {
	m.refs.Add(1)
}

func (m *TableMeta) unref() int32 {
	v := m.refs.Add(-1)
	if v < 0 {
		panic("gravel: table meta ref count went negative")
	}
	return v
}

func (m *TableMeta) String() string {
	return fmt.Sprintf("%06d:[%s-%s]", m.FileNum, m.Smallest.UserKey, m.Largest.UserKey)
}

// Version is an immutable snapshot of the live table set. Readers and
// iterators capture the current Version and ref it; compaction publishes a
// successor Version rather than mutating one in place.
type Version struct {
	// Levels[0] is ordered by file number descending (newest first, ranges
	// may overlap); deeper levels are ordered by Smallest with pairwise
	// disjoint ranges.
	Levels [NumLevels][]*TableMeta

	refs atomic.Int32

	// obsoleteFn receives file numbers whose last reference just dropped.
	obsoleteFn func(fileNums []uint64)
}

func newVersion(obsoleteFn func([]uint64)) *Version {
	return &Version{obsoleteFn: obsoleteFn}
}

func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref drops one reference. On the last drop every table loses a reference
// too, and files no longer referenced by any live Version are reported for
// deletion.
func (v *Version) Unref() {
	r := v.refs.Add(-1)
	if r < 0 {
		panic("gravel: version ref count went negative")
	}
	if r > 0 {
		return
	}
	var obsolete []uint64
	for level := range v.Levels {
		for _, m := range v.Levels[level] {
			if m.unref() == 0 {
				obsolete = append(obsolete, m.FileNum)
			}
		}
	}
	if len(obsolete) > 0 && v.obsoleteFn != nil {
		v.obsoleteFn(obsolete)
	}
}

// Overlaps collects the tables of level whose key range intersects
// [smallest, largest]. A nil bound is unbounded on that side. For level 0
// the result is transitively expanded, because level-0 ranges may overlap
// each other: any table pulled in can widen the range and pull in more.
func (v *Version) Overlaps(level int, cmp base.Compare, smallest, largest []byte) []*TableMeta {
	lo, hi := smallest, largest
	for {
		var out []*TableMeta
		grown := false
		for _, m := range v.Levels[level] {
			if lo != nil && cmp(m.Largest.UserKey, lo) < 0 {
				continue
			}
			if hi != nil && cmp(m.Smallest.UserKey, hi) > 0 {
				continue
			}
			out = append(out, m)
			if level == 0 {
				if lo != nil && cmp(m.Smallest.UserKey, lo) < 0 {
					lo = m.Smallest.UserKey
					grown = true
				}
				if hi != nil && cmp(m.Largest.UserKey, hi) > 0 {
					hi = m.Largest.UserKey
					grown = true
				}
			}
		}
		if !grown {
			return out
		}
	}
}

// NumFiles reports the table count of one level.
func (v *Version) NumFiles(level int) int {
	return len(v.Levels[level])
}

// LevelSize reports the total byte size of one level.
func (v *Version) LevelSize(level int) uint64 {
	var total uint64
	for _, m := range v.Levels[level] {
		total += m.Size
	}
	return total
}

func sortLevel(level int, tables []*TableMeta, cmp base.Compare) {
	if level == 0 {
		sort.Slice(tables, func(i, j int) bool {
			return tables[i].FileNum > tables[j].FileNum
		})
		return
	}
	sort.Slice(tables, func(i, j int) bool {
		return cmp(tables[i].Smallest.UserKey, tables[j].Smallest.UserKey) < 0
	})
}

// checkOrdering validates the level invariants after an edit is applied:
// deeper levels stay sorted and pairwise disjoint.
func checkOrdering(v *Version, cmp base.Compare) error {
	for level := 1; level < NumLevels; level++ {
		tables := v.Levels[level]
		for i := 1; i < len(tables); i++ {
			if cmp(tables[i-1].Largest.UserKey, tables[i].Smallest.UserKey) >= 0 {
				return fmt.Errorf("%w: level %d tables %s and %s overlap",
					base.ErrCorruption, level, tables[i-1], tables[i])
			}
		}
	}
	return nil
}
