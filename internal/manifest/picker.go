package manifest

import (
	"github.com/datnguyenzzz/gravel/internal/base"
)

// PickerOpts carries the thresholds the score computation works from.
type PickerOpts struct {
	// L0CompactionTrigger is the level-0 table count at which level 0 reaches
	// score 1.0.
	L0CompactionTrigger int
	// LevelBaseSize is the byte budget of level 1; each deeper level gets ten
	// times the budget of the one above it.
	LevelBaseSize uint64
}

// Compaction describes one unit of background work: merge Inputs[0] (tables
// of StartLevel) with Inputs[1] (the overlapping tables of OutputLevel) into
// fresh tables at OutputLevel.
type Compaction struct {
	StartLevel  int
	OutputLevel int
	Inputs      [2][]*TableMeta

	// Smallest/Largest bound the user keys touched by the compaction.
	Smallest []byte
	Largest  []byte

	version *Version
}

// Version is the version the inputs were picked from. The compaction holds a
// reference on it until Release.
func (c *Compaction) Version() *Version {
	return c.version
}

func (c *Compaction) Release() {
	c.version.Unref()
}

// SetVersion pins v as the version the inputs were taken from, holding a
// reference until Release.
func (c *Compaction) SetVersion(v *Version) {
	v.Ref()
	c.version = v
}

// InputBytes sums the sizes of all input tables.
func (c *Compaction) InputBytes() uint64 {
	var n uint64
	for i := range c.Inputs {
		for _, m := range c.Inputs[i] {
			n += m.Size
		}
	}
	return n
}

// IsDeepestForRange reports whether no level below OutputLevel holds any key
// in [smallest, largest]. When true, tombstones in that range have nothing
// left to shadow and may be dropped outright.
func (c *Compaction) IsDeepestForRange(cmp base.Compare, smallest, largest []byte) bool {
	for level := c.OutputLevel + 1; level < NumLevels; level++ {
		if len(c.version.Overlaps(level, cmp, smallest, largest)) > 0 {
			return false
		}
	}
	return true
}

// MaxLevelBytes returns the byte budget of level, growing tenfold per level
// below 1. Level 0 is scored by table count, and the deepest level has no
// budget.
func MaxLevelBytes(opts PickerOpts, level int) uint64 {
	n := opts.LevelBaseSize
	for l := 1; l < level; l++ {
		n *= 10
	}
	return n
}

// PickCompaction chooses the most over-budget level, or returns nil when
// every level is within budget. The returned Compaction references the
// current Version; the caller must Release it.
func (vs *VersionSet) PickCompaction(opts PickerOpts) *Compaction {
	v := vs.current

	bestLevel := -1
	bestScore := 1.0
	if n := v.NumFiles(0); n > 0 {
		if score := float64(n) / float64(opts.L0CompactionTrigger); score >= bestScore {
			bestLevel, bestScore = 0, score
		}
	}
	// The deepest level never spills anywhere, so it is never scored.
	for level := 1; level < NumLevels-1; level++ {
		size := v.LevelSize(level)
		if size == 0 {
			continue
		}
		if score := float64(size) / float64(MaxLevelBytes(opts, level)); score >= bestScore {
			bestLevel, bestScore = level, score
		}
	}
	if bestLevel < 0 {
		return nil
	}

	c := &Compaction{
		StartLevel:  bestLevel,
		OutputLevel: bestLevel + 1,
		version:     v,
	}
	cmp := vs.cmp.Compare

	if bestLevel == 0 {
		// Level-0 ranges overlap each other, so every level-0 table joins.
		c.Inputs[0] = append([]*TableMeta(nil), v.Levels[0]...)
	} else {
		c.Inputs[0] = []*TableMeta{vs.rotatePick(bestLevel)}
	}
	c.Smallest, c.Largest = KeyRange(cmp, c.Inputs[0])

	c.Inputs[1] = v.Overlaps(c.OutputLevel, cmp, c.Smallest, c.Largest)
	if len(c.Inputs[1]) > 0 {
		s, l := KeyRange(cmp, c.Inputs[1])
		if cmp(s, c.Smallest) < 0 {
			c.Smallest = s
		}
		if cmp(l, c.Largest) > 0 {
			c.Largest = l
		}
	}

	c.SetVersion(v)
	return c
}

// rotatePick walks the level round-robin, resuming past the key where the
// previous compaction of this level ended.
func (vs *VersionSet) rotatePick(level int) *TableMeta {
	tables := vs.current.Levels[level]
	ptr := vs.compactPointer[level]
	if ptr != nil {
		for _, m := range tables {
			if vs.cmp.Compare(m.Largest.UserKey, ptr) > 0 {
				return m
			}
		}
	}
	return tables[0]
}

func KeyRange(cmp base.Compare, tables []*TableMeta) (smallest, largest []byte) {
	for _, m := range tables {
		if smallest == nil || cmp(m.Smallest.UserKey, smallest) < 0 {
			smallest = m.Smallest.UserKey
		}
		if largest == nil || cmp(m.Largest.UserKey, largest) > 0 {
			largest = m.Largest.UserKey
		}
	}
	return smallest, largest
}
