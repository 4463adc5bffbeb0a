package gravel

import (
	"sync"

	"github.com/datnguyenzzz/gravel/internal/base"
)

// Snapshot pins reads to the state of the store at the moment GetSnapshot
// returned it. Writes and compactions after that moment are invisible
// through it. A snapshot only pins ordering state, not files: holding one is
// cheap, but it keeps shadowed versions of keys alive until released.
type Snapshot struct {
	seq base.SeqNum
	db  *DB

	releaseOnce sync.Once
}

// Release ends the snapshot. Using it in a read after Release returns
// ErrInvalidArgument. Release is idempotent.
func (s *Snapshot) Release() {
	s.releaseOnce.Do(func() {
		s.db.snapshots.remove(s)
		s.db = nil
	})
}

func (s *Snapshot) valid() bool {
	return s != nil && s.db != nil
}

// snapshotList tracks live snapshots so compaction can tell which shadowed
// entries are still reachable.
type snapshotList struct {
	mu   sync.Mutex
	live map[*Snapshot]struct{}
}

func (l *snapshotList) add(s *Snapshot) {
	l.mu.Lock()
	if l.live == nil {
		l.live = map[*Snapshot]struct{}{}
	}
	l.live[s] = struct{}{}
	l.mu.Unlock()
}

func (l *snapshotList) remove(s *Snapshot) {
	l.mu.Lock()
	delete(l.live, s)
	l.mu.Unlock()
}

// oldest returns the smallest live snapshot sequence, or fallback when no
// snapshot is live.
func (l *snapshotList) oldest(fallback base.SeqNum) base.SeqNum {
	l.mu.Lock()
	defer l.mu.Unlock()
	min := fallback
	for s := range l.live {
		if s.seq < min {
			min = s.seq
		}
	}
	return min
}

func (l *snapshotList) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}
