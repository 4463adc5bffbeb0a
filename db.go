// Package gravel is an embedded, ordered, persistent key-value store built
// as a log-structured merge tree. Writes land in a write-ahead log and an
// in-memory table; sealed memtables are flushed to immutable sorted table
// files at level 0, and a background compactor merges tables down through
// deeper levels, dropping shadowed versions and reclaiming tombstones along
// the way. Reads see a consistent snapshot chosen by sequence number, so
// they never block writes and writes never block reads.
package gravel

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/cache"
	"github.com/datnguyenzzz/gravel/internal/manifest"
	"github.com/datnguyenzzz/gravel/internal/memtable"
	"github.com/datnguyenzzz/gravel/internal/vfs"
	"github.com/datnguyenzzz/gravel/internal/wal"
)

// Exported sentinel errors. Callers match them with errors.Is.
var (
	ErrNotFound        = base.ErrNotFound
	ErrCorruption      = base.ErrCorruption
	ErrInvalidArgument = base.ErrInvalidArgument
	ErrClosed          = base.ErrClosed
	ErrDBExists        = base.ErrDBExists
)

// DB is an open store. All methods are safe for concurrent use.
type DB struct {
	opts    *Options
	dirname string
	fs      vfs.FS
	cmp     base.IComparer
	logger  *zap.Logger

	blockCache *cache.Cache
	tables     *tableCache
	metrics    *dbMetrics
	snapshots  snapshotList

	// commitMu serializes writers: the memtable accepts one writer at a
	// time, and WAL records must be appended in sequence-number order.
	commitMu sync.Mutex

	// mu guards the fields below plus all VersionSet mutations. cond is
	// signalled whenever flush or compaction state changes.
	mu      sync.Mutex
	cond    *sync.Cond
	mem     *memtable.Memtable
	imm     *memtable.Memtable // sealed memtable being flushed, or nil
	wal    *wal.Writer
	walNum uint64
	// immWalNum is the log holding imm's writes, removable once the flush
	// is durable.
	immWalNum uint64
	vs        *manifest.VersionSet
	manual    *manualCompaction
	bgErr     error
	closing   bool

	workerDone chan struct{}
}

type manualCompaction struct {
	start, limit []byte
	done         bool
}

// Open opens the store rooted at dirname, creating it when CreateIfMissing
// is set. The returned DB owns the directory until Close.
func Open(dirname string, opts *Options) (*DB, error) {
	opts = opts.EnsureDefaults()

	d := &DB{
		opts:       opts,
		dirname:    dirname,
		fs:         opts.FS,
		cmp:        opts.Comparer,
		logger:     opts.Logger.With(zap.String("store", dirname)),
		blockCache: cache.New(opts.CacheSize),
		workerDone: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	d.tables = newTableCache(dirname, d.fs, d.cmp, d.blockCache, opts.VerifyChecksums, opts.MaxOpenFiles)
	d.metrics = newDBMetrics(opts.MetricsRegisterer,
		func() float64 { return float64(d.blockCache.GetStats().Hit) },
		func() float64 { return float64(d.blockCache.GetStats().Miss) })
	d.mem = memtable.New(d.cmp.Compare)

	if err := d.fs.MkdirAll(dirname); err != nil {
		return nil, err
	}

	exists := true
	if f, err := d.fs.Open(base.MakeFilepath(dirname, base.FileTypeCurrent, 0)); err != nil {
		exists = false
	} else {
		f.Close()
	}

	switch {
	case exists && opts.ErrorIfExists:
		return nil, fmt.Errorf("%w: store %q already exists", ErrDBExists, dirname)
	case !exists && !opts.CreateIfMissing:
		return nil, fmt.Errorf("%w: store %q does not exist and CreateIfMissing is not set", ErrInvalidArgument, dirname)
	}

	var err error
	if exists {
		d.vs, err = manifest.Load(dirname, d.fs, d.cmp, d.logger)
	} else {
		d.logger.Info("creating new store")
		d.vs, err = manifest.Create(dirname, d.fs, d.cmp, d.logger)
	}
	if err != nil {
		return nil, err
	}

	if err := d.replayWALs(); err != nil {
		d.vs.Close()
		return nil, err
	}
	if err := d.startNewWAL(); err != nil {
		d.vs.Close()
		return nil, err
	}
	d.removeOrphans()

	go d.backgroundWorker()
	d.logger.Info("store opened",
		zap.Uint64("last_seq", uint64(d.vs.LastSeq())),
		zap.Uint64("wal", d.walNum))
	return d, nil
}

// replayWALs re-applies every log at or above the manifest's LogNum to the
// memtable, flushing to level 0 whenever the memtable fills.
func (d *DB) replayWALs() error {
	names, err := d.fs.List(d.dirname)
	if err != nil {
		return err
	}
	var logs []uint64
	for _, name := range names {
		if ft, num, ok := base.ParseFilename(name); ok && ft == base.FileTypeLog {
			d.vs.MarkFileNumUsed(num)
			if num >= d.vs.LogNum() {
				logs = append(logs, num)
			}
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i] < logs[j] })

	for _, num := range logs {
		if err := d.replayOneWAL(num); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) replayOneWAL(num uint64) error {
	f, err := d.fs.Open(base.MakeFilepath(d.dirname, base.FileTypeLog, num))
	if err != nil {
		return err
	}
	defer f.Close()

	var records, entries int
	r := wal.NewReader(f, d.opts.StrictWALRecovery)
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		b, err := decodeBatch(rec)
		if err != nil {
			return err
		}
		seq := b.seq()
		i := base.SeqNum(0)
		if err := b.iterate(func(kind base.KeyKind, ukey, value []byte) error {
			d.mem.Insert(seq+i, kind, ukey, value)
			i++
			return nil
		}); err != nil {
			return err
		}
		if last := seq + base.SeqNum(b.Count()) - 1; last > d.vs.LastSeq() {
			d.vs.SetLastSeq(last)
		}
		records++
		entries += b.Count()

		if d.mem.ApproxSize() >= d.opts.WriteBufferSize {
			if err := d.flushMemtableLocked(d.mem); err != nil {
				return err
			}
			d.mem = memtable.New(d.cmp.Compare)
		}
	}
	d.logger.Info("log replayed",
		zap.Uint64("log", num),
		zap.Int("records", records),
		zap.Int("entries", entries))
	return nil
}

// startNewWAL flushes any replayed state, opens a fresh log and repoints the
// manifest at it so older logs become dead weight.
func (d *DB) startNewWAL() error {
	if !d.mem.Empty() {
		if err := d.flushMemtableLocked(d.mem); err != nil {
			return err
		}
		d.mem = memtable.New(d.cmp.Compare)
	}

	num := d.vs.NewFileNum()
	f, err := d.fs.Create(base.MakeFilepath(d.dirname, base.FileTypeLog, num))
	if err != nil {
		return err
	}
	d.wal = wal.NewWriter(f)
	d.walNum = num
	return d.vs.LogAndApply(&manifest.VersionEdit{LogNum: num})
}

// removeOrphans deletes files no live state references: logs older than the
// manifest's LogNum, tables outside the current version, superseded
// manifests and leftover temp files. Runs during Open, before any background
// work can create files.
func (d *DB) removeOrphans() {
	names, err := d.fs.List(d.dirname)
	if err != nil {
		return
	}
	live := d.vs.Live()
	for _, name := range names {
		ft, num, ok := base.ParseFilename(name)
		if !ok {
			if strings.HasSuffix(name, ".dbtmp") {
				_ = d.fs.Remove(d.dirname + "/" + name)
			}
			continue
		}
		var drop bool
		switch ft {
		case base.FileTypeLog:
			drop = num < d.vs.LogNum()
		case base.FileTypeTable:
			drop = !live[num]
		case base.FileTypeManifest:
			drop = num != d.vs.ManifestNum()
		}
		if drop {
			d.logger.Info("removing orphaned file", zap.String("file", name))
			d.metrics.obsoleteDeletes.Inc()
			_ = d.fs.Remove(d.dirname + "/" + name)
		}
	}
}

// Get returns the value of key, or ErrNotFound when the key is absent or
// deleted. The returned slice is the caller's to keep.
func (d *DB) Get(key []byte, opts *ReadOptions) ([]byte, error) {
	if opts == nil {
		opts = &ReadOptions{}
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
	defer v.Unref()

	if value, conclusive, err := mem.Get(key, seq); conclusive {
		return value, err
	}
	if imm != nil {
		if value, conclusive, err := imm.Get(key, seq); conclusive {
			return value, err
		}
	}
	return d.getFromTables(v, key, seq, opts.VerifyChecksums)
}

func (d *DB) getFromTables(v *manifest.Version, key []byte, seq base.SeqNum, verify bool) ([]byte, error) {
	verify = verify || d.opts.VerifyChecksums

	// Level 0 is ordered newest table first and ranges may overlap, so each
	// candidate is consulted in turn.
	for _, m := range v.Levels[0] {
		if d.cmp.Compare(key, m.Smallest.UserKey) < 0 || d.cmp.Compare(key, m.Largest.UserKey) > 0 {
			continue
		}
		value, conclusive, err := d.tableGet(m.FileNum, key, seq, verify)
		if conclusive {
			return value, err
		}
		if err != nil {
			return nil, err
		}
	}

	// Deeper levels hold disjoint ranges, so at most one table per level can
	// contain the key.
	for level := 1; level < manifest.NumLevels; level++ {
		tables := v.Levels[level]
		i := sort.Search(len(tables), func(i int) bool {
			return d.cmp.Compare(tables[i].Largest.UserKey, key) >= 0
		})
		if i >= len(tables) || d.cmp.Compare(key, tables[i].Smallest.UserKey) < 0 {
			continue
		}
		value, conclusive, err := d.tableGet(tables[i].FileNum, key, seq, verify)
		if conclusive {
			return value, err
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (d *DB) tableGet(fileNum uint64, key []byte, seq base.SeqNum, verify bool) (value []byte, conclusive bool, err error) {
	r, err := d.tables.acquire(fileNum)
	if err != nil {
		return nil, false, err
	}
	defer d.tables.release(fileNum)
	return r.Get(key, seq, verify)
}

// Put sets key to value.
func (d *DB) Put(key, value []byte, opts *WriteOptions) error {
	b := NewBatch()
	b.Put(key, value)
	return d.Write(b, opts)
}

// Delete removes key. Deleting an absent key succeeds.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	b := NewBatch()
	b.Delete(key)
	return d.Write(b, opts)
}

// Write applies the batch atomically: after a crash either every entry is
// recovered or none are, and no read ever observes a prefix of the batch.
func (d *DB) Write(b *Batch, opts *WriteOptions) error {
	if opts == nil {
		opts = NoSync
	}
	if b.Empty() {
		return nil
	}

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ErrClosed
	}
	if err := d.makeRoomForWrite(); err != nil {
		d.mu.Unlock()
		return err
	}
	mem := d.mem
	seq := d.vs.LastSeq() + 1
	d.mu.Unlock()

	b.setSeq(seq)
	if err := d.wal.AddRecord(b.repr()); err != nil {
		return err
	}
	if opts.Sync {
		if err := d.wal.Sync(); err != nil {
			return err
		}
	}

	i := base.SeqNum(0)
	if err := b.iterate(func(kind base.KeyKind, ukey, value []byte) error {
		mem.Insert(seq+i, kind, ukey, value)
		i++
		return nil
	}); err != nil {
		return err
	}

	// Readers pick their visible sequence from LastSeq, so publishing it
	// after the memtable insert makes the whole batch appear at once.
	d.vs.SetLastSeq(seq + base.SeqNum(b.Count()) - 1)
	return nil
}

// makeRoomForWrite blocks until the memtable can take another write,
// rotating a full memtable out for flushing and stalling when level 0 is too
// deep. Caller holds both commitMu and mu.
func (d *DB) makeRoomForWrite() error {
	for {
		switch {
		case d.bgErr != nil:
			return d.bgErr
		case d.closing:
			return ErrClosed
		case d.mem.ApproxSize() < d.opts.WriteBufferSize:
			return nil
		case d.imm != nil:
			// Previous memtable is still flushing.
			d.cond.Wait()
		case d.vs.Current().NumFiles(0) >= d.opts.L0StopWritesTrigger:
			d.metrics.writeStalls.Inc()
			d.logger.Warn("write stalled on level-0 backlog",
				zap.Int("level0_tables", d.vs.Current().NumFiles(0)))
			d.cond.Wait()
		default:
			if err := d.rotateMemtable(); err != nil {
				return err
			}
		}
	}
}

// rotateMemtable seals the memtable behind a fresh WAL and wakes the
// flusher. Caller holds both commitMu and mu.
func (d *DB) rotateMemtable() error {
	num := d.vs.NewFileNum()
	f, err := d.fs.Create(base.MakeFilepath(d.dirname, base.FileTypeLog, num))
	if err != nil {
		return err
	}
	if cerr := d.wal.Close(); cerr != nil {
		f.Abort()
		return cerr
	}
	d.immWalNum = d.walNum
	d.wal = wal.NewWriter(f)
	d.walNum = num
	d.imm = d.mem
	d.mem = memtable.New(d.cmp.Compare)
	d.cond.Broadcast()
	return nil
}

// GetSnapshot captures the current state for repeatable reads. The snapshot
// must be released when no longer needed.
func (d *DB) GetSnapshot() *Snapshot {
	s := &Snapshot{seq: d.vs.LastSeq(), db: d}
	d.snapshots.add(s)
	return s
}

// Compact waits for every key in [start, limit] to be merged down as far as
// it can go, reclaiming shadowed versions and tombstones in the range. A nil
// start or limit means unbounded on that side.
func (d *DB) Compact(start, limit []byte) error {
	// Seal the live memtable so the range's freshest writes take part.
	// commitMu is taken first, matching the write path's lock order.
	d.commitMu.Lock()
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		d.commitMu.Unlock()
		return ErrClosed
	}
	if !d.mem.Empty() {
		for d.imm != nil && !d.closing && d.bgErr == nil {
			d.cond.Wait()
		}
		if d.bgErr != nil || d.closing {
			err := d.bgErr
			d.mu.Unlock()
			d.commitMu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return err
		}
		if err := d.rotateMemtable(); err != nil {
			d.mu.Unlock()
			d.commitMu.Unlock()
			return err
		}
	}
	d.mu.Unlock()
	d.commitMu.Unlock()

	d.mu.Lock()
	// One manual request at a time; later callers queue up behind it.
	for d.manual != nil && d.bgErr == nil && !d.closing {
		d.cond.Wait()
	}
	if d.bgErr != nil || d.closing {
		err := d.bgErr
		d.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return err
	}
	m := &manualCompaction{start: start, limit: limit}
	d.manual = m
	d.cond.Broadcast()
	for !m.done && d.bgErr == nil && !d.closing {
		d.cond.Wait()
	}
	err := d.bgErr
	if err == nil && !m.done {
		err = ErrClosed
	}
	d.mu.Unlock()
	return err
}

// GetProperty exposes internal state by name. Known properties:
//
//	gravel.num-files-at-level<N>
//	gravel.stats
//	gravel.sstables
//	gravel.approximate-memory-usage
//	gravel.num-snapshots
//	gravel.block-cache-stats
func (d *DB) GetProperty(name string) (string, bool) {
	const prefix = "gravel."
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	name = name[len(prefix):]

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return "", false
	}
	v := d.vs.Current()

	if s, ok := strings.CutPrefix(name, "num-files-at-level"); ok {
		level, err := strconv.Atoi(s)
		if err != nil || level < 0 || level >= manifest.NumLevels {
			return "", false
		}
		return strconv.Itoa(v.NumFiles(level)), true
	}

	switch name {
	case "stats":
		var sb strings.Builder
		sb.WriteString("level  tables  size(bytes)\n")
		for level := 0; level < manifest.NumLevels; level++ {
			if v.NumFiles(level) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "%5d  %6d  %11d\n", level, v.NumFiles(level), v.LevelSize(level))
		}
		return sb.String(), true
	case "sstables":
		var sb strings.Builder
		for level := 0; level < manifest.NumLevels; level++ {
			for _, m := range v.Levels[level] {
				fmt.Fprintf(&sb, "L%d %06d.sst %d [%q .. %q]\n",
					level, m.FileNum, m.Size, m.Smallest.UserKey, m.Largest.UserKey)
			}
		}
		return sb.String(), true
	case "approximate-memory-usage":
		usage := d.mem.ApproxSize()
		if d.imm != nil {
			usage += d.imm.ApproxSize()
		}
		return strconv.FormatInt(usage, 10), true
	case "num-snapshots":
		return strconv.Itoa(d.snapshots.count()), true
	case "block-cache-stats":
		st := d.blockCache.GetStats()
		return fmt.Sprintf("hit=%d miss=%d set=%d evict=%d", st.Hit, st.Miss, st.Set, st.Evict), true
	}
	return "", false
}

// Close flushes nothing: unsynced writes live in the WAL and are recovered
// on the next Open. It stops background work and releases every file handle.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closing = true
	d.cond.Broadcast()
	d.mu.Unlock()

	<-d.workerDone

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	var err error
	if d.wal != nil {
		err = multierr.Append(err, d.wal.Sync())
		err = multierr.Append(err, d.wal.Close())
		d.wal = nil
	}
	err = multierr.Append(err, d.vs.Close())
	err = multierr.Append(err, d.tables.Close())
	d.logger.Info("store closed")
	return err
}
