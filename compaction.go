package gravel

import (
	"go.uber.org/zap"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/manifest"
	"github.com/datnguyenzzz/gravel/internal/memtable"
	"github.com/datnguyenzzz/gravel/internal/sstable"
)

func (d *DB) pickerOpts() manifest.PickerOpts {
	return manifest.PickerOpts{
		L0CompactionTrigger: d.opts.L0CompactionTrigger,
		LevelBaseSize:       d.opts.LevelBaseSize,
	}
}

func (d *DB) writerOpts() sstable.WriterOpts {
	bits := d.opts.FilterBitsPerKey
	if bits < 0 {
		bits = 0
	}
	return sstable.WriterOpts{
		Comparer:             d.cmp,
		BlockSize:            d.opts.BlockSize,
		BlockRestartInterval: d.opts.BlockRestartInterval,
		Compression:          d.opts.Compression.codec(),
		FilterBitsPerKey:     bits,
	}
}

// backgroundWorker is the single goroutine doing flushes and compactions.
// Flushes take priority: a sealed memtable blocks the write path sooner than
// an over-deep level does.
func (d *DB) backgroundWorker() {
	d.mu.Lock()
	defer func() {
		d.mu.Unlock()
		close(d.workerDone)
	}()

	for {
		switch {
		case d.closing:
			return
		case d.bgErr != nil:
			// Background state is poisoned; sit still until Close.
			d.cond.Wait()
		case d.imm != nil:
			d.flushImm()
		case d.manual != nil:
			c := d.pickManual(d.manual)
			if c == nil {
				d.manual.done = true
				d.manual = nil
				d.cond.Broadcast()
				continue
			}
			d.runAndInstall(c)
		default:
			c := d.vs.PickCompaction(d.pickerOpts())
			if c == nil {
				d.cond.Wait()
				continue
			}
			d.runAndInstall(c)
		}
	}
}

// flushImm writes the sealed memtable to a level-0 table. Caller holds mu.
func (d *DB) flushImm() {
	mem := d.imm
	walNum := d.walNum

	d.mu.Unlock()
	meta, err := d.buildTable(mem.NewIter())
	d.mu.Lock()

	if err == nil {
		edit := &manifest.VersionEdit{LogNum: walNum}
		if meta != nil {
			edit.NewTables = append(edit.NewTables, manifest.NewTableEntry{Level: 0, Meta: meta})
		}
		err = d.vs.LogAndApply(edit)
	}
	if err != nil {
		d.bgErr = err
		d.logger.Error("flush failed", zap.Error(err))
		if meta != nil {
			d.fs.Remove(base.MakeFilepath(d.dirname, base.FileTypeTable, meta.FileNum))
		}
		d.cond.Broadcast()
		return
	}

	d.imm = nil
	oldLog := d.immWalNum
	d.immWalNum = 0
	d.mu.Unlock()
	if oldLog != 0 {
		_ = d.fs.Remove(base.MakeFilepath(d.dirname, base.FileTypeLog, oldLog))
	}
	d.mu.Lock()
	d.metrics.flushes.Inc()
	if meta != nil {
		d.metrics.flushedBytes.Add(float64(meta.Size))
		d.logger.Info("memtable flushed",
			zap.Uint64("table", meta.FileNum),
			zap.Uint64("bytes", meta.Size))
	}
	d.cond.Broadcast()
	d.deleteObsoleteFiles()
}

// flushMemtableLocked writes a memtable straight to level 0 during Open,
// before the background worker exists.
func (d *DB) flushMemtableLocked(mem *memtable.Memtable) error {
	meta, err := d.buildTable(mem.NewIter())
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}
	return d.vs.LogAndApply(&manifest.VersionEdit{
		NewTables: []manifest.NewTableEntry{{Level: 0, Meta: meta}},
	})
}

// buildTable drains iter into one new table file. It returns nil meta when
// the iterator is empty.
func (d *DB) buildTable(iter base.InternalIterator) (*manifest.TableMeta, error) {
	defer iter.Close()

	kv := iter.First()
	if kv == nil {
		return nil, nil
	}

	d.mu.Lock()
	fileNum := d.vs.NewFileNum()
	d.mu.Unlock()

	f, err := d.fs.Create(base.MakeFilepath(d.dirname, base.FileTypeTable, fileNum))
	if err != nil {
		return nil, err
	}
	w := sstable.NewWriter(f, d.writerOpts())
	for ; kv != nil; kv = iter.Next() {
		if err := w.Add(kv.K, kv.V); err != nil {
			w.Abort()
			return nil, err
		}
	}
	smallest, largest := w.Smallest().Clone(), w.Largest().Clone()
	if err := w.Close(); err != nil {
		d.fs.Remove(base.MakeFilepath(d.dirname, base.FileTypeTable, fileNum))
		return nil, err
	}
	return &manifest.TableMeta{
		FileNum:  fileNum,
		Size:     w.EstimatedSize(),
		Smallest: smallest,
		Largest:  largest,
	}, nil
}

// pickManual turns the next slice of a manual compaction into work: the
// shallowest level still holding tables in the range, merged with its
// overlap one level down. Caller holds mu.
func (d *DB) pickManual(m *manualCompaction) *manifest.Compaction {
	v := d.vs.Current()
	cmp := d.cmp.Compare
	for level := 0; level < manifest.NumLevels-1; level++ {
		inputs := v.Overlaps(level, cmp, m.start, m.limit)
		if len(inputs) == 0 {
			continue
		}
		c := &manifest.Compaction{
			StartLevel:  level,
			OutputLevel: level + 1,
		}
		c.Inputs[0] = inputs
		c.Smallest, c.Largest = manifest.KeyRange(cmp, inputs)
		c.Inputs[1] = v.Overlaps(level+1, cmp, c.Smallest, c.Largest)
		if len(c.Inputs[1]) > 0 {
			s, l := manifest.KeyRange(cmp, c.Inputs[1])
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
	return nil
}

// runAndInstall executes one compaction and publishes its result. Caller
// holds mu.
func (d *DB) runAndInstall(c *manifest.Compaction) {
	defer c.Release()

	smallestSnapshot := d.snapshots.oldest(d.vs.LastSeq())

	d.mu.Unlock()
	outputs, err := d.runCompaction(c, smallestSnapshot)
	d.mu.Lock()

	if err == nil {
		edit := &manifest.VersionEdit{}
		for i := range c.Inputs {
			level := c.StartLevel
			if i == 1 {
				level = c.OutputLevel
			}
			for _, m := range c.Inputs[i] {
				edit.DeletedTables = append(edit.DeletedTables,
					manifest.DeletedTableEntry{Level: level, FileNum: m.FileNum})
			}
		}
		for _, m := range outputs {
			edit.NewTables = append(edit.NewTables,
				manifest.NewTableEntry{Level: c.OutputLevel, Meta: m})
		}
		err = d.vs.LogAndApply(edit)
	}
	if err != nil {
		d.bgErr = err
		d.logger.Error("compaction failed",
			zap.Int("start_level", c.StartLevel),
			zap.Error(err))
		for _, m := range outputs {
			d.fs.Remove(base.MakeFilepath(d.dirname, base.FileTypeTable, m.FileNum))
		}
		d.cond.Broadcast()
		return
	}

	if c.StartLevel > 0 {
		d.vs.UpdateCompactPointer(c.StartLevel, c.Largest)
	}
	d.metrics.compactions.Inc()
	d.metrics.compactedBytes.Add(float64(c.InputBytes()))
	d.logger.Info("compaction finished",
		zap.Int("start_level", c.StartLevel),
		zap.Int("output_level", c.OutputLevel),
		zap.Int("input_tables", len(c.Inputs[0])+len(c.Inputs[1])),
		zap.Int("output_tables", len(outputs)),
		zap.Uint64("input_bytes", c.InputBytes()))
	d.cond.Broadcast()
	d.deleteObsoleteFiles()
}

// runCompaction merges the inputs into fresh tables at the output level,
// dropping entries shadowed below the oldest live snapshot and tombstones
// with nothing left beneath them. Runs without mu.
func (d *DB) runCompaction(c *manifest.Compaction, smallestSnapshot base.SeqNum) (outputs []*manifest.TableMeta, err error) {
	iter, closeInputs, err := d.newCompactionIter(c)
	if err != nil {
		return nil, err
	}
	defer closeInputs()

	var (
		w           *sstable.Writer
		fileNum     uint64
		lastUkey    []byte
		haveUkey    bool
		lastSeqSeen base.SeqNum
	)
	finishOutput := func() error {
		if w == nil {
			return nil
		}
		smallest, largest := w.Smallest().Clone(), w.Largest().Clone()
		if err := w.Close(); err != nil {
			w = nil
			return err
		}
		outputs = append(outputs, &manifest.TableMeta{
			FileNum:  fileNum,
			Size:     w.EstimatedSize(),
			Smallest: smallest,
			Largest:  largest,
		})
		w = nil
		return nil
	}
	abort := func() {
		if w != nil {
			w.Abort()
			d.fs.Remove(base.MakeFilepath(d.dirname, base.FileTypeTable, fileNum))
		}
		for _, m := range outputs {
			d.fs.Remove(base.MakeFilepath(d.dirname, base.FileTypeTable, m.FileNum))
		}
	}

	for kv := iter.First(); kv != nil; kv = iter.Next() {
		ukey := kv.K.UserKey
		if !haveUkey || d.cmp.Compare(ukey, lastUkey) != 0 {
			lastUkey = append(lastUkey[:0], ukey...)
			haveUkey = true
			// Sentinel: no entry of this key has been kept yet.
			lastSeqSeen = base.MaxSeqNum
		}

		drop := false
		switch {
		case lastSeqSeen <= smallestSnapshot:
			// A newer entry of the same key is already visible to every
			// live snapshot; this one can never be read again.
			drop = true
		case kv.K.KeyKind() == base.KeyKindDelete &&
			kv.K.SeqNum() <= smallestSnapshot &&
			c.IsDeepestForRange(d.cmp.Compare, ukey, ukey):
			// The tombstone shadows nothing below the output level, so the
			// deletion itself can be forgotten.
			drop = true
		}
		lastSeqSeen = kv.K.SeqNum()
		if drop {
			continue
		}

		if w != nil && w.EstimatedSize() >= d.opts.MaxFileSize {
			if err := finishOutput(); err != nil {
				abort()
				return nil, err
			}
		}
		if w == nil {
			d.mu.Lock()
			fileNum = d.vs.NewFileNum()
			d.mu.Unlock()
			f, err := d.fs.Create(base.MakeFilepath(d.dirname, base.FileTypeTable, fileNum))
			if err != nil {
				abort()
				return nil, err
			}
			w = sstable.NewWriter(f, d.writerOpts())
		}
		if err := w.Add(kv.K, kv.V); err != nil {
			abort()
			return nil, err
		}
	}
	if err := iter.Close(); err != nil {
		abort()
		return nil, err
	}
	if err := finishOutput(); err != nil {
		abort()
		return nil, err
	}
	return outputs, nil
}

// newCompactionIter builds the merged input stream. Level-0 tables each
// contribute their own iterator; a deeper input level contributes one lazy
// concatenating iterator.
func (d *DB) newCompactionIter(c *manifest.Compaction) (base.InternalIterator, func(), error) {
	var (
		iters    []base.InternalIterator
		acquired []uint64
	)
	release := func() {
		for _, num := range acquired {
			d.tables.release(num)
		}
	}

	addTable := func(m *manifest.TableMeta) error {
		r, err := d.tables.acquire(m.FileNum)
		if err != nil {
			return err
		}
		acquired = append(acquired, m.FileNum)
		iters = append(iters, r.NewIter(d.opts.VerifyChecksums))
		return nil
	}

	if c.StartLevel == 0 {
		for _, m := range c.Inputs[0] {
			if err := addTable(m); err != nil {
				release()
				return nil, nil, err
			}
		}
	} else {
		iters = append(iters, newLevelIter(d.cmp, d.tables, c.Inputs[0], d.opts.VerifyChecksums))
	}
	if len(c.Inputs[1]) > 0 {
		iters = append(iters, newLevelIter(d.cmp, d.tables, c.Inputs[1], d.opts.VerifyChecksums))
	}

	return newMergingIter(d.cmp.Compare, iters...), release, nil
}

// deleteObsoleteFiles removes table files whose last Version died. Caller
// holds mu; file removal happens outside it.
func (d *DB) deleteObsoleteFiles() {
	nums := d.vs.PopObsolete()
	if len(nums) == 0 {
		return
	}
	d.mu.Unlock()
	for _, num := range nums {
		d.tables.evict(num)
		d.metrics.obsoleteDeletes.Inc()
		if err := d.fs.Remove(base.MakeFilepath(d.dirname, base.FileTypeTable, num)); err != nil {
			d.logger.Warn("failed to remove obsolete table",
				zap.Uint64("table", num), zap.Error(err))
		}
	}
	d.mu.Lock()
}
