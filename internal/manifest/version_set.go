package manifest

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/vfs"
	"github.com/datnguyenzzz/gravel/internal/wal"
)

// VersionSet owns the current Version and the MANIFEST log. All methods
// except LastSeq/SetLastSeq and the obsolete-file queue must be called with
// the store mutex held: there is a single mutator (the write/compaction
// path), while readers only capture-and-ref the current Version.
type VersionSet struct {
	dirname string
	fs      vfs.FS
	cmp     base.IComparer
	logger  *zap.Logger

	current     *Version
	manifest    *wal.Writer
	manifestNum uint64

	nextFileNum uint64
	logNum      uint64
	lastSeq     atomic.Uint64

	// compactPointer[level] remembers the largest user key compacted out of
	// the level, to rotate table picks round-robin. In-memory only: losing it
	// on restart only restarts the rotation.
	compactPointer [NumLevels][]byte

	obsoleteMu     sync.Mutex
	obsoleteTables []uint64
}

// Create initialises a brand-new store directory.
func Create(dirname string, fs vfs.FS, cmp base.IComparer, logger *zap.Logger) (*VersionSet, error) {
	vs := &VersionSet{
		dirname:     dirname,
		fs:          fs,
		cmp:         cmp,
		logger:      logger,
		nextFileNum: 1,
	}
	vs.installVersion(newVersion(vs.addObsolete))
	if err := vs.rotateManifest(); err != nil {
		return nil, err
	}
	return vs, nil
}

// Load recovers the newest Version from the CURRENT manifest, then starts a
// fresh manifest seeded with a snapshot edit so the old log can be dropped.
func Load(dirname string, fs vfs.FS, cmp base.IComparer, logger *zap.Logger) (*VersionSet, error) {
	vs := &VersionSet{
		dirname: dirname,
		fs:      fs,
		cmp:     cmp,
		logger:  logger,
	}

	manifestName, err := readCurrentFile(fs, dirname)
	if err != nil {
		return nil, err
	}
	if err := vs.replayManifest(manifestName); err != nil {
		return nil, err
	}
	if err := vs.rotateManifest(); err != nil {
		return nil, err
	}
	return vs, nil
}

func (vs *VersionSet) replayManifest(name string) error {
	f, err := vs.fs.Open(name)
	if err != nil {
		return fmt.Errorf("%w: manifest %s unreadable: %v", base.ErrCorruption, name, err)
	}
	defer f.Close()

	var (
		b           builder
		sawComparer bool
		nEdits      int
	)
	b.init(nil)

	r := wal.NewReader(f, true)
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("manifest %s: %w", name, err)
		}
		var edit VersionEdit
		if err := edit.Decode(rec); err != nil {
			return err
		}
		if edit.ComparerName != "" {
			sawComparer = true
			if edit.ComparerName != vs.cmp.Name() {
				return fmt.Errorf("%w: store created with comparer %q, opened with %q",
					base.ErrInvalidArgument, edit.ComparerName, vs.cmp.Name())
			}
		}
		if err := b.apply(&edit); err != nil {
			return err
		}
		if edit.NextFileNum != 0 {
			vs.nextFileNum = edit.NextFileNum
		}
		if edit.LastSeq != 0 {
			vs.lastSeq.Store(uint64(edit.LastSeq))
		}
		if edit.LogNum != 0 {
			vs.logNum = edit.LogNum
			vs.MarkFileNumUsed(edit.LogNum)
		}
		for _, n := range edit.NewTables {
			vs.MarkFileNumUsed(n.Meta.FileNum)
		}
		nEdits++
	}
	if nEdits == 0 || !sawComparer {
		return fmt.Errorf("%w: manifest %s holds no usable snapshot", base.ErrCorruption, name)
	}

	v, err := b.finish(vs.cmp.Compare, vs.addObsolete)
	if err != nil {
		return err
	}
	vs.installVersion(v)
	vs.logger.Info("manifest recovered",
		zap.String("manifest", name),
		zap.Int("edits", nEdits),
		zap.Uint64("next_file", vs.nextFileNum),
		zap.Uint64("last_seq", vs.lastSeq.Load()))
	return nil
}

// rotateManifest starts a new MANIFEST holding one snapshot edit of the
// current state and repoints CURRENT at it.
func (vs *VersionSet) rotateManifest() error {
	num := vs.NewFileNum()
	name := base.MakeFilepath(vs.dirname, base.FileTypeManifest, num)
	f, err := vs.fs.Create(name)
	if err != nil {
		return err
	}
	w := wal.NewWriter(f)

	snapshot := VersionEdit{
		ComparerName: vs.cmp.Name(),
		NextFileNum:  vs.nextFileNum,
		LastSeq:      base.SeqNum(vs.lastSeq.Load()),
		LogNum:       vs.logNum,
	}
	for level := range vs.current.Levels {
		for _, m := range vs.current.Levels[level] {
			snapshot.NewTables = append(snapshot.NewTables, NewTableEntry{Level: level, Meta: m})
		}
	}
	if err := w.AddRecord(snapshot.Encode()); err != nil {
		f.Abort()
		return err
	}
	if err := w.Sync(); err != nil {
		f.Abort()
		return err
	}
	if err := setCurrentFile(vs.fs, vs.dirname, num); err != nil {
		f.Abort()
		return err
	}

	if vs.manifest != nil {
		_ = vs.manifest.Close()
		vs.addObsoleteManifest(vs.manifestNum)
	}
	vs.manifest = w
	vs.manifestNum = num
	return nil
}

// LogAndApply makes edit durable in the manifest, then installs the Version
// it produces. If the append cannot be made durable the in-memory state is
// left untouched and the error is returned.
func (vs *VersionSet) LogAndApply(edit *VersionEdit) error {
	edit.NextFileNum = vs.nextFileNum
	edit.LastSeq = base.SeqNum(vs.lastSeq.Load())
	if edit.LogNum == 0 {
		edit.LogNum = vs.logNum
	}

	var b builder
	b.init(vs.current)
	if err := b.apply(edit); err != nil {
		return err
	}
	v, err := b.finish(vs.cmp.Compare, vs.addObsolete)
	if err != nil {
		return err
	}

	// The built version holds no references until installed; on failure it is
	// simply dropped and the caller owns cleanup of any files it wrote.
	if err := vs.manifest.AddRecord(edit.Encode()); err != nil {
		return err
	}
	if err := vs.manifest.Sync(); err != nil {
		return err
	}

	vs.logNum = edit.LogNum
	vs.installVersion(v)
	return nil
}

// installVersion swaps the current Version, transferring the set's own
// reference.
func (vs *VersionSet) installVersion(v *Version) {
	v.Ref()
	for level := range v.Levels {
		for _, m := range v.Levels[level] {
			m.ref()
		}
	}
	if vs.current != nil {
		vs.unrefVersion(vs.current)
	}
	vs.current = v
}

func (vs *VersionSet) unrefVersion(v *Version) {
	v.Unref()
}

// Current returns the live Version. Callers that use it beyond the store
// mutex must Ref it first.
func (vs *VersionSet) Current() *Version {
	return vs.current
}

// NewFileNum allocates the next file number.
func (vs *VersionSet) NewFileNum() uint64 {
	n := vs.nextFileNum
	vs.nextFileNum++
	return n
}

// MarkFileNumUsed raises the allocator above a number observed on disk.
func (vs *VersionSet) MarkFileNumUsed(n uint64) {
	if n >= vs.nextFileNum {
		vs.nextFileNum = n + 1
	}
}

// LogNum is the WAL whose writes are not yet flushed into tables.
func (vs *VersionSet) LogNum() uint64 {
	return vs.logNum
}

// ManifestNum is the file number of the manifest being appended to.
func (vs *VersionSet) ManifestNum() uint64 {
	return vs.manifestNum
}

func (vs *VersionSet) LastSeq() base.SeqNum {
	return base.SeqNum(vs.lastSeq.Load())
}

func (vs *VersionSet) SetLastSeq(s base.SeqNum) {
	vs.lastSeq.Store(uint64(s))
}

// UpdateCompactPointer records where the last compaction of level stopped.
func (vs *VersionSet) UpdateCompactPointer(level int, largestUkey []byte) {
	vs.compactPointer[level] = append([]byte(nil), largestUkey...)
}

// Live returns the file numbers of every table in the current Version.
func (vs *VersionSet) Live() map[uint64]bool {
	live := map[uint64]bool{}
	for level := range vs.current.Levels {
		for _, m := range vs.current.Levels[level] {
			live[m.FileNum] = true
		}
	}
	return live
}

func (vs *VersionSet) addObsolete(fileNums []uint64) {
	vs.obsoleteMu.Lock()
	vs.obsoleteTables = append(vs.obsoleteTables, fileNums...)
	vs.obsoleteMu.Unlock()
}

func (vs *VersionSet) addObsoleteManifest(num uint64) {
	// Old manifests carry no table data; remove eagerly.
	_ = vs.fs.Remove(base.MakeFilepath(vs.dirname, base.FileTypeManifest, num))
}

// PopObsolete drains the queue of table files whose last referencing Version
// died.
func (vs *VersionSet) PopObsolete() []uint64 {
	vs.obsoleteMu.Lock()
	defer vs.obsoleteMu.Unlock()
	out := vs.obsoleteTables
	vs.obsoleteTables = nil
	return out
}

func (vs *VersionSet) Close() error {
	var err error
	if vs.manifest != nil {
		err = vs.manifest.Close()
		vs.manifest = nil
	}
	if vs.current != nil {
		// Live tables are not obsolete just because the store is closing.
		vs.current.obsoleteFn = nil
		vs.unrefVersion(vs.current)
		vs.current = nil
	}
	return err
}

// builder accumulates edits into a prospective Version.
type builder struct {
	tables  [NumLevels]map[uint64]*TableMeta
	deleted [NumLevels]map[uint64]bool
}

func (b *builder) init(v *Version) {
	for level := range b.tables {
		b.tables[level] = map[uint64]*TableMeta{}
		b.deleted[level] = map[uint64]bool{}
	}
	if v == nil {
		return
	}
	for level := range v.Levels {
		for _, m := range v.Levels[level] {
			b.tables[level][m.FileNum] = m
		}
	}
}

func (b *builder) apply(edit *VersionEdit) error {
	for _, d := range edit.DeletedTables {
		if _, ok := b.tables[d.Level][d.FileNum]; !ok {
			return fmt.Errorf("%w: manifest edit deletes unknown table %06d at level %d",
				base.ErrCorruption, d.FileNum, d.Level)
		}
		delete(b.tables[d.Level], d.FileNum)
		b.deleted[d.Level][d.FileNum] = true
	}
	for _, n := range edit.NewTables {
		if _, ok := b.tables[n.Level][n.Meta.FileNum]; ok {
			return fmt.Errorf("%w: manifest edit adds duplicate table %06d at level %d",
				base.ErrCorruption, n.Meta.FileNum, n.Level)
		}
		b.tables[n.Level][n.Meta.FileNum] = n.Meta
	}
	return nil
}

func (b *builder) finish(cmp base.Compare, obsoleteFn func([]uint64)) (*Version, error) {
	v := newVersion(obsoleteFn)
	for level := range b.tables {
		tables := make([]*TableMeta, 0, len(b.tables[level]))
		for _, m := range b.tables[level] {
			tables = append(tables, m)
		}
		sortLevel(level, tables, cmp)
		v.Levels[level] = tables
	}
	if err := checkOrdering(v, cmp); err != nil {
		return nil, err
	}
	return v, nil
}

// -- CURRENT pointer file -- \\

const currentTmpName = "CURRENT.dbtmp"

func setCurrentFile(fs vfs.FS, dirname string, manifestNum uint64) error {
	tmp := dirname + "/" + currentTmpName
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(base.MakeFilename(base.FileTypeManifest, manifestNum) + "\n")); err != nil {
		f.Abort()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Abort()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(tmp, base.MakeFilepath(dirname, base.FileTypeCurrent, 0))
}

func readCurrentFile(fs vfs.FS, dirname string) (string, error) {
	f, err := fs.Open(base.MakeFilepath(dirname, base.FileTypeCurrent, 0))
	if err != nil {
		return "", fmt.Errorf("%w: CURRENT file unreadable: %v", base.ErrCorruption, err)
	}
	defer f.Close()
	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return "", err
	}
	name := strings.TrimSuffix(string(buf), "\n")
	ft, _, ok := base.ParseFilename(name)
	if !ok || ft != base.FileTypeManifest {
		return "", fmt.Errorf("%w: CURRENT names %q, not a manifest", base.ErrCorruption, name)
	}
	return dirname + "/" + name, nil
}
