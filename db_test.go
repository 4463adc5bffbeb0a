package gravel

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

func newTestStore(t *testing.T, opts *Options) (*DB, *vfs.MemFS) {
	t.Helper()
	fs := vfs.NewMemFS()
	if opts == nil {
		opts = &Options{}
	}
	opts.FS = fs
	opts.CreateIfMissing = true
	db, err := Open("db", opts)
	require.NoError(t, err)
	return db, fs
}

func reopen(t *testing.T, fs *vfs.MemFS, opts *Options) *DB {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	opts.FS = fs
	db, err := Open("db", opts)
	require.NoError(t, err)
	return db
}

func Test_openSemantics(t *testing.T) {
	t.Parallel()

	fs := vfs.NewMemFS()

	_, err := Open("db", &Options{FS: fs})
	require.ErrorIs(t, err, ErrInvalidArgument, "opening a missing store without CreateIfMissing")

	db, err := Open("db", &Options{FS: fs, CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open("db", &Options{FS: fs, CreateIfMissing: true, ErrorIfExists: true})
	require.ErrorIs(t, err, ErrDBExists)

	db, err = Open("db", &Options{FS: fs})
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func Test_putGetDelete(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	_, err := db.Get([]byte("missing"), nil)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("fruit"), []byte("apple"), nil))
	got, err := db.Get([]byte("fruit"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("apple"), got)

	require.NoError(t, db.Put([]byte("fruit"), []byte("banana"), nil))
	got, err = db.Get([]byte("fruit"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("banana"), got, "newest write wins")

	require.NoError(t, db.Delete([]byte("fruit"), nil))
	_, err = db.Get([]byte("fruit"), nil)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Delete([]byte("never-existed"), nil))
}

func Test_batchWriteIsAtomic(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	require.NoError(t, db.Put([]byte("doomed"), []byte("x"), nil))

	b := NewBatch()
	b.Put([]byte("k1"), []byte("v1"))
	b.Delete([]byte("doomed"))
	b.Put([]byte("k2"), []byte("v2"))
	require.NoError(t, db.Write(b, Sync))

	for key, want := range map[string]string{"k1": "v1", "k2": "v2"} {
		got, err := db.Get([]byte(key), nil)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := db.Get([]byte("doomed"), nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_recoveryFromWAL(t *testing.T) {
	t.Parallel()

	db, fs := newTestStore(t, nil)
	require.NoError(t, db.Put([]byte("persisted"), []byte("yes"), Sync))
	require.NoError(t, db.Delete([]byte("persisted-then-deleted"), Sync))
	require.NoError(t, db.Close())

	db = reopen(t, fs, nil)
	defer db.Close()

	got, err := db.Get([]byte("persisted"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), got)

	// Sequence numbers keep climbing across restarts.
	require.NoError(t, db.Put([]byte("after-restart"), []byte("ok"), nil))
	got, err = db.Get([]byte("after-restart"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
}

// livingWAL returns the highest-numbered log file in the store directory.
func livingWAL(t *testing.T, fs *vfs.MemFS) string {
	t.Helper()
	names, err := fs.List("db")
	require.NoError(t, err)
	var best string
	var bestNum uint64
	for _, name := range names {
		if ft, num, ok := base.ParseFilename(name); ok && ft == base.FileTypeLog && num >= bestNum {
			best, bestNum = name, num
		}
	}
	require.NotEmpty(t, best)
	return base.MakeFilepath("db", base.FileTypeLog, bestNum)
}

func Test_tornWALTailIsDiscarded(t *testing.T) {
	t.Parallel()

	db, fs := newTestStore(t, nil)
	require.NoError(t, db.Put([]byte("first"), []byte("safe"), Sync))
	require.NoError(t, db.Put([]byte("second"), []byte("torn"), Sync))
	require.NoError(t, db.Close())

	name := livingWAL(t, fs)
	f, err := fs.Open(name)
	require.NoError(t, err)
	size := f.Size()
	require.NoError(t, f.Close())
	require.NoError(t, fs.Truncate(name, size-1))

	db = reopen(t, fs, nil)
	defer db.Close()

	got, err := db.Get([]byte("first"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("safe"), got)

	_, err = db.Get([]byte("second"), nil)
	require.ErrorIs(t, err, ErrNotFound, "the torn record must vanish whole")
}

func Test_tornWALTailStrictMode(t *testing.T) {
	t.Parallel()

	db, fs := newTestStore(t, nil)
	require.NoError(t, db.Put([]byte("k"), []byte("v"), Sync))
	require.NoError(t, db.Close())

	name := livingWAL(t, fs)
	f, err := fs.Open(name)
	require.NoError(t, err)
	size := f.Size()
	require.NoError(t, f.Close())
	require.NoError(t, fs.Truncate(name, size-1))

	_, err = Open("db", &Options{FS: fs, StrictWALRecovery: true})
	require.ErrorIs(t, err, ErrCorruption)
}

func Test_tornBatchVanishesWhole(t *testing.T) {
	t.Parallel()

	db, fs := newTestStore(t, nil)
	require.NoError(t, db.Put([]byte("anchor"), []byte("stays"), Sync))

	b := NewBatch()
	b.Put([]byte("x"), []byte("1"))
	b.Put([]byte("y"), []byte("2"))
	require.NoError(t, db.Write(b, Sync))
	require.NoError(t, db.Close())

	name := livingWAL(t, fs)
	f, err := fs.Open(name)
	require.NoError(t, err)
	size := f.Size()
	require.NoError(t, f.Close())
	require.NoError(t, fs.Truncate(name, size-1))

	db = reopen(t, fs, nil)
	defer db.Close()

	got, err := db.Get([]byte("anchor"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("stays"), got)

	// The batch is one log record: tearing it drops both entries, never one.
	_, err = db.Get([]byte("x"), nil)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = db.Get([]byte("y"), nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_flushAndCompaction(t *testing.T) {
	t.Parallel()

	db, fs := newTestStore(t, &Options{
		WriteBufferSize:     4 << 10,
		MaxFileSize:         2 << 10,
		LevelBaseSize:       8 << 10,
		L0CompactionTrigger: 2,
	})

	const n = 400
	value := func(i, gen int) []byte {
		return []byte(fmt.Sprintf("value-%04d-gen%d-padpadpadpadpadpad", i, gen))
	}
	for i := 0; i < n; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%04d", i)), value(i, 1), nil))
	}
	// Overwrite a stripe so shadowed versions exist across levels.
	for i := 0; i < n; i += 3 {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%04d", i)), value(i, 2), nil))
	}

	for i := 0; i < n; i++ {
		want := value(i, 1)
		if i%3 == 0 {
			want = value(i, 2)
		}
		got, err := db.Get([]byte(fmt.Sprintf("key-%04d", i)), nil)
		require.NoError(t, err, "key-%04d", i)
		assert.Equal(t, want, got, "key-%04d", i)
	}

	// Everything must survive a restart through tables plus WAL replay.
	require.NoError(t, db.Close())
	db = reopen(t, fs, nil)
	defer db.Close()
	for i := 0; i < n; i += 7 {
		want := value(i, 1)
		if i%3 == 0 {
			want = value(i, 2)
		}
		got, err := db.Get([]byte(fmt.Sprintf("key-%04d", i)), nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func Test_manualCompactReclaims(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, &Options{WriteBufferSize: 4 << 10})
	defer db.Close()

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("payload"), nil))
	}
	for i := 0; i < n; i += 2 {
		require.NoError(t, db.Delete([]byte(fmt.Sprintf("key-%03d", i)), nil))
	}

	require.NoError(t, db.Compact(nil, nil))

	prop, ok := db.GetProperty("gravel.num-files-at-level0")
	require.True(t, ok)
	assert.Equal(t, "0", prop, "compaction must drain level 0")

	for i := 0; i < n; i++ {
		got, err := db.Get([]byte(fmt.Sprintf("key-%03d", i)), nil)
		if i%2 == 0 {
			require.ErrorIs(t, err, ErrNotFound)
		} else {
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), got)
		}
	}
}

func Test_concurrentManualCompactions(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, &Options{WriteBufferSize: 1 << 10})
	defer db.Close()

	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("payload-padpadpad"), nil))
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for g := range errs {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			errs[g] = db.Compact(nil, nil)
		}(g)
	}
	wg.Wait()
	for g, err := range errs {
		require.NoError(t, err, "compaction %d", g)
	}

	prop, ok := db.GetProperty("gravel.num-files-at-level0")
	require.True(t, ok)
	assert.Equal(t, "0", prop)
	for i := 0; i < n; i++ {
		_, err := db.Get([]byte(fmt.Sprintf("key-%03d", i)), nil)
		require.NoError(t, err)
	}
}

func Test_snapshotIsolation(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v1"), nil))
	require.NoError(t, db.Put([]byte("gone"), []byte("soon"), nil))

	snap := db.GetSnapshot()
	defer snap.Release()

	require.NoError(t, db.Put([]byte("k"), []byte("v2"), nil))
	require.NoError(t, db.Delete([]byte("gone"), nil))
	require.NoError(t, db.Put([]byte("new"), []byte("later"), nil))

	got, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	got, err = snap.Get([]byte("gone"))
	require.NoError(t, err)
	assert.Equal(t, []byte("soon"), got)

	_, err = snap.Get([]byte("new"))
	require.ErrorIs(t, err, ErrNotFound)

	// The live view moved on.
	got, err = db.Get([]byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
	_, err = db.Get([]byte("gone"), nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_snapshotSurvivesCompaction(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("old"), nil))
	snap := db.GetSnapshot()
	defer snap.Release()
	require.NoError(t, db.Put([]byte("k"), []byte("new"), nil))

	require.NoError(t, db.Compact(nil, nil))

	got, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got, "live snapshot must keep the shadowed version alive")

	got, err = db.Get([]byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func Test_releasedSnapshotRejected(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	snap := db.GetSnapshot()
	snap.Release()
	snap.Release() // idempotent

	_, err := snap.Get([]byte("k"))
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = db.Get([]byte("k"), &ReadOptions{Snapshot: snap})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func Test_properties(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v"), nil))

	type param struct {
		testName string
		prop     string
		known    bool
	}
	params := []param{
		{testName: "level file count", prop: "gravel.num-files-at-level0", known: true},
		{testName: "deepest level", prop: "gravel.num-files-at-level6", known: true},
		{testName: "level out of range", prop: "gravel.num-files-at-level7", known: false},
		{testName: "stats", prop: "gravel.stats", known: true},
		{testName: "sstables", prop: "gravel.sstables", known: true},
		{testName: "memory usage", prop: "gravel.approximate-memory-usage", known: true},
		{testName: "snapshots", prop: "gravel.num-snapshots", known: true},
		{testName: "cache", prop: "gravel.block-cache-stats", known: true},
		{testName: "foreign prefix", prop: "rocksdb.stats", known: false},
		{testName: "unknown name", prop: "gravel.nope", known: false},
	}
	for _, p := range params {
		t.Run(p.testName, func(t *testing.T) {
			_, ok := db.GetProperty(p.prop)
			assert.Equal(t, p.known, ok)
		})
	}

	v, ok := db.GetProperty("gravel.approximate-memory-usage")
	require.True(t, ok)
	assert.NotEqual(t, "0", v, "one write must show up in memory usage")
}

func Test_operationsAfterClose(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	require.NoError(t, db.Put([]byte("k"), []byte("v"), nil))
	require.NoError(t, db.Close())

	_, err := db.Get([]byte("k"), nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.Put([]byte("k"), []byte("v"), nil), ErrClosed)
	_, err = db.NewIter(nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.Compact(nil, nil), ErrClosed)
	require.ErrorIs(t, db.Close(), ErrClosed)
}

func Test_concurrentReadersAndWriter(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, &Options{WriteBufferSize: 8 << 10})
	defer db.Close()

	const n = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			if err := db.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("v%d", i)), nil); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// Readers chase the writer; every key observed must carry its own value.
	for reader := 0; reader < 4; reader++ {
		for i := 0; i < n; i += 17 {
			key := fmt.Sprintf("key-%04d", i)
			got, err := db.Get([]byte(key), nil)
			if err == nil {
				assert.Equal(t, fmt.Sprintf("v%d", i), string(got), key)
			} else {
				require.ErrorIs(t, err, ErrNotFound)
			}
		}
	}
	<-done

	var keys []string
	it, err := db.NewIter(nil)
	require.NoError(t, err)
	for ok := it.First(); ok; ok = it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Close())
	require.Len(t, keys, n)
	assert.True(t, sort.StringsAreSorted(keys))
}
