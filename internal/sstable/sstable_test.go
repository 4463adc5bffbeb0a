package sstable

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/cache"
	"github.com/datnguyenzzz/gravel/internal/sstable/compression"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

func testKey(i int) []byte   { return []byte(fmt.Sprintf("key-%05d", i)) }
func testValue(i int) []byte { return []byte(fmt.Sprintf("value-%05d", i)) }

// buildTable writes n ascending entries with a tiny block size so the table
// spans many blocks.
func buildTable(t *testing.T, fs vfs.FS, name string, n int, opts WriterOpts) {
	t.Helper()
	f, err := fs.Create(name)
	require.NoError(t, err)
	w := NewWriter(f, opts)
	for i := 0; i < n; i++ {
		key := base.MakeKey(testKey(i), base.SeqNum(i+1), base.KeyKindSet)
		require.NoError(t, w.Add(key, testValue(i)))
	}
	require.Equal(t, n, w.EntryCount())
	require.NoError(t, w.Close())
}

func openTable(t *testing.T, fs vfs.FS, name string, opts ReaderOpts) *Reader {
	t.Helper()
	f, err := fs.Open(name)
	require.NoError(t, err)
	r, err := NewReader(f, opts)
	require.NoError(t, err)
	return r
}

func Test_roundTrip(t *testing.T) {
	type param struct {
		testName    string
		n           int
		compression compression.Type
		bitsPerKey  int
		cache       *cache.Cache
	}

	testCases := []param{
		{testName: "uncompressed no filter", n: 500, compression: compression.None},
		{testName: "snappy with filter", n: 500, compression: compression.Snappy, bitsPerKey: 10},
		{testName: "snappy with cache", n: 500, compression: compression.Snappy, cache: cache.New(1 << 20)},
		{testName: "single block", n: 3, compression: compression.None},
	}

	for _, tc := range testCases {
		t.Run(tc.testName, func(t *testing.T) {
			fs := vfs.NewMemFS()
			buildTable(t, fs, "t/000007.sst", tc.n, WriterOpts{
				BlockSize:        256,
				Compression:      tc.compression,
				FilterBitsPerKey: tc.bitsPerKey,
			})
			r := openTable(t, fs, "t/000007.sst", ReaderOpts{Cache: tc.cache, FileNum: 7})
			defer r.Close()

			// Every input entry comes back via Get.
			for i := 0; i < tc.n; i++ {
				v, conclusive, err := r.Get(testKey(i), base.MaxSeqNum, false)
				require.True(t, conclusive, "key %d", i)
				require.NoError(t, err)
				assert.Equal(t, string(testValue(i)), string(v))
			}

			// Absent keys are inconclusive.
			_, conclusive, err := r.Get([]byte("zzz"), base.MaxSeqNum, false)
			require.NoError(t, err)
			assert.False(t, conclusive)

			// Forward scan yields all entries in order.
			it := r.NewIter(false)
			i := 0
			for kv := it.First(); kv != nil; kv = it.Next() {
				require.Equal(t, string(testKey(i)), string(kv.K.UserKey))
				require.Equal(t, string(testValue(i)), string(kv.V))
				i++
			}
			assert.Equal(t, tc.n, i)

			// Backward scan is the exact reverse.
			for kv := it.Last(); kv != nil; kv = it.Prev() {
				i--
				require.Equal(t, string(testKey(i)), string(kv.K.UserKey))
			}
			assert.Equal(t, 0, i)
			require.NoError(t, it.Close())
		})
	}
}

func Test_seek(t *testing.T) {
	fs := vfs.NewMemFS()
	// Even keys only, so odd probes land between entries.
	f, err := fs.Create("t/000001.sst")
	require.NoError(t, err)
	w := NewWriter(f, WriterOpts{BlockSize: 128})
	for i := 0; i < 100; i += 2 {
		require.NoError(t, w.Add(base.MakeKey(testKey(i), 1, base.KeyKindSet), testValue(i)))
	}
	require.NoError(t, w.Close())

	r := openTable(t, fs, "t/000001.sst", ReaderOpts{})
	defer r.Close()
	it := r.NewIter(false)
	defer it.Close()

	kv := it.SeekGTE(base.MakeSearchKey(testKey(11), base.MaxSeqNum))
	require.NotNil(t, kv)
	assert.Equal(t, string(testKey(12)), string(kv.K.UserKey))

	kv = it.SeekGTE(base.MakeSearchKey(testKey(12), base.MaxSeqNum))
	require.NotNil(t, kv)
	assert.Equal(t, string(testKey(12)), string(kv.K.UserKey))

	kv = it.SeekLTE(base.MakeKey(testKey(11), 0, base.KeyKindDelete))
	require.NotNil(t, kv)
	assert.Equal(t, string(testKey(10)), string(kv.K.UserKey))

	assert.Nil(t, it.SeekGTE(base.MakeSearchKey([]byte("zzz"), base.MaxSeqNum)))

	kv = it.SeekLTE(base.MakeKey([]byte("zzz"), 0, base.KeyKindDelete))
	require.NotNil(t, kv)
	assert.Equal(t, string(testKey(98)), string(kv.K.UserKey))
}

func Test_outOfOrderAddRejected(t *testing.T) {
	fs := vfs.NewMemFS()
	f, err := fs.Create("t/000001.sst")
	require.NoError(t, err)
	w := NewWriter(f, WriterOpts{})

	require.NoError(t, w.Add(base.MakeKey([]byte("b"), 5, base.KeyKindSet), []byte("x")))
	err = w.Add(base.MakeKey([]byte("a"), 6, base.KeyKindSet), []byte("y"))
	require.ErrorIs(t, err, base.ErrInvalidArgument)

	// Same user key with an older (or equal) sequence number is also a
	// violation: newer versions must come first is per-key descending, but the
	// builder consumes ascending internal keys, so a repeat seq is rejected.
	f2, err := fs.Create("t/000002.sst")
	require.NoError(t, err)
	w2 := NewWriter(f2, WriterOpts{})
	require.NoError(t, w2.Add(base.MakeKey([]byte("a"), 5, base.KeyKindSet), []byte("x")))
	err = w2.Add(base.MakeKey([]byte("a"), 5, base.KeyKindSet), []byte("y"))
	require.ErrorIs(t, err, base.ErrInvalidArgument)
}

func Test_tombstonesSurface(t *testing.T) {
	fs := vfs.NewMemFS()
	f, err := fs.Create("t/000001.sst")
	require.NoError(t, err)
	w := NewWriter(f, WriterOpts{})
	require.NoError(t, w.Add(base.MakeKey([]byte("a"), 9, base.KeyKindDelete), nil))
	require.NoError(t, w.Add(base.MakeKey([]byte("a"), 5, base.KeyKindSet), []byte("old")))
	require.NoError(t, w.Close())

	r := openTable(t, fs, "t/000001.sst", ReaderOpts{})
	defer r.Close()

	_, conclusive, err := r.Get([]byte("a"), base.MaxSeqNum, false)
	require.True(t, conclusive)
	assert.ErrorIs(t, err, base.ErrNotFound)

	// Below the tombstone's seq the old value is still visible.
	v, conclusive, err := r.Get([]byte("a"), 5, false)
	require.True(t, conclusive)
	require.NoError(t, err)
	assert.Equal(t, "old", string(v))
}

func Test_corruptBlockDetected(t *testing.T) {
	fs := vfs.NewMemFS()
	buildTable(t, fs, "t/000001.sst", 200, WriterOpts{BlockSize: 256})

	// Flip one byte inside the first data block.
	f, err := fs.Open("t/000001.sst")
	require.NoError(t, err)
	buf := make([]byte, f.Size())
	_, err = f.ReadAt(buf, 0)
	if err == io.EOF {
		err = nil
	}
	require.NoError(t, err)
	require.NoError(t, f.Close())
	buf[10] ^= 0xff
	wf, err := fs.Create("t/000001.sst")
	require.NoError(t, err)
	_, err = wf.Write(buf)
	require.NoError(t, err)
	require.NoError(t, wf.Close())

	r := openTable(t, fs, "t/000001.sst", ReaderOpts{VerifyChecksums: true})
	defer r.Close()
	_, _, err = r.Get(testKey(0), base.MaxSeqNum, true)
	require.ErrorIs(t, err, base.ErrCorruption)
}

func Test_bloomFilterSkipsMisses(t *testing.T) {
	fs := vfs.NewMemFS()
	c := cache.New(1 << 20)
	buildTable(t, fs, "t/000003.sst", 300, WriterOpts{BlockSize: 256, FilterBitsPerKey: 10})
	r := openTable(t, fs, "t/000003.sst", ReaderOpts{Cache: c, FileNum: 3})
	defer r.Close()

	before := c.GetStats()
	for i := 0; i < 100; i++ {
		_, conclusive, err := r.Get([]byte(fmt.Sprintf("absent-%03d", i)), base.MaxSeqNum, false)
		require.NoError(t, err)
		require.False(t, conclusive)
	}
	after := c.GetStats()
	// Nearly every absent probe must be answered by the filter without a
	// block fetch; allow a few false positives.
	assert.LessOrEqual(t, after.Miss-before.Miss, int64(5))
}
