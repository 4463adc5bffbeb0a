package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

func generateBytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func writeLog(t *testing.T, fs *vfs.MemFS, name string, records [][]byte) {
	t.Helper()
	f, err := fs.Create(name)
	require.NoError(t, err)
	w := NewWriter(f)
	for _, rec := range records {
		require.NoError(t, w.AddRecord(rec))
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
}

func readAll(t *testing.T, fs *vfs.MemFS, name string, strict bool) ([][]byte, error) {
	t.Helper()
	f, err := fs.Open(name)
	require.NoError(t, err)
	defer f.Close()
	r := NewReader(f, strict)
	var out [][]byte
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, append([]byte(nil), rec...))
	}
}

func Test_roundTrip(t *testing.T) {
	type param struct {
		testName string
		records  [][]byte
	}

	testCases := []param{
		{
			testName: "small records in one block",
			records:  [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")},
		},
		{
			testName: "empty record",
			records:  [][]byte{{}, []byte("after-empty")},
		},
		{
			testName: "record spanning two blocks",
			records:  [][]byte{generateBytes(BlockSize+100, 1)},
		},
		{
			testName: "record spanning three blocks",
			records:  [][]byte{generateBytes(2*BlockSize+5000, 3)},
		},
		{
			testName: "records forcing block tail padding",
			records: [][]byte{
				generateBytes(BlockSize-headerSize-3, 5), // leaves < headerSize in the block
				[]byte("next-block"),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.testName, func(t *testing.T) {
			fs := vfs.NewMemFS()
			writeLog(t, fs, "x/000001.log", tc.records)

			got, err := readAll(t, fs, "x/000001.log", false)
			require.NoError(t, err)
			require.Len(t, got, len(tc.records))
			for i := range tc.records {
				assert.True(t, bytes.Equal(tc.records[i], got[i]), "record %d mismatch", i)
			}
		})
	}
}

func Test_tornTailIsDiscarded(t *testing.T) {
	fs := vfs.NewMemFS()
	big := generateBytes(BlockSize*2, 7)
	writeLog(t, fs, "x/000001.log", [][]byte{[]byte("keep-1"), []byte("keep-2"), big})

	// Chop the log mid-way through the fragmented record.
	require.NoError(t, fs.Truncate("x/000001.log", int64(BlockSize+512)))

	got, err := readAll(t, fs, "x/000001.log", false)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("keep-1"), got[0])
	assert.Equal(t, []byte("keep-2"), got[1])
}

func Test_corruptRecord(t *testing.T) {
	fs := vfs.NewMemFS()
	writeLog(t, fs, "x/000001.log", [][]byte{[]byte("good"), []byte("to-be-flipped")})

	// Flip a payload byte of the second record.
	f, err := fs.Open("x/000001.log")
	require.NoError(t, err)
	size := f.Size()
	require.NoError(t, f.Close())
	require.NoError(t, corruptByte(fs, "x/000001.log", size-2))

	t.Run("relaxed mode truncates", func(t *testing.T) {
		got, err := readAll(t, fs, "x/000001.log", false)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []byte("good"), got[0])
	})

	t.Run("strict mode surfaces corruption", func(t *testing.T) {
		_, err := readAll(t, fs, "x/000001.log", true)
		require.ErrorIs(t, err, base.ErrCorruption)
	})
}

// corruptByte rewrites the object with one byte at off inverted.
func corruptByte(fs *vfs.MemFS, name string, off int64) error {
	f, err := fs.Open(name)
	if err != nil {
		return err
	}
	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return err
	}
	_ = f.Close()
	buf[off] ^= 0xff
	w, err := fs.Create(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return w.Close()
}
