package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datnguyenzzz/gravel/internal/base"
)

func newTestMemtable() *Memtable {
	return New(base.NewComparer().Compare)
}

func Test_getVisibility(t *testing.T) {
	m := newTestMemtable()
	m.Insert(1, base.KeyKindSet, []byte("a"), []byte("v1"))
	m.Insert(2, base.KeyKindSet, []byte("a"), []byte("v2"))
	m.Insert(3, base.KeyKindDelete, []byte("a"), nil)
	m.Insert(4, base.KeyKindSet, []byte("b"), []byte("w"))

	type param struct {
		testName string
		key      string
		seq      base.SeqNum
		want     string
		deleted  bool
		absent   bool
	}

	testCases := []param{
		{testName: "newest below tombstone", key: "a", seq: 2, want: "v2"},
		{testName: "oldest version", key: "a", seq: 1, want: "v1"},
		{testName: "tombstone wins at its seq", key: "a", seq: 3, deleted: true},
		{testName: "tombstone wins above", key: "a", seq: 100, deleted: true},
		{testName: "other key unaffected", key: "b", seq: 100, want: "w"},
		{testName: "unknown key is inconclusive", key: "zz", seq: 100, absent: true},
		{testName: "key not yet visible", key: "b", seq: 3, absent: true},
	}

	for _, tc := range testCases {
		t.Run(tc.testName, func(t *testing.T) {
			v, conclusive, err := m.Get([]byte(tc.key), tc.seq)
			if tc.absent {
				assert.False(t, conclusive)
				return
			}
			require.True(t, conclusive)
			if tc.deleted {
				assert.ErrorIs(t, err, base.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(v))
		})
	}
}

func Test_iterOrder(t *testing.T) {
	m := newTestMemtable()
	// Insert out of user-key order; iteration must come back sorted.
	m.Insert(1, base.KeyKindSet, []byte("mango"), []byte("1"))
	m.Insert(2, base.KeyKindSet, []byte("apple"), []byte("2"))
	m.Insert(3, base.KeyKindSet, []byte("peach"), []byte("3"))
	m.Insert(4, base.KeyKindSet, []byte("apple"), []byte("4"))

	it := m.NewIter()
	defer it.Close()

	var keys []string
	var seqs []base.SeqNum
	for kv := it.First(); kv != nil; kv = it.Next() {
		keys = append(keys, string(kv.K.UserKey))
		seqs = append(seqs, kv.K.SeqNum())
	}
	assert.Equal(t, []string{"apple", "apple", "mango", "peach"}, keys)
	// Newer version of the same user key sorts first.
	assert.Equal(t, []base.SeqNum{4, 2, 1, 3}, seqs)

	// Backward pass yields the exact reverse.
	var back []string
	for kv := it.Last(); kv != nil; kv = it.Prev() {
		back = append(back, fmt.Sprintf("%s@%d", kv.K.UserKey, kv.K.SeqNum()))
	}
	assert.Equal(t, []string{"peach@3", "mango@1", "apple@2", "apple@4"}, back)
}

func Test_seek(t *testing.T) {
	m := newTestMemtable()
	for i, k := range []string{"b", "d", "f"} {
		m.Insert(base.SeqNum(i+1), base.KeyKindSet, []byte(k), []byte(k))
	}
	it := m.NewIter()
	defer it.Close()

	kv := it.SeekGTE(base.MakeSearchKey([]byte("c"), base.MaxSeqNum))
	require.NotNil(t, kv)
	assert.Equal(t, "d", string(kv.K.UserKey))

	kv = it.SeekLTE(base.MakeKey([]byte("c"), 0, base.KeyKindDelete))
	require.NotNil(t, kv)
	assert.Equal(t, "b", string(kv.K.UserKey))

	assert.Nil(t, it.SeekGTE(base.MakeSearchKey([]byte("z"), base.MaxSeqNum)))
	assert.Nil(t, it.SeekLTE(base.MakeKey([]byte("1"), 0, base.KeyKindDelete)))
}

// Readers must make progress, and see a consistent view, while the single
// writer keeps appending.
func Test_concurrentReadDuringInsert(t *testing.T) {
	m := newTestMemtable()
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%06d", i))
			m.Insert(base.SeqNum(i+1), base.KeyKindSet, k, k)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pass := 0; pass < 20; pass++ {
				it := m.NewIter()
				prev := ""
				for kv := it.First(); kv != nil; kv = it.Next() {
					cur := string(kv.K.UserKey)
					require.Less(t, prev, cur)
					prev = cur
				}
				_ = it.Close()
			}
		}()
	}
	wg.Wait()

	v, conclusive, err := m.Get([]byte(fmt.Sprintf("key-%06d", n-1)), base.MaxSeqNum)
	require.True(t, conclusive)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("key-%06d", n-1), string(v))
}
