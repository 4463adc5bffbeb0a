package gravel

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectForward(t *testing.T, it *Iterator) map[string]string {
	t.Helper()
	out := map[string]string{}
	for ok := it.First(); ok; ok = it.Next() {
		out[string(it.Key())] = string(it.Value())
	}
	return out
}

func Test_iterEmptyStore(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	it, err := db.NewIter(nil)
	require.NoError(t, err)
	defer it.Close()

	assert.False(t, it.Valid())
	assert.Nil(t, it.Key())
	assert.False(t, it.First())
	assert.False(t, it.Last())
	assert.False(t, it.SeekGTE([]byte("a")))
	assert.False(t, it.SeekLTE([]byte("z")))
}

func Test_iterOrder(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	const n = 100
	perm := rand.New(rand.NewSource(42)).Perm(n)
	for _, i := range perm {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("v%d", i)), nil))
	}

	it, err := db.NewIter(nil)
	require.NoError(t, err)
	defer it.Close()

	i := 0
	for ok := it.First(); ok; ok = it.Next() {
		assert.Equal(t, fmt.Sprintf("key-%03d", i), string(it.Key()))
		assert.Equal(t, fmt.Sprintf("v%d", i), string(it.Value()))
		i++
	}
	require.Equal(t, n, i)

	i = n - 1
	for ok := it.Last(); ok; ok = it.Prev() {
		assert.Equal(t, fmt.Sprintf("key-%03d", i), string(it.Key()))
		i--
	}
	require.Equal(t, -1, i)
}

func Test_iterHidesTombstonesAndShadowedVersions(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("stale"), nil))
	require.NoError(t, db.Put([]byte("a"), []byte("fresh"), nil))
	require.NoError(t, db.Put([]byte("b"), []byte("doomed"), nil))
	require.NoError(t, db.Delete([]byte("b"), nil))
	require.NoError(t, db.Put([]byte("c"), []byte("kept"), nil))
	require.NoError(t, db.Delete([]byte("d"), nil)) // tombstone for a key never written

	want := map[string]string{"a": "fresh", "c": "kept"}

	it, err := db.NewIter(nil)
	require.NoError(t, err)
	defer it.Close()
	assert.Equal(t, want, collectForward(t, it))

	got := map[string]string{}
	for ok := it.Last(); ok; ok = it.Prev() {
		got[string(it.Key())] = string(it.Value())
	}
	assert.Equal(t, want, got)
}

func Test_iterSeek(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	for _, k := range []string{"b", "d", "f"} {
		require.NoError(t, db.Put([]byte(k), []byte("v-"+k), nil))
	}
	require.NoError(t, db.Put([]byte("d"), []byte("v-d2"), nil))
	require.NoError(t, db.Put([]byte("e"), []byte("x"), nil))
	require.NoError(t, db.Delete([]byte("e"), nil))

	it, err := db.NewIter(nil)
	require.NoError(t, err)
	defer it.Close()

	type param struct {
		testName string
		seek     string
		gte      bool
		wantOK   bool
		wantKey  string
		wantVal  string
	}
	params := []param{
		{testName: "gte before all", seek: "a", gte: true, wantOK: true, wantKey: "b", wantVal: "v-b"},
		{testName: "gte exact", seek: "d", gte: true, wantOK: true, wantKey: "d", wantVal: "v-d2"},
		{testName: "gte between", seek: "c", gte: true, wantOK: true, wantKey: "d", wantVal: "v-d2"},
		{testName: "gte skips tombstone", seek: "e", gte: true, wantOK: true, wantKey: "f", wantVal: "v-f"},
		{testName: "gte past all", seek: "g", gte: true, wantOK: false},
		{testName: "lte after all", seek: "z", gte: false, wantOK: true, wantKey: "f", wantVal: "v-f"},
		{testName: "lte exact", seek: "d", gte: false, wantOK: true, wantKey: "d", wantVal: "v-d2"},
		{testName: "lte between", seek: "c", gte: false, wantOK: true, wantKey: "b", wantVal: "v-b"},
		{testName: "lte skips tombstone", seek: "e", gte: false, wantOK: true, wantKey: "d", wantVal: "v-d2"},
		{testName: "lte before all", seek: "a", gte: false, wantOK: false},
	}
	for _, p := range params {
		t.Run(p.testName, func(t *testing.T) {
			var ok bool
			if p.gte {
				ok = it.SeekGTE([]byte(p.seek))
			} else {
				ok = it.SeekLTE([]byte(p.seek))
			}
			require.Equal(t, p.wantOK, ok)
			if p.wantOK {
				assert.Equal(t, p.wantKey, string(it.Key()))
				assert.Equal(t, p.wantVal, string(it.Value()))
			} else {
				assert.False(t, it.Valid())
			}
		})
	}
}

func Test_iterDirectionChanges(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	// Several versions per key so the turns have history to step over.
	for round := 0; round < 3; round++ {
		for _, k := range []string{"a", "b", "c", "d"} {
			require.NoError(t, db.Put([]byte(k), []byte(fmt.Sprintf("%s%d", k, round)), nil))
		}
	}
	require.NoError(t, db.Delete([]byte("c"), nil))

	it, err := db.NewIter(nil)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.First())
	assert.Equal(t, "a", string(it.Key()))
	require.True(t, it.Next())
	assert.Equal(t, "b", string(it.Key()))
	assert.Equal(t, "b2", string(it.Value()))

	require.True(t, it.Prev())
	assert.Equal(t, "a", string(it.Key()))
	assert.Equal(t, "a2", string(it.Value()))

	require.True(t, it.Next())
	assert.Equal(t, "b", string(it.Key()))

	// c is a tombstone, so both directions jump straight over it.
	require.True(t, it.Next())
	assert.Equal(t, "d", string(it.Key()))
	require.True(t, it.Prev())
	assert.Equal(t, "b", string(it.Key()))

	require.True(t, it.Last())
	assert.Equal(t, "d", string(it.Key()))
	require.True(t, it.Prev())
	assert.Equal(t, "b", string(it.Key()))
	require.True(t, it.Next())
	assert.Equal(t, "d", string(it.Key()))
	assert.False(t, it.Next())

	require.True(t, it.SeekGTE([]byte("b")))
	require.True(t, it.Prev())
	assert.Equal(t, "a", string(it.Key()))
	assert.False(t, it.Prev())
}

func Test_iterSnapshotView(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("v1"), nil))
	require.NoError(t, db.Put([]byte("b"), []byte("v1"), nil))

	snap := db.GetSnapshot()
	defer snap.Release()

	require.NoError(t, db.Put([]byte("a"), []byte("v2"), nil))
	require.NoError(t, db.Delete([]byte("b"), nil))
	require.NoError(t, db.Put([]byte("c"), []byte("v2"), nil))

	it, err := snap.NewIter()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "v1", "b": "v1"}, collectForward(t, it))
	require.NoError(t, it.Close())

	it, err = db.NewIter(nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "v2", "c": "v2"}, collectForward(t, it))
	require.NoError(t, it.Close())

	snap.Release()
	_, err = snap.NewIter()
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func Test_iterIgnoresLaterWrites(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("v1"), nil))

	it, err := db.NewIter(nil)
	require.NoError(t, err)
	defer it.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("v2"), nil))
	require.NoError(t, db.Put([]byte("b"), []byte("v2"), nil))

	assert.Equal(t, map[string]string{"a": "v1"}, collectForward(t, it))
}

func Test_iterAcrossFlushAndCompaction(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, &Options{
		WriteBufferSize: 2 << 10,
		MaxFileSize:     1 << 10,
	})
	defer db.Close()

	const n = 300
	want := map[string]string{}
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		v := fmt.Sprintf("value-%04d-padpadpadpad", i)
		require.NoError(t, db.Put([]byte(k), []byte(v), nil))
		want[k] = v
	}
	// Rewrites and deletes land in the memtable while the originals sit in
	// tables, so the scan merges across every source.
	for i := 0; i < n; i += 5 {
		k := fmt.Sprintf("key-%04d", i)
		v := fmt.Sprintf("rewritten-%04d", i)
		require.NoError(t, db.Put([]byte(k), []byte(v), nil))
		want[k] = v
	}
	for i := 1; i < n; i += 5 {
		k := fmt.Sprintf("key-%04d", i)
		require.NoError(t, db.Delete([]byte(k), nil))
		delete(want, k)
	}

	it, err := db.NewIter(nil)
	require.NoError(t, err)
	assert.Equal(t, want, collectForward(t, it))
	require.NoError(t, it.Close())

	require.NoError(t, db.Compact(nil, nil))

	it, err = db.NewIter(nil)
	require.NoError(t, err)
	assert.Equal(t, want, collectForward(t, it))

	got := map[string]string{}
	for ok := it.Last(); ok; ok = it.Prev() {
		got[string(it.Key())] = string(it.Value())
	}
	assert.Equal(t, want, got)
	require.NoError(t, it.Close())
}

func Test_iterClose(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t, nil)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("v"), nil))

	it, err := db.NewIter(nil)
	require.NoError(t, err)
	require.True(t, it.First())
	require.NoError(t, it.Close())

	assert.False(t, it.Valid())
	assert.False(t, it.First())
	assert.Nil(t, it.Key())
	require.NoError(t, it.Close())
}
