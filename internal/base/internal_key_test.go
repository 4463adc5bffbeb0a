package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_cloneIsIndependent(t *testing.T) {
	t.Parallel()

	buf := []byte("shared")
	// Clone straight off a returned value, the way table builders capture
	// their boundary keys.
	clone := MakeKey(buf, 7, KeyKindSet).Clone()

	buf[0] = 'X'
	assert.Equal(t, []byte("shared"), clone.UserKey)
	assert.Equal(t, SeqNum(7), clone.SeqNum())
	assert.Equal(t, KeyKindSet, clone.KeyKind())
}

func Test_trailerRoundTrip(t *testing.T) {
	t.Parallel()

	type param struct {
		testName string
		num      SeqNum
		kind     KeyKind
	}
	params := []param{
		{testName: "zero", num: 0, kind: KeyKindDelete},
		{testName: "small set", num: 42, kind: KeyKindSet},
		{testName: "max seqnum", num: MaxSeqNum, kind: KeyKindSet},
	}
	for _, p := range params {
		t.Run(p.testName, func(t *testing.T) {
			k := MakeKey([]byte("k"), p.num, p.kind)
			assert.Equal(t, p.num, k.SeqNum())
			assert.Equal(t, p.kind, k.KeyKind())

			got := DeserializeKey(k.Serialize(nil))
			require.NotNil(t, got)
			assert.Equal(t, k.Trailer, got.Trailer)
			assert.Equal(t, k.UserKey, got.UserKey)
		})
	}
}
