package sstable

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/datnguyenzzz/gravel/internal/base"
)

// filterWriter accumulates the user keys of a table and renders them into one
// bloom filter block at finish time. A lookup consults the filter before
// touching any data block, turning a definite miss into zero block reads.
type filterWriter struct {
	bitsPerKey int
	keys       [][]byte
	lastKey    []byte
}

func newFilterWriter(bitsPerKey int) *filterWriter {
	return &filterWriter{bitsPerKey: bitsPerKey}
}

func (f *filterWriter) Add(ukey []byte) {
	// Consecutive versions of one user key only need one filter entry.
	if f.lastKey != nil && bytes.Equal(f.lastKey, ukey) {
		return
	}
	k := append([]byte(nil), ukey...)
	f.keys = append(f.keys, k)
	f.lastKey = k
}

func (f *filterWriter) Finish() ([]byte, error) {
	if len(f.keys) == 0 {
		return nil, nil
	}
	m := uint(len(f.keys) * f.bitsPerKey)
	k := uint(float64(f.bitsPerKey) * 69 / 100) // bitsPerKey * ln(2)
	if k < 1 {
		k = 1
	}
	bf := bloom.New(m, k)
	for _, key := range f.keys {
		bf.Add(key)
	}
	var buf bytes.Buffer
	if _, err := bf.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readFilter(block []byte) (*bloom.BloomFilter, error) {
	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bytes.NewReader(block)); err != nil {
		return nil, fmt.Errorf("%w: malformed filter block: %v", base.ErrCorruption, err)
	}
	return bf, nil
}
