package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/datnguyenzzz/gravel/internal/base"
)

// blockIter walks the rows of one decoded block. Entries are delta-encoded,
// so the iterator materialises the full key as it steps; backwards movement
// replays forward from the nearest restart point.
type blockIter struct {
	cmp  base.Compare
	data []byte // entry region, excludes the restart trailer

	restarts    []byte // raw restart offset table
	numRestarts int

	// offset/nextOffset frame the current entry within data. offset ==
	// len(data) marks the exhausted state.
	offset     int
	nextOffset int
	key        []byte
	val        []byte
	kv         base.InternalKV
	seekBuf    []byte
	err        error
}

func newBlockIter(cmp base.Compare, block []byte) (*blockIter, error) {
	n := len(block)
	if n < 4 {
		return nil, fmt.Errorf("%w: block too short for a restart trailer", base.ErrCorruption)
	}
	numRestarts := int(binary.LittleEndian.Uint32(block[n-4:]))
	restartsOffset := n - 4 - 4*numRestarts
	if numRestarts < 1 || restartsOffset < 0 {
		return nil, fmt.Errorf("%w: bad restart count %d", base.ErrCorruption, numRestarts)
	}
	return &blockIter{
		cmp:         cmp,
		data:        block[:restartsOffset],
		restarts:    block[restartsOffset : n-4],
		numRestarts: numRestarts,
	}, nil
}

var _ base.InternalIterator = (*blockIter)(nil)

func (it *blockIter) restartOffset(i int) int {
	return int(binary.LittleEndian.Uint32(it.restarts[4*i:]))
}

// loadEntry decodes the entry starting at off into key/val.
func (it *blockIter) loadEntry(off int) bool {
	if it.err != nil {
		return false
	}
	if off >= len(it.data) {
		it.offset = len(it.data)
		return false
	}
	rest := it.data[off:]
	shared, n0 := binary.Uvarint(rest)
	nonShared, n1 := binary.Uvarint(rest[n0:])
	valLen, n2 := binary.Uvarint(rest[n0+n1:])
	hdr := n0 + n1 + n2
	if n0 <= 0 || n1 <= 0 || n2 <= 0 ||
		int(shared) > len(it.key) ||
		off+hdr+int(nonShared)+int(valLen) > len(it.data) {
		it.err = fmt.Errorf("%w: malformed block entry at offset %d", base.ErrCorruption, off)
		it.offset = len(it.data)
		return false
	}
	it.key = append(it.key[:shared], rest[hdr:hdr+int(nonShared)]...)
	it.val = rest[hdr+int(nonShared) : hdr+int(nonShared)+int(valLen)]
	it.offset = off
	it.nextOffset = off + hdr + int(nonShared) + int(valLen)
	return true
}

func (it *blockIter) yield() *base.InternalKV {
	if it.err != nil || it.offset >= len(it.data) {
		return nil
	}
	k := base.DeserializeKey(it.key)
	if k == nil {
		it.err = fmt.Errorf("%w: block entry key shorter than a trailer", base.ErrCorruption)
		return nil
	}
	it.kv.K = *k
	it.kv.V = it.val
	return &it.kv
}

func (it *blockIter) seekToRestart(i int) bool {
	it.key = it.key[:0]
	return it.loadEntry(it.restartOffset(i))
}

func (it *blockIter) First() *base.InternalKV {
	if !it.seekToRestart(0) {
		return nil
	}
	return it.yield()
}

func (it *blockIter) Last() *base.InternalKV {
	if !it.seekToRestart(it.numRestarts - 1) {
		return nil
	}
	for it.nextOffset < len(it.data) {
		if !it.loadEntry(it.nextOffset) {
			return nil
		}
	}
	return it.yield()
}

func (it *blockIter) Next() *base.InternalKV {
	if it.err != nil || it.offset >= len(it.data) {
		return nil
	}
	if !it.loadEntry(it.nextOffset) {
		return nil
	}
	return it.yield()
}

func (it *blockIter) Prev() *base.InternalKV {
	if it.err != nil || it.offset >= len(it.data) || it.offset == 0 {
		it.offset = len(it.data)
		return nil
	}
	target := it.offset
	// Largest restart that starts strictly before the current entry.
	ri := sort.Search(it.numRestarts, func(i int) bool {
		return it.restartOffset(i) >= target
	}) - 1
	if ri < 0 {
		it.offset = len(it.data)
		return nil
	}
	if !it.seekToRestart(ri) {
		return nil
	}
	for it.nextOffset < target {
		if !it.loadEntry(it.nextOffset) {
			return nil
		}
	}
	return it.yield()
}

func (it *blockIter) SeekGTE(key base.InternalKey) *base.InternalKV {
	it.seekBuf = key.Serialize(it.seekBuf[:0])

	// Binary-search the restart table for the last restart whose key <= target,
	// then scan forward.
	probe := blockIter{cmp: it.cmp, data: it.data, restarts: it.restarts, numRestarts: it.numRestarts}
	ri := sort.Search(it.numRestarts, func(i int) bool {
		if !probe.seekToRestart(i) {
			return true
		}
		return base.CompareSerialized(it.cmp, probe.key, it.seekBuf) > 0
	}) - 1
	if probe.err != nil {
		it.err = probe.err
		return nil
	}
	if ri < 0 {
		ri = 0
	}
	if !it.seekToRestart(ri) {
		return nil
	}
	for base.CompareSerialized(it.cmp, it.key, it.seekBuf) < 0 {
		if !it.loadEntry(it.nextOffset) {
			return nil
		}
	}
	return it.yield()
}

func (it *blockIter) SeekLTE(key base.InternalKey) *base.InternalKV {
	kv := it.SeekGTE(key)
	if it.err != nil {
		return nil
	}
	if kv == nil {
		return it.Last()
	}
	it.seekBuf = key.Serialize(it.seekBuf[:0])
	if base.CompareSerialized(it.cmp, it.key, it.seekBuf) > 0 {
		return it.Prev()
	}
	return kv
}

func (it *blockIter) Close() error {
	err := it.err
	it.data = nil
	return err
}
