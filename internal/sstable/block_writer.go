package sstable

import (
	"encoding/binary"

	"github.com/datnguyenzzz/gravel/internal/base"
)

// A blockBuf holds the buffer and all the state required to build one block.
// Both data and index blocks use the same row layout:
//
//	+-----------------+---------------------+--------------------+--------------+----------------+
//	| shared (varint) | not shared (varint) | value len (varint) | key (varlen) | value (varlen) |
//	+-----------------+---------------------+--------------------+--------------+----------------+
//
// followed by the restart trailer:
//
//	+-----------------+------+-----------------+------------------------------+
//	| restart point 1 | .... | restart point n | restart points len (4-bytes) |
//	+-----------------+------+-----------------+------------------------------+
//
// Keys are delta-encoded against the previous entry; every restartInterval
// entries a restart point stores the full key so seeks can binary-search the
// restart table.
type blockBuf struct {
	nEntries int
	// curKey represents the serialised value of the current internal key
	curKey []byte
	// prevKey represents the serialised value of the previous internal key
	prevKey []byte

	restartInterval int
	// Note: The first restart always at 0
	nextRestartEntry int
	restartOffset    []uint32

	buf []byte
}

func newBlockBuf(restartInterval int) *blockBuf {
	return &blockBuf{restartInterval: restartInterval}
}

func (d *blockBuf) EntryCount() int {
	return d.nEntries
}

func (d *blockBuf) CurKey() *base.InternalKey {
	return base.DeserializeKey(d.curKey)
}

// WriteEntry appends the key/value pair to the block buffer. Keys must arrive
// in strictly increasing internal-key order; the table writer validates that.
func (d *blockBuf) WriteEntry(key base.InternalKey, value []byte) {
	d.prevKey = append(d.prevKey[:0], d.curKey...)

	size := key.Size()
	if cap(d.curKey) < size {
		d.curKey = make([]byte, 0, 2*size) // reduce number of times that need to allocate
	}
	d.curKey = d.curKey[:size]
	key.SerializeTo(d.curKey)

	// 1. Compute shared prefix or restart point
	var shared int
	if d.nEntries == d.nextRestartEntry {
		d.nextRestartEntry = d.nEntries + d.restartInterval
		d.restartOffset = append(d.restartOffset, uint32(len(d.buf)))
	} else {
		n := min(len(d.curKey), len(d.prevKey))
		for shared < n && d.curKey[shared] == d.prevKey[shared] {
			shared++
		}
	}

	// 2. Append the entry
	var tmp [binary.MaxVarintLen32]byte
	d.buf = append(d.buf, tmp[:binary.PutUvarint(tmp[:], uint64(shared))]...)
	d.buf = append(d.buf, tmp[:binary.PutUvarint(tmp[:], uint64(len(d.curKey)-shared))]...)
	d.buf = append(d.buf, tmp[:binary.PutUvarint(tmp[:], uint64(len(value)))]...)
	d.buf = append(d.buf, d.curKey[shared:]...)
	d.buf = append(d.buf, value...)

	d.nEntries++
}

// EstimateSize reports the serialised size the block would have right now.
func (d *blockBuf) EstimateSize() int {
	// buffer + 4 bytes for each entry offset + reserved 4-byte space for the restarts len
	return len(d.buf) + 4*len(d.restartOffset) + 4
}

// Finish finalizes the block and returns the serialized data. The buffer is
// reset for reuse.
func (d *blockBuf) Finish() []byte {
	if d.EntryCount() == 0 {
		d.restartOffset = append(d.restartOffset[:0], 0)
	}

	var tmp [4]byte
	for _, restart := range d.restartOffset {
		binary.LittleEndian.PutUint32(tmp[:], restart)
		d.buf = append(d.buf, tmp[:]...)
	}
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(d.restartOffset)))
	d.buf = append(d.buf, tmp[:]...)

	res := d.buf

	d.cleanUpForReuse()
	return res
}

func (d *blockBuf) cleanUpForReuse() {
	d.nEntries = 0
	d.nextRestartEntry = 0
	d.restartOffset = d.restartOffset[:0]
	d.curKey = d.curKey[:0]
	d.prevKey = d.prevKey[:0]
	d.buf = nil
}
