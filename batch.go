package gravel

import (
	"encoding/binary"
	"fmt"

	"github.com/datnguyenzzz/gravel/internal/base"
)

// batchHeaderLen is an 8-byte little-endian sequence number followed by a
// 4-byte little-endian entry count.
const batchHeaderLen = 12

// Batch collects mutations to be applied in one atomic, ordered write. The
// serialized form doubles as the write-ahead log record, so a batch either
// survives recovery whole or not at all.
//
// A Batch is not safe for concurrent use, and must not be modified while a
// Write call holds it.
type Batch struct {
	// data is the wire encoding: header, then per entry a kind byte, a
	// uvarint-length-prefixed key and, for sets, a uvarint-length-prefixed
	// value.
	data  []byte
	count uint32
}

func NewBatch() *Batch {
	return &Batch{}
}

// Put queues a set of key to value.
func (b *Batch) Put(key, value []byte) {
	b.appendEntry(base.KeyKindSet, key, value)
}

// Delete queues a deletion of key. Deleting an absent key is not an error.
func (b *Batch) Delete(key []byte) {
	b.appendEntry(base.KeyKindDelete, key, nil)
}

func (b *Batch) appendEntry(kind base.KeyKind, key, value []byte) {
	if len(b.data) == 0 {
		b.data = make([]byte, batchHeaderLen, batchHeaderLen+64)
	}
	b.data = append(b.data, byte(kind))
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	if kind == base.KeyKindSet {
		b.data = binary.AppendUvarint(b.data, uint64(len(value)))
		b.data = append(b.data, value...)
	}
	b.count++
}

// Count returns the number of queued entries.
func (b *Batch) Count() int {
	return int(b.count)
}

// Empty reports whether nothing is queued.
func (b *Batch) Empty() bool {
	return b.count == 0
}

// Len returns the serialized size in bytes.
func (b *Batch) Len() int {
	if len(b.data) == 0 {
		return batchHeaderLen
	}
	return len(b.data)
}

// Clear resets the batch for reuse, keeping its buffer.
func (b *Batch) Clear() {
	if len(b.data) > 0 {
		b.data = b.data[:batchHeaderLen]
	}
	b.count = 0
}

func (b *Batch) setSeq(seq base.SeqNum) {
	binary.LittleEndian.PutUint64(b.data[:8], uint64(seq))
	binary.LittleEndian.PutUint32(b.data[8:12], b.count)
}

func (b *Batch) seq() base.SeqNum {
	return base.SeqNum(binary.LittleEndian.Uint64(b.data[:8]))
}

// repr returns the serialized form, valid only for a non-empty batch.
func (b *Batch) repr() []byte {
	return b.data
}

// iterate replays the queued entries in insertion order. Each entry i is
// applied at sequence number seq+i.
func (b *Batch) iterate(fn func(kind base.KeyKind, ukey, value []byte) error) error {
	it := batchIter{data: b.data[batchHeaderLen:]}
	for n := uint32(0); n < b.count; n++ {
		kind, ukey, value, err := it.next()
		if err != nil {
			return err
		}
		if err := fn(kind, ukey, value); err != nil {
			return err
		}
	}
	if len(it.data) != 0 {
		return fmt.Errorf("%w: batch holds bytes beyond its declared count", base.ErrCorruption)
	}
	return nil
}

// decodeBatch wraps a serialized batch read back from the write-ahead log.
func decodeBatch(repr []byte) (*Batch, error) {
	if len(repr) < batchHeaderLen {
		return nil, fmt.Errorf("%w: batch record of %d bytes is shorter than its header", base.ErrCorruption, len(repr))
	}
	b := &Batch{
		data:  repr,
		count: binary.LittleEndian.Uint32(repr[8:12]),
	}
	return b, nil
}

type batchIter struct {
	data []byte
}

func (it *batchIter) next() (kind base.KeyKind, ukey, value []byte, err error) {
	if len(it.data) == 0 {
		return 0, nil, nil, fmt.Errorf("%w: batch ends before its declared count", base.ErrCorruption)
	}
	kind = base.KeyKind(it.data[0])
	if kind != base.KeyKindSet && kind != base.KeyKindDelete {
		return 0, nil, nil, fmt.Errorf("%w: unknown batch entry kind %d", base.ErrCorruption, kind)
	}
	it.data = it.data[1:]

	if ukey, err = it.readSlice(); err != nil {
		return 0, nil, nil, err
	}
	if kind == base.KeyKindSet {
		if value, err = it.readSlice(); err != nil {
			return 0, nil, nil, err
		}
	}
	return kind, ukey, value, nil
}

func (it *batchIter) readSlice() ([]byte, error) {
	n, sz := binary.Uvarint(it.data)
	if sz <= 0 || n > uint64(len(it.data)-sz) {
		return nil, fmt.Errorf("%w: truncated batch entry", base.ErrCorruption)
	}
	s := it.data[sz : sz+int(n)]
	it.data = it.data[sz+int(n):]
	return s, nil
}
