package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/sstable/compression"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

// blockTrailerLen is the compression tag (1 byte) plus the CRC32 of the
// stored payload (4 bytes), appended to every physical block.
const blockTrailerLen = 5

// writePhysicalBlock compresses payload with codec, frames it with the
// trailer and appends it to w, returning the handle of the stored block.
func writePhysicalBlock(
	w vfs.Writable,
	offset uint64,
	payload []byte,
	codec compression.ICompression,
	scratch []byte,
) (BlockHandle, []byte, error) {
	stored := payload
	typ := codec.GetType()
	if typ != compression.None {
		scratch = codec.Compress(scratch[:0], payload)
		if len(scratch) < len(payload) {
			stored = scratch
		} else {
			// Incompressible block: store raw so reads skip the codec.
			typ = compression.None
		}
	}

	var trailer [blockTrailerLen]byte
	trailer[0] = byte(typ)
	binary.LittleEndian.PutUint32(trailer[1:], base.Checksum(stored, byte(typ)))

	if _, err := w.Write(stored); err != nil {
		return BlockHandle{}, scratch, err
	}
	if _, err := w.Write(trailer[:]); err != nil {
		return BlockHandle{}, scratch, err
	}
	return BlockHandle{Offset: offset, Length: uint64(len(stored))}, scratch, nil
}

// readPhysicalBlock fetches, optionally verifies, and decompresses the block
// at h.
func readPhysicalBlock(r vfs.Readable, h BlockHandle, verify bool) ([]byte, error) {
	raw := make([]byte, h.Length+blockTrailerLen)
	if _, err := r.ReadAt(raw, int64(h.Offset)); err != nil {
		return nil, err
	}
	stored := raw[:h.Length]
	typ := compression.Type(raw[h.Length])
	if verify {
		want := binary.LittleEndian.Uint32(raw[h.Length+1:])
		if got := base.Checksum(stored, byte(typ)); got != want {
			return nil, fmt.Errorf("%w: block checksum mismatch at offset %d (got %08x want %08x)",
				base.ErrCorruption, h.Offset, got, want)
		}
	}
	if typ == compression.None {
		return stored, nil
	}
	codec, err := compression.ByType(typ)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", base.ErrCorruption, err)
	}
	n, err := codec.DecompressedLen(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", base.ErrCorruption, err)
	}
	buf := make([]byte, n)
	if err := codec.Decompress(buf, stored); err != nil {
		return nil, fmt.Errorf("%w: %v", base.ErrCorruption, err)
	}
	return buf, nil
}
