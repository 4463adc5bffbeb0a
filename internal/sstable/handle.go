package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/datnguyenzzz/gravel/internal/base"
)

// BlockHandle is the file offset and length of a block.
type BlockHandle struct {
	// Offset identifies the offset of the block within the file.
	Offset uint64
	// Length is the length of the block data (excludes the trailer).
	Length uint64
}

func (h BlockHandle) EncodeInto(buf []byte) int {
	n := binary.PutUvarint(buf, h.Offset)
	n += binary.PutUvarint(buf[n:], h.Length)
	return n
}

func (h BlockHandle) Encode() []byte {
	buf := make([]byte, 2*binary.MaxVarintLen64)
	return buf[:h.EncodeInto(buf)]
}

func DecodeBlockHandle(buf []byte) (BlockHandle, error) {
	offset, n := binary.Uvarint(buf)
	if n <= 0 {
		return BlockHandle{}, fmt.Errorf("%w: malformed block handle", base.ErrCorruption)
	}
	length, m := binary.Uvarint(buf[n:])
	if m <= 0 {
		return BlockHandle{}, fmt.Errorf("%w: malformed block handle", base.ErrCorruption)
	}
	return BlockHandle{Offset: offset, Length: length}, nil
}
