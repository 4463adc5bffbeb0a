package wal

import (
	"encoding/binary"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

// Writer appends records to a log file. It is not safe for concurrent use;
// the write path serialises writers before reaching it.
type Writer struct {
	w vfs.Writable

	// blockOffset is the write offset within the current physical block.
	blockOffset int
	tmp         [headerSize]byte
}

func NewWriter(w vfs.Writable) *Writer {
	return &Writer{w: w}
}

// AddRecord frames p into one or more fragments and appends them. The record
// is not durable until Sync returns.
func (w *Writer) AddRecord(p []byte) error {
	first := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < headerSize {
			// Zero-pad the tail of the block; readers skip it.
			if leftover > 0 {
				if _, err := w.w.Write(zeroes[:leftover]); err != nil {
					return err
				}
			}
			w.blockOffset = 0
			leftover = BlockSize
		}

		avail := leftover - headerSize
		frag := p
		if len(frag) > avail {
			frag = frag[:avail]
		}
		p = p[len(frag):]

		var t RecordType
		switch {
		case first && len(p) == 0:
			t = FullType
		case first:
			t = FirstType
		case len(p) == 0:
			t = LastType
		default:
			t = MiddleType
		}

		if err := w.emitFragment(t, frag); err != nil {
			return err
		}
		first = false
		if len(p) == 0 {
			return nil
		}
	}
}

func (w *Writer) emitFragment(t RecordType, frag []byte) error {
	binary.LittleEndian.PutUint32(w.tmp[:4], base.Checksum(frag, byte(t)))
	binary.LittleEndian.PutUint16(w.tmp[4:6], uint16(len(frag)))
	w.tmp[6] = byte(t)

	if _, err := w.w.Write(w.tmp[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(frag); err != nil {
		return err
	}
	w.blockOffset += headerSize + len(frag)
	return nil
}

// Sync forces the log down to stable storage.
func (w *Writer) Sync() error {
	return w.w.Sync()
}

func (w *Writer) Close() error {
	return w.w.Close()
}

var zeroes [headerSize]byte
