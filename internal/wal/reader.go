package wal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

// Reader replays records from a log file sequentially.
//
// In relaxed mode (the WAL during crash recovery) the first corrupt or
// incomplete record marks the end of the durable prefix: ReadRecord returns
// io.EOF and the remainder of the file is discarded. In strict mode (manifest
// replay) the same condition returns base.ErrCorruption, which fails Open.
type Reader struct {
	r      vfs.Readable
	strict bool

	off     int64
	size    int64
	block   [BlockSize]byte
	blockN  int // valid bytes in block
	blockI  int // read cursor within block
	scratch []byte
	err     error
}

func NewReader(r vfs.Readable, strict bool) *Reader {
	return &Reader{r: r, strict: strict, size: r.Size()}
}

// ReadRecord returns the next complete record. The returned slice is only
// valid until the next call. io.EOF reports a clean end of the log.
func (r *Reader) ReadRecord() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.scratch = r.scratch[:0]
	inFragmentedRecord := false
	for {
		frag, t, err := r.nextFragment()
		if err != nil {
			if err == io.EOF && inFragmentedRecord {
				// The log ended mid-record: the record never became durable.
				return nil, r.fail("log ended inside a fragmented record")
			}
			r.err = err
			return nil, err
		}

		switch t {
		case FullType:
			if inFragmentedRecord {
				return nil, r.fail("FullType fragment inside a fragmented record")
			}
			return frag, nil
		case FirstType:
			if inFragmentedRecord {
				return nil, r.fail("FirstType fragment inside a fragmented record")
			}
			r.scratch = append(r.scratch, frag...)
			inFragmentedRecord = true
		case MiddleType:
			if !inFragmentedRecord {
				return nil, r.fail("orphan MiddleType fragment")
			}
			r.scratch = append(r.scratch, frag...)
		case LastType:
			if !inFragmentedRecord {
				return nil, r.fail("orphan LastType fragment")
			}
			r.scratch = append(r.scratch, frag...)
			return r.scratch, nil
		default:
			return nil, r.fail(fmt.Sprintf("unknown fragment type %d", t))
		}
	}
}

// fail converts a malformed tail into EOF or corruption depending on mode.
func (r *Reader) fail(reason string) error {
	if r.strict {
		r.err = fmt.Errorf("%w: log record: %s", base.ErrCorruption, reason)
	} else {
		r.err = io.EOF
	}
	return r.err
}

func (r *Reader) nextFragment() ([]byte, RecordType, error) {
	for {
		if r.blockN-r.blockI < headerSize {
			// Remainder of the block is padding; load the next one.
			if err := r.loadBlock(); err != nil {
				return nil, 0, err
			}
			continue
		}
		header := r.block[r.blockI : r.blockI+headerSize]
		checksum := binary.LittleEndian.Uint32(header[:4])
		length := int(binary.LittleEndian.Uint16(header[4:6]))
		t := RecordType(header[6])

		if t == 0 && length == 0 && checksum == 0 {
			// Zero padding written by the writer at a block tail.
			r.blockI = r.blockN
			continue
		}
		if r.blockI+headerSize+length > r.blockN {
			return nil, 0, r.fail("fragment length overruns block")
		}
		frag := r.block[r.blockI+headerSize : r.blockI+headerSize+length]
		if base.Checksum(frag, byte(t)) != checksum {
			return nil, 0, r.fail("fragment checksum mismatch")
		}
		r.blockI += headerSize + length
		return frag, t, nil
	}
}

func (r *Reader) loadBlock() error {
	if r.off >= r.size {
		return io.EOF
	}
	n, err := r.r.ReadAt(r.block[:min(int64(BlockSize), r.size-r.off)], r.off)
	if err != nil && err != io.EOF {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	r.off += int64(n)
	r.blockN = n
	r.blockI = 0
	return nil
}
