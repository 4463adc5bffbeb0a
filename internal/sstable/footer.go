package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

type TableVersion uint32

const TableV1 TableVersion = 1

const (
	handleSlotLen = 2 * binary.MaxVarintLen64
	versionLen    = 4
	magicLen      = 8

	// footerLen = filter handle slot + index handle slot + version + magic.
	footerLen = 2*handleSlotLen + versionLen + magicLen
)

var tableMagic = []byte("grvltbl\x01")

// footer is the fixed-size tail of every table file, pointing at the filter
// block (zero handle when the table carries no filter) and the index block.
type footer struct {
	version  TableVersion
	filterBH BlockHandle
	indexBH  BlockHandle
}

func (f *footer) Serialise() []byte {
	buf := make([]byte, footerLen)
	f.filterBH.EncodeInto(buf[0:])
	f.indexBH.EncodeInto(buf[handleSlotLen:])
	binary.LittleEndian.PutUint32(buf[len(buf)-magicLen-versionLen:], uint32(f.version))
	copy(buf[len(buf)-magicLen:], tableMagic)
	return buf
}

func readFooter(r vfs.Readable) (footer, error) {
	var f footer
	size := r.Size()
	if size < footerLen {
		return f, fmt.Errorf("%w: table file of %d bytes is too short to hold a footer", base.ErrCorruption, size)
	}
	buf := make([]byte, footerLen)
	if _, err := r.ReadAt(buf, size-footerLen); err != nil {
		return f, err
	}
	if string(buf[len(buf)-magicLen:]) != string(tableMagic) {
		return f, fmt.Errorf("%w: bad table magic number", base.ErrCorruption)
	}
	f.version = TableVersion(binary.LittleEndian.Uint32(buf[len(buf)-magicLen-versionLen:]))
	if f.version != TableV1 {
		return f, fmt.Errorf("%w: unsupported table version %d", base.ErrCorruption, f.version)
	}
	var err error
	if f.filterBH, err = DecodeBlockHandle(buf[0:]); err != nil {
		return f, err
	}
	if f.indexBH, err = DecodeBlockHandle(buf[handleSlotLen:]); err != nil {
		return f, err
	}
	return f, nil
}
