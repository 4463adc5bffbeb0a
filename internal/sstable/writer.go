// Package sstable implements the immutable on-disk sorted table format:
// prefix-compressed data blocks with restart points, a sparse index block
// keyed by shortest separators, an optional bloom filter block and a
// fixed-size footer. Tables are either created for writing or opened for
// reading but never both.
package sstable

import (
	"fmt"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/sstable/compression"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

type WriterOpts struct {
	Comparer base.IComparer

	// BlockSize is the target uncompressed size in bytes of each data block.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys.
	BlockRestartInterval int

	Compression compression.Type

	// FilterBitsPerKey sizes the bloom filter block; 0 disables the filter.
	FilterBitsPerKey int
}

func (o *WriterOpts) EnsureDefaults() {
	if o.Comparer == nil {
		o.Comparer = base.NewComparer()
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4 * 1024
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
}

// Writer builds one table. Keys must be added in strictly increasing
// internal-key order; Close finalises filter, index and footer.
type Writer struct {
	w      vfs.Writable
	opts   WriterOpts
	codec  compression.ICompression
	filter *filterWriter

	dataBlock  *blockBuf
	indexBlock *blockBuf

	offset   uint64
	nEntries int

	// pending index entry for the last finished data block: the separator is
	// only computable once the first key of the next block (or EOF) is known.
	pendingHandle  BlockHandle
	pendingLastKey base.InternalKey
	hasPending     bool

	smallest base.InternalKey
	largest  base.InternalKey

	scratch []byte
	sepBuf  []byte
	err     error
}

func NewWriter(w vfs.Writable, opts WriterOpts) *Writer {
	opts.EnsureDefaults()
	codec, err := compression.ByType(opts.Compression)
	if err != nil {
		codec, _ = compression.ByType(compression.None)
	}
	sw := &Writer{
		w:          w,
		opts:       opts,
		codec:      codec,
		dataBlock:  newBlockBuf(opts.BlockRestartInterval),
		indexBlock: newBlockBuf(1),
	}
	if opts.FilterBitsPerKey > 0 {
		sw.filter = newFilterWriter(opts.FilterBitsPerKey)
	}
	return sw
}

// Add appends one entry. It is safe to modify key and value after Add returns.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if err := w.validateKey(key); err != nil {
		w.err = err
		return err
	}

	if w.hasPending {
		w.flushPendingIndexEntry(key.UserKey)
	}
	if w.nEntries == 0 {
		w.smallest = key.Clone()
	}
	w.largest = key.Clone()

	if w.filter != nil {
		w.filter.Add(key.UserKey)
	}
	w.dataBlock.WriteEntry(key, value)
	w.nEntries++

	if w.dataBlock.EstimateSize() >= w.opts.BlockSize {
		return w.finishDataBlock()
	}
	return nil
}

// validateKey ensure the key is added in the asc order.
func (w *Writer) validateKey(key base.InternalKey) error {
	var last *base.InternalKey
	if w.dataBlock.EntryCount() > 0 {
		last = w.dataBlock.CurKey()
	} else if w.hasPending {
		last = &w.pendingLastKey
	}
	if last == nil {
		return nil
	}
	if key.Compare(w.opts.Comparer.Compare, *last) <= 0 {
		return fmt.Errorf("%w: keys must be added in strictly increasing order", base.ErrInvalidArgument)
	}
	return nil
}

func (w *Writer) finishDataBlock() error {
	if w.dataBlock.EntryCount() == 0 {
		return nil
	}
	lastKey := w.dataBlock.CurKey().Clone()
	payload := w.dataBlock.Finish()
	bh, scratch, err := writePhysicalBlock(w.w, w.offset, payload, w.codec, w.scratch)
	w.scratch = scratch
	if err != nil {
		w.err = err
		return err
	}
	w.offset = bh.Offset + bh.Length + blockTrailerLen
	w.pendingHandle = bh
	w.pendingLastKey = lastKey
	w.hasPending = true
	return nil
}

// flushPendingIndexEntry emits the index row for the last finished block.
// nextUserKey is the first user key of the following block, or nil at EOF;
// the separator keeps index keys as short as the ordering allows.
func (w *Writer) flushPendingIndexEntry(nextUserKey []byte) {
	sep := w.pendingLastKey
	last := w.pendingLastKey.UserKey
	if nextUserKey != nil {
		w.sepBuf = w.opts.Comparer.Separator(w.sepBuf[:0], last, nextUserKey)
	} else {
		w.sepBuf = w.opts.Comparer.Successor(w.sepBuf[:0], last)
	}
	if w.opts.Comparer.Compare(w.sepBuf, last) > 0 {
		// The shortened user key already sorts after every entry of the
		// block, so any trailer keeps the index ordering intact.
		sep = base.MakeKey(append([]byte(nil), w.sepBuf...), base.MaxSeqNum, base.KeyKindSet)
	}
	w.indexBlock.WriteEntry(sep, w.pendingHandle.Encode())
	w.hasPending = false
}

// EstimatedSize reports the bytes the table would occupy if closed now. The
// compaction loop uses it to split output tables.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.EstimateSize())
}

// EntryCount reports the number of entries added so far.
func (w *Writer) EntryCount() int {
	return w.nEntries
}

// Smallest returns the smallest internal key added. Valid only after one Add.
func (w *Writer) Smallest() base.InternalKey { return w.smallest }

// Largest returns the largest internal key added. Valid only after one Add.
func (w *Writer) Largest() base.InternalKey { return w.largest }

// Close finalises the table: trailing data block, filter block, index block,
// footer, then syncs and closes the file.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	if err := w.finishDataBlock(); err != nil {
		return err
	}
	if w.hasPending {
		w.flushPendingIndexEntry(nil)
	}

	var f footer
	f.version = TableV1

	if w.filter != nil {
		block, err := w.filter.Finish()
		if err != nil {
			w.err = err
			return err
		}
		if block != nil {
			// The filter block is stored raw: it is read once per table open
			// and its bit layout does not compress.
			none, _ := compression.ByType(compression.None)
			bh, scratch, err := writePhysicalBlock(w.w, w.offset, block, none, w.scratch)
			w.scratch = scratch
			if err != nil {
				w.err = err
				return err
			}
			w.offset = bh.Offset + bh.Length + blockTrailerLen
			f.filterBH = bh
		}
	}

	indexPayload := w.indexBlock.Finish()
	bh, scratch, err := writePhysicalBlock(w.w, w.offset, indexPayload, w.codec, w.scratch)
	w.scratch = scratch
	if err != nil {
		w.err = err
		return err
	}
	w.offset = bh.Offset + bh.Length + blockTrailerLen
	f.indexBH = bh

	ser := f.Serialise()
	if _, err := w.w.Write(ser); err != nil {
		w.err = err
		return err
	}
	w.offset += uint64(len(ser))

	if err := w.w.Sync(); err != nil {
		w.err = err
		return err
	}
	if err := w.w.Close(); err != nil {
		w.err = err
		return err
	}
	w.err = base.ErrClosed
	return nil
}

// Abort abandons the half-written table, removing the underlying object.
func (w *Writer) Abort() {
	w.w.Abort()
	w.err = base.ErrClosed
}
