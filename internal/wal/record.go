// Package wal implements the append-only, checksummed record log used both
// for the write-ahead log and for the manifest.
//
// A log file is a sequence of 32KiB physical blocks. A record never straddles
// a block header: if fewer than headerSize bytes remain in a block they are
// zero-padded and the record starts in the next block. Records larger than a
// block are split into First/Middle/Last fragments so a torn write corrupts
// at most the tail of the log.
//
// Fragment layout:
//
//	+--------------+------------+----------+------------------+
//	| checksum (4) | length (2) | type (1) | payload (length) |
//	+--------------+------------+----------+------------------+
package wal

type RecordType byte

// Type 0 is reserved so that zero-padding at the end of a block can never be
// mistaken for a fragment header.
const (
	FullType RecordType = iota + 1
	FirstType
	MiddleType
	LastType
)

const (
	// BlockSize Number of bytes in one physical log block.
	BlockSize = 32 * 1024

	headerSize = 4 + 2 + 1
)
