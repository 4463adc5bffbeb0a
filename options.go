package gravel

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/datnguyenzzz/gravel/internal/base"
	"github.com/datnguyenzzz/gravel/internal/sstable/compression"
	"github.com/datnguyenzzz/gravel/internal/vfs"
)

// Compression names a block codec at the Options level, keeping the zero
// value free for "use the default".
type Compression int

const (
	DefaultCompression Compression = iota
	NoCompression
	SnappyCompression
	ZstdCompression
)

func (c Compression) codec() compression.Type {
	switch c {
	case NoCompression:
		return compression.None
	case ZstdCompression:
		return compression.Zstd
	default:
		return compression.Snappy
	}
}

// Options tunes an Open call. The zero value opens an existing store on the
// local filesystem with the defaults below.
type Options struct {
	// FS is the filesystem the store lives on. Defaults to the local disk;
	// tests swap in an in-memory one.
	FS vfs.FS

	// Comparer defines the key ordering. Its name is written into the store
	// on creation, and later opens must present a comparer with the same
	// name. Defaults to lexicographic byte order.
	Comparer base.IComparer

	Logger *zap.Logger

	// CreateIfMissing creates the store directory and initial files when no
	// store exists yet.
	CreateIfMissing bool
	// ErrorIfExists makes Open fail when a store already exists.
	ErrorIfExists bool

	// WriteBufferSize is the memtable size at which it is sealed and flushed
	// to a level-0 table. Default 4 MiB.
	WriteBufferSize int64

	// BlockSize is the uncompressed payload size at which a table block is
	// cut. Default 4 KiB.
	BlockSize int
	// BlockRestartInterval is the number of prefix-compressed rows between
	// restart points. Default 16.
	BlockRestartInterval int

	// CacheSize bounds the shared decompressed-block cache. Default 8 MiB.
	CacheSize int64

	// MaxOpenFiles bounds the number of table files kept open. Default 1000.
	MaxOpenFiles int

	// FilterBitsPerKey sizes the per-table bloom filter. The default is 10;
	// a negative value disables the filter.
	FilterBitsPerKey int

	// Compression selects the on-disk block codec. Default Snappy.
	Compression Compression

	// L0CompactionTrigger is the level-0 table count that makes level 0
	// eligible for compaction. Default 4.
	L0CompactionTrigger int
	// L0StopWritesTrigger is the level-0 table count at which writes stall
	// until compaction catches up. Default 12.
	L0StopWritesTrigger int

	// MaxFileSize caps each table written by a compaction. Default 2 MiB.
	MaxFileSize uint64
	// LevelBaseSize is the byte budget of level 1; every further level gets
	// ten times the budget of the previous one. Default 10 MiB.
	LevelBaseSize uint64

	// VerifyChecksums forces CRC verification on every block read, not just
	// on index and filter blocks.
	VerifyChecksums bool

	// StrictWALRecovery treats a torn tail in the write-ahead log as
	// corruption instead of a clean end of log.
	StrictWALRecovery bool

	// MetricsRegisterer, when set, receives the store's counters and gauges.
	MetricsRegisterer prometheus.Registerer
}

func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Comparer == nil {
		o.Comparer = base.NewComparer()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 4 << 20
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4 << 10
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 8 << 20
	}
	if o.MaxOpenFiles <= 0 {
		o.MaxOpenFiles = 1000
	}
	if o.FilterBitsPerKey == 0 {
		o.FilterBitsPerKey = 10
	}
	if o.Compression == DefaultCompression {
		o.Compression = SnappyCompression
	}
	if o.L0CompactionTrigger <= 0 {
		o.L0CompactionTrigger = 4
	}
	if o.L0StopWritesTrigger <= 0 {
		o.L0StopWritesTrigger = 12
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = 2 << 20
	}
	if o.LevelBaseSize == 0 {
		o.LevelBaseSize = 10 << 20
	}
	return o
}

// WriteOptions tunes one write call.
type WriteOptions struct {
	// Sync fsyncs the write-ahead log before the write is acknowledged. An
	// unsynced write can be lost on machine crash, but never out of order:
	// if a later write survives, so does every earlier one.
	Sync bool
}

// Sync is a convenience WriteOptions for durable writes.
var Sync = &WriteOptions{Sync: true}

// NoSync is a convenience WriteOptions for fast writes.
var NoSync = &WriteOptions{Sync: false}

// ReadOptions tunes one read call.
type ReadOptions struct {
	// Snapshot pins the read to a point in time captured by GetSnapshot.
	// Nil reads the live state.
	Snapshot *Snapshot

	// VerifyChecksums forces CRC verification on the blocks this read
	// touches.
	VerifyChecksums bool
}

// IterOptions tunes a NewIter call.
type IterOptions struct {
	Snapshot        *Snapshot
	VerifyChecksums bool
}
