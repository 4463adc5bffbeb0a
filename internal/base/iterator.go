package base

// InternalKV is one entry surfaced by an internal iterator.
type InternalKV struct {
	K InternalKey
	V []byte
}

// InternalIterator iterates over entries in internal-key order: user key
// ascending, then sequence number descending. Implementations return nil when
// positioned past either end; the returned InternalKV stays valid until the
// next positioning call.
//
// Exhausting all entries is not an error; Close surfaces any I/O or
// corruption error accumulated while stepping.
type InternalIterator interface {
	// SeekGTE moves the iterator to the first entry whose internal key >= key.
	SeekGTE(key InternalKey) *InternalKV

	// SeekLTE moves the iterator to the last entry whose internal key <= key.
	SeekLTE(key InternalKey) *InternalKV

	// First moves the iterator to the first entry.
	First() *InternalKV

	// Last moves the iterator to the last entry.
	Last() *InternalKV

	// Next moves the iterator to the next entry.
	Next() *InternalKV

	// Prev moves the iterator to the previous entry.
	Prev() *InternalKV

	// Close closes the iterator and returns any accumulated error.
	Close() error
}
