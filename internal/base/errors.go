package base

import "errors"

// The error taxonomy of the engine. Callers classify with errors.Is; every
// failure surfaced by the store wraps exactly one of these.
var (
	// ErrNotFound reports an absent key. It is a valid result, not a failure.
	ErrNotFound = errors.New("gravel: not found")

	// ErrCorruption reports a checksum mismatch or a malformed record, block
	// or manifest entry.
	ErrCorruption = errors.New("gravel: corruption")

	// ErrInvalidArgument reports unusable options, for example a comparer
	// whose name differs from the one the store was created with.
	ErrInvalidArgument = errors.New("gravel: invalid argument")

	// ErrClosed reports an operation on a closed store, iterator or batch.
	ErrClosed = errors.New("gravel: closed")

	// ErrDBExists is returned by Open with ErrorIfExists set.
	ErrDBExists = errors.New("gravel: database already exists")
)
