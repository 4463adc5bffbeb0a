package vfs

import (
	"errors"
	"io"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrFileIsClosed = errors.New("file is closed")
	ErrFileExists   = errors.New("file exists")
)

type Syncer interface {
	Sync() error
}

// Writable is the handle for a storage object that is open for writing.
// Objects are conceptually immutable once finished: the main use is sstables,
// WAL segments and the manifest, none of which are rewritten in place.
type Writable interface {
	// Write writes len(p) bytes from p to the underlying object. The data is
	// not guaranteed to be durable until Sync is called.
	io.Writer
	Syncer

	// Close completes the object. No further calls are allowed afterwards.
	Close() error

	// Abort gives up on finishing the object. There is no guarantee about
	// whether the object exists after calling Abort.
	// No further calls are allowed after calling Abort.
	Abort()
}

// Readable is the handle for a storage object that is open for reading.
type Readable interface {
	io.ReaderAt

	Size() int64
	Close() error
}

// FS abstracts the directory the store lives in, so that the engine can run
// against the real disk or fully in memory under test.
type FS interface {
	// Create creates a new object, truncating it if it already exists.
	Create(name string) (Writable, error)

	// Open opens an existing object read-only.
	Open(name string) (Readable, error)

	// Remove deletes the named object.
	Remove(name string) error

	// Rename atomically renames an object, replacing the target if present.
	Rename(oldname, newname string) error

	// List returns the base names of the objects in dir.
	List(dir string) ([]string, error)

	// MkdirAll creates dir and any missing parents.
	MkdirAll(dir string) error
}
