package vfs

import (
	"os"
)

type diskFS struct{}

// Default is the FS backed by the host filesystem.
var Default FS = diskFS{}

type diskWritable struct {
	f *os.File
}

func (w *diskWritable) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w *diskWritable) Sync() error                 { return w.f.Sync() }
func (w *diskWritable) Close() error                { return w.f.Close() }

func (w *diskWritable) Abort() {
	name := w.f.Name()
	_ = w.f.Close()
	_ = os.Remove(name)
}

type diskReadable struct {
	f    *os.File
	size int64
}

func (r *diskReadable) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r *diskReadable) Size() int64                             { return r.size }
func (r *diskReadable) Close() error                            { return r.f.Close() }

func (diskFS) Create(name string) (Writable, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &diskWritable{f: f}, nil
}

func (diskFS) Open(name string) (Readable, error) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &diskReadable{f: f, size: st.Size()}, nil
}

func (diskFS) Remove(name string) error {
	return os.Remove(name)
}

func (diskFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (diskFS) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (diskFS) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0755)
}
