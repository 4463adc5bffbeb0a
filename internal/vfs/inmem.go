package vfs

import (
	"bytes"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MemFS is an in-memory FS used by tests. It is safe for concurrent use.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFile
	dirs  map[string]bool
}

type memFile struct {
	bytes.Buffer
	// opened for writing; reads snapshot the current content
	open bool
	fs   *MemFS
	name string
}

func NewMemFS() *MemFS {
	return &MemFS{
		files: map[string]*memFile{},
		dirs:  map[string]bool{},
	}
}

type memWriter struct {
	*memFile
}

func (m memWriter) Write(p []byte) (int, error) {
	m.fs.mu.Lock()
	defer m.fs.mu.Unlock()
	if !m.open {
		return 0, ErrFileIsClosed
	}
	return m.Buffer.Write(p)
}

func (m memWriter) Sync() error {
	// no op
	return nil
}

func (m memWriter) Close() error {
	m.fs.mu.Lock()
	defer m.fs.mu.Unlock()
	if !m.open {
		return ErrFileIsClosed
	}
	m.open = false
	return nil
}

func (m memWriter) Abort() {
	m.fs.mu.Lock()
	defer m.fs.mu.Unlock()
	m.open = false
	delete(m.fs.files, m.name)
}

type memReader struct {
	*bytes.Reader
}

func (mr memReader) Size() int64 {
	return int64(mr.Len())
}

func (mr memReader) Close() error {
	return nil
}

func (fs *MemFS) Create(name string) (Writable, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := &memFile{open: true, fs: fs, name: name}
	fs.files[name] = f
	return memWriter{f}, nil
}

func (fs *MemFS) Open(name string) (Readable, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[name]
	if !ok {
		return nil, ErrFileNotFound
	}
	// Snapshot the content so a concurrent writer cannot move it under the reader.
	data := append([]byte(nil), f.Bytes()...)
	return memReader{bytes.NewReader(data)}, nil
}

func (fs *MemFS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[name]; !ok {
		return ErrFileNotFound
	}
	delete(fs.files, name)
	return nil
}

func (fs *MemFS) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[oldname]
	if !ok {
		return ErrFileNotFound
	}
	delete(fs.files, oldname)
	f.name = newname
	fs.files[newname] = f
	return nil
}

func (fs *MemFS) List(dir string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var names []string
	for name := range fs.files {
		if strings.HasPrefix(name, prefix) {
			names = append(names, filepath.Base(name))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (fs *MemFS) MkdirAll(dir string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dirs[dir] = true
	return nil
}

// Truncate shortens a stored object to n bytes. Tests use it to simulate a
// crash that tore the tail off a log file.
func (fs *MemFS) Truncate(name string, n int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[name]
	if !ok {
		return ErrFileNotFound
	}
	if int64(f.Len()) > n {
		f.Buffer.Truncate(int(n))
	}
	return nil
}
