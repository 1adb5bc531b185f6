package vfs

import (
	"bytes"
	"os"
	"path"
	"sync"

	"github.com/columnforge/ctable/internal/storageerr"
)

// MemFS is an in-memory FS used by package tests that need an FS without
// touching disk. It implements the same interface the on-disk writer and
// reader use, so tests exercise the real component code.
type MemFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

// NewMemFS creates an empty in-memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte), dirs: map[string]bool{"": true}}
}

func (m *MemFS) Create(name string) (WritableFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = nil
	return &memWritableFile{fs: m, name: name}, nil
}

func (m *MemFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return nil, storageerr.WrapCause(storageerr.KindIORead, os.ErrNotExist, "memfs: open %s", name)
	}
	return &memRandomAccessFile{data: data}, nil
}

func (m *MemFS) Rename(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[oldname]
	if !ok {
		return os.ErrNotExist
	}
	m.files[newname] = data
	delete(m.files, oldname)
	return nil
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

func (m *MemFS) MkdirAll(dir string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[dir] = true
	return nil
}

func (m *MemFS) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok
}

func (m *MemFS) ListDir(dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.files {
		if path.Dir(name) == dir {
			names = append(names, path.Base(name))
		}
	}
	return names, nil
}

func (m *MemFS) SyncDir(dir string) error { return nil }

type memWritableFile struct {
	fs   *MemFS
	name string
	buf  bytes.Buffer
}

func (wf *memWritableFile) Write(p []byte) (int, error) {
	n, err := wf.buf.Write(p)
	wf.fs.mu.Lock()
	wf.fs.files[wf.name] = append([]byte(nil), wf.buf.Bytes()...)
	wf.fs.mu.Unlock()
	return n, err
}

func (wf *memWritableFile) Close() error { return nil }
func (wf *memWritableFile) Sync() error  { return nil }

func (wf *memWritableFile) Size() (int64, error) {
	return int64(wf.buf.Len()), nil
}

type memRandomAccessFile struct {
	data []byte
}

func (rf *memRandomAccessFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(rf.data)) {
		return 0, storageerr.Wrap(storageerr.KindIORead, "memfs: read past EOF")
	}
	n := copy(p, rf.data[off:])
	if n < len(p) {
		return n, storageerr.Wrap(storageerr.KindIORead, "memfs: short read")
	}
	return n, nil
}

func (rf *memRandomAccessFile) Close() error { return nil }
func (rf *memRandomAccessFile) Size() int64  { return int64(len(rf.data)) }
