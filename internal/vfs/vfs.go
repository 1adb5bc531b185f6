// Package vfs provides the filesystem abstraction the sstable and manifest
// components write through. The engine only needs the default OS-backed
// implementation; the interface exists so tests (through the in-memory
// MemFS) and other backends can substitute their own FS without touching
// the writer/reader code.
//
// The FS/WritableFile/RandomAccessFile split is trimmed to exactly the
// operations this engine's sstable writer, reader, and manifest TOC
// recovery actually use; direct-IO and fault-injection filesystem
// variants are left out since nothing here calls for them.
package vfs

import (
	"io"
	"os"
)

// FS is the filesystem interface consumed by internal/sstable and
// internal/manifest.
type FS interface {
	// Create creates a new writable file, truncating it if it already exists.
	Create(name string) (WritableFile, error)

	// OpenRandomAccess opens an existing file for random-access reads.
	OpenRandomAccess(name string) (RandomAccessFile, error)

	// Rename atomically renames a file.
	Rename(oldname, newname string) error

	// Remove deletes a file. Missing files are not an error.
	Remove(name string) error

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm os.FileMode) error

	// Exists reports whether name exists.
	Exists(name string) bool

	// ListDir lists the entries of a directory.
	ListDir(path string) ([]string, error)

	// SyncDir fsyncs a directory's metadata — required after a Rename so
	// the rename survives a crash, for descriptor/TOC recovery.
	SyncDir(path string) error
}

// WritableFile is a file a sstable component writer appends to.
type WritableFile interface {
	io.Writer
	io.Closer

	// Sync flushes file contents to stable storage.
	Sync() error

	// Size returns the current file size.
	Size() (int64, error)
}

// RandomAccessFile is a file a sstable reader seeks and reads at arbitrary
// offsets (Data/Index/Summary/Filter component reads).
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer

	// Size returns the file size.
	Size() int64
}

// osFS implements FS using the host operating system's filesystem.
type osFS struct{}

// Default returns the default OS-backed filesystem.
func Default() FS {
	return &osFS{}
}

func (osFS) Create(name string) (WritableFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return &osWritableFile{f: f}, nil
}

func (osFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &osRandomAccessFile{f: f, size: info.Size()}, nil
}

func (osFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (osFS) Remove(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (osFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (osFS) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

type osWritableFile struct {
	f *os.File
}

func (wf *osWritableFile) Write(p []byte) (int, error) { return wf.f.Write(p) }
func (wf *osWritableFile) Close() error                { return wf.f.Close() }
func (wf *osWritableFile) Sync() error                 { return wf.f.Sync() }

func (wf *osWritableFile) Size() (int64, error) {
	info, err := wf.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

type osRandomAccessFile struct {
	f    *os.File
	size int64
}

func (rf *osRandomAccessFile) ReadAt(p []byte, off int64) (int, error) { return rf.f.ReadAt(p, off) }
func (rf *osRandomAccessFile) Close() error                            { return rf.f.Close() }
func (rf *osRandomAccessFile) Size() int64                             { return rf.size }
