package vfs

import (
	"os"
	"path/filepath"
)

// dirFS roots every relative path an FS operation receives at dir, so
// internal/sstable and internal/manifest — which construct component
// paths from a bare Descriptor base name — land inside the engine's
// configured table directory without themselves knowing about it.
type dirFS struct {
	FS
	dir string
}

// WithDir wraps fs so every path passed to it is first joined with dir.
func WithDir(fs FS, dir string) FS {
	return dirFS{FS: fs, dir: dir}
}

func (d dirFS) join(name string) string { return filepath.Join(d.dir, name) }

func (d dirFS) Create(name string) (WritableFile, error) { return d.FS.Create(d.join(name)) }

func (d dirFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	return d.FS.OpenRandomAccess(d.join(name))
}

func (d dirFS) Rename(oldname, newname string) error {
	return d.FS.Rename(d.join(oldname), d.join(newname))
}

func (d dirFS) Remove(name string) error { return d.FS.Remove(d.join(name)) }

func (d dirFS) MkdirAll(path string, perm os.FileMode) error {
	return d.FS.MkdirAll(d.join(path), perm)
}

func (d dirFS) Exists(name string) bool { return d.FS.Exists(d.join(name)) }

func (d dirFS) ListDir(path string) ([]string, error) { return d.FS.ListDir(d.join(path)) }

func (d dirFS) SyncDir(path string) error { return d.FS.SyncDir(d.join(path)) }
