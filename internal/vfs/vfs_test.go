package vfs

import "testing"

func TestMemFSWriteReadRoundTrip(t *testing.T) {
	fs := NewMemFS()

	w, err := fs.Create("data.db")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := fs.OpenRandomAccess("data.db")
	if err != nil {
		t.Fatalf("OpenRandomAccess: %v", err)
	}
	defer r.Close()

	if r.Size() != 11 {
		t.Fatalf("Size = %d, want 11", r.Size())
	}

	buf := make([]byte, 5)
	if _, err := r.ReadAt(buf, 6); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("ReadAt = %q, want %q", buf, "world")
	}
}

func TestMemFSRenameAndRemove(t *testing.T) {
	fs := NewMemFS()
	w, _ := fs.Create("tmp.db")
	_, _ = w.Write([]byte("x"))
	_ = w.Close()

	if err := fs.Rename("tmp.db", "final.db"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if fs.Exists("tmp.db") {
		t.Error("tmp.db should no longer exist after rename")
	}
	if !fs.Exists("final.db") {
		t.Error("final.db should exist after rename")
	}

	if err := fs.Remove("final.db"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if fs.Exists("final.db") {
		t.Error("final.db should not exist after remove")
	}
}

func TestMemFSOpenMissingFileFails(t *testing.T) {
	fs := NewMemFS()
	if _, err := fs.OpenRandomAccess("missing.db"); err == nil {
		t.Error("expected error opening missing file")
	}
}
