package manifest

import (
	"github.com/columnforge/ctable/internal/sstable"
	"github.com/columnforge/ctable/internal/token"
)

// readerTable adapts an *sstable.Reader to Table.
type readerTable struct{ r *sstable.Reader }

func (t readerTable) Generation() uint64 { return t.r.Descriptor().Generation }
func (t readerTable) MinToken() token.T  { return t.r.Stats().MinToken }
func (t readerTable) MaxToken() token.T  { return t.r.Stats().MaxToken }
func (t readerTable) SizeBytes() int64   { return t.r.SizeBytes() }

// NewReaderTable wraps an sstable.Reader as a Table for use with Manifest.
func NewReaderTable(r *sstable.Reader) Table { return readerTable{r: r} }

// ReaderOf returns the underlying *sstable.Reader for a Table built by
// NewReaderTable, or nil if t was built some other way (e.g. a test fake).
// Callers (the engine's compaction path) use this to read rows from the
// tables the manifest selected.
func ReaderOf(t Table) *sstable.Reader {
	if rt, ok := t.(readerTable); ok {
		return rt.r
	}
	return nil
}
