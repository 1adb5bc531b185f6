package tracker

import (
	"sync/atomic"

	"github.com/columnforge/ctable/internal/sstable"
)

// sstableHandle pairs a reader with the tracker-local refcount that
// decides when it becomes eligible for file deletion: distinct from
// (*sstable.Reader).refCount, which only governs when its file
// descriptors are closed. A table is constructed with count 1 (the
// baseline reference held simply by being part of a published snapshot);
// Acquire/Release add and remove additional references for the duration
// of one read.
type sstableHandle struct {
	reader *sstable.Reader
	count  int32
}

// newHandle wraps reader with a baseline reference of 1.
func newHandle(reader *sstable.Reader) *sstableHandle {
	return &sstableHandle{reader: reader, count: 1}
}

func (h *sstableHandle) ref() {
	atomic.AddInt32(&h.count, 1)
}

// unref decrements the handle's reference count, returning true exactly
// once, when the count reaches zero.
func (h *sstableHandle) unref() bool {
	return atomic.AddInt32(&h.count, -1) == 0
}

// Reader exposes the underlying reader for callers (e.g. the engine's
// GetRow path) that hold a handle via an acquired Snapshot.
func (h *sstableHandle) Reader() *sstable.Reader { return h.reader }
