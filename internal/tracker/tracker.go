// Package tracker implements the data tracker and table lifecycle: an
// atomically swappable (memtable, flushing memtables, per-level SST
// readers) snapshot, with SST readers kept alive for exactly as long as
// some snapshot or in-flight reader references them.
//
// The snapshot swap follows a mutex-guarded current-pointer pattern:
// readers take a reference under the lock and release it when done, and
// each publish swaps in a wholly new Snapshot rather than mutating the
// old one in place. SST reader lifetime is managed with the same
// refcount-to-zero pattern internal/cache/lru_cache.go uses for cache
// entries, applied here to reader handles instead.
package tracker

import (
	"sync"

	"github.com/columnforge/ctable/internal/memtable"
)

// Snapshot is one immutable view of the store's state: the active
// memtable accepting writes, the memtables currently being flushed, and
// the per-level SST readers. Once published, a Snapshot's fields are
// never mutated; a new Snapshot replaces it wholesale.
type Snapshot struct {
	Memtable  *memtable.MemTable
	Flushing  []*memtable.MemTable
	Levels    [][]*sstableHandle
	NumLevels int
}

// Level returns the readers in level k, or nil if k is out of range.
func (s *Snapshot) Level(k int) []*sstableHandle {
	if k < 0 || k >= len(s.Levels) {
		return nil
	}
	return s.Levels[k]
}

// Tracker owns the current Snapshot pointer behind a mutex, publishing a
// new snapshot wholesale on every mutation, and tracks the baseline
// reference every live table holds so a table can be deleted from disk
// exactly once, exactly when no snapshot and no in-flight acquirer
// references it anymore.
type Tracker struct {
	mu       sync.Mutex
	current  *Snapshot
	obsolete map[*sstableHandle]bool
}

// New builds a Tracker with an initial, empty snapshot holding memtable
// as the sole active memtable and numLevels empty levels.
func New(initial *memtable.MemTable, numLevels int) *Tracker {
	snap := &Snapshot{
		Memtable:  initial,
		Levels:    make([][]*sstableHandle, numLevels),
		NumLevels: numLevels,
	}
	return &Tracker{current: snap, obsolete: make(map[*sstableHandle]bool)}
}

// Current returns the latest published snapshot without acquiring a
// reference on its tables; callers that intend to read table data must
// use Acquire/Release instead so tables can't be deleted out from under
// them mid-operation.
func (t *Tracker) Current() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Acquire returns the latest snapshot with every table's reference count
// incremented, pinning them alive for the caller's operation. The caller
// must call Release with the same snapshot when done. A reader that
// acquires once and holds the result is insulated from subsequent
// snapshot swaps: its view stays fixed for the duration of its operation.
func (t *Tracker) Acquire() *Snapshot {
	snap := t.Current()
	for _, lvl := range snap.Levels {
		for _, h := range lvl {
			h.ref()
		}
	}
	return snap
}

// Release drops the reference Acquire took on every table in snap,
// deleting from disk any table that has both reached a zero refcount and
// been marked obsolete (removed from the latest snapshot by a later
// mutator).
func (t *Tracker) Release(snap *Snapshot) {
	for _, lvl := range snap.Levels {
		for _, h := range lvl {
			t.unref(h)
		}
	}
}

// publish installs next as the current snapshot and releases the
// tracker's own baseline reference on every table that next does not
// carry forward from prev.
func (t *Tracker) publish(prev, next *Snapshot) {
	keep := make(map[*sstableHandle]bool)
	for _, lvl := range next.Levels {
		for _, h := range lvl {
			keep[h] = true
		}
	}

	t.mu.Lock()
	t.current = next
	t.mu.Unlock()

	for _, lvl := range prev.Levels {
		for _, h := range lvl {
			if !keep[h] {
				t.markObsoleteAndUnref(h)
			}
		}
	}
}

func (t *Tracker) markObsoleteAndUnref(h *sstableHandle) {
	t.mu.Lock()
	t.obsolete[h] = true
	t.mu.Unlock()
	t.unref(h)
}

func (t *Tracker) unref(h *sstableHandle) {
	if !h.unref() {
		return
	}
	t.mu.Lock()
	obsolete := t.obsolete[h]
	delete(t.obsolete, h)
	t.mu.Unlock()

	h.reader.Unref()
	if obsolete {
		h.reader.RemoveFiles()
	}
}
