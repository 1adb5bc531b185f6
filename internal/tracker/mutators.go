package tracker

import (
	"sort"

	"github.com/columnforge/ctable/internal/memtable"
	"github.com/columnforge/ctable/internal/sstable"
)

func cloneLevels(levels [][]*sstableHandle) [][]*sstableHandle {
	out := make([][]*sstableHandle, len(levels))
	for i, lvl := range levels {
		out[i] = append([]*sstableHandle(nil), lvl...)
	}
	return out
}

func insertOrdered(lvl []*sstableHandle, h *sstableHandle) []*sstableHandle {
	i := sort.Search(len(lvl), func(i int) bool {
		return lvl[i].reader.Stats().MinToken.Compare(h.reader.Stats().MinToken) >= 0
	})
	lvl = append(lvl, nil)
	copy(lvl[i+1:], lvl[i:])
	lvl[i] = h
	return lvl
}

// ReplaceFlushed implements the `replaceFlushed` mutator: the memtable
// that has finished flushing is removed from the flushing set, and its
// output SST, if any, is published into L0. An empty flush produces no
// output table, and nothing is published in that case.
func (t *Tracker) ReplaceFlushed(flushed *memtable.MemTable, output *sstable.Reader) {
	prev := t.Current()
	next := &Snapshot{
		Memtable:  prev.Memtable,
		Levels:    cloneLevels(prev.Levels),
		NumLevels: prev.NumLevels,
	}
	for _, mt := range prev.Flushing {
		if mt != flushed {
			next.Flushing = append(next.Flushing, mt)
		}
	}
	if output != nil {
		next.Levels[0] = append(append([]*sstableHandle(nil), next.Levels[0]...), newHandle(output))
	}
	t.publish(prev, next)
}

// BeginFlush implements the memtable-switch half of `apply`: the current
// active memtable is moved to the flushing set and replaced by a fresh
// one, atomically from every reader's point of view.
func (t *Tracker) BeginFlush(next *memtable.MemTable) *memtable.MemTable {
	prev := t.Current()
	flushing := prev.Memtable
	newSnap := &Snapshot{
		Memtable:  next,
		Flushing:  append(append([]*memtable.MemTable(nil), prev.Flushing...), flushing),
		Levels:    cloneLevels(prev.Levels),
		NumLevels: prev.NumLevels,
	}
	t.publish(prev, newSnap)
	return flushing
}

// ApplyCompaction implements `markCompactedSSTablesReplaced`: removes the
// compaction's input tables from wherever they live and inserts its
// output tables into outputLevel, preserving first-token order.
func (t *Tracker) ApplyCompaction(inputs []*sstable.Reader, outputs []*sstable.Reader, outputLevel int) {
	inSet := make(map[*sstable.Reader]bool, len(inputs))
	for _, r := range inputs {
		inSet[r] = true
	}

	prev := t.Current()
	levels := cloneLevels(prev.Levels)
	for k := range levels {
		filtered := levels[k][:0]
		for _, h := range levels[k] {
			if !inSet[h.reader] {
				filtered = append(filtered, h)
			}
		}
		levels[k] = filtered
	}
	for _, o := range outputs {
		levels[outputLevel] = insertOrdered(levels[outputLevel], newHandle(o))
	}

	next := &Snapshot{
		Memtable:  prev.Memtable,
		Flushing:  prev.Flushing,
		Levels:    levels,
		NumLevels: prev.NumLevels,
	}
	t.publish(prev, next)
}

// Seed installs readers into level k as baseline tables (refcount 1 each),
// preserving first-token order. Intended for startup recovery, before the
// tracker is exposed to concurrent readers or writers.
func (t *Tracker) Seed(k int, readers ...*sstable.Reader) {
	prev := t.Current()
	levels := cloneLevels(prev.Levels)
	for _, r := range readers {
		levels[k] = insertOrdered(levels[k], newHandle(r))
	}
	next := &Snapshot{
		Memtable:  prev.Memtable,
		Flushing:  prev.Flushing,
		Levels:    levels,
		NumLevels: prev.NumLevels,
	}
	t.publish(prev, next)
}

// Invalidate republishes the current snapshot unchanged, giving any
// collaborator that caches "the current snapshot pointer" (e.g. a row
// cache invalidation hook keyed on snapshot identity) a fresh identity to
// react to without any actual structural change.
func (t *Tracker) Invalidate() {
	prev := t.Current()
	next := &Snapshot{
		Memtable:  prev.Memtable,
		Flushing:  prev.Flushing,
		Levels:    cloneLevels(prev.Levels),
		NumLevels: prev.NumLevels,
	}
	t.publish(prev, next)
}
