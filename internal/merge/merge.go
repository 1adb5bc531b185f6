// Package merge implements the k-way cell merge and compacted-row
// materialisation used by both memtable flush and compaction.
//
// The merge itself is a container/heap-based k-way walk over per-source
// cursors, the same shape as a conventional winner-takes-all key/value
// merging iterator, but generalised to a per-clustering-name cell
// reduction via cell.Reduce plus row-level tombstone gathering via
// rangedel.Fragmenter, rather than picking a single winning value per key.
package merge

import (
	"container/heap"
	"crypto/sha256"

	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/rangedel"
	"github.com/columnforge/ctable/internal/token"
)

// IndexUpdater is the secondary-index maintenance hook consumed from an
// external collaborator during merge: invoked exactly once per clustering
// name that is replaced by a cell with a different value than the one it
// shadowed.
type IndexUpdater interface {
	Remove(name clustering.Key, old cell.Cell)
	Insert(name clustering.Key, updated cell.Cell)
}

// RowSource is one input to the k-way merge: a single row's cells, already
// ordered by the clustering comparator, as produced by a memtable
// iterator or an sstable reader scan.
type RowSource struct {
	Cells    []cell.Cell
	Deletion cell.RowDeletionInfo
}

// MergeRows merges k RowSources for the same PK into one reconciled row:
// equal-named cells are reduced pairwise via cell.Reduce as the k-way heap
// walk encounters them, row-level deletion markers are combined by taking
// the maximum MarkedForDeleteAt, and every source's range tombstones are
// gathered into one fragmenter.
//
// If updater is non-nil, it is invoked once per clustering name whose
// winning cell has a different Value than the cell it shadowed.
func MergeRows(pk token.PK, sources []RowSource, cmp clustering.Comparator, updater IndexUpdater) cell.Row {
	h := &cellHeap{cmp: cmp}
	for _, s := range sources {
		if len(s.Cells) > 0 {
			heap.Push(h, cellCursor{cells: s.Cells, pos: 0})
		}
	}

	fragmenter := rangedel.NewFragmenter(cmp)
	var deletion cell.RowDeletionInfo
	for _, s := range sources {
		if s.Deletion.MarkedForDeleteAt > deletion.MarkedForDeleteAt {
			deletion.MarkedForDeleteAt = s.Deletion.MarkedForDeleteAt
			deletion.LocalDeletionTime = s.Deletion.LocalDeletionTime
		}
		if s.Deletion.RangeTombstones != nil {
			for _, t := range s.Deletion.RangeTombstones.Fragments() {
				fragmenter.Add(t)
			}
		}
	}

	var out []cell.Cell
	for h.Len() > 0 {
		top := heap.Pop(h).(cellCursor)
		c := top.cells[top.pos]
		advance(h, top)

		for h.Len() > 0 && cmp.Compare(h.items[0].cells[h.items[0].pos].Name, c.Name) == 0 {
			next := heap.Pop(h).(cellCursor)
			nc := next.cells[next.pos]
			reduced := cell.Reduce(c, nc)
			ReportShadow(updater, c, nc, reduced)
			c = reduced
			advance(h, next)
		}

		out = append(out, c)
	}

	deletion.RangeTombstones = fragmenter.Finish()
	return cell.Row{PK: pk, Deletion: deletion, Cells: out}
}

// advance pushes cursor's next position back onto the heap, if any remain.
func advance(h *cellHeap, cursor cellCursor) {
	if cursor.pos+1 < len(cursor.cells) {
		cursor.pos++
		heap.Push(h, cursor)
	}
}

// ReportShadow tells updater which of a,b lost the reduction, if their
// value differs from the winner's — see IndexUpdater's doc comment. It's
// exported so callers that reduce cells outside of MergeRows (the
// memtable's single-source write-path merge, in particular) can still
// drive the same secondary-index maintenance hook.
func ReportShadow(updater IndexUpdater, a, b, reduced cell.Cell) {
	if updater == nil {
		return
	}
	shadowed := a
	if reduced.Kind == a.Kind && string(reduced.Value) == string(a.Value) {
		shadowed = b
	}
	if shadowed.Kind != cell.KindLive && shadowed.Kind != cell.KindExpiring {
		return
	}
	if string(shadowed.Value) == string(reduced.Value) {
		return
	}
	updater.Remove(shadowed.Name, shadowed)
	updater.Insert(reduced.Name, reduced)
}

// cellCursor walks one source's cell slice during the k-way merge.
type cellCursor struct {
	cells []cell.Cell
	pos   int
}

// cellHeap is a container/heap.Interface over the current head cell of
// each RowSource still being merged, ordered by clustering comparator.
type cellHeap struct {
	cmp   clustering.Comparator
	items []cellCursor
}

func (h cellHeap) Len() int { return len(h.items) }
func (h cellHeap) Less(i, j int) bool {
	return h.cmp.Compare(h.items[i].cells[h.items[i].pos].Name, h.items[j].cells[h.items[j].pos].Name) < 0
}
func (h cellHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *cellHeap) Push(x interface{}) {
	h.items = append(h.items, x.(cellCursor))
}
func (h *cellHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// Digest computes a SHA-256 digest over a row's reconciled cell stream,
// for cross-level validation-scan comparisons.
func Digest(row cell.Row) [32]byte {
	h := sha256.New()
	for _, c := range row.Cells {
		h.Write([]byte{byte(c.Kind)})
		for _, comp := range c.Name.Components {
			h.Write(comp)
		}
		h.Write(c.Value)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
