package merge

import (
	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/token"
)

// inMemoryCompactionLimitBytes is the default threshold separating a
// Precompacted row from a Lazy row (handed to the writer for two-pass
// consumption). Both variants are built from a row merged fully in memory.
const inMemoryCompactionLimitBytes = 64 << 20 // 64MiB, a conventional default write-buffer scale

// CompactedRow is the tagged variant produced by compaction's row
// materialisation step: either a fully merged in-memory row, or a cell
// source that a caller pulls from twice (once to measure, once to write).
// The Lazy source is backed by the fully merged cell slice, so it does not
// reduce the memory held for the row.
type CompactedRow struct {
	Precompacted *cell.Row
	Lazy         *LazyRow
}

// LazyRow hands out a merged row's cells one at a time from the slice it
// was built from: NextCell returns (cell, true, nil) until the stream is exhausted,
// at which point it returns (zero, false, nil). Reset rewinds the stream
// for the writer's second pass (index-building, then atom serialisation).
type LazyRow struct {
	deletion cell.RowDeletionInfo
	cells    []cell.Cell
	pos      int
}

// NewLazyRow wraps an already-merged cell stream for two-pass consumption:
// the writer measures it with Len/a first NextCell pass, Resets, then
// re-streams it to serialize atoms. It keeps a reference to the whole
// cells slice, so the full merged row stays in memory for both passes.
func NewLazyRow(cells []cell.Cell, deletion cell.RowDeletionInfo) *LazyRow {
	return &LazyRow{cells: cells, deletion: deletion}
}

// Reset rewinds the stream to its first cell.
func (l *LazyRow) Reset() { l.pos = 0 }

// Deletion returns the row's deletion info, available before and during
// streaming (needed by the writer to encode the row-deletion-info header
// ahead of the atom stream).
func (l *LazyRow) Deletion() cell.RowDeletionInfo { return l.deletion }

// Len returns the total cell count, for the writer's first (measuring)
// pass.
func (l *LazyRow) Len() int { return len(l.cells) }

// NextCell returns the next cell in clustering order, or ok=false once
// exhausted.
func (l *LazyRow) NextCell() (c cell.Cell, ok bool) {
	if l.pos >= len(l.cells) {
		return cell.Cell{}, false
	}
	c = l.cells[l.pos]
	l.pos++
	return c, true
}

// NewCompactedRow merges sources and wraps the result as Precompacted or
// Lazy depending on its estimated serialized size against
// inMemoryCompactionLimitBytes.
//
// purge and gcBefore implement the delete-preservation rule: when purge
// is true, cells whose LocalDeletionTime is before gcBefore are dropped
// entirely, and the row tombstone itself is
// cleared if its LocalDeletionTime is before gcBefore too. When purge is
// false, cells are stripped only if they are shadowed by the row's own
// live tombstone (the MIN_INT gate) — no tombstone is ever dropped in
// that path.
func NewCompactedRow(pk token.PK, sources []RowSource, cmp clustering.Comparator, updater IndexUpdater, purge bool, gcBefore int32) CompactedRow {
	merged := MergeRows(pk, sources, cmp, updater)
	merged = applyDeletePreservation(merged, purge, gcBefore)

	if estimatedSize(merged) <= inMemoryCompactionLimitBytes {
		row := merged
		return CompactedRow{Precompacted: &row}
	}
	return CompactedRow{Lazy: NewLazyRow(merged.Cells, merged.Deletion)}
}

// applyDeletePreservation strips cells per the delete-preservation rule
// described on NewCompactedRow.
func applyDeletePreservation(row cell.Row, purge bool, gcBefore int32) cell.Row {
	kept := row.Cells[:0]
	for _, c := range row.Cells {
		if purge {
			if (c.Kind == cell.KindDeleted || c.Kind == cell.KindExpiring) && c.LocalDeletionTime < gcBefore {
				continue
			}
		} else if row.Deletion.Deletes(c.Timestamp) {
			continue
		}
		kept = append(kept, c)
	}
	row.Cells = kept

	if purge && !row.Deletion.Live() && row.Deletion.LocalDeletionTime < gcBefore {
		row.Deletion = cell.RowDeletionInfo{RangeTombstones: row.Deletion.RangeTombstones}
	}
	return row
}

// estimatedSize approximates a merged row's serialized size for the
// Precompacted/Lazy size check, without fully encoding it.
func estimatedSize(row cell.Row) int {
	size := 16 // row-deletion-info header, approximate
	for _, c := range row.Cells {
		size += len(c.Value) + 32 // value bytes plus name/timestamp/kind overhead
		for _, comp := range c.Name.Components {
			size += len(comp)
		}
	}
	return size
}
