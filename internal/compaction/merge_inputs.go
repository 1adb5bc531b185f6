package compaction

import (
	"container/heap"

	"github.com/columnforge/ctable/internal/merge"
	"github.com/columnforge/ctable/internal/sstable"
	"github.com/columnforge/ctable/internal/token"
)

// RowGroup is every input reader's row for one PK, gathered in ascending
// PK order across the whole input set, ready for Controller.GetCompactedRow.
type RowGroup struct {
	PK      token.PK
	Sources []merge.RowSource
}

type rowCursor struct{ it *sstable.Iterator }

type rowHeap struct {
	p     token.Partitioner
	items []rowCursor
}

func (h rowHeap) Len() int { return len(h.items) }
func (h rowHeap) Less(i, j int) bool {
	pi, _ := h.items[i].it.Row()
	pj, _ := h.items[j].it.Row()
	return pi.Compare(pj, h.p) < 0
}
func (h rowHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *rowHeap) Push(x interface{}) { h.items = append(h.items, x.(rowCursor)) }
func (h *rowHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// MergeInputs k-way merges every reader's row stream by PK and calls emit
// once per distinct PK, in ascending PK order, with one RowSource per
// reader that held a row for it. Unlike manifest.Scanner (which assumes
// one already-disjoint level), this handles overlapping inputs — the
// shape an L0-plus-L1 compaction, or a validation scan over L0, actually
// has.
//
// Grounded on internal/merge.MergeRows's container/heap k-way walk,
// generalised one level up: that merges cells within a row, this merges
// whole rows across readers by PK before a row-level merge ever runs.
func MergeInputs(readers []*sstable.Reader, p token.Partitioner, emit func(RowGroup) error) error {
	h := &rowHeap{p: p}

	push := func(it *sstable.Iterator) error {
		if it.Next() {
			heap.Push(h, rowCursor{it: it})
			return nil
		}
		return it.Err()
	}

	for _, r := range readers {
		it, err := r.NewIterator()
		if err != nil {
			return err
		}
		if err := push(it); err != nil {
			return err
		}
	}

	for h.Len() > 0 {
		top := heap.Pop(h).(rowCursor)
		pk, row := top.it.Row()
		group := RowGroup{PK: pk, Sources: []merge.RowSource{{Cells: row.Cells, Deletion: row.Deletion}}}

		if err := push(top.it); err != nil {
			return err
		}

		for h.Len() > 0 {
			npk, _ := h.items[0].it.Row()
			if npk.Compare(pk, p) != 0 {
				break
			}
			nc := heap.Pop(h).(rowCursor)
			_, nrow := nc.it.Row()
			group.Sources = append(group.Sources, merge.RowSource{Cells: nrow.Cells, Deletion: nrow.Deletion})
			if err := push(nc.it); err != nil {
				return err
			}
		}

		if err := emit(group); err != nil {
			return err
		}
	}
	return nil
}
