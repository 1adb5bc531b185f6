package merge

import (
	"testing"

	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/token"
)

func col(s string) clustering.Key {
	return clustering.Name([]byte(s))
}

func TestMergeRowsResolvesNewerTimestampWins(t *testing.T) {
	cmp := clustering.BytewiseComparator{}
	pk := token.NewPK(token.DefaultPartitioner{}, []byte("pk"))

	sources := []RowSource{
		{Cells: []cell.Cell{cell.Live(col("a"), []byte("old"), 1), cell.Live(col("b"), []byte("b1"), 5)}},
		{Cells: []cell.Cell{cell.Live(col("a"), []byte("new"), 2)}},
	}

	merged := MergeRows(pk, sources, cmp, nil)
	if len(merged.Cells) != 2 {
		t.Fatalf("got %d cells, want 2", len(merged.Cells))
	}
	var gotA, gotB string
	for _, c := range merged.Cells {
		switch {
		case cmp.Compare(c.Name, col("a")) == 0:
			gotA = string(c.Value)
		case cmp.Compare(c.Name, col("b")) == 0:
			gotB = string(c.Value)
		}
	}
	if gotA != "new" {
		t.Errorf("column a = %q, want %q", gotA, "new")
	}
	if gotB != "b1" {
		t.Errorf("column b = %q, want %q", gotB, "b1")
	}
}

func TestMergeRowsDeletionTakesMax(t *testing.T) {
	cmp := clustering.BytewiseComparator{}
	pk := token.NewPK(token.DefaultPartitioner{}, []byte("pk"))

	sources := []RowSource{
		{Deletion: cell.RowDeletionInfo{MarkedForDeleteAt: 10, LocalDeletionTime: 100}},
		{Deletion: cell.RowDeletionInfo{MarkedForDeleteAt: 20, LocalDeletionTime: 200}},
	}
	merged := MergeRows(pk, sources, cmp, nil)
	if merged.Deletion.MarkedForDeleteAt != 20 {
		t.Errorf("MarkedForDeleteAt = %d, want 20", merged.Deletion.MarkedForDeleteAt)
	}
}

type recordingUpdater struct {
	removed, inserted int
}

func (u *recordingUpdater) Remove(clustering.Key, cell.Cell) { u.removed++ }
func (u *recordingUpdater) Insert(clustering.Key, cell.Cell) { u.inserted++ }

func TestMergeRowsNotifiesUpdaterOnValueChange(t *testing.T) {
	cmp := clustering.BytewiseComparator{}
	pk := token.NewPK(token.DefaultPartitioner{}, []byte("pk"))
	u := &recordingUpdater{}

	sources := []RowSource{
		{Cells: []cell.Cell{cell.Live(col("a"), []byte("v1"), 1)}},
		{Cells: []cell.Cell{cell.Live(col("a"), []byte("v2"), 2)}},
	}
	MergeRows(pk, sources, cmp, u)
	if u.removed != 1 || u.inserted != 1 {
		t.Errorf("got removed=%d inserted=%d, want 1 and 1", u.removed, u.inserted)
	}
}

func TestApplyDeletePreservationNonPurgeStripsOnlyShadowed(t *testing.T) {
	row := cell.Row{
		Deletion: cell.RowDeletionInfo{MarkedForDeleteAt: 50, LocalDeletionTime: 500},
		Cells: []cell.Cell{
			cell.Live(col("shadowed"), []byte("x"), 10),
			cell.Live(col("survives"), []byte("y"), 100),
		},
	}
	out := applyDeletePreservation(row, false, 0)
	if len(out.Cells) != 1 || string(out.Cells[0].Value) != "y" {
		t.Fatalf("expected only the unshadowed cell to survive, got %+v", out.Cells)
	}
	if out.Deletion.MarkedForDeleteAt != 50 {
		t.Errorf("row tombstone must survive a non-purging compaction")
	}
}

func TestApplyDeletePreservationPurgeDropsOldTombstones(t *testing.T) {
	row := cell.Row{
		Deletion: cell.RowDeletionInfo{MarkedForDeleteAt: 5, LocalDeletionTime: 100},
		Cells: []cell.Cell{
			cell.Deleted(col("c1"), 50, 1),
			cell.Deleted(col("c2"), 9999, 2),
		},
	}
	out := applyDeletePreservation(row, true, 1000)
	if len(out.Cells) != 1 || out.Cells[0].LocalDeletionTime != 9999 {
		t.Fatalf("expected only c2 (localDeletionTime >= gcBefore) to survive, got %+v", out.Cells)
	}
	if !out.Deletion.Live() {
		t.Errorf("row tombstone with localDeletionTime < gcBefore should be cleared on purge")
	}
}

func TestNewCompactedRowPicksPrecompactedForSmallRows(t *testing.T) {
	cmp := clustering.BytewiseComparator{}
	pk := token.NewPK(token.DefaultPartitioner{}, []byte("pk"))
	sources := []RowSource{{Cells: []cell.Cell{cell.Live(col("a"), []byte("v"), 1)}}}

	cr := NewCompactedRow(pk, sources, cmp, nil, false, 0)
	if cr.Precompacted == nil || cr.Lazy != nil {
		t.Fatalf("expected a Precompacted row for a small merge, got %+v", cr)
	}
}
