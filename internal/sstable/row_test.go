package sstable

import (
	"testing"

	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/rangedel"
	"github.com/columnforge/ctable/internal/token"
)

func name(s string) clustering.Key {
	return clustering.Name([]byte(s))
}

func TestEncodeDecodeRowRoundTrip(t *testing.T) {
	cmp := clustering.BytewiseComparator{}

	fragmenter := rangedel.NewFragmenter(cmp)
	fragmenter.Add(rangedel.NewTombstone(name("a"), name("m"), 100, 1000))

	row := cell.Row{
		PK: token.NewPK(token.DefaultPartitioner{}, []byte("pk-1")),
		Deletion: cell.RowDeletionInfo{
			MarkedForDeleteAt: 0,
			LocalDeletionTime: 0,
			RangeTombstones:   fragmenter.Finish(),
		},
		Cells: []cell.Cell{
			cell.Live(name("col1"), []byte("value1"), 10),
			cell.Expiring(name("col2"), []byte("value2"), 20, 300, 12345),
			cell.Deleted(name("col3"), 54321, 30),
		},
	}

	enc := encodeRow(row, cmp, 64*1024)
	got, err := decodeRow(row.PK, enc.Body, cmp)
	if err != nil {
		t.Fatalf("decodeRow: %v", err)
	}

	if len(got.Cells) != len(row.Cells) {
		t.Fatalf("got %d cells, want %d", len(got.Cells), len(row.Cells))
	}
	for i, c := range got.Cells {
		want := row.Cells[i]
		if c.Kind != want.Kind {
			t.Errorf("cell %d: kind = %v, want %v", i, c.Kind, want.Kind)
		}
		if string(c.Value) != string(want.Value) {
			t.Errorf("cell %d: value = %q, want %q", i, c.Value, want.Value)
		}
		if c.Timestamp != want.Timestamp {
			t.Errorf("cell %d: timestamp = %d, want %d", i, c.Timestamp, want.Timestamp)
		}
	}

	if got.Deletion.RangeTombstones.Len() != 1 {
		t.Fatalf("got %d range tombstones, want 1", got.Deletion.RangeTombstones.Len())
	}
}

func TestEncodeRowPromotesIndexWhenOversized(t *testing.T) {
	cmp := clustering.BytewiseComparator{}

	var cells []cell.Cell
	bigValue := make([]byte, 2048)
	for i := 0; i < 64; i++ {
		cells = append(cells, cell.Live(name(string(rune('a'+i%26))+"-col"), bigValue, int64(i)))
	}
	row := cell.Row{
		PK:    token.NewPK(token.DefaultPartitioner{}, []byte("pk-big")),
		Cells: cells,
	}

	enc := encodeRow(row, cmp, 4096)
	if len(enc.PromotedIndex) < 2 {
		t.Fatalf("expected a promoted index with multiple entries for an oversized row, got %d", len(enc.PromotedIndex))
	}

	got, err := decodeRow(row.PK, enc.Body[:enc.PromotedAt], cmp)
	if err != nil {
		t.Fatalf("decodeRow: %v", err)
	}
	if len(got.Cells) != len(row.Cells) {
		t.Fatalf("got %d cells, want %d", len(got.Cells), len(row.Cells))
	}
}

func TestDecodeRowNamedOnSmallRowMatchesFullDecode(t *testing.T) {
	cmp := clustering.BytewiseComparator{}
	row := cell.Row{
		PK: token.NewPK(token.DefaultPartitioner{}, []byte("pk-1")),
		Cells: []cell.Cell{
			cell.Live(name("col1"), []byte("value1"), 10),
			cell.Expiring(name("col2"), []byte("value2"), 20, 300, 12345),
			cell.Deleted(name("col3"), 54321, 30),
		},
	}

	enc := encodeRow(row, cmp, 64*1024)
	if enc.PromotedAt != 0 {
		t.Fatalf("expected a small row to stay unpromoted, got PromotedAt=%d", enc.PromotedAt)
	}

	got, err := decodeRowNamed(row.PK, enc.Body, cmp, []clustering.Key{name("col2")})
	if err != nil {
		t.Fatalf("decodeRowNamed: %v", err)
	}
	if len(got.Cells) != 1 {
		t.Fatalf("got %d cells, want 1", len(got.Cells))
	}
	if string(got.Cells[0].Value) != "value2" {
		t.Fatalf("got value %q, want %q", got.Cells[0].Value, "value2")
	}

	miss, err := decodeRowNamed(row.PK, enc.Body, cmp, []clustering.Key{name("nope")})
	if err != nil {
		t.Fatalf("decodeRowNamed: %v", err)
	}
	if len(miss.Cells) != 0 {
		t.Fatalf("got %d cells for a missing column, want 0", len(miss.Cells))
	}
}

func TestDecodeRowNamedOnPromotedRowReadsOnlyOwningBlock(t *testing.T) {
	cmp := clustering.BytewiseComparator{}

	var cells []cell.Cell
	bigValue := make([]byte, 2048)
	for i := 0; i < 64; i++ {
		cells = append(cells, cell.Live(name(string(rune('a'+i%26))+"-col"), bigValue, int64(i)))
	}
	row := cell.Row{
		PK:    token.NewPK(token.DefaultPartitioner{}, []byte("pk-big")),
		Cells: cells,
	}

	enc := encodeRow(row, cmp, 4096)
	if enc.PromotedAt == 0 {
		t.Fatalf("expected an oversized row to promote its index")
	}

	wantName := cells[40].Name
	got, err := decodeRowNamed(row.PK, enc.Body, cmp, []clustering.Key{wantName})
	if err != nil {
		t.Fatalf("decodeRowNamed: %v", err)
	}
	if len(got.Cells) != 1 {
		t.Fatalf("got %d cells, want 1", len(got.Cells))
	}
	if cmp.Compare(got.Cells[0].Name, wantName) != 0 {
		t.Fatalf("got cell %v, want %v", got.Cells[0].Name, wantName)
	}
	if string(got.Cells[0].Value) != string(bigValue) {
		t.Fatalf("got value of length %d, want %d", len(got.Cells[0].Value), len(bigValue))
	}
}

func TestDecodeRowTruncatedReturnsError(t *testing.T) {
	cmp := clustering.BytewiseComparator{}
	row := cell.Row{
		PK:    token.NewPK(token.DefaultPartitioner{}, []byte("pk")),
		Cells: []cell.Cell{cell.Live(name("c"), []byte("v"), 1)},
	}
	enc := encodeRow(row, cmp, 64*1024)

	// decodeRow never reads the trailing 8-byte PromotedAt marker, so only
	// cuts that reach into the row's own fields are truncations it can see.
	rowEnd := len(enc.Body) - 8
	for cut := 0; cut < rowEnd; cut += len(enc.Body) / 4 {
		if _, err := decodeRow(row.PK, enc.Body[:cut], cmp); err == nil {
			t.Fatalf("decodeRow on truncated input (len %d of %d) should have failed", cut, len(enc.Body))
		}
	}
}
