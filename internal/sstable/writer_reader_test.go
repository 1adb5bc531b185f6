package sstable

import (
	"fmt"
	"testing"

	"github.com/columnforge/ctable/internal/cache"
	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/checksum"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/compression"
	"github.com/columnforge/ctable/internal/token"
	"github.com/columnforge/ctable/internal/vfs"
	"github.com/columnforge/ctable/internal/walpos"
)

func testDescriptor() Descriptor {
	return Descriptor{Keyspace: "ks", CF: "cf", Generation: 1, Version: "aa"}
}

func writerOptions() WriterOptions {
	return WriterOptions{
		Compression:              compression.SnappyCompression,
		Checksum:                 checksum.TypeCRC32C,
		BloomBitsPerKey:          10,
		IndexBlockThresholdBytes: 64 * 1024,
		SummarySampleRate:        4,
		ClusteringComparator:     clustering.BytewiseComparator{},
		PartitionerName:          token.DefaultPartitioner{}.Name(),
		ReplayPosition:           walpos.None,
	}
}

func readerOptions() ReaderOptions {
	return ReaderOptions{
		Partitioner:          token.DefaultPartitioner{},
		ClusteringComparator: clustering.BytewiseComparator{},
		Checksum:             checksum.TypeCRC32C,
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	fs := vfs.NewMemFS()
	desc := testDescriptor()

	w, err := New(fs, desc, writerOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	partitioner := token.DefaultPartitioner{}
	var pks []token.PK
	for i := 0; i < 20; i++ {
		pk := token.NewPK(partitioner, []byte(fmt.Sprintf("key-%03d", i)))
		pks = append(pks, pk)
	}
	// Sort by (token, key) so rows arrive in the order the writer requires.
	for i := 0; i < len(pks); i++ {
		for j := i + 1; j < len(pks); j++ {
			if pks[j].Compare(pks[i], partitioner) < 0 {
				pks[i], pks[j] = pks[j], pks[i]
			}
		}
	}

	for i, pk := range pks {
		row := cell.Row{
			PK: pk,
			Cells: []cell.Cell{
				cell.Live(name("greeting"), []byte(fmt.Sprintf("hello-%d", i)), int64(i)),
			},
		}
		if err := w.WriteRow(pk, row); err != nil {
			t.Fatalf("WriteRow(%d): %v", i, err)
		}
	}

	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r, err := Open(fs, desc, readerOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Stats().RowCount != uint64(len(pks)) {
		t.Fatalf("stats row count = %d, want %d", r.Stats().RowCount, len(pks))
	}

	for i, pk := range pks {
		row, found, err := r.GetRow(pk)
		if err != nil {
			t.Fatalf("GetRow(%d): %v", i, err)
		}
		if !found {
			t.Fatalf("GetRow(%d): not found", i)
		}
		if len(row.Cells) != 1 {
			t.Fatalf("GetRow(%d): got %d cells, want 1", i, len(row.Cells))
		}
		want := fmt.Sprintf("hello-%d", i)
		if string(row.Cells[0].Value) != want {
			t.Errorf("GetRow(%d): value = %q, want %q", i, row.Cells[0].Value, want)
		}
	}

	missing := token.NewPK(partitioner, []byte("does-not-exist"))
	if _, found, err := r.GetRow(missing); err != nil {
		t.Fatalf("GetRow(missing): %v", err)
	} else if found {
		t.Fatalf("GetRow(missing): unexpectedly found")
	}
}

func TestReaderKeyCacheHit(t *testing.T) {
	fs := vfs.NewMemFS()
	desc := testDescriptor()

	w, err := New(fs, desc, writerOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	partitioner := token.DefaultPartitioner{}
	var pks []token.PK
	for i := 0; i < 10; i++ {
		pks = append(pks, token.NewPK(partitioner, []byte(fmt.Sprintf("key-%03d", i))))
	}
	for i := 0; i < len(pks); i++ {
		for j := i + 1; j < len(pks); j++ {
			if pks[j].Compare(pks[i], partitioner) < 0 {
				pks[i], pks[j] = pks[j], pks[i]
			}
		}
	}
	for i, pk := range pks {
		row := cell.Row{
			PK:    pk,
			Cells: []cell.Cell{cell.Live(name("greeting"), []byte(fmt.Sprintf("hello-%d", i)), int64(i))},
		}
		if err := w.WriteRow(pk, row); err != nil {
			t.Fatalf("WriteRow(%d): %v", i, err)
		}
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	kc := cache.NewLRUCache(1024 * 1024)
	defer kc.Close()

	opts := readerOptions()
	opts.KeyCache = kc
	r, err := Open(fs, desc, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	target := pks[3]
	if kc.GetOccupancyCount() != 0 {
		t.Fatalf("key cache occupancy before first lookup = %d, want 0", kc.GetOccupancyCount())
	}

	row, found, err := r.GetRow(target)
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if !found {
		t.Fatalf("GetRow: not found")
	}
	if string(row.Cells[0].Value) != "hello-3" {
		t.Fatalf("GetRow: value = %q, want %q", row.Cells[0].Value, "hello-3")
	}
	if kc.GetOccupancyCount() != 1 {
		t.Fatalf("key cache occupancy after first lookup = %d, want 1", kc.GetOccupancyCount())
	}

	cacheKey := cache.KeyCacheKey(desc.Generation, target.Key)
	h := kc.Lookup(cacheKey)
	if h == nil {
		t.Fatalf("key cache Lookup: expected a cached handle for %q", target.Key)
	}
	kc.Release(h)

	// A second lookup of the same key must still resolve to the correct row,
	// now served entirely from the cached Data handle.
	row2, found2, err := r.GetRow(target)
	if err != nil {
		t.Fatalf("GetRow (second): %v", err)
	}
	if !found2 {
		t.Fatalf("GetRow (second): not found")
	}
	if string(row2.Cells[0].Value) != "hello-3" {
		t.Fatalf("GetRow (second): value = %q, want %q", row2.Cells[0].Value, "hello-3")
	}
	if kc.GetOccupancyCount() != 1 {
		t.Fatalf("key cache occupancy after second lookup = %d, want 1 (no duplicate insert)", kc.GetOccupancyCount())
	}

	// A key from the same table that was never looked up must still miss.
	otherKey := pks[7].Key
	if h := kc.Lookup(cache.KeyCacheKey(desc.Generation, otherKey)); h != nil {
		kc.Release(h)
		t.Fatalf("key cache Lookup: unexpected hit for never-looked-up key %q", otherKey)
	}
}

func TestReaderGetNamedColumnsReturnsOnlyRequestedCells(t *testing.T) {
	fs := vfs.NewMemFS()
	desc := testDescriptor()

	w, err := New(fs, desc, writerOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pk := token.NewPK(token.DefaultPartitioner{}, []byte("k"))
	row := cell.Row{
		PK: pk,
		Cells: []cell.Cell{
			cell.Live(name("a"), []byte("va"), 1),
			cell.Live(name("b"), []byte("vb"), 2),
			cell.Live(name("c"), []byte("vc"), 3),
		},
	}
	if err := w.WriteRow(pk, row); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r, err := Open(fs, desc, readerOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	got, found, err := r.GetNamedColumns(pk, []clustering.Key{name("b")})
	if err != nil {
		t.Fatalf("GetNamedColumns: %v", err)
	}
	if !found {
		t.Fatalf("GetNamedColumns: not found")
	}
	if len(got.Cells) != 1 {
		t.Fatalf("got %d cells, want 1", len(got.Cells))
	}
	if string(got.Cells[0].Value) != "vb" {
		t.Fatalf("got value %q, want %q", got.Cells[0].Value, "vb")
	}

	missing := token.NewPK(token.DefaultPartitioner{}, []byte("does-not-exist"))
	if _, found, err := r.GetNamedColumns(missing, []clustering.Key{name("b")}); err != nil {
		t.Fatalf("GetNamedColumns(missing): %v", err)
	} else if found {
		t.Fatalf("GetNamedColumns(missing): unexpectedly found")
	}
}

func TestWriterAbandonRemovesFiles(t *testing.T) {
	fs := vfs.NewMemFS()
	desc := testDescriptor()

	w, err := New(fs, desc, writerOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pk := token.NewPK(token.DefaultPartitioner{}, []byte("k"))
	row := cell.Row{PK: pk, Cells: []cell.Cell{cell.Live(name("c"), []byte("v"), 1)}}
	if err := w.WriteRow(pk, row); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	w.Abandon()

	for _, p := range desc.ComponentPaths() {
		if fs.Exists(p) {
			t.Errorf("component %s still exists after Abandon", p)
		}
	}
}
