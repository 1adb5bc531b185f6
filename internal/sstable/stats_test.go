package sstable

import (
	"testing"

	"github.com/columnforge/ctable/internal/token"
	"github.com/columnforge/ctable/internal/walpos"
)

func TestStatsEncodeDecodeRoundTrip(t *testing.T) {
	rowSize := NewEstimatedHistogram()
	rowSize.Add(128)
	rowSize.Add(256)
	colCount := NewEstimatedHistogram()
	colCount.Add(4)
	colCount.Add(8)
	tombstones := NewStreamingHistogram(streamingHistogramMaxBins)
	tombstones.Add(0, 3)
	tombstones.Add(3600, 1)

	s := Stats{
		RowCount:                   42,
		CellCount:                  128,
		EstimatedRowSize:           rowSize,
		EstimatedColumnCount:       colCount,
		MinTimestamp:               -5,
		MaxTimestamp:               99999,
		MinToken:                   token.FromUint64(10),
		MaxToken:                   token.FromUint64(999999),
		CompressionRatio:           0.5,
		Partitioner:                "ctable.token.DefaultPartitioner",
		EstimatedTombstoneDropTime: tombstones,
		Ancestors:                  []uint64{1, 2, 3},
	}

	got, err := decodeStats(s.encode())
	if err != nil {
		t.Fatalf("decodeStats: %v", err)
	}

	if got.RowCount != s.RowCount || got.CellCount != s.CellCount {
		t.Errorf("row/cell count mismatch: got %+v", got)
	}
	if got.MinTimestamp != s.MinTimestamp || got.MaxTimestamp != s.MaxTimestamp {
		t.Errorf("timestamp mismatch: got %+v", got)
	}
	if got.MinToken.Compare(s.MinToken) != 0 || got.MaxToken.Compare(s.MaxToken) != 0 {
		t.Errorf("token mismatch: got min=%v max=%v", got.MinToken, got.MaxToken)
	}
	if got.Partitioner != s.Partitioner {
		t.Errorf("partitioner mismatch: got %q, want %q", got.Partitioner, s.Partitioner)
	}
	if got.CompressionRatio != s.CompressionRatio {
		t.Errorf("compression ratio mismatch: got %v, want %v", got.CompressionRatio, s.CompressionRatio)
	}
	if got.EstimatedRowSize.Count() != 2 || got.EstimatedColumnCount.Count() != 2 {
		t.Errorf("histogram count mismatch: got %+v", got)
	}
	if got.EstimatedTombstoneDropTime == nil || len(got.Ancestors) != 3 {
		t.Errorf("tombstone histogram/ancestor mismatch: got %+v", got)
	}
}

func TestStatsEncodeDecodeOmitsUnsetOptionalFields(t *testing.T) {
	s := Stats{
		RowCount:             7,
		CellCount:            7,
		EstimatedRowSize:     NewEstimatedHistogram(),
		EstimatedColumnCount: NewEstimatedHistogram(),
		MinToken:             token.FromUint64(1),
		MaxToken:             token.FromUint64(2),
		CompressionRatio:     unknownCompressionRatio,
		ReplayPosition:       walpos.None,
	}

	got, err := decodeStats(s.encode())
	if err != nil {
		t.Fatalf("decodeStats: %v", err)
	}
	if !got.ReplayPosition.IsNone() {
		t.Errorf("ReplayPosition = %+v, want the None sentinel", got.ReplayPosition)
	}
	if got.CompressionRatio != unknownCompressionRatio {
		t.Errorf("CompressionRatio = %v, want the unknown sentinel", got.CompressionRatio)
	}
	if got.Partitioner != "" {
		t.Errorf("Partitioner = %q, want empty", got.Partitioner)
	}
	if got.EstimatedTombstoneDropTime != nil {
		t.Errorf("EstimatedTombstoneDropTime = %+v, want nil", got.EstimatedTombstoneDropTime)
	}
	if len(got.Ancestors) != 0 {
		t.Errorf("Ancestors = %+v, want empty", got.Ancestors)
	}
}

func TestDecodeStatsRejectsFutureVersion(t *testing.T) {
	s := Stats{RowCount: 1, EstimatedRowSize: NewEstimatedHistogram(), EstimatedColumnCount: NewEstimatedHistogram()}
	data := s.encode()
	data[0] = statsFormatVersion + 1 // corrupt the leading version varint
	if _, err := decodeStats(data); err == nil {
		t.Fatalf("decodeStats should reject an unsupported format version")
	}
}

func TestDroppableTombstoneRatio(t *testing.T) {
	colCount := NewEstimatedHistogram()
	for i := 0; i < 100; i++ {
		colCount.Add(10)
	}
	tombstones := NewStreamingHistogram(streamingHistogramMaxBins)
	tombstones.Add(100, 200) // 200 droppable tombstone atoms at LocalDeletionTime 100

	s := Stats{EstimatedColumnCount: colCount, EstimatedTombstoneDropTime: tombstones}

	ratio := s.DroppableTombstoneRatio(150)
	if ratio <= 0 || ratio > 1 {
		t.Fatalf("DroppableTombstoneRatio = %v, want a fraction in (0, 1]", ratio)
	}

	if got := s.DroppableTombstoneRatio(50); got != 0 {
		t.Errorf("DroppableTombstoneRatio(50) = %v, want 0 (nothing droppable yet)", got)
	}
}

func TestDroppableTombstoneRatioWithoutHistogramsIsZero(t *testing.T) {
	var s Stats
	if got := s.DroppableTombstoneRatio(1000); got != 0 {
		t.Errorf("DroppableTombstoneRatio on empty Stats = %v, want 0", got)
	}
}
