package sstable

import (
	"math"

	"github.com/columnforge/ctable/internal/encoding"
	"github.com/columnforge/ctable/internal/storageerr"
	"github.com/columnforge/ctable/internal/token"
	"github.com/columnforge/ctable/internal/walpos"
)

// statsFormatVersion gates the Stats sidecar's encode/decode layout so a
// later version can append fields without breaking readers built against
// an earlier one.
const statsFormatVersion = 2

// Stats field presence bits. RowCount, CellCount, MinToken, MaxToken,
// EstimatedRowSize and EstimatedColumnCount are always written and never
// gated: every version of this format has carried them. Everything else
// is optional — a writer that doesn't track it (or a future field an
// older writer predates) clears its bit, and decodeStats fills in the
// documented sentinel instead of failing.
const (
	statsFieldReplayPosition uint32 = 1 << iota
	statsFieldTimestamps
	statsFieldCompressionRatio
	statsFieldPartitioner
	statsFieldAncestors
	statsFieldTombstoneHistogram
)

// unknownCompressionRatio is the sentinel CompressionRatio takes when a
// writer never recorded one.
const unknownCompressionRatio = -1

// Stats is the Statistics.db sidecar: summary metadata a compaction
// controller or validation scan can read without opening Data at all —
// a token range plus row/cell/timestamp/size histograms, rather than a
// single min/max-key pair.
type Stats struct {
	RowCount  uint64
	CellCount uint64

	// EstimatedRowSize buckets each row's encoded (pre-compression) byte
	// size; EstimatedColumnCount buckets each row's cell count. Both are
	// fixed-bucket exponential histograms, always present.
	EstimatedRowSize     *EstimatedHistogram
	EstimatedColumnCount *EstimatedHistogram

	MinTimestamp int64
	MaxTimestamp int64

	MinToken token.T
	MaxToken token.T

	// CompressionRatio is compressed/uncompressed bytes across every row
	// this table holds; unknownCompressionRatio if never tracked.
	CompressionRatio float64

	// ReplayPosition is the commit-log position below which this table's
	// writes are fully persisted; walpos.None for synthetic tables (e.g.
	// compaction outputs, which don't correspond to one memtable flush).
	ReplayPosition walpos.Position

	// Partitioner identifies the token.Partitioner used to compute
	// MinToken/MaxToken, so a reader can refuse to open a table written
	// under a different partitioner (KindUnknownPartitioner).
	Partitioner string

	// EstimatedTombstoneDropTime is a bin-compressing histogram over the
	// LocalDeletionTime of this table's Deleted/Expiring/RangeTombstone
	// atoms (and row-level deletions), letting compaction estimate how
	// many tombstones a given gcBefore would drop without decoding every
	// row. Nil if this table carries no tombstones at all.
	EstimatedTombstoneDropTime *StreamingHistogram

	// Ancestors lists the generations of sstables this one replaces, for
	// provenance during manifest recovery.
	Ancestors []uint64
}

// DroppableTombstoneRatio estimates the fraction of this table's cells
// that are tombstones droppable at gcBefore: the count of tombstone atoms
// whose LocalDeletionTime is at or before gcBefore, divided by the
// table's estimated total cell count (mean cells per row times row
// count). Returns 0 when either histogram is absent or the estimated
// cell count is 0, since there's nothing to drop.
func (s Stats) DroppableTombstoneRatio(gcBefore int32) float64 {
	if s.EstimatedTombstoneDropTime == nil || s.EstimatedColumnCount == nil {
		return 0
	}
	count := s.EstimatedColumnCount.Count()
	if count == 0 {
		return 0
	}
	estimatedCells := s.EstimatedColumnCount.Mean() * float64(count)
	if estimatedCells <= 0 {
		return 0
	}
	droppable := s.EstimatedTombstoneDropTime.Sum(int64(gcBefore))
	return float64(droppable) / estimatedCells
}

func (s Stats) encode() []byte {
	var fields uint32
	if !s.ReplayPosition.IsNone() {
		fields |= statsFieldReplayPosition
	}
	if s.MinTimestamp != 0 || s.MaxTimestamp != 0 {
		fields |= statsFieldTimestamps
	}
	if s.CompressionRatio != 0 && s.CompressionRatio != unknownCompressionRatio {
		fields |= statsFieldCompressionRatio
	}
	if s.Partitioner != "" {
		fields |= statsFieldPartitioner
	}
	if len(s.Ancestors) > 0 {
		fields |= statsFieldAncestors
	}
	if s.EstimatedTombstoneDropTime != nil {
		fields |= statsFieldTombstoneHistogram
	}

	var buf []byte
	buf = encoding.AppendVarint32(buf, statsFormatVersion)
	buf = encoding.AppendVarint32(buf, fields)

	buf = encoding.AppendVarint64(buf, s.RowCount)
	buf = encoding.AppendVarint64(buf, s.CellCount)
	buf = encoding.AppendLengthPrefixedSlice(buf, s.MinToken.Bytes())
	buf = encoding.AppendLengthPrefixedSlice(buf, s.MaxToken.Bytes())

	rowSize := s.EstimatedRowSize
	if rowSize == nil {
		rowSize = NewEstimatedHistogram()
	}
	colCount := s.EstimatedColumnCount
	if colCount == nil {
		colCount = NewEstimatedHistogram()
	}
	buf = rowSize.encode(buf)
	buf = colCount.encode(buf)

	if fields&statsFieldTimestamps != 0 {
		buf = encoding.AppendVarsignedint64(buf, s.MinTimestamp)
		buf = encoding.AppendVarsignedint64(buf, s.MaxTimestamp)
	}
	if fields&statsFieldCompressionRatio != 0 {
		buf = encoding.AppendFixed64(buf, encodeFloat64(s.CompressionRatio))
	}
	if fields&statsFieldReplayPosition != 0 {
		buf = encoding.AppendVarsignedint64(buf, s.ReplayPosition.Segment)
		buf = encoding.AppendVarsignedint64(buf, s.ReplayPosition.Offset)
	}
	if fields&statsFieldPartitioner != 0 {
		buf = encoding.AppendLengthPrefixedSlice(buf, []byte(s.Partitioner))
	}
	if fields&statsFieldTombstoneHistogram != 0 {
		buf = s.EstimatedTombstoneDropTime.encode(buf)
	}
	if fields&statsFieldAncestors != 0 {
		buf = encoding.AppendVarint32(buf, uint32(len(s.Ancestors)))
		for _, a := range s.Ancestors {
			buf = encoding.AppendVarint64(buf, a)
		}
	}
	return buf
}

func decodeStats(data []byte) (Stats, error) {
	version, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]
	if version == 0 || version > statsFormatVersion {
		return Stats{}, storageerr.Wrap(storageerr.KindCorrupt, "sstable: unsupported stats format version %d", version)
	}

	// Version 1 predates per-field gating and the histogram fields; it
	// carried every field it knew about unconditionally, plus an
	// EstimatedTombstoneDropTime shaped as bucket pairs rather than a
	// StreamingHistogram.
	if version == 1 {
		return decodeStatsV1(data)
	}

	fields, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]

	s := Stats{ReplayPosition: walpos.None, CompressionRatio: unknownCompressionRatio}

	s.RowCount, n, err = encoding.DecodeVarint64(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]

	s.CellCount, n, err = encoding.DecodeVarint64(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]

	minTok, n, err := encoding.DecodeLengthPrefixedSlice(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]
	s.MinToken = token.FromBytes(minTok)

	maxTok, n, err := encoding.DecodeLengthPrefixedSlice(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]
	s.MaxToken = token.FromBytes(maxTok)

	s.EstimatedRowSize, n, err = decodeEstimatedHistogram(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]

	s.EstimatedColumnCount, n, err = decodeEstimatedHistogram(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]

	if fields&statsFieldTimestamps != 0 {
		s.MinTimestamp, n, err = encoding.DecodeVarsignedint64(data)
		if err != nil {
			return Stats{}, errTruncated
		}
		data = data[n:]
		s.MaxTimestamp, n, err = encoding.DecodeVarsignedint64(data)
		if err != nil {
			return Stats{}, errTruncated
		}
		data = data[n:]
	}

	if fields&statsFieldCompressionRatio != 0 {
		if len(data) < 8 {
			return Stats{}, errTruncated
		}
		s.CompressionRatio = decodeFloat64(encoding.DecodeFixed64(data))
		data = data[8:]
	}

	if fields&statsFieldReplayPosition != 0 {
		s.ReplayPosition.Segment, n, err = encoding.DecodeVarsignedint64(data)
		if err != nil {
			return Stats{}, errTruncated
		}
		data = data[n:]
		s.ReplayPosition.Offset, n, err = encoding.DecodeVarsignedint64(data)
		if err != nil {
			return Stats{}, errTruncated
		}
		data = data[n:]
	}

	if fields&statsFieldPartitioner != 0 {
		part, n, err := encoding.DecodeLengthPrefixedSlice(data)
		if err != nil {
			return Stats{}, errTruncated
		}
		data = data[n:]
		s.Partitioner = string(part)
	}

	if fields&statsFieldTombstoneHistogram != 0 {
		s.EstimatedTombstoneDropTime, n, err = decodeStreamingHistogram(data)
		if err != nil {
			return Stats{}, errTruncated
		}
		data = data[n:]
	}

	if fields&statsFieldAncestors != 0 {
		ancestorCount, n, err := encoding.DecodeVarint32(data)
		if err != nil {
			return Stats{}, errTruncated
		}
		data = data[n:]
		s.Ancestors = make([]uint64, ancestorCount)
		for i := range s.Ancestors {
			a, n, err := encoding.DecodeVarint64(data)
			if err != nil {
				return Stats{}, errTruncated
			}
			data = data[n:]
			s.Ancestors[i] = a
		}
	}

	return s, nil
}

// decodeStatsV1 reads the pre-gating layout: every field present
// unconditionally, in its original order, with the old bucketed
// tombstone-drop-time shape instead of a StreamingHistogram.
func decodeStatsV1(data []byte) (Stats, error) {
	s := Stats{CompressionRatio: unknownCompressionRatio}

	var n int
	var err error

	s.RowCount, n, err = encoding.DecodeVarint64(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]

	s.CellCount, n, err = encoding.DecodeVarint64(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]

	s.MinTimestamp, n, err = encoding.DecodeVarsignedint64(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]

	s.MaxTimestamp, n, err = encoding.DecodeVarsignedint64(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]

	minTok, n, err := encoding.DecodeLengthPrefixedSlice(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]
	s.MinToken = token.FromBytes(minTok)

	maxTok, n, err := encoding.DecodeLengthPrefixedSlice(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]
	s.MaxToken = token.FromBytes(maxTok)

	s.ReplayPosition.Segment, n, err = encoding.DecodeVarsignedint64(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]
	s.ReplayPosition.Offset, n, err = encoding.DecodeVarsignedint64(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]

	part, n, err := encoding.DecodeLengthPrefixedSlice(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]
	s.Partitioner = string(part)

	bucketCount, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]
	if bucketCount > 0 {
		h := NewStreamingHistogram(streamingHistogramMaxBins)
		for i := uint32(0); i < bucketCount; i++ {
			rangeStart, n, err := encoding.DecodeVarsignedint64(data)
			if err != nil {
				return Stats{}, errTruncated
			}
			data = data[n:]
			count, n, err := encoding.DecodeVarint64(data)
			if err != nil {
				return Stats{}, errTruncated
			}
			data = data[n:]
			h.Add(rangeStart, count)
		}
		s.EstimatedTombstoneDropTime = h
	}

	ancestorCount, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return Stats{}, errTruncated
	}
	data = data[n:]
	s.Ancestors = make([]uint64, ancestorCount)
	for i := range s.Ancestors {
		a, n, err := encoding.DecodeVarint64(data)
		if err != nil {
			return Stats{}, errTruncated
		}
		data = data[n:]
		s.Ancestors[i] = a
	}

	return s, nil
}

func encodeFloat64(f float64) uint64 { return math.Float64bits(f) }
func decodeFloat64(u uint64) float64 { return math.Float64frombits(u) }
