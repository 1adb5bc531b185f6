package sstable

import (
	"math"
	"sort"

	"github.com/columnforge/ctable/internal/encoding"
)

// estimatedHistogramBuckets is the number of fixed, geometrically spaced
// buckets an EstimatedHistogram tracks. Matches the shape of Cassandra's
// EstimatedHistogram: enough buckets to keep relative error small across a
// wide dynamic range (single-digit byte rows up through multi-megabyte
// partitions) without growing with the data.
const estimatedHistogramBuckets = 90

// estimatedHistogramGrowthFactor is the ratio between consecutive bucket
// offsets.
const estimatedHistogramGrowthFactor = 1.2

// EstimatedHistogram is a fixed-bucket exponential histogram used to
// approximate the distribution of a quantity (row size in bytes, cells per
// row) across every row written to a table, without retaining per-row
// samples. Buckets grow geometrically so the same histogram shape covers
// both small and large values with bounded relative error.
type EstimatedHistogram struct {
	offsets []int64
	buckets []int64
}

// NewEstimatedHistogram returns an empty histogram with the standard bucket
// layout.
func NewEstimatedHistogram() *EstimatedHistogram {
	return &EstimatedHistogram{
		offsets: estimatedHistogramOffsets(),
		buckets: make([]int64, estimatedHistogramBuckets+1),
	}
}

func estimatedHistogramOffsets() []int64 {
	offsets := make([]int64, estimatedHistogramBuckets)
	last := int64(1)
	offsets[0] = last
	for i := 1; i < estimatedHistogramBuckets; i++ {
		next := int64(math.Ceil(float64(last) * estimatedHistogramGrowthFactor))
		if next <= last {
			next = last + 1
		}
		offsets[i] = next
		last = next
	}
	return offsets
}

// Add records one observation of n (e.g. one row's encoded size, or its
// cell count).
func (h *EstimatedHistogram) Add(n int64) {
	if n < 0 {
		n = 0
	}
	idx := sort.Search(len(h.offsets), func(i int) bool { return h.offsets[i] >= n })
	h.buckets[idx]++
}

// Count returns the total number of observations recorded.
func (h *EstimatedHistogram) Count() uint64 {
	var sum int64
	for _, b := range h.buckets {
		sum += b
	}
	return uint64(sum)
}

// Mean returns the weighted mean of all observations, using each bucket's
// midpoint as the representative value for every observation that landed
// in it.
func (h *EstimatedHistogram) Mean() float64 {
	var elements, sum int64
	for i, b := range h.buckets {
		if b == 0 {
			continue
		}
		elements += b
		sum += h.bucketValue(i) * b
	}
	if elements == 0 {
		return 0
	}
	return float64(sum) / float64(elements)
}

func (h *EstimatedHistogram) bucketValue(i int) int64 {
	switch {
	case i == 0:
		return 0
	case i >= len(h.offsets):
		return h.offsets[len(h.offsets)-1]
	default:
		return (h.offsets[i-1] + h.offsets[i]) / 2
	}
}

func (h *EstimatedHistogram) encode(buf []byte) []byte {
	buf = encoding.AppendVarint32(buf, uint32(len(h.buckets)))
	for _, b := range h.buckets {
		buf = encoding.AppendVarsignedint64(buf, b)
	}
	return buf
}

func decodeEstimatedHistogram(data []byte) (*EstimatedHistogram, int, error) {
	count, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return nil, 0, errTruncated
	}
	consumed := n
	data = data[n:]

	h := &EstimatedHistogram{offsets: estimatedHistogramOffsets(), buckets: make([]int64, count)}
	for i := range h.buckets {
		v, n, err := encoding.DecodeVarsignedint64(data)
		if err != nil {
			return nil, 0, errTruncated
		}
		data = data[n:]
		consumed += n
		h.buckets[i] = v
	}
	return h, consumed, nil
}

// streamingHistogramMaxBins bounds a StreamingHistogram's bin count. Once
// exceeded, the two closest bins (by point distance) are merged, trading
// resolution for a fixed memory footprint.
const streamingHistogramMaxBins = 100

// streamingHistogramBin is one (point, count) observation in a
// StreamingHistogram, after zero or more merges.
type streamingHistogramBin struct {
	Point int64
	Count uint64
}

// StreamingHistogram is a bin-compressing histogram: every distinct point
// value gets its own bin until the bin count exceeds a cap, at which point
// the two closest bins are merged into one at their count-weighted mean
// point. Used to track tombstone LocalDeletionTime values, where an
// sstable's tombstones cluster around a handful of TTL/deletion times but
// an unbounded table could otherwise produce an unbounded number of
// distinct points.
type StreamingHistogram struct {
	maxBins int
	bins    []streamingHistogramBin
}

// NewStreamingHistogram returns an empty histogram capped at maxBins bins.
func NewStreamingHistogram(maxBins int) *StreamingHistogram {
	if maxBins <= 0 {
		maxBins = streamingHistogramMaxBins
	}
	return &StreamingHistogram{maxBins: maxBins}
}

// Add records count observations of point, merging bins down to maxBins if
// the insert pushed the histogram over its cap.
func (h *StreamingHistogram) Add(point int64, count uint64) {
	idx := sort.Search(len(h.bins), func(i int) bool { return h.bins[i].Point >= point })
	if idx < len(h.bins) && h.bins[idx].Point == point {
		h.bins[idx].Count += count
	} else {
		h.bins = append(h.bins, streamingHistogramBin{})
		copy(h.bins[idx+1:], h.bins[idx:])
		h.bins[idx] = streamingHistogramBin{Point: point, Count: count}
	}
	for len(h.bins) > h.maxBins {
		h.mergeClosestBins()
	}
}

func (h *StreamingHistogram) mergeClosestBins() {
	minDistance := int64(math.MaxInt64)
	minIdx := 0
	for i := 0; i < len(h.bins)-1; i++ {
		d := h.bins[i+1].Point - h.bins[i].Point
		if d < minDistance {
			minDistance = d
			minIdx = i
		}
	}
	a, b := h.bins[minIdx], h.bins[minIdx+1]
	total := a.Count + b.Count
	point := a.Point
	if total > 0 {
		point = (a.Point*int64(a.Count) + b.Point*int64(b.Count)) / int64(total)
	}
	h.bins[minIdx] = streamingHistogramBin{Point: point, Count: total}
	h.bins = append(h.bins[:minIdx+1], h.bins[minIdx+2:]...)
}

// Sum estimates the number of observations at or below threshold, linearly
// interpolating across the bin straddling it.
func (h *StreamingHistogram) Sum(threshold int64) uint64 {
	var sum uint64
	for i, b := range h.bins {
		if b.Point <= threshold {
			sum += b.Count
			continue
		}
		if i == 0 {
			break
		}
		prev := h.bins[i-1]
		if b.Point == prev.Point {
			break
		}
		frac := float64(threshold-prev.Point) / float64(b.Point-prev.Point)
		if frac < 0 {
			frac = 0
		}
		sum += uint64(frac * float64(b.Count))
		break
	}
	return sum
}

func (h *StreamingHistogram) encode(buf []byte) []byte {
	buf = encoding.AppendVarint32(buf, uint32(h.maxBins))
	buf = encoding.AppendVarint32(buf, uint32(len(h.bins)))
	for _, b := range h.bins {
		buf = encoding.AppendVarsignedint64(buf, b.Point)
		buf = encoding.AppendVarint64(buf, b.Count)
	}
	return buf
}

func decodeStreamingHistogram(data []byte) (*StreamingHistogram, int, error) {
	maxBins, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return nil, 0, errTruncated
	}
	consumed := n
	data = data[n:]

	binCount, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return nil, 0, errTruncated
	}
	consumed += n
	data = data[n:]

	h := NewStreamingHistogram(int(maxBins))
	h.bins = make([]streamingHistogramBin, binCount)
	for i := range h.bins {
		point, n, err := encoding.DecodeVarsignedint64(data)
		if err != nil {
			return nil, 0, errTruncated
		}
		data = data[n:]
		consumed += n

		count, n, err := encoding.DecodeVarint64(data)
		if err != nil {
			return nil, 0, errTruncated
		}
		data = data[n:]
		consumed += n

		h.bins[i] = streamingHistogramBin{Point: point, Count: count}
	}
	return h, consumed, nil
}
