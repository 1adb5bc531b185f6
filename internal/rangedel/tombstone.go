// Package rangedel implements row-scoped range-tombstone gathering: the
// side channel the merge iterator (internal/merge) uses to accumulate
// range-deletion atoms while it streams a row's live/expiring/deleted
// cells. Range tombstones are fragmented into non-overlapping,
// binary-searchable intervals and gathered into the output row's
// deletion info as a side channel — the iterator yields only cells; the
// caller accumulates tombstone atoms separately.
//
// Purge safety across SSTs (whether a tombstone can be dropped once no
// older data remains to shadow) is the compaction controller's
// overlap-interval-tree / shouldPurge responsibility (internal/compaction),
// a token-range concept, not a row-local one.
package rangedel

import (
	"github.com/columnforge/ctable/internal/clustering"
)

// Tombstone is a single range deletion covering [Start, End) in clustering
// order, created at Timestamp and visible as deleted from LocalDeletionTime
// (for gcBefore / droppable-tombstone-ratio accounting).
type Tombstone struct {
	Start             clustering.Key
	End               clustering.Key
	Timestamp         int64
	LocalDeletionTime int32
}

// NewTombstone builds a tombstone over [start, end).
func NewTombstone(start, end clustering.Key, timestamp int64, localDeletionTime int32) Tombstone {
	return Tombstone{Start: start, End: end, Timestamp: timestamp, LocalDeletionTime: localDeletionTime}
}

// IsEmpty reports whether the range is empty under cmp (start >= end).
func (t Tombstone) IsEmpty(cmp clustering.Comparator) bool {
	return cmp.Compare(t.Start, t.End) >= 0
}

// Contains reports whether name falls within [Start, End) under cmp.
func (t Tombstone) Contains(cmp clustering.Comparator, name clustering.Key) bool {
	return cmp.Compare(name, t.Start) >= 0 && cmp.Compare(name, t.End) < 0
}

// Covers reports whether this tombstone deletes name at the given cell
// timestamp: name must fall in range and the cell must be older.
func (t Tombstone) Covers(cmp clustering.Comparator, name clustering.Key, cellTimestamp int64) bool {
	return t.Contains(cmp, name) && cellTimestamp < t.Timestamp
}

// Overlaps reports whether two tombstone ranges intersect under cmp.
func (t Tombstone) Overlaps(cmp clustering.Comparator, other Tombstone) bool {
	return cmp.Compare(t.Start, other.End) < 0 && cmp.Compare(other.Start, t.End) < 0
}

// List is an unfragmented, possibly-overlapping collection of tombstones,
// as gathered directly off a row's cell stream before fragmentation.
type List struct {
	tombstones []Tombstone
}

// NewList creates an empty tombstone list.
func NewList() *List {
	return &List{}
}

// Add appends a tombstone.
func (l *List) Add(t Tombstone) {
	l.tombstones = append(l.tombstones, t)
}

// Len returns the number of tombstones.
func (l *List) Len() int {
	return len(l.tombstones)
}

// IsEmpty reports whether the list has no tombstones.
func (l *List) IsEmpty() bool {
	return len(l.tombstones) == 0
}

// All returns every tombstone in the list.
func (l *List) All() []Tombstone {
	return l.tombstones
}

// MaxTimestamp returns the highest timestamp among all tombstones, or 0 if
// the list is empty.
func (l *List) MaxTimestamp() int64 {
	var max int64
	for _, t := range l.tombstones {
		if t.Timestamp > max {
			max = t.Timestamp
		}
	}
	return max
}
