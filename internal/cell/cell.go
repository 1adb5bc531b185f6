// Package cell implements the row atom model: the tagged union of
// live/expiring/deleted columns and range tombstones that make up a row,
// plus the row itself and its deletion info.
//
// A cell is one of: a live column (name, value, timestamp); an expiring
// column (name, value, timestamp, ttl, localDeletionTime); a deleted
// column (name, localDeletionTime, timestamp); or a range tombstone
// (start, end, timestamp, localDeletionTime). All cells within a row are
// ordered by the clustering comparator. A row is (PK, row-level deletion
// info, ordered sequence of cells).
//
// Cell is a single Kind-tagged struct rather than an interface hierarchy:
// the variants only ever need a shared capability set (write to a sink,
// contribute to a digest, report column stats), so a plain struct with
// explicit fields avoids the overhead of a polymorphic type switch at
// every call site.
package cell

import (
	"bytes"

	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/rangedel"
	"github.com/columnforge/ctable/internal/token"
)

// Kind tags which variant a Cell holds.
type Kind uint8

const (
	// KindLive is a live column: (name, value, timestamp).
	KindLive Kind = iota
	// KindExpiring is a column with a TTL: (name, value, timestamp, ttl,
	// localDeletionTime).
	KindExpiring
	// KindDeleted is a column tombstone: (name, localDeletionTime,
	// timestamp).
	KindDeleted
	// KindRangeTombstone is a range deletion atom as it appears on the
	// wire within a row's atom sequence, before being gathered into the
	// row's deletion info by the merge reducer.
	KindRangeTombstone
)

// String renders the kind for logging and digest-mismatch diagnostics.
func (k Kind) String() string {
	switch k {
	case KindLive:
		return "live"
	case KindExpiring:
		return "expiring"
	case KindDeleted:
		return "deleted"
	case KindRangeTombstone:
		return "range-tombstone"
	default:
		return "unknown"
	}
}

// Cell is one row atom. Only the fields relevant to Kind are populated;
// see the per-Kind constructors below.
type Cell struct {
	Kind Kind

	// Name is the clustering key for Live/Expiring/Deleted cells, and the
	// inclusive start of the range for KindRangeTombstone.
	Name clustering.Key

	// RangeEnd is the exclusive end of the range; only set for
	// KindRangeTombstone.
	RangeEnd clustering.Key

	Value             []byte
	Timestamp         int64
	TTL               int32
	LocalDeletionTime int32
}

// Live constructs a live column cell.
func Live(name clustering.Key, value []byte, timestamp int64) Cell {
	return Cell{Kind: KindLive, Name: name, Value: value, Timestamp: timestamp}
}

// Expiring constructs a column cell with a TTL.
func Expiring(name clustering.Key, value []byte, timestamp int64, ttl, localDeletionTime int32) Cell {
	return Cell{
		Kind:              KindExpiring,
		Name:              name,
		Value:             value,
		Timestamp:         timestamp,
		TTL:               ttl,
		LocalDeletionTime: localDeletionTime,
	}
}

// Deleted constructs a column tombstone cell.
func Deleted(name clustering.Key, localDeletionTime int32, timestamp int64) Cell {
	return Cell{Kind: KindDeleted, Name: name, LocalDeletionTime: localDeletionTime, Timestamp: timestamp}
}

// RangeTombstoneCell constructs a range-tombstone atom as it appears
// in a row's raw atom sequence (pre-gathering).
func RangeTombstoneCell(start, end clustering.Key, timestamp int64, localDeletionTime int32) Cell {
	return Cell{
		Kind:              KindRangeTombstone,
		Name:              start,
		RangeEnd:          end,
		Timestamp:         timestamp,
		LocalDeletionTime: localDeletionTime,
	}
}

// IsLiveAt reports whether the cell is still live (not an expired
// expiring-column or a deletion marker) as observed at nowSeconds.
//
// An expiring column past its LocalDeletionTime behaves like a deleted
// column for read purposes, even though it is not re-encoded as one until
// compaction drops it.
func (c Cell) IsLiveAt(nowSeconds int64) bool {
	switch c.Kind {
	case KindLive:
		return true
	case KindExpiring:
		return nowSeconds < int64(c.LocalDeletionTime)
	default:
		return false
	}
}

// AsTombstone converts a KindRangeTombstone cell into a rangedel.Tombstone
// for gathering into a RowDeletionInfo. Panics if Kind is not
// KindRangeTombstone — callers must switch on Kind first.
func (c Cell) AsTombstone() rangedel.Tombstone {
	if c.Kind != KindRangeTombstone {
		panic("cell: AsTombstone called on non-range-tombstone cell")
	}
	return rangedel.NewTombstone(c.Name, c.RangeEnd, c.Timestamp, c.LocalDeletionTime)
}

// Reduce resolves two cells that share a clustering name into one, per
// the equal-named-cell reduction rules:
//
//	Live ↔ live: winner by timestamp; ties by value bytes lexicographically.
//	Live ↔ deleted-column: winner by timestamp; tie ⇒ tombstone wins.
//
// Expiring cells reduce exactly like live cells for this comparison: their
// TTL only affects IsLiveAt, not merge precedence. Callers merging two
// range-tombstone atoms (which Reduce does not otherwise handle) should
// gather both into the tombstone fragmenter instead of calling Reduce.
func Reduce(a, b Cell) Cell {
	aHasValue := a.Kind == KindLive || a.Kind == KindExpiring
	bHasValue := b.Kind == KindLive || b.Kind == KindExpiring

	if aHasValue && bHasValue {
		if a.Timestamp != b.Timestamp {
			if a.Timestamp > b.Timestamp {
				return a
			}
			return b
		}
		if bytes.Compare(a.Value, b.Value) >= 0 {
			return a
		}
		return b
	}

	// One or both are deletions: higher timestamp wins; an exact tie goes
	// to the tombstone, matching "tie ⇒ tombstone wins".
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return a
		}
		return b
	}
	if !aHasValue {
		return a
	}
	if !bHasValue {
		return b
	}
	return a
}

// RowDeletionInfo is a row's own deletion marker (markedForDeleteAt,
// localDeletionTime) plus every range tombstone gathered for it.
type RowDeletionInfo struct {
	MarkedForDeleteAt int64
	LocalDeletionTime int32
	RangeTombstones   *rangedel.FragmentedList
}

// Live reports whether the row has no live deletion marker — a
// MarkedForDeleteAt of 0 (the zero value) means the row carries no
// row-level tombstone.
func (d RowDeletionInfo) Live() bool {
	return d.MarkedForDeleteAt == 0
}

// Deletes reports whether this row-level deletion shadows a cell at the
// given timestamp: cells not newer than the row tombstone are shadowed.
func (d RowDeletionInfo) Deletes(cellTimestamp int64) bool {
	return !d.Live() && cellTimestamp <= d.MarkedForDeleteAt
}

// Row is a fully merged, in-memory row: a partition key, its row-level
// deletion info, and its cells in clustering order. After merge, Cells
// holds only Live/Expiring/Deleted atoms — range tombstones have already
// been gathered into Deletion.RangeTombstones.
type Row struct {
	PK       token.PK
	Deletion RowDeletionInfo
	Cells    []Cell
}

// IsEmpty reports whether the row carries no live data and no row-level
// tombstone: a row that is both untombstoned and empty is skipped
// entirely rather than written out.
func (r Row) IsEmpty() bool {
	return r.Deletion.Live() && len(r.Cells) == 0
}
