// Package compaction implements the per-compaction Controller: the
// overlap interval tree, shouldPurge predicate, and compacted-row
// materialisation entry point used by a compaction run. Level and
// candidate selection live in internal/manifest; this package answers
// purge/shadow questions about everything outside a fixed compaction set.
package compaction

import (
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/merge"
	"github.com/columnforge/ctable/internal/sstable"
	"github.com/columnforge/ctable/internal/token"
)

// Table is the subset of *sstable.Reader the controller needs: its token
// range and a presence check, kept as an interface so tests can supply
// fakes without building real sstable files.
type Table interface {
	MinToken() token.T
	MaxToken() token.T
	MinTimestamp() int64
	MayContain(key []byte) bool
}

// readerTable adapts a *sstable.Reader to Table.
type readerTable struct{ r *sstable.Reader }

func (t readerTable) MinToken() token.T      { return t.r.Stats().MinToken }
func (t readerTable) MaxToken() token.T      { return t.r.Stats().MaxToken }
func (t readerTable) MinTimestamp() int64    { return t.r.Stats().MinTimestamp }
func (t readerTable) MayContain(k []byte) bool { return t.r.MayContain(k) }

// NewReaderTable wraps an sstable.Reader as a Table for use with NewController.
func NewReaderTable(r *sstable.Reader) Table { return readerTable{r: r} }

// interval is one overlappingTree entry: a table plus its token range.
type interval struct {
	table      Table
	firstToken token.T
	lastToken  token.T
}

// Controller answers shouldPurge and getCompactedRow for one compaction
// run over a fixed input set. It is constructed fresh per compaction set
// from the store's live table list and the gcBefore cutoff.
type Controller struct {
	gcBefore         int32
	mergeShardBefore int64
	overlapping      []interval
	cmp              clustering.Comparator
	closed           bool
}

// NewController builds a Controller for a compaction over inputSet, given
// every other live table (allTables) to compute the overlap tree against,
// gcBefore (the droppable-tombstone cutoff), and oldestUnflushedMemtableUnix
// (used to compute mergeShardBefore, normalised to seconds).
func NewController(inputSet, allTables []Table, cmp clustering.Comparator, gcBefore int32, oldestUnflushedMemtableUnix int64) *Controller {
	inSet := make(map[Table]bool, len(inputSet))
	for _, t := range inputSet {
		inSet[t] = true
	}

	c := &Controller{
		gcBefore:         gcBefore,
		mergeShardBefore: oldestUnflushedMemtableUnix + 5*3600,
		cmp:              cmp,
	}
	for _, t := range allTables {
		if inSet[t] {
			continue
		}
		c.overlapping = append(c.overlapping, interval{table: t, firstToken: t.MinToken(), lastToken: t.MaxToken()})
	}
	return c
}

// GCBefore returns the compaction's tombstone-purge cutoff.
func (c *Controller) GCBefore() int32 { return c.gcBefore }

// MergeShardBefore returns the counter-shard safety cutoff, in seconds.
func (c *Controller) MergeShardBefore() int64 { return c.mergeShardBefore }

// ShouldPurge reports whether a tombstone covering pk with the given
// maximum deletion timestamp can be safely dropped: true unless some live
// table outside the compaction set might still hold an older value for
// pk that the tombstone needs to keep shadowing. It consults the overlap
// interval tree of every table not in the current compaction set whose
// token range covers pk; if any such table has a minimum timestamp at or
// below maxDeletionTimestamp and its bloom filter says pk may be present,
// the tombstone must be kept.
func (c *Controller) ShouldPurge(pk token.PK, maxDeletionTimestamp int64) bool {
	for _, iv := range c.overlapping {
		if pk.Token.Compare(iv.firstToken) < 0 || pk.Token.Compare(iv.lastToken) > 0 {
			continue
		}
		if iv.table.MinTimestamp() <= maxDeletionTimestamp && iv.table.MayContain(pk.Key) {
			return false
		}
	}
	return true
}

// GetCompactedRow merges sources for pk and applies the delete-preservation
// rule, consulting ShouldPurge to decide whether this row's tombstones may
// be dropped.
func (c *Controller) GetCompactedRow(pk token.PK, sources []merge.RowSource, updater merge.IndexUpdater) merge.CompactedRow {
	maxTS := int64(0)
	haveTS := false
	for _, s := range sources {
		for _, cell := range s.Cells {
			if !haveTS || cell.Timestamp > maxTS {
				maxTS, haveTS = cell.Timestamp, true
			}
		}
		if s.Deletion.MarkedForDeleteAt > maxTS {
			maxTS = s.Deletion.MarkedForDeleteAt
		}
	}

	purge := c.ShouldPurge(pk, maxTS)
	return merge.NewCompactedRow(pk, sources, c.cmp, updater, purge, c.gcBefore)
}

// Close marks the controller closed. Releasing the reference-counted
// table handles is the caller's responsibility (it owns the
// Table/*sstable.Reader references), so Close only guards against reuse
// after the compaction run ends.
func (c *Controller) Close() {
	c.closed = true
}
