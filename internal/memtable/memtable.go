package memtable

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/merge"
	"github.com/columnforge/ctable/internal/rangedel"
	"github.com/columnforge/ctable/internal/token"
	"github.com/columnforge/ctable/internal/walpos"
)

// state is the memtable's lifecycle phase: a memtable is active, flushing,
// or done, and writes are permitted only while active.
type state int32

const (
	stateActive state = iota
	stateFlushing
	stateDone
)

// liveRatioMin and liveRatioMax bound the metering task's calibrated
// deepHeapSize/serializedSize ratio.
const (
	liveRatioMin = 1.0
	liveRatioMax = 64.0
)

// entry is one partition's mutable row state inside the memtable. Writers
// hold entryMu while merging; the PK and arena-backed bytes it references
// are never mutated after first insert.
type entry struct {
	mu       sync.Mutex
	pk       token.PK
	deletion cell.RowDeletionInfo
	cells    []cell.Cell // kept sorted by the clustering comparator
}

// MemTable is the concurrent in-memory sorted map PK → row: a skip list
// orders partition keys, while the rows themselves are merged in place
// under a per-partition mutex, and a slab allocator (arena.go) backs
// every PK/cell byte copy.
type MemTable struct {
	partitioner token.Partitioner
	clusterCmp  clustering.Comparator
	arena       *Arena

	// indexUpdater observes every same-name cell replacement Put causes,
	// the same hook MergeRows drives during flush/compaction — nil when
	// the store was opened without secondary-index maintenance.
	indexUpdater merge.IndexUpdater

	skiplistMu sync.Mutex // serializes SkipList.Insert, which requires external sync
	skiplist   *SkipList  // orders entries by PK sort key (token || raw bytes)
	index      sync.Map   // sort-key string -> *entry, for O(1) lookup + CAS-style insert

	state state

	currentSize int64 // atomic: serialised-byte estimate
	operations  int64 // atomic: cellCount + rowTombstone? + rangeTombstoneCount

	liveRatio  atomic.Uint64 // float64 bits; calibrated by the metering task
	meterBusy  atomic.Bool   // at most one metering pass in flight
	creationAt time.Time

	// replayPosition is the commit log's currentReplayPosition() captured
	// at the moment this memtable became active; carried onto the flushed
	// table's Stats.
	replayPosition walpos.Position
}

// New creates an active memtable ordering partition keys with p and
// clustering names with clusterCmp. updater may be nil.
func New(p token.Partitioner, clusterCmp clustering.Comparator, updater merge.IndexUpdater) *MemTable {
	mt := &MemTable{
		partitioner:  p,
		clusterCmp:   clusterCmp,
		arena:        NewArena(),
		indexUpdater: updater,
		skiplist:     NewSkipList(BytewiseComparator),
		creationAt:   time.Now(),
	}
	mt.liveRatio.Store(floatBits(liveRatioMin))
	mt.replayPosition = walpos.None
	return mt
}

// SetReplayPosition records the commit-log position in effect when this
// memtable became the active one. Call once, before any write is
// accepted; the flush path reads it back via ReplayPosition.
func (mt *MemTable) SetReplayPosition(p walpos.Position) {
	mt.replayPosition = p
}

// ReplayPosition returns the position recorded by SetReplayPosition, or
// walpos.None if it was never set.
func (mt *MemTable) ReplayPosition() walpos.Position {
	return mt.replayPosition
}

// sortKey encodes a PK's ordering bytes: the token's magnitude as a
// fixed-width big-endian number, a NUL separator, then the raw key, so that
// BytewiseComparator on the encoded form agrees with token.PK.Compare
// (token first, raw bytes second) for every non-negative token up to
// token.Max.
func sortKey(pk token.PK) []byte {
	const width = 33 // big-endian bytes needed to hold token.Max (2^256)
	mag := pk.Token.Bytes()
	if len(mag) > 0 {
		mag = mag[1:] // drop the sign byte
	}
	out := make([]byte, width, width+1+len(pk.Key))
	copy(out[width-len(mag):], mag)
	out = append(out, 0)
	out = append(out, pk.Key...)
	return out
}

// Put merges row into the partition at pk, following a three-step write
// path:
//  1. look up PK, inserting an empty row with a cloned PK on first write
//     (compare-and-set; losing the race means using the winner's entry);
//  2. merge incoming cells into the stored row, deep-copying through the
//     arena;
//  3. atomically account the byte delta and operation count.
//
// Put requires state == active; callers must check ActiveForWrite first.
func (mt *MemTable) Put(pk token.PK, deletion cell.RowDeletionInfo, cells []cell.Cell) {
	key := sortKey(pk)
	keyStr := string(key)

	e, loaded := mt.index.Load(keyStr)
	if !loaded {
		clonedKey := mt.arena.AllocateCopy(pk.Key)
		candidate := &entry{pk: token.PK{Key: clonedKey, Token: pk.Token}}
		actual, raced := mt.index.LoadOrStore(keyStr, candidate)
		if !raced {
			mt.skiplistMu.Lock()
			mt.skiplist.Insert(mt.arena.AllocateCopy(key))
			mt.skiplistMu.Unlock()
		}
		e = actual
	}

	ent := e.(*entry)
	delta := mt.mergeInto(ent, deletion, cells)

	atomic.AddInt64(&mt.currentSize, delta)

	ops := int64(len(cells))
	if !deletion.Live() {
		ops++
	}
	atomic.AddInt64(&mt.operations, ops)
}

// mergeInto performs addAllWithSizeDelta: it deep-copies each incoming
// cell through the arena, reduces it against any existing cell of the
// same clustering name via cell.Reduce, and folds in the incoming
// row-level deletion info. Returns the approximate byte delta.
//
// A same-name reduction is reported to mt.indexUpdater exactly like
// MergeRows reports one during flush/compaction, so a secondary index kept
// current via Put observes every replacement as soon as it happens rather
// than only once the row is later flushed or compacted.
func (mt *MemTable) mergeInto(e *entry, deletion cell.RowDeletionInfo, incoming []cell.Cell) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var delta int64

	if deletion.MarkedForDeleteAt > e.deletion.MarkedForDeleteAt {
		e.deletion = deletion
		delta += 16
	}

	for _, c := range incoming {
		copied := mt.deepCopyCell(c)
		delta += cellSizeEstimate(copied)

		idx, found := mt.findCell(e.cells, copied.Name)
		if !found {
			e.cells = insertCellAt(e.cells, idx, copied)
			continue
		}
		existing := e.cells[idx]
		reduced := cell.Reduce(existing, copied)
		merge.ReportShadow(mt.indexUpdater, existing, copied, reduced)
		e.cells[idx] = reduced
	}

	return delta
}

// deepCopyCell copies a cell's name and value bytes through the arena, so
// the memtable never holds a reference into a caller-owned buffer.
func (mt *MemTable) deepCopyCell(c cell.Cell) cell.Cell {
	out := c
	out.Name = copyKey(mt.arena, c.Name)
	if c.Kind == cell.KindRangeTombstone {
		out.RangeEnd = copyKey(mt.arena, c.RangeEnd)
	}
	if c.Value != nil {
		out.Value = mt.arena.AllocateCopy(c.Value)
	}
	return out
}

func copyKey(a *Arena, k clustering.Key) clustering.Key {
	out := clustering.Key{EOC: k.EOC, Components: make([][]byte, len(k.Components))}
	for i, c := range k.Components {
		out.Components[i] = a.AllocateCopy(c)
	}
	return out
}

// findCell returns the index of an existing cell named name, or the
// insertion point and found=false.
func (mt *MemTable) findCell(cells []cell.Cell, name clustering.Key) (int, bool) {
	lo, hi := 0, len(cells)
	for lo < hi {
		mid := (lo + hi) / 2
		c := mt.clusterCmp.Compare(cells[mid].Name, name)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

func insertCellAt(cells []cell.Cell, idx int, c cell.Cell) []cell.Cell {
	cells = append(cells, cell.Cell{})
	copy(cells[idx+1:], cells[idx:])
	cells[idx] = c
	return cells
}

func cellSizeEstimate(c cell.Cell) int64 {
	size := int64(len(c.Value)) + 24
	for _, comp := range c.Name.Components {
		size += int64(len(comp))
	}
	return size
}

// GetRow returns the merged row at pk, or found=false if no partition with
// that key has been written.
func (mt *MemTable) GetRow(pk token.PK) (row cell.Row, found bool) {
	v, ok := mt.index.Load(string(sortKey(pk)))
	if !ok {
		return cell.Row{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	return cell.Row{
		PK:       e.pk,
		Deletion: e.deletion,
		Cells:    append([]cell.Cell(nil), e.cells...),
	}, true
}

// AddRangeTombstone records a row-scoped range deletion directly (bypassing
// Put's cell-merge path), used by callers applying a DELETE ... WHERE
// clustering-range statement.
func (mt *MemTable) AddRangeTombstone(pk token.PK, t rangedel.Tombstone) {
	key := sortKey(pk)
	keyStr := string(key)

	e, loaded := mt.index.Load(keyStr)
	if !loaded {
		clonedKey := mt.arena.AllocateCopy(pk.Key)
		candidate := &entry{pk: token.PK{Key: clonedKey, Token: pk.Token}}
		actual, raced := mt.index.LoadOrStore(keyStr, candidate)
		if !raced {
			mt.skiplistMu.Lock()
			mt.skiplist.Insert(mt.arena.AllocateCopy(key))
			mt.skiplistMu.Unlock()
		}
		e = actual
	}

	ent := e.(*entry)
	ent.mu.Lock()
	f := rangedel.NewFragmenter(mt.clusterCmp)
	if ent.deletion.RangeTombstones != nil {
		for _, existing := range ent.deletion.RangeTombstones.Fragments() {
			f.Add(existing)
		}
	}
	f.Add(t)
	ent.deletion.RangeTombstones = f.Finish()
	ent.mu.Unlock()

	atomic.AddInt64(&mt.currentSize, int64(len(t.Start.Components[0])+len(t.End.Components[0])+24))
	atomic.AddInt64(&mt.operations, 1)
}

// ActiveForWrite reports whether the memtable currently accepts writes.
func (mt *MemTable) ActiveForWrite() bool {
	return state(atomic.LoadInt32((*int32)(&mt.state))) == stateActive
}

// MarkFlushing transitions active -> flushing, as part of the owning
// store's memtable-switch operation.
func (mt *MemTable) MarkFlushing() {
	atomic.StoreInt32((*int32)(&mt.state), int32(stateFlushing))
}

// MarkDone transitions flushing -> done once the flush completes and the
// tracker has released every snapshot that observed this memtable.
func (mt *MemTable) MarkDone() {
	atomic.StoreInt32((*int32)(&mt.state), int32(stateDone))
}

// CurrentSize returns the atomically tracked serialised-byte estimate.
func (mt *MemTable) CurrentSize() int64 {
	return atomic.LoadInt64(&mt.currentSize)
}

// Operations returns the tracked operation count.
func (mt *MemTable) Operations() int64 {
	return atomic.LoadInt64(&mt.operations)
}

// CreationTime returns when the memtable was constructed, used by the
// compaction controller's mergeShardBefore computation.
func (mt *MemTable) CreationTime() time.Time {
	return mt.creationAt
}

// LiveSize estimates actual heap usage as
// max(allocator.minimumSize, serializedSize * liveRatio).
func (mt *MemTable) LiveSize() int64 {
	floor := mt.arena.MinimumSize()
	estimate := int64(float64(mt.CurrentSize()) * floatFromBits(mt.liveRatio.Load()))
	if estimate < floor {
		return floor
	}
	return estimate
}

// Meter runs the single-threaded metering task if none is already pending:
// it walks every live partition, sums an approximate deep-heap size, and
// recalibrates liveRatio = deepHeapSize / serializedSize, clamped to
// [1.0, 64.0]. Upward revisions are believed outright; downward revisions
// are averaged with the prior value. Returns false without doing work if
// a metering pass is already in flight.
func (mt *MemTable) Meter() bool {
	if !mt.meterBusy.CompareAndSwap(false, true) {
		return false
	}
	defer mt.meterBusy.Store(false)

	serialized := mt.CurrentSize()
	if serialized == 0 {
		return true
	}

	var deepHeap int64
	mt.index.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		deepHeap += int64(len(e.pk.Key)) + 48
		for _, c := range e.cells {
			deepHeap += cellSizeEstimate(c) + 32 // per-cell struct + pointer overhead
		}
		e.mu.Unlock()
		return true
	})

	newRatio := float64(deepHeap) / float64(serialized)
	if newRatio < liveRatioMin {
		newRatio = liveRatioMin
	}
	if newRatio > liveRatioMax {
		newRatio = liveRatioMax
	}

	old := floatFromBits(mt.liveRatio.Load())
	if newRatio >= old {
		mt.liveRatio.Store(floatBits(newRatio))
	} else {
		mt.liveRatio.Store(floatBits((newRatio + old) / 2))
	}
	return true
}

// Iterator returns a range iterator over partitions in PK sort-key order,
// reading from a live snapshot of the skip list.
func (mt *MemTable) Iterator() *RowIterator {
	return &RowIterator{mt: mt, iter: mt.skiplist.NewIterator()}
}

// RowIterator iterates merged rows in PK sort-key order.
type RowIterator struct {
	mt   *MemTable
	iter *Iterator
}

// SeekToFirst positions at the first partition.
func (it *RowIterator) SeekToFirst() { it.iter.SeekToFirst() }

// Next advances to the next partition.
func (it *RowIterator) Next() { it.iter.Next() }

// Valid reports whether the iterator is positioned at a partition.
func (it *RowIterator) Valid() bool { return it.iter.Valid() }

// Row returns the current position's merged row.
func (it *RowIterator) Row() cell.Row {
	v, _ := it.mt.index.Load(string(it.iter.Key()))
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cell.Row{
		PK:       e.pk,
		Deletion: e.deletion,
		Cells:    append([]cell.Cell(nil), e.cells...),
	}
}

func floatBits(f float64) uint64 {
	return math.Float64bits(f)
}

func floatFromBits(b uint64) float64 {
	return math.Float64frombits(b)
}
