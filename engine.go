package ctable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/columnforge/ctable/internal/cache"
	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/compaction"
	"github.com/columnforge/ctable/internal/executor"
	"github.com/columnforge/ctable/internal/logging"
	"github.com/columnforge/ctable/internal/manifest"
	"github.com/columnforge/ctable/internal/memtable"
	"github.com/columnforge/ctable/internal/merge"
	"github.com/columnforge/ctable/internal/rangedel"
	"github.com/columnforge/ctable/internal/sstable"
	"github.com/columnforge/ctable/internal/storageerr"
	"github.com/columnforge/ctable/internal/token"
	"github.com/columnforge/ctable/internal/tracker"
	"github.com/columnforge/ctable/internal/vfs"
	"github.com/columnforge/ctable/internal/walpos"
)

// Store is the single-table storage engine: the memtable, sstable,
// manifest, compaction, and tracker layers wired together behind a small
// public surface (ApplyWrite, GetRow, SubmitValidation,
// ForceMajorCompaction) that external collaborators call into.
type Store struct {
	opts Options
	fs   vfs.FS
	tocName string

	mfMu sync.Mutex
	mf   *manifest.Manifest

	tr *tracker.Tracker
	ex *executor.Executor

	rowCache *cache.LRUCache
	keyCache *cache.LRUCache

	generation atomic.Uint64

	switchMu sync.Mutex

	compactionMu sync.Mutex

	closeOnce sync.Once
}

// Open recovers (or initializes) a store rooted at opts.Dir, reading its
// TOC listing (if any) and opening every live SST it names before
// returning a Store ready to take writes.
func Open(opts Options) (*Store, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.Partitioner == nil {
		opts.Partitioner = token.DefaultPartitioner{}
	}
	if opts.ClusteringComparator == nil {
		opts.ClusteringComparator = clustering.BytewiseComparator{}
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	if opts.Manifest.NumLevels <= 0 {
		opts.Manifest = DefaultManifestOptions()
	}
	if opts.Compaction.MaxSSTableSize <= 0 {
		opts.Compaction = DefaultCompactionOptions()
	}
	if opts.Executor.FlushPoolSize <= 0 && opts.Executor.CompactionPoolSize <= 0 {
		opts.Executor = DefaultExecutorOptions()
	}
	if opts.SSTable.BloomBitsPerKey == 0 && opts.SSTable.IndexBlockThresholdBytes == 0 {
		opts.SSTable = DefaultSSTableOptions()
	}
	if opts.Keyspace == "" {
		opts.Keyspace = "ks"
	}
	if opts.CF == "" {
		opts.CF = "cf"
	}

	fs := vfs.WithDir(opts.FS, opts.Dir)
	if err := fs.MkdirAll(".", 0o755); err != nil {
		return nil, storageerr.WrapCause(storageerr.KindIOWrite, err, "engine: create %s", opts.Dir)
	}

	tocName := opts.Manifest.TOCFileName
	if tocName == "" {
		tocName = "TOC.txt"
	}

	byLevel, err := manifest.ReadTOC(fs, tocName, opts.Manifest.NumLevels)
	if err != nil {
		return nil, err
	}

	mf := manifest.New(opts.Manifest.NumLevels, opts.Compaction.MaxSSTableSize,
		opts.Compaction.LevelSizeMultiplier, opts.Compaction.L0CompactionTrigger, opts.Compaction.MaxCompactingL0)

	initial := memtable.New(opts.Partitioner, opts.ClusteringComparator, opts.IndexUpdater)
	if opts.CommitLog != nil {
		initial.SetReplayPosition(opts.CommitLog.CurrentReplayPosition())
	} else {
		initial.SetReplayPosition(walpos.None)
	}

	tr := tracker.New(initial, opts.Manifest.NumLevels)

	var keyCache *cache.LRUCache
	if opts.KeyCacheBytes > 0 {
		keyCache = cache.NewLRUCache(uint64(opts.KeyCacheBytes))
	}

	readerOpts := sstable.ReaderOptions{
		Partitioner:          opts.Partitioner,
		ClusteringComparator: opts.ClusteringComparator,
		Checksum:             opts.SSTable.Checksum,
	}
	if keyCache != nil {
		readerOpts.KeyCache = keyCache
	}

	var maxGen uint64
	for k, descs := range byLevel {
		for _, d := range descs {
			r, err := sstable.Open(fs, d, readerOpts)
			if err != nil {
				return nil, err
			}
			tr.Seed(k, r)
			mf.AddTable(k, manifest.NewReaderTable(r))
			if d.Generation > maxGen {
				maxGen = d.Generation
			}
		}
	}
	if err := mf.Validate(); err != nil {
		return nil, err
	}

	var rowCache *cache.LRUCache
	if opts.RowCacheBytes > 0 {
		rowCache = cache.NewLRUCache(uint64(opts.RowCacheBytes))
	}

	s := &Store{
		opts:     opts,
		fs:       fs,
		tocName:  tocName,
		mf:       mf,
		tr:       tr,
		rowCache: rowCache,
		keyCache: keyCache,
	}
	s.generation.Store(maxGen)
	s.ex = executor.New(opts.Executor.FlushPoolSize, opts.Executor.FlushQueueSize,
		opts.Executor.CompactionPoolSize, s.onMemtableFlush, opts.Logger)

	return s, nil
}

func (s *Store) nextGeneration() uint64 { return s.generation.Add(1) }

func (s *Store) readerOptions() sstable.ReaderOptions {
	opts := sstable.ReaderOptions{
		Partitioner:          s.opts.Partitioner,
		ClusteringComparator: s.opts.ClusteringComparator,
		Checksum:             s.opts.SSTable.Checksum,
	}
	if s.keyCache != nil {
		opts.KeyCache = s.keyCache
	}
	return opts
}

func (s *Store) writerOptions(replay walpos.Position) sstable.WriterOptions {
	return sstable.WriterOptions{
		Compression:              s.opts.SSTable.Compression,
		Checksum:                 s.opts.SSTable.Checksum,
		BloomBitsPerKey:          s.opts.SSTable.BloomBitsPerKey,
		IndexBlockThresholdBytes: s.opts.SSTable.IndexBlockThresholdBytes,
		SummarySampleRate:        s.opts.SSTable.SummarySampleRate,
		ClusteringComparator:     s.opts.ClusteringComparator,
		PartitionerName:          s.opts.Partitioner.Name(),
		ReplayPosition:           replay,
	}
}

func (s *Store) newDescriptor() sstable.Descriptor {
	return sstable.Descriptor{
		Keyspace:   s.opts.Keyspace,
		CF:         s.opts.CF,
		Generation: s.nextGeneration(),
		Version:    sstable.CurrentVersion,
	}
}

// ApplyWrite implements `applyWrite(pk, row)`: it merges row into the
// active memtable and, if the memtable has crossed its flush threshold,
// triggers a memtable switch and asynchronous flush.
func (s *Store) ApplyWrite(pk token.PK, deletion cell.RowDeletionInfo, cells []cell.Cell) {
	snap := s.tr.Current()
	snap.Memtable.Put(pk, deletion, cells)

	s.invalidateRowCache(pk.Key)

	if snap.Memtable.CurrentSize() >= s.opts.Memtable.FlushThresholdBytes {
		s.maybeSwitchMemtable()
	}
}

// AddRangeTombstone applies a range tombstone to the active memtable,
// mirroring ApplyWrite's flush-threshold check.
func (s *Store) AddRangeTombstone(pk token.PK, t rangedel.Tombstone) {
	snap := s.tr.Current()
	snap.Memtable.AddRangeTombstone(pk, t)
	s.invalidateRowCache(pk.Key)

	if snap.Memtable.CurrentSize() >= s.opts.Memtable.FlushThresholdBytes {
		s.maybeSwitchMemtable()
	}
}

// maybeSwitchMemtable moves the active memtable to flushing and submits
// its flush, serialized against concurrent switches by switchMu so two
// writers crossing the threshold at once don't each switch a memtable.
func (s *Store) maybeSwitchMemtable() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	snap := s.tr.Current()
	if snap.Memtable.CurrentSize() < s.opts.Memtable.FlushThresholdBytes {
		return
	}
	snap.Memtable.MarkFlushing()

	next := memtable.New(s.opts.Partitioner, s.opts.ClusteringComparator, s.opts.IndexUpdater)
	if s.opts.CommitLog != nil {
		next.SetReplayPosition(s.opts.CommitLog.CurrentReplayPosition())
	} else {
		next.SetReplayPosition(walpos.None)
	}

	flushing := s.tr.BeginFlush(next)

	s.ex.SubmitFlush(func() (walpos.Position, error) {
		return s.flush(flushing)
	})
}

// flush drains one retired memtable into an SST (or, for an empty or
// fully-skipped memtable, into nothing), publishes the result into the
// tracker and manifest via replaceFlushed, and returns the memtable's
// replay position for the executor's signal stage. A batchlog table whose
// only row is both tombstoned and empty flushes to no output at all.
func (s *Store) flush(mt *memtable.MemTable) (walpos.Position, error) {
	pos := mt.ReplayPosition()

	it := mt.Iterator()
	it.SeekToFirst()

	var w *sstable.Writer
	var desc sstable.Descriptor
	rows := 0

	for it.Valid() {
		row := it.Row()
		it.Next()

		if s.opts.Memtable.IsBatchlogTable && !row.Deletion.Live() && len(row.Cells) == 0 {
			continue
		}

		if w == nil {
			desc = s.newDescriptor()
			var err error
			w, err = sstable.New(s.fs, desc, s.writerOptions(pos))
			if err != nil {
				return walpos.None, err
			}
		}
		if err := w.WriteRow(row.PK, row); err != nil {
			w.Abandon()
			return walpos.None, err
		}
		rows++
	}

	var output *sstable.Reader
	if w != nil {
		if _, err := w.Finish(); err != nil {
			return walpos.None, err
		}
		r, err := sstable.Open(s.fs, desc, s.readerOptions())
		if err != nil {
			return walpos.None, err
		}
		output = r
	}

	s.mfMu.Lock()
	if output != nil {
		s.mf.AddTable(0, manifest.NewReaderTable(output))
	}
	s.persistTOCLocked()
	s.mfMu.Unlock()

	s.tr.ReplaceFlushed(mt, output)
	mt.MarkDone()

	s.opts.Logger.Infof(logging.NSEngine+"flushed %s rows=%d", descString(desc, output), rows)

	s.maybeScheduleCompaction()
	return pos, nil
}

func descString(desc sstable.Descriptor, output *sstable.Reader) string {
	if output == nil {
		return "(empty)"
	}
	return desc.String()
}

func (s *Store) onMemtableFlush(pos walpos.Position) {
	if s.opts.CommitLog != nil {
		s.opts.CommitLog.OnFlushed(pos)
	}
}

// GetRow implements `getRow(filter) -> row`: it merges the active
// memtable, every flushing memtable, and every on-disk table that could
// hold pk into one reconciled row, serving from the row cache when
// possible.
func (s *Store) GetRow(pk token.PK) (cell.Row, bool, error) {
	if s.rowCache != nil {
		if h := s.rowCache.Lookup(cache.RowCacheKey(pk.Key)); h != nil {
			row, err := sstable.DecodeRowBytes(pk, h.Value(), s.opts.ClusteringComparator)
			s.rowCache.Release(h)
			if err == nil {
				return row, true, nil
			}
		}
	}

	snap := s.tr.Acquire()
	defer s.tr.Release(snap)

	var sources []merge.RowSource
	found := false

	if row, ok := snap.Memtable.GetRow(pk); ok {
		sources = append(sources, merge.RowSource{Cells: row.Cells, Deletion: row.Deletion})
		found = true
	}
	for i := len(snap.Flushing) - 1; i >= 0; i-- {
		if row, ok := snap.Flushing[i].GetRow(pk); ok {
			sources = append(sources, merge.RowSource{Cells: row.Cells, Deletion: row.Deletion})
			found = true
		}
	}

	for _, h := range snap.Level(0) {
		row, ok, err := h.Reader().GetRow(pk)
		if err != nil {
			return cell.Row{}, false, err
		}
		if ok {
			sources = append(sources, merge.RowSource{Cells: row.Cells, Deletion: row.Deletion})
			found = true
		}
	}
	for k := 1; k < snap.NumLevels; k++ {
		for _, h := range snap.Level(k) {
			st := h.Reader().Stats()
			if pk.Token.Compare(st.MinToken) < 0 || pk.Token.Compare(st.MaxToken) > 0 {
				continue
			}
			row, ok, err := h.Reader().GetRow(pk)
			if err != nil {
				return cell.Row{}, false, err
			}
			if ok {
				sources = append(sources, merge.RowSource{Cells: row.Cells, Deletion: row.Deletion})
				found = true
			}
		}
	}

	if !found {
		return cell.Row{}, false, nil
	}

	merged := merge.MergeRows(pk, sources, s.opts.ClusteringComparator, s.opts.IndexUpdater)

	if s.rowCache != nil {
		encoded := sstable.EncodeRowBytes(merged, s.opts.ClusteringComparator)
		s.rowCache.Release(s.rowCache.Insert(cache.RowCacheKey(pk.Key), encoded, uint64(len(encoded))))
	}

	return merged, true, nil
}

func (s *Store) invalidateRowCache(key []byte) {
	if s.rowCache != nil {
		s.rowCache.Erase(cache.RowCacheKey(key))
	}
}

// ForceMajorCompaction implements `forceMajorCompaction()`: it runs one
// compaction round even if no level's score has reached the natural
// trigger, picking the lowest non-empty level when none scores >= 1.
// Callers drive multiple levels to convergence by calling it repeatedly.
func (s *Store) ForceMajorCompaction() error {
	s.mfMu.Lock()
	level := s.mf.PickCompactionLevel()
	if level < 0 {
		level = s.lowestNonEmptyLevelLocked()
	}
	s.mfMu.Unlock()
	if level < 0 {
		return nil
	}
	return s.runCompactionOnce(level)
}

func (s *Store) lowestNonEmptyLevelLocked() int {
	for k := 0; k < s.mf.NumLevels; k++ {
		if len(s.mf.Level(k)) > 0 {
			return k
		}
	}
	return -1
}

func (s *Store) maybeScheduleCompaction() {
	if s.opts.Compaction.DisableAutoCompactions {
		return
	}
	s.mfMu.Lock()
	level := s.mf.PickCompactionLevel()
	s.mfMu.Unlock()
	if level >= 0 {
		s.ex.SubmitCompaction(func() error { return s.runCompactionOnce(level) })
		return
	}

	// No level crossed its size/count trigger. Fall back to scanning for
	// a table whose droppable-tombstone ratio alone justifies purging it,
	// so a table that's otherwise well-placed in its level doesn't sit
	// on garbage forever just because its level is under target size.
	if level, gen, ok := s.findTombstoneCompactionCandidate(); ok {
		s.ex.SubmitCompaction(func() error { return s.runTombstoneCompactionOnce(level, gen) })
	}
}

// findTombstoneCompactionCandidate scans every L1+ table for one whose
// Stats().DroppableTombstoneRatio(gcBefore) exceeds
// Compaction.TombstoneCompactionThreshold, returning the first one found.
// L0 is skipped: its tables are about to be merged into L1 soon enough by
// the normal size trigger that a separate tombstone pass adds little.
func (s *Store) findTombstoneCompactionCandidate() (level int, generation uint64, ok bool) {
	threshold := s.opts.Compaction.TombstoneCompactionThreshold
	if threshold <= 0 {
		return 0, 0, false
	}
	gcBefore := int32(time.Now().Unix() - s.opts.Compaction.GCGraceSeconds)

	s.mfMu.Lock()
	defer s.mfMu.Unlock()
	for k := 1; k < s.mf.NumLevels; k++ {
		for _, t := range s.mf.Level(k) {
			r := manifest.ReaderOf(t)
			if r == nil {
				continue
			}
			if r.Stats().DroppableTombstoneRatio(gcBefore) > threshold {
				return k, t.Generation(), true
			}
		}
	}
	return 0, 0, false
}

// runCompactionOnce selects level's compaction candidate, merges its
// inputs against the controller's purge context, writes bounded outputs,
// and atomically swaps the result into the manifest and tracker.
func (s *Store) runCompactionOnce(level int) error {
	s.compactionMu.Lock()
	defer s.compactionMu.Unlock()

	s.mfMu.Lock()
	candidate := s.mf.SelectCandidate(level)
	if len(candidate.Inputs) == 0 {
		s.mfMu.Unlock()
		return nil
	}
	return s.runCandidateLocked(level, candidate)
}

// runTombstoneCompactionOnce self-compacts the single table (level,
// generation) purely to purge droppable tombstones. It's a no-op if the
// table was already compacted away by some other run before this one
// acquired compactionMu.
func (s *Store) runTombstoneCompactionOnce(level int, generation uint64) error {
	s.compactionMu.Lock()
	defer s.compactionMu.Unlock()

	s.mfMu.Lock()
	candidate, ok := s.mf.SelectTombstoneCandidate(level, generation)
	if !ok {
		s.mfMu.Unlock()
		return nil
	}
	return s.runCandidateLocked(level, candidate)
}

// runCandidateLocked executes candidate's merge/write/install sequence.
// Callers must hold compactionMu and have already taken mfMu (released
// here once the input/sibling table snapshot is captured).
func (s *Store) runCandidateLocked(level int, candidate manifest.CompactionCandidate) error {
	inSet := make(map[uint64]bool, len(candidate.Inputs))
	var inputReaders []*sstable.Reader
	for _, t := range candidate.Inputs {
		inSet[t.Generation()] = true
		if r := manifest.ReaderOf(t); r != nil {
			inputReaders = append(inputReaders, r)
		}
	}

	var allTables []compaction.Table
	for k := 0; k < s.mf.NumLevels; k++ {
		for _, t := range s.mf.Level(k) {
			if inSet[t.Generation()] {
				continue
			}
			if r := manifest.ReaderOf(t); r != nil {
				allTables = append(allTables, compaction.NewReaderTable(r))
			}
		}
	}
	s.mfMu.Unlock()

	inputTables := make([]compaction.Table, 0, len(inputReaders))
	for _, r := range inputReaders {
		inputTables = append(inputTables, compaction.NewReaderTable(r))
	}

	gcBefore := int32(time.Now().Unix() - s.opts.Compaction.GCGraceSeconds)
	ctl := compaction.NewController(inputTables, allTables, s.opts.ClusteringComparator, gcBefore, s.oldestUnflushedMemtableUnix())
	defer ctl.Close()

	outputs, err := s.writeCompactionOutputs(inputReaders, ctl)
	if err != nil {
		return err
	}

	s.mfMu.Lock()
	if err := s.mf.Apply(candidate.Inputs, toManifestTables(outputs), candidate.OutputLevel); err != nil {
		s.mfMu.Unlock()
		for _, r := range outputs {
			r.Close()
			r.RemoveFiles()
		}
		return err
	}
	s.persistTOCLocked()
	s.mfMu.Unlock()

	s.tr.ApplyCompaction(inputReaders, outputs, candidate.OutputLevel)
	s.tr.Invalidate()

	s.opts.Logger.Infof(logging.NSEngine+"compacted L%d: %d inputs -> %d outputs in L%d",
		level, len(candidate.Inputs), len(outputs), candidate.OutputLevel)

	s.maybeScheduleCompaction()
	return nil
}

func (s *Store) oldestUnflushedMemtableUnix() int64 {
	snap := s.tr.Current()
	oldest := snap.Memtable.CreationTime()
	for _, mt := range snap.Flushing {
		if mt.CreationTime().Before(oldest) {
			oldest = mt.CreationTime()
		}
	}
	return oldest.Unix()
}

// writeCompactionOutputs merges readers' rows and writes them to one or
// more output tables, starting a fresh one whenever the current output
// reaches Compaction.MaxSSTableSize.
func (s *Store) writeCompactionOutputs(readers []*sstable.Reader, ctl *compaction.Controller) ([]*sstable.Reader, error) {
	var outputs []*sstable.Reader
	var w *sstable.Writer
	var desc sstable.Descriptor
	rowsInCurrent := 0

	finishCurrent := func() error {
		if w == nil {
			return nil
		}
		if rowsInCurrent == 0 {
			w.Abandon()
			w = nil
			return nil
		}
		if _, err := w.Finish(); err != nil {
			return err
		}
		r, err := sstable.Open(s.fs, desc, s.readerOptions())
		if err != nil {
			return err
		}
		outputs = append(outputs, r)
		w, rowsInCurrent = nil, 0
		return nil
	}

	startNew := func() error {
		desc = s.newDescriptor()
		var err error
		w, err = sstable.New(s.fs, desc, s.writerOptions(walpos.None))
		return err
	}

	abortAll := func() {
		if w != nil {
			w.Abandon()
		}
		for _, r := range outputs {
			r.Close()
			r.RemoveFiles()
		}
	}

	if err := startNew(); err != nil {
		return nil, err
	}

	mergeErr := compaction.MergeInputs(readers, s.opts.Partitioner, func(g compaction.RowGroup) error {
		compacted := ctl.GetCompactedRow(g.PK, g.Sources, s.opts.IndexUpdater)
		materialized := materializeCompactedRow(compacted)
		s.invalidateRowCache(g.PK.Key)

		if len(materialized.Cells) == 0 && materialized.Deletion.Live() &&
			(materialized.Deletion.RangeTombstones == nil || materialized.Deletion.RangeTombstones.IsEmpty()) {
			return nil
		}

		if err := w.WriteRow(g.PK, materialized); err != nil {
			return err
		}
		rowsInCurrent++

		if w.DataBytesWritten() >= s.opts.Compaction.MaxSSTableSize {
			if err := finishCurrent(); err != nil {
				return err
			}
			return startNew()
		}
		return nil
	})

	if mergeErr != nil {
		abortAll()
		return nil, mergeErr
	}
	if err := finishCurrent(); err != nil {
		abortAll()
		return nil, err
	}
	return outputs, nil
}

func materializeCompactedRow(cr merge.CompactedRow) cell.Row {
	if cr.Precompacted != nil {
		return *cr.Precompacted
	}
	lazy := cr.Lazy
	cells := make([]cell.Cell, 0, lazy.Len())
	for {
		c, ok := lazy.NextCell()
		if !ok {
			break
		}
		cells = append(cells, c)
	}
	return cell.Row{Deletion: lazy.Deletion(), Cells: cells}
}

func toManifestTables(readers []*sstable.Reader) []manifest.Table {
	out := make([]manifest.Table, len(readers))
	for i, r := range readers {
		out[i] = manifest.NewReaderTable(r)
	}
	return out
}

func (s *Store) persistTOCLocked() {
	byLevel := make([][]sstable.Descriptor, s.mf.NumLevels)
	for k := 0; k < s.mf.NumLevels; k++ {
		for _, t := range s.mf.Level(k) {
			if r := manifest.ReaderOf(t); r != nil {
				byLevel[k] = append(byLevel[k], r.Descriptor())
			}
		}
	}
	if err := manifest.WriteTOC(s.fs, s.tocName, byLevel); err != nil {
		s.opts.Logger.Errorf(logging.NSEngine+"persist TOC: %v", err)
	}
}

// rollingDigest combines per-row digests order-independently (XOR), since
// a validation scan's L0 merge order and a peer's may legitimately differ
// while still covering the same row set — the tree root must agree either
// way.
type rollingDigest struct {
	acc [32]byte
}

func newRollingDigest() *rollingDigest { return &rollingDigest{} }

func (d *rollingDigest) add(h [32]byte) {
	for i := range d.acc {
		d.acc[i] ^= h[i]
	}
}

func (d *rollingDigest) sum() [32]byte { return d.acc }

// ValidationResult is the outcome of a SubmitValidation run: a digest over
// every row in the queried range, plus the byte count read, so a caller
// can cross-check against sum(dataFileSize) for the scanned tables.
type ValidationResult struct {
	TreeRoot  [32]byte
	RowCount  int64
	BytesRead int64
}

// ValidationFuture is returned by SubmitValidation; Wait blocks until the
// background scan completes.
type ValidationFuture struct {
	done chan struct{}
	res  ValidationResult
	err  error
}

// Wait blocks until the validation run completes and returns its result.
func (f *ValidationFuture) Wait() (ValidationResult, error) {
	<-f.done
	return f.res, f.err
}

// SubmitValidation implements `submitValidation(store, range) ->
// future<treeRoot>`: it runs a Merkle-style digest scan over [lo, hi] on
// the compaction pool, merging L0's overlapping tables and walking
// Lk>=1's disjoint tables via the manifest's validation Scanner.
func (s *Store) SubmitValidation(lo, hi token.T) *ValidationFuture {
	fut := &ValidationFuture{done: make(chan struct{})}
	s.ex.SubmitCompaction(func() error {
		res, err := s.runValidation(lo, hi)
		fut.res, fut.err = res, err
		close(fut.done)
		return err
	})
	return fut
}

func (s *Store) runValidation(lo, hi token.T) (ValidationResult, error) {
	snap := s.tr.Acquire()
	defer s.tr.Release(snap)

	digest := newRollingDigest()
	var rows, bytesRead int64

	var l0Readers []*sstable.Reader
	for _, h := range snap.Level(0) {
		st := h.Reader().Stats()
		if st.MaxToken.Compare(lo) < 0 || st.MinToken.Compare(hi) > 0 {
			continue
		}
		l0Readers = append(l0Readers, h.Reader())
	}
	if len(l0Readers) > 0 {
		err := compaction.MergeInputs(l0Readers, s.opts.Partitioner, func(g compaction.RowGroup) error {
			if g.PK.Token.Compare(lo) < 0 || g.PK.Token.Compare(hi) > 0 {
				return nil
			}
			merged := merge.MergeRows(g.PK, g.Sources, s.opts.ClusteringComparator, nil)
			digest.add(merge.Digest(merged))
			rows++
			return nil
		})
		if err != nil {
			return ValidationResult{}, err
		}
	}

	for k := 1; k < snap.NumLevels; k++ {
		var readers []*sstable.Reader
		for _, h := range snap.Level(k) {
			st := h.Reader().Stats()
			if st.MaxToken.Compare(lo) < 0 || st.MinToken.Compare(hi) > 0 {
				continue
			}
			readers = append(readers, h.Reader())
		}
		if len(readers) == 0 {
			continue
		}
		sc := manifest.NewScanner(readers)
		for sc.Next() {
			pk, row := sc.Row()
			if pk.Token.Compare(lo) >= 0 && pk.Token.Compare(hi) <= 0 {
				digest.add(merge.Digest(row))
				rows++
			}
		}
		if err := sc.Err(); err != nil {
			return ValidationResult{}, err
		}
		bytesRead += sc.CurrentPosition()
	}

	return ValidationResult{TreeRoot: digest.sum(), RowCount: rows, BytesRead: bytesRead}, nil
}

// Close stops the executor (waiting for queued flush/compaction work to
// drain) and closes every table reader still referenced by the current
// snapshot.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.ex.Close()
		if s.rowCache != nil {
			s.rowCache.Close()
		}
		if s.keyCache != nil {
			s.keyCache.Close()
		}
		snap := s.tr.Current()
		for _, lvl := range snap.Levels {
			for _, h := range lvl {
				if cerr := h.Reader().Close(); cerr != nil && err == nil {
					err = cerr
				}
			}
		}
	})
	return err
}
