package sstable

import (
	"sort"
	"sync/atomic"

	"github.com/columnforge/ctable/internal/cache"
	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/checksum"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/compression"
	"github.com/columnforge/ctable/internal/encoding"
	"github.com/columnforge/ctable/internal/filter"
	"github.com/columnforge/ctable/internal/storageerr"
	"github.com/columnforge/ctable/internal/token"
	"github.com/columnforge/ctable/internal/vfs"
)

// summaryEntry is one sampled Index offset, read fully into memory so a
// lookup can binary-search it without touching Index until it knows which
// neighborhood to mmap/read.
type summaryEntry struct {
	firstKey []byte
	indexOff uint64
}

// ReaderOptions carries the collaborators a Reader needs to interpret a
// table's bytes; these must match what the table was written with.
type ReaderOptions struct {
	Partitioner          token.Partitioner
	ClusteringComparator clustering.Comparator
	Checksum             checksum.Type

	// KeyCache, if set, is consulted before scanning Index and populated
	// after a successful scan, so a repeat lookup of the same partition
	// key against the same table skips straight to Data. Shared across
	// every Reader opened against the same store; entries are namespaced
	// by the table's Descriptor.Generation, which is unique within it.
	KeyCache cache.Cache
}

// Reader answers named-row lookups against one sstable's component set
// via a conventional bloom -> summary -> index -> data lookup path,
// returning a merged cell.Row instead of a single value blob.
//
// Reader is reference-counted: Open returns it with one implicit
// reference; Ref/Unref let the data tracker keep it alive across
// concurrent reads while a compaction swaps it out of the live set.
type Reader struct {
	fs   vfs.FS
	desc Descriptor
	opts ReaderOptions

	data  vfs.RandomAccessFile
	index vfs.RandomAccessFile

	bloom    *filter.BloomFilterReader
	summary  []summaryEntry
	stats    Stats
	refCount int32
}

// Open opens every component of desc and loads Summary and Filter into
// memory (both are small, sampled structures; Index and Data stay on disk
// and are read by handle).
func Open(fs vfs.FS, desc Descriptor, opts ReaderOptions) (*Reader, error) {
	data, err := fs.OpenRandomAccess(desc.DataPath())
	if err != nil {
		return nil, storageerr.WrapCause(storageerr.KindIORead, err, "sstable: open %s", desc.DataPath())
	}
	index, err := fs.OpenRandomAccess(desc.IndexPath())
	if err != nil {
		data.Close()
		return nil, storageerr.WrapCause(storageerr.KindIORead, err, "sstable: open %s", desc.IndexPath())
	}

	r := &Reader{fs: fs, desc: desc, opts: opts, data: data, index: index, refCount: 1}

	if err := r.loadFilter(); err != nil {
		r.closeFiles()
		return nil, err
	}
	if err := r.loadSummary(); err != nil {
		r.closeFiles()
		return nil, err
	}
	if err := r.loadStats(); err != nil {
		r.closeFiles()
		return nil, err
	}

	if opts.Partitioner != nil && r.stats.Partitioner != "" && r.stats.Partitioner != opts.Partitioner.Name() {
		r.closeFiles()
		return nil, storageerr.Wrap(storageerr.KindUnknownPartitioner,
			"sstable: %s was written with partitioner %q, opened with %q", desc, r.stats.Partitioner, opts.Partitioner.Name())
	}

	return r, nil
}

func (r *Reader) loadFilter() error {
	f, err := r.fs.OpenRandomAccess(r.desc.FilterPath())
	if err != nil {
		return storageerr.WrapCause(storageerr.KindIORead, err, "sstable: open %s", r.desc.FilterPath())
	}
	defer f.Close()

	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return storageerr.WrapCause(storageerr.KindIORead, err, "sstable: read %s", r.desc.FilterPath())
	}
	r.bloom = filter.NewBloomFilterReader(buf)
	return nil
}

func (r *Reader) loadSummary() error {
	f, err := r.fs.OpenRandomAccess(r.desc.SummaryPath())
	if err != nil {
		return storageerr.WrapCause(storageerr.KindIORead, err, "sstable: open %s", r.desc.SummaryPath())
	}
	defer f.Close()

	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return storageerr.WrapCause(storageerr.KindIORead, err, "sstable: read %s", r.desc.SummaryPath())
	}

	if len(buf) == 0 {
		return nil
	}
	_, n, err := encoding.DecodeVarint32(buf)
	if err != nil {
		return storageerr.Wrap(storageerr.KindCorrupt, "sstable: bad summary header in %s", r.desc.SummaryPath())
	}
	buf = buf[n:]

	for len(buf) > 0 {
		key, n, err := encoding.DecodeLengthPrefixedSlice(buf)
		if err != nil {
			return storageerr.Wrap(storageerr.KindCorrupt, "sstable: bad summary entry in %s", r.desc.SummaryPath())
		}
		buf = buf[n:]
		off, n, err := encoding.DecodeVarint64(buf)
		if err != nil {
			return storageerr.Wrap(storageerr.KindCorrupt, "sstable: bad summary entry in %s", r.desc.SummaryPath())
		}
		buf = buf[n:]
		r.summary = append(r.summary, summaryEntry{firstKey: append([]byte(nil), key...), indexOff: off})
	}
	return nil
}

func (r *Reader) loadStats() error {
	f, err := r.fs.OpenRandomAccess(r.desc.StatsPath())
	if err != nil {
		return storageerr.WrapCause(storageerr.KindIORead, err, "sstable: open %s", r.desc.StatsPath())
	}
	defer f.Close()

	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return storageerr.WrapCause(storageerr.KindIORead, err, "sstable: read %s", r.desc.StatsPath())
	}
	s, err := decodeStats(buf)
	if err != nil {
		return err
	}
	r.stats = s
	return nil
}

// Stats returns the table's Statistics.db sidecar contents.
func (r *Reader) Stats() Stats { return r.stats }

// Descriptor returns the component-set descriptor this reader was opened
// from, identifying it across the manifest and compaction controller.
func (r *Reader) Descriptor() Descriptor { return r.desc }

// SizeBytes returns the Data component's size, used by the leveled
// manifest's level-size accounting.
func (r *Reader) SizeBytes() int64 { return r.data.Size() }

// MayContain reports whether key might be present in this table, consulting
// only the in-memory bloom filter.
func (r *Reader) MayContain(key []byte) bool {
	return r.bloom.MayContain(key)
}

// GetRow looks up pk's row. The bool result is false if the bloom filter or
// index positively rules the key out; it is not an error.
func (r *Reader) GetRow(pk token.PK) (cell.Row, bool, error) {
	if !r.MayContain(pk.Key) {
		return cell.Row{}, false, nil
	}

	handle, found, err := r.lookupHandle(pk.Key)
	if err != nil {
		return cell.Row{}, false, err
	}
	if !found {
		return cell.Row{}, false, nil
	}

	row, err := r.readRowAt(pk, handle)
	if err != nil {
		return cell.Row{}, false, err
	}
	return row, true, nil
}

// GetNamedColumns looks up pk's row and decodes only the cells named in
// names, using the row's promoted column index (when the row is large
// enough to carry one) to skip decoding every other block: binary-search
// the index once per requested name, then linear-scan the owning block,
// decoding each distinct block at most once per call. Small, unpromoted
// rows fall back to a single full linear scan, same as GetRow.
func (r *Reader) GetNamedColumns(pk token.PK, names []clustering.Key) (cell.Row, bool, error) {
	if !r.MayContain(pk.Key) {
		return cell.Row{}, false, nil
	}

	handle, found, err := r.lookupHandle(pk.Key)
	if err != nil {
		return cell.Row{}, false, err
	}
	if !found {
		return cell.Row{}, false, nil
	}

	body, err := r.readRowBodyAt(handle)
	if err != nil {
		return cell.Row{}, false, err
	}

	row, err := decodeRowNamed(pk, body, r.opts.ClusteringComparator, names)
	if err != nil {
		return cell.Row{}, false, err
	}
	return row, true, nil
}

// lookupHandle resolves pk's Data handle, consulting the key cache first
// when one is configured and falling back to a summary-assisted Index
// scan on a miss. A scan result is cached so the next lookup of the same
// key against this table skips Index entirely.
func (r *Reader) lookupHandle(key []byte) (blockHandle, bool, error) {
	if r.opts.KeyCache != nil {
		cacheKey := cache.KeyCacheKey(r.desc.Generation, key)
		if h := r.opts.KeyCache.Lookup(cacheKey); h != nil {
			handle, _, err := decodeHandle(h.Value())
			r.opts.KeyCache.Release(h)
			if err != nil {
				return blockHandle{}, false, err
			}
			return handle, true, nil
		}
	}

	indexOff := r.summarySearch(key)
	handle, found, err := r.scanIndex(indexOff, key)
	if err != nil || !found {
		return blockHandle{}, false, err
	}

	if r.opts.KeyCache != nil {
		cacheKey := cache.KeyCacheKey(r.desc.Generation, key)
		encoded := handle.appendTo(nil)
		r.opts.KeyCache.Release(r.opts.KeyCache.Insert(cacheKey, encoded, uint64(len(encoded))))
	}
	return handle, true, nil
}

// summarySearch returns the Index byte offset to start a linear scan from:
// the offset of the last sampled summary entry whose key is <= key.
func (r *Reader) summarySearch(key []byte) uint64 {
	cmp := r.opts.Partitioner
	i := sort.Search(len(r.summary), func(i int) bool {
		return cmp.CompareKeys(r.summary[i].firstKey, key) > 0
	})
	if i == 0 {
		return 0
	}
	return r.summary[i-1].indexOff
}

// scanIndex linearly scans Index entries starting at off until it finds
// key, passes it, or runs out of data.
func (r *Reader) scanIndex(off uint64, key []byte) (blockHandle, bool, error) {
	size := r.index.Size()
	if int64(off) >= size {
		return blockHandle{}, false, nil
	}
	buf := make([]byte, size-int64(off))
	if _, err := r.index.ReadAt(buf, int64(off)); err != nil {
		return blockHandle{}, false, storageerr.WrapCause(storageerr.KindIORead, err, "sstable: read %s", r.desc.IndexPath())
	}

	cmp := r.opts.Partitioner
	for len(buf) > 0 {
		entryKey, n, err := encoding.DecodeLengthPrefixedSlice(buf)
		if err != nil {
			return blockHandle{}, false, storageerr.Wrap(storageerr.KindCorrupt, "sstable: bad index entry in %s", r.desc.IndexPath())
		}
		buf = buf[n:]
		handle, rest, err := decodeHandle(buf)
		if err != nil {
			return blockHandle{}, false, storageerr.Wrap(storageerr.KindCorrupt, "sstable: bad index entry in %s", r.desc.IndexPath())
		}
		buf = rest

		c := cmp.CompareKeys(entryKey, key)
		if c == 0 {
			return handle, true, nil
		}
		if c > 0 {
			return blockHandle{}, false, nil
		}
	}
	return blockHandle{}, false, nil
}

// readRowAt decompresses and decodes the row body stored at handle.
func (r *Reader) readRowAt(pk token.PK, handle blockHandle) (cell.Row, error) {
	body, err := r.readRowBodyAt(handle)
	if err != nil {
		return cell.Row{}, err
	}
	return decodeRow(pk, body, r.opts.ClusteringComparator)
}

// readRowBodyAt decompresses the record stored at handle and strips its
// PK/length framing, returning the raw row body decodeRow/decodeRowNamed
// operate on.
func (r *Reader) readRowBodyAt(handle blockHandle) ([]byte, error) {
	raw := make([]byte, handle.Size)
	if _, err := r.data.ReadAt(raw, int64(handle.Offset)); err != nil {
		return nil, storageerr.WrapCause(storageerr.KindIORead, err, "sstable: read %s", r.desc.DataPath())
	}
	if len(raw) < 5 {
		return nil, errTruncated
	}
	compressed := raw[:len(raw)-5]
	trailer := raw[len(raw)-5:]

	compType := compression.Type(trailer[0])
	wantSum := encoding.DecodeFixed32(trailer[1:])
	if r.opts.Checksum != checksum.TypeNoChecksum {
		gotSum := checksum.ComputeChecksum(r.opts.Checksum, compressed, trailer[0])
		if gotSum != wantSum {
			return nil, errChecksumMismatch
		}
	}

	rec, err := compression.Decompress(compType, compressed)
	if err != nil {
		return nil, storageerr.WrapCause(storageerr.KindCorrupt, err, "sstable: decompress row")
	}

	_, n, err := encoding.DecodeLengthPrefixedSlice(rec)
	if err != nil {
		return nil, errTruncated
	}
	rec = rec[n:]

	bodyLen, n, err := encoding.DecodeVarint64(rec)
	if err != nil {
		return nil, errTruncated
	}
	rec = rec[n:]
	if uint64(len(rec)) < bodyLen {
		return nil, errTruncated
	}

	return rec[:bodyLen], nil
}

func (r *Reader) closeFiles() {
	if r.data != nil {
		r.data.Close()
	}
	if r.index != nil {
		r.index.Close()
	}
}

// Ref increments the reader's reference count. Callers that retain a
// Reader beyond the scope of a single read (e.g. an in-flight compaction
// input) must Ref it and Unref when done.
func (r *Reader) Ref() {
	atomic.AddInt32(&r.refCount, 1)
}

// Unref decrements the reference count and closes the underlying files
// once it reaches zero.
func (r *Reader) Unref() error {
	if atomic.AddInt32(&r.refCount, -1) > 0 {
		return nil
	}
	r.closeFiles()
	return nil
}

// Close is equivalent to a single Unref, for callers that never Ref beyond
// the initial Open.
func (r *Reader) Close() error {
	return r.Unref()
}

// RemoveFiles deletes every component file of this table from the
// filesystem. Callers must only call this once the reader's refcount has
// reached zero (the data tracker's deferred-deletion rule) so no
// in-flight read still holds the file handles open.
func (r *Reader) RemoveFiles() error {
	var firstErr error
	for _, p := range r.desc.ComponentPaths() {
		if err := r.fs.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
