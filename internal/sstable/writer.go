package sstable

import (
	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/checksum"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/compression"
	"github.com/columnforge/ctable/internal/encoding"
	"github.com/columnforge/ctable/internal/filter"
	"github.com/columnforge/ctable/internal/mempool"
	"github.com/columnforge/ctable/internal/storageerr"
	"github.com/columnforge/ctable/internal/token"
	"github.com/columnforge/ctable/internal/vfs"
	"github.com/columnforge/ctable/internal/walpos"
)

// WriterOptions configures a Writer. Callers typically derive this from
// Options.SSTable plus the comparator/partitioner carried by the owning
// engine.
type WriterOptions struct {
	Compression              compression.Type
	Checksum                 checksum.Type
	BloomBitsPerKey          int
	IndexBlockThresholdBytes int
	SummarySampleRate        int // every Nth Index entry is sampled into Summary
	ClusteringComparator     clustering.Comparator
	PartitionerName          string

	// ReplayPosition is the commit-log position below which this table's
	// writes are fully persisted. Callers writing a compaction output (no
	// single corresponding flush) must set this to walpos.None explicitly.
	ReplayPosition walpos.Position
}

// indexEntry is one row's Index component record: its PK and a handle
// pointing at the row's bytes in Data.
type indexEntry struct {
	pk     token.PK
	handle blockHandle
}

// Writer builds one sstable's Data/Index/Summary/Filter/Stats component
// files. Rows must be supplied in ascending PK order: a sequential
// WriteRow-then-Finish lifecycle, where each row is written to Data as its
// own compressed, checksummed record, and the whole output is abortable on
// error via Abandon.
type Writer struct {
	fs   vfs.FS
	desc Descriptor
	opts WriterOptions

	dataFile vfs.WritableFile
	dataOff  uint64

	bloom *filter.BloomFilterBuilder

	entries []indexEntry

	minToken, maxToken token.T
	haveRange          bool

	rowCount   uint64
	cellCount  uint64
	minTS      int64
	maxTS      int64
	haveTSInfo bool

	rowSizeHist   *EstimatedHistogram
	colCountHist  *EstimatedHistogram
	tombstoneHist *StreamingHistogram
	haveTombstone bool

	uncompressedBytes uint64
	compressedBytes   uint64

	closed bool
}

// New opens a new Writer for desc, truncating/creating its Data component.
func New(fs vfs.FS, desc Descriptor, opts WriterOptions) (*Writer, error) {
	f, err := fs.Create(desc.DataPath())
	if err != nil {
		return nil, storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: create %s", desc.DataPath())
	}
	return &Writer{
		fs:            fs,
		desc:          desc,
		opts:          opts,
		bloom:         filter.NewBloomFilterBuilder(opts.BloomBitsPerKey),
		dataFile:      f,
		rowSizeHist:   NewEstimatedHistogram(),
		colCountHist:  NewEstimatedHistogram(),
		tombstoneHist: NewStreamingHistogram(streamingHistogramMaxBins),
	}, nil
}

// WriteRow appends one merged row to the table. Rows must be supplied in
// ascending PK order.
func (w *Writer) WriteRow(pk token.PK, row cell.Row) error {
	enc := encodeRow(row, w.opts.ClusteringComparator, w.opts.IndexBlockThresholdBytes)

	// rec is a scratch buffer: built fresh per row, fed to Compress, and
	// never retained past this call, so it's borrowed from the shared pool
	// instead of allocated outright.
	rec := mempool.GlobalPool.Get(len(pk.Key) + len(enc.Body) + 16)
	rec = encoding.AppendLengthPrefixedSlice(rec, pk.Key)
	rec = encoding.AppendVarint64(rec, uint64(len(enc.Body)))
	rec = append(rec, enc.Body...)

	compressed, err := compression.Compress(w.opts.Compression, rec)
	if err != nil {
		mempool.GlobalPool.Put(rec)
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: compress row")
	}

	w.uncompressedBytes += uint64(len(rec))
	w.compressedBytes += uint64(len(compressed))
	w.rowSizeHist.Add(int64(len(rec)))
	w.colCountHist.Add(int64(len(row.Cells)))

	trailer := make([]byte, 5)
	trailer[0] = byte(w.opts.Compression)
	sum := checksum.ComputeChecksum(w.opts.Checksum, compressed, trailer[0])
	encoding.EncodeFixed32(trailer[1:], sum)

	// compressed aliases rec's backing array under NoCompression, so rec
	// isn't returned to the pool until both writes that consume compressed
	// have completed.
	if _, err := w.dataFile.Write(compressed); err != nil {
		mempool.GlobalPool.Put(rec)
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: write row body")
	}
	if _, err := w.dataFile.Write(trailer); err != nil {
		mempool.GlobalPool.Put(rec)
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: write row trailer")
	}
	mempool.GlobalPool.Put(rec)

	handle := blockHandle{Offset: w.dataOff, Size: uint64(len(compressed) + len(trailer))}
	w.dataOff += handle.Size

	w.entries = append(w.entries, indexEntry{pk: pk, handle: handle})
	w.bloom.AddKey(pk.Key)

	if !w.haveRange {
		w.minToken, w.maxToken = pk.Token, pk.Token
		w.haveRange = true
	} else {
		if pk.Token.Compare(w.minToken) < 0 {
			w.minToken = pk.Token
		}
		if pk.Token.Compare(w.maxToken) > 0 {
			w.maxToken = pk.Token
		}
	}

	w.rowCount++
	w.cellCount += uint64(len(row.Cells))
	for _, c := range row.Cells {
		if !w.haveTSInfo {
			w.minTS, w.maxTS = c.Timestamp, c.Timestamp
			w.haveTSInfo = true
		} else {
			if c.Timestamp < w.minTS {
				w.minTS = c.Timestamp
			}
			if c.Timestamp > w.maxTS {
				w.maxTS = c.Timestamp
			}
		}
		switch c.Kind {
		case cell.KindDeleted, cell.KindExpiring, cell.KindRangeTombstone:
			w.tombstoneHist.Add(int64(c.LocalDeletionTime), 1)
			w.haveTombstone = true
		}
	}
	if !row.Deletion.Live() {
		w.tombstoneHist.Add(int64(row.Deletion.LocalDeletionTime), 1)
		w.haveTombstone = true
	}

	return nil
}

// DataBytesWritten returns the number of Data component bytes written so
// far, letting a caller bound a single output's size mid-write without
// waiting for Finish.
func (w *Writer) DataBytesWritten() int64 { return int64(w.dataOff) }

// Finish flushes the Index, Summary, Filter, and Stats components and
// closes every file, returning the completed Descriptor.
func (w *Writer) Finish() (Descriptor, error) {
	if w.closed {
		return Descriptor{}, storageerr.Wrap(storageerr.KindInvariant, "sstable: Finish called twice")
	}
	w.closed = true

	if err := w.dataFile.Sync(); err != nil {
		return Descriptor{}, storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: sync %s", w.desc.DataPath())
	}
	if err := w.dataFile.Close(); err != nil {
		return Descriptor{}, storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: close %s", w.desc.DataPath())
	}

	if err := w.writeIndexAndSummary(); err != nil {
		return Descriptor{}, err
	}
	if err := w.writeFilter(); err != nil {
		return Descriptor{}, err
	}
	if err := w.writeStats(); err != nil {
		return Descriptor{}, err
	}

	return w.desc, nil
}

func (w *Writer) writeIndexAndSummary() error {
	idxFile, err := w.fs.Create(w.desc.IndexPath())
	if err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: create %s", w.desc.IndexPath())
	}

	sampleRate := w.opts.SummarySampleRate
	if sampleRate <= 0 {
		sampleRate = 128
	}

	var summary []byte
	summary = encoding.AppendVarint32(summary, uint32(sampleRate))

	var idxOff uint64
	for i, e := range w.entries {
		var rec []byte
		rec = encoding.AppendLengthPrefixedSlice(rec, e.pk.Key)
		rec = e.handle.appendTo(rec)

		if i%sampleRate == 0 {
			summary = encoding.AppendLengthPrefixedSlice(summary, e.pk.Key)
			summary = encoding.AppendVarint64(summary, idxOff)
		}

		if _, err := idxFile.Write(rec); err != nil {
			return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: write index entry")
		}
		idxOff += uint64(len(rec))
	}

	if err := idxFile.Sync(); err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: sync %s", w.desc.IndexPath())
	}
	if err := idxFile.Close(); err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: close %s", w.desc.IndexPath())
	}

	sumFile, err := w.fs.Create(w.desc.SummaryPath())
	if err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: create %s", w.desc.SummaryPath())
	}
	if _, err := sumFile.Write(summary); err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: write summary")
	}
	if err := sumFile.Sync(); err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: sync %s", w.desc.SummaryPath())
	}
	return sumFile.Close()
}

func (w *Writer) writeFilter() error {
	f, err := w.fs.Create(w.desc.FilterPath())
	if err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: create %s", w.desc.FilterPath())
	}
	if _, err := f.Write(w.bloom.Finish()); err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: write filter")
	}
	if err := f.Sync(); err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: sync %s", w.desc.FilterPath())
	}
	return f.Close()
}

func (w *Writer) writeStats() error {
	ratio := float64(unknownCompressionRatio)
	if w.uncompressedBytes > 0 {
		ratio = float64(w.compressedBytes) / float64(w.uncompressedBytes)
	}

	s := Stats{
		RowCount:             w.rowCount,
		CellCount:            w.cellCount,
		EstimatedRowSize:     w.rowSizeHist,
		EstimatedColumnCount: w.colCountHist,
		MinTimestamp:         w.minTS,
		MaxTimestamp:         w.maxTS,
		MinToken:             w.minToken,
		MaxToken:             w.maxToken,
		CompressionRatio:     ratio,
		ReplayPosition:       w.opts.ReplayPosition,
		Partitioner:          w.opts.PartitionerName,
	}
	if w.haveTombstone {
		s.EstimatedTombstoneDropTime = w.tombstoneHist
	}
	data := s.encode()

	f, err := w.fs.Create(w.desc.StatsPath())
	if err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: create %s", w.desc.StatsPath())
	}
	if _, err := f.Write(data); err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: write stats")
	}
	if err := f.Sync(); err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "sstable: sync %s", w.desc.StatsPath())
	}
	return f.Close()
}

// Abandon discards the writer's in-progress files. It must be called
// instead of Finish when a write fails partway through and the caller
// wants to clean up rather than leave a partial table on disk.
func (w *Writer) Abandon() {
	w.closed = true
	if w.dataFile != nil {
		w.dataFile.Close()
	}
	for _, p := range w.desc.ComponentPaths() {
		w.fs.Remove(p)
	}
}
