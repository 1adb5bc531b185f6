// Package ctable implements a single-table log-structured storage engine
// for a wide-column data model: memtable ingestion, immutable sorted
// tables, leveled compaction, and tombstone-purge-safe merge.
package ctable

import (
	"github.com/columnforge/ctable/internal/checksum"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/compression"
	"github.com/columnforge/ctable/internal/logging"
	"github.com/columnforge/ctable/internal/merge"
	"github.com/columnforge/ctable/internal/token"
	"github.com/columnforge/ctable/internal/vfs"
	"github.com/columnforge/ctable/internal/walpos"
)

// CommitLog is the external collaborator supplying a monotone replay
// position and receiving flush-durability notifications. A nil CommitLog
// means every flushed table records walpos.None and no notification is
// ever sent.
type CommitLog interface {
	CurrentReplayPosition() walpos.Position

	// OnFlushed is called, in monotone non-decreasing order, once a
	// memtable switched at replay position p has been durably flushed —
	// the signal the commit log needs to reclaim segments below p.
	OnFlushed(p walpos.Position)
}

// IndexUpdater is an alias for merge.IndexUpdater, the secondary-index
// maintenance hook consumed during merge.
type IndexUpdater = merge.IndexUpdater

// DiskSpaceProvider is the external collaborator choosing a writeable
// location for a flush or compaction output of a given estimated size.
// The default provider always returns Options.Dir, since this engine
// targets a single directory per table.
type DiskSpaceProvider interface {
	GetWriteableLocation(estimatedBytes int64) (string, error)
}

type singleDirDiskSpace struct{ dir string }

func (s singleDirDiskSpace) GetWriteableLocation(int64) (string, error) { return s.dir, nil }

// Logger is an alias for the logging.Logger interface, so callers can wire
// their own logger without importing the internal package directly.
type Logger = logging.Logger

// CompressionType is an alias for the sstable data-block compression type.
type CompressionType = compression.Type

// Compression type constants, re-exported for callers constructing Options.
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	ZlibCompression   = compression.ZlibCompression
	LZ4Compression    = compression.LZ4Compression
	LZ4HCCompression  = compression.LZ4HCCompression
	ZstdCompression   = compression.ZstdCompression
)

// ChecksumType is an alias for the sstable block-checksum type.
type ChecksumType = checksum.Type

// Checksum type constants, re-exported for callers constructing Options.
const (
	ChecksumTypeNoChecksum = checksum.TypeNoChecksum
	ChecksumTypeCRC32C     = checksum.TypeCRC32C
	ChecksumTypeXXHash64   = checksum.TypeXXHash64
	ChecksumTypeXXH3       = checksum.TypeXXH3
)

// MemtableOptions configures the in-memory write path.
type MemtableOptions struct {
	// FlushThresholdBytes is the live-size estimate at which the owning
	// store switches the active memtable to flushing. Default: 64MiB.
	FlushThresholdBytes int64

	// ArenaBlockSize is not read by the store: every memtable's slab
	// allocator uses the arena's built-in 4KiB region size. Default: 1MiB.
	ArenaBlockSize int

	// IsBatchlogTable enables the batchlog flush rule: a row that is both
	// tombstoned and empty is skipped entirely rather than written out
	// with just its row tombstone. Default: false.
	IsBatchlogTable bool
}

// DefaultMemtableOptions returns the documented defaults.
func DefaultMemtableOptions() MemtableOptions {
	return MemtableOptions{
		FlushThresholdBytes: 64 * 1024 * 1024,
		ArenaBlockSize:      1024 * 1024,
	}
}

// SSTableOptions configures the on-disk table format.
type SSTableOptions struct {
	// IndexBlockThresholdBytes: rows whose serialized size exceeds this get
	// a promoted per-row column index. Default: 64KiB.
	IndexBlockThresholdBytes int

	// BloomBitsPerKey sizes the per-table bloom filter. Values below 1 are
	// raised to 1, so every table gets a filter. Default: 10 (~1% false
	// positive rate).
	BloomBitsPerKey int

	// SummarySampleRate: every Nth Index entry is sampled into the Summary
	// component. Default: 128.
	SummarySampleRate int

	// Compression is the data-block compressor for new tables.
	Compression CompressionType

	// Checksum is the block-checksum algorithm for new tables.
	Checksum ChecksumType
}

// DefaultSSTableOptions returns the documented defaults.
func DefaultSSTableOptions() SSTableOptions {
	return SSTableOptions{
		IndexBlockThresholdBytes: 64 * 1024,
		BloomBitsPerKey:          10,
		SummarySampleRate:        128,
		Compression:              SnappyCompression,
		Checksum:                 ChecksumTypeCRC32C,
	}
}

// CompactionOptions configures the leveled manifest and compaction
// controller.
type CompactionOptions struct {
	// MaxSSTableSize bounds a single compaction output file. Default: 256MiB.
	MaxSSTableSize int64

	// LevelSizeMultiplier is the per-level target-size growth factor.
	// Default: 10.
	LevelSizeMultiplier int64

	// L0CompactionTrigger is the L0 file count that makes the level's score
	// reach 1.0. Default: 4.
	L0CompactionTrigger int

	// MaxCompactingL0 bounds how many overlapping L0 tables a single L0
	// compaction pulls in. Default: 32.
	MaxCompactingL0 int

	// GCGraceSeconds is added to a tombstone's creation time to compute
	// gcBefore during major compaction. Default: 10 days.
	GCGraceSeconds int64

	// DisableAutoCompactions turns off background candidate selection;
	// ForceMajorCompaction remains available. Default: false.
	DisableAutoCompactions bool

	// TombstoneCompactionThreshold is the droppable-tombstone ratio (see
	// sstable.Stats.DroppableTombstoneRatio) an L1+ table must exceed
	// before it's self-compacted purely to purge tombstones, even though
	// its level hasn't crossed the normal size-based trigger. Default:
	// 0.2, matching the single-sstable tombstone-compaction threshold
	// this is modeled on. A value <= 0 disables the check.
	TombstoneCompactionThreshold float64
}

// DefaultCompactionOptions returns the documented defaults.
func DefaultCompactionOptions() CompactionOptions {
	return CompactionOptions{
		MaxSSTableSize:               256 * 1024 * 1024,
		LevelSizeMultiplier:          10,
		L0CompactionTrigger:          4,
		MaxCompactingL0:              32,
		GCGraceSeconds:               10 * 24 * 3600,
		TombstoneCompactionThreshold: 0.2,
	}
}

// ManifestOptions configures startup recovery and descriptor naming:
// the TOC listing used for crash-safe descriptor recovery.
type ManifestOptions struct {
	// NumLevels bounds the level array, L0..NumLevels-1. Default: 7.
	NumLevels int

	// TOCFileName is the name of the per-store TOC listing live
	// descriptors, read at recovery. Default: "TOC.txt".
	TOCFileName string
}

// DefaultManifestOptions returns the documented defaults.
func DefaultManifestOptions() ManifestOptions {
	return ManifestOptions{
		NumLevels:   7,
		TOCFileName: "TOC.txt",
	}
}

// ExecutorOptions configures the flush/compaction pools.
type ExecutorOptions struct {
	// FlushPoolSize bounds concurrent flush tasks. Default: 2.
	FlushPoolSize int

	// FlushQueueSize bounds queued-but-not-yet-running flush tasks. Default: 8.
	FlushQueueSize int

	// CompactionPoolSize bounds concurrent compaction tasks. Default: 2.
	CompactionPoolSize int
}

// DefaultExecutorOptions returns the documented defaults.
func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		FlushPoolSize:      2,
		FlushQueueSize:     8,
		CompactionPoolSize: 2,
	}
}

// Options collects every component's configuration, plus the external
// collaborators this engine depends on: partitioner, clustering
// comparator, filesystem, logger.
type Options struct {
	Memtable   MemtableOptions
	SSTable    SSTableOptions
	Compaction CompactionOptions
	Manifest   ManifestOptions
	Executor   ExecutorOptions

	// Partitioner computes tokens and orders partition keys sharing one.
	// Defaults to token.DefaultPartitioner{}.
	Partitioner token.Partitioner

	// ClusteringComparator orders clustering keys within a row. Defaults to
	// clustering.BytewiseComparator{}.
	ClusteringComparator clustering.Comparator

	// FS is the filesystem the sstable and manifest components write
	// through. Defaults to vfs.Default().
	FS vfs.FS

	// Logger receives structured, namespaced log lines from every
	// component. Defaults to logging.Discard.
	Logger Logger

	// Dir is the directory holding this table's on-disk component files.
	Dir string

	// Keyspace and CF name this table's Descriptor(keyspace, cf,
	// generation, version). Default: "ks"/"cf".
	Keyspace string
	CF       string

	// CommitLog supplies currentReplayPosition() for each memtable switch.
	// Optional; nil means every flush records walpos.None.
	CommitLog CommitLog

	// IndexUpdater receives secondary-index maintenance hooks during
	// merge. Optional.
	IndexUpdater IndexUpdater

	// DiskSpace chooses the writeable location for flush/compaction
	// outputs. Defaults to always returning Dir.
	DiskSpace DiskSpaceProvider

	// RowCacheBytes bounds the shared row cache. 0 disables it. Default: 32MiB.
	RowCacheBytes int64

	// KeyCacheBytes bounds the shared key cache, which remembers each
	// table's resolved Data handle for a partition key so a repeat lookup
	// skips the Index scan. 0 disables it. Default: 8MiB.
	KeyCacheBytes int64
}

// DefaultOptions returns an Options populated with every component's
// documented defaults and the built-in default collaborators. Dir must
// still be set by the caller.
func DefaultOptions() Options {
	return Options{
		Memtable:             DefaultMemtableOptions(),
		SSTable:              DefaultSSTableOptions(),
		Compaction:           DefaultCompactionOptions(),
		Manifest:             DefaultManifestOptions(),
		Executor:             DefaultExecutorOptions(),
		Partitioner:          token.DefaultPartitioner{},
		ClusteringComparator: clustering.BytewiseComparator{},
		FS:                   vfs.Default(),
		Logger:               logging.Discard,
		Keyspace:             "ks",
		CF:                   "cf",
		RowCacheBytes:        32 * 1024 * 1024,
		KeyCacheBytes:        8 * 1024 * 1024,
	}
}

// writeableDir returns the configured DiskSpace provider's location, or
// Options.Dir via the default single-directory provider when none was set.
func (o Options) writeableDir(estimatedBytes int64) (string, error) {
	if o.DiskSpace != nil {
		return o.DiskSpace.GetWriteableLocation(estimatedBytes)
	}
	return singleDirDiskSpace{dir: o.Dir}.GetWriteableLocation(estimatedBytes)
}
