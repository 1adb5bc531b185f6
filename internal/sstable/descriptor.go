// Package sstable implements the immutable, partition-key-sorted on-disk
// table: the Data/Index/Summary/Filter/Stats component set, an abortable
// writer, and a reader that answers named-row lookups via the bloom
// filter, summary, and (optionally promoted) index.
//
// The writer's block flush/finish lifecycle and abortable Abandon, and
// the varint-encoded blockHandle{Offset,Size} pointer type from Index
// into Data, follow a conventional block-structured SST layout; the row
// format itself holds whole rows-with-atoms rather than single opaque
// key/value blobs.
package sstable

import "fmt"

// CurrentVersion is the on-disk format version new tables are written
// with, following the two-letter version string scheme real wide-column
// engines use ("aa", "ab", ... bumped on a format change).
const CurrentVersion = "aa"

// Descriptor identifies one sorted table: an immutable file set keyed by
// (keyspace, cf, generation, version).
type Descriptor struct {
	Keyspace   string
	CF         string
	Generation uint64
	Version    string
}

// componentNames lists the file suffixes a Descriptor maps to: the
// on-disk file set is cf-<g>-Data.db, -Index.db, -Summary.db, -Filter.db,
// -Statistics.db, plus an optional -CompressionInfo.db and a -TOC.txt.
const (
	componentData    = "Data.db"
	componentIndex   = "Index.db"
	componentSummary = "Summary.db"
	componentFilter  = "Filter.db"
	componentStats   = "Statistics.db"
)

func (d Descriptor) baseName() string {
	return fmt.Sprintf("%s-%s-%d-%s", d.Keyspace, d.CF, d.Generation, d.Version)
}

// DataPath returns the Data component's file name.
func (d Descriptor) DataPath() string { return d.baseName() + "-" + componentData }

// IndexPath returns the Index component's file name.
func (d Descriptor) IndexPath() string { return d.baseName() + "-" + componentIndex }

// SummaryPath returns the Summary component's file name.
func (d Descriptor) SummaryPath() string { return d.baseName() + "-" + componentSummary }

// FilterPath returns the Filter component's file name.
func (d Descriptor) FilterPath() string { return d.baseName() + "-" + componentFilter }

// StatsPath returns the Statistics component's file name.
func (d Descriptor) StatsPath() string { return d.baseName() + "-" + componentStats }

// ComponentPaths returns every component file name for this descriptor, in
// the order the writer produces them — used both to clean up on abort and
// to list a complete set during TOC-driven recovery.
func (d Descriptor) ComponentPaths() []string {
	return []string{
		d.DataPath(),
		d.IndexPath(),
		d.SummaryPath(),
		d.FilterPath(),
		d.StatsPath(),
	}
}

// String renders the descriptor for logging and TOC lines.
func (d Descriptor) String() string {
	return d.baseName()
}
