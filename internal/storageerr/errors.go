// Package storageerr defines the error kinds produced at storage-engine I/O
// boundaries.
//
// The engine reports failures as kinds, not as a zoo of sentinel error
// values or exception-style unwinding: every I/O boundary (table open,
// table write, manifest apply, stats decode) returns an error that can be
// inspected with errors.Is against one of the Kind sentinels below, while
// still wrapping the underlying cause with fmt.Errorf("%w: ...") for
// logging.
package storageerr

import (
	"errors"
	"fmt"
)

// Kind classifies a storage error. Kinds are sentinels, not types: callers
// use errors.Is(err, KindCorrupt) rather than a type switch.
type Kind error

var (
	// KindCorrupt marks a table that failed a structural check: bad magic,
	// checksum mismatch, truncated component. The table is suspect and
	// must be dropped from the live set.
	KindCorrupt Kind = errors.New("storage: corrupt table")

	// KindIOWrite marks a failure writing a component file (disk full,
	// permission, transient I/O error) during flush or compaction.
	KindIOWrite Kind = errors.New("storage: write error")

	// KindIORead marks a failure reading a component file.
	KindIORead Kind = errors.New("storage: read error")

	// KindInvariant marks a violation of a manifest invariant (e.g. two
	// overlapping SSTs in the same L≥1 level). This is a bug: no silent
	// recovery is attempted.
	KindInvariant Kind = errors.New("storage: invariant violation")

	// KindUnknownPartitioner marks a stats-sidecar load whose recorded
	// partitioner does not match the store's configured partitioner.
	KindUnknownPartitioner Kind = errors.New("storage: unknown partitioner")

	// KindSchemaMismatch names a comparator mismatch between a table and
	// the store. The Stats sidecar records no comparator name, and no code
	// in this module returns this kind.
	KindSchemaMismatch Kind = errors.New("storage: schema mismatch")

	// KindAborted marks an operation (flush writer, compaction) that was
	// deliberately cancelled and whose partial output has been removed.
	KindAborted Kind = errors.New("storage: aborted")
)

// Wrap builds an error of the given kind with a formatted message,
// preserving errors.Is(_, kind); kind is the error chain's terminal
// sentinel. Use WrapCause to keep an underlying cause as well.
func Wrap(kind Kind, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, kind)
}

// WrapCause annotates cause with kind, keeping both inspectable via
// errors.Is.
func WrapCause(kind Kind, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w: %w", msg, kind, cause)
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
