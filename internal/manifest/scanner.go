package manifest

import (
	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/sstable"
	"github.com/columnforge/ctable/internal/token"
)

// Scanner is a positional scanner over a collection of Lk SSTs whose CurrentPosition
// reports the sum of Data bytes read so far, for comparison against
// sum(dataFileSize(sstables)) once exhausted (Merkle-tree repair and
// similar whole-range scans use this to confirm they read every byte).
type Scanner struct {
	readers []*sstable.Reader
	idx     int
	cur     *sstable.Iterator
	pos     int64
	err     error
}

// NewScanner builds a Scanner over readers, consumed in the given order.
// Readers are expected to already be in disjoint, ascending token order
// (true of any single level k>=1 satisfying I1; callers scanning L0 must
// merge explicitly instead).
func NewScanner(readers []*sstable.Reader) *Scanner {
	return &Scanner{readers: readers}
}

// Next advances to the next row across the reader collection, returning
// false once every reader is exhausted or an error occurs.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		if s.cur == nil {
			if s.idx >= len(s.readers) {
				return false
			}
			it, err := s.readers[s.idx].NewIterator()
			if err != nil {
				s.err = err
				return false
			}
			s.cur = it
		}

		if s.cur.Next() {
			return true
		}
		if err := s.cur.Err(); err != nil {
			s.err = err
			return false
		}

		s.pos += s.cur.BytesRead()
		s.cur = nil
		s.idx++
	}
}

// Row returns the row Next most recently positioned on.
func (s *Scanner) Row() (token.PK, cell.Row) { return s.cur.Row() }

// CurrentPosition returns the cumulative Data bytes read across every
// reader consumed so far, including the reader currently in progress.
func (s *Scanner) CurrentPosition() int64 {
	pos := s.pos
	if s.cur != nil {
		pos += s.cur.BytesRead()
	}
	return pos
}

// Err returns the first error encountered, if any.
func (s *Scanner) Err() error { return s.err }
