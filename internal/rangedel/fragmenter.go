package rangedel

import (
	"sort"

	"github.com/columnforge/ctable/internal/clustering"
)

// FragmentedList holds non-overlapping tombstone fragments, sorted by
// start, each carrying the maximum timestamp of any tombstone that covered
// it pre-fragmentation, so a lookup can binary-search it directly.
type FragmentedList struct {
	cmp       clustering.Comparator
	fragments []Tombstone
}

// Fragments returns the ordered, non-overlapping fragments.
func (f *FragmentedList) Fragments() []Tombstone {
	return f.fragments
}

// IsEmpty reports whether there are no fragments.
func (f *FragmentedList) IsEmpty() bool {
	return len(f.fragments) == 0
}

// Len returns the number of fragments.
func (f *FragmentedList) Len() int {
	return len(f.fragments)
}

// Covers reports whether name at cellTimestamp is deleted by any fragment.
func (f *FragmentedList) Covers(name clustering.Key, cellTimestamp int64) bool {
	idx := f.search(name)
	if idx < 0 {
		return false
	}
	return f.fragments[idx].Covers(f.cmp, name, cellTimestamp)
}

// search returns the index of the rightmost fragment whose Start <= name,
// or -1 if none.
func (f *FragmentedList) search(name clustering.Key) int {
	if len(f.fragments) == 0 {
		return -1
	}
	idx := sort.Search(len(f.fragments), func(i int) bool {
		return f.cmp.Compare(f.fragments[i].Start, name) > 0
	})
	return idx - 1
}

// MaxTimestamp returns the highest timestamp across fragments.
func (f *FragmentedList) MaxTimestamp() int64 {
	var max int64
	for _, frag := range f.fragments {
		if frag.Timestamp > max {
			max = frag.Timestamp
		}
	}
	return max
}

// Fragmenter accepts overlapping tombstones and produces a FragmentedList
// whose fragments are pairwise non-overlapping, each stamped with the
// maximum timestamp of any input tombstone that fully covered it.
type Fragmenter struct {
	cmp        clustering.Comparator
	tombstones []Tombstone
}

// NewFragmenter creates a fragmenter ordering clustering keys with cmp.
func NewFragmenter(cmp clustering.Comparator) *Fragmenter {
	return &Fragmenter{cmp: cmp}
}

// Add adds a tombstone to be fragmented; empty ranges are dropped.
func (f *Fragmenter) Add(t Tombstone) {
	if t.IsEmpty(f.cmp) {
		return
	}
	f.tombstones = append(f.tombstones, t)
}

// Len returns the number of tombstones added so far (pre-fragmentation).
func (f *Fragmenter) Len() int {
	return len(f.tombstones)
}

// Finish fragments all added tombstones into a FragmentedList.
func (f *Fragmenter) Finish() *FragmentedList {
	result := &FragmentedList{cmp: f.cmp}
	if len(f.tombstones) == 0 {
		return result
	}

	boundaries := f.collectBoundaries()
	for i := 0; i < len(boundaries)-1; i++ {
		start, end := boundaries[i], boundaries[i+1]
		ts, ldt, ok := f.maxCoveringForRange(start, end)
		if !ok {
			continue
		}
		result.fragments = append(result.fragments, NewTombstone(start, end, ts, ldt))
	}
	return result
}

// collectBoundaries returns every distinct start/end clustering key across
// added tombstones, sorted by cmp.
func (f *Fragmenter) collectBoundaries() []clustering.Key {
	boundaries := make([]clustering.Key, 0, 2*len(f.tombstones))
	for _, t := range f.tombstones {
		boundaries = append(boundaries, t.Start, t.End)
	}
	sort.Slice(boundaries, func(i, j int) bool {
		return f.cmp.Compare(boundaries[i], boundaries[j]) < 0
	})
	deduped := boundaries[:0]
	for i, b := range boundaries {
		if i == 0 || f.cmp.Compare(b, deduped[len(deduped)-1]) != 0 {
			deduped = append(deduped, b)
		}
	}
	return deduped
}

// maxCoveringForRange finds the tombstone with the highest timestamp among
// those that fully cover [start, end), returning its timestamp and
// localDeletionTime, or ok=false if none cover the range.
func (f *Fragmenter) maxCoveringForRange(start, end clustering.Key) (ts int64, ldt int32, ok bool) {
	for _, t := range f.tombstones {
		if f.cmp.Compare(t.Start, start) <= 0 && f.cmp.Compare(t.End, end) >= 0 {
			if !ok || t.Timestamp > ts {
				ts, ldt, ok = t.Timestamp, t.LocalDeletionTime, true
			}
		}
	}
	return ts, ldt, ok
}
