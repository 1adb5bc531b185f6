package rangedel

import (
	"testing"

	"github.com/columnforge/ctable/internal/clustering"
)

var cmp = clustering.BytewiseComparator{}

func name(s string) clustering.Key {
	return clustering.Name([]byte(s))
}

func TestTombstoneContains(t *testing.T) {
	tomb := NewTombstone(name("b"), name("e"), 100, 10)

	if !tomb.Contains(cmp, name("c")) {
		t.Error("expected c to be within [b, e)")
	}
	if tomb.Contains(cmp, name("e")) {
		t.Error("end key is exclusive, expected e to not be contained")
	}
	if tomb.Contains(cmp, name("a")) {
		t.Error("expected a to be before the range")
	}
}

func TestTombstoneCovers(t *testing.T) {
	tomb := NewTombstone(name("b"), name("e"), 100, 10)

	if !tomb.Covers(cmp, name("c"), 50) {
		t.Error("a cell older than the tombstone's timestamp should be covered")
	}
	if tomb.Covers(cmp, name("c"), 150) {
		t.Error("a cell newer than the tombstone's timestamp should not be covered")
	}
}

func TestTombstoneIsEmpty(t *testing.T) {
	if !NewTombstone(name("b"), name("b"), 1, 1).IsEmpty(cmp) {
		t.Error("start == end should be empty")
	}
	if !NewTombstone(name("c"), name("b"), 1, 1).IsEmpty(cmp) {
		t.Error("start > end should be empty")
	}
	if NewTombstone(name("b"), name("c"), 1, 1).IsEmpty(cmp) {
		t.Error("start < end should not be empty")
	}
}

func TestTombstoneOverlaps(t *testing.T) {
	a := NewTombstone(name("a"), name("d"), 1, 1)
	b := NewTombstone(name("c"), name("f"), 1, 1)
	c := NewTombstone(name("e"), name("f"), 1, 1)

	if !a.Overlaps(cmp, b) {
		t.Error("[a,d) and [c,f) should overlap")
	}
	if a.Overlaps(cmp, c) {
		t.Error("[a,d) and [e,f) should not overlap")
	}
}

func TestListMaxTimestamp(t *testing.T) {
	l := NewList()
	l.Add(NewTombstone(name("a"), name("b"), 10, 1))
	l.Add(NewTombstone(name("c"), name("d"), 30, 1))
	l.Add(NewTombstone(name("e"), name("f"), 20, 1))

	if got := l.MaxTimestamp(); got != 30 {
		t.Errorf("MaxTimestamp() = %d, want 30", got)
	}
}
