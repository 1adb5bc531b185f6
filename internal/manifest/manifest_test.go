package manifest

import (
	"testing"

	"github.com/columnforge/ctable/internal/token"
)

type fakeTable struct {
	gen      uint64
	min, max token.T
	size     int64
}

func (f fakeTable) Generation() uint64 { return f.gen }
func (f fakeTable) MinToken() token.T  { return f.min }
func (f fakeTable) MaxToken() token.T  { return f.max }
func (f fakeTable) SizeBytes() int64   { return f.size }

func tok(v uint64) token.T { return token.FromUint64(v) }

func TestAddTableKeepsL1OrderedByFirstToken(t *testing.T) {
	m := New(7, 0, 0, 0, 0)
	m.AddTable(1, fakeTable{gen: 3, min: tok(30), max: tok(40)})
	m.AddTable(1, fakeTable{gen: 1, min: tok(10), max: tok(20)})
	m.AddTable(1, fakeTable{gen: 2, min: tok(21), max: tok(29)})

	lvl := m.Level(1)
	if len(lvl) != 3 {
		t.Fatalf("got %d tables, want 3", len(lvl))
	}
	for i, want := range []uint64{1, 2, 3} {
		if lvl[i].Generation() != want {
			t.Errorf("lvl[%d].Generation() = %d, want %d", i, lvl[i].Generation(), want)
		}
	}
}

func TestValidateDetectsOverlapInL1(t *testing.T) {
	m := New(7, 0, 0, 0, 0)
	m.AddTable(1, fakeTable{gen: 1, min: tok(10), max: tok(25)})
	m.AddTable(1, fakeTable{gen: 2, min: tok(20), max: tok(30)})

	if err := m.Validate(); err == nil {
		t.Fatal("expected an overlap violation, got nil")
	}
}

func TestValidatePassesForDisjointLevels(t *testing.T) {
	m := New(7, 0, 0, 0, 0)
	m.AddTable(1, fakeTable{gen: 1, min: tok(10), max: tok(19)})
	m.AddTable(1, fakeTable{gen: 2, min: tok(20), max: tok(30)})

	if err := m.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPickCompactionLevelPrefersL0WhenOverTrigger(t *testing.T) {
	m := New(7, 1000, 10, 4, 32)
	for i := 0; i < 5; i++ {
		m.AddTable(0, fakeTable{gen: uint64(i + 1), min: tok(0), max: tok(100), size: 10})
	}
	if got := m.PickCompactionLevel(); got != 0 {
		t.Errorf("PickCompactionLevel() = %d, want 0", got)
	}
}

func TestPickCompactionLevelReturnsNegOneWhenNothingNeedsIt(t *testing.T) {
	m := New(7, 1000, 10, 4, 32)
	m.AddTable(0, fakeTable{gen: 1, min: tok(0), max: tok(100), size: 10})
	if got := m.PickCompactionLevel(); got != -1 {
		t.Errorf("PickCompactionLevel() = %d, want -1", got)
	}
}

func TestPickCompactionLevelScoresL1BySizeAgainstTarget(t *testing.T) {
	m := New(7, 10, 10, 4, 32) // base = 5*10 = 50
	m.AddTable(1, fakeTable{gen: 1, min: tok(0), max: tok(50), size: 60})
	if got := m.PickCompactionLevel(); got != 1 {
		t.Errorf("PickCompactionLevel() = %d, want 1 (size 60 > target 50)", got)
	}
}

func TestSelectCandidateL0IncludesOverlappingL1(t *testing.T) {
	m := New(7, 1000, 10, 4, 32)
	m.AddTable(0, fakeTable{gen: 1, min: tok(10), max: tok(50), size: 1})
	m.AddTable(0, fakeTable{gen: 2, min: tok(40), max: tok(90), size: 1})
	m.AddTable(1, fakeTable{gen: 3, min: tok(0), max: tok(9), size: 1})  // disjoint, excluded
	m.AddTable(1, fakeTable{gen: 4, min: tok(45), max: tok(60), size: 1}) // overlaps, included

	cand := m.SelectCandidate(0)
	if cand.OutputLevel != 1 {
		t.Errorf("OutputLevel = %d, want 1", cand.OutputLevel)
	}
	gens := map[uint64]bool{}
	for _, t := range cand.Inputs {
		gens[t.Generation()] = true
	}
	if !gens[1] || !gens[2] || !gens[4] {
		t.Errorf("expected generations 1,2,4 in candidate, got %+v", cand.Inputs)
	}
	if gens[3] {
		t.Errorf("disjoint L1 table (gen 3) should not be included")
	}
}

func TestSelectCandidateLkPicksOneTablePlusOverlappingLkPlus1(t *testing.T) {
	m := New(7, 1000, 10, 4, 32)
	m.AddTable(1, fakeTable{gen: 1, min: tok(0), max: tok(10), size: 1})
	m.AddTable(1, fakeTable{gen: 2, min: tok(20), max: tok(30), size: 1})
	m.AddTable(2, fakeTable{gen: 3, min: tok(5), max: tok(15), size: 1})
	m.AddTable(2, fakeTable{gen: 4, min: tok(100), max: tok(200), size: 1})

	cand := m.SelectCandidate(1)
	if cand.OutputLevel != 2 {
		t.Errorf("OutputLevel = %d, want 2", cand.OutputLevel)
	}
	if len(cand.Inputs) != 2 {
		t.Fatalf("got %d inputs, want 2 (one L1 table + overlapping L2 table)", len(cand.Inputs))
	}
	if cand.Inputs[0].Generation() != 1 {
		t.Errorf("expected round-robin to start from the first L1 table (gen 1), got gen %d", cand.Inputs[0].Generation())
	}
}

func TestApplyRemovesInputsAndInsertsOutputs(t *testing.T) {
	m := New(7, 1000, 10, 4, 32)
	m.AddTable(0, fakeTable{gen: 1, min: tok(0), max: tok(10), size: 1})
	m.AddTable(0, fakeTable{gen: 2, min: tok(5), max: tok(20), size: 1})

	inputs := m.Level(0)
	output := fakeTable{gen: 3, min: tok(0), max: tok(20), size: 2}

	if err := m.Apply(inputs, []Table{output}, 1); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if len(m.Level(0)) != 0 {
		t.Errorf("L0 should be empty after Apply, got %d tables", len(m.Level(0)))
	}
	l1 := m.Level(1)
	if len(l1) != 1 || l1[0].Generation() != 3 {
		t.Errorf("L1 should contain only the output table, got %+v", l1)
	}
}

func TestApplyRejectsOverlapIntroducedByOutputs(t *testing.T) {
	m := New(7, 1000, 10, 4, 32)
	m.AddTable(1, fakeTable{gen: 1, min: tok(0), max: tok(10), size: 1})

	bad := fakeTable{gen: 2, min: tok(5), max: tok(15), size: 1}
	if err := m.Apply(nil, []Table{bad}, 1); err == nil {
		t.Fatal("expected Apply to reject an overlapping output, got nil error")
	}
}
