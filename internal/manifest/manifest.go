// Package manifest implements the leveled manifest: per-level SST
// bookkeeping, compaction candidate selection, and the Apply mutation that
// installs a compaction's outputs.
package manifest

import (
	"sort"

	"github.com/columnforge/ctable/internal/storageerr"
	"github.com/columnforge/ctable/internal/token"
)

// Table is the subset of *sstable.Reader the manifest needs: its token
// range and generation, kept as an interface (mirroring
// internal/compaction.Table) so tests can use fakes.
type Table interface {
	Generation() uint64
	MinToken() token.T
	MaxToken() token.T
	SizeBytes() int64
}

// defaultMaxSSTableSize and defaultLevelSizeMultiplier back I2's
// base * 10^(k-1) level-size target when a Manifest is built with zero
// values (DefaultCompactionOptions in the root options.go supplies the
// real defaults; these exist so a bare Manifest{} is still usable in
// tests).
const (
	defaultMaxSSTableSize      = 256 << 20
	defaultLevelSizeMultiplier = 10
	defaultL0CompactionTrigger = 4
	defaultMaxCompactingL0     = 32
)

// Manifest owns levels[0..NumLevels-1]: L0 as an unordered list, Lk>=1
// kept ordered by first token.
type Manifest struct {
	NumLevels           int
	MaxSSTableSize      int64
	LevelSizeMultiplier int64
	L0CompactionTrigger int
	MaxCompactingL0     int

	levels [][]Table

	// lastCompactedBound is Lk's last-compacted-bound cursor for
	// round-robin Lk->Lk+1 candidate selection, keyed by level.
	lastCompactedBound map[int]token.T
}

// New builds an empty Manifest with the given level-0..NumLevels-1
// structure.
func New(numLevels int, maxSSTableSize, levelSizeMultiplier int64, l0Trigger, maxCompactingL0 int) *Manifest {
	if numLevels <= 0 {
		numLevels = 7
	}
	if maxSSTableSize <= 0 {
		maxSSTableSize = defaultMaxSSTableSize
	}
	if levelSizeMultiplier <= 0 {
		levelSizeMultiplier = defaultLevelSizeMultiplier
	}
	if l0Trigger <= 0 {
		l0Trigger = defaultL0CompactionTrigger
	}
	if maxCompactingL0 <= 0 {
		maxCompactingL0 = defaultMaxCompactingL0
	}
	return &Manifest{
		NumLevels:           numLevels,
		MaxSSTableSize:      maxSSTableSize,
		LevelSizeMultiplier: levelSizeMultiplier,
		L0CompactionTrigger: l0Trigger,
		MaxCompactingL0:     maxCompactingL0,
		levels:              make([][]Table, numLevels),
		lastCompactedBound:  make(map[int]token.T),
	}
}

// AddTable inserts t into level k, preserving Lk's first-token order for
// k>=1 (I1's disjointness is the caller's responsibility: AddTable does
// not itself validate it, so initial bulk loads can insert in any order
// before a single Validate call).
func (m *Manifest) AddTable(k int, t Table) {
	if k == 0 {
		m.levels[0] = append(m.levels[0], t)
		return
	}
	lvl := m.levels[k]
	i := sort.Search(len(lvl), func(i int) bool { return lvl[i].MinToken().Compare(t.MinToken()) >= 0 })
	lvl = append(lvl, nil)
	copy(lvl[i+1:], lvl[i:])
	lvl[i] = t
	m.levels[k] = lvl
}

// Level returns a snapshot slice of level k's tables.
func (m *Manifest) Level(k int) []Table {
	out := make([]Table, len(m.levels[k]))
	copy(out, m.levels[k])
	return out
}

// Validate checks invariant I1 (pairwise key-disjointness for k>=1)
// across every level, returning a storageerr.KindInvariant error
// identifying the first violation found.
func (m *Manifest) Validate() error {
	for k := 1; k < len(m.levels); k++ {
		lvl := m.levels[k]
		for i := 1; i < len(lvl); i++ {
			if lvl[i].MinToken().Compare(lvl[i-1].MaxToken()) <= 0 {
				return storageerr.Wrap(storageerr.KindInvariant,
					"manifest: L%d tables %d (gen %d) and %d (gen %d) overlap",
					k, i-1, lvl[i-1].Generation(), i, lvl[i].Generation())
			}
		}
	}
	return nil
}

// targetSize returns Lk's target size per I2: base * 10^(k-1), with
// base = 5 * MaxSSTableSize and L0 excluded (L0 is scored by count).
func (m *Manifest) targetSize(k int) int64 {
	if k == 0 {
		return 0
	}
	base := 5 * m.MaxSSTableSize
	target := base
	for i := 1; i < k; i++ {
		target *= m.LevelSizeMultiplier
	}
	return target
}

func (m *Manifest) levelSize(k int) int64 {
	var total int64
	for _, t := range m.levels[k] {
		total += t.SizeBytes()
	}
	return total
}

// score returns Lk's compaction score: size(Lk)/target(Lk) for k>=1, or
// the L0 table count divided by L0CompactionTrigger for L0.
func (m *Manifest) score(k int) float64 {
	if k == 0 {
		return float64(len(m.levels[0])) / float64(m.L0CompactionTrigger)
	}
	target := m.targetSize(k)
	if target == 0 {
		return 0
	}
	return float64(m.levelSize(k)) / float64(target)
}

// PickCompactionLevel returns the level with the highest score >= 1
// (ties favor the lowest level), or -1 if no level needs compaction.
func (m *Manifest) PickCompactionLevel() int {
	best := -1
	bestScore := 1.0
	for k := 0; k < len(m.levels); k++ {
		s := m.score(k)
		if s > bestScore || (best == -1 && s >= bestScore) {
			best = k
			bestScore = s
		}
	}
	return best
}

func tokensOverlap(aMin, aMax, bMin, bMax token.T) bool {
	return aMin.Compare(bMax) <= 0 && bMin.Compare(aMax) <= 0
}

// CompactionCandidate is a selected input set for one compaction run: the
// tables to merge and the level their outputs land in.
type CompactionCandidate struct {
	Inputs     []Table
	OutputLevel int
}

// SelectCandidate picks the input set for level k:
// for L0, up to MaxCompactingL0 overlapping L0 tables plus every
// overlapping L1 table; for Lk (k>=1), one Lk table (round-robin on the
// last-compacted bound) plus every overlapping Lk+1 table.
func (m *Manifest) SelectCandidate(k int) CompactionCandidate {
	if k == 0 {
		return m.selectL0Candidate()
	}
	return m.selectLkCandidate(k)
}

func (m *Manifest) selectL0Candidate() CompactionCandidate {
	l0 := m.levels[0]
	if len(l0) > m.MaxCompactingL0 {
		l0 = l0[:m.MaxCompactingL0]
	}

	var minTok, maxTok token.T
	have := false
	var inputs []Table
	for _, t := range l0 {
		inputs = append(inputs, t)
		if !have {
			minTok, maxTok, have = t.MinToken(), t.MaxToken(), true
		} else {
			if t.MinToken().Compare(minTok) < 0 {
				minTok = t.MinToken()
			}
			if t.MaxToken().Compare(maxTok) > 0 {
				maxTok = t.MaxToken()
			}
		}
	}

	if have && len(m.levels) > 1 {
		for _, t := range m.levels[1] {
			if tokensOverlap(minTok, maxTok, t.MinToken(), t.MaxToken()) {
				inputs = append(inputs, t)
			}
		}
	}

	return CompactionCandidate{Inputs: inputs, OutputLevel: 1}
}

func (m *Manifest) selectLkCandidate(k int) CompactionCandidate {
	lvl := m.levels[k]
	if len(lvl) == 0 {
		return CompactionCandidate{OutputLevel: k + 1}
	}

	start := 0
	if bound, ok := m.lastCompactedBound[k]; ok {
		start = sort.Search(len(lvl), func(i int) bool { return lvl[i].MinToken().Compare(bound) > 0 })
		if start >= len(lvl) {
			start = 0
		}
	}
	chosen := lvl[start]
	m.lastCompactedBound[k] = chosen.MaxToken()

	inputs := []Table{chosen}
	if k+1 < len(m.levels) {
		for _, t := range m.levels[k+1] {
			if tokensOverlap(chosen.MinToken(), chosen.MaxToken(), t.MinToken(), t.MaxToken()) {
				inputs = append(inputs, t)
			}
		}
	}
	return CompactionCandidate{Inputs: inputs, OutputLevel: k + 1}
}

// SelectTombstoneCandidate returns a single-table self-compaction
// candidate for the table identified by (level, generation): its output
// level is the same as its input level, since this purges droppable
// tombstones from an otherwise well-placed table rather than promoting it
// down a level. The bool result is false if no table in that level
// carries that generation (e.g. it was already compacted away by the
// time the caller submits this candidate).
func (m *Manifest) SelectTombstoneCandidate(level int, generation uint64) (CompactionCandidate, bool) {
	if level < 0 || level >= len(m.levels) {
		return CompactionCandidate{}, false
	}
	for _, t := range m.levels[level] {
		if t.Generation() == generation {
			return CompactionCandidate{Inputs: []Table{t}, OutputLevel: level}, true
		}
	}
	return CompactionCandidate{}, false
}

// Apply removes inputs from their current levels and inserts outputs into
// outputLevel, then validates I1 across every affected level — a
// violation is a hard bug and Apply returns an error rather than
// installing a manifest state that breaks the disjointness invariant.
func (m *Manifest) Apply(inputs []Table, outputs []Table, outputLevel int) error {
	inSet := make(map[uint64]bool, len(inputs))
	for _, t := range inputs {
		inSet[t.Generation()] = true
	}

	saved := make([][]Table, len(m.levels))
	for k := range m.levels {
		saved[k] = append([]Table(nil), m.levels[k]...)
	}

	for k := range m.levels {
		filtered := m.levels[k][:0]
		for _, t := range m.levels[k] {
			if !inSet[t.Generation()] {
				filtered = append(filtered, t)
			}
		}
		m.levels[k] = filtered
	}

	for _, o := range outputs {
		m.AddTable(outputLevel, o)
	}

	if err := m.Validate(); err != nil {
		m.levels = saved
		return err
	}
	return nil
}
