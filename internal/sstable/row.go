package sstable

import (
	"math"
	"sort"

	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/clustering"
	"github.com/columnforge/ctable/internal/encoding"
	"github.com/columnforge/ctable/internal/rangedel"
	"github.com/columnforge/ctable/internal/token"
)

// EncodeRowBytes serializes row into the same row-body wire format the
// Data component uses, without ever promoting a column index — giving
// callers outside this package (the engine's row cache) a byte-exact,
// round-trippable representation to store off-disk.
func EncodeRowBytes(row cell.Row, cmp clustering.Comparator) []byte {
	return encodeRow(row, cmp, math.MaxInt32).Body
}

// DecodeRowBytes reverses EncodeRowBytes.
func DecodeRowBytes(pk token.PK, data []byte, cmp clustering.Comparator) (cell.Row, error) {
	return decodeRow(pk, data, cmp)
}

// IndexInfo describes one contiguous range of atoms within a row's
// promoted column index: (firstName, lastName, offset, width) covering a
// contiguous span of atoms.
type IndexInfo struct {
	FirstName clustering.Key
	LastName  clustering.Key
	Offset    int64
	Width     int64
}

func appendClusteringKey(dst []byte, k clustering.Key) []byte {
	dst = encoding.AppendVarint32(dst, uint32(len(k.Components)))
	for _, c := range k.Components {
		dst = encoding.AppendLengthPrefixedSlice(dst, c)
	}
	dst = append(dst, byte(int8(k.EOC)))
	return dst
}

func decodeClusteringKey(data []byte) (clustering.Key, []byte, error) {
	n, read, err := encoding.DecodeVarint32(data)
	if err != nil {
		return clustering.Key{}, nil, errTruncated
	}
	data = data[read:]
	comps := make([][]byte, n)
	for i := range comps {
		c, r, err := encoding.DecodeLengthPrefixedSlice(data)
		if err != nil {
			return clustering.Key{}, nil, errTruncated
		}
		comps[i] = append([]byte(nil), c...)
		data = data[r:]
	}
	if len(data) < 1 {
		return clustering.Key{}, nil, errTruncated
	}
	eoc := clustering.EOC(int8(data[0]))
	data = data[1:]
	return clustering.Key{Components: comps, EOC: eoc}, data, nil
}

// appendAtom encodes one cell onto dst.
func appendAtom(dst []byte, c cell.Cell) []byte {
	dst = append(dst, byte(c.Kind))
	dst = appendClusteringKey(dst, c.Name)
	if c.Kind == cell.KindRangeTombstone {
		dst = appendClusteringKey(dst, c.RangeEnd)
	}
	if c.Kind == cell.KindLive || c.Kind == cell.KindExpiring {
		dst = encoding.AppendLengthPrefixedSlice(dst, c.Value)
	}
	dst = encoding.AppendVarsignedint64(dst, c.Timestamp)
	if c.Kind == cell.KindExpiring {
		dst = encoding.AppendVarsignedint64(dst, int64(c.TTL))
	}
	if c.Kind == cell.KindExpiring || c.Kind == cell.KindDeleted || c.Kind == cell.KindRangeTombstone {
		dst = encoding.AppendVarsignedint64(dst, int64(c.LocalDeletionTime))
	}
	return dst
}

// decodeAtom decodes one cell from data, returning the remaining bytes.
func decodeAtom(data []byte) (cell.Cell, []byte, error) {
	if len(data) < 1 {
		return cell.Cell{}, nil, errTruncated
	}
	kind := cell.Kind(data[0])
	data = data[1:]

	name, rest, err := decodeClusteringKey(data)
	if err != nil {
		return cell.Cell{}, nil, err
	}
	data = rest

	c := cell.Cell{Kind: kind, Name: name}

	if kind == cell.KindRangeTombstone {
		end, rest, err := decodeClusteringKey(data)
		if err != nil {
			return cell.Cell{}, nil, err
		}
		c.RangeEnd = end
		data = rest
	}

	if kind == cell.KindLive || kind == cell.KindExpiring {
		value, r, err := encoding.DecodeLengthPrefixedSlice(data)
		if err != nil {
			return cell.Cell{}, nil, errTruncated
		}
		c.Value = append([]byte(nil), value...)
		data = data[r:]
	}

	ts, r, err := encoding.DecodeVarsignedint64(data)
	if err != nil {
		return cell.Cell{}, nil, errTruncated
	}
	c.Timestamp = ts
	data = data[r:]

	if kind == cell.KindExpiring {
		ttl, r, err := encoding.DecodeVarsignedint64(data)
		if err != nil {
			return cell.Cell{}, nil, errTruncated
		}
		c.TTL = int32(ttl)
		data = data[r:]
	}

	if kind == cell.KindExpiring || kind == cell.KindDeleted || kind == cell.KindRangeTombstone {
		ldt, r, err := encoding.DecodeVarsignedint64(data)
		if err != nil {
			return cell.Cell{}, nil, errTruncated
		}
		c.LocalDeletionTime = int32(ldt)
		data = data[r:]
	}

	return c, data, nil
}

// encodeRangeTombstones encodes a row's gathered tombstone fragments.
func encodeRangeTombstones(dst []byte, frags []rangedel.Tombstone) []byte {
	dst = encoding.AppendVarint32(dst, uint32(len(frags)))
	for _, t := range frags {
		dst = appendClusteringKey(dst, t.Start)
		dst = appendClusteringKey(dst, t.End)
		dst = encoding.AppendVarsignedint64(dst, t.Timestamp)
		dst = encoding.AppendVarsignedint64(dst, int64(t.LocalDeletionTime))
	}
	return dst
}

func decodeRangeTombstones(data []byte) ([]rangedel.Tombstone, []byte, error) {
	n, read, err := encoding.DecodeVarint32(data)
	if err != nil {
		return nil, nil, errTruncated
	}
	data = data[read:]
	out := make([]rangedel.Tombstone, n)
	for i := range out {
		start, rest, err := decodeClusteringKey(data)
		if err != nil {
			return nil, nil, err
		}
		data = rest
		end, rest, err := decodeClusteringKey(data)
		if err != nil {
			return nil, nil, err
		}
		data = rest
		ts, r, err := encoding.DecodeVarsignedint64(data)
		if err != nil {
			return nil, nil, errTruncated
		}
		data = data[r:]
		ldt, r, err := encoding.DecodeVarsignedint64(data)
		if err != nil {
			return nil, nil, errTruncated
		}
		data = data[r:]
		out[i] = rangedel.NewTombstone(start, end, ts, int32(ldt))
	}
	return out, data, nil
}

// encodedRow is the on-disk layout of one row's body (everything after the
// leading PK length + PK bytes): row-length, row-deletion-info, atom count,
// atoms, and — only when the atom stream exceeds the configured
// index-block threshold — a promoted row index appended after the atoms.
type encodedRow struct {
	Body          []byte      // row-deletion-info + atom count + atoms
	PromotedIndex []IndexInfo // nil unless promoted
	PromotedAt    int64       // byte offset of the promoted index within Body; 0 if not promoted
}

// encodeRow serializes a merged row's body and, if it exceeds
// indexThreshold bytes, builds a promoted row index.
func encodeRow(r cell.Row, cmp clustering.Comparator, indexThreshold int) encodedRow {
	var buf []byte
	buf = encoding.AppendVarsignedint64(buf, r.Deletion.MarkedForDeleteAt)
	buf = encoding.AppendVarsignedint64(buf, int64(r.Deletion.LocalDeletionTime))

	var frags []rangedel.Tombstone
	if r.Deletion.RangeTombstones != nil {
		frags = r.Deletion.RangeTombstones.Fragments()
	}
	buf = encodeRangeTombstones(buf, frags)

	buf = encoding.AppendVarint32(buf, uint32(len(r.Cells)))

	atomsStart := len(buf)
	var blockStart int
	var blockFirst clustering.Key
	var promoted []IndexInfo

	for i, c := range r.Cells {
		offsetBefore := len(buf) - atomsStart
		if i == 0 || offsetBefore-blockStart == 0 {
			blockFirst = c.Name
		}
		buf = appendAtom(buf, c)

		if len(buf)-atomsStart-blockStart >= indexThreshold {
			promoted = append(promoted, IndexInfo{
				FirstName: blockFirst,
				LastName:  c.Name,
				Offset:    int64(atomsStart + blockStart),
				Width:     int64(len(buf) - atomsStart - blockStart),
			})
			blockStart = len(buf) - atomsStart
		}
	}
	if blockStart < len(buf)-atomsStart && len(r.Cells) > 0 {
		promoted = append(promoted, IndexInfo{
			FirstName: blockFirst,
			LastName:  r.Cells[len(r.Cells)-1].Name,
			Offset:    int64(atomsStart + blockStart),
			Width:     int64(len(buf) - atomsStart - blockStart),
		})
	}

	out := encodedRow{Body: buf}
	if len(buf) >= indexThreshold && len(promoted) > 1 {
		out.PromotedAt = int64(len(buf))
		out.PromotedIndex = promoted
		out.Body = appendPromotedIndex(buf, promoted)
	}
	// A trailing fixed64 always records PromotedAt (0 when the row
	// wasn't promoted), so a reader can find the promoted index — or
	// learn there isn't one — without first decoding every atom.
	out.Body = encoding.AppendFixed64(out.Body, uint64(out.PromotedAt))
	return out
}

func appendPromotedIndex(dst []byte, idx []IndexInfo) []byte {
	dst = encoding.AppendVarint32(dst, uint32(len(idx)))
	for _, info := range idx {
		dst = appendClusteringKey(dst, info.FirstName)
		dst = appendClusteringKey(dst, info.LastName)
		dst = encoding.AppendVarsignedint64(dst, info.Offset)
		dst = encoding.AppendVarsignedint64(dst, info.Width)
	}
	return dst
}

func decodePromotedIndex(data []byte) ([]IndexInfo, error) {
	n, read, err := encoding.DecodeVarint32(data)
	if err != nil {
		return nil, errTruncated
	}
	data = data[read:]
	idx := make([]IndexInfo, n)
	for i := range idx {
		firstName, rest, err := decodeClusteringKey(data)
		if err != nil {
			return nil, err
		}
		data = rest
		lastName, rest, err := decodeClusteringKey(data)
		if err != nil {
			return nil, err
		}
		data = rest
		offset, r, err := encoding.DecodeVarsignedint64(data)
		if err != nil {
			return nil, errTruncated
		}
		data = data[r:]
		width, r, err := encoding.DecodeVarsignedint64(data)
		if err != nil {
			return nil, errTruncated
		}
		data = data[r:]
		idx[i] = IndexInfo{FirstName: firstName, LastName: lastName, Offset: offset, Width: width}
	}
	return idx, nil
}

// decodeRow fully deserializes a row body into a cell.Row, decoding every
// atom. It ignores any promoted index suffix (and the trailing PromotedAt
// marker): decodeRowNamed is the counterpart that consults them to avoid
// decoding atoms outside the requested columns.
func decodeRow(pk token.PK, body []byte, cmp clustering.Comparator) (cell.Row, error) {
	markedForDeleteAt, r, err := encoding.DecodeVarsignedint64(body)
	if err != nil {
		return cell.Row{}, errTruncated
	}
	body = body[r:]

	ldt, r, err := encoding.DecodeVarsignedint64(body)
	if err != nil {
		return cell.Row{}, errTruncated
	}
	body = body[r:]

	frags, rest, err := decodeRangeTombstones(body)
	if err != nil {
		return cell.Row{}, err
	}
	body = rest

	count, read, err := encoding.DecodeVarint32(body)
	if err != nil {
		return cell.Row{}, errTruncated
	}
	body = body[read:]

	cells := make([]cell.Cell, 0, count)
	for i := uint32(0); i < count; i++ {
		c, rest, err := decodeAtom(body)
		if err != nil {
			return cell.Row{}, err
		}
		cells = append(cells, c)
		body = rest
	}

	fragmenter := rangedel.NewFragmenter(cmp)
	for _, t := range frags {
		fragmenter.Add(t)
	}

	return cell.Row{
		PK: pk,
		Deletion: cell.RowDeletionInfo{
			MarkedForDeleteAt: markedForDeleteAt,
			LocalDeletionTime: int32(ldt),
			RangeTombstones:   fragmenter.Finish(),
		},
		Cells: cells,
	}, nil
}

// decodeRowNamed deserializes a row's deletion info plus only the atoms
// named in names, instead of every atom in the row. body must be the
// complete, unsliced row body as produced by encodeRow (atoms, the
// optional promoted index, and the trailing PromotedAt marker) — callers
// cannot pre-trim it the way decodeRow's bodyLen framing allows, since
// this function needs the trailer and the absolute byte offsets an
// IndexInfo entry carries.
//
// When the row was never promoted, this falls back to a single linear
// scan over every atom (the same cost as decodeRow, just filtered).
// When it was promoted, the promoted index is binary-searched once per
// requested name to find the owning block, and each distinct block is
// decoded at most once no matter how many requested names land in it.
func decodeRowNamed(pk token.PK, body []byte, cmp clustering.Comparator, names []clustering.Key) (cell.Row, error) {
	if len(body) < 8 {
		return cell.Row{}, errTruncated
	}
	promotedAt := int64(encoding.DecodeFixed64(body[len(body)-8:]))
	body = body[:len(body)-8]

	markedForDeleteAt, r, err := encoding.DecodeVarsignedint64(body)
	if err != nil {
		return cell.Row{}, errTruncated
	}
	rest := body[r:]

	ldt, r, err := encoding.DecodeVarsignedint64(rest)
	if err != nil {
		return cell.Row{}, errTruncated
	}
	rest = rest[r:]

	frags, rest, err := decodeRangeTombstones(rest)
	if err != nil {
		return cell.Row{}, err
	}

	count, read, err := encoding.DecodeVarint32(rest)
	if err != nil {
		return cell.Row{}, errTruncated
	}
	atomsStart := int64(len(body) - len(rest) + read)

	deletion := cell.RowDeletionInfo{MarkedForDeleteAt: markedForDeleteAt, LocalDeletionTime: int32(ldt)}
	if len(frags) > 0 {
		fragmenter := rangedel.NewFragmenter(cmp)
		for _, t := range frags {
			fragmenter.Add(t)
		}
		deletion.RangeTombstones = fragmenter.Finish()
	}

	matches := func(name clustering.Key) bool {
		for _, n := range names {
			if cmp.Compare(name, n) == 0 {
				return true
			}
		}
		return false
	}

	if promotedAt == 0 {
		// No promoted index: fall back to a full linear scan, atoms at a
		// time, keeping only the requested names.
		var cells []cell.Cell
		atoms := body[atomsStart:]
		for i := uint32(0); i < count; i++ {
			c, next, err := decodeAtom(atoms)
			if err != nil {
				return cell.Row{}, err
			}
			if matches(c.Name) {
				cells = append(cells, c)
			}
			atoms = next
		}
		return cell.Row{PK: pk, Deletion: deletion, Cells: cells}, nil
	}

	idx, err := decodePromotedIndex(body[promotedAt:])
	if err != nil {
		return cell.Row{}, err
	}

	needed := make(map[int]bool)
	for _, name := range names {
		i := sort.Search(len(idx), func(i int) bool { return cmp.Compare(idx[i].LastName, name) >= 0 })
		if i < len(idx) {
			needed[i] = true
		}
	}

	blocks := make([]int, 0, len(needed))
	for i := range needed {
		blocks = append(blocks, i)
	}
	sort.Ints(blocks)

	var cells []cell.Cell
	for _, bi := range blocks {
		info := idx[bi]
		block := body[info.Offset : info.Offset+info.Width]
		for len(block) > 0 {
			c, next, err := decodeAtom(block)
			if err != nil {
				return cell.Row{}, err
			}
			if matches(c.Name) {
				cells = append(cells, c)
			}
			block = next
		}
	}

	return cell.Row{PK: pk, Deletion: deletion, Cells: cells}, nil
}
