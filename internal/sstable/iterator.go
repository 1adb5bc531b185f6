package sstable

import (
	"github.com/columnforge/ctable/internal/cell"
	"github.com/columnforge/ctable/internal/encoding"
	"github.com/columnforge/ctable/internal/storageerr"
	"github.com/columnforge/ctable/internal/token"
)

// Iterator walks a table's rows in PK order, reading Index sequentially
// and pulling each row's bytes from Data in turn. It is the table-level
// building block for the manifest's validation scanner, which chains
// Iterators across a level's tables and reports cumulative Data bytes
// read as scanner position.
type Iterator struct {
	r           *Reader
	indexBuf    []byte
	bytesRead   int64
	currentPK   token.PK
	currentRow  cell.Row
	err         error
	exhausted   bool
}

// NewIterator opens a sequential scan over every row in r, in Index order
// (which matches PK order, since Index is built by a Writer that receives
// rows already in PK order).
func (r *Reader) NewIterator() (*Iterator, error) {
	size := r.index.Size()
	buf := make([]byte, size)
	if size > 0 {
		if _, err := r.index.ReadAt(buf, 0); err != nil {
			return nil, storageerr.WrapCause(storageerr.KindIORead, err, "sstable: read %s", r.desc.IndexPath())
		}
	}
	return &Iterator{r: r, indexBuf: buf}, nil
}

// Next advances to the next row, returning false once the table is
// exhausted (check Err afterward to distinguish EOF from failure).
func (it *Iterator) Next() bool {
	if it.exhausted || it.err != nil {
		return false
	}
	if len(it.indexBuf) == 0 {
		it.exhausted = true
		return false
	}

	key, n, err := encoding.DecodeLengthPrefixedSlice(it.indexBuf)
	if err != nil {
		it.err = storageerr.Wrap(storageerr.KindCorrupt, "sstable: bad index entry in %s", it.r.desc.IndexPath())
		return false
	}
	it.indexBuf = it.indexBuf[n:]

	handle, rest, err := decodeHandle(it.indexBuf)
	if err != nil {
		it.err = storageerr.Wrap(storageerr.KindCorrupt, "sstable: bad index entry in %s", it.r.desc.IndexPath())
		return false
	}
	it.indexBuf = rest

	pk := token.NewPK(it.r.opts.Partitioner, key)
	row, err := it.r.readRowAt(pk, handle)
	if err != nil {
		it.err = err
		return false
	}

	it.currentPK = pk
	it.currentRow = row
	it.bytesRead += int64(handle.Size)
	return true
}

// Row returns the row Next most recently positioned on.
func (it *Iterator) Row() (token.PK, cell.Row) { return it.currentPK, it.currentRow }

// BytesRead returns the cumulative Data bytes consumed so far, the
// per-table contribution to the validation iterator's scanner position.
func (it *Iterator) BytesRead() int64 { return it.bytesRead }

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }
