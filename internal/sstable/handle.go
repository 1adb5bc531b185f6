package sstable

import (
	"github.com/columnforge/ctable/internal/encoding"
)

// blockHandle points at an extent of a component file: a varint-encoded
// offset and size, used as both the Index -> Data pointer type and the
// Summary -> Index pointer type.
type blockHandle struct {
	Offset uint64
	Size   uint64
}

// maxHandleEncodedLength is the maximum encoding length of a blockHandle:
// two varint64s, each up to 10 bytes.
const maxHandleEncodedLength = 2 * encoding.MaxVarint64Length

func (h blockHandle) appendTo(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, h.Offset)
	dst = encoding.AppendVarint64(dst, h.Size)
	return dst
}

func decodeHandle(data []byte) (blockHandle, []byte, error) {
	offset, n1, err := encoding.DecodeVarint64(data)
	if err != nil {
		return blockHandle{}, nil, errBadHandle
	}
	data = data[n1:]

	size, n2, err := encoding.DecodeVarint64(data)
	if err != nil {
		return blockHandle{}, nil, errBadHandle
	}
	data = data[n2:]

	return blockHandle{Offset: offset, Size: size}, data, nil
}
