// Package checksum block-checksum helpers built on XXH3.
//
// XXH3_64bits wraps github.com/zeebo/xxh3 instead of a hand-rolled
// implementation: the bloom filter (internal/filter) and these block
// checksums both want the same fast 64-bit non-cryptographic hash.
package checksum

import (
	"github.com/zeebo/xxh3"
)

// XXH3_64bits computes the 64-bit XXH3 hash of data.
func XXH3_64bits(data []byte) uint64 {
	return xxh3.Hash(data)
}

// XXH3Checksum computes a block checksum: XXH3 over all bytes except the
// last, folded with the last byte via a fixed multiplier so that a
// single-byte change anywhere — including the trailing type/flags byte —
// changes the checksum.
func XXH3Checksum(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}

	h := XXH3_64bits(data[:len(data)-1])
	v := uint32(h)

	lastByte := data[len(data)-1]
	const kRandomPrime = 0x6b9083d9
	return v ^ (uint32(lastByte) * kRandomPrime)
}

// XXH3ChecksumWithLastByte computes the block checksum when the trailing
// byte (e.g. the compression type) is tracked separately from the data
// buffer rather than appended to it.
func XXH3ChecksumWithLastByte(data []byte, lastByte byte) uint32 {
	h := XXH3_64bits(data)
	v := uint32(h)

	const kRandomPrime = 0x6b9083d9
	return v ^ (uint32(lastByte) * kRandomPrime)
}
