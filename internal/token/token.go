// Package token implements the partitioner abstraction that orders
// partition keys on disk: every sorted table and every in-memory structure
// keyed by partition key is ordered by token first, raw key bytes second.
// A partition key (PK) is an opaque byte string plus a token, the
// partitioner's hash of that string.
package token

import (
	"bytes"
	"hash/fnv"
	"math/big"
)

// T is a partitioner token. Tokens are ordered with Compare; the zero value
// is the minimum token, used as an open lower bound.
type T struct {
	v *big.Int
}

// Min is the token strictly less than every token a real partitioner
// produces. Used as an open-ended lower bound in range scans.
var Min = T{v: big.NewInt(0).Neg(big.NewInt(1))}

// Max is the token strictly greater than every token a real partitioner
// produces. Used as an open-ended upper bound in range scans.
var Max = T{v: new(big.Int).Lsh(big.NewInt(1), 256)}

// FromUint64 builds a token directly from a uint64 hash value.
func FromUint64(h uint64) T {
	return T{v: new(big.Int).SetUint64(h)}
}

// Compare orders tokens: negative if t < other, zero if equal, positive if
// t > other.
func (t T) Compare(other T) int {
	return t.v.Cmp(other.v)
}

// String renders the token in decimal, for logging and TOC files.
func (t T) String() string {
	return t.v.String()
}

// Bytes renders the token as a big-endian, sign-magnitude byte string
// suitable for the Stats sidecar's MinToken/MaxToken fields. The zero value
// (an unset T) encodes as an empty slice.
func (t T) Bytes() []byte {
	if t.v == nil {
		return nil
	}
	if t.v.Sign() < 0 {
		return append([]byte{1}, t.v.Bytes()...)
	}
	return append([]byte{0}, t.v.Bytes()...)
}

// FromBytes decodes a token previously encoded with Bytes. An empty slice
// decodes back to the zero value.
func FromBytes(b []byte) T {
	if len(b) == 0 {
		return T{}
	}
	mag := new(big.Int).SetBytes(b[1:])
	if b[0] == 1 {
		mag.Neg(mag)
	}
	return T{v: mag}
}

// Partitioner maps raw partition-key bytes to a token and provides the
// byte-level comparator used to break token ties. It is pluggable: a
// single default implementation is provided here (Murmur3Partitioner-
// equivalent by contract, FNV-1a by implementation — see
// DefaultPartitioner doc), since no third-party hash library in the
// dependency set specializes in partitioner-style token hashing and
// FNV-1a via the standard library's hash/fnv is the direct match.
type Partitioner interface {
	// Name returns the partitioner's fully-qualified identifier, recorded
	// in the stats sidecar and asserted on load.
	Name() string

	// GetToken computes the token for a raw partition key.
	GetToken(key []byte) T

	// CompareKeys orders two partition keys that share a token; a
	// deterministic byte-order fallback is required because distinct keys
	// may legitimately hash to the same token.
	CompareKeys(a, b []byte) int
}

// DefaultPartitioner hashes partition keys with FNV-1a 128-bit (folded into
// the token's big.Int domain) and falls back to raw byte comparison when
// tokens collide.
//
// The engine only requires the Partitioner interface above, so operators
// can supply their own token function (murmur3, random, order-preserving)
// in production; this is a reasonable default, not a mandated scheme.
type DefaultPartitioner struct{}

// Name implements Partitioner.
func (DefaultPartitioner) Name() string {
	return "ctable.token.DefaultPartitioner"
}

// GetToken implements Partitioner.
func (DefaultPartitioner) GetToken(key []byte) T {
	h := fnv.New128a()
	_, _ = h.Write(key)
	sum := h.Sum(nil)
	return T{v: new(big.Int).SetBytes(sum)}
}

// CompareKeys implements Partitioner.
func (DefaultPartitioner) CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// PK is a partition key: the raw key bytes plus the token computed for it.
// PKs are ordered by (token, raw bytes) — see Compare.
type PK struct {
	Key   []byte
	Token T
}

// NewPK computes a PK's token via p and returns the pair.
func NewPK(p Partitioner, key []byte) PK {
	return PK{Key: key, Token: p.GetToken(key)}
}

// Compare orders two PKs by token, then by raw key bytes via p.
func (pk PK) Compare(other PK, p Partitioner) int {
	if c := pk.Token.Compare(other.Token); c != 0 {
		return c
	}
	return p.CompareKeys(pk.Key, other.Key)
}
