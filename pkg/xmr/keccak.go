package xmr

import (
	"encoding/binary"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// Keccak256 is Monero's cn_fast_hash (original Keccak padding, not SHA3).
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// HashToScalar is Monero's hash_to_scalar: Keccak-256 reduced mod l.
func HashToScalar(data ...[]byte) *edwards25519.Scalar {
	var wide [64]byte
	copy(wide[:], Keccak256(data...))
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		panic("HashToScalar: " + err.Error()) // only fails on wrong length
	}
	return s
}

// Varint encodes n as a Monero varint (LEB128, same as binary.PutUvarint).
func Varint(n uint64) []byte {
	return binary.AppendUvarint(nil, n)
}

func uint32le(n uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	return b[:]
}

// scalarFromUint64 encodes an amount as a little-endian scalar.
func scalarFromUint64(n uint64) *edwards25519.Scalar {
	var b [32]byte
	binary.LittleEndian.PutUint64(b[:], n)
	s, _ := edwards25519.NewScalar().SetCanonicalBytes(b[:]) // n < l always
	return s
}
