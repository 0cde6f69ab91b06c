package xmr

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
)

// RingCT types
const (
	RctTypeNull            = 0
	RctTypeFull            = 1
	RctTypeSimple          = 2
	RctTypeBulletproof     = 3
	RctTypeBulletproof2    = 4
	RctTypeCLSAG           = 5
	RctTypeBulletproofPlus = 6
)

// H is the second generator used in Pedersen commitments (C = mask*G + amount*H).
var H = mustPoint("8b655970153799af2aeadc9ff1add0ea6c7251d54154cfa92c173a0dd39c1f94")

func mustPoint(hexPoint string) *edwards25519.Point {
	b, err := hex.DecodeString(hexPoint)
	if err != nil {
		panic(err)
	}
	p, err := edwards25519.NewIdentityPoint().SetBytes(b)
	if err != nil {
		panic(err)
	}
	return p
}

// Commit computes mask*G + amount*H.
func Commit(mask *edwards25519.Scalar, amount uint64) *edwards25519.Point {
	return new(edwards25519.Point).VarTimeDoubleScalarBaseMult(scalarFromUint64(amount), H, mask)
}

// DecodeAmount recovers the amount and mask of a RingCT output from its
// shared secret scalar s = Hs(derivation || output index), then checks the
// commitment. Compact (8-byte) amounts are used from Bulletproof2 on.
func DecodeAmount(rctType int, s *edwards25519.Scalar, encAmount, encMask, commitment []byte) (uint64, error) {
	var amount uint64
	var mask *edwards25519.Scalar
	sb := s.Bytes()
	switch {
	case rctType >= RctTypeBulletproof2 && len(encAmount) == 8:
		pad := Keccak256([]byte("amount"), sb)
		var plain [8]byte
		for i := range plain {
			plain[i] = encAmount[i] ^ pad[i]
		}
		amount = binary.LittleEndian.Uint64(plain[:])
		mask = HashToScalar([]byte("commitment_mask"), sb)
	case rctType >= RctTypeFull && rctType <= RctTypeBulletproof && len(encAmount) == 32 && len(encMask) == 32:
		s1 := HashToScalar(sb)
		s2 := HashToScalar(s1.Bytes())
		e, err := edwards25519.NewScalar().SetCanonicalBytes(encAmount)
		if err != nil {
			return 0, fmt.Errorf("encrypted amount is not a scalar")
		}
		m, err := edwards25519.NewScalar().SetCanonicalBytes(encMask)
		if err != nil {
			return 0, fmt.Errorf("encrypted mask is not a scalar")
		}
		plain := edwards25519.NewScalar().Subtract(e, s2).Bytes()
		for _, b := range plain[8:] {
			if b != 0 {
				return 0, fmt.Errorf("decoded amount does not fit in 64 bits")
			}
		}
		amount = binary.LittleEndian.Uint64(plain[:8])
		mask = edwards25519.NewScalar().Subtract(m, s1)
	default:
		return 0, fmt.Errorf("unsupported ecdh format for rct type %d (%d byte amount)", rctType, len(encAmount))
	}
	if len(commitment) != 32 {
		return 0, fmt.Errorf("missing output commitment")
	}
	C, err := edwards25519.NewIdentityPoint().SetBytes(commitment)
	if err != nil {
		return 0, fmt.Errorf("output commitment is not a point")
	}
	if Commit(mask, amount).Equal(C) != 1 {
		return 0, fmt.Errorf("amount does not open the output commitment")
	}
	return amount, nil
}

// EncryptAmount is the sender side of the compact format, for tests and
// tooling: returns the 8-byte encrypted amount and the commitment.
func EncryptAmount(s *edwards25519.Scalar, amount uint64) (encAmount []byte, commitment []byte) {
	sb := s.Bytes()
	pad := Keccak256([]byte("amount"), sb)
	var plain [8]byte
	binary.LittleEndian.PutUint64(plain[:], amount)
	encAmount = make([]byte, 8)
	for i := range plain {
		encAmount[i] = plain[i] ^ pad[i]
	}
	mask := HashToScalar([]byte("commitment_mask"), sb)
	return encAmount, Commit(mask, amount).Bytes()
}
