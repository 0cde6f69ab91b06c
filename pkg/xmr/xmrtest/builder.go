// Package xmrtest builds deterministic keys and sender-side transactions
// for tests that need real outputs to match.
package xmrtest

import (
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/xmr"
)

// Keys returns the hex view key and public spend key derived from seed.
func Keys(seed string) (viewKeyHex, spendPubHex string) {
	a := xmr.HashToScalar([]byte(seed), []byte("view"))
	b := xmr.HashToScalar([]byte(seed), []byte("spend"))
	B := new(edwards25519.Point).ScalarBaseMult(b)
	return hex.EncodeToString(a.Bytes()), hex.EncodeToString(B.Bytes())
}

// ViewPair loads the keys for seed on stagenet, panicking on error.
func ViewPair(seed string) *xmr.ViewPair {
	view, spend := Keys(seed)
	p, err := xmr.NewViewPair(xmr.Stagenet, view, spend)
	if err != nil {
		panic(err)
	}
	return p
}

// TxBuilder builds a RingCT (CLSAG/BP+ format) transaction paying
// subaddresses. By default every output gets its own tx key (tag 0x04);
// SingleKey switches to one main tx key R = r*D of the first destination.
type TxBuilder struct {
	hash       string
	unlockTime uint64
	singleKey  bool
	outputs    []gate.TxOutput
	additional [][]byte
	main       []byte
	txKey      *edwards25519.Scalar
}

func NewTx(hash string) *TxBuilder {
	return &TxBuilder{hash: hash, txKey: xmr.HashToScalar([]byte("tx key"), []byte(hash))}
}

func (b *TxBuilder) UnlockTime(t uint64) *TxBuilder {
	b.unlockTime = t
	return b
}

func (b *TxBuilder) SingleKey() *TxBuilder {
	b.singleKey = true
	return b
}

// Pay adds an output of amount to the subaddress.
func (b *TxBuilder) Pay(to xmr.Subaddress, amount uint64) *TxBuilder {
	i := uint64(len(b.outputs))
	var r *edwards25519.Scalar
	if b.singleKey {
		r = b.txKey
	} else {
		r = xmr.HashToScalar([]byte("output key"), []byte(b.hash), xmr.Varint(i))
	}
	// R = r*D for subaddresses, r*G for the primary address
	var R *edwards25519.Point
	if to.Index.IsPrimary() {
		R = new(edwards25519.Point).ScalarBaseMult(r)
	} else {
		R = new(edwards25519.Point).ScalarMult(r, to.Spend)
	}
	rC := new(edwards25519.Point).ScalarMult(r, to.View)
	derivation := new(edwards25519.Point).MultByCofactor(rC).Bytes()
	s := xmr.HashToScalar(derivation, xmr.Varint(i))
	P := new(edwards25519.Point).Add(new(edwards25519.Point).ScalarBaseMult(s), to.Spend)
	enc, commitment := xmr.EncryptAmount(s, amount)
	b.outputs = append(b.outputs, gate.TxOutput{
		Key:             P.Bytes(),
		ViewTag:         []byte{xmr.ViewTag(derivation, i)},
		EncryptedAmount: enc,
		Commitment:      commitment,
	})
	if b.singleKey {
		if b.main == nil {
			b.main = R.Bytes()
		}
	} else {
		b.additional = append(b.additional, R.Bytes())
	}
	return b
}

// PayElsewhere adds an output to a key nobody here owns.
func (b *TxBuilder) PayElsewhere(amount uint64) *TxBuilder {
	i := uint64(len(b.outputs))
	junk := xmr.HashToScalar([]byte("elsewhere"), []byte(b.hash), xmr.Varint(i))
	P := new(edwards25519.Point).ScalarBaseMult(junk)
	enc, commitment := xmr.EncryptAmount(junk, amount)
	b.outputs = append(b.outputs, gate.TxOutput{
		Key:             P.Bytes(),
		ViewTag:         []byte{0},
		EncryptedAmount: enc,
		Commitment:      commitment,
	})
	if !b.singleKey {
		b.additional = append(b.additional, new(edwards25519.Point).ScalarBaseMult(junk).Bytes())
	}
	return b
}

// CorruptCommitment replaces output i's commitment so its amount no
// longer opens it.
func (b *TxBuilder) CorruptCommitment(i int) *TxBuilder {
	b.outputs[i].Commitment = edwards25519.NewGeneratorPoint().Bytes()
	return b
}

// Build returns the transaction as mined at height (0 for txpool).
func (b *TxBuilder) Build(height uint64) gate.Transaction {
	main := b.main
	if main == nil {
		main = new(edwards25519.Point).ScalarBaseMult(b.txKey).Bytes()
	}
	outputs := append([]gate.TxOutput(nil), b.outputs...)
	return gate.Transaction{
		Hash:       b.hash,
		Version:    2,
		UnlockTime: b.unlockTime,
		Extra:      xmr.BuildTxExtra(main, b.additional),
		RctType:    xmr.RctTypeBulletproofPlus,
		Outputs:    outputs,
		Height:     height,
		InPool:     height == 0,
	}
}

// TxHash makes a 64-hex-char transaction id from a label.
func TxHash(label string) string {
	return hex.EncodeToString(xmr.Keccak256([]byte(fmt.Sprintf("tx:%s", label))))
}
