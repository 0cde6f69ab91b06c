package xmr

import (
	"filippo.io/edwards25519"
	gate "github.com/xmrgate/xmrgate/pkg"
)

var subaddressSalt = []byte("SubAddr\x00")

type Subaddress struct {
	Index   gate.SubaddressIndex
	Spend   *edwards25519.Point // D
	View    *edwards25519.Point // C
	Address string
}

// subaddressScalar is m = Hs("SubAddr\0" || a || major || minor).
func subaddressScalar(a *edwards25519.Scalar, idx gate.SubaddressIndex) *edwards25519.Scalar {
	return HashToScalar(subaddressSalt, a.Bytes(), uint32le(idx.Major), uint32le(idx.Minor))
}

// Derive computes the subaddress at idx. Index (0,0) is the primary address.
func (p *ViewPair) Derive(idx gate.SubaddressIndex) (Subaddress, error) {
	sub := Subaddress{Index: idx}
	err := p.View.With(func(a *edwards25519.Scalar) error {
		if idx.IsPrimary() {
			sub.Spend = new(edwards25519.Point).Set(p.Spend)
			sub.View = new(edwards25519.Point).Set(p.viewPub)
			return nil
		}
		m := subaddressScalar(a, idx)
		defer wipeScalar(m)
		mG := new(edwards25519.Point).ScalarBaseMult(m)
		sub.Spend = new(edwards25519.Point).Add(p.Spend, mG)
		sub.View = new(edwards25519.Point).ScalarMult(a, sub.Spend)
		return nil
	})
	if err != nil {
		return Subaddress{}, err
	}
	prefix := p.Network.SubaddressPrefix
	if idx.IsPrimary() {
		prefix = p.Network.StandardPrefix
	}
	sub.Address = EncodeAddress(prefix, sub.Spend.Bytes(), sub.View.Bytes())
	return sub, nil
}

// SpendKey computes only D for idx, which is all the matcher needs.
func (p *ViewPair) SpendKey(idx gate.SubaddressIndex) (*edwards25519.Point, error) {
	if idx.IsPrimary() {
		return new(edwards25519.Point).Set(p.Spend), nil
	}
	var D *edwards25519.Point
	err := p.View.With(func(a *edwards25519.Scalar) error {
		m := subaddressScalar(a, idx)
		defer wipeScalar(m)
		D = new(edwards25519.Point).Add(p.Spend, new(edwards25519.Point).ScalarBaseMult(m))
		return nil
	})
	return D, err
}

// Address implements gate.AddressDeriver.
func (p *ViewPair) Address(idx gate.SubaddressIndex) (string, error) {
	sub, err := p.Derive(idx)
	if err != nil {
		return "", err
	}
	return sub.Address, nil
}

// LookupTable maps subaddress spend keys back to their index, so each
// output costs one map lookup however many invoices are active.
type LookupTable struct {
	byKey map[[32]byte]gate.SubaddressIndex
}

func (t *LookupTable) Lookup(spend *edwards25519.Point) (gate.SubaddressIndex, bool) {
	if t == nil {
		return gate.SubaddressIndex{}, false
	}
	var k [32]byte
	copy(k[:], spend.Bytes())
	idx, ok := t.byKey[k]
	return idx, ok
}

func (t *LookupTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byKey)
}

// TableBuilder builds lookup tables, caching derived spend keys across
// rebuilds. Owned by a single goroutine (the scanner).
type TableBuilder struct {
	keys  *ViewPair
	cache map[gate.SubaddressIndex][32]byte
}

func NewTableBuilder(keys *ViewPair) *TableBuilder {
	return &TableBuilder{keys: keys, cache: make(map[gate.SubaddressIndex][32]byte)}
}

// Build returns a table covering exactly the given indices.
func (b *TableBuilder) Build(indices []gate.SubaddressIndex) (*LookupTable, error) {
	t := &LookupTable{byKey: make(map[[32]byte]gate.SubaddressIndex, len(indices))}
	for _, idx := range indices {
		k, ok := b.cache[idx]
		if !ok {
			D, err := b.keys.SpendKey(idx)
			if err != nil {
				return nil, err
			}
			copy(k[:], D.Bytes())
			b.cache[idx] = k
		}
		t.byKey[k] = idx
	}
	return t, nil
}
