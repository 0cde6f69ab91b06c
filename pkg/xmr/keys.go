package xmr

import (
	"encoding/hex"
	"sync"

	"filippo.io/edwards25519"
	gate "github.com/xmrgate/xmrgate/pkg"
)

// ViewKey holds the private view key. The scalar is only reachable through
// With, which hands out a temporary copy for the duration of one call.
type ViewKey struct {
	mu     sync.RWMutex
	key    [32]byte
	loaded bool
}

// NewViewKey validates a 32-byte private view key (canonical, non-zero scalar).
func NewViewKey(b []byte) (*ViewKey, error) {
	if len(b) != 32 {
		return nil, gate.NewErr(gate.InvalidKey, "view key: expected 32 bytes, got %d", len(b))
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, gate.NewErr(gate.InvalidKey, "view key: not a canonical scalar")
	}
	if s.Equal(edwards25519.NewScalar()) == 1 {
		return nil, gate.NewErr(gate.InvalidKey, "view key: zero scalar")
	}
	k := &ViewKey{loaded: true}
	copy(k.key[:], b)
	wipeScalar(s)
	return k, nil
}

func ParseViewKey(hexKey string) (*ViewKey, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, gate.NewErr(gate.InvalidKey, "view key: invalid hex")
	}
	defer zeroBytes(b)
	return NewViewKey(b)
}

// With lends the private scalar to fn. The copy is wiped when fn returns;
// fn must not retain it.
func (k *ViewKey) With(fn func(a *edwards25519.Scalar) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.loaded {
		return gate.NewErr(gate.InvalidKey, "view key has been cleared")
	}
	a, err := edwards25519.NewScalar().SetCanonicalBytes(k.key[:])
	if err != nil {
		return gate.NewErr(gate.InvalidKey, "view key: %v", err)
	}
	defer wipeScalar(a)
	return fn(a)
}

// Zeroize clears the key; every later With fails with InvalidKey.
func (k *ViewKey) Zeroize() {
	k.mu.Lock()
	defer k.mu.Unlock()
	zeroBytes(k.key[:])
	k.loaded = false
}

// ParsePublicKey decodes a 32-byte point, rejecting non-canonical
// encodings, the identity and small-order points.
func ParsePublicKey(b []byte) (*edwards25519.Point, error) {
	if len(b) != 32 {
		return nil, gate.NewErr(gate.InvalidKey, "public key: expected 32 bytes, got %d", len(b))
	}
	p, err := edwards25519.NewIdentityPoint().SetBytes(b)
	if err != nil {
		return nil, gate.NewErr(gate.InvalidKey, "public key: not a curve point")
	}
	if new(edwards25519.Point).MultByCofactor(p).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, gate.NewErr(gate.InvalidKey, "public key: small order point")
	}
	return p, nil
}

func ParsePublicKeyHex(hexKey string) (*edwards25519.Point, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, gate.NewErr(gate.InvalidKey, "public key: invalid hex")
	}
	return ParsePublicKey(b)
}

// ViewPair is the process-wide key material: private view key and public
// spend key. It can find and attribute incoming outputs but never spend.
type ViewPair struct {
	Network Network
	View    *ViewKey
	Spend   *edwards25519.Point // B
	viewPub *edwards25519.Point // A = a*G
}

// NewViewPair validates and loads the keys. All key errors are InvalidKey
// and happen here, never per derivation.
func NewViewPair(network Network, viewKeyHex, spendKeyHex string) (*ViewPair, error) {
	view, err := ParseViewKey(viewKeyHex)
	if err != nil {
		return nil, err
	}
	spend, err := ParsePublicKeyHex(spendKeyHex)
	if err != nil {
		return nil, err
	}
	p := &ViewPair{Network: network, View: view, Spend: spend}
	err = view.With(func(a *edwards25519.Scalar) error {
		p.viewPub = new(edwards25519.Point).ScalarBaseMult(a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LoadViewPair builds the ViewPair from wallet config, checking the
// configured primary address when one is given.
func LoadViewPair(conf gate.Config) (*ViewPair, error) {
	network, err := NetworkByName(conf.Gateway.Network)
	if err != nil {
		return nil, err
	}
	p, err := NewViewPair(network, conf.Wallet.PrivateViewKey, conf.Wallet.PublicSpendKey)
	if err != nil {
		return nil, err
	}
	if conf.Wallet.PrimaryAddress != "" && conf.Wallet.PrimaryAddress != p.PrimaryAddress() {
		p.Close()
		return nil, gate.NewErr(gate.InvalidKey, "primary address does not match the configured keys")
	}
	return p, nil
}

// ViewPublicKey is A = a*G.
func (p *ViewPair) ViewPublicKey() *edwards25519.Point {
	return new(edwards25519.Point).Set(p.viewPub)
}

func (p *ViewPair) PrimaryAddress() string {
	return EncodeAddress(p.Network.StandardPrefix, p.Spend.Bytes(), p.viewPub.Bytes())
}

// Close zeroizes the private view key.
func (p *ViewPair) Close() {
	p.View.Zeroize()
}

func wipeScalar(s *edwards25519.Scalar) {
	s.Set(edwards25519.NewScalar())
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
