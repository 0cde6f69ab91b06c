package xmr

import (
	"encoding/hex"
	"testing"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gate "github.com/xmrgate/xmrgate/pkg"
)

// A real mainnet wallet: its private view key and primary address are
// published together in the AcceptXMR server's example configuration.
const (
	knownViewKey  = "ad2093a5705b9f33e6f0f0c1bc1f5f639c756cdfc168c8f2ac6127ccbdab3a03"
	knownAddress  = "4613YiHLM6JMH4zejMB2zJY5TwQCxL8p65ufw8kBP5yxX9itmuGLqp1dS4tkVoTxjyH3aYhYNrtGHbQzJQP5bFus3KHVdmf"
	knownSpendPub = "7388a06bd5455b793a82b90ae801efb9cc0da7156df8af1d5800e4315cc627b4"
	knownViewPub  = "41e2fdbecd764ed9d057eb389e7c285fec6c62f742c87acdbed159d1c8a68214"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func knownWallet(t *testing.T) *ViewPair {
	t.Helper()
	keys, err := NewViewPair(Mainnet, knownViewKey, knownSpendPub)
	require.NoError(t, err)
	return keys
}

func TestKnownPrimaryAddress(t *testing.T) {
	addr, err := ParseAddress(knownAddress)
	require.NoError(t, err)
	assert.Equal(t, Mainnet, addr.Network)
	assert.False(t, addr.IsSubaddress)
	assert.Equal(t, knownSpendPub, hex.EncodeToString(addr.SpendKey[:]))
	assert.Equal(t, knownViewPub, hex.EncodeToString(addr.ViewKey[:]))

	keys := knownWallet(t)
	assert.Equal(t, knownViewPub, hex.EncodeToString(keys.ViewPublicKey().Bytes()))
	assert.Equal(t, knownAddress, keys.PrimaryAddress())

	primary, err := keys.Address(gate.SubaddressIndex{})
	require.NoError(t, err)
	assert.Equal(t, knownAddress, primary)
}

func TestKnownSubaddresses(t *testing.T) {
	keys := knownWallet(t)
	cases := []struct {
		index    gate.SubaddressIndex
		address  string
		spendKey string
	}{
		{gate.SubaddressIndex{Major: 0, Minor: 1},
			"8AeDtZf1yCrMVfW3ZsNmMzf1PP3mi2zgVFCHrbm7tL3WZybYNrLFUnx698YAH3xrKo3EVUm7jMNRXWzY3mfwatHFBKBf74m",
			"d8191ffbe3eeaf7a86ded11306f859e33a18225be200ae54dd46c1a52a1315c5"},
		{gate.SubaddressIndex{Major: 1, Minor: 0},
			"88b5kBeHQqwerJM6PwcLXWMZEnpwpZyszCNJgJcFGGE3XvaEnYKLRZe7fJaw6MgASpEUokqq8E98SE4UnJpR5EajVcq4mWT",
			"a1e484dc634222e24a4f1950ab216d7ae52e5db030815d43f5f64910287ee8b8"},
		{gate.SubaddressIndex{Major: 0, Minor: 7},
			"87JPdNe3qkpUJBmW6B7UhnJz9gwTAzzZQFETwP7ZZXBTjXrDGgqEfhVJ1hKH7KLawq25xjUCwbd187cS3aPd5QyZNWhE7mR",
			"7fe8fa51fdef6da331a60c6e9e6af96b86ff27931250135516a3eb33e279d6fe"},
	}
	for _, c := range cases {
		sub, err := keys.Derive(c.index)
		require.NoError(t, err, c.index.String())
		assert.Equal(t, c.address, sub.Address, c.index.String())
		assert.Equal(t, c.spendKey, hex.EncodeToString(sub.Spend.Bytes()), c.index.String())

		parsed, err := ParseAddress(c.address)
		require.NoError(t, err, c.index.String())
		assert.True(t, parsed.IsSubaddress, c.index.String())
	}
}

// An output paying subaddress 0-1 at output index 1, with a single main
// tx key R = r*D, next to an output for somebody else.
func TestKnownOutput(t *testing.T) {
	const (
		txPubKey   = "a97529db5e50754efaaa8dbc88517b97fb0d90bf90961c151267f8f9a0fe5d0b"
		derivHex   = "72248da8aec7fa532387b520e9f0013411d270c6090addfc2a849ba5a7367441"
		sharedHex  = "eddc5a23b283e70e8f5a53fab08a32f2be4044828ef6c556120ff0bc3ae95b0f"
		outputKey  = "91a2f3296f9d0ce043607095b1e3b5aada1c0c818dcf635a456c78e4a0760795"
		encAmount  = "6385ab1b0b9675e2"
		commitment = "af5df82602eb0a3e6a99587a1940da0967000d8e32f25ccf9683421d8c93e8c4"
		otherKey   = "4c5a5a1d9f0f6e65e6cf129a41e27236cf146d3485cea0443cd0ee3cbf2d0f4f"
		viewTag    = 0xc5
		amount     = 1234567890123
	)
	keys := knownWallet(t)

	var d []byte
	require.NoError(t, keys.View.With(func(a *edwards25519.Scalar) error {
		d = derivation(a, unhex(t, txPubKey))
		return nil
	}))
	assert.Equal(t, derivHex, hex.EncodeToString(d))
	assert.Equal(t, byte(viewTag), ViewTag(d, 1))
	s := HashToScalar(d, Varint(1))
	assert.Equal(t, sharedHex, hex.EncodeToString(s.Bytes()))

	decoded, err := DecodeAmount(RctTypeBulletproofPlus, s, unhex(t, encAmount), nil, unhex(t, commitment))
	require.NoError(t, err)
	assert.Equal(t, uint64(amount), decoded)

	tx := gate.Transaction{
		Hash:    "known",
		Version: 2,
		Extra:   BuildTxExtra(unhex(t, txPubKey), nil),
		RctType: RctTypeBulletproofPlus,
		Outputs: []gate.TxOutput{
			{Key: unhex(t, otherKey), ViewTag: []byte{0x00}, EncryptedAmount: unhex(t, encAmount), Commitment: unhex(t, commitment)},
			{Key: unhex(t, outputKey), ViewTag: []byte{viewTag}, EncryptedAmount: unhex(t, encAmount), Commitment: unhex(t, commitment)},
		},
		Height: 3_000_000,
	}
	table, err := NewTableBuilder(keys).Build([]gate.SubaddressIndex{{Minor: 1}, {Minor: 2}})
	require.NoError(t, err)
	matched, errs := NewMatcher(keys).Match(&tx, table)
	require.Empty(t, errs)
	require.Len(t, matched, 1)
	assert.Equal(t, gate.SubaddressIndex{Minor: 1}, matched[0].Index)
	assert.Equal(t, 1, matched[0].OutputIndex)
	assert.Equal(t, uint64(amount), matched[0].Amount)
}
