package xmr_test

import (
	"encoding/hex"
	"strings"
	"testing"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/xmr"
	"github.com/xmrgate/xmrgate/pkg/xmr/xmrtest"
)

func TestKeccak256(t *testing.T) {
	// cn_fast_hash("")
	assert.Equal(t,
		"c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		hex.EncodeToString(xmr.Keccak256(nil)))
}

func TestVarint(t *testing.T) {
	assert.Equal(t, []byte{0x00}, xmr.Varint(0))
	assert.Equal(t, []byte{0x7f}, xmr.Varint(127))
	assert.Equal(t, []byte{0xac, 0x02}, xmr.Varint(300))
}

func TestBase58(t *testing.T) {
	assert.Equal(t, "11111111111", xmr.Base58Encode(make([]byte, 8)))
	assert.Equal(t, "", xmr.Base58Encode(nil))

	for n := 0; n <= 70; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i*37 + n)
		}
		enc := xmr.Base58Encode(data)
		dec, err := xmr.Base58Decode(enc)
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, data, append([]byte{}, dec...), "length %d", n)
	}

	_, err := xmr.Base58Decode("0OIl")
	assert.Error(t, err)
	_, err = xmr.Base58Decode("1111") // no block encodes to 4 chars
	assert.Error(t, err)
	_, err = xmr.Base58Decode("zz") // 2 chars hold one byte, this overflows it
	assert.Error(t, err)
}

func TestParseTxExtra(t *testing.T) {
	R := edwards25519.NewGeneratorPoint().Bytes()
	extra := xmr.BuildTxExtra(R, [][]byte{R, R})
	extra = append(extra, 0x02, 0x03, 0xaa, 0xbb, 0xcc) // nonce
	extra = append(extra, 0x00, 0x00, 0x00)             // padding

	parsed, err := xmr.ParseTxExtra(extra)
	require.NoError(t, err)
	require.Len(t, parsed.PubKeys, 1)
	assert.Equal(t, R, parsed.PubKeys[0])
	assert.Len(t, parsed.AdditionalKeys, 2)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, parsed.Nonce)

	// fields before an unknown tag survive
	parsed, err = xmr.ParseTxExtra(append(xmr.BuildTxExtra(R, nil), 0x7f, 0x01))
	assert.Error(t, err)
	assert.Len(t, parsed.PubKeys, 1)

	_, err = xmr.ParseTxExtra([]byte{0x01, 0x02})
	assert.Error(t, err)
	_, err = xmr.ParseTxExtra([]byte{0x04, 0x05, 0x01})
	assert.Error(t, err)
}

func TestViewKeyValidation(t *testing.T) {
	_, spend := xmrtest.Keys("validation")

	_, err := xmr.NewViewPair(xmr.Mainnet, "zz", spend)
	assert.True(t, gate.IsError(err, gate.InvalidKey), "bad hex: %v", err)

	_, err = xmr.NewViewPair(xmr.Mainnet, "0102", spend)
	assert.True(t, gate.IsError(err, gate.InvalidKey), "short key: %v", err)

	// l itself is not a canonical scalar
	l := "edd3f55c1a631258d69cf7a2def9de1400000000000000000000000000000010"
	_, err = xmr.NewViewPair(xmr.Mainnet, l, spend)
	assert.True(t, gate.IsError(err, gate.InvalidKey), "non-canonical: %v", err)

	view, _ := xmrtest.Keys("validation")
	_, err = xmr.NewViewPair(xmr.Mainnet, strings.Repeat("00", 32), spend)
	assert.True(t, gate.IsError(err, gate.InvalidKey), "zero key: %v", err)

	_, err = xmr.NewViewPair(xmr.Mainnet, view, spend[:62])
	assert.True(t, gate.IsError(err, gate.InvalidKey), "short spend key: %v", err)

	identity := "01" + strings.Repeat("00", 31)
	_, err = xmr.NewViewPair(xmr.Mainnet, view, identity)
	assert.True(t, gate.IsError(err, gate.InvalidKey), "identity: %v", err)
}

func TestViewKeyZeroize(t *testing.T) {
	keys := xmrtest.ViewPair("zeroize")
	_, err := keys.Derive(gate.SubaddressIndex{Minor: 1})
	require.NoError(t, err)

	keys.Close()
	_, err = keys.Derive(gate.SubaddressIndex{Minor: 1})
	assert.True(t, gate.IsError(err, gate.InvalidKey), "after zeroize: %v", err)
}

func TestAddresses(t *testing.T) {
	view, spend := xmrtest.Keys("addresses")
	keys, err := xmr.NewViewPair(xmr.Mainnet, view, spend)
	require.NoError(t, err)

	primary := keys.PrimaryAddress()
	assert.Len(t, primary, 95)
	assert.True(t, strings.HasPrefix(primary, "4"), primary)

	addr, err := xmr.ParseAddress(primary)
	require.NoError(t, err)
	assert.Equal(t, "mainnet", addr.Network.Name)
	assert.False(t, addr.IsSubaddress)
	assert.Equal(t, keys.Spend.Bytes(), addr.SpendKey[:])
	assert.Equal(t, keys.ViewPublicKey().Bytes(), addr.ViewKey[:])

	sub, err := keys.Derive(gate.SubaddressIndex{Major: 0, Minor: 7})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.Address, "8"), sub.Address)
	addr, err = xmr.ParseAddress(sub.Address)
	require.NoError(t, err)
	assert.True(t, addr.IsSubaddress)
	assert.Equal(t, sub.Spend.Bytes(), addr.SpendKey[:])

	// (0,0) is the primary address
	zero, err := keys.Derive(gate.SubaddressIndex{})
	require.NoError(t, err)
	assert.Equal(t, primary, zero.Address)

	// a flipped character breaks the checksum
	bad := []byte(sub.Address)
	if bad[10] == 'a' {
		bad[10] = 'b'
	} else {
		bad[10] = 'a'
	}
	_, err = xmr.ParseAddress(string(bad))
	assert.Error(t, err)

	// the configured primary address must match the keys
	conf := gate.TestConfig()
	conf.Gateway.Network = "mainnet"
	conf.Wallet.PrivateViewKey = view
	conf.Wallet.PublicSpendKey = spend
	conf.Wallet.PrimaryAddress = primary
	_, err = xmr.LoadViewPair(conf)
	assert.NoError(t, err)
	conf.Wallet.PrimaryAddress = sub.Address
	_, err = xmr.LoadViewPair(conf)
	assert.True(t, gate.IsError(err, gate.InvalidKey))
}

func TestStagenetPrefixes(t *testing.T) {
	keys := xmrtest.ViewPair("stagenet")
	assert.True(t, strings.HasPrefix(keys.PrimaryAddress(), "5"))
	sub, err := keys.Derive(gate.SubaddressIndex{Minor: 1})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.Address, "7"))
}

func TestDecodeAmountCompact(t *testing.T) {
	s := xmr.HashToScalar([]byte("shared secret"))
	enc, commitment := xmr.EncryptAmount(s, 1_000_000)

	amount, err := xmr.DecodeAmount(xmr.RctTypeBulletproofPlus, s, enc, nil, commitment)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), amount)

	// wrong shared secret: amount does not open the commitment
	other := xmr.HashToScalar([]byte("other secret"))
	_, err = xmr.DecodeAmount(xmr.RctTypeBulletproofPlus, other, enc, nil, commitment)
	assert.Error(t, err)

	_, err = xmr.DecodeAmount(xmr.RctTypeBulletproofPlus, s, enc, nil, nil)
	assert.Error(t, err)
}

func TestDecodeAmountFull(t *testing.T) {
	// pre-Bulletproof2 outputs carry 32-byte encrypted amount and mask
	s := xmr.HashToScalar([]byte("old shared secret"))
	s1 := xmr.HashToScalar(s.Bytes())
	s2 := xmr.HashToScalar(s1.Bytes())
	mask := xmr.HashToScalar([]byte("mask"))

	var amountBytes [32]byte
	amountBytes[0], amountBytes[1], amountBytes[2] = 0x40, 0x42, 0x0f // 1,000,000
	amount, err := edwards25519.NewScalar().SetCanonicalBytes(amountBytes[:])
	require.NoError(t, err)

	encAmount := edwards25519.NewScalar().Add(amount, s2).Bytes()
	encMask := edwards25519.NewScalar().Add(mask, s1).Bytes()
	commitment := xmr.Commit(mask, 1_000_000).Bytes()

	got, err := xmr.DecodeAmount(xmr.RctTypeBulletproof, s, encAmount, encMask, commitment)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), got)
}
