package xmr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/xmr"
	"github.com/xmrgate/xmrgate/pkg/xmr/xmrtest"
)

func idx(major, minor uint32) gate.SubaddressIndex {
	return gate.SubaddressIndex{Major: major, Minor: minor}
}

func derive(t *testing.T, keys *xmr.ViewPair, i gate.SubaddressIndex) xmr.Subaddress {
	t.Helper()
	sub, err := keys.Derive(i)
	require.NoError(t, err)
	return sub
}

func table(t *testing.T, keys *xmr.ViewPair, indices ...gate.SubaddressIndex) *xmr.LookupTable {
	t.Helper()
	tbl, err := xmr.NewTableBuilder(keys).Build(indices)
	require.NoError(t, err)
	return tbl
}

func TestSubaddressDeterministic(t *testing.T) {
	a := xmrtest.ViewPair("determinism")
	b := xmrtest.ViewPair("determinism")
	for minor := uint32(1); minor < 20; minor++ {
		assert.Equal(t, derive(t, a, idx(0, minor)).Address, derive(t, b, idx(0, minor)).Address)
	}
}

func TestSubaddressUnique(t *testing.T) {
	keys := xmrtest.ViewPair("uniqueness")
	seen := map[string]gate.SubaddressIndex{}
	for major := uint32(0); major < 3; major++ {
		for minor := uint32(0); minor < 100; minor++ {
			sub := derive(t, keys, idx(major, minor))
			prev, dup := seen[sub.Address]
			require.False(t, dup, "%s and %s share an address", prev, sub.Index)
			seen[sub.Address] = sub.Index
		}
	}
}

func TestTableBuilderCache(t *testing.T) {
	keys := xmrtest.ViewPair("cache")
	b := xmr.NewTableBuilder(keys)
	first, err := b.Build([]gate.SubaddressIndex{idx(0, 1), idx(0, 2)})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Len())

	// rebuilt tables only cover what they were asked for
	second, err := b.Build([]gate.SubaddressIndex{idx(0, 2)})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Len())
	_, ok := second.Lookup(derive(t, keys, idx(0, 1)).Spend)
	assert.False(t, ok)
	got, ok := second.Lookup(derive(t, keys, idx(0, 2)).Spend)
	assert.True(t, ok)
	assert.Equal(t, idx(0, 2), got)
}

func TestMatchAdditionalKeys(t *testing.T) {
	keys := xmrtest.ViewPair("match")
	m := xmr.NewMatcher(keys)
	tx := xmrtest.NewTx(xmrtest.TxHash("additional")).
		PayElsewhere(5).
		Pay(derive(t, keys, idx(0, 1)), 1_000_000).
		Pay(derive(t, keys, idx(0, 2)), 2_500).
		Build(120)

	matched, errs := m.Match(&tx, table(t, keys, idx(0, 1), idx(0, 2)))
	require.Empty(t, errs)
	require.Len(t, matched, 2)
	assert.Equal(t, gate.MatchedOutput{
		Index: idx(0, 1), Amount: 1_000_000, TxID: tx.Hash, OutputIndex: 1, Height: 120,
	}, matched[0])
	assert.Equal(t, idx(0, 2), matched[1].Index)
	assert.Equal(t, uint64(2_500), matched[1].Amount)
	assert.Equal(t, 2, matched[1].OutputIndex)
}

func TestMatchSingleTxKey(t *testing.T) {
	keys := xmrtest.ViewPair("single")
	m := xmr.NewMatcher(keys)
	tx := xmrtest.NewTx(xmrtest.TxHash("single")).SingleKey().
		Pay(derive(t, keys, idx(1, 4)), 42).
		Build(0)

	matched, errs := m.Match(&tx, table(t, keys, idx(1, 4)))
	require.Empty(t, errs)
	require.Len(t, matched, 1)
	assert.Equal(t, idx(1, 4), matched[0].Index)
	assert.Equal(t, uint64(42), matched[0].Amount)
	assert.True(t, matched[0].Transfer().InPool())
}

func TestMatchPrimaryAddress(t *testing.T) {
	keys := xmrtest.ViewPair("primary")
	m := xmr.NewMatcher(keys)
	tx := xmrtest.NewTx(xmrtest.TxHash("primary")).SingleKey().
		Pay(derive(t, keys, idx(0, 0)), 7).
		Build(10)

	matched, errs := m.Match(&tx, table(t, keys, idx(0, 0)))
	require.Empty(t, errs)
	require.Len(t, matched, 1)
	assert.True(t, matched[0].Index.IsPrimary())
}

func TestMatchIgnoresOtherWallets(t *testing.T) {
	ours := xmrtest.ViewPair("ours")
	theirs := xmrtest.ViewPair("theirs")
	tx := xmrtest.NewTx(xmrtest.TxHash("theirs")).
		Pay(derive(t, theirs, idx(0, 1)), 1_000).
		Build(10)

	matched, errs := xmr.NewMatcher(ours).Match(&tx, table(t, ours, idx(0, 1)))
	assert.Empty(t, errs)
	assert.Empty(t, matched)
}

func TestMatchOnlyWatchedIndices(t *testing.T) {
	keys := xmrtest.ViewPair("watched")
	tx := xmrtest.NewTx(xmrtest.TxHash("watched")).
		Pay(derive(t, keys, idx(0, 3)), 1_000).
		Build(10)

	matched, errs := xmr.NewMatcher(keys).Match(&tx, table(t, keys, idx(0, 1)))
	assert.Empty(t, errs)
	assert.Empty(t, matched)

	matched, _ = xmr.NewMatcher(keys).Match(&tx, nil)
	assert.Empty(t, matched)
}

func TestMatchMalformedOutput(t *testing.T) {
	keys := xmrtest.ViewPair("malformed")
	tx := xmrtest.NewTx(xmrtest.TxHash("malformed")).
		Pay(derive(t, keys, idx(0, 1)), 100).
		Pay(derive(t, keys, idx(0, 2)), 200).
		CorruptCommitment(0).
		Build(10)

	matched, errs := xmr.NewMatcher(keys).Match(&tx, table(t, keys, idx(0, 1), idx(0, 2)))
	require.Len(t, errs, 1)
	assert.True(t, gate.IsError(errs[0], gate.MalformedOutput))
	require.Len(t, matched, 1)
	assert.Equal(t, idx(0, 2), matched[0].Index)
	assert.Equal(t, uint64(200), matched[0].Amount)
}

func TestMatchTimelocked(t *testing.T) {
	keys := xmrtest.ViewPair("timelock")
	tx := xmrtest.NewTx(xmrtest.TxHash("timelock")).
		UnlockTime(3_000_000).
		Pay(derive(t, keys, idx(0, 1)), 100).
		Build(10)

	matched, errs := xmr.NewMatcher(keys).Match(&tx, table(t, keys, idx(0, 1)))
	assert.Empty(t, errs)
	assert.Empty(t, matched)
}

func TestMatchBadExtra(t *testing.T) {
	keys := xmrtest.ViewPair("extra")
	tx := xmrtest.NewTx(xmrtest.TxHash("extra")).
		Pay(derive(t, keys, idx(0, 1)), 100).
		Build(10)
	tx.Extra = []byte{0x01, 0x02, 0x03}

	matched, errs := xmr.NewMatcher(keys).Match(&tx, table(t, keys, idx(0, 1)))
	assert.Empty(t, matched)
	require.Len(t, errs, 1)
	assert.True(t, gate.IsError(errs[0], gate.MalformedOutput))
}
