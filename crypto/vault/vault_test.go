package vault

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/internal/effects"
)

func TestVault(t *testing.T) {
	a := common.AuthorityIDFromName("vault")
	ids := make([]*key.Identity, 3)
	for i := range ids {
		p, err := key.NewKeyPair(common.DeviceIDFromName(string(rune('a'+i))), "", effects.NewSeededRandom(uint64(i)), nil)
		require.NoError(t, err)
		ids[i] = p.Public
	}
	g, shares, err := key.Deal(a, 2, ids, effects.NewSeededRandom(9).Stream())
	require.NoError(t, err)

	v := New()
	_, _, err = v.Share(a)
	require.ErrorIs(t, err, ErrNoShare)
	_, ok := v.Public(a)
	require.False(t, ok)
	require.Empty(t, v.Authorities())

	// a roster alone lets the device verify but not sign
	v.SetGroup(g)
	pkg, ok := v.Public(a)
	require.True(t, ok)
	require.Equal(t, g.PublicKey.PublicPackage, pkg)
	_, _, err = v.Share(a)
	require.ErrorIs(t, err, ErrNoShare)
	_, ok = v.Index(a)
	require.False(t, ok)

	v.SetShare(shares[1])
	ks, pkg, err := v.Share(a)
	require.NoError(t, err)
	require.Equal(t, shares[1].KeyShare, ks)
	require.Equal(t, g.PublicKey.PublicPackage, pkg)
	idx, ok := v.Index(a)
	require.True(t, ok)
	require.Equal(t, shares[1].Index, idx)
	require.Equal(t, []common.AuthorityID{a}, v.Authorities())

	got, ok := v.Group(a)
	require.True(t, ok)
	require.Same(t, g, got)
}
