package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/crypto/frost"
)

func TestSchemes(t *testing.T) {
	s, err := SchemeFromName("")
	require.NoError(t, err)
	require.Equal(t, DefaultSchemeID, s.String())
	require.Contains(t, ListSchemes(), DefaultSchemeID)

	_, err = SchemeFromName("pedersen-bls-chained")
	require.ErrorIs(t, err, ErrUnknownScheme)
}

func TestOracleSignatures(t *testing.T) {
	o := NewOracle(nil, rand.Reader)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sig := o.Sign(priv, []byte("fact"))
	require.True(t, o.Verify(pub, []byte("fact"), sig))
	require.False(t, o.Verify(pub, []byte("other"), sig))
	require.False(t, o.Verify(pub[:5], []byte("fact"), sig))
}

func TestOracleSeal(t *testing.T) {
	o := NewOracle(nil, rand.Reader)
	k, err := o.DeriveKey([]byte("secret"), []byte("salt"), []byte("aura.test"), KeySize)
	require.NoError(t, err)
	k2, err := o.DeriveKey([]byte("secret"), []byte("salt"), []byte("aura.test"), KeySize)
	require.NoError(t, err)
	require.Equal(t, k, k2)

	sealed, err := o.Seal(k, []byte("payload"), []byte("ad"))
	require.NoError(t, err)
	require.Len(t, sealed, SealOverhead+len("payload"))

	plain, err := o.Open(k, sealed, []byte("ad"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), plain)

	_, err = o.Open(k, sealed, []byte("other"))
	require.Error(t, err)
	_, err = o.Open(k, sealed[:10], nil)
	require.ErrorIs(t, err, ErrShortCiphertext)
}

func TestOracleThreshold(t *testing.T) {
	o := NewOracle(nil, rand.Reader)
	shares, pkg, err := frost.Deal(1, 1, random.New())
	require.NoError(t, err)
	n, c := frost.Commit(shares[0], random.New())
	sh, err := frost.Sign(shares[0], n, []byte("m"), []frost.Commitment{c})
	require.NoError(t, err)
	sig, _, err := frost.Aggregate(pkg, []byte("m"), []frost.Commitment{c}, []frost.SignatureShare{sh})
	require.NoError(t, err)
	require.NoError(t, o.VerifyThreshold(frost.EncodePoint(pkg.GroupKey), []byte("m"), sig))
	require.Error(t, o.VerifyThreshold(frost.EncodePoint(pkg.GroupKey), []byte("x"), sig))
}
