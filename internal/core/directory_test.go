package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/crypto/vault"
	"github.com/hxrts/aura-sub023/internal/authority"
	"github.com/hxrts/aura-sub023/internal/effects"
)

func TestDirectoryIdentities(t *testing.T) {
	d := NewDirectory(vault.New())
	alice, err := key.NewKeyPair(common.DeviceIDFromName("alice"), "127.0.0.1:1", effects.NewSeededRandom(1), nil)
	require.NoError(t, err)
	bob, err := key.NewKeyPair(common.DeviceIDFromName("bob"), "", effects.NewSeededRandom(2), nil)
	require.NoError(t, err)

	require.NoError(t, d.Add(alice.Public))
	require.NoError(t, d.Add(bob.Public))
	require.Len(t, d.Identities(), 2)
	require.Equal(t, []common.DeviceID{bob.Public.Device}, d.Peers(alice.Public.Device))

	k, ok := d.DeviceKey(alice.Public.Device)
	require.True(t, ok)
	require.Equal(t, alice.Public.Key, k)

	addr, ok := d.Address(alice.Public.Device)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:1", addr)
	_, ok = d.Address(bob.Public.Device)
	require.False(t, ok)

	// a new address is fine, a new key is not
	moved := *alice.Public
	moved.Addr = "127.0.0.1:2"
	require.NoError(t, d.Add(&moved))
	addr, _ = d.Address(alice.Public.Device)
	require.Equal(t, "127.0.0.1:2", addr)

	other, err := key.NewKeyPair(alice.Public.Device, "", effects.NewSeededRandom(3), nil)
	require.NoError(t, err)
	require.Error(t, d.Add(other.Public))

	forged := *bob.Public
	forged.Signature = append([]byte(nil), bob.Public.Signature...)
	forged.Signature[0] ^= 0xff
	require.Error(t, d.Add(&forged))
}

func TestDirectoryActsFor(t *testing.T) {
	c := newTestCluster(t, "alice", "bob")
	v := vault.New()
	v.SetGroup(c.group)
	d := NewDirectory(v)

	alice, bob := c.device("alice"), c.device("bob")
	outsider := common.DeviceIDFromName("mallory")
	account := authority.AuthoritySubject(testAccount)

	require.True(t, d.ActsFor(alice, authority.Device(alice)))
	require.False(t, d.ActsFor(alice, authority.Device(bob)))

	require.True(t, d.ActsFor(alice, account))
	require.True(t, d.ActsFor(bob, account))
	require.False(t, d.ActsFor(outsider, account))
	require.False(t, d.ActsFor(alice, authority.AuthoritySubject(common.AuthorityIDFromName("other"))))

	person := common.IndividualIDFromName("alice")
	require.False(t, d.ActsFor(alice, authority.Individual(person)))
	d.SetIndividual(alice, person)
	require.True(t, d.ActsFor(alice, authority.Individual(person)))
	require.False(t, d.ActsFor(bob, authority.Individual(person)))

	gk, ok := d.GroupKey(testAccount)
	require.True(t, ok)
	require.Equal(t, c.group.PublicKey.Key(), gk)

	require.False(t, d.Guardian(testAccount, outsider))
	d.SetGuardian(testAccount, outsider)
	require.True(t, d.Guardian(testAccount, outsider))
}
