package memdb

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/crypto"
	"github.com/hxrts/aura-sub023/internal/journal"
)

func TestMemDBOrderAndOverwrite(t *testing.T) {
	ctx := context.Background()
	c := common.ContextIDFromName("mem")
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{3}, ed25519.SeedSize))
	signer := journal.NewSigner(common.DeviceIDFromName("alice"), priv, crypto.NewOracle(nil, nil))
	mk := func(e common.Epoch, p string) *journal.Fact {
		f := &journal.Fact{Context: c, Epoch: e, ContentType: "app.note", SchemaVersion: journal.SchemaVersion, Payload: []byte(p)}
		f.Seal(signer)
		return f
	}

	s := NewStore()
	late, early := mk(5, "late"), mk(1, "early")
	require.NoError(t, s.Put(ctx, late, early))

	facts, err := s.Context(ctx, c)
	require.NoError(t, err)
	require.Equal(t, early.ID, facts[0].ID)
	require.Equal(t, late.ID, facts[1].ID)

	promoted := early.Clone()
	promoted.Finality = journal.Checkpointed()
	require.NoError(t, s.Put(ctx, promoted))
	got, err := s.Get(ctx, early.ID)
	require.NoError(t, err)
	require.Equal(t, journal.Checkpointed(), got.Finality)
	n, err := s.Len(ctx, c)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ids, err := s.Epoch(ctx, c, 5)
	require.NoError(t, err)
	require.Equal(t, []common.FactID{late.ID}, ids)

	_, err = s.Get(ctx, common.FactID{})
	require.ErrorIs(t, err, journal.ErrNoFactStored)
}
