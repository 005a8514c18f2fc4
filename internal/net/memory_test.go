package net

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/testlogger"
	"github.com/hxrts/aura-sub023/internal/effects"
)

var (
	d1 = common.DeviceIDFromName("d1")
	d2 = common.DeviceIDFromName("d2")
	d3 = common.DeviceIDFromName("d3")
)

func recv(t *testing.T, tr effects.TransportEffects) effects.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := tr.Recv(ctx)
	require.NoError(t, err)
	return m
}

func requireEmpty(t *testing.T, tr effects.TransportEffects) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryFIFO(t *testing.T) {
	n := NewNetwork(testlogger.New(t))
	a, b := n.Join(d1), n.Join(d2)
	ctx := context.Background()

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(ctx, d2, "test/x", []byte(p)))
	}
	for _, p := range []string{"one", "two", "three"} {
		m := recv(t, b)
		require.Equal(t, d1, m.From)
		require.Equal(t, "test/x", m.Topic)
		require.Equal(t, p, string(m.Payload))
	}
	requireEmpty(t, b)
}

func TestMemoryPartition(t *testing.T) {
	n := NewNetwork(testlogger.New(t))
	a, b, c := n.Join(d1), n.Join(d2), n.Join(d3)
	ctx := context.Background()

	n.Partition([]common.DeviceID{d1, d2}, []common.DeviceID{d3})
	require.True(t, a.Reachable(d2))
	require.False(t, a.Reachable(d3))
	require.ErrorIs(t, c.Send(ctx, d1, "t", nil), effects.ErrUnreachable)
	require.NoError(t, a.Send(ctx, d2, "t", []byte("in")))
	require.Equal(t, "in", string(recv(t, b).Payload))

	n.Heal()
	require.True(t, c.Reachable(d1))
	require.NoError(t, c.Send(ctx, d1, "t", []byte("healed")))
	require.Equal(t, "healed", string(recv(t, a).Payload))
}

func TestMemoryFaults(t *testing.T) {
	n := NewNetwork(testlogger.New(t))
	a, b := n.Join(d1), n.Join(d2)
	ctx := context.Background()

	n.Drop(d1, d2, true)
	require.NoError(t, a.Send(ctx, d2, "t", []byte("lost")))
	requireEmpty(t, b)
	n.Drop(d1, d2, false)

	n.Duplicate(true)
	require.NoError(t, a.Send(ctx, d2, "t", []byte("twice")))
	require.Equal(t, "twice", string(recv(t, b).Payload))
	require.Equal(t, "twice", string(recv(t, b).Payload))
	n.Duplicate(false)

	n.SetTamper(func(to common.DeviceID, m *effects.Message) bool {
		m.Payload = []byte("forged")
		return true
	})
	require.NoError(t, a.Send(ctx, d2, "t", []byte("honest")))
	require.Equal(t, "forged", string(recv(t, b).Payload))
	n.SetTamper(nil)

	require.NoError(t, b.Close())
	require.False(t, a.Reachable(d2))
	_, err := b.Recv(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestRouterChannels(t *testing.T) {
	n := NewNetwork(testlogger.New(t))
	a, b := n.Join(d1), n.Join(d2)
	r := NewRouter(testlogger.New(t), b)
	journal := r.Channel("journal")
	ceremony := r.Channel("ceremony")
	require.Same(t, journal, r.Channel("journal"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, a.Send(ctx, d2, "ceremony/commit", []byte("c")))
	require.NoError(t, a.Send(ctx, d2, "unknown/x", []byte("u")))
	require.NoError(t, a.Send(ctx, d2, "journal/sync", []byte("j")))

	require.Equal(t, "c", string(recv(t, ceremony).Payload))
	m := recv(t, journal)
	require.Equal(t, "journal/sync", m.Topic)
	require.Equal(t, d2, journal.Self())
	require.True(t, journal.Reachable(d1))

	cancel()
	require.NoError(t, <-done)
	_, err := journal.Recv(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestNamespace(t *testing.T) {
	require.Equal(t, "journal", Namespace("journal/sync/ack"))
	require.Equal(t, "plain", Namespace("plain"))
}
