package net

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/common/testlogger"
	"github.com/hxrts/aura-sub023/internal/effects"
)

func TestGRPCDeliver(t *testing.T) {
	lg := testlogger.New(t)
	ctx := log.ToContext(context.Background(), lg)

	lis := bufconn.Listen(1 << 20)
	server := NewGRPCTransport(lg, d2, StaticBook{})
	l, err := NewGRPCListenerFor(ctx, lis, server)
	require.NoError(t, err)
	l.Start()
	defer l.Stop(ctx)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	client := NewGRPCTransport(lg, d1, StaticBook{d2: "bufnet"}, dialer)
	defer client.Close()

	require.True(t, client.Reachable(d2))
	require.False(t, client.Reachable(d3))
	require.ErrorIs(t, client.Send(ctx, d3, "t", nil), effects.ErrUnreachable)

	require.NoError(t, client.Send(ctx, d2, "ceremony/commit", []byte{1, 2, 3}))
	m := recv(t, server)
	require.Equal(t, d1, m.From)
	require.Equal(t, "ceremony/commit", m.Topic)
	require.Equal(t, []byte{1, 2, 3}, m.Payload)

	// a second listener reuses the registered server metrics
	lis2 := bufconn.Listen(1 << 10)
	l2, err := NewGRPCListenerFor(ctx, lis2, NewGRPCTransport(lg, d3, StaticBook{}))
	require.NoError(t, err)
	l2.Stop(ctx)
}
