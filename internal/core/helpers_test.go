package core

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/common/testlogger"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/journal/memdb"
	"github.com/hxrts/aura-sub023/internal/net"
)

var (
	testStart   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testAccount = common.AuthorityIDFromName("account")
	testContext = common.ContextIDFromName("core-test")
)

// waitFor bounds how long a test waits in real time for replication and
// ceremonies, which progress without the fake clock moving.
const waitFor = 10 * time.Second

// testCluster runs nodes over an in-memory network sharing a fake clock.
// Every node holds a share of the 2-of-n key of testAccount.
type testCluster struct {
	t       *testing.T
	clock   clockwork.FakeClock
	network *net.Network
	names   []string
	pairs   map[string]*key.Pair
	shares  map[string]*key.Share
	group   *key.Group
	nodes   map[string]*Node
}

func newTestCluster(t *testing.T, names ...string) *testCluster {
	t.Helper()
	c := &testCluster{
		t:       t,
		clock:   clockwork.NewFakeClockAt(testStart),
		network: net.NewNetwork(testlogger.New(t)),
		names:   names,
		pairs:   make(map[string]*key.Pair),
		shares:  make(map[string]*key.Share),
		nodes:   make(map[string]*Node),
	}
	ids := make([]*key.Identity, len(names))
	for i, n := range names {
		p, err := key.NewKeyPair(common.DeviceIDFromName(n), "", effects.NewSeededRandom(uint64(i+1)), nil)
		require.NoError(t, err)
		c.pairs[n] = p
		ids[i] = p.Public
	}
	g, shares, err := key.Deal(testAccount, 2, ids, effects.NewSeededRandom(7).Stream())
	require.NoError(t, err)
	c.group = g
	for i, n := range names {
		c.shares[n] = shares[i]
	}
	return c
}

func (c *testCluster) identities() []*key.Identity {
	out := make([]*key.Identity, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.pairs[n].Public)
	}
	return out
}

// start runs the node of name and joins it to the account.
func (c *testCluster) start(name string, opts ...ConfigOption) *Node {
	c.t.Helper()
	d := common.DeviceIDFromName(name)
	tr := c.network.Join(d)
	base := []ConfigOption{
		WithConfigFolder(c.t.TempDir()),
		WithLogger(testlogger.New(c.t)),
		WithClock(c.clock),
		WithRandom(effects.NewSeededRandom(uint64(100 + len(c.nodes)))),
		WithTransport(tr),
		WithStore(memdb.NewStore()),
		WithPeers(c.identities()...),
		WithSyncInterval(0),
	}
	n, err := NewNode(context.Background(), c.pairs[name], NewConfig(append(base, opts...)...))
	require.NoError(c.t, err)
	require.NoError(c.t, n.JoinAuthority(c.group, c.shares[name]))
	n.Start()
	c.nodes[name] = n
	c.t.Cleanup(func() {
		require.NoError(c.t, n.Stop(context.Background()))
		_ = tr.Close()
	})
	return n
}

func (c *testCluster) startAll(opts ...ConfigOption) {
	c.t.Helper()
	for _, n := range c.names {
		c.start(n, opts...)
	}
}

func (c *testCluster) device(name string) common.DeviceID { return common.DeviceIDFromName(name) }

func (c *testCluster) devices(names ...string) []common.DeviceID {
	out := make([]common.DeviceID, len(names))
	for i, n := range names {
		out[i] = c.device(n)
	}
	return out
}

func bounded(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

// factCount is the number of facts n holds in scope, zero when unknown.
func factCount(n *Node, scope common.ContextID) int {
	st, err := n.Journal().Snapshot(scope)
	if err != nil {
		return 0
	}
	return st.Len()
}

func write(t *testing.T, n *Node, scope common.ContextID, text string) journal.FactReceipt {
	t.Helper()
	rcpt, err := n.Journal().ApplyOp(context.Background(), scope, journal.Assert("test.note", []byte(text)))
	require.NoError(t, err)
	return rcpt
}
