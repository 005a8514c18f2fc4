package ceremony

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/common/testlogger"
	"github.com/hxrts/aura-sub023/crypto"
	"github.com/hxrts/aura-sub023/crypto/frost"
	"github.com/hxrts/aura-sub023/crypto/vault"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/journal/memdb"
	"github.com/hxrts/aura-sub023/internal/net"
)

var (
	testStart   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testAccount = common.AuthorityIDFromName("account")
	testScope   = common.ContextIDFromName("ceremony-test")
)

// waitFor bounds how long a test waits in real time for a ceremony that
// should finish without the clock moving.
const waitFor = 10 * time.Second

type member struct {
	name      string
	device    common.DeviceID
	signer    journal.Signer
	engine    *Engine
	journal   *journal.Journal
	vault     *vault.Vault
	transport *net.MemoryTransport
}

// cluster is a set of devices sharing one FROST key for testAccount over an
// in-memory network and a fake clock.
type cluster struct {
	t       *testing.T
	clock   clockwork.FakeClock
	network *net.Network
	oracle  *crypto.Oracle
	keys    journal.KeyMap
	group   *key.Group
	shares  map[string]*frost.KeyShare
	signers map[string]journal.Signer
	members map[string]*member
	seed    uint64
}

func newCluster(t *testing.T, threshold int, names ...string) *cluster {
	t.Helper()
	c := &cluster{
		t:       t,
		clock:   clockwork.NewFakeClockAt(testStart),
		network: net.NewNetwork(testlogger.New(t)),
		oracle:  crypto.NewOracle(nil, effects.NewSeededRandom(1)),
		keys:    make(journal.KeyMap),
		shares:  make(map[string]*frost.KeyShare),
		signers: make(map[string]journal.Signer),
		members: make(map[string]*member),
		seed:    100,
	}
	shares, pkg, err := frost.Deal(threshold, len(names), effects.NewSeededRandom(7).Stream())
	require.NoError(t, err)
	c.group = &key.Group{
		Authority: testAccount,
		Threshold: threshold,
		PublicKey: &key.DistPublic{PublicPackage: pkg},
	}
	for i, n := range names {
		seed := sha256.Sum256([]byte(n))
		priv := ed25519.NewKeyFromSeed(seed[:])
		d := common.DeviceIDFromName(n)
		pub := priv.Public().(ed25519.PublicKey)
		c.keys[d] = pub
		c.signers[n] = journal.NewSigner(d, priv, c.oracle)
		c.shares[n] = shares[i]
		c.group.Nodes = append(c.group.Nodes, &key.Node{
			Identity: &key.Identity{Device: d, Key: pub},
			Index:    shares[i].Index,
		})
	}
	return c
}

func (c *cluster) device(name string) common.DeviceID { return common.DeviceIDFromName(name) }

// start runs an engine for name with its own journal and vault.
func (c *cluster) start(name string, opts ...Option) *member {
	c.t.Helper()
	return c.startWith(name, nil, opts...)
}

func (c *cluster) startWith(name string, jopts []journal.Option, opts ...Option) *member {
	c.t.Helper()
	d := c.device(name)
	c.seed++
	fx := &effects.Effects{
		Clock:     c.clock,
		Random:    effects.NewSeededRandom(c.seed),
		Transport: c.network.Join(d),
		Crypto:    c.oracle,
	}
	l := testlogger.New(c.t)
	j, err := journal.New(context.Background(), l, memdb.NewStore(), fx, c.signers[name], c.keys, jopts...)
	require.NoError(c.t, err)

	v := vault.New()
	v.SetGroup(c.group)
	v.SetShare(&key.Share{Authority: testAccount, KeyShare: c.shares[name]})

	m := &member{
		name:      name,
		device:    d,
		signer:    c.signers[name],
		journal:   j,
		vault:     v,
		transport: fx.Transport.(*net.MemoryTransport),
	}
	m.engine = NewEngine(l, fx, c.signers[name], c.keys, v, append([]Option{WithJournal(j)}, opts...)...)
	c.members[name] = m
	c.t.Cleanup(func() {
		m.engine.Close()
		_ = m.transport.Close()
		_ = j.Close()
	})
	return m
}

// silent joins name to the network without running an engine: the device is
// reachable but never answers.
func (c *cluster) silent(name string) {
	t := c.network.Join(c.device(name))
	c.t.Cleanup(func() { _ = t.Close() })
}

func (c *cluster) devices(names ...string) []common.DeviceID {
	out := make([]common.DeviceID, len(names))
	for i, n := range names {
		out[i] = c.device(n)
	}
	return out
}

// terminal waits until m sees ceremony id in a terminal phase.
func (c *cluster) terminal(m *member, id common.SessionID) Status {
	c.t.Helper()
	var st Status
	require.Eventually(c.t, func() bool {
		var err error
		st, err = m.engine.Status(context.Background(), id)
		return err == nil && st.Phase.Terminal()
	}, waitFor, 5*time.Millisecond)
	return st
}

func bounded(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

// evidence lists the facts of kind recorded in the evidence context of scope.
func evidence(t *testing.T, j *journal.Journal, scope common.ContextID, kind string) []*journal.Fact {
	t.Helper()
	st, err := j.Snapshot(common.EvidenceContext(scope))
	if err != nil {
		return nil
	}
	var out []*journal.Fact
	for _, f := range st.Facts() {
		if f.ContentType == journal.ContentEvidencePrefix+kind {
			out = append(out, f)
		}
	}
	return out
}
