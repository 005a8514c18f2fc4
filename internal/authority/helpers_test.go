package authority

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/testlogger"
	"github.com/hxrts/aura-sub023/crypto"
	"github.com/hxrts/aura-sub023/crypto/frost"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
)

var account = common.AuthorityIDFromName("account")

type fixture struct {
	t       *testing.T
	clock   clockwork.FakeClock
	fx      *effects.Effects
	keys    journal.KeyMap
	signers map[string]journal.Signer
	shares  []*frost.KeyShare
	pkg     *frost.PublicPackage
	// devices holding a share of account
	members map[common.DeviceID]bool
}

// newFixture creates alice, bob, carol holding a 2-of-3 key of account, and
// dave and erin, who only have device keys.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &fixture{
		t:     t,
		clock: clock,
		fx: &effects.Effects{
			Clock:  clock,
			Random: effects.NewSeededRandom(5),
			Crypto: crypto.NewOracle(nil, effects.NewSeededRandom(6)),
		},
		keys:    make(journal.KeyMap),
		signers: make(map[string]journal.Signer),
		members: make(map[common.DeviceID]bool),
	}
	for _, n := range []string{"alice", "bob", "carol", "dave", "erin"} {
		seed := sha256.Sum256([]byte(n))
		priv := ed25519.NewKeyFromSeed(seed[:])
		d := common.DeviceIDFromName(n)
		f.keys[d] = priv.Public().(ed25519.PublicKey)
		f.signers[n] = journal.NewSigner(d, priv, f.fx.Crypto)
	}
	for _, n := range []string{"alice", "bob", "carol"} {
		f.members[common.DeviceIDFromName(n)] = true
	}
	var err error
	f.shares, f.pkg, err = frost.Deal(2, 3, effects.NewSeededRandom(9).Stream())
	require.NoError(t, err)
	return f
}

func dev(name string) common.DeviceID { return common.DeviceIDFromName(name) }

func person(name string) Subject { return Individual(common.IndividualIDFromName(name)) }

// ActsFor: a device acts for itself, for the individual of the same name and,
// for alice, bob and carol, for account.
func (f *fixture) ActsFor(d common.DeviceID, s Subject) bool {
	if s == Device(d) {
		return true
	}
	if s == AuthoritySubject(account) {
		return f.members[d]
	}
	for _, n := range []string{"alice", "bob", "carol", "dave", "erin"} {
		if d == dev(n) && s == person(n) {
			return true
		}
	}
	return false
}

func (f *fixture) GroupKey(a common.AuthorityID) ([]byte, bool) {
	if a != account {
		return nil, false
	}
	return frost.EncodePoint(f.pkg.GroupKey), true
}

func (f *fixture) graph() *Graph {
	return NewGraph(testlogger.New(f.t), f.fx.Crypto, f.keys, f, WithMembership(f))
}

func (f *fixture) now() common.PhysicalTime { return f.fx.Now() }

// thresholdSign signs msg with the shares of alice and bob.
func (f *fixture) thresholdSign(msg []byte) []byte {
	f.t.Helper()
	stream := effects.NewSeededRandom(11).Stream()
	n1, c1 := frost.Commit(f.shares[0], stream)
	n2, c2 := frost.Commit(f.shares[1], stream)
	cs := []frost.Commitment{c1, c2}
	s1, err := frost.Sign(f.shares[0], n1, msg, cs)
	require.NoError(f.t, err)
	s2, err := frost.Sign(f.shares[1], n2, msg, cs)
	require.NoError(f.t, err)
	sig, bad, err := frost.Aggregate(f.pkg, msg, cs, []frost.SignatureShare{s1, s2})
	require.NoError(f.t, err)
	require.Empty(f.t, bad)
	return sig
}

func (f *fixture) root() *Capability {
	f.t.Helper()
	r := NewRoot(account, dev("alice"), f.now())
	r.Signature = f.thresholdSign(r.SigningMessage())
	return r
}

func (f *fixture) delegate(issuer string, parent *Capability, subject Subject, scope Scope, expiry *common.PhysicalTime) *Capability {
	return NewDelegation(f.signers[issuer], parent, subject, scope, expiry, IssueTime(parent, f.now()))
}

func at(t common.PhysicalTime) *common.PhysicalTime { return &t }

func mustApply(t *testing.T, g *Graph, c *Capability) {
	t.Helper()
	added, err := g.ApplyDelegation(c)
	require.NoError(t, err)
	require.True(t, added)
}
