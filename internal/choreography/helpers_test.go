package choreography

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/common/testlogger"
	"github.com/hxrts/aura-sub023/crypto"
	"github.com/hxrts/aura-sub023/crypto/frost"
	"github.com/hxrts/aura-sub023/internal/authority"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/journal/memdb"
)

var (
	testScope   = common.ContextIDFromName("choreography-test")
	testAccount = common.AuthorityIDFromName("account")
	chatSend    = authority.NewScope("chat", "send")
	chatRead    = authority.NewScope("chat", "read")
)

type fixture struct {
	t       *testing.T
	clock   clockwork.FakeClock
	fx      *effects.Effects
	keys    journal.KeyMap
	signers map[string]journal.Signer
	journal *journal.Journal
	graph   *authority.Graph
	root    *authority.Capability
}

// newFixture creates alice, bob and carol. alice and bob are members of
// testAccount, whose root is signed with a 2-of-3 key; the journal belongs to
// alice.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &fixture{
		t:     t,
		clock: clock,
		fx: &effects.Effects{
			Clock:  clock,
			Random: effects.NewSeededRandom(3),
			Crypto: crypto.NewOracle(nil, effects.NewSeededRandom(4)),
		},
		keys:    make(journal.KeyMap),
		signers: make(map[string]journal.Signer),
	}
	for _, n := range []string{"alice", "bob", "carol"} {
		seed := sha256.Sum256([]byte(n))
		priv := ed25519.NewKeyFromSeed(seed[:])
		d := common.DeviceIDFromName(n)
		f.keys[d] = priv.Public().(ed25519.PublicKey)
		f.signers[n] = journal.NewSigner(d, priv, f.fx.Crypto)
	}

	shares, pkg, err := frost.Deal(2, 3, effects.NewSeededRandom(7).Stream())
	require.NoError(t, err)
	roots := authority.RootKeysFunc(func(a common.AuthorityID) ([]byte, bool) {
		if a != testAccount {
			return nil, false
		}
		return frost.EncodePoint(pkg.GroupKey), true
	})
	members := authority.MembershipFunc(func(d common.DeviceID, s authority.Subject) bool {
		if s == authority.Device(d) {
			return true
		}
		return s == authority.AuthoritySubject(testAccount) && (d == dev("alice") || d == dev("bob"))
	})
	f.graph = authority.NewGraph(testlogger.New(t), f.fx.Crypto, f.keys, roots, authority.WithMembership(members))

	f.root = authority.NewRoot(testAccount, dev("alice"), f.fx.Now())
	msg := f.root.SigningMessage()
	stream := effects.NewSeededRandom(8).Stream()
	n1, c1 := frost.Commit(shares[0], stream)
	n2, c2 := frost.Commit(shares[1], stream)
	cs := []frost.Commitment{c1, c2}
	s1, err := frost.Sign(shares[0], n1, msg, cs)
	require.NoError(t, err)
	s2, err := frost.Sign(shares[1], n2, msg, cs)
	require.NoError(t, err)
	f.root.Signature, _, err = frost.Aggregate(pkg, msg, cs, []frost.SignatureShare{s1, s2})
	require.NoError(t, err)
	f.apply(f.root)

	f.journal, err = journal.New(context.Background(), testlogger.New(t), memdb.NewStore(), f.fx, f.signers["alice"], f.keys)
	require.NoError(t, err)
	t.Cleanup(func() { f.journal.Close() })
	require.NoError(t, f.journal.ConfigureScope(context.Background(), journal.DefaultScope(testScope)))
	return f
}

func dev(name string) common.DeviceID { return common.DeviceIDFromName(name) }

func device(name string) authority.Subject { return authority.Device(dev(name)) }

func (f *fixture) apply(c *authority.Capability) {
	f.t.Helper()
	added, err := f.graph.ApplyDelegation(c)
	require.NoError(f.t, err)
	require.True(f.t, added)
}

// grant delegates scope from the root to the device of name.
func (f *fixture) grant(name string, scope authority.Scope) *authority.Capability {
	f.t.Helper()
	c := authority.NewDelegation(f.signers["alice"], f.root, device(name), scope, nil, authority.IssueTime(f.root, f.fx.Now()))
	f.apply(c)
	return c
}

func (f *fixture) runtime(opts ...Option) *Runtime {
	return NewRuntime(testlogger.New(f.t), f.fx, f.graph, f.journal, opts...)
}

func (f *fixture) size(scope common.ContextID) int {
	f.t.Helper()
	st, err := f.journal.Snapshot(scope)
	if err != nil {
		require.ErrorIs(f.t, err, journal.ErrScopeNotFound)
		return 0
	}
	return st.Len()
}

// denials decodes the authorization_denied evidence recorded about testScope.
func (f *fixture) denials() []DenialEvidence {
	f.t.Helper()
	st, err := f.journal.Snapshot(common.EvidenceContext(testScope))
	if err != nil {
		require.ErrorIs(f.t, err, journal.ErrScopeNotFound)
		return nil
	}
	var out []DenialEvidence
	for _, fact := range st.Facts() {
		if fact.ContentType != journal.ContentEvidencePrefix+EvidenceDenied {
			continue
		}
		var p journal.EvidencePayload
		require.NoError(f.t, fact.Decode(&p))
		require.Equal(f.t, testScope, p.Context)
		var ev DenialEvidence
		require.NoError(f.t, codec.Unmarshal(p.Detail, &ev))
		out = append(out, ev)
	}
	return out
}

// peerFact builds a fact of testScope authored by name.
func (f *fixture) peerFact(name, contentType string, payload []byte) *journal.Fact {
	epoch, err := f.journal.Epoch(testScope)
	require.NoError(f.t, err)
	fact := &journal.Fact{
		Context:       testScope,
		Epoch:         epoch,
		AssertedAt:    f.fx.Now(),
		ContentType:   contentType,
		SchemaVersion: journal.SchemaVersion,
		Payload:       payload,
		Finality:      journal.Local(),
	}
	fact.Seal(f.signers[name])
	return fact
}

func note(text string) journal.FactOp { return journal.Assert("chat.message", []byte(text)) }
