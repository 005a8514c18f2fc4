package journal_test

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/common/testlogger"
	"github.com/hxrts/aura-sub023/crypto"
	"github.com/hxrts/aura-sub023/crypto/frost"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/journal/memdb"
)

var scope = common.ContextIDFromName("shared")

type cluster struct {
	t     *testing.T
	clock clockwork.FakeClock
	fx    *effects.Effects
	keys  journal.KeyMap
	privs map[string]ed25519.PrivateKey
}

func newCluster(t *testing.T, names ...string) *cluster {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := &cluster{
		t:     t,
		clock: clock,
		fx: &effects.Effects{
			Clock:  clock,
			Random: effects.NewSeededRandom(7),
			Crypto: crypto.NewOracle(nil, effects.NewSeededRandom(8)),
		},
		keys:  make(journal.KeyMap),
		privs: make(map[string]ed25519.PrivateKey),
	}
	for _, n := range names {
		seed := sha256.Sum256([]byte(n))
		priv := ed25519.NewKeyFromSeed(seed[:])
		c.keys[common.DeviceIDFromName(n)] = priv.Public().(ed25519.PublicKey)
		c.privs[n] = priv
	}
	return c
}

func (c *cluster) signer(name string) journal.Signer {
	return journal.NewSigner(common.DeviceIDFromName(name), c.privs[name], c.fx.Crypto)
}

func (c *cluster) open(name string, store journal.Store, opts ...journal.Option) *journal.Journal {
	c.t.Helper()
	j, err := journal.New(context.Background(), testlogger.New(c.t), store, c.fx, c.signer(name), c.keys, opts...)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = j.Close() })
	return j
}

func (c *cluster) node(name string, opts ...journal.Option) *journal.Journal {
	c.t.Helper()
	j := c.open(name, memdb.NewStore(), opts...)
	require.NoError(c.t, j.ConfigureScope(context.Background(), journal.DefaultScope(scope)))
	return j
}

func note(s string) journal.FactOp { return journal.Assert("app.note", []byte(s)) }

// push merges the state of from into to.
func push(t *testing.T, from, to *journal.Journal) {
	t.Helper()
	st, err := from.Snapshot(scope)
	require.NoError(t, err)
	rep, err := to.MergeState(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, rep.Err)
}

func digest(t *testing.T, j *journal.Journal) common.Hash32 {
	t.Helper()
	st, err := j.Snapshot(scope)
	require.NoError(t, err)
	return st.Digest()
}

func TestApplyOpAndQuery(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.node("alice")
	ctx := context.Background()

	r, err := j.ApplyOp(ctx, scope, note("hello"))
	require.NoError(t, err)
	require.Equal(t, journal.Local(), r.Initial)
	require.Equal(t, scope, r.Scope)

	f, err := j.Fact(r.FactID)
	require.NoError(t, err)
	require.Equal(t, common.DeviceIDFromName("alice"), f.Author)
	require.NoError(t, f.Verify(c.fx.Crypto, c.keys))

	facts, err := j.QueryTemporal(ctx, scope, journal.TemporalQuery{ContentType: "app.note"})
	require.NoError(t, err)
	require.Len(t, facts, 1)

	_, err = j.ApplyOp(ctx, common.ContextIDFromName("nowhere"), note("x"))
	require.ErrorIs(t, err, journal.ErrScopeNotFound)
	require.Equal(t, common.KindJournal, common.KindOf(err))
}

func TestEpochBump(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.node("alice")
	ctx := context.Background()

	_, err := j.ApplyOp(ctx, scope, journal.BumpEpoch(3))
	require.NoError(t, err)
	e, err := j.Epoch(scope)
	require.NoError(t, err)
	require.Equal(t, common.Epoch(3), e)

	_, err = j.ApplyOp(ctx, scope, journal.BumpEpoch(3))
	require.ErrorIs(t, err, journal.ErrInvalidEpochBump)

	r, err := j.ApplyOp(ctx, scope, note("after"))
	require.NoError(t, err)
	require.Equal(t, common.Epoch(3), r.Epoch)
}

func TestPartitionConvergence(t *testing.T) {
	c := newCluster(t, "alice", "bob")
	a, b := c.node("alice"), c.node("bob")
	ctx := context.Background()

	// both sides write while partitioned
	for i := 0; i < 3; i++ {
		_, err := a.ApplyOp(ctx, scope, note("a"+string(rune('0'+i))))
		require.NoError(t, err)
		_, err = b.ApplyOp(ctx, scope, note("b"+string(rune('0'+i))))
		require.NoError(t, err)
	}
	_, err := b.ApplyOp(ctx, scope, journal.BumpEpoch(2))
	require.NoError(t, err)
	require.NotEqual(t, digest(t, a), digest(t, b))

	// heal
	push(t, a, b)
	push(t, b, a)
	require.Equal(t, digest(t, a), digest(t, b))

	sa, _ := a.Snapshot(scope)
	require.Equal(t, 7, sa.Len())
	require.Equal(t, common.Epoch(2), sa.Epoch())

	// merging again changes nothing
	before := digest(t, a)
	push(t, b, a)
	require.Equal(t, before, digest(t, a))
}

func TestFinalityViaAcks(t *testing.T) {
	c := newCluster(t, "alice", "bob", "carol")
	j := c.node("alice")
	ctx := context.Background()

	r, err := j.ApplyOp(ctx, scope, note("replicate me"))
	require.NoError(t, err)

	done := make(chan journal.Finality, 1)
	go func() {
		fin, err := j.WaitForFinality(ctx, r.FactID, journal.Replicated(2))
		if err != nil {
			close(done)
			return
		}
		done <- fin
	}()

	require.NoError(t, j.RecordAck(ctx, scope, r.FactID, common.DeviceIDFromName("bob")))
	require.NoError(t, j.RecordAck(ctx, scope, r.FactID, common.DeviceIDFromName("carol")))

	select {
	case fin, ok := <-done:
		require.True(t, ok)
		require.Equal(t, journal.Replicated(2), fin)
	case <-time.After(5 * time.Second):
		t.Fatal("finality never reached")
	}

	f, err := j.Fact(r.FactID)
	require.NoError(t, err)
	require.Equal(t, journal.Replicated(2), f.Finality)

	err = j.RecordAck(ctx, scope, common.FactID{}, common.DeviceIDFromName("bob"))
	require.ErrorIs(t, err, journal.ErrFactNotFound)
}

func TestAcksFromObserversOnly(t *testing.T) {
	c := newCluster(t, "alice", "bob", "mallory")
	j := c.open("alice", memdb.NewStore())
	ctx := context.Background()
	cfg := journal.DefaultScope(scope)
	cfg.Observers = []common.DeviceID{common.DeviceIDFromName("bob")}
	require.NoError(t, j.ConfigureScope(ctx, cfg))

	r, err := j.ApplyOp(ctx, scope, note("x"))
	require.NoError(t, err)
	err = j.RecordAck(ctx, scope, r.FactID, common.DeviceIDFromName("mallory"))
	require.ErrorIs(t, err, journal.ErrNotAuthorized)
	require.NoError(t, j.RecordAck(ctx, scope, r.FactID, common.DeviceIDFromName("bob")))
}

func TestWaitForFinalityTimeout(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.node("alice")

	r, err := j.ApplyOp(context.Background(), scope, note("lonely"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	fin, err := j.WaitForFinality(ctx, r.FactID, journal.Replicated(1))
	require.ErrorIs(t, err, journal.ErrFinalityTimeout)
	require.Equal(t, journal.Local(), fin)
	require.True(t, common.Retryable(err))
}

func TestWaitForFinalityClockTimeout(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.node("alice", journal.WithWaitTimeout(time.Minute))

	r, err := j.ApplyOp(context.Background(), scope, note("lonely"))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := j.WaitForFinality(context.Background(), r.FactID, journal.Replicated(1))
		errc <- err
	}()
	c.clock.BlockUntil(1)
	c.clock.Advance(time.Minute)
	require.ErrorIs(t, <-errc, journal.ErrFinalityTimeout)
}

func TestTransactionAtomic(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.node("alice")
	ctx := context.Background()

	_, err := j.ApplyTransaction(ctx, journal.Transaction{
		Scope: scope,
		Ops:   []journal.FactOp{note("one"), journal.Retract(common.FactID{}, journal.RetractError)},
	})
	require.ErrorIs(t, err, journal.ErrFactNotFound)
	st, err := j.Snapshot(scope)
	require.NoError(t, err)
	require.Equal(t, 0, st.Len())

	rc, err := j.ApplyTransaction(ctx, journal.Transaction{
		Scope: scope,
		Ops:   []journal.FactOp{note("one"), note("two")},
	})
	require.NoError(t, err)
	require.Len(t, rc.Facts, 2)
	require.Equal(t, journal.Local(), rc.Finality)
	require.Nil(t, rc.Consensus)

	_, err = j.ApplyTransaction(ctx, journal.Transaction{Scope: scope})
	require.ErrorIs(t, err, journal.ErrEmptyTransaction)
}

func TestTransactionConflict(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.node("alice")
	ctx := context.Background()

	base := common.Epoch(0)
	_, err := j.ApplyOp(ctx, scope, journal.BumpEpoch(1))
	require.NoError(t, err)

	_, err = j.ApplyTransaction(ctx, journal.Transaction{Scope: scope, Ops: []journal.FactOp{note("stale")}, BaseEpoch: &base})
	require.ErrorIs(t, err, journal.ErrTransactionConflict)

	base = 1
	_, err = j.ApplyTransaction(ctx, journal.Transaction{Scope: scope, Ops: []journal.FactOp{note("fresh")}, BaseEpoch: &base})
	require.NoError(t, err)
}

func TestTransactionWithMergedFacts(t *testing.T) {
	c := newCluster(t, "alice", "bob")
	a, b := c.node("alice"), c.node("bob")
	ctx := context.Background()

	bump, err := b.ApplyOp(ctx, scope, journal.BumpEpoch(1))
	require.NoError(t, err)
	ahead, err := b.Fact(bump.FactID)
	require.NoError(t, err)
	r, err := b.ApplyOp(ctx, scope, note("from bob"))
	require.NoError(t, err)
	genuine, err := b.Fact(r.FactID)
	require.NoError(t, err)

	// The merged bump moves the scope past the base epoch: nothing is kept.
	base := common.Epoch(0)
	_, err = a.ApplyTransaction(ctx, journal.Transaction{
		Scope:     scope,
		Ops:       []journal.FactOp{note("reply")},
		BaseEpoch: &base,
		Merge:     []*journal.Fact{ahead},
	})
	require.ErrorIs(t, err, journal.ErrTransactionConflict)
	st, err := a.Snapshot(scope)
	require.NoError(t, err)
	require.Equal(t, 0, st.Len())
	require.Equal(t, common.Epoch(0), st.Epoch())

	// A forged remote fact fails the whole transaction.
	forged := genuine.Clone()
	forged.Signature = append([]byte(nil), genuine.Signature...)
	forged.Signature[0] ^= 0x01
	_, err = a.ApplyTransaction(ctx, journal.Transaction{
		Scope: scope,
		Ops:   []journal.FactOp{note("reply")},
		Merge: []*journal.Fact{forged},
	})
	require.ErrorIs(t, err, journal.ErrBadSignature)
	st, err = a.Snapshot(scope)
	require.NoError(t, err)
	require.Equal(t, 0, st.Len())

	base = 1
	rc, err := a.ApplyTransaction(ctx, journal.Transaction{
		Scope:     scope,
		Ops:       []journal.FactOp{note("reply")},
		BaseEpoch: &base,
		Merge:     []*journal.Fact{genuine, ahead},
	})
	require.NoError(t, err)
	require.Equal(t, 2, rc.Merged)
	require.Len(t, rc.Facts, 1)
	require.Equal(t, common.Epoch(1), rc.Facts[0].Epoch)
	st, err = a.Snapshot(scope)
	require.NoError(t, err)
	require.Equal(t, 3, st.Len())
	got, err := a.Fact(genuine.ID)
	require.NoError(t, err)
	require.Equal(t, journal.Local(), got.Finality)

	// Facts already present are not counted again.
	rc, err = a.ApplyTransaction(ctx, journal.Transaction{Scope: scope, Merge: []*journal.Fact{genuine}})
	require.NoError(t, err)
	require.Zero(t, rc.Merged)
	require.Empty(t, rc.Facts)
}

func TestTransactionBelowMinimum(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.open("alice", memdb.NewStore())
	ctx := context.Background()
	cfg := journal.DefaultScope(scope)
	cfg.Minimum = journal.Replicated(1)
	require.NoError(t, j.ConfigureScope(ctx, cfg))

	_, err := j.ApplyTransaction(ctx, journal.Transaction{Scope: scope, Ops: []journal.FactOp{note("x")}, Required: journal.Local()})
	require.ErrorIs(t, err, journal.ErrFinalityBelowMinimum)
}

func TestTransactionTemporalPoint(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.node("alice")
	ctx := context.Background()

	rc, err := j.ApplyTransaction(ctx, journal.Transaction{Scope: scope, Ops: []journal.FactOp{note("1"), note("2")}})
	require.NoError(t, err)
	_, err = j.ApplyOp(ctx, scope, journal.BumpEpoch(1))
	require.NoError(t, err)
	_, err = j.ApplyOp(ctx, scope, note("3"))
	require.NoError(t, err)

	facts, err := j.QueryTemporal(ctx, scope, journal.TemporalQuery{AsOf: journal.AfterTransaction(rc.ID)})
	require.NoError(t, err)
	require.Len(t, facts, 2)

	_, err = j.QueryTemporal(ctx, scope, journal.TemporalQuery{AsOf: journal.AfterTransaction(journal.TransactionID{})})
	require.ErrorIs(t, err, journal.ErrTransactionNotFound)
}

func TestQueryFutureTimeWaits(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.node("alice")
	ctx := context.Background()

	_, err := j.ApplyOp(ctx, scope, note("now"))
	require.NoError(t, err)

	at := c.fx.Now().Add(time.Second)
	res := make(chan int, 1)
	go func() {
		facts, err := j.QueryTemporal(ctx, scope, journal.TemporalQuery{AsOf: journal.AtTime(at)})
		if err != nil {
			res <- -1
			return
		}
		res <- len(facts)
	}()
	c.clock.BlockUntil(1)
	c.clock.Advance(time.Second)
	require.Equal(t, 1, <-res)
}

type dealer struct {
	shares []*frost.KeyShare
	pkg    *frost.PublicPackage
}

func newDealer(t *testing.T, m, n int, seed uint64) *dealer {
	shares, pkg, err := frost.Deal(m, n, effects.NewSeededRandom(seed).Stream())
	require.NoError(t, err)
	return &dealer{shares: shares, pkg: pkg}
}

func (d *dealer) groupKey() []byte { return frost.EncodePoint(d.pkg.GroupKey) }

// sign runs one signing round with the first m shares.
func (d *dealer) sign(t *testing.T, msg []byte) []byte {
	signers := d.shares[:d.pkg.Threshold]
	stream := effects.NewSeededRandom(12).Stream()
	nonces := make([]*frost.Nonces, len(signers))
	commitments := make([]frost.Commitment, len(signers))
	for i, ks := range signers {
		nonces[i], commitments[i] = frost.Commit(ks, stream)
	}
	shares := make([]frost.SignatureShare, len(signers))
	for i, ks := range signers {
		sh, err := frost.Sign(ks, nonces[i], msg, commitments)
		require.NoError(t, err)
		shares[i] = sh
	}
	sig, _, err := frost.Aggregate(d.pkg, msg, commitments, shares)
	require.NoError(t, err)
	return sig
}

func TestConsensusTransaction(t *testing.T) {
	c := newCluster(t, "alice")
	d := newDealer(t, 2, 3, 11)
	driver := journal.ConsensusDriverFunc(func(_ context.Context, _ common.ContextID, _ []common.FactID, msg []byte) (*journal.ConsensusProof, error) {
		return &journal.ConsensusProof{Quorum: 2, GroupKey: d.groupKey(), Signature: d.sign(t, msg)}, nil
	})
	j := c.open("alice", memdb.NewStore(), journal.WithConsensus(driver))
	ctx := context.Background()
	cfg := journal.DefaultScope(scope)
	cfg.Quorum = 2
	cfg.ConsensusKey = d.groupKey()
	require.NoError(t, j.ConfigureScope(ctx, cfg))

	rc, err := j.ApplyTransaction(ctx, journal.Transaction{
		Scope:    scope,
		Ops:      []journal.FactOp{note("agreed")},
		Required: journal.Consensus(2),
	})
	require.NoError(t, err)
	require.NotNil(t, rc.Consensus)
	require.Equal(t, journal.Consensus(2), rc.Finality)

	f, err := j.Fact(rc.Facts[0].FactID)
	require.NoError(t, err)
	require.Equal(t, journal.Consensus(2), f.Finality)

	// a replica accepts the consensus fact and derives the same finality
	r := c.open("alice", memdb.NewStore())
	require.NoError(t, r.ConfigureScope(ctx, cfg))
	push(t, j, r)
	g, err := r.Fact(rc.Facts[0].FactID)
	require.NoError(t, err)
	require.Equal(t, journal.Consensus(2), g.Finality)
}

func TestConsensusFailure(t *testing.T) {
	c := newCluster(t, "alice")
	d := newDealer(t, 2, 3, 11)
	other := newDealer(t, 2, 3, 99)

	driver := journal.ConsensusDriverFunc(func(_ context.Context, _ common.ContextID, _ []common.FactID, msg []byte) (*journal.ConsensusProof, error) {
		// signed by the wrong group
		return &journal.ConsensusProof{Quorum: 2, GroupKey: other.groupKey(), Signature: other.sign(t, msg)}, nil
	})
	j := c.open("alice", memdb.NewStore(), journal.WithConsensus(driver))
	ctx := context.Background()
	cfg := journal.DefaultScope(scope)
	cfg.ConsensusKey = d.groupKey()
	require.NoError(t, j.ConfigureScope(ctx, cfg))

	rc, err := j.ApplyTransaction(ctx, journal.Transaction{Scope: scope, Ops: []journal.FactOp{note("contested")}, Required: journal.Consensus(2)})
	require.ErrorIs(t, err, journal.ErrConsensusFailed)
	require.Equal(t, common.KindFinality, common.KindOf(err))
	require.Equal(t, journal.Local(), rc.Finality)

	failed, err := j.QueryTemporal(ctx, scope, journal.TemporalQuery{ContentType: journal.ContentConsensusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	evidence, err := j.Snapshot(common.EvidenceContext(scope))
	require.NoError(t, err)
	require.Equal(t, 1, evidence.Len())

	errDriver := journal.ConsensusDriverFunc(func(context.Context, common.ContextID, []common.FactID, []byte) (*journal.ConsensusProof, error) {
		return nil, errors.New("ceremony timed out")
	})
	k := c.node("alice", journal.WithConsensus(errDriver))
	_, err = k.ApplyTransaction(ctx, journal.Transaction{Scope: scope, Ops: []journal.FactOp{note("x")}, Required: journal.Consensus(1)})
	require.ErrorIs(t, err, journal.ErrConsensusFailed)

	n := c.node("alice")
	_, err = n.ApplyTransaction(ctx, journal.Transaction{Scope: scope, Ops: []journal.FactOp{note("x")}, Required: journal.Consensus(1)})
	require.ErrorIs(t, err, journal.ErrNoConsensusDriver)
}

func TestMergeRejectsForgedFacts(t *testing.T) {
	c := newCluster(t, "alice", "bob")
	a, b := c.node("alice"), c.node("bob")
	ctx := context.Background()

	r, err := b.ApplyOp(ctx, scope, note("genuine"))
	require.NoError(t, err)
	genuine, err := b.Fact(r.FactID)
	require.NoError(t, err)

	forged := genuine.Clone()
	forged.Signature = append([]byte(nil), genuine.Signature...)
	forged.Signature[3] ^= 0x01

	claimed := genuine.Clone()
	claimed.Finality = journal.Archived()

	rep, err := a.Merge(ctx, scope, []*journal.Fact{forged}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Rejected)
	require.ErrorIs(t, rep.Err, journal.ErrBadSignature)

	evidence, err := a.Snapshot(common.EvidenceContext(scope))
	require.NoError(t, err)
	require.Equal(t, 1, evidence.Len())
	require.True(t, evidence.Facts()[0].IsEvidence())

	// remote finality claims are not trusted
	rep, err = a.Merge(ctx, scope, []*journal.Fact{claimed}, []journal.Ack{{Fact: genuine.ID, From: common.DeviceIDFromName("alice")}})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Added)
	require.Equal(t, 1, rep.Acks)
	got, err := a.Fact(genuine.ID)
	require.NoError(t, err)
	require.Equal(t, journal.Replicated(1), got.Finality)

	other := common.ContextIDFromName("other")
	wrong := genuine.Clone()
	wrong.Context = other
	rep, err = a.Merge(ctx, scope, []*journal.Fact{wrong}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, rep.Err, journal.ErrContextMismatch)
}

func TestBridgeResolve(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.node("alice")
	ctx := context.Background()
	other := common.ContextIDFromName("other")
	require.NoError(t, j.ConfigureScope(ctx, journal.DefaultScope(other)))

	r, err := j.ApplyOp(ctx, other, note("over there"))
	require.NoError(t, err)

	_, err = j.Resolve(scope, r.FactID)
	require.ErrorIs(t, err, journal.ErrNotBridged)
	require.Equal(t, common.KindAuthorization, common.KindOf(err))

	op, err := journal.AssertValue(journal.ContentBridge, journal.BridgePayload{Source: other, Fact: r.FactID})
	require.NoError(t, err)
	_, err = j.ApplyOp(ctx, scope, op)
	require.NoError(t, err)

	f, err := j.Resolve(scope, r.FactID)
	require.NoError(t, err)
	require.Equal(t, other, f.Context)

	_, err = j.Resolve(scope, common.FactID{})
	require.ErrorIs(t, err, journal.ErrFactNotFound)
}

func TestCheckpointQueries(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.node("alice")
	ctx := context.Background()

	_, err := j.ApplyOp(ctx, scope, note("1"))
	require.NoError(t, err)
	before, err := j.StateHash(ctx, scope, journal.Now())
	require.NoError(t, err)

	cp, err := j.Checkpoint(ctx, scope)
	require.NoError(t, err)
	_, err = j.ApplyOp(ctx, scope, note("2"))
	require.NoError(t, err)

	at, err := j.StateHash(ctx, scope, journal.AtCheckpoint(cp.FactID))
	require.NoError(t, err)
	require.Equal(t, before, at)

	facts, err := j.QueryTemporal(ctx, scope, journal.TemporalQuery{AsOf: journal.AtCheckpoint(cp.FactID)})
	require.NoError(t, err)
	require.Len(t, facts, 1)
}

func TestCheckpointMismatchQuarantines(t *testing.T) {
	c := newCluster(t, "alice", "bob")
	a, b := c.node("alice"), c.node("bob")
	ctx := context.Background()

	r, err := b.ApplyOp(ctx, scope, note("1"))
	require.NoError(t, err)
	op, err := journal.AssertValue(journal.ContentCheckpoint, journal.CheckpointPayload{
		Facts:     []common.FactID{r.FactID},
		StateHash: common.Hash32{0xde, 0xad},
	})
	require.NoError(t, err)
	bad, err := b.ApplyOp(ctx, scope, op)
	require.NoError(t, err)
	push(t, b, a)

	_, err = a.QueryTemporal(ctx, scope, journal.TemporalQuery{AsOf: journal.AtCheckpoint(bad.FactID)})
	require.ErrorIs(t, err, journal.ErrStateHashMismatch)
	require.ErrorIs(t, a.Quarantined(scope), journal.ErrStateHashMismatch)

	_, err = a.ApplyOp(ctx, scope, note("2"))
	require.ErrorIs(t, err, journal.ErrQuarantined)
}

func TestReloadFromStore(t *testing.T) {
	c := newCluster(t, "alice", "bob")
	store := memdb.NewStore()
	j := c.open("alice", store)
	ctx := context.Background()
	require.NoError(t, j.ConfigureScope(ctx, journal.DefaultScope(scope)))

	r, err := j.ApplyOp(ctx, scope, note("durable"))
	require.NoError(t, err)
	require.NoError(t, j.RecordAck(ctx, scope, r.FactID, common.DeviceIDFromName("bob")))
	_, err = j.ApplyOp(ctx, scope, journal.BumpEpoch(4))
	require.NoError(t, err)
	want := digest(t, j)
	require.NoError(t, j.Close())

	n, err := store.Len(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	k := c.open("alice", store)
	e, err := k.Epoch(scope)
	require.NoError(t, err)
	require.Equal(t, common.Epoch(4), e)
	f, err := k.Fact(r.FactID)
	require.NoError(t, err)
	require.Equal(t, journal.Replicated(1), f.Finality)
	// acknowledgements are not persisted, only the finality they produced
	require.NotEqual(t, want, digest(t, k))
}

func TestScopeCascade(t *testing.T) {
	c := newCluster(t, "alice")
	j := c.open("alice", memdb.NewStore())
	ctx := context.Background()
	parent := common.ContextIDFromName("parent")

	child := journal.DefaultScope(scope)
	child.Parent = &parent
	require.ErrorIs(t, j.ConfigureScope(ctx, child), journal.ErrScopeNotFound)

	require.NoError(t, j.ConfigureScope(ctx, journal.DefaultScope(parent)))
	require.NoError(t, j.ConfigureScope(ctx, child))

	strict := journal.DefaultScope(parent)
	strict.Minimum = journal.Checkpointed()
	require.NoError(t, j.ConfigureScope(ctx, strict))

	cfg, err := j.Scope(scope)
	require.NoError(t, err)
	require.Equal(t, journal.Checkpointed(), cfg.Minimum)
	require.ElementsMatch(t, []common.ContextID{parent, scope}, j.Scopes())
}

func TestAuthorizer(t *testing.T) {
	c := newCluster(t, "alice")
	deny := journal.AuthorizerFunc(func(_ common.ContextID, _ common.DeviceID, contentType string) error {
		if contentType == "app.secret" {
			return errors.New("no capability")
		}
		return nil
	})
	j := c.node("alice", journal.WithAuthorizer(deny))
	ctx := context.Background()

	_, err := j.ApplyOp(ctx, scope, journal.Assert("app.secret", nil))
	require.ErrorIs(t, err, journal.ErrNotAuthorized)
	_, err = j.ApplyOp(ctx, scope, note("fine"))
	require.NoError(t, err)
}

func TestSubscribe(t *testing.T) {
	c := newCluster(t, "alice", "bob")
	j := c.node("alice")
	ctx := context.Background()

	events := j.Subscribe()
	got := make(chan []journal.Event, 1)
	go func() {
		var all []journal.Event
		for e := range events {
			all = append(all, e)
		}
		got <- all
	}()

	r, err := j.ApplyOp(ctx, scope, note("watched"))
	require.NoError(t, err)
	require.NoError(t, j.RecordAck(ctx, scope, r.FactID, common.DeviceIDFromName("bob")))
	require.NoError(t, j.Close())

	all := <-got
	require.Len(t, all, 2)
	require.Equal(t, journal.EventFactApplied, all[0].Kind)
	require.Equal(t, r.FactID, all[0].Fact.ID)
	require.Equal(t, journal.EventFinality, all[1].Kind)
	require.Equal(t, journal.Replicated(1), all[1].Finality)

	_, err = j.ApplyOp(ctx, scope, note("late"))
	require.ErrorIs(t, err, journal.ErrClosed)
}

func TestCachedStore(t *testing.T) {
	c := newCluster(t, "alice")
	store, err := journal.NewCachedStore(memdb.NewStore(), 16)
	require.NoError(t, err)
	j := c.open("alice", store)
	ctx := context.Background()
	require.NoError(t, j.ConfigureScope(ctx, journal.DefaultScope(scope)))

	r, err := j.ApplyOp(ctx, scope, journal.Assert("app.blob", codec.MustMarshal([]int{1, 2, 3})))
	require.NoError(t, err)
	f, err := store.Get(ctx, r.FactID)
	require.NoError(t, err)
	require.Equal(t, r.FactID, f.ID)

	_, err = store.Get(ctx, common.FactID{})
	require.ErrorIs(t, err, journal.ErrNoFactStored)
}
