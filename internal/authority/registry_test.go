package authority

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/testlogger"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/journal/memdb"
)

var (
	capScope  = common.ContextIDFromName("capabilities")
	dataScope = common.ContextIDFromName("data")
)

func (f *fixture) journal(name string, opts ...journal.Option) *journal.Journal {
	f.t.Helper()
	j, err := journal.New(context.Background(), testlogger.New(f.t), memdb.NewStore(), f.fx, f.signers[name], f.keys, opts...)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = j.Close() })
	return j
}

func (f *fixture) registry(name string, g *Graph, j *journal.Journal) *Registry {
	f.t.Helper()
	r, err := NewRegistry(context.Background(), testlogger.New(f.t), g, j, capScope, f.signers[name], f.fx)
	require.NoError(f.t, err)
	return r
}

func push(t *testing.T, from, to *journal.Journal) {
	t.Helper()
	st, err := from.Snapshot(capScope)
	require.NoError(t, err)
	rep, err := to.MergeState(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, rep.Err)
}

func TestRegistryReplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ga, gd := f.graph(), f.graph()
	ja, jd := f.journal("alice"), f.journal("dave")
	ra := f.registry("alice", ga, ja)
	rd := f.registry("dave", gd, jd)

	root := f.root()
	_, err := ra.Bootstrap(ctx, root)
	require.NoError(t, err)
	_, err = ra.Bootstrap(ctx, f.delegate("alice", root, Device(dev("dave")), Universal(), nil))
	require.ErrorIs(t, err, ErrInvalidRoot)

	admin := NewScope("mls", "admin")
	c, err := ra.Delegate(ctx, root.ID, person("dave"), admin, at(f.now().Add(time.Hour)))
	require.NoError(t, err)
	// the clock has not moved since the root was issued
	require.Greater(t, c.IssuedAt, root.IssuedAt)
	require.True(t, ga.Evaluate(person("dave"), admin, f.now()).Granted)

	push(t, ja, jd)
	require.Eventually(t, func() bool { return gd.Len() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.True(t, gd.Evaluate(person("dave"), admin, f.now()).Granted)

	// dave may neither revoke the root nor delegate from it
	st, err := jd.Snapshot(capScope)
	require.NoError(t, err)
	before := st.Len()
	_, err = rd.Revoke(ctx, root.ID)
	require.ErrorIs(t, err, ErrNotRevoker)
	_, err = rd.Delegate(ctx, root.ID, Device(dev("dave")), Universal(), nil)
	require.ErrorIs(t, err, ErrNotHolder)
	st, err = jd.Snapshot(capScope)
	require.NoError(t, err)
	require.Equal(t, before, st.Len())

	f.clock.Advance(time.Second)
	_, err = ra.Revoke(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, ReasonRevoked, ga.Evaluate(person("dave"), admin, f.now()).Reason)

	push(t, ja, jd)
	require.Eventually(t, func() bool { return gd.Revoked(c.ID) }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, ReasonRevoked, gd.Evaluate(person("dave"), admin, f.now()).Reason)
}

func TestRegistryReplaysJournal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j := f.journal("alice")
	r := f.registry("alice", f.graph(), j)
	root := f.root()
	_, err := r.Bootstrap(ctx, root)
	require.NoError(t, err)
	_, err = r.Delegate(ctx, root.ID, Device(dev("erin")), NewScope("chat", "post"), nil)
	require.NoError(t, err)

	// a second graph built over the same journal catches up on creation
	g := f.graph()
	r2 := f.registry("alice", g, j)
	require.Equal(t, 2, g.Len())
	require.Equal(t, capScope, r2.Scope())
	require.Same(t, g, r2.Graph())
	require.True(t, g.Evaluate(Device(dev("erin")), NewScope("chat", "post"), f.now()).Granted)
}

func TestWriteAuthorizer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g := f.graph()
	j := f.journal("alice", journal.WithAuthorizer(WriteAuthorizer(g, f.fx, capScope)))
	r := f.registry("alice", g, j)
	require.NoError(t, j.ConfigureScope(ctx, journal.DefaultScope(dataScope)))

	note := journal.Assert("app.note", []byte("hello"))
	_, err := j.ApplyOp(ctx, dataScope, note)
	require.ErrorIs(t, err, journal.ErrNotAuthorized)

	_, err = j.RecordEvidence(ctx, dataScope, "test", "alice", nil)
	require.NoError(t, err)

	// the capability scope is exempt, so the root can be recorded, and alice
	// acts for the account holding it
	_, err = r.Bootstrap(ctx, f.root())
	require.NoError(t, err)
	_, err = j.ApplyOp(ctx, dataScope, note)
	require.NoError(t, err)
}
