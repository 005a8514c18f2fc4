package journal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/testlogger"
)

var errStoreDown = errors.New("store down")

// flakyStore keeps nothing and fails writes while down is set.
type flakyStore struct {
	down atomic.Bool
}

func (s *flakyStore) Len(context.Context, common.ContextID) (int, error) { return 0, nil }

func (s *flakyStore) Put(context.Context, ...*Fact) error {
	if s.down.Load() {
		return errStoreDown
	}
	return nil
}

func (s *flakyStore) Get(context.Context, common.FactID) (*Fact, error) {
	return nil, ErrFactNotFound
}

func (s *flakyStore) Context(context.Context, common.ContextID) ([]*Fact, error) { return nil, nil }

func (s *flakyStore) Epoch(context.Context, common.ContextID, common.Epoch) ([]common.FactID, error) {
	return nil, nil
}

func (s *flakyStore) Contexts(context.Context) ([]common.ContextID, error) { return nil, nil }
func (s *flakyStore) PutScope(context.Context, ScopeConfig) error { return nil }
func (s *flakyStore) Scopes(context.Context) ([]ScopeConfig, error) { return nil, nil }
func (s *flakyStore) Close() error { return nil }

func (f *fixture) open(store Store, opts ...Option) *Journal {
	f.t.Helper()
	ctx := context.Background()
	j, err := New(ctx, testlogger.New(f.t), store, f.fx, f.signers["alice"], f.keys, opts...)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = j.Close() })
	require.NoError(f.t, j.ConfigureScope(ctx, DefaultScope(testCtx)))
	return j
}

func (j *Journal) waiting(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, j.do(context.Background(), func(*writer) error {
		for _, ws := range j.waiters {
			n += len(ws)
		}
		return nil
	}))
	return n
}

func TestAfterCommitRunsOnlyOnCommit(t *testing.T) {
	f := newFixture(t, "alice")
	store := &flakyStore{}
	j := f.open(store)
	ctx := context.Background()

	write := func(ran *bool) error {
		return j.do(ctx, func(w *writer) error {
			w.afterCommit(func() { *ran = true })
			st, err := w.state(testCtx)
			if err != nil {
				return err
			}
			fact, err := j.build(st, Assert("app.note", []byte("x")))
			if err != nil {
				return err
			}
			return w.apply(st, fact)
		})
	}

	store.down.Store(true)
	var ran bool
	require.ErrorIs(t, write(&ran), errStoreDown)
	require.False(t, ran)
	st, err := j.Snapshot(testCtx)
	require.NoError(t, err)
	require.Equal(t, 0, st.Len())

	ran = false
	require.Error(t, j.do(ctx, func(w *writer) error {
		w.afterCommit(func() { ran = true })
		return errors.New("rejected")
	}))
	require.False(t, ran)

	store.down.Store(false)
	require.NoError(t, write(&ran))
	require.True(t, ran)
}

func TestWaitForFinalityDropsWaiter(t *testing.T) {
	f := newFixture(t, "alice")
	j := f.open(&flakyStore{})
	ctx := context.Background()

	rc, err := j.ApplyOp(ctx, testCtx, Assert("app.note", []byte("x")))
	require.NoError(t, err)

	// already satisfied: nothing is left registered
	fin, err := j.WaitForFinality(ctx, rc.FactID, Local())
	require.NoError(t, err)
	require.Equal(t, Local(), fin)
	require.Zero(t, j.waiting(t))

	_, err = j.WaitForFinality(ctx, common.FactID{}, Local())
	require.ErrorIs(t, err, ErrFactNotFound)
	require.Zero(t, j.waiting(t))

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := j.WaitForFinality(wctx, rc.FactID, Consensus(2))
		done <- err
	}()
	require.Eventually(t, func() bool { return j.waiting(t) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, ErrFinalityTimeout)
	require.Zero(t, j.waiting(t))
}
