package journal

import (
	"context"

	lru "github.com/hashicorp/golang-lru"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

// Store persists fact envelopes, content addressed by fact id, with an index
// (context, epoch) -> fact ids for replay.
type Store interface {
	Len(ctx context.Context, c common.ContextID) (int, error)
	// Put stores facts atomically, overwriting the finality of facts already
	// stored.
	Put(ctx context.Context, facts ...*Fact) error
	Get(ctx context.Context, id common.FactID) (*Fact, error)
	// Context replays the facts of c in (epoch, id) order.
	Context(ctx context.Context, c common.ContextID) ([]*Fact, error)
	// Epoch lists the ids of the facts of c at epoch e.
	Epoch(ctx context.Context, c common.ContextID, e common.Epoch) ([]common.FactID, error)
	Contexts(ctx context.Context) ([]common.ContextID, error)
	PutScope(ctx context.Context, cfg ScopeConfig) error
	Scopes(ctx context.Context) ([]ScopeConfig, error)
	Close() error
}

// cachedStore keeps recently decoded facts in memory in front of a store.
type cachedStore struct {
	Store
	cache *lru.ARCCache
}

// NewCachedStore wraps s with an adaptive replacement cache of size facts.
func NewCachedStore(s Store, size int) (Store, error) {
	cache, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &cachedStore{Store: s, cache: cache}, nil
}

func (c *cachedStore) Put(ctx context.Context, facts ...*Fact) error {
	ctx, span := metrics.NewSpan(ctx, "cachedStore.Put")
	defer span.End()

	if err := c.Store.Put(ctx, facts...); err != nil {
		return err
	}
	for _, f := range facts {
		c.cache.Add(f.ID, f)
	}
	return nil
}

func (c *cachedStore) Get(ctx context.Context, id common.FactID) (*Fact, error) {
	ctx, span := metrics.NewSpan(ctx, "cachedStore.Get")
	defer span.End()

	if v, ok := c.cache.Get(id); ok {
		return v.(*Fact), nil
	}
	f, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, f)
	return f, nil
}
