package memdb

import (
	"context"
	"sort"
	"sync"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

// Store keeps facts and scope configurations in memory.
type Store struct {
	storeMtx *sync.RWMutex
	facts    map[common.FactID]*journal.Fact
	contexts map[common.ContextID][]*journal.Fact
	scopes   map[common.ContextID]journal.ScopeConfig
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		storeMtx: &sync.RWMutex{},
		facts:    make(map[common.FactID]*journal.Fact),
		contexts: make(map[common.ContextID][]*journal.Fact),
		scopes:   make(map[common.ContextID]journal.ScopeConfig),
	}
}

func (s *Store) Len(ctx context.Context, c common.ContextID) (int, error) {
	_, span := metrics.NewSpan(ctx, "memDB.Len")
	defer span.End()

	s.storeMtx.RLock()
	defer s.storeMtx.RUnlock()

	return len(s.contexts[c]), nil
}

func (s *Store) Put(ctx context.Context, facts ...*journal.Fact) error {
	_, span := metrics.NewSpan(ctx, "memDB.Put")
	defer span.End()

	s.storeMtx.Lock()
	defer s.storeMtx.Unlock()

	for _, f := range facts {
		f = f.Clone()
		if _, ok := s.facts[f.ID]; ok {
			s.facts[f.ID] = f
			list := s.contexts[f.Context]
			for i := range list {
				if list[i].ID == f.ID {
					list[i] = f
				}
			}
			continue
		}
		s.facts[f.ID] = f

		list := s.contexts[f.Context]
		shouldSort := len(list) > 0 && f.Less(list[len(list)-1])
		list = append(list, f)
		if shouldSort {
			sort.Slice(list, func(i, j int) bool { return list[i].Less(list[j]) })
		}
		s.contexts[f.Context] = list
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id common.FactID) (*journal.Fact, error) {
	_, span := metrics.NewSpan(ctx, "memDB.Get")
	defer span.End()

	s.storeMtx.RLock()
	defer s.storeMtx.RUnlock()

	f, ok := s.facts[id]
	if !ok {
		return nil, journal.ErrNoFactStored
	}
	return f.Clone(), nil
}

func (s *Store) Context(ctx context.Context, c common.ContextID) ([]*journal.Fact, error) {
	_, span := metrics.NewSpan(ctx, "memDB.Context")
	defer span.End()

	s.storeMtx.RLock()
	defer s.storeMtx.RUnlock()

	out := make([]*journal.Fact, len(s.contexts[c]))
	for i, f := range s.contexts[c] {
		out[i] = f.Clone()
	}
	return out, nil
}

func (s *Store) Epoch(ctx context.Context, c common.ContextID, e common.Epoch) ([]common.FactID, error) {
	_, span := metrics.NewSpan(ctx, "memDB.Epoch")
	defer span.End()

	s.storeMtx.RLock()
	defer s.storeMtx.RUnlock()

	var out []common.FactID
	for _, f := range s.contexts[c] {
		if f.Epoch == e {
			out = append(out, f.ID)
		}
	}
	return out, nil
}

func (s *Store) Contexts(ctx context.Context) ([]common.ContextID, error) {
	_, span := metrics.NewSpan(ctx, "memDB.Contexts")
	defer span.End()

	s.storeMtx.RLock()
	defer s.storeMtx.RUnlock()

	out := make([]common.ContextID, 0, len(s.contexts))
	for c := range s.contexts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

func (s *Store) PutScope(ctx context.Context, cfg journal.ScopeConfig) error {
	_, span := metrics.NewSpan(ctx, "memDB.PutScope")
	defer span.End()

	s.storeMtx.Lock()
	defer s.storeMtx.Unlock()

	s.scopes[cfg.Scope] = cfg
	return nil
}

func (s *Store) Scopes(ctx context.Context) ([]journal.ScopeConfig, error) {
	_, span := metrics.NewSpan(ctx, "memDB.Scopes")
	defer span.End()

	s.storeMtx.RLock()
	defer s.storeMtx.RUnlock()

	out := make([]journal.ScopeConfig, 0, len(s.scopes))
	for _, cfg := range s.scopes {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope.Compare(out[j].Scope) < 0 })
	return out, nil
}

// Close is a noop
func (s *Store) Close() error {
	return nil
}
