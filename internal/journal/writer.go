package journal

import (
	"context"
	"fmt"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

// writer accumulates the effects of one supervisor command on private copies
// of the touched states. Nothing is visible to readers before commit.
type writer struct {
	states     map[common.ContextID]*State
	cloned     map[common.ContextID]bool
	raw        map[common.ContextID]ScopeConfig
	scopes     map[common.ContextID]ScopeConfig
	txs        map[TransactionID]txRecord
	quarantine map[common.ContextID]error

	applied    []*Fact
	configured []ScopeConfig
	after      []func()
}

func (j *Journal) begin() *writer {
	snap := j.snap.Load()
	w := &writer{
		states:     make(map[common.ContextID]*State, len(snap.states)),
		cloned:     make(map[common.ContextID]bool),
		raw:        make(map[common.ContextID]ScopeConfig, len(snap.raw)),
		scopes:     make(map[common.ContextID]ScopeConfig, len(snap.scopes)),
		txs:        snap.txs,
		quarantine: make(map[common.ContextID]error, len(snap.quarantine)),
	}
	for k, v := range snap.states {
		w.states[k] = v
	}
	for k, v := range snap.raw {
		w.raw[k] = v
	}
	for k, v := range snap.scopes {
		w.scopes[k] = v
	}
	for k, v := range snap.quarantine {
		w.quarantine[k] = v
	}
	return w
}

// afterCommit runs fn on the supervisor once the command is committed. A
// failed command never runs it.
func (w *writer) afterCommit(fn func()) { w.after = append(w.after, fn) }

// state returns a writable copy of the state of scope.
func (w *writer) state(scope common.ContextID) (*State, error) {
	if reason, ok := w.quarantine[scope]; ok {
		return nil, fmt.Errorf("%w: %s: %v", ErrQuarantined, scope, reason)
	}
	st, ok := w.states[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	if !w.cloned[scope] {
		st = st.Clone()
		w.states[scope] = st
		w.cloned[scope] = true
	}
	return st, nil
}

func (w *writer) apply(st *State, f *Fact) error {
	changed, err := st.Apply(f)
	if err != nil {
		return err
	}
	if changed {
		stored, _ := st.Fact(f.ID)
		w.applied = append(w.applied, stored)
	}
	return nil
}

func (w *writer) receipt(st *State, f *Fact) FactReceipt {
	cfg := w.scopes[st.Context]
	return FactReceipt{
		FactID:  f.ID,
		Scope:   st.Context,
		Epoch:   f.Epoch,
		Initial: f.Finality,
		Target:  cfg.Target(f.ContentType),
	}
}

func (w *writer) find(id common.FactID) (*Fact, error) {
	for _, st := range w.states {
		if f, ok := st.Fact(id); ok {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFactNotFound, id.Short())
}

// configure stores cfg and recomputes the effective configuration of every
// scope so that changes cascade down the parent chain.
func (w *writer) configure(cfg ScopeConfig) {
	w.raw[cfg.Scope] = cfg
	for c, r := range w.raw {
		w.scopes[c] = effective(w.raw, r)
	}
	if _, ok := w.states[cfg.Scope]; !ok {
		w.states[cfg.Scope] = NewState(cfg.Scope)
		w.cloned[cfg.Scope] = true
	}
	w.configured = append(w.configured, cfg)
}

func (w *writer) addTx(id TransactionID, rec txRecord) {
	txs := make(map[TransactionID]txRecord, len(w.txs)+1)
	for k, v := range w.txs {
		txs[k] = v
	}
	txs[id] = rec
	w.txs = txs
}

func (w *writer) setQuarantine(scope common.ContextID, reason error) {
	w.quarantine[scope] = reason
}

// commit derives finality, persists and publishes the writer's changes, then
// wakes waiters and subscribers.
func (j *Journal) commit(ctx context.Context, w *writer) error {
	ctx, span := metrics.NewSpan(ctx, "journal.commit")
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	type promoted struct {
		scope common.ContextID
		fact  *Fact
	}
	var promos []promoted
	persist := make(map[common.FactID]*Fact)
	var order []common.FactID
	mark := func(f *Fact) {
		if _, ok := persist[f.ID]; !ok {
			order = append(order, f.ID)
		}
		persist[f.ID] = f
	}
	for _, f := range w.applied {
		mark(f)
	}
	for scope := range w.cloned {
		st := w.states[scope]
		for _, p := range st.normalize() {
			f, _ := st.Fact(p.Fact)
			promos = append(promos, promoted{scope: scope, fact: f})
			metrics.JournalFinality.WithLabelValues(p.To.Level.String()).Inc()
			mark(f)
		}
	}
	// facts applied earlier in the command may have been promoted since
	for id := range persist {
		for _, st := range w.states {
			if f, ok := st.Fact(id); ok {
				persist[id] = f
				break
			}
		}
	}

	for _, cfg := range w.configured {
		if err := j.store.PutScope(ctx, cfg); err != nil {
			return fmt.Errorf("persisting scope %s: %w", cfg.Scope, err)
		}
	}
	if len(order) > 0 {
		batch := make([]*Fact, len(order))
		for i, id := range order {
			batch[i] = persist[id]
		}
		if err := j.store.Put(ctx, batch...); err != nil {
			return fmt.Errorf("persisting %d facts: %w", len(batch), err)
		}
	}

	j.snap.Store(&snapshot{
		states:     w.states,
		scopes:     w.scopes,
		raw:        w.raw,
		txs:        w.txs,
		quarantine: w.quarantine,
	})

	for _, fn := range w.after {
		fn()
	}
	for _, id := range order {
		j.wake(persist[id])
	}
	for _, cfg := range w.configured {
		j.events.Publish(Event{Kind: EventScopeConfigured, Scope: cfg.Scope})
	}
	for _, f := range w.applied {
		cur := persist[f.ID]
		j.events.Publish(Event{Kind: EventFactApplied, Scope: cur.Context, Fact: cur, Finality: cur.Finality})
	}
	for _, p := range promos {
		j.events.Publish(Event{Kind: EventFinality, Scope: p.scope, Fact: p.fact, Finality: p.fact.Finality})
	}
	return nil
}

func (j *Journal) wake(f *Fact) {
	ws := j.waiters[f.ID]
	if len(ws) == 0 {
		return
	}
	keep := ws[:0]
	for _, w := range ws {
		if f.Finality.Satisfies(w.target) {
			w.ch <- f.Finality
			continue
		}
		keep = append(keep, w)
	}
	if len(keep) == 0 {
		delete(j.waiters, f.ID)
		return
	}
	j.waiters[f.ID] = keep
}
