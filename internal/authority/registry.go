package authority

import (
	"context"
	"errors"
	"fmt"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

// Registry stores capabilities as facts of one journal scope and keeps a
// Graph in sync with that scope, including the facts merged from peers.
type Registry struct {
	log    log.Logger
	graph  *Graph
	j      *journal.Journal
	scope  common.ContextID
	signer journal.Signer
	fx     *effects.Effects
	done   chan struct{}
}

// NewRegistry creates scope in j when missing, replays its capability facts
// into g and follows the journal until it closes.
func NewRegistry(ctx context.Context, l log.Logger, g *Graph, j *journal.Journal, scope common.ContextID, signer journal.Signer, fx *effects.Effects) (*Registry, error) {
	ctx, span := metrics.NewSpan(ctx, "authority.NewRegistry")
	defer span.End()

	r := &Registry{
		log:    l.Named("registry"),
		graph:  g,
		j:      j,
		scope:  scope,
		signer: signer,
		fx:     fx,
		done:   make(chan struct{}),
	}
	// subscribe first so that nothing committed during the replay is missed
	go r.follow(j.Subscribe())

	if _, err := j.Scope(scope); errors.Is(err, journal.ErrScopeNotFound) {
		if err := j.ConfigureScope(ctx, journal.DefaultScope(scope)); err != nil {
			return nil, fmt.Errorf("creating capability scope: %w", err)
		}
	}
	st, err := j.Snapshot(scope)
	if err != nil {
		return nil, err
	}
	for _, f := range st.Facts() {
		r.ingest(f)
	}
	r.log.Infow("capabilities loaded", "scope", scope, "capabilities", g.Len())
	return r, nil
}

// follow drains the subscription until the journal closes it.
func (r *Registry) follow(events <-chan journal.Event) {
	defer close(r.done)
	for ev := range events {
		if ev.Kind != journal.EventFactApplied || ev.Scope != r.scope {
			continue
		}
		r.ingest(ev.Fact)
	}
}

func (r *Registry) ingest(f *journal.Fact) {
	switch f.ContentType {
	case ContentDelegation:
		var c Capability
		if err := f.Decode(&c); err != nil {
			r.log.Warnw("undecodable delegation", "fact", f.ID.Short(), "err", err)
			return
		}
		if _, err := r.graph.Offer(&c); err != nil {
			r.log.Warnw("rejected delegation", "fact", f.ID.Short(), "capability", c.ID.Short(), "author", f.Author, "err", err)
		}
	case ContentRevocation:
		var rv Revocation
		if err := f.Decode(&rv); err != nil {
			r.log.Warnw("undecodable revocation", "fact", f.ID.Short(), "err", err)
			return
		}
		if _, err := r.graph.ApplyRevocation(&rv); err != nil {
			r.log.Warnw("rejected revocation", "fact", f.ID.Short(), "capability", rv.Capability.Short(), "author", f.Author, "err", err)
		}
	}
}

// Done is closed once the journal subscription ended.
func (r *Registry) Done() <-chan struct{} { return r.done }

// Graph is the graph kept in sync.
func (r *Registry) Graph() *Graph { return r.graph }

// Scope is the journal scope holding the capabilities.
func (r *Registry) Scope() common.ContextID { return r.scope }

// Bootstrap records a threshold-signed root capability.
func (r *Registry) Bootstrap(ctx context.Context, root *Capability) (journal.FactReceipt, error) {
	if !root.IsRoot() {
		return journal.FactReceipt{}, fmt.Errorf("%w: %s has a parent", ErrInvalidRoot, root.ID.Short())
	}
	return r.publish(ctx, root)
}

// Delegate issues a capability derived from parent to subject and records
// it. A nil expiry never expires.
func (r *Registry) Delegate(ctx context.Context, parent common.CapabilityID, subject Subject, scope Scope, expiry *common.PhysicalTime) (*Capability, error) {
	p, err := r.graph.Capability(parent)
	if err != nil {
		return nil, err
	}
	c := NewDelegation(r.signer, p, subject, scope, expiry, IssueTime(p, r.fx.Now()))
	if _, err := r.publish(ctx, c); err != nil {
		return nil, err
	}
	r.log.Infow("capability delegated", "capability", c.ID.Short(), "parent", parent.Short(), "subject", subject, "scope", scope)
	return c, nil
}

func (r *Registry) publish(ctx context.Context, c *Capability) (journal.FactReceipt, error) {
	if err := r.graph.Validate(c); err != nil {
		return journal.FactReceipt{}, err
	}
	op, err := journal.AssertValue(ContentDelegation, c)
	if err != nil {
		return journal.FactReceipt{}, err
	}
	rcpt, err := r.j.ApplyOp(ctx, r.scope, op)
	if err != nil {
		return journal.FactReceipt{}, fmt.Errorf("recording capability: %w", err)
	}
	// the follower applies it too, whichever comes first wins
	if _, err := r.graph.ApplyDelegation(c); err != nil {
		return rcpt, err
	}
	return rcpt, nil
}

// Revoke records the revocation of id and of everything derived from it.
func (r *Registry) Revoke(ctx context.Context, id common.CapabilityID) (journal.FactReceipt, error) {
	rv := NewRevocation(r.signer, id, r.fx.Now())
	if err := r.graph.ValidateRevocation(rv); err != nil {
		return journal.FactReceipt{}, err
	}
	op, err := journal.AssertValue(ContentRevocation, rv)
	if err != nil {
		return journal.FactReceipt{}, err
	}
	rcpt, err := r.j.ApplyOp(ctx, r.scope, op)
	if err != nil {
		return journal.FactReceipt{}, fmt.Errorf("recording revocation: %w", err)
	}
	if _, err := r.graph.ApplyRevocation(rv); err != nil {
		return rcpt, err
	}
	return rcpt, nil
}
