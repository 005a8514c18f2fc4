package authority

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

// RootKeys returns the threshold group key of an authority, encoded as
// frost.EncodePoint does.
type RootKeys interface {
	GroupKey(a common.AuthorityID) ([]byte, bool)
}

// RootKeysFunc adapts a function to RootKeys.
type RootKeysFunc func(a common.AuthorityID) ([]byte, bool)

func (f RootKeysFunc) GroupKey(a common.AuthorityID) ([]byte, bool) { return f(a) }

// Option configures a Graph.
type Option func(*Graph)

// WithMembership sets how devices map to the subjects they act for. The
// default is Direct.
func WithMembership(m Membership) Option { return func(g *Graph) { g.members = m } }

// view is an immutable state of the graph.
type view struct {
	caps     map[common.CapabilityID]*Capability
	children map[common.CapabilityID][]common.CapabilityID
	subjects map[Subject][]common.CapabilityID
	revoked  map[common.CapabilityID]*Revocation
	// orphans are offered capabilities waiting for their parent, by parent.
	orphans map[common.CapabilityID][]*Capability
	// pending are revocations of capabilities not applied yet.
	pending map[common.CapabilityID][]*Revocation
}

func newView() *view {
	return &view{
		caps:     make(map[common.CapabilityID]*Capability),
		children: make(map[common.CapabilityID][]common.CapabilityID),
		subjects: make(map[Subject][]common.CapabilityID),
		revoked:  make(map[common.CapabilityID]*Revocation),
		orphans:  make(map[common.CapabilityID][]*Capability),
		pending:  make(map[common.CapabilityID][]*Revocation),
	}
}

func (v *view) clone() *view {
	return &view{
		caps:     cloneMap(v.caps),
		children: cloneMap(v.children),
		subjects: cloneMap(v.subjects),
		revoked:  cloneMap(v.revoked),
		orphans:  cloneMap(v.orphans),
		pending:  cloneMap(v.pending),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// insertID returns a sorted copy of ids with id added.
func insertID(ids []common.CapabilityID, id common.CapabilityID) []common.CapabilityID {
	i, found := slices.BinarySearchFunc(ids, id, common.CapabilityID.Compare)
	if found {
		return ids
	}
	return slices.Insert(slices.Clone(ids), i, id)
}

func (v *view) insert(c *Capability) {
	v.caps[c.ID] = c
	v.subjects[c.Subject] = insertID(v.subjects[c.Subject], c.ID)
	if c.Parent != nil {
		v.children[*c.Parent] = insertID(v.children[*c.Parent], c.ID)
	}
}

// tainted reports whether id or one of its ancestors is revoked.
func (v *view) tainted(id common.CapabilityID) bool {
	for {
		if _, ok := v.revoked[id]; ok {
			return true
		}
		c, ok := v.caps[id]
		if !ok || c.Parent == nil {
			return false
		}
		id = *c.Parent
	}
}

// Graph evaluates capabilities. Reads work on an immutable view and never
// block; writes are serialized and publish a new view.
type Graph struct {
	log     log.Logger
	crypto  effects.CryptoEffects
	keys    journal.KeyResolver
	roots   RootKeys
	members Membership

	mu   sync.Mutex
	view atomic.Pointer[view]
}

// NewGraph returns an empty graph. keys resolves issuer device keys and
// roots the group keys of the recognized authorities.
func NewGraph(l log.Logger, cr effects.CryptoEffects, keys journal.KeyResolver, roots RootKeys, opts ...Option) *Graph {
	g := &Graph{
		log:     l.Named("authority"),
		crypto:  cr,
		keys:    keys,
		roots:   roots,
		members: Direct,
	}
	for _, o := range opts {
		o(g)
	}
	g.view.Store(newView())
	return g
}

// ApplyDelegation inserts c once its signature, parent, scope and expiry are
// valid. Applying a known capability again is a no-op and returns false.
func (g *Graph) ApplyDelegation(c *Capability) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := g.view.Load()
	if _, ok := v.caps[c.ID]; ok {
		return false, nil
	}
	if err := g.validate(v, c); err != nil {
		return false, err
	}
	w := v.clone()
	g.insert(w, c)
	g.view.Store(w)
	return true, nil
}

// Offer is ApplyDelegation for capabilities received out of order: a
// capability whose parent is unknown is kept aside and applied when the
// parent arrives.
func (g *Graph) Offer(c *Capability) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := g.view.Load()
	if _, ok := v.caps[c.ID]; ok {
		return false, nil
	}
	w := v.clone()
	if c.Parent != nil {
		if _, ok := v.caps[*c.Parent]; !ok {
			if err := c.Verify(g.crypto, g.keys); err != nil {
				return false, err
			}
			for _, o := range w.orphans[*c.Parent] {
				if o.ID == c.ID {
					return false, nil
				}
			}
			w.orphans[*c.Parent] = append(slices.Clone(w.orphans[*c.Parent]), c)
			g.view.Store(w)
			g.log.Debugw("capability waiting for parent", "capability", c.ID.Short(), "parent", c.Parent.Short())
			return false, nil
		}
	}
	if err := g.validate(w, c); err != nil {
		return false, err
	}
	g.insert(w, c)
	g.view.Store(w)
	return true, nil
}

// insert adds c to w, then the orphans and revocations that were waiting
// for it.
func (g *Graph) insert(w *view, c *Capability) {
	queue := []*Capability{c}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		w.insert(c)
		for _, r := range w.pending[c.ID] {
			if err := g.entitled(w, r); err != nil {
				g.log.Warnw("dropping revocation", "capability", c.ID.Short(), "issuer", r.Issuer, "err", err)
				continue
			}
			w.revoked[c.ID] = r
			break
		}
		delete(w.pending, c.ID)

		orphans := w.orphans[c.ID]
		delete(w.orphans, c.ID)
		for _, o := range orphans {
			if err := g.validate(w, o); err != nil {
				g.log.Warnw("dropping capability", "capability", o.ID.Short(), "err", err)
				continue
			}
			queue = append(queue, o)
		}
	}
}

// validate checks c against v without modifying it.
func (g *Graph) validate(v *view, c *Capability) error {
	if c.IsRoot() {
		a, ok := c.Subject.Authority()
		if !ok {
			return fmt.Errorf("%w: subject %s", ErrInvalidRoot, c.Subject)
		}
		key, ok := g.roots.GroupKey(a)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRoot, a)
		}
		return c.VerifyRoot(g.crypto, key)
	}
	if err := c.Verify(g.crypto, g.keys); err != nil {
		return err
	}
	parent, ok := v.caps[*c.Parent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParentNotFound, c.Parent.Short())
	}
	if v.tainted(parent.ID) {
		return fmt.Errorf("%w: %s", ErrParentRevoked, parent.ID.Short())
	}
	if !g.members.ActsFor(c.Issuer, parent.Subject) {
		return fmt.Errorf("%w: %s does not act for %s", ErrNotHolder, c.Issuer, parent.Subject)
	}
	if !parent.Scope.Covers(c.Scope) {
		return fmt.Errorf("%w: %s not within %s", ErrScopeEscalation, c.Scope, parent.Scope)
	}
	if parent.Expiry != nil && (c.Expiry == nil || *c.Expiry > *parent.Expiry) {
		return fmt.Errorf("%w: parent expires at %s", ErrExpiryEscalation, parent.Expiry)
	}
	if c.IssuedAt <= parent.IssuedAt {
		return fmt.Errorf("%w: %s <= %s", ErrIssuedBeforeParent, c.IssuedAt, parent.IssuedAt)
	}
	return nil
}

// entitled checks that the issuer of r issued the capability or one of its
// ancestors, or acts for the subject of one of them.
func (g *Graph) entitled(v *view, r *Revocation) error {
	for id := &r.Capability; id != nil; {
		c, ok := v.caps[*id]
		if !ok {
			break
		}
		if c.Issuer == r.Issuer || g.members.ActsFor(r.Issuer, c.Subject) {
			return nil
		}
		id = c.Parent
	}
	return fmt.Errorf("%w: %s on %s", ErrNotRevoker, r.Issuer, r.Capability.Short())
}

// ApplyRevocation marks the capability of r and every descendant as
// revoked. A revocation of a capability not applied yet takes effect when
// the capability arrives. Revoking twice is a no-op.
func (g *Graph) ApplyRevocation(r *Revocation) (bool, error) {
	if err := r.Verify(g.crypto, g.keys); err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	v := g.view.Load()
	if _, ok := v.revoked[r.Capability]; ok {
		return false, nil
	}
	w := v.clone()
	if _, ok := v.caps[r.Capability]; !ok {
		for _, p := range v.pending[r.Capability] {
			if p.Issuer == r.Issuer {
				return false, nil
			}
		}
		w.pending[r.Capability] = append(slices.Clone(w.pending[r.Capability]), r)
		g.view.Store(w)
		return false, nil
	}
	if err := g.entitled(v, r); err != nil {
		return false, err
	}
	w.revoked[r.Capability] = r
	g.view.Store(w)
	g.log.Infow("capability revoked", "capability", r.Capability.Short(), "issuer", r.Issuer,
		"descendants", len(descendants(w, r.Capability)))
	return true, nil
}

// ValidateRevocation reports whether r would take effect now.
func (g *Graph) ValidateRevocation(r *Revocation) error {
	if err := r.Verify(g.crypto, g.keys); err != nil {
		return err
	}
	v := g.view.Load()
	if _, ok := v.caps[r.Capability]; !ok {
		return fmt.Errorf("%w: %s", ErrCapabilityNotFound, r.Capability.Short())
	}
	return g.entitled(v, r)
}

// matches reports whether a capability held by holder applies to subject.
func (g *Graph) matches(subject, holder Subject) bool {
	if subject == holder {
		return true
	}
	d, ok := subject.Device()
	return ok && g.members.ActsFor(d, holder)
}

// Evaluate grants scope to subject at now iff some capability of the subject
// covers scope and its chain up to a recognized root has no revoked nor
// expired link.
func (g *Graph) Evaluate(subject Subject, scope Scope, now common.PhysicalTime) Decision {
	v := g.view.Load()

	var candidates []common.CapabilityID
	for holder, ids := range v.subjects {
		if !g.matches(subject, holder) {
			continue
		}
		for _, id := range ids {
			if v.caps[id].Scope.Covers(scope) {
				candidates = append(candidates, id)
			}
		}
	}
	slices.SortFunc(candidates, common.CapabilityID.Compare)

	d := Decision{Reason: ReasonNoCapability}
	for _, id := range candidates {
		chain, reason := g.walk(v, id, now)
		if reason == ReasonNone {
			d = Decision{Granted: true, Chain: chain}
			break
		}
		if reason < d.Reason {
			d = Decision{Reason: reason, Chain: chain}
		}
	}

	if d.Granted {
		metrics.CapabilityEvaluations.WithLabelValues("granted").Inc()
	} else {
		metrics.CapabilityEvaluations.WithLabelValues("denied").Inc()
		g.log.Debugw("capability denied", "subject", subject, "scope", scope, "reason", d.Reason, "candidates", len(candidates))
	}
	return d
}

// walk follows parents from id to the root. Delegated links had their
// signatures checked when applied; the root is checked against the current
// group key of its authority.
func (g *Graph) walk(v *view, id common.CapabilityID, now common.PhysicalTime) ([]common.CapabilityID, DenyReason) {
	var chain []common.CapabilityID
	for {
		c, ok := v.caps[id]
		if !ok {
			return chain, ReasonUnrecognizedRoot
		}
		chain = append(chain, id)
		if _, revoked := v.revoked[id]; revoked {
			return chain, ReasonRevoked
		}
		if c.Expired(now) {
			return chain, ReasonExpired
		}
		if c.Parent != nil {
			id = *c.Parent
			continue
		}
		a, _ := c.Subject.Authority()
		key, ok := g.roots.GroupKey(a)
		if !ok {
			return chain, ReasonUnrecognizedRoot
		}
		if err := c.VerifyRoot(g.crypto, key); err != nil {
			return chain, ReasonBadSignature
		}
		return chain, ReasonNone
	}
}

// Check evaluates and converts a denial into an error.
func (g *Graph) Check(subject Subject, scope Scope, now common.PhysicalTime) error {
	return g.Evaluate(subject, scope, now).Err()
}

// Validate reports whether c would be accepted by ApplyDelegation.
func (g *Graph) Validate(c *Capability) error {
	return g.validate(g.view.Load(), c)
}

// Capability returns an applied capability.
func (g *Graph) Capability(id common.CapabilityID) (*Capability, error) {
	c, ok := g.view.Load().caps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, id.Short())
	}
	return c, nil
}

// Revoked reports whether id or one of its ancestors is revoked.
func (g *Graph) Revoked(id common.CapabilityID) bool {
	return g.view.Load().tainted(id)
}

// Held lists the capabilities granted directly to subject, revoked or not.
func (g *Graph) Held(subject Subject) []*Capability {
	v := g.view.Load()
	ids := v.subjects[subject]
	out := make([]*Capability, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.caps[id])
	}
	return out
}

// Descendants lists every capability transitively derived from id.
func (g *Graph) Descendants(id common.CapabilityID) []common.CapabilityID {
	return descendants(g.view.Load(), id)
}

func descendants(v *view, id common.CapabilityID) []common.CapabilityID {
	var out []common.CapabilityID
	queue := slices.Clone(v.children[id])
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		out = append(out, c)
		queue = append(queue, v.children[c]...)
	}
	return out
}

// Len is the number of applied capabilities.
func (g *Graph) Len() int { return len(g.view.Load().caps) }
