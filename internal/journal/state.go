package journal

import (
	"fmt"
	"sort"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
)

// Ack is one peer's acknowledgement of holding a fact.
type Ack struct {
	Fact common.FactID   `cbor:"1,keyasint"`
	From common.DeviceID `cbor:"2,keyasint"`
}

// Promotion records a finality increase.
type Promotion struct {
	Fact common.FactID
	From Finality
	To   Finality
}

// State is the replicated journal state of one context. It is a join
// semilattice: facts form a grow-only set whose finality joins by max, tree
// operations a grow-only epoch map with a deterministic tie-break, intents an
// observed-remove set and tombstones and acknowledgements grow-only sets.
//
// States handed out by the journal are immutable snapshots; every mutation
// happens on a Clone.
type State struct {
	Context common.ContextID

	epoch       common.Epoch
	facts       map[common.FactID]*Fact
	ops         map[common.Epoch]TreeOpRecord
	intents     map[common.FactID]struct{}
	tombstones  map[common.FactID][]common.FactID
	acks        map[common.FactID]map[common.DeviceID]struct{}
	consensus   map[common.FactID]Finality
	checkpoints map[common.FactID][]common.FactID
	bridges     map[common.FactID]BridgePayload

	// derived, rebuilt by normalize
	order []*Fact
	tree  *Tree
	dirty bool
}

// NewState returns the empty state of context c.
func NewState(c common.ContextID) *State {
	return &State{
		Context:     c,
		facts:       make(map[common.FactID]*Fact),
		ops:         make(map[common.Epoch]TreeOpRecord),
		intents:     make(map[common.FactID]struct{}),
		tombstones:  make(map[common.FactID][]common.FactID),
		acks:        make(map[common.FactID]map[common.DeviceID]struct{}),
		consensus:   make(map[common.FactID]Finality),
		checkpoints: make(map[common.FactID][]common.FactID),
		bridges:     make(map[common.FactID]BridgePayload),
		tree:        &Tree{},
	}
}

// Clone returns a deep copy. Facts themselves are shared: they are never
// mutated in place.
func (s *State) Clone() *State {
	c := NewState(s.Context)
	c.epoch = s.epoch
	for k, v := range s.facts {
		c.facts[k] = v
	}
	for k, v := range s.ops {
		c.ops[k] = v
	}
	for k := range s.intents {
		c.intents[k] = struct{}{}
	}
	for k, v := range s.tombstones {
		c.tombstones[k] = append([]common.FactID(nil), v...)
	}
	for k, v := range s.acks {
		set := make(map[common.DeviceID]struct{}, len(v))
		for d := range v {
			set[d] = struct{}{}
		}
		c.acks[k] = set
	}
	for k, v := range s.consensus {
		c.consensus[k] = v
	}
	for k, v := range s.checkpoints {
		c.checkpoints[k] = v
	}
	for k, v := range s.bridges {
		c.bridges[k] = v
	}
	c.order = s.order
	c.tree = s.tree
	c.dirty = s.dirty
	return c
}

// Epoch is the current epoch of the scope.
func (s *State) Epoch() common.Epoch { return s.epoch }

// Len is the number of facts.
func (s *State) Len() int { return len(s.facts) }

// Fact returns the fact with the given id.
func (s *State) Fact(id common.FactID) (*Fact, bool) {
	f, ok := s.facts[id]
	return f, ok
}

// Facts lists every fact in (epoch, id) order.
func (s *State) Facts() []*Fact {
	return append([]*Fact(nil), s.sorted()...)
}

// Tree is the reduced authoritative key tree.
func (s *State) Tree() *Tree {
	if s.dirty {
		return Reduce(s.ops)
	}
	return s.tree
}

// Intents lists the staged intents that no tombstone removed.
func (s *State) Intents() []common.FactID {
	out := make([]common.FactID, 0, len(s.intents))
	for id := range s.intents {
		if len(s.tombstones[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Tombstoned reports whether some tombstone targets id.
func (s *State) Tombstoned(id common.FactID) bool { return len(s.tombstones[id]) > 0 }

// Acks lists the acknowledgements of every fact.
func (s *State) Acks() []Ack {
	var out []Ack
	for id, set := range s.acks {
		for d := range set {
			out = append(out, Ack{Fact: id, From: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Fact.Compare(out[j].Fact); c != 0 {
			return c < 0
		}
		return out[i].From.Compare(out[j].From) < 0
	})
	return out
}

// Bridged reports whether a bridge fact of this state references fact of
// context src.
func (s *State) Bridged(src common.ContextID, fact common.FactID) bool {
	for _, b := range s.bridges {
		if b.Source == src && b.Fact == fact {
			return true
		}
	}
	return false
}

// Apply inserts f. It reports whether the state changed. Applying a fact
// already present only joins its finality.
func (s *State) Apply(f *Fact) (bool, error) {
	if f.Context != s.Context {
		return false, fmt.Errorf("%w: %s into %s", ErrContextMismatch, f.Context, s.Context)
	}
	if cur, ok := s.facts[f.ID]; ok {
		if f.Finality.Compare(cur.Finality) <= 0 {
			return false, nil
		}
		c := cur.Clone()
		c.Finality = f.Finality
		s.facts[f.ID] = c
		s.dirty = true
		return true, nil
	}

	switch f.ContentType {
	case ContentTreeOp:
		var op TreeOp
		if err := f.Decode(&op); err != nil {
			return false, err
		}
		rec := newTreeOpRecord(f, op)
		if cur, ok := s.ops[f.Epoch]; !ok || rec.wins(cur) {
			s.ops[f.Epoch] = rec
		}
	case ContentIntent:
		var p IntentPayload
		if err := f.Decode(&p); err != nil {
			return false, err
		}
		s.intents[f.ID] = struct{}{}
	case ContentTombstone:
		var p TombstonePayload
		if err := f.Decode(&p); err != nil {
			return false, err
		}
		s.tombstones[p.Target] = insertID(s.tombstones[p.Target], f.ID)
	case ContentEpochBump:
		var p EpochBumpPayload
		if err := f.Decode(&p); err != nil {
			return false, err
		}
		if p.To > s.epoch {
			s.epoch = p.To
		}
	case ContentConsensus:
		var p ConsensusPayload
		if err := f.Decode(&p); err != nil {
			return false, err
		}
		fin := Consensus(int(p.Quorum))
		for _, id := range p.Facts {
			s.consensus[id] = s.consensus[id].Join(fin)
		}
		s.consensus[f.ID] = s.consensus[f.ID].Join(fin)
	case ContentConsensusFailed:
		var p ConsensusFailedPayload
		if err := f.Decode(&p); err != nil {
			return false, err
		}
	case ContentCheckpoint:
		var p CheckpointPayload
		if err := f.Decode(&p); err != nil {
			return false, err
		}
		s.checkpoints[f.ID] = p.Covered
	case ContentBridge:
		var p BridgePayload
		if err := f.Decode(&p); err != nil {
			return false, err
		}
		if p.Source == s.Context {
			return false, fmt.Errorf("%w: bridge into its own context", ErrMalformedPayload)
		}
		s.bridges[f.ID] = p
	}

	if f.Epoch > s.epoch {
		s.epoch = f.Epoch
	}
	c := f.Clone()
	c.RetractedAt = nil
	s.facts[f.ID] = c
	s.dirty = true
	return true, nil
}

// AddAck records that from holds fact id. Acknowledgements by the author or
// for unknown facts are ignored.
func (s *State) AddAck(id common.FactID, from common.DeviceID) bool {
	f, ok := s.facts[id]
	if !ok || f.Author == from {
		return false
	}
	set, ok := s.acks[id]
	if !ok {
		set = make(map[common.DeviceID]struct{})
		s.acks[id] = set
	}
	if _, ok := set[from]; ok {
		return false
	}
	set[from] = struct{}{}
	s.dirty = true
	return true
}

// normalize applies the finality derived from acknowledgements, consensus
// and checkpoint facts and rebuilds the cached order and tree. The derived
// finality is a monotone function of the state, so normalize commutes with
// Join.
func (s *State) normalize() []Promotion {
	var out []Promotion
	raise := func(id common.FactID, fin Finality) {
		f, ok := s.facts[id]
		if !ok || fin.Compare(f.Finality) <= 0 {
			return
		}
		c := f.Clone()
		c.Finality = fin
		s.facts[id] = c
		out = append(out, Promotion{Fact: id, From: f.Finality, To: fin})
	}
	for id, set := range s.acks {
		if len(set) > 0 {
			raise(id, Replicated(len(set)))
		}
	}
	for id, fin := range s.consensus {
		raise(id, fin)
	}
	for cp, covered := range s.checkpoints {
		promo := Checkpointed()
		if f, ok := s.facts[cp]; ok && f.Finality.Level >= LevelConsensus {
			promo = Archived()
		}
		for _, id := range covered {
			raise(id, promo)
		}
	}

	s.order = s.computeOrder()
	s.tree = Reduce(s.ops)
	s.dirty = false

	sort.Slice(out, func(i, j int) bool { return out[i].Fact.Compare(out[j].Fact) < 0 })
	return out
}

func (s *State) computeOrder() []*Fact {
	order := make([]*Fact, 0, len(s.facts))
	for _, f := range s.facts {
		order = append(order, f)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })
	return order
}

func (s *State) sorted() []*Fact {
	if s.dirty || len(s.order) != len(s.facts) {
		return s.computeOrder()
	}
	return s.order
}

// Join returns the least upper bound of a and b. Neither input is modified.
func Join(a, b *State) (*State, error) {
	if a.Context != b.Context {
		return nil, fmt.Errorf("%w: joining %s with %s", ErrContextMismatch, a.Context, b.Context)
	}
	out := a.Clone()
	for _, f := range b.sorted() {
		if _, err := out.Apply(f); err != nil {
			return nil, err
		}
	}
	for id, set := range b.acks {
		for d := range set {
			out.AddAck(id, d)
		}
	}
	out.normalize()
	return out, nil
}

// Hash is the digest of the facts included at p.
func (s *State) Hash(p TemporalPoint) (common.Hash32, error) {
	if p.Kind == PointCheckpoint {
		cp, err := s.checkpoint(p.Fact)
		if err != nil {
			return common.Hash32{}, err
		}
		return cp.StateHash, nil
	}
	in, err := s.cutoff(p)
	if err != nil {
		return common.Hash32{}, err
	}
	return s.hashWhere(in), nil
}

func (s *State) hashWhere(in cutoff) common.Hash32 {
	parts := [][]byte{s.Context.UUID[:]}
	for _, f := range s.sorted() {
		if in(f) {
			id := f.ID
			parts = append(parts, id.Hash32[:])
		}
	}
	return common.HashWith(common.DomainState, parts...)
}

// Digest covers everything, finality and acknowledgements included. Two
// replicas with equal digests hold identical states.
func (s *State) Digest() common.Hash32 {
	type entry struct {
		ID       common.FactID     `cbor:"1,keyasint"`
		Finality Finality          `cbor:"2,keyasint"`
		Acks     []common.DeviceID `cbor:"3,keyasint,omitempty"`
	}
	type digest struct {
		Context common.ContextID `cbor:"1,keyasint"`
		Epoch   common.Epoch     `cbor:"2,keyasint"`
		Facts   []entry          `cbor:"3,keyasint"`
		Tree    common.Hash32    `cbor:"4,keyasint"`
	}
	d := digest{Context: s.Context, Epoch: s.epoch, Tree: s.Tree().Commitment}
	for _, f := range s.sorted() {
		e := entry{ID: f.ID, Finality: f.Finality}
		for a := range s.acks[f.ID] {
			e.Acks = append(e.Acks, a)
		}
		sort.Slice(e.Acks, func(i, j int) bool { return e.Acks[i].Compare(e.Acks[j]) < 0 })
		d.Facts = append(d.Facts, e)
	}
	return common.HashWith(common.DomainState, codec.MustMarshal(d))
}

// Query returns the facts selected by q in (epoch, id) order.
func (s *State) Query(q TemporalQuery) ([]*Fact, error) {
	asOf, err := s.cutoff(q.AsOf)
	if err != nil {
		return nil, err
	}
	var since cutoff
	if q.Since != nil {
		if since, err = s.cutoff(*q.Since); err != nil {
			return nil, err
		}
	}
	var out []*Fact
	for _, f := range s.sorted() {
		if !asOf(f) || (since != nil && since(f)) {
			continue
		}
		if q.ContentType != "" && f.ContentType != q.ContentType {
			continue
		}
		if t, ok := s.retraction(f.ID, asOf); ok {
			if !q.History {
				continue
			}
			v := f.Clone()
			v.RetractedAt = &t
			out = append(out, v)
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// retraction gives the earliest retraction of id visible at the cutoff.
func (s *State) retraction(id common.FactID, in cutoff) (common.PhysicalTime, bool) {
	var at common.PhysicalTime
	found := false
	for _, tid := range s.tombstones[id] {
		t, ok := s.facts[tid]
		if !ok || !in(t) {
			continue
		}
		if !found || t.AssertedAt < at {
			at, found = t.AssertedAt, true
		}
	}
	return at, found
}

func (s *State) checkpoint(id common.FactID) (*CheckpointPayload, error) {
	f, ok := s.facts[id]
	if !ok || f.ContentType != ContentCheckpoint {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id.Short())
	}
	cp := new(CheckpointPayload)
	if err := f.Decode(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// VerifyCheckpoint recomputes the state hash recorded by checkpoint id.
func (s *State) VerifyCheckpoint(id common.FactID) error {
	cp, err := s.checkpoint(id)
	if err != nil {
		return err
	}
	set := make(map[common.FactID]struct{}, len(cp.Facts))
	for _, fid := range cp.Facts {
		if _, ok := s.facts[fid]; !ok {
			return fmt.Errorf("%w: %s", ErrCheckpointIncomplete, fid.Short())
		}
		set[fid] = struct{}{}
	}
	got := s.hashWhere(func(f *Fact) bool {
		_, ok := set[f.ID]
		return ok
	})
	if got != cp.StateHash {
		return fmt.Errorf("%w: checkpoint %s", ErrStateHashMismatch, id.Short())
	}
	return nil
}

func insertID(ids []common.FactID, id common.FactID) []common.FactID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i].Compare(id) >= 0 })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, common.FactID{})
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
