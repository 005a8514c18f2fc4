package journal

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/metrics"
	"github.com/hxrts/aura-sub023/internal/util"
)

// DefaultWaitTimeout bounds WaitForFinality when the context has no deadline.
const DefaultWaitTimeout = time.Minute

// TransactionID identifies a committed transaction.
type TransactionID struct{ common.Hash32 }

// Transaction is a group of operations applied atomically to one scope.
type Transaction struct {
	Scope common.ContextID
	Ops   []FactOp
	// Required is the finality the caller waits for. Consensus or higher
	// runs the consensus driver.
	Required Finality
	// BaseEpoch, when set, must equal the scope epoch once Merge is joined or
	// the transaction is rejected with ErrTransactionConflict.
	BaseEpoch *common.Epoch
	// Merge are remote facts joined into the scope in the same atomic step,
	// ahead of Ops. A fact failing validation fails the transaction.
	Merge []*Fact
}

// FactReceipt acknowledges one appended fact.
type FactReceipt struct {
	FactID  common.FactID
	Scope   common.ContextID
	Epoch   common.Epoch
	Initial Finality
	// Target is the finality the scope configuration expects for the fact.
	Target Finality
}

// TransactionReceipt acknowledges a transaction.
type TransactionReceipt struct {
	ID    TransactionID
	Scope common.ContextID
	Facts []FactReceipt
	// Finality is the lowest finality among the facts when the call returned.
	Finality  Finality
	Consensus *common.FactID
	// Merged counts the remote facts of Merge that were new to the scope.
	Merged int
}

// FactIDs lists the facts of the transaction in application order.
func (r *TransactionReceipt) FactIDs() []common.FactID {
	ids := make([]common.FactID, len(r.Facts))
	for i, f := range r.Facts {
		ids[i] = f.FactID
	}
	return ids
}

// MergeReport summarizes a merge of remote facts.
type MergeReport struct {
	Added    int
	Acks     int
	Rejected int
	// Err aggregates the reasons facts were rejected.
	Err error
}

// EventKind enumerates journal notifications.
type EventKind uint8

const (
	EventFactApplied EventKind = iota
	EventFinality
	EventScopeConfigured
)

// Event is published for every new fact, finality promotion and scope
// configuration.
type Event struct {
	Kind     EventKind
	Scope    common.ContextID
	Fact     *Fact
	Finality Finality
}

// Authorizer decides whether the local device may write a content type to a
// scope.
type Authorizer interface {
	AuthorizeWrite(scope common.ContextID, author common.DeviceID, contentType string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(scope common.ContextID, author common.DeviceID, contentType string) error

func (f AuthorizerFunc) AuthorizeWrite(scope common.ContextID, author common.DeviceID, contentType string) error {
	return f(scope, author, contentType)
}

// Option configures a Journal.
type Option func(*Journal)

// WithAuthorizer installs a write authorizer.
func WithAuthorizer(a Authorizer) Option { return func(j *Journal) { j.authz = a } }

// WithConsensus installs the driver used for transactions requiring
// consensus finality.
func WithConsensus(d ConsensusDriver) Option { return func(j *Journal) { j.consensus = d } }

// WithWaitTimeout sets the default WaitForFinality deadline.
func WithWaitTimeout(d time.Duration) Option { return func(j *Journal) { j.waitTimeout = d } }

type txRecord struct {
	scope common.ContextID
	facts []common.FactID
}

// snapshot is the immutable view readers get.
type snapshot struct {
	states     map[common.ContextID]*State
	scopes     map[common.ContextID]ScopeConfig
	raw        map[common.ContextID]ScopeConfig
	txs        map[TransactionID]txRecord
	quarantine map[common.ContextID]error
}

type waiter struct {
	target Finality
	ch     chan Finality
}

type command struct {
	ctx   context.Context
	fn    func(w *writer) error
	reply chan error
}

// Journal owns the fact logs of every scope of the device. A single
// supervisor goroutine applies every write; readers get immutable snapshots
// and never block on writers.
type Journal struct {
	log         log.Logger
	fx          *effects.Effects
	signer      Signer
	keys        KeyResolver
	store       Store
	authz       Authorizer
	consensus   ConsensusDriver
	waitTimeout time.Duration

	snap    atomic.Pointer[snapshot]
	cmds    chan command
	events  *util.FanOutChan[Event]
	waiters map[common.FactID][]*waiter

	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New loads every scope from store and starts the supervisor. The journal
// owns the store from now on.
func New(ctx context.Context, l log.Logger, store Store, fx *effects.Effects, signer Signer, keys KeyResolver, opts ...Option) (*Journal, error) {
	ctx, span := metrics.NewSpan(ctx, "journal.New")
	defer span.End()

	j := &Journal{
		log:         l.Named("journal"),
		fx:          fx,
		signer:      signer,
		keys:        keys,
		store:       store,
		waitTimeout: DefaultWaitTimeout,
		cmds:        make(chan command),
		events:      util.NewFanOutChan[Event](),
		waiters:     make(map[common.FactID][]*waiter),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(j)
	}

	snap, err := j.load(ctx)
	if err != nil {
		return nil, err
	}
	j.snap.Store(snap)
	go j.run()
	return j, nil
}

func (j *Journal) load(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{
		states:     make(map[common.ContextID]*State),
		scopes:     make(map[common.ContextID]ScopeConfig),
		raw:        make(map[common.ContextID]ScopeConfig),
		txs:        make(map[TransactionID]txRecord),
		quarantine: make(map[common.ContextID]error),
	}
	cfgs, err := j.store.Scopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading scopes: %w", err)
	}
	for _, c := range cfgs {
		snap.raw[c.Scope] = c
	}
	for _, c := range cfgs {
		snap.scopes[c.Scope] = effective(snap.raw, c)
		st := NewState(c.Scope)
		facts, err := j.store.Context(ctx, c.Scope)
		if err != nil {
			return nil, fmt.Errorf("replaying scope %s: %w", c.Scope, err)
		}
		for _, f := range facts {
			if _, err := st.Apply(f); err != nil {
				j.log.Errorw("quarantining scope", "scope", c.Scope, "fact", f.ID, "err", err)
				snap.quarantine[c.Scope] = err
				break
			}
		}
		st.normalize()
		snap.states[c.Scope] = st
	}
	j.log.Infow("journal loaded", "scopes", len(cfgs))
	return snap, nil
}

// effective resolves the parent chain of c.
func effective(raw map[common.ContextID]ScopeConfig, c ScopeConfig) ScopeConfig {
	seen := map[common.ContextID]bool{c.Scope: true}
	out := c
	for p := c.Parent; p != nil; {
		parent, ok := raw[*p]
		if !ok || seen[*p] {
			break
		}
		seen[*p] = true
		out = out.inherit(parent)
		p = parent.Parent
	}
	return out
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		select {
		case c := <-j.cmds:
			c.reply <- j.exec(c)
		case <-j.closing:
			return
		}
	}
}

// do runs fn on the supervisor. Once submitted, the command always runs to
// completion so that a returned error means no mutation happened.
func (j *Journal) do(ctx context.Context, fn func(w *writer) error) error {
	c := command{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case j.cmds <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-j.closing:
		return ErrClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-j.done:
		return ErrClosed
	}
}

func (j *Journal) exec(c command) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	w := j.begin()
	if err := c.fn(w); err != nil {
		return err
	}
	return j.commit(c.ctx, w)
}

// Close stops the supervisor, closes every subscription and the store.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.closing)
		<-j.done
		for id, ws := range j.waiters {
			for _, w := range ws {
				close(w.ch)
			}
			delete(j.waiters, id)
		}
		j.events.Close()
		err = j.store.Close()
	})
	return err
}

// Subscribe returns a channel of journal events. Subscribers must keep
// draining it until it is closed.
func (j *Journal) Subscribe() <-chan Event {
	return j.events.Listen()
}

// Device is the local device writing facts.
func (j *Journal) Device() common.DeviceID { return j.signer.Device() }

// ConfigureScope creates or reconfigures a scope. Constraints of the parent
// cascade to the scope and from the scope to its children.
func (j *Journal) ConfigureScope(ctx context.Context, cfg ScopeConfig) error {
	ctx, span := metrics.NewSpan(ctx, "journal.ConfigureScope")
	defer span.End()

	return j.do(ctx, func(w *writer) error {
		if cfg.Parent != nil {
			if *cfg.Parent == cfg.Scope {
				return fmt.Errorf("journal: scope %s cannot be its own parent", cfg.Scope)
			}
			if _, ok := w.raw[*cfg.Parent]; !ok {
				return fmt.Errorf("%w: parent %s", ErrScopeNotFound, *cfg.Parent)
			}
		}
		w.configure(cfg)
		return nil
	})
}

// ApplyOp appends one fact to scope. The fact is applied and persisted
// immediately with Local finality.
func (j *Journal) ApplyOp(ctx context.Context, scope common.ContextID, op FactOp) (FactReceipt, error) {
	ctx, span := metrics.NewSpan(ctx, "journal.ApplyOp")
	defer span.End()
	span.SetAttributes(attribute.String("op", op.Kind.String()))

	var rcpt FactReceipt
	err := j.do(ctx, func(w *writer) error {
		st, err := w.state(scope)
		if err != nil {
			return err
		}
		f, err := j.build(st, op)
		if err != nil {
			return err
		}
		if err := w.apply(st, f); err != nil {
			return err
		}
		rcpt = w.receipt(st, f)
		return nil
	})
	if err != nil {
		return rcpt, err
	}
	metrics.JournalFacts.WithLabelValues(op.Kind.String()).Inc()
	j.log.Debugw("applied", "scope", scope, "op", op.Kind, "fact", rcpt.FactID.Short())
	return rcpt, nil
}

// Checkpoint records the current state hash of scope.
func (j *Journal) Checkpoint(ctx context.Context, scope common.ContextID) (FactReceipt, error) {
	return j.ApplyOp(ctx, scope, CheckpointOp())
}

// ApplyTransaction applies every operation of tx or none of them, then waits
// for the required finality. When the required finality cannot be reached
// the facts stay applied with their current finality and the error says so.
func (j *Journal) ApplyTransaction(ctx context.Context, tx Transaction) (TransactionReceipt, error) {
	ctx, span := metrics.NewSpan(ctx, "journal.ApplyTransaction")
	defer span.End()

	rc := TransactionReceipt{Scope: tx.Scope}
	if len(tx.Ops) == 0 && len(tx.Merge) == 0 {
		return rc, ErrEmptyTransaction
	}
	incoming := append([]*Fact(nil), tx.Merge...)
	sort.Slice(incoming, func(i, k int) bool { return incoming[i].Less(incoming[k]) })

	err := j.do(ctx, func(w *writer) error {
		st, err := w.state(tx.Scope)
		if err != nil {
			return err
		}
		cfg := w.scopes[tx.Scope]
		if err := cfg.Validate(tx.Required); err != nil {
			return err
		}
		rc.Merged = 0
		for _, in := range incoming {
			added, err := j.join(w, st, &cfg, in)
			if err != nil {
				return fmt.Errorf("merged fact %s: %w", in.ID.Short(), err)
			}
			if added {
				rc.Merged++
			}
		}
		if tx.BaseEpoch != nil && *tx.BaseEpoch != st.Epoch() {
			metrics.TransactionConflicts.Inc()
			return fmt.Errorf("%w: base %d, current %d", ErrTransactionConflict, *tx.BaseEpoch, st.Epoch())
		}
		rc.Facts = rc.Facts[:0]
		for i, op := range tx.Ops {
			f, err := j.build(st, op)
			if err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
			if err := w.apply(st, f); err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
			rc.Facts = append(rc.Facts, w.receipt(st, f))
		}
		if len(rc.Facts) > 0 {
			rc.ID = transactionID(tx.Scope, rc.FactIDs())
			w.addTx(rc.ID, txRecord{scope: tx.Scope, facts: rc.FactIDs()})
		}
		return nil
	})
	if err != nil {
		return TransactionReceipt{Scope: tx.Scope}, err
	}
	for _, op := range tx.Ops {
		metrics.JournalFacts.WithLabelValues(op.Kind.String()).Inc()
	}
	metrics.JournalFacts.WithLabelValues("merge").Add(float64(rc.Merged))

	ids := rc.FactIDs()
	switch {
	case tx.Required.Level >= LevelConsensus && len(ids) > 0:
		id, err := j.finalize(ctx, tx.Scope, ids, tx.Required)
		rc.Finality = j.lowest(tx.Scope, ids)
		if err != nil {
			return rc, err
		}
		rc.Consensus = &id
	case tx.Required.Level > LevelLocal:
		for _, id := range ids {
			if _, err := j.WaitForFinality(ctx, id, tx.Required); err != nil {
				rc.Finality = j.lowest(tx.Scope, ids)
				return rc, err
			}
		}
	}
	rc.Finality = j.lowest(tx.Scope, ids)
	return rc, nil
}

func transactionID(scope common.ContextID, ids []common.FactID) TransactionID {
	parts := [][]byte{[]byte("tx"), scope.UUID[:]}
	for _, id := range ids {
		id := id
		parts = append(parts, id.Hash32[:])
	}
	return TransactionID{common.HashWith(common.DomainFact, parts...)}
}

// finalize obtains a consensus proof and commits the consensus fact. A failed
// attempt is recorded as a ConsensusFailed fact.
func (j *Journal) finalize(ctx context.Context, scope common.ContextID, ids []common.FactID, required Finality) (common.FactID, error) {
	ctx, span := metrics.NewSpan(ctx, "journal.finalize")
	defer span.End()

	if j.consensus == nil {
		return common.FactID{}, ErrNoConsensusDriver
	}
	msg := ConsensusMessage(scope, ids)
	proof, err := j.consensus.Finalize(ctx, scope, ids, msg)
	if err == nil {
		cfg, _ := j.Scope(scope)
		if proof.Quorum < required.Count {
			err = fmt.Errorf("%w: quorum %d below required %d", ErrBadConsensus, proof.Quorum, required.Count)
		} else {
			err = j.checkProof(&cfg, msg, proof)
		}
	}
	if err != nil {
		j.log.Warnw("consensus failed", "scope", scope, "facts", len(ids), "err", err)
		j.recordConsensusFailure(context.WithoutCancel(ctx), scope, ids, err)
		return common.FactID{}, fmt.Errorf("%w: %v", ErrConsensusFailed, err)
	}

	payload := codec.MustMarshal(ConsensusPayload{
		Facts:     sortedIDs(ids),
		Quorum:    proof.Quorum,
		GroupKey:  proof.GroupKey,
		Signature: proof.Signature,
	})
	rcpt, err := j.ApplyOp(context.WithoutCancel(ctx), scope, Assert(ContentConsensus, payload))
	if err != nil {
		return common.FactID{}, err
	}
	return rcpt.FactID, nil
}

func (j *Journal) checkProof(cfg *ScopeConfig, msg []byte, p *ConsensusProof) error {
	if p.Quorum < cfg.Quorum {
		return fmt.Errorf("%w: quorum %d below scope quorum %d", ErrBadConsensus, p.Quorum, cfg.Quorum)
	}
	if len(cfg.ConsensusKey) > 0 && !bytes.Equal(cfg.ConsensusKey, p.GroupKey) {
		return fmt.Errorf("%w: unexpected group key", ErrBadConsensus)
	}
	if err := j.fx.Crypto.VerifyThreshold(p.GroupKey, msg, p.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadConsensus, err)
	}
	return nil
}

func (j *Journal) recordConsensusFailure(ctx context.Context, scope common.ContextID, ids []common.FactID, reason error) {
	payload := codec.MustMarshal(ConsensusFailedPayload{Facts: sortedIDs(ids), Reason: reason.Error()})
	if _, err := j.ApplyOp(ctx, scope, Assert(ContentConsensusFailed, payload)); err != nil {
		j.log.Errorw("recording consensus failure", "scope", scope, "err", err)
	}
	if _, err := j.RecordEvidence(ctx, scope, "consensus_failed", "", payload); err != nil {
		j.log.Errorw("recording consensus failure evidence", "scope", scope, "err", err)
	}
}

// WaitForFinality blocks until fact id reaches target, the context is done or
// the default wait timeout fires.
func (j *Journal) WaitForFinality(ctx context.Context, id common.FactID, target Finality) (Finality, error) {
	ctx, span := metrics.NewSpan(ctx, "journal.WaitForFinality")
	defer span.End()

	ch := make(chan Finality, 1)
	wt := &waiter{target: target, ch: ch}
	err := j.do(ctx, func(w *writer) error {
		f, err := w.find(id)
		if err != nil {
			return err
		}
		if f.Finality.Satisfies(target) {
			ch <- f.Finality
			return nil
		}
		w.afterCommit(func() { j.waiters[id] = append(j.waiters[id], wt) })
		return nil
	})
	if err != nil {
		return Finality{}, err
	}

	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok && j.waitTimeout > 0 {
		timeout = j.fx.Clock.After(j.waitTimeout)
	}
	var cause error
	select {
	case fin, ok := <-ch:
		if !ok {
			return Finality{}, ErrClosed
		}
		return fin, nil
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timeout:
		cause = fmt.Errorf("no finality after %s", j.waitTimeout)
	}

	_ = j.do(context.Background(), func(*writer) error {
		j.dropWaiter(id, wt)
		return nil
	})
	select {
	case fin, ok := <-ch:
		if ok {
			return fin, nil
		}
	default:
	}
	cur, _ := j.Fact(id)
	achieved := Local()
	if cur != nil {
		achieved = cur.Finality
	}
	return achieved, fmt.Errorf("%w: %s reached %s, wanted %s: %v", ErrFinalityTimeout, id.Short(), achieved, target, cause)
}

func (j *Journal) dropWaiter(id common.FactID, wt *waiter) {
	ws := j.waiters[id]
	for i, w := range ws {
		if w == wt {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(j.waiters, id)
	} else {
		j.waiters[id] = ws
	}
}

// RecordAck notes that peer from holds fact id.
func (j *Journal) RecordAck(ctx context.Context, scope common.ContextID, id common.FactID, from common.DeviceID) error {
	return j.do(ctx, func(w *writer) error {
		st, err := w.state(scope)
		if err != nil {
			return err
		}
		cfg := w.scopes[scope]
		if !cfg.observer(from) {
			return fmt.Errorf("%w: %s is not an observer of %s", ErrNotAuthorized, from, scope)
		}
		if _, ok := st.Fact(id); !ok {
			return fmt.Errorf("%w: %s", ErrFactNotFound, id.Short())
		}
		st.AddAck(id, from)
		return nil
	})
}

// Merge joins remote facts and acknowledgements into scope. Facts failing
// validation are rejected individually and recorded as evidence; finality
// claimed by the remote is ignored and re-derived locally.
func (j *Journal) Merge(ctx context.Context, scope common.ContextID, facts []*Fact, acks []Ack) (MergeReport, error) {
	ctx, span := metrics.NewSpan(ctx, "journal.Merge")
	defer span.End()

	incoming := append([]*Fact(nil), facts...)
	sort.Slice(incoming, func(i, k int) bool { return incoming[i].Less(incoming[k]) })

	var rep MergeReport
	err := j.do(ctx, func(w *writer) error {
		rep = MergeReport{}
		st, err := w.state(scope)
		if err != nil {
			return err
		}
		cfg := w.scopes[scope]
		var errs *multierror.Error
		for _, in := range incoming {
			if _, ok := st.Fact(in.ID); ok {
				continue
			}
			f := in.Clone()
			f.Finality = Local()
			if err := j.admit(st, &cfg, f); err != nil {
				rep.Rejected++
				errs = multierror.Append(errs, err)
				if everr := j.evidence(w, scope, "rejected_fact", f.Author.String(), []byte(err.Error())); everr != nil {
					return everr
				}
				continue
			}
			if err := w.apply(st, f); err != nil {
				rep.Rejected++
				errs = multierror.Append(errs, err)
				continue
			}
			rep.Added++
		}
		for _, a := range acks {
			if cfg.observer(a.From) && st.AddAck(a.Fact, a.From) {
				rep.Acks++
			}
		}
		rep.Err = errs.ErrorOrNil()
		return nil
	})
	if err != nil {
		return rep, err
	}
	metrics.JournalMerges.Inc()
	metrics.JournalFacts.WithLabelValues("merge").Add(float64(rep.Added))
	if rep.Rejected > 0 {
		j.log.Warnw("merge rejected facts", "scope", scope, "rejected", rep.Rejected, "err", rep.Err)
	}
	return rep, nil
}

// MergeState joins a remote snapshot of the same scope.
func (j *Journal) MergeState(ctx context.Context, remote *State) (MergeReport, error) {
	return j.Merge(ctx, remote.Context, remote.Facts(), remote.Acks())
}

// join admits and applies a remote fact, dropping the finality it claims. It
// reports whether the fact was new.
func (j *Journal) join(w *writer, st *State, cfg *ScopeConfig, in *Fact) (bool, error) {
	if _, ok := st.Fact(in.ID); ok {
		return false, nil
	}
	f := in.Clone()
	f.Finality = Local()
	if err := j.admit(st, cfg, f); err != nil {
		return false, err
	}
	if err := w.apply(st, f); err != nil {
		return false, err
	}
	return true, nil
}

func (j *Journal) admit(st *State, cfg *ScopeConfig, f *Fact) error {
	if f.Context != st.Context {
		return fmt.Errorf("%w: %s into %s", ErrContextMismatch, f.Context, st.Context)
	}
	if err := f.Verify(j.fx.Crypto, j.keys); err != nil {
		return err
	}
	if f.ContentType == ContentConsensus {
		var p ConsensusPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		proof := &ConsensusProof{Quorum: p.Quorum, GroupKey: p.GroupKey, Signature: p.Signature}
		if err := j.checkProof(cfg, ConsensusMessage(st.Context, p.Facts), proof); err != nil {
			return err
		}
	}
	return nil
}

// RecordEvidence appends an evidence fact about scope to its evidence
// context, creating the evidence context if needed.
func (j *Journal) RecordEvidence(ctx context.Context, scope common.ContextID, kind, subject string, detail []byte) (FactReceipt, error) {
	ctx, span := metrics.NewSpan(ctx, "journal.RecordEvidence")
	defer span.End()

	var rcpt FactReceipt
	err := j.do(ctx, func(w *writer) error {
		f, err := j.evidenceFact(w, scope, kind, subject, detail)
		if err != nil {
			return err
		}
		st, _ := w.state(f.Context)
		rcpt = w.receipt(st, f)
		return nil
	})
	if err == nil {
		j.log.Infow("evidence recorded", "scope", scope, "kind", kind, "subject", subject)
	}
	return rcpt, err
}

func (j *Journal) evidence(w *writer, scope common.ContextID, kind, subject string, detail []byte) error {
	_, err := j.evidenceFact(w, scope, kind, subject, detail)
	return err
}

func (j *Journal) evidenceFact(w *writer, scope common.ContextID, kind, subject string, detail []byte) (*Fact, error) {
	ev := common.EvidenceContext(scope)
	if _, ok := w.raw[ev]; !ok {
		w.configure(DefaultScope(ev))
	}
	st, err := w.state(ev)
	if err != nil {
		return nil, err
	}
	payload := codec.MustMarshal(EvidencePayload{Context: scope, Subject: subject, Detail: detail})
	f := j.newFact(st, ContentEvidencePrefix+kind, payload)
	f.Seal(j.signer)
	if err := w.apply(st, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Quarantine refuses every further write to scope.
func (j *Journal) Quarantine(ctx context.Context, scope common.ContextID, reason error) error {
	return j.do(ctx, func(w *writer) error {
		w.setQuarantine(scope, reason)
		return nil
	})
}

func (j *Journal) newFact(st *State, contentType string, payload []byte) *Fact {
	return &Fact{
		Context:       st.Context,
		Epoch:         st.Epoch(),
		AssertedAt:    j.fx.Now(),
		ContentType:   contentType,
		SchemaVersion: SchemaVersion,
		Payload:       payload,
		Finality:      Local(),
	}
}

// build turns an operation into a sealed fact against st.
func (j *Journal) build(st *State, op FactOp) (*Fact, error) {
	var f *Fact
	switch op.Kind {
	case OpAssert:
		if op.ContentType == "" {
			return nil, fmt.Errorf("journal: assert without content type")
		}
		f = j.newFact(st, op.ContentType, op.Payload)
	case OpTombstone:
		if _, ok := st.Fact(op.Target); !ok {
			return nil, fmt.Errorf("%w: tombstone target %s", ErrFactNotFound, op.Target.Short())
		}
		f = j.newFact(st, ContentTombstone, codec.MustMarshal(TombstonePayload{Target: op.Target, Reason: op.Reason}))
	case OpEpochBump:
		if op.Epoch <= st.Epoch() {
			return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidEpochBump, st.Epoch(), op.Epoch)
		}
		f = j.newFact(st, ContentEpochBump, codec.MustMarshal(EpochBumpPayload{From: st.Epoch(), To: op.Epoch}))
		f.Epoch = op.Epoch
	case OpCheckpoint:
		cp := CheckpointPayload{Epoch: st.Epoch(), StateHash: st.hashWhere(func(*Fact) bool { return true })}
		for _, g := range st.sorted() {
			cp.Facts = append(cp.Facts, g.ID)
			if g.Epoch < st.Epoch() && g.Finality.Level >= LevelConsensus {
				cp.Covered = append(cp.Covered, g.ID)
			}
		}
		f = j.newFact(st, ContentCheckpoint, codec.MustMarshal(cp))
	default:
		return nil, fmt.Errorf("journal: unknown operation %d", op.Kind)
	}
	if j.authz != nil {
		if err := j.authz.AuthorizeWrite(st.Context, j.signer.Device(), f.ContentType); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
		}
	}
	f.Seal(j.signer)
	return f, nil
}

func (j *Journal) lowest(scope common.ContextID, ids []common.FactID) Finality {
	st, err := j.Snapshot(scope)
	if err != nil || len(ids) == 0 {
		return Local()
	}
	var low *Finality
	for _, id := range ids {
		f, ok := st.Fact(id)
		if !ok {
			continue
		}
		if low == nil || f.Finality.Compare(*low) < 0 {
			fin := f.Finality
			low = &fin
		}
	}
	if low == nil {
		return Local()
	}
	return *low
}

// Snapshot returns the immutable current state of scope.
func (j *Journal) Snapshot(scope common.ContextID) (*State, error) {
	snap := j.snap.Load()
	st, ok := snap.states[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	return st, nil
}

// Scope returns the effective configuration of scope.
func (j *Journal) Scope(scope common.ContextID) (ScopeConfig, error) {
	snap := j.snap.Load()
	cfg, ok := snap.scopes[scope]
	if !ok {
		return ScopeConfig{}, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	return cfg, nil
}

// Scopes lists every known scope.
func (j *Journal) Scopes() []common.ContextID {
	snap := j.snap.Load()
	out := make([]common.ContextID, 0, len(snap.states))
	for c := range snap.states {
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Compare(out[k]) < 0 })
	return out
}

// Quarantined returns the reason scope is quarantined, if it is.
func (j *Journal) Quarantined(scope common.ContextID) error {
	return j.snap.Load().quarantine[scope]
}

// Epoch is the current epoch of scope.
func (j *Journal) Epoch(scope common.ContextID) (common.Epoch, error) {
	st, err := j.Snapshot(scope)
	if err != nil {
		return 0, err
	}
	return st.Epoch(), nil
}

// Tree is the reduced key tree of scope.
func (j *Journal) Tree(scope common.ContextID) (*Tree, error) {
	st, err := j.Snapshot(scope)
	if err != nil {
		return nil, err
	}
	return st.Tree(), nil
}

// Fact looks a fact up in every scope.
func (j *Journal) Fact(id common.FactID) (*Fact, error) {
	for _, st := range j.snap.Load().states {
		if f, ok := st.Fact(id); ok {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFactNotFound, id.Short())
}

// Resolve returns fact id as visible from scope: either a fact of scope
// itself, or a fact of another context that a bridge fact of scope
// references.
func (j *Journal) Resolve(scope common.ContextID, id common.FactID) (*Fact, error) {
	snap := j.snap.Load()
	st, ok := snap.states[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	if f, ok := st.Fact(id); ok {
		return f, nil
	}
	for src, other := range snap.states {
		if src == scope {
			continue
		}
		if f, ok := other.Fact(id); ok {
			if st.Bridged(src, id) {
				return f, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrNotBridged, id.Short())
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFactNotFound, id.Short())
}

// resolve turns a transaction point into a fact point.
func (snap *snapshot) resolve(p TemporalPoint) (TemporalPoint, error) {
	if p.Kind != PointTransaction {
		return p, nil
	}
	tx, ok := snap.txs[p.Tx]
	if !ok || len(tx.facts) == 0 {
		return p, fmt.Errorf("%w: %s", ErrTransactionNotFound, p.Tx.Short())
	}
	st := snap.states[tx.scope]
	last := tx.facts[0]
	lf, _ := st.Fact(last)
	for _, id := range tx.facts[1:] {
		if f, ok := st.Fact(id); ok && (lf == nil || lf.Less(f)) {
			last, lf = id, f
		}
	}
	return AfterFact(last), nil
}

// QueryTemporal selects facts of scope. A query as of a future time waits
// until the clock reaches it.
func (j *Journal) QueryTemporal(ctx context.Context, scope common.ContextID, q TemporalQuery) ([]*Fact, error) {
	ctx, span := metrics.NewSpan(ctx, "journal.QueryTemporal")
	defer span.End()

	if q.AsOf.Kind == PointTime {
		if now := j.fx.Now(); q.AsOf.Time > now {
			select {
			case <-j.fx.Clock.After(time.Duration(q.AsOf.Time-now) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	snap := j.snap.Load()
	st, ok := snap.states[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	var err error
	if q.AsOf, err = snap.resolve(q.AsOf); err != nil {
		return nil, err
	}
	if q.Since != nil {
		since, err := snap.resolve(*q.Since)
		if err != nil {
			return nil, err
		}
		q.Since = &since
	}
	if q.AsOf.Kind == PointCheckpoint {
		if err := j.verifyCheckpoint(ctx, st, q.AsOf.Fact); err != nil {
			return nil, err
		}
	}
	return st.Query(q)
}

// StateHash digests scope as of point.
func (j *Journal) StateHash(ctx context.Context, scope common.ContextID, point TemporalPoint) (common.Hash32, error) {
	snap := j.snap.Load()
	st, ok := snap.states[scope]
	if !ok {
		return common.Hash32{}, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	p, err := snap.resolve(point)
	if err != nil {
		return common.Hash32{}, err
	}
	if p.Kind == PointCheckpoint {
		if err := j.verifyCheckpoint(ctx, st, p.Fact); err != nil {
			return common.Hash32{}, err
		}
	}
	return st.Hash(p)
}

// verifyCheckpoint quarantines the scope on a state hash mismatch.
func (j *Journal) verifyCheckpoint(ctx context.Context, st *State, id common.FactID) error {
	err := st.VerifyCheckpoint(id)
	if err != nil && common.KindOf(err) == common.KindCorruption {
		j.log.Errorw("checkpoint verification failed", "scope", st.Context, "checkpoint", id.Short(), "err", err)
		if qerr := j.Quarantine(ctx, st.Context, err); qerr != nil {
			j.log.Errorw("quarantine failed", "scope", st.Context, "err", qerr)
		}
	}
	return err
}

func sortedIDs(ids []common.FactID) []common.FactID {
	out := append([]common.FactID(nil), ids...)
	sort.Slice(out, func(i, k int) bool { return out[i].Compare(out[k]) < 0 })
	return out
}
