package ceremony

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/crypto/frost"
	"github.com/hxrts/aura-sub023/crypto/vault"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/metrics"
	"github.com/hxrts/aura-sub023/internal/util"
)

const (
	// sendTimeout bounds a single transport send.
	sendTimeout = 5 * time.Second
	// recordTimeout bounds writing evidence and results to the journal.
	recordTimeout = 10 * time.Second
	// maxEarly bounds the ceremonies for which messages arriving ahead of
	// their proposal are kept, and maxEarlyPerCeremony the messages kept for
	// each.
	maxEarly            = 32
	maxEarlyPerCeremony = 64
	// maxRetained is how many ceremonies are kept for Status before
	// terminal ones are forgotten.
	maxRetained = 512
)

// Journal is where the engine records evidence and ceremony results.
// *journal.Journal implements it.
type Journal interface {
	ApplyOp(ctx context.Context, scope common.ContextID, op journal.FactOp) (journal.FactReceipt, error)
	RecordEvidence(ctx context.Context, scope common.ContextID, kind, subject string, detail []byte) (journal.FactReceipt, error)
}

// Roles tells guardians apart from the devices of an authority.
type Roles interface {
	Guardian(a common.AuthorityID, d common.DeviceID) bool
}

// RolesFunc adapts a function to Roles.
type RolesFunc func(a common.AuthorityID, d common.DeviceID) bool

func (f RolesFunc) Guardian(a common.AuthorityID, d common.DeviceID) bool { return f(a, d) }

var noGuardians = RolesFunc(func(common.AuthorityID, common.DeviceID) bool { return false })

// Approver vets a proposal before the device commits to it. A non-nil error
// rejects it.
type Approver func(ctx context.Context, p *Proposal) error

// Option configures an Engine.
type Option func(*Engine)

// WithJournal records evidence and results in j.
func WithJournal(j Journal) Option { return func(e *Engine) { e.journal = j } }

// WithRoles installs the guardian classification used by policies.
func WithRoles(r Roles) Option { return func(e *Engine) { e.roles = r } }

// WithApprover installs the check run on proposals of flow.
func WithApprover(flow Flow, a Approver) Option { return func(e *Engine) { e.approvers[flow] = a } }

// WithPolicy replaces the policy of p.Flow.
func WithPolicy(p Policy) Option { return func(e *Engine) { e.policies[p.Flow] = p } }

// Request asks for a ceremony.
type Request struct {
	Flow      Flow
	Authority common.AuthorityID
	Context   common.ContextID
	// Scope receives evidence and results. The zero value means Context.
	Scope   common.ContextID
	Epoch   common.Epoch
	Message []byte
	// Candidates restricts who may be selected. Empty means every reachable
	// device of the authority roster.
	Candidates []common.DeviceID
}

type outgoing struct {
	to      common.DeviceID
	topic   string
	payload []byte
}

// Engine runs the threshold ceremonies of one device. A single loop owns
// every ceremony; the exported methods hand it commands.
type Engine struct {
	log       log.Logger
	fx        *effects.Effects
	signer    journal.Signer
	keys      journal.KeyResolver
	vault     *vault.Vault
	journal   Journal
	roles     Roles
	approvers map[Flow]Approver
	policies  map[Flow]Policy

	sessions   map[common.SessionID]*session
	retained   []common.SessionID
	running    map[slot]common.SessionID
	aggregated map[slot]common.SessionID
	latest     map[lane]common.Epoch
	early      map[common.SessionID][]effects.Message
	earlyOrder []common.SessionID

	inbox     chan effects.Message
	cmds      chan func()
	out       chan outgoing
	cancel    context.CancelFunc
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewEngine starts an engine receiving ceremony traffic on fx.Transport.
func NewEngine(l log.Logger, fx *effects.Effects, signer journal.Signer, keys journal.KeyResolver, v *vault.Vault, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:        l.Named("ceremony"),
		fx:         fx,
		signer:     signer,
		keys:       keys,
		vault:      v,
		roles:      noGuardians,
		approvers:  make(map[Flow]Approver),
		policies:   make(map[Flow]Policy),
		sessions:   make(map[common.SessionID]*session),
		running:    make(map[slot]common.SessionID),
		aggregated: make(map[slot]common.SessionID),
		latest:     make(map[lane]common.Epoch),
		early:      make(map[common.SessionID][]effects.Message),
		inbox:      make(chan effects.Message, 64),
		cmds:       make(chan func()),
		out:        make(chan outgoing, 1024),
		cancel:     cancel,
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, p := range DefaultPolicies {
		e.policies[p.Flow] = p
	}
	for _, o := range opts {
		o(e)
	}
	go e.recvLoop(ctx)
	go e.sendLoop(ctx)
	go e.run()
	return e
}

// Close stops the engine. Ceremonies in flight are abandoned.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closing)
		e.cancel()
		<-e.done
	})
}

// Policy returns the policy of flow.
func (e *Engine) Policy(flow Flow) (Policy, bool) {
	p, ok := e.policies[flow]
	return p, ok
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case m := <-e.inbox:
			e.handle(m)
		case fn := <-e.cmds:
			fn()
		case <-e.closing:
			for _, s := range e.sessions {
				if s.timer != nil {
					s.timer.Stop()
				}
				s.destroy()
			}
			return
		}
	}
}

func (e *Engine) recvLoop(ctx context.Context) {
	for {
		m, err := e.fx.Transport.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Debugw("transport closed", "err", err)
			}
			return
		}
		select {
		case e.inbox <- m:
		case <-e.closing:
			return
		}
	}
}

func (e *Engine) sendLoop(ctx context.Context) {
	for {
		select {
		case o := <-e.out:
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := e.fx.Transport.Send(sctx, o.to, o.topic, o.payload); err != nil {
				e.log.Debugw("send failed", "to", o.to, "topic", o.topic, "err", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// call runs fn on the loop and returns its error.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case e.cmds <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closing:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.closing:
	}
}

// Run starts a ceremony and waits for its outcome.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := metrics.NewSpan(ctx, "ceremony.Run")
	defer span.End()

	id, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, id)
}

// Start selects the participants, sends them the proposal and returns
// without waiting.
func (e *Engine) Start(ctx context.Context, req Request) (common.SessionID, error) {
	var id common.SessionID
	err := e.call(ctx, func() error {
		var err error
		id, err = e.start(req)
		return err
	})
	return id, err
}

// Wait blocks until ceremony id is terminal. When ctx is done first the
// ceremony is failed with ErrTimeout and the participants it still waits
// for are blamed.
func (e *Engine) Wait(ctx context.Context, id common.SessionID) (*Result, error) {
	var s *session
	err := e.call(ctx, func() error {
		s = e.sessions[id]
		if s == nil {
			return fmt.Errorf("%w: %s", ErrUnknownCeremony, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		reason := fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		e.post(func() { e.expire(id, reason) })
		select {
		case <-s.done:
		case <-e.done:
			return nil, ErrClosed
		}
	case <-e.done:
		return nil, ErrClosed
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// Status reports the local view of ceremony id.
func (e *Engine) Status(ctx context.Context, id common.SessionID) (Status, error) {
	var st Status
	err := e.call(ctx, func() error {
		s := e.sessions[id]
		if s == nil {
			return fmt.Errorf("%w: %s", ErrUnknownCeremony, id)
		}
		st = s.status()
		return nil
	})
	return st, err
}

// Find returns the latest ceremony known for (context, flow, epoch).
func (e *Engine) Find(ctx context.Context, c common.ContextID, flow Flow, epoch common.Epoch) (Status, error) {
	var st Status
	err := e.call(ctx, func() error {
		k := slot{c, flow, epoch}
		id, ok := e.aggregated[k]
		if !ok {
			id, ok = e.running[k]
		}
		s := e.sessions[id]
		if !ok || s == nil {
			return ErrUnknownCeremony
		}
		st = s.status()
		return nil
	})
	return st, err
}

// ConsensusDriver finalizes journal facts with a threshold signature of
// authority a. Every fact set gets its own ceremony context, so retrying a
// failed set is allowed while a set can only be signed once.
func (e *Engine) ConsensusDriver(a common.AuthorityID) journal.ConsensusDriver {
	return journal.ConsensusDriverFunc(func(ctx context.Context, scope common.ContextID, _ []common.FactID, msg []byte) (*journal.ConsensusProof, error) {
		res, err := e.Run(ctx, Request{
			Flow:      ConsensusFinalization,
			Authority: a,
			Context:   common.ContextID{UUID: uuid.NewSHA1(scope.UUID, msg)},
			Scope:     scope,
			Message:   msg,
		})
		if err != nil {
			return nil, err
		}
		return &journal.ConsensusProof{
			Quorum:    uint32(len(res.Signers)),
			GroupKey:  res.GroupKey,
			Signature: res.Signature,
		}, nil
	})
}

// guard enforces uniqueness per (context, flow, epoch) and rejects epochs
// older than the latest seen for (context, flow).
func (e *Engine) guard(k slot) error {
	if latest, ok := e.latest[lane{k.context, k.flow}]; ok && k.epoch < latest {
		return fmt.Errorf("%w: %d < %d", ErrStaleEpoch, k.epoch, latest)
	}
	if id, ok := e.aggregated[k]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAggregated, id)
	}
	if id, ok := e.running[k]; ok {
		if s := e.sessions[id]; s != nil && !s.phase.Terminal() {
			return fmt.Errorf("%w: %s", ErrDuplicateCeremony, id)
		}
	}
	return nil
}

func (e *Engine) register(s *session) {
	e.sessions[s.prop.Ceremony] = s
	e.running[s.slot()] = s.prop.Ceremony
	if s.prop.Epoch > e.latest[s.lane()] {
		e.latest[s.lane()] = s.prop.Epoch
	}
	e.retained = append(e.retained, s.prop.Ceremony)
	if len(e.retained) <= maxRetained {
		return
	}
	kept := e.retained[:0]
	for i, id := range e.retained {
		if len(e.retained)-i <= maxRetained/2 || !e.sessions[id].phase.Terminal() {
			kept = append(kept, id)
			continue
		}
		delete(e.sessions, id)
	}
	e.retained = kept
}

func (e *Engine) start(req Request) (common.SessionID, error) {
	policy, ok := e.policies[req.Flow]
	if !ok {
		return common.SessionID{}, fmt.Errorf("%w: no policy for %s", ErrRejected, req.Flow)
	}
	k := slot{req.Context, req.Flow, req.Epoch}
	if err := e.guard(k); err != nil {
		return common.SessionID{}, err
	}
	scope := req.Scope
	if scope == (common.ContextID{}) {
		scope = req.Context
	}
	self := e.signer.Device()
	prop := Proposal{
		Ceremony:  common.NewSessionID(e.fx.Random),
		Initiator: self,
		Epoch:     req.Epoch,
		Flow:      req.Flow,
		Authority: req.Authority,
		Context:   req.Context,
		Scope:     scope,
		Message:   req.Message,
		Deadline:  e.fx.Now().Add(policy.Timeout),
	}

	if policy.Mode == LocalOnly {
		prop.Participants = []common.DeviceID{self}
		prop.Seal(e.signer)
		s := newSession(prop, policy, self)
		e.register(s)
		e.finish(s, e.signer.Sign(req.Message), nil, []common.DeviceID{self})
		return prop.Ceremony, nil
	}

	group, ok := e.vault.Group(req.Authority)
	if !ok {
		return common.SessionID{}, fmt.Errorf("%w: %s", vault.ErrNoShare, req.Authority)
	}
	if group.Find(self) == nil || !policy.admits(e.roles.Guardian(req.Authority, self)) {
		return common.SessionID{}, fmt.Errorf("%w: %s may not initiate %s", ErrNotParticipant, self, req.Flow)
	}
	candidates := req.Candidates
	if len(candidates) == 0 {
		candidates = util.Filter(group.Devices(), func(d common.DeviceID) bool {
			return d == self || e.fx.Transport.Reachable(d)
		})
	}
	candidates = util.Filter(candidates, func(d common.DeviceID) bool {
		return group.Find(d) != nil && policy.admits(e.roles.Guardian(req.Authority, d))
	})
	if !util.Cont(candidates, self) {
		candidates = append(candidates, self)
	}
	prop.Participants = Select(prop.Ceremony, prop.Flow, prop.Epoch, candidates)
	if len(prop.Participants) < group.Threshold {
		return common.SessionID{}, fmt.Errorf("%w: %d eligible, threshold %d", ErrInsufficientParticipants, len(prop.Participants), group.Threshold)
	}
	prop.Seal(e.signer)

	s, err := e.open(prop, policy, group)
	if err != nil {
		return common.SessionID{}, err
	}
	e.log.Infow("ceremony started", "ceremony", prop.Ceremony, "flow", prop.Flow, "epoch", prop.Epoch,
		"participants", len(prop.Participants), "threshold", group.Threshold)
	e.broadcast(s, topicProposal, &prop)
	e.commit(s)
	return prop.Ceremony, nil
}

// open creates the session of an admitted proposal and arms its deadline.
func (e *Engine) open(p Proposal, policy Policy, group *key.Group) (*session, error) {
	share, pkg, err := e.vault.Share(p.Authority)
	if err != nil {
		return nil, err
	}
	s := newSession(p, policy, e.signer.Device())
	s.share, s.pkg = share, pkg
	for _, d := range p.Participants {
		n := group.Find(d)
		if n == nil {
			return nil, fmt.Errorf("%w: %s not in roster", ErrNotParticipant, d)
		}
		s.index[d] = n.Index
	}
	s.threshold = group.Threshold
	e.register(s)

	id := p.Ceremony
	d := p.Deadline.Time().Sub(e.fx.Clock.Now())
	s.timer = e.fx.Clock.AfterFunc(d, func() {
		go e.post(func() { e.expire(id, ErrTimeout) })
	})
	return s, nil
}

// admit validates a proposal received from another device.
func (e *Engine) admit(p *Proposal) (Policy, *key.Group, error) {
	policy, ok := e.policies[p.Flow]
	if !ok || policy.Mode == LocalOnly {
		return policy, nil, fmt.Errorf("%w: flow %s", ErrRejected, p.Flow)
	}
	self := e.signer.Device()
	if !util.Cont(p.Participants, self) {
		return policy, nil, ErrNotParticipant
	}
	if !sameOrder(Select(p.Ceremony, p.Flow, p.Epoch, p.Participants), p.Participants) {
		return policy, nil, fmt.Errorf("%w: participants not in selection order", ErrRejected)
	}
	if p.Deadline <= e.fx.Now() {
		return policy, nil, ErrTimeout
	}
	if err := e.guard(slot{p.Context, p.Flow, p.Epoch}); err != nil {
		return policy, nil, err
	}
	group, ok := e.vault.Group(p.Authority)
	if !ok {
		return policy, nil, fmt.Errorf("%w: %s", vault.ErrNoShare, p.Authority)
	}
	for _, d := range p.Participants {
		if group.Find(d) == nil || !policy.admits(e.roles.Guardian(p.Authority, d)) {
			return policy, nil, fmt.Errorf("%w: %s not eligible for %s", ErrRejected, d, p.Flow)
		}
	}
	if len(p.Participants) < group.Threshold {
		return policy, nil, ErrInsufficientParticipants
	}
	if a, ok := e.approvers[p.Flow]; ok {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := a(ctx, p); err != nil {
			return policy, nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	return policy, group, nil
}

func (e *Engine) handle(m effects.Message) {
	switch m.Topic {
	case topicProposal:
		var p Proposal
		if err := codec.Unmarshal(m.Payload, &p); err != nil {
			e.log.Debugw("undecodable proposal", "from", m.From, "err", err)
			return
		}
		e.onProposal(&p)
	case topicCommitment, topicEcho, topicShare, topicAccusation:
		var h struct {
			Ceremony common.SessionID `cbor:"1,keyasint"`
		}
		if err := codec.Unmarshal(m.Payload, &h); err != nil {
			e.log.Debugw("undecodable ceremony message", "from", m.From, "topic", m.Topic, "err", err)
			return
		}
		s := e.sessions[h.Ceremony]
		if s == nil {
			e.hold(h.Ceremony, m)
			return
		}
		if s.phase.Terminal() {
			return
		}
		e.dispatch(s, m)
	default:
		e.log.Debugw("unknown ceremony topic", "from", m.From, "topic", m.Topic)
	}
}

func (e *Engine) dispatch(s *session, m effects.Message) {
	switch m.Topic {
	case topicCommitment:
		var c Commitment
		if err := codec.Unmarshal(m.Payload, &c); err != nil {
			return
		}
		if err := e.check(s, c.Epoch, c.Participant); err != nil {
			e.log.Debugw("discarding commitment", "ceremony", s.prop.Ceremony, "from", m.From, "err", err)
			return
		}
		if err := e.validCommitment(s, &c); err != nil {
			e.log.Warnw("invalid commitment", "ceremony", s.prop.Ceremony, "from", m.From, "err", err)
			return
		}
		if e.learn(s, &c) {
			e.progress(s)
		}
	case topicEcho:
		var ec Echo
		if err := codec.Unmarshal(m.Payload, &ec); err != nil {
			return
		}
		if err := e.check(s, ec.Epoch, ec.Participant); err != nil {
			e.log.Debugw("discarding echo", "ceremony", s.prop.Ceremony, "from", m.From, "err", err)
			return
		}
		e.onEcho(s, &ec)
	case topicShare:
		var sh SignatureShare
		if err := codec.Unmarshal(m.Payload, &sh); err != nil {
			return
		}
		if err := e.check(s, sh.Epoch, sh.Participant); err != nil {
			e.log.Debugw("discarding share", "ceremony", s.prop.Ceremony, "from", m.From, "err", err)
			return
		}
		e.onShare(s, &sh)
	case topicAccusation:
		var a Accusation
		if err := codec.Unmarshal(m.Payload, &a); err != nil {
			return
		}
		e.onAccusation(s, &a)
	}
}

// check discards messages outside the ceremony's epoch or participants.
func (e *Engine) check(s *session, epoch common.Epoch, from common.DeviceID) error {
	if epoch != s.prop.Epoch {
		return fmt.Errorf("epoch %d, ceremony at %d", epoch, s.prop.Epoch)
	}
	if !s.participant(from) {
		return ErrNotParticipant
	}
	return nil
}

// hold keeps messages of a ceremony whose proposal has not arrived yet.
func (e *Engine) hold(id common.SessionID, m effects.Message) {
	q, ok := e.early[id]
	if !ok {
		if len(e.earlyOrder) >= maxEarly {
			delete(e.early, e.earlyOrder[0])
			e.earlyOrder = e.earlyOrder[1:]
		}
		e.earlyOrder = append(e.earlyOrder, id)
	}
	if len(q) >= maxEarlyPerCeremony {
		return
	}
	e.early[id] = append(q, m)
}

func (e *Engine) replay(id common.SessionID) {
	q := e.early[id]
	delete(e.early, id)
	e.earlyOrder = util.Without(e.earlyOrder, id)
	for _, m := range q {
		if s := e.sessions[id]; s != nil && !s.phase.Terminal() {
			e.dispatch(s, m)
		}
	}
}

func (e *Engine) onProposal(p *Proposal) {
	if p.Initiator == e.signer.Device() {
		return
	}
	if _, ok := e.sessions[p.Ceremony]; ok {
		return
	}
	if err := p.Verify(e.fx.Crypto, e.keys); err != nil {
		e.log.Warnw("proposal with bad signature", "ceremony", p.Ceremony, "initiator", p.Initiator, "err", err)
		return
	}
	policy, group, err := e.admit(p)
	if err != nil {
		e.log.Warnw("rejecting ceremony proposal", "ceremony", p.Ceremony, "flow", p.Flow, "epoch", p.Epoch,
			"initiator", p.Initiator, "err", err)
		return
	}
	s, err := e.open(*p, policy, group)
	if err != nil {
		e.log.Warnw("cannot join ceremony", "ceremony", p.Ceremony, "err", err)
		return
	}
	e.log.Infow("joined ceremony", "ceremony", p.Ceremony, "flow", p.Flow, "epoch", p.Epoch, "initiator", p.Initiator)
	e.commit(s)
	e.replay(p.Ceremony)
}

// commit draws the nonces and sends our commitment: Ready -> Commitments.
func (e *Engine) commit(s *session) {
	nonces, c := frost.Commit(s.share, e.fx.Random.Stream())
	s.nonces = nonces
	msg := &Commitment{Ceremony: s.prop.Ceremony, Participant: s.self, Epoch: s.prop.Epoch, Commitment: c}
	msg.Seal(e.signer)
	s.commitments[s.self] = msg
	if err := e.transition(s, Commitments); err != nil {
		return
	}
	e.broadcast(s, topicCommitment, msg)
	e.progress(s)
}

func (e *Engine) validCommitment(s *session, c *Commitment) error {
	if c.Ceremony != s.prop.Ceremony || c.Epoch != s.prop.Epoch || !s.participant(c.Participant) {
		return ErrNotParticipant
	}
	if c.Commitment.Index != s.index[c.Participant] {
		return fmt.Errorf("%w: index %d for %s", ErrRejected, c.Commitment.Index, c.Participant)
	}
	return c.Verify(e.fx.Crypto, e.keys)
}

// learn stores a valid commitment. Two different commitments from the same
// participant fail the ceremony. It returns false when the ceremony failed.
func (e *Engine) learn(s *session, c *Commitment) bool {
	have, ok := s.commitments[c.Participant]
	if !ok {
		s.commitments[c.Participant] = c
		return true
	}
	if have.Equal(c) {
		return true
	}
	e.convict(s, EquivocationEvidence{First: *have, Second: *c}, true)
	return false
}

// convict records the equivocation and fails the ceremony blaming the
// equivocator. The detecting device forwards the proof to the others, who
// may not see both commitments themselves.
func (e *Engine) convict(s *session, ev EquivocationEvidence, announce bool) {
	who := ev.First.Participant
	e.log.Warnw("equivocation", "ceremony", s.prop.Ceremony, "participant", who)
	e.record(s.prop.Scope, EvidenceEquivocation, who.String(), codec.MustMarshal(ev))
	if announce {
		e.broadcast(s, topicAccusation, &Accusation{Ceremony: s.prop.Ceremony, Evidence: ev})
	}
	e.fail(s, ErrEquivocation, []common.DeviceID{who})
}

func (e *Engine) onAccusation(s *session, a *Accusation) {
	first, second := &a.Evidence.First, &a.Evidence.Second
	if first.Participant != second.Participant || first.Equal(second) {
		e.log.Warnw("accusation without conflict", "ceremony", s.prop.Ceremony)
		return
	}
	for _, c := range []*Commitment{first, second} {
		if err := e.validCommitment(s, c); err != nil {
			e.log.Warnw("accusation with invalid commitment", "ceremony", s.prop.Ceremony, "err", err)
			return
		}
	}
	e.convict(s, a.Evidence, false)
}

func (e *Engine) onEcho(s *session, ec *Echo) {
	if s.echoes[ec.Participant] {
		return
	}
	if err := ec.Verify(e.fx.Crypto, e.keys); err != nil {
		e.log.Warnw("echo with bad signature", "ceremony", s.prop.Ceremony, "from", ec.Participant, "err", err)
		return
	}
	for i := range ec.Commitments {
		if err := e.validCommitment(s, &ec.Commitments[i]); err != nil {
			e.log.Warnw("echo relays an invalid commitment", "ceremony", s.prop.Ceremony, "from", ec.Participant, "err", err)
			return
		}
	}
	if ec.Participant == s.prop.Initiator || len(ec.Signers) > 0 {
		if err := e.validPackage(s, ec); err != nil {
			e.log.Warnw("invalid signing package", "ceremony", s.prop.Ceremony, "from", ec.Participant, "err", err)
			return
		}
	}
	for i := range ec.Commitments {
		if !e.learn(s, &ec.Commitments[i]) {
			return
		}
	}
	if ec.Participant == s.prop.Initiator && len(s.signers) == 0 {
		s.signers = append([]common.DeviceID(nil), ec.Signers...)
	}
	s.echoes[ec.Participant] = true
	e.progress(s)
}

// validPackage checks the signing set announced in the initiator's echo:
// threshold distinct participants, in selection order, whose commitments the
// echo relays.
func (e *Engine) validPackage(s *session, ec *Echo) error {
	if ec.Participant != s.prop.Initiator {
		return fmt.Errorf("%w: signing set from %s", ErrRejected, ec.Participant)
	}
	if len(ec.Signers) != s.threshold {
		return fmt.Errorf("%w: %d signers, threshold %d", ErrRejected, len(ec.Signers), s.threshold)
	}
	relayed := make(map[common.DeviceID]bool, len(ec.Commitments))
	for i := range ec.Commitments {
		relayed[ec.Commitments[i].Participant] = true
	}
	pos := make(map[common.DeviceID]int, len(s.prop.Participants))
	for i, d := range s.prop.Participants {
		pos[d] = i
	}
	last := -1
	for _, d := range ec.Signers {
		i, ok := pos[d]
		if !ok || i <= last || !relayed[d] {
			return fmt.Errorf("%w: signer %s", ErrRejected, d)
		}
		last = i
	}
	return nil
}

func (e *Engine) onShare(s *session, sh *SignatureShare) {
	if _, ok := s.shares[sh.Participant]; ok {
		return
	}
	if err := sh.Verify(e.fx.Crypto, e.keys); err != nil {
		e.log.Warnw("share with bad signature", "ceremony", s.prop.Ceremony, "from", sh.Participant, "err", err)
		return
	}
	if sh.Share.Index != s.index[sh.Participant] {
		e.log.Warnw("share with wrong index", "ceremony", s.prop.Ceremony, "from", sh.Participant)
		return
	}
	s.shares[sh.Participant] = sh.Share
	e.progress(s)
}

// progress moves the ceremony as far as the collected messages allow.
func (e *Engine) progress(s *session) {
	if s.phase == Commitments {
		e.echo(s)
		if !s.echoed || !s.ready() {
			return
		}
		if err := e.transition(s, SignShares); err != nil {
			return
		}
		if !e.sign(s) {
			return
		}
	}
	if s.phase != SignShares {
		return
	}

	cs := s.signingCommitments()
	for _, d := range s.signers {
		sh, ok := s.shares[d]
		if !ok || s.verified[d] {
			continue
		}
		if err := frost.VerifyShare(s.pkg, s.prop.Message, cs, sh); err != nil {
			e.log.Warnw("invalid signature share", "ceremony", s.prop.Ceremony, "participant", d, "err", err)
			e.fail(s, ErrInvalidShare, []common.DeviceID{d})
			return
		}
		s.verified[d] = true
	}
	if len(s.verified) < len(s.signers) {
		return
	}
	shares := make([]frost.SignatureShare, 0, len(s.signers))
	for _, d := range s.signers {
		shares = append(shares, s.shares[d])
	}
	sig, bad, err := frost.Aggregate(s.pkg, s.prop.Message, cs, shares)
	if err != nil {
		var blame []common.DeviceID
		for _, d := range s.signers {
			for _, i := range bad {
				if s.index[d] == i {
					blame = append(blame, d)
				}
			}
		}
		e.fail(s, fmt.Errorf("%w: %v", ErrAggregation, err), blame)
		return
	}
	e.finish(s, sig, frost.EncodePoint(s.pkg.GroupKey), s.signers)
}

// echo sends our echo once the signing set is known. The initiator fixes the
// set as soon as it holds threshold commitments and announces it with its
// echo; the others echo when they receive that announcement.
func (e *Engine) echo(s *session) {
	if s.echoed {
		return
	}
	var signers []common.DeviceID
	if s.self == s.prop.Initiator {
		if len(s.commitments) < s.threshold {
			return
		}
		s.signers = s.pick()
		signers = s.signers
		e.log.Debugw("signing set", "ceremony", s.prop.Ceremony, "signers", s.signers)
	} else if len(s.signers) == 0 {
		return
	}
	s.echoed = true
	s.echoes[s.self] = true
	ec := &Echo{Ceremony: s.prop.Ceremony, Participant: s.self, Epoch: s.prop.Epoch, Commitments: s.relayed(), Signers: signers}
	ec.Seal(e.signer)
	e.broadcast(s, topicEcho, ec)
}

// sign produces our share if we are in the signing set and destroys the
// nonces either way. It returns false when the ceremony failed.
func (e *Engine) sign(s *session) bool {
	if !s.signer(s.self) {
		s.destroy()
		return true
	}
	share, err := frost.Sign(s.share, s.nonces, s.prop.Message, s.signingCommitments())
	if err != nil {
		e.log.Errorw("producing signature share", "ceremony", s.prop.Ceremony, "err", err)
		e.fail(s, fmt.Errorf("%w: %v", ErrInvalidShare, err), nil)
		return false
	}
	msg := &SignatureShare{Ceremony: s.prop.Ceremony, Participant: s.self, Epoch: s.prop.Epoch, Share: share}
	msg.Seal(e.signer)
	s.shares[s.self] = share
	e.broadcast(s, topicShare, msg)
	return true
}

func (e *Engine) transition(s *session, to Phase) error {
	if err := s.phase.To(to); err != nil {
		e.log.Errorw("ceremony transition", "ceremony", s.prop.Ceremony, "err", err)
		return err
	}
	e.log.Debugw("ceremony phase", "ceremony", s.prop.Ceremony, "flow", s.prop.Flow, "from", s.phase, "to", to)
	s.phase = to
	metrics.CeremonyPhaseChange(s.prop.Flow.String(), uint32(to))
	return nil
}

func (e *Engine) stop(s *session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.destroy()
	delete(e.running, s.slot())
}

func (e *Engine) finish(s *session, sig, groupKey []byte, signers []common.DeviceID) {
	if err := e.transition(s, Aggregated); err != nil {
		return
	}
	e.stop(s)
	e.aggregated[s.slot()] = s.prop.Ceremony
	s.result = &Result{
		Ceremony:  s.prop.Ceremony,
		Flow:      s.prop.Flow,
		Epoch:     s.prop.Epoch,
		Context:   s.prop.Context,
		Authority: s.prop.Authority,
		Message:   s.prop.Message,
		GroupKey:  groupKey,
		Signature: sig,
		Signers:   append([]common.DeviceID(nil), signers...),
	}
	metrics.CeremonyFinished(s.prop.Flow.String(), "aggregated")
	e.log.Infow("ceremony aggregated", "ceremony", s.prop.Ceremony, "flow", s.prop.Flow, "epoch", s.prop.Epoch)
	if s.policy.Mode == ConsensusFinalized && s.prop.Initiator == s.self {
		e.commitResult(s)
	}
	close(s.done)
}

func (e *Engine) fail(s *session, reason error, blame []common.DeviceID) {
	if s.phase.Terminal() {
		return
	}
	if err := e.transition(s, Failed); err != nil {
		return
	}
	e.stop(s)
	s.err = &FailedError{Ceremony: s.prop.Ceremony, Flow: s.prop.Flow, Epoch: s.prop.Epoch, Reason: reason, Blame: blame}
	metrics.CeremonyFinished(s.prop.Flow.String(), "failed")
	e.log.Warnw("ceremony failed", "ceremony", s.prop.Ceremony, "flow", s.prop.Flow, "epoch", s.prop.Epoch,
		"reason", reason, "blame", blame)
	ev := codec.MustMarshal(FailureEvidence{
		Ceremony: s.prop.Ceremony,
		Flow:     s.prop.Flow,
		Epoch:    s.prop.Epoch,
		Context:  s.prop.Context,
		Reason:   reason.Error(),
		Blame:    blame,
	})
	e.record(s.prop.Scope, EvidenceFailure, s.prop.Ceremony.String(), ev)
	close(s.done)
}

// expire fails a ceremony that ran out of time, blaming whoever it was
// still waiting for.
func (e *Engine) expire(id common.SessionID, reason error) {
	s := e.sessions[id]
	if s == nil || s.phase.Terminal() {
		return
	}
	e.fail(s, reason, s.missing())
}

func (e *Engine) broadcast(s *session, topic string, v any) {
	payload := codec.MustMarshal(v)
	for _, d := range s.others() {
		select {
		case e.out <- outgoing{to: d, topic: topic, payload: payload}:
		default:
			e.log.Warnw("send queue full, dropping", "to", d, "topic", topic)
		}
	}
}

func (e *Engine) record(scope common.ContextID, kind, subject string, detail []byte) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := e.journal.RecordEvidence(ctx, scope, kind, subject, detail); err != nil {
		e.log.Errorw("recording ceremony evidence", "scope", scope, "kind", kind, "err", err)
	}
}

func (e *Engine) commitResult(s *session) {
	if e.journal == nil {
		return
	}
	op, err := journal.AssertValue(ContentResult, ResultRecord{
		Ceremony:  s.result.Ceremony,
		Flow:      s.result.Flow,
		Epoch:     s.result.Epoch,
		Context:   s.result.Context,
		Authority: s.result.Authority,
		Message:   e.fx.Crypto.Hash(s.result.Message),
		GroupKey:  s.result.GroupKey,
		Signature: s.result.Signature,
		Signers:   s.result.Signers,
	})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		_, err = e.journal.ApplyOp(ctx, s.prop.Scope, op)
	}
	switch {
	case errors.Is(err, journal.ErrScopeNotFound):
		e.log.Debugw("ceremony scope not in journal, result not recorded", "scope", s.prop.Scope)
	case err != nil:
		e.log.Errorw("recording ceremony result", "ceremony", s.prop.Ceremony, "scope", s.prop.Scope, "err", err)
	}
}
