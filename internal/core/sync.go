package core

import (
	"context"
	"errors"
	"sync"
	"time"

	cl "github.com/jonboulle/clockwork"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

const (
	// SyncNamespace is the router channel carrying journal replication.
	SyncNamespace = "sync"
	topicFacts    = "sync/facts"
	topicAcks     = "sync/acks"
	syncTimeout   = 5 * time.Second
)

// factsMessage carries encoded facts of one scope.
type factsMessage struct {
	Scope common.ContextID `cbor:"1,keyasint"`
	Facts [][]byte         `cbor:"2,keyasint"`
}

// acksMessage tells the sender which of its facts the receiver now holds.
type acksMessage struct {
	Scope common.ContextID `cbor:"1,keyasint"`
	Facts []common.FactID  `cbor:"2,keyasint"`
}

// SyncConfig is what a SyncManager needs.
type SyncConfig struct {
	Log       log.Logger
	Clock     cl.Clock
	Journal   *journal.Journal
	Transport effects.TransportEffects
	// Peers lists the devices to replicate with.
	Peers func() []common.DeviceID
	// Interval between two anti-entropy rounds, zero disables them.
	Interval time.Duration
}

// SyncManager replicates the journal with peers. New facts written by this
// device are pushed as they are applied; periodic anti-entropy rounds send
// every scope to every peer so that facts missed while a peer was away, or
// learnt from a third device, eventually propagate. Receivers merge what
// they get and acknowledge it, which drives Replicated finality at the
// author.
type SyncManager struct {
	log      log.Logger
	clock    cl.Clock
	j        *journal.Journal
	t        effects.TransportEffects
	peers    func() []common.DeviceID
	interval time.Duration
	self     common.DeviceID
	done     chan struct{}
}

// NewSyncManager returns a manager; Start runs it.
func NewSyncManager(c *SyncConfig) *SyncManager {
	return &SyncManager{
		log:      c.Log.Named("sync"),
		clock:    c.Clock,
		j:        c.Journal,
		t:        c.Transport,
		peers:    c.Peers,
		interval: c.Interval,
		self:     c.Transport.Self(),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the journal, so that every fact applied from now on is
// pushed, and replicates in the background until ctx is done or the journal
// closes.
func (s *SyncManager) Start(ctx context.Context) {
	events := s.j.Subscribe()
	go func() {
		defer close(s.done)
		s.run(ctx, events)
	}()
}

// Done is closed once replication stopped.
func (s *SyncManager) Done() <-chan struct{} { return s.done }

func (s *SyncManager) run(ctx context.Context, events <-chan journal.Event) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.recvLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.antiEntropy(ctx)
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				cancel()
				wg.Wait()
				return
			}
			if ev.Kind == journal.EventFactApplied && ev.Fact.Author == s.self {
				s.send(ctx, ev.Scope, []*journal.Fact{ev.Fact}, s.peers())
			}
		case <-ctx.Done():
			// keep draining the subscription until the journal closes it
			go func() {
				for range events {
				}
			}()
			wg.Wait()
			return
		}
	}
}

func (s *SyncManager) antiEntropy(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.Sync(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sync sends every scope to every peer once.
func (s *SyncManager) Sync(ctx context.Context) {
	ctx, span := metrics.NewSpan(ctx, "sync.Sync")
	defer span.End()

	peers := s.peers()
	if len(peers) == 0 {
		return
	}
	for _, scope := range s.j.Scopes() {
		s.Push(ctx, scope, peers...)
	}
	metrics.SyncExchanges.WithLabelValues("round").Inc()
}

// Push sends the whole of scope to peers.
func (s *SyncManager) Push(ctx context.Context, scope common.ContextID, peers ...common.DeviceID) {
	st, err := s.j.Snapshot(scope)
	if err != nil {
		s.log.Debugw("nothing to push", "scope", scope, "err", err)
		return
	}
	s.send(ctx, scope, st.Facts(), peers)
}

func (s *SyncManager) send(ctx context.Context, scope common.ContextID, facts []*journal.Fact, peers []common.DeviceID) {
	if len(facts) == 0 || len(peers) == 0 {
		return
	}
	msg := factsMessage{Scope: scope, Facts: make([][]byte, 0, len(facts))}
	for _, f := range facts {
		b, err := journal.EncodeFact(f)
		if err != nil {
			s.log.Errorw("encoding fact", "fact", f.ID.Short(), "err", err)
			continue
		}
		msg.Facts = append(msg.Facts, b)
	}
	payload := codec.MustMarshal(&msg)
	for _, p := range peers {
		if p == s.self {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, syncTimeout)
		err := s.t.Send(sctx, p, topicFacts, payload)
		cancel()
		if err != nil {
			s.log.Debugw("push failed", "to", p, "scope", scope, "facts", len(msg.Facts), "err", err)
			continue
		}
		metrics.SyncExchanges.WithLabelValues("facts_out").Inc()
	}
}

func (s *SyncManager) recvLoop(ctx context.Context) {
	for {
		m, err := s.t.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Infow("sync transport closed", "err", err)
			}
			return
		}
		switch m.Topic {
		case topicFacts:
			s.onFacts(ctx, m)
		case topicAcks:
			s.onAcks(ctx, m)
		default:
			s.log.Debugw("unexpected topic", "topic", m.Topic, "from", m.From)
		}
	}
}

func (s *SyncManager) onFacts(ctx context.Context, m effects.Message) {
	metrics.SyncExchanges.WithLabelValues("facts_in").Inc()
	var msg factsMessage
	if err := codec.Unmarshal(m.Payload, &msg); err != nil {
		s.log.Warnw("undecodable facts", "from", m.From, "err", err)
		return
	}
	facts := make([]*journal.Fact, 0, len(msg.Facts))
	for _, b := range msg.Facts {
		f, err := journal.DecodeFact(b)
		if err != nil {
			s.log.Warnw("undecodable fact", "from", m.From, "scope", msg.Scope, "err", err)
			continue
		}
		facts = append(facts, f)
	}
	if _, err := s.j.Scope(msg.Scope); errors.Is(err, journal.ErrScopeNotFound) {
		if err := s.j.ConfigureScope(ctx, journal.DefaultScope(msg.Scope)); err != nil {
			s.log.Errorw("creating scope for peer facts", "scope", msg.Scope, "err", err)
			return
		}
	}
	rep, err := s.j.Merge(ctx, msg.Scope, facts, nil)
	if err != nil {
		s.log.Errorw("merging peer facts", "from", m.From, "scope", msg.Scope, "err", err)
		return
	}
	if rep.Added > 0 {
		s.log.Debugw("merged peer facts", "from", m.From, "scope", msg.Scope, "added", rep.Added, "rejected", rep.Rejected)
	}

	st, err := s.j.Snapshot(msg.Scope)
	if err != nil {
		return
	}
	ack := acksMessage{Scope: msg.Scope}
	for _, f := range facts {
		if _, ok := st.Fact(f.ID); ok && f.Author != s.self {
			ack.Facts = append(ack.Facts, f.ID)
		}
	}
	if len(ack.Facts) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if err := s.t.Send(sctx, m.From, topicAcks, codec.MustMarshal(&ack)); err != nil {
		s.log.Debugw("sending acks", "to", m.From, "err", err)
	}
}

func (s *SyncManager) onAcks(ctx context.Context, m effects.Message) {
	metrics.SyncExchanges.WithLabelValues("acks_in").Inc()
	var msg acksMessage
	if err := codec.Unmarshal(m.Payload, &msg); err != nil {
		s.log.Warnw("undecodable acks", "from", m.From, "err", err)
		return
	}
	for _, id := range msg.Facts {
		if err := s.j.RecordAck(ctx, msg.Scope, id, m.From); err != nil {
			s.log.Debugw("ack not recorded", "from", m.From, "fact", id.Short(), "err", err)
		}
	}
}
