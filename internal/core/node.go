package core

import (
	"context"
	"errors"
	"fmt"
	stdnet "net"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/crypto"
	"github.com/hxrts/aura-sub023/crypto/vault"
	"github.com/hxrts/aura-sub023/internal/authority"
	"github.com/hxrts/aura-sub023/internal/ceremony"
	"github.com/hxrts/aura-sub023/internal/choreography"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/journal/boltdb"
	"github.com/hxrts/aura-sub023/internal/metrics"
	"github.com/hxrts/aura-sub023/internal/net"
)

// Node is one device: its journal, capability graph, ceremony engine and
// choreography runtime, wired to a single transport.
type Node struct {
	cfg  *Config
	log  log.Logger
	pair *key.Pair
	fx   *effects.Effects

	dir      *Directory
	vault    *vault.Vault
	keys     key.Store
	signer   journal.Signer
	router   *net.Router
	listener net.Listener

	journal  *journal.Journal
	graph    *authority.Graph
	registry *authority.Registry
	engine   *ceremony.Engine
	runtime  *choreography.Runtime
	sync     *SyncManager

	metricsListener stdnet.Listener

	// global state lock
	state    sync.Mutex
	started  bool
	cancel   context.CancelFunc
	running  sync.WaitGroup
	exitCh   chan bool
	stopOnce sync.Once
}

// NewNode assembles the node of pair. Nothing is received before Start.
func NewNode(ctx context.Context, pair *key.Pair, c *Config) (*Node, error) {
	ctx, span := metrics.NewSpan(ctx, "NewNode")
	defer span.End()

	self := pair.Public.Device
	l := c.Logger().With("device", self.String()[:8])
	ctx = log.ToContext(ctx, l)

	n := &Node{
		cfg:    c,
		log:    l,
		pair:   pair,
		vault:  vault.New(),
		exitCh: make(chan bool, 1),
	}
	n.fx = &effects.Effects{
		Clock:  c.clock,
		Random: c.random,
		Crypto: crypto.NewOracle(pair.Public.Scheme, c.random),
	}
	n.signer = journal.NewSigner(self, pair.Key, n.fx.Crypto)

	n.dir = NewDirectory(n.vault)
	for _, id := range append([]*key.Identity{pair.Public}, c.peers...) {
		if err := n.dir.Add(id); err != nil {
			return nil, err
		}
	}
	for a, devices := range c.guardians {
		for _, d := range devices {
			n.dir.SetGuardian(a, d)
		}
	}
	for d, i := range c.individuals {
		n.dir.SetIndividual(d, i)
	}

	if err := n.loadKeys(); err != nil {
		return nil, err
	}

	if c.transport != nil {
		n.fx.Transport = c.transport
	} else {
		t := net.NewGRPCTransport(l, self, n.dir, c.grpcOpts...)
		lis, err := net.NewGRPCListener(ctx, c.listenAddr, t)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", c.listenAddr, err)
		}
		n.fx.Transport = t
		n.listener = lis
	}
	n.router = net.NewRouter(l, n.fx.Transport)

	store, err := n.openStore(ctx)
	if err != nil {
		n.closeListener(ctx)
		return nil, err
	}

	n.graph = authority.NewGraph(l, n.fx.Crypto, n.dir, n.dir, authority.WithMembership(n.dir))

	opts := []journal.Option{journal.WithWaitTimeout(c.finalityWait)}
	if c.consensus != nil {
		a := *c.consensus
		// the engine needs the journal, so the driver resolves it lazily
		opts = append(opts, journal.WithConsensus(journal.ConsensusDriverFunc(
			func(ctx context.Context, scope common.ContextID, facts []common.FactID, msg []byte) (*journal.ConsensusProof, error) {
				return n.engine.ConsensusDriver(a).Finalize(ctx, scope, facts, msg)
			})))
	}
	if c.enforce {
		opts = append(opts, journal.WithAuthorizer(authority.WriteAuthorizer(n.graph, n.fx, CapabilityScope)))
	}
	n.journal, err = journal.New(ctx, l, store, n.fx, n.signer, n.dir, opts...)
	if err != nil {
		_ = store.Close()
		n.closeListener(ctx)
		return nil, err
	}
	for _, sc := range c.scopes {
		if err := n.journal.ConfigureScope(ctx, sc); err != nil {
			n.abort(ctx)
			return nil, fmt.Errorf("configuring scope %s: %w", sc.Scope, err)
		}
	}

	n.registry, err = authority.NewRegistry(ctx, l, n.graph, n.journal, CapabilityScope, n.signer, n.fx)
	if err != nil {
		n.abort(ctx)
		return nil, err
	}

	engineFx := *n.fx
	engineFx.Transport = n.router.Channel(ceremony.Namespace)
	engineOpts := []ceremony.Option{ceremony.WithJournal(n.journal), ceremony.WithRoles(n.dir)}
	for _, p := range c.policies {
		engineOpts = append(engineOpts, ceremony.WithPolicy(p))
	}
	n.engine = ceremony.NewEngine(l, &engineFx, n.signer, n.dir, n.vault, engineOpts...)

	n.runtime = choreography.NewRuntime(l, n.fx, n.graph, n.journal, choreography.WithLimits(c.limits))

	n.sync = NewSyncManager(&SyncConfig{
		Log:       l,
		Clock:     c.clock,
		Journal:   n.journal,
		Transport: n.router.Channel(SyncNamespace),
		Peers:     func() []common.DeviceID { return n.dir.Peers(self) },
		Interval:  c.syncInterval,
	})

	l.Infow("node ready", "addr", n.Address(), "peers", len(c.peers), "authorities", len(n.vault.Authorities()))
	return n, nil
}

func (n *Node) openStore(ctx context.Context) (journal.Store, error) {
	if n.cfg.store != nil {
		metrics.StorageBackend.WithLabelValues("custom").Set(1)
		return n.cfg.store, nil
	}
	bs, err := boltdb.NewStore(ctx, n.log, n.cfg.dbFolder, n.cfg.boltOpts)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	metrics.StorageBackend.WithLabelValues("bolt").Set(1)
	return journal.NewCachedStore(bs, DefaultFactCacheSize)
}

// loadKeys fills the vault with every roster and share saved so far.
func (n *Node) loadKeys() error {
	n.keys = n.cfg.keyStore
	if n.keys == nil {
		fs, err := key.NewFileStore(n.cfg.configFolder)
		if err != nil {
			return err
		}
		n.keys = fs
	}
	groups, err := n.keys.Groups()
	if err != nil {
		return fmt.Errorf("listing rosters: %w", err)
	}
	for _, a := range groups {
		g, err := n.keys.LoadGroup(a)
		if err != nil {
			return fmt.Errorf("loading roster of %s: %w", a, err)
		}
		if err := n.learn(g); err != nil {
			return err
		}
		s, err := n.keys.LoadShare(a)
		if err != nil {
			n.log.Debugw("no share for authority", "authority", a)
			continue
		}
		n.vault.SetShare(s)
	}
	return nil
}

// learn records a roster and the identities of its devices.
func (n *Node) learn(g *key.Group) error {
	for _, node := range g.Nodes {
		if err := n.dir.Add(node.Identity); err != nil {
			return fmt.Errorf("roster of %s: %w", g.Authority, err)
		}
	}
	n.vault.SetGroup(g)
	return nil
}

// Start runs the transport, the router and the journal replication.
func (n *Node) Start() {
	n.state.Lock()
	defer n.state.Unlock()
	if n.started {
		return
	}
	n.started = true

	ctx, cancel := context.WithCancel(context.Background())
	ctx = log.ToContext(ctx, n.log)
	n.cancel = cancel

	if n.listener != nil {
		n.listener.Start()
	}
	n.running.Add(1)
	go func() {
		defer n.running.Done()
		if err := n.router.Run(ctx); err != nil {
			n.log.Errorw("router stopped", "err", err)
		}
	}()
	n.sync.Start(ctx)
	if n.cfg.metricsAddr != "" {
		n.metricsListener = metrics.Start(n.log, n.cfg.metricsAddr, false)
	}
	metrics.StartTimestamp.SetToCurrentTime()
	n.log.Infow("node started", "addr", n.Address())
}

// Stop shuts every component down. It is safe to call more than once.
func (n *Node) Stop(ctx context.Context) error {
	var err *multierror.Error
	n.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()

		n.state.Lock()
		started := n.started
		if n.cancel != nil {
			n.cancel()
		}
		n.state.Unlock()

		n.engine.Close()
		n.closeListener(ctx)
		if cerr := n.journal.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("closing journal: %w", cerr))
		}
		if n.metricsListener != nil {
			if cerr := n.metricsListener.Close(); cerr != nil {
				err = multierror.Append(err, cerr)
			}
		}

		done := make(chan struct{})
		go func() {
			n.running.Wait()
			<-n.registry.Done()
			if started {
				<-n.sync.Done()
			}
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = multierror.Append(err, errors.New("node: timed out waiting for components to stop"))
		}
		n.log.Infow("node stopped")
		n.exitCh <- true
	})
	return err.ErrorOrNil()
}

// WaitExit is signalled once Stop completed.
func (n *Node) WaitExit() <-chan bool { return n.exitCh }

func (n *Node) closeListener(ctx context.Context) {
	if n.listener != nil {
		n.listener.Stop(ctx)
	}
}

// abort releases what NewNode acquired when it fails half way.
func (n *Node) abort(ctx context.Context) {
	if err := n.journal.Close(); err != nil {
		n.log.Warnw("closing journal", "err", err)
	}
	n.closeListener(ctx)
}

// Address is where the transport listens, empty for custom transports.
func (n *Node) Address() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr()
}

func (n *Node) Device() common.DeviceID               { return n.pair.Public.Device }
func (n *Node) Identity() *key.Identity               { return n.pair.Public }
func (n *Node) Journal() *journal.Journal             { return n.journal }
func (n *Node) Graph() *authority.Graph               { return n.graph }
func (n *Node) Registry() *authority.Registry         { return n.registry }
func (n *Node) Engine() *ceremony.Engine              { return n.engine }
func (n *Node) Runtime() *choreography.Runtime        { return n.runtime }
func (n *Node) Directory() *Directory                 { return n.dir }
func (n *Node) Sync() *SyncManager                    { return n.sync }
func (n *Node) Effects() *effects.Effects             { return n.fx }
func (n *Node) Signer() journal.Signer                { return n.signer }
func (n *Node) Channel(namespace string) *net.Channel { return n.router.Channel(namespace) }

// AddPeer records the identity of another device.
func (n *Node) AddPeer(id *key.Identity) error { return n.dir.Add(id) }

// JoinAuthority saves the roster of an authority and, when the device holds
// one, its share. Rosters without a distributed key are refused.
func (n *Node) JoinAuthority(g *key.Group, s *key.Share) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if g.PublicKey == nil {
		return fmt.Errorf("roster of %s has no threshold key", g.Authority)
	}
	if s != nil {
		if s.Authority != g.Authority {
			return fmt.Errorf("share for %s given with roster of %s", s.Authority, g.Authority)
		}
		if node := g.Find(n.Device()); node == nil || node.Index != s.Index {
			return fmt.Errorf("share index %d does not match the roster of %s", s.Index, g.Authority)
		}
	}
	if err := n.keys.SaveGroup(g); err != nil {
		return fmt.Errorf("saving roster: %w", err)
	}
	if err := n.learn(g); err != nil {
		return err
	}
	if s != nil {
		if err := n.keys.SaveShare(s); err != nil {
			return fmt.Errorf("saving share: %w", err)
		}
		n.vault.SetShare(s)
	}
	n.log.Infow("joined authority", "authority", g.Authority, "devices", g.Len(), "threshold", g.Threshold, "share", s != nil)
	return nil
}

// Bootstrap has the devices of a threshold-sign the root capability of a
// and records it. candidates restricts who is asked to sign.
func (n *Node) Bootstrap(ctx context.Context, a common.AuthorityID, candidates ...common.DeviceID) (*authority.Capability, error) {
	ctx, span := metrics.NewSpan(ctx, "node.Bootstrap")
	defer span.End()

	root := authority.NewRoot(a, n.Device(), n.fx.Now())
	res, err := n.engine.Run(ctx, ceremony.Request{
		Flow:       ceremony.AccountBootstrap,
		Authority:  a,
		Context:    BootstrapContext(a),
		Scope:      CapabilityScope,
		Message:    root.SigningMessage(),
		Candidates: candidates,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap ceremony of %s: %w", a, err)
	}
	root.Signature = res.Signature
	if _, err := n.registry.Bootstrap(ctx, root); err != nil {
		return nil, err
	}
	n.log.Infow("authority bootstrapped", "authority", a, "root", root.ID.Short(), "signers", len(res.Signers))
	return root, nil
}

// Delegate derives a capability from parent, signed by this device.
func (n *Node) Delegate(ctx context.Context, parent common.CapabilityID, subject authority.Subject, scope authority.Scope, expiry *common.PhysicalTime) (*authority.Capability, error) {
	return n.registry.Delegate(ctx, parent, subject, scope, expiry)
}

// Revoke revokes a capability and, with it, every capability derived from
// it.
func (n *Node) Revoke(ctx context.Context, id common.CapabilityID) error {
	_, err := n.registry.Revoke(ctx, id)
	return err
}

// Check evaluates subject against scope at the current time.
func (n *Node) Check(subject authority.Subject, scope authority.Scope) authority.Decision {
	return n.graph.Evaluate(subject, scope, n.fx.Now())
}

// Sign runs a threshold ceremony of flow over msg for authority a.
func (n *Node) Sign(ctx context.Context, flow ceremony.Flow, a common.AuthorityID, c common.ContextID, epoch common.Epoch, msg []byte) (*ceremony.Result, error) {
	return n.engine.Run(ctx, ceremony.Request{Flow: flow, Authority: a, Context: c, Epoch: epoch, Message: msg})
}

// WaitForFinality waits until fact id reaches target, bounded by the
// configured finality wait when ctx has no deadline.
func (n *Node) WaitForFinality(ctx context.Context, id common.FactID, target journal.Finality) (journal.Finality, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.finalityWait)
		defer cancel()
	}
	return n.journal.WaitForFinality(ctx, id, target)
}
