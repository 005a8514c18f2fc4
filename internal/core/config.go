package core

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"
	"google.golang.org/grpc"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/ceremony"
	"github.com/hxrts/aura-sub023/internal/choreography"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for a node to run.
type Config struct {
	configFolder string
	dbFolder     string
	listenAddr   string
	metricsAddr  string
	boltOpts     *bolt.Options
	grpcOpts     []grpc.DialOption
	logger       log.Logger
	clock        clockwork.Clock
	random       effects.RandomEffects
	transport    effects.TransportEffects
	store        journal.Store
	keyStore     key.Store
	peers        []*key.Identity
	scopes       []journal.ScopeConfig
	limits       choreography.Limits
	policies     []ceremony.Policy
	guardians    map[common.AuthorityID][]common.DeviceID
	individuals  map[common.DeviceID]common.IndividualID
	consensus    *common.AuthorityID
	syncInterval time.Duration
	finalityWait time.Duration
	enforce      bool
}

// NewConfig returns the config to pass to NewNode with the default options
// set and the updated values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		configFolder: DefaultConfigFolder(),
		listenAddr:   DefaultListenAddr,
		logger:       log.DefaultLogger(),
		clock:        clockwork.NewRealClock(),
		random:       effects.SystemRandom(),
		limits:       choreography.DefaultLimits,
		guardians:    make(map[common.AuthorityID][]common.DeviceID),
		individuals:  make(map[common.DeviceID]common.IndividualID),
		syncInterval: DefaultSyncInterval,
		finalityWait: DefaultFinalityWait,
	}
	c.dbFolder = path.Join(c.configFolder, DefaultDBFolder)
	for i := range opts {
		opts[i](c)
	}
	return c
}

// ConfigFolder returns the folder under which the node stores all its
// configuration.
func (c *Config) ConfigFolder() string { return c.configFolder }

// DBFolder returns the folder of the journal database.
func (c *Config) DBFolder() string { return c.dbFolder }

// ListenAddress returns the address the transport listens on.
func (c *Config) ListenAddress() string { return c.listenAddr }

// MetricsAddress returns where metrics are served, empty when disabled.
func (c *Config) MetricsAddress() string { return c.metricsAddr }

// Logger returns the logger associated with this config.
func (c *Config) Logger() log.Logger { return c.logger }

// Limits returns the default choreography budgets.
func (c *Config) Limits() choreography.Limits { return c.limits }

// Scopes returns the scope configurations applied at start.
func (c *Config) Scopes() []journal.ScopeConfig { return c.scopes }

// Peers returns the identities known at start.
func (c *Config) Peers() []*key.Identity { return c.peers }

// WithConfigFolder sets the base configuration folder to the given string.
func WithConfigFolder(folder string) ConfigOption {
	return func(c *Config) {
		c.configFolder = folder
		c.dbFolder = path.Join(c.configFolder, DefaultDBFolder)
	}
}

// WithDBFolder sets the folder of the journal database. This path is NOT
// relative to the configuration folder.
func WithDBFolder(folder string) ConfigOption {
	return func(c *Config) { c.dbFolder = folder }
}

// WithListenAddress specifies the address the transport binds to.
func WithListenAddress(addr string) ConfigOption {
	return func(c *Config) { c.listenAddr = addr }
}

// WithMetricsAddress serves prometheus metrics on addr.
func WithMetricsAddress(addr string) ConfigOption {
	return func(c *Config) { c.metricsAddr = addr }
}

// WithBoltOptions applies boltdb specific options to the journal database.
func WithBoltOptions(opts *bolt.Options) ConfigOption {
	return func(c *Config) { c.boltOpts = opts }
}

// WithGrpcOptions applies grpc dialling options used when the node contacts
// a peer.
func WithGrpcOptions(opts ...grpc.DialOption) ConfigOption {
	return func(c *Config) { c.grpcOpts = opts }
}

// WithLogger replaces the default logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(c *Config) { c.logger = l }
}

// WithLogLevel sets the logging verbosity to the given level.
func WithLogLevel(level int, json bool) ConfigOption {
	return func(c *Config) { c.logger = log.New(nil, level, json) }
}

// WithClock replaces the system clock, mostly for tests.
func WithClock(clock clockwork.Clock) ConfigOption {
	return func(c *Config) { c.clock = clock }
}

// WithRandom replaces the system randomness, mostly for tests.
func WithRandom(r effects.RandomEffects) ConfigOption {
	return func(c *Config) { c.random = r }
}

// WithTransport replaces the gRPC transport. No listener is started.
func WithTransport(t effects.TransportEffects) ConfigOption {
	return func(c *Config) { c.transport = t }
}

// WithStore replaces the boltdb journal store.
func WithStore(s journal.Store) ConfigOption {
	return func(c *Config) { c.store = s }
}

// WithKeyStore loads and saves rosters and shares in s instead of the file
// store of the configuration folder.
func WithKeyStore(s key.Store) ConfigOption {
	return func(c *Config) { c.keyStore = s }
}

// WithPeers adds identities of other devices.
func WithPeers(ids ...*key.Identity) ConfigOption {
	return func(c *Config) { c.peers = append(c.peers, ids...) }
}

// WithScope configures a journal scope at start.
func WithScope(cfg journal.ScopeConfig) ConfigOption {
	return func(c *Config) { c.scopes = append(c.scopes, cfg) }
}

// WithLimits sets the flow and leakage budgets of every subject.
func WithLimits(l choreography.Limits) ConfigOption {
	return func(c *Config) { c.limits = l }
}

// WithCeremonyPolicy replaces the default policy of p.Flow.
func WithCeremonyPolicy(p ceremony.Policy) ConfigOption {
	return func(c *Config) { c.policies = append(c.policies, p) }
}

// WithGuardians marks devices as guardians of authority a.
func WithGuardians(a common.AuthorityID, devices ...common.DeviceID) ConfigOption {
	return func(c *Config) { c.guardians[a] = append(c.guardians[a], devices...) }
}

// WithIndividual lets device act for individual.
func WithIndividual(device common.DeviceID, individual common.IndividualID) ConfigOption {
	return func(c *Config) { c.individuals[device] = individual }
}

// WithConsensusAuthority finalizes consensus transactions with threshold
// signatures of a.
func WithConsensusAuthority(a common.AuthorityID) ConfigOption {
	return func(c *Config) { c.consensus = &a }
}

// WithSyncInterval sets the anti-entropy period. Zero disables the periodic
// exchange; new local facts are still pushed.
func WithSyncInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.syncInterval = d }
}

// WithFinalityWait bounds WaitForFinality calls that carry no deadline.
func WithFinalityWait(d time.Duration) ConfigOption {
	return func(c *Config) { c.finalityWait = d }
}

// WithWriteAuthorization requires authors to hold the journal write
// capability of a scope before writing to it.
func WithWriteAuthorization() ConfigOption {
	return func(c *Config) { c.enforce = true }
}

// FileConfig is the TOML form of a node configuration.
type FileConfig struct {
	Folder       string               `toml:"folder"`
	Listen       string               `toml:"listen"`
	Metrics      string               `toml:"metrics"`
	LogLevel     string               `toml:"log_level"`
	LogJSON      bool                 `toml:"log_json"`
	SyncInterval string               `toml:"sync_interval"`
	FinalityWait string               `toml:"finality_wait"`
	Consensus    string               `toml:"consensus_authority"`
	Enforce      bool                 `toml:"enforce_writes"`
	Limits       *choreography.Limits `toml:"limits"`
	Scopes       []ScopeTOML          `toml:"scope"`
	Ceremonies   []CeremonyTOML       `toml:"ceremony"`
	Peers        []*key.PublicTOML    `toml:"peer"`
	Guardians    []GuardiansTOML      `toml:"guardians"`
}

// ScopeTOML configures the finality of a scope. Context is either a UUID or
// a name from which the id is derived.
type ScopeTOML struct {
	Context   string            `toml:"context"`
	Parent    string            `toml:"parent"`
	Default   string            `toml:"default"`
	Minimum   string            `toml:"minimum"`
	Quorum    uint32            `toml:"quorum"`
	Overrides map[string]string `toml:"overrides"`
}

// CeremonyTOML overrides the timeout of a flow.
type CeremonyTOML struct {
	Flow    string `toml:"flow"`
	Timeout string `toml:"timeout"`
}

// GuardiansTOML lists the guardian devices of an authority.
type GuardiansTOML struct {
	Authority string   `toml:"authority"`
	Devices   []string `toml:"devices"`
}

// LoadConfigFile decodes the TOML configuration at path.
func LoadConfigFile(path string) (*FileConfig, error) {
	fc := new(FileConfig)
	md, err := toml.DecodeFile(path, fc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("reading %s: unknown keys %v", path, undecoded)
	}
	return fc, nil
}

// Save writes fc as TOML to path.
func (fc *FileConfig) Save(path string) error {
	fd, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(fc)
}

// ContextFromString reads a context id, deriving it from s when s is not a
// UUID.
func ContextFromString(s string) common.ContextID {
	if c, err := common.ParseContextID(s); err == nil {
		return c
	}
	return common.ContextIDFromName(s)
}

// AuthorityFromString reads an authority id, deriving it from s when s is
// not a UUID.
func AuthorityFromString(s string) common.AuthorityID {
	if a, err := common.ParseAuthorityID(s); err == nil {
		return a
	}
	return common.AuthorityIDFromName(s)
}

// Options turns the file into config options. Later options given to
// NewConfig override them.
func (fc *FileConfig) Options() ([]ConfigOption, error) {
	var opts []ConfigOption
	if fc.Folder != "" {
		opts = append(opts, WithConfigFolder(fc.Folder))
	}
	if fc.Listen != "" {
		opts = append(opts, WithListenAddress(fc.Listen))
	}
	if fc.Metrics != "" {
		opts = append(opts, WithMetricsAddress(fc.Metrics))
	}
	if fc.LogLevel != "" {
		lvl, err := log.ParseLevel(fc.LogLevel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithLogLevel(lvl, fc.LogJSON))
	}
	if fc.SyncInterval != "" {
		d, err := time.ParseDuration(fc.SyncInterval)
		if err != nil {
			return nil, fmt.Errorf("sync_interval: %w", err)
		}
		opts = append(opts, WithSyncInterval(d))
	}
	if fc.FinalityWait != "" {
		d, err := time.ParseDuration(fc.FinalityWait)
		if err != nil {
			return nil, fmt.Errorf("finality_wait: %w", err)
		}
		opts = append(opts, WithFinalityWait(d))
	}
	if fc.Consensus != "" {
		a, err := common.ParseAuthorityID(fc.Consensus)
		if err != nil {
			return nil, fmt.Errorf("consensus_authority: %w", err)
		}
		opts = append(opts, WithConsensusAuthority(a))
	}
	if fc.Enforce {
		opts = append(opts, WithWriteAuthorization())
	}
	if fc.Limits != nil {
		opts = append(opts, WithLimits(*fc.Limits))
	}
	for _, s := range fc.Scopes {
		cfg, err := s.config()
		if err != nil {
			return nil, fmt.Errorf("scope %q: %w", s.Context, err)
		}
		opts = append(opts, WithScope(cfg))
	}
	for _, ct := range fc.Ceremonies {
		flow, err := ceremony.ParseFlow(ct.Flow)
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(ct.Timeout)
		if err != nil {
			return nil, fmt.Errorf("ceremony %s timeout: %w", ct.Flow, err)
		}
		p := policyOf(flow)
		p.Timeout = d
		opts = append(opts, WithCeremonyPolicy(p))
	}
	for i := range fc.Peers {
		id := new(key.Identity)
		if err := id.FromTOML(fc.Peers[i]); err != nil {
			return nil, fmt.Errorf("peer[%d]: %w", i, err)
		}
		opts = append(opts, WithPeers(id))
	}
	for _, g := range fc.Guardians {
		a, err := common.ParseAuthorityID(g.Authority)
		if err != nil {
			return nil, fmt.Errorf("guardians: %w", err)
		}
		for _, d := range g.Devices {
			dev, err := common.ParseDeviceID(d)
			if err != nil {
				return nil, fmt.Errorf("guardians of %s: %w", a, err)
			}
			opts = append(opts, WithGuardians(a, dev))
		}
	}
	return opts, nil
}

func (s ScopeTOML) config() (journal.ScopeConfig, error) {
	cfg := journal.DefaultScope(ContextFromString(s.Context))
	if s.Parent != "" {
		p := ContextFromString(s.Parent)
		cfg.Parent = &p
	}
	var err error
	if s.Default != "" {
		if cfg.Default, err = journal.ParseFinality(s.Default); err != nil {
			return cfg, err
		}
	}
	if s.Minimum != "" {
		if cfg.Minimum, err = journal.ParseFinality(s.Minimum); err != nil {
			return cfg, err
		}
	}
	cfg.Quorum = s.Quorum
	for ct, f := range s.Overrides {
		fin, err := journal.ParseFinality(f)
		if err != nil {
			return cfg, fmt.Errorf("override %s: %w", ct, err)
		}
		if cfg.Overrides == nil {
			cfg.Overrides = make(map[string]journal.Finality)
		}
		cfg.Overrides[ct] = fin
	}
	return cfg, nil
}

func policyOf(flow ceremony.Flow) ceremony.Policy {
	for _, p := range ceremony.DefaultPolicies {
		if p.Flow == flow {
			return p
		}
	}
	return ceremony.Policy{Flow: flow}
}
