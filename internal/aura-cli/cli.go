// Package aura is the command line of an aura device: key generation,
// trusted dealing of threshold keys, the node daemon and offline inspection
// of its journal and capabilities.
package aura

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/core"
	"github.com/hxrts/aura-sub023/internal/fs"
	"github.com/hxrts/aura-sub023/internal/net"
)

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.buildDate=$(date -u +%d/%m/%Y@%H:%M:%S) -X main.gitCommit=$(git rev-parse HEAD)"
var (
	gitCommit = "none"
	buildDate = "unknown"
)

var SetVersionPrinter sync.Once

func banner(w io.Writer) {
	version := common.GetAppVersion()
	_, _ = fmt.Fprintf(w, "aura %s (date %v, commit %v)\n", version.String(), buildDate, gitCommit)
}

var folderFlag = &cli.StringFlag{
	Name:    "folder",
	Value:   core.DefaultConfigFolder(),
	Usage:   "Folder to keep all aura cryptographic information and the journal, with absolute path.",
	EnvVars: []string{"AURA_FOLDER"},
}

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Usage:   "If set, verbosity is at the debug level",
	EnvVars: []string{"AURA_VERBOSE"},
}

var jsonFlag = &cli.BoolFlag{
	Name:    "json",
	Usage:   "Set the output as json format",
	EnvVars: []string{"AURA_JSON"},
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "Node configuration file. Defaults to " + core.ConfigFileName + " inside the folder, when present.",
	EnvVars: []string{"AURA_CONFIG"},
}

var listenFlag = &cli.StringFlag{
	Name:    "listen",
	Usage:   "Set the listening (binding) address of the peer transport.",
	EnvVars: []string{"AURA_LISTEN"},
}

var metricsFlag = &cli.StringFlag{
	Name:    "metrics",
	Usage:   "Launch a metrics server at the specified (host:)port.",
	EnvVars: []string{"AURA_METRICS"},
}

var tracesFlag = &cli.StringFlag{
	Name:    "traces",
	Usage:   "Publish traces to the specific OpenTelemetry compatible host:port server. E.g. 127.0.0.1:4317",
	EnvVars: []string{"AURA_TRACES"},
}

var tracesProbabilityFlag = &cli.Float64Flag{
	Name: "traces-probability",
	Usage: "The probability for a certain trace to end up being collected." +
		"Between 0.0 and 1.0 values, that corresponds to 0% and 100%." +
		"Be careful as a high probability ratio can produce a lot of data.",
	EnvVars: []string{"AURA_TRACES_PROBABILITY"},
	Value:   0.05,
}

var nameFlag = &cli.StringFlag{
	Name:    "name",
	Usage:   "Derive the device id from this name instead of drawing a random one.",
	EnvVars: []string{"AURA_NAME"},
}

var authorityFlag = &cli.StringFlag{
	Name:     "authority",
	Usage:    "Authority id, or a name the id is derived from.",
	Required: true,
	EnvVars:  []string{"AURA_AUTHORITY"},
}

var thresholdFlag = &cli.IntFlag{
	Name:     "threshold",
	Usage:    "Number of devices needed to sign for the authority.",
	Required: true,
	EnvVars:  []string{"AURA_THRESHOLD"},
}

var outFlag = &cli.StringFlag{
	Name:    "out",
	Usage:   "Write the output to this path instead of stdout",
	EnvVars: []string{"AURA_OUT"},
}

var fromFlag = &cli.StringFlag{
	Name:     "from",
	Usage:    "Folder holding the roster and share dealt to this device.",
	Required: true,
	EnvVars:  []string{"AURA_FROM"},
}

var contextFlag = &cli.StringFlag{
	Name:     "context",
	Usage:    "Journal context id, or a name the id is derived from.",
	Required: true,
	EnvVars:  []string{"AURA_CONTEXT"},
}

var subjectFlag = &cli.StringFlag{
	Name:     "subject",
	Usage:    "Subject to evaluate, as kind:uuid (device, individual, group, authority).",
	Required: true,
	EnvVars:  []string{"AURA_SUBJECT"},
}

var scopeFlag = &cli.StringFlag{
	Name:     "scope",
	Usage:    "Scope to evaluate, as namespace:operation[:resource].",
	Required: true,
	EnvVars:  []string{"AURA_SCOPE"},
}

var appCommands = []*cli.Command{
	{
		Name:  "start",
		Usage: "Start the aura daemon.",
		Flags: toArray(folderFlag, configFlag, listenFlag, metricsFlag,
			tracesFlag, tracesProbabilityFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			banner(c.App.Writer)
			l := log.New(nil, logLevel(c), logJSON(c)).
				Named("startCmd")
			return startCmd(c, l)
		},
	},
	{
		Name: "keygen",
		Usage: "Generate the long-term key pair (aura_id.private, aura_id.public) " +
			"of this device.\n",
		ArgsUsage: "<address> is the address other devices will be able to contact this device on",
		Flags:     toArray(folderFlag, nameFlag),
		Action: func(c *cli.Context) error {
			l := log.New(nil, logLevel(c), logJSON(c)).
				Named("keygenCmd")
			return keygenCmd(c, l)
		},
	},
	{
		Name: "deal",
		Usage: "Split a fresh threshold key of an authority among the devices " +
			"whose public identity files are given, and write one folder per device under --out.",
		ArgsUsage: "`PUBLIC1` `PUBLIC2` ... are aura_id.public files",
		Flags:     toArray(authorityFlag, thresholdFlag, outFlag),
		Action: func(c *cli.Context) error {
			l := log.New(nil, logLevel(c), logJSON(c)).
				Named("dealCmd")
			return dealCmd(c, l)
		},
	},
	{
		Name:  "join",
		Usage: "Install the roster and share dealt to this device.",
		Flags: toArray(folderFlag, fromFlag),
		Action: func(c *cli.Context) error {
			l := log.New(nil, logLevel(c), logJSON(c)).
				Named("joinCmd")
			return joinCmd(c, l)
		},
	},
	{
		Name:  "show",
		Usage: "local information retrieval about the device's key material.\n",
		Subcommands: []*cli.Command{
			{
				Name:  "public",
				Usage: "shows the long-term public identity of this device.\n",
				Flags: toArray(folderFlag),
				Action: func(c *cli.Context) error {
					l := log.New(nil, logLevel(c), logJSON(c)).
						Named("showPublicCmd")
					return showPublicCmd(c, l)
				},
			},
			{
				Name:  "authorities",
				Usage: "lists the authorities this device holds a share of.\n",
				Flags: toArray(folderFlag),
				Action: func(c *cli.Context) error {
					l := log.New(nil, logLevel(c), logJSON(c)).
						Named("showAuthoritiesCmd")
					return showAuthoritiesCmd(c, l)
				},
			},
		},
	},
	{
		Name: "journal",
		Usage: "Inspect the local journal. The daemon must be stopped: " +
			"the database is opened directly.",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "prints the facts of a context as json.\n",
				Flags: toArray(folderFlag, configFlag, contextFlag, outFlag),
				Action: func(c *cli.Context) error {
					l := log.New(nil, logLevel(c), logJSON(c)).
						Named("journalShowCmd")
					return journalShowCmd(c, l)
				},
			},
			{
				Name:  "hash",
				Usage: "prints the state hash of a context.\n",
				Flags: toArray(folderFlag, configFlag, contextFlag),
				Action: func(c *cli.Context) error {
					l := log.New(nil, logLevel(c), logJSON(c)).
						Named("journalHashCmd")
					return journalHashCmd(c, l)
				},
			},
			{
				Name:  "export",
				Usage: "backs up the journal database to a secondary location.\n",
				Flags: toArray(folderFlag, outFlag),
				Action: func(c *cli.Context) error {
					l := log.New(nil, logLevel(c), logJSON(c)).
						Named("journalExportCmd")
					return journalExportCmd(c, l)
				},
			},
		},
	},
	{
		Name:  "scope",
		Usage: "Capability queries against the local journal.",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "evaluates whether a subject holds a scope and prints the deciding chain.\n",
				Flags: toArray(folderFlag, configFlag, subjectFlag, scopeFlag),
				Action: func(c *cli.Context) error {
					l := log.New(nil, logLevel(c), logJSON(c)).
						Named("scopeCheckCmd")
					return scopeCheckCmd(c, l)
				},
			},
		},
	},
}

// CLI runs the aura app
func CLI() *cli.App {
	version := common.GetAppVersion()

	app := cli.NewApp()
	app.Name = "aura"

	SetVersionPrinter.Do(func() {
		cli.VersionPrinter = func(c *cli.Context) {
			fmt.Fprintf(c.App.Writer, "aura %s (date %v, commit %v)\n", version, buildDate, gitCommit)
		}
	})

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version.String()
	app.Usage = "threshold identity and journal device"
	// we need to copy the underlying commands to avoid races, cli sadly doesn't support concurrent executions well
	appComm := make([]*cli.Command, len(appCommands))
	for i, p := range appCommands {
		v := *p
		appComm[i] = &v
	}
	app.Commands = appComm
	verbFlag := *verboseFlag
	foldFlag := *folderFlag
	app.Flags = toArray(&verbFlag, &foldFlag)
	return app
}

func logLevel(c *cli.Context) int {
	if c.Bool(verboseFlag.Name) {
		return log.DebugLevel
	}
	return log.ErrorLevel
}

func logJSON(c *cli.Context) bool {
	return c.Bool(jsonFlag.Name)
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

// loadFileConfig reads the node configuration given by --config, or the one
// inside the folder when present.
func loadFileConfig(c *cli.Context) (*core.FileConfig, error) {
	p := c.String(configFlag.Name)
	if p == "" {
		p = filepath.Join(c.String(folderFlag.Name), core.ConfigFileName)
		if ok, _ := fs.Exists(p); !ok {
			return new(core.FileConfig), nil
		}
	}
	return core.LoadConfigFile(p)
}

// contextToConfig merges the configuration file with the flags, flags
// taking precedence.
func contextToConfig(c *cli.Context, l log.Logger, extra ...core.ConfigOption) (*core.Config, error) {
	fc, err := loadFileConfig(c)
	if err != nil {
		return nil, err
	}
	opts, err := fc.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, core.WithLogger(l))
	if fc.Folder == "" || c.IsSet(folderFlag.Name) {
		opts = append(opts, core.WithConfigFolder(c.String(folderFlag.Name)))
	}
	if c.IsSet(listenFlag.Name) {
		opts = append(opts, core.WithListenAddress(c.String(listenFlag.Name)))
	}
	if c.IsSet(metricsFlag.Name) {
		opts = append(opts, core.WithMetricsAddress(c.String(metricsFlag.Name)))
	}
	return core.NewConfig(append(opts, extra...)...), nil
}

func loadKeyPair(folder string) (*key.Pair, error) {
	ks, err := key.NewFileStore(folder)
	if err != nil {
		return nil, err
	}
	pair, err := ks.LoadKeyPair()
	if errors.Is(err, key.ErrAbsent) {
		return nil, fmt.Errorf("no key pair in %s, run 'aura keygen' first", folder)
	}
	return pair, err
}

// openOffline builds the node of this device on a private in-memory
// network, so that its journal and capability graph can be read without
// reaching peers.
func openOffline(c *cli.Context, l log.Logger) (*core.Node, error) {
	conf, err := contextToConfig(c, l)
	if err != nil {
		return nil, err
	}
	pair, err := loadKeyPair(conf.ConfigFolder())
	if err != nil {
		return nil, err
	}
	// a running daemon holds the database lock
	conf = core.NewConfig(
		core.WithConfigFolder(conf.ConfigFolder()),
		core.WithDBFolder(conf.DBFolder()),
		core.WithLogger(l),
		core.WithPeers(conf.Peers()...),
		core.WithBoltOptions(&bolt.Options{Timeout: time.Second}),
		core.WithTransport(net.NewNetwork(l).Join(pair.Public.Device)),
		core.WithSyncInterval(0),
	)
	n, err := core.NewNode(c.Context, pair, conf)
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("journal database is in use, stop the daemon first: %w", err)
	}
	return n, err
}

func closeOffline(n *core.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return n.Stop(ctx)
}

// output returns where a command writes, stdout unless --out is set.
func output(c *cli.Context) (io.Writer, func() error, error) {
	p := c.String(outFlag.Name)
	if p == "" {
		return c.App.Writer, func() error { return nil }, nil
	}
	fd, err := os.Create(p)
	if err != nil {
		return nil, nil, err
	}
	return fd, fd.Close, nil
}
