package core

import (
	"path"
	"time"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/internal/fs"
)

// DefaultConfigFolderName is the name of the folder containing all key
// materials and the journal database by default. It is relative to the
// user's home directory.
const DefaultConfigFolderName = ".aura"

// DefaultConfigFolder returns the default path of the configuration folder.
func DefaultConfigFolder() string {
	return path.Join(fs.HomeFolder(), DefaultConfigFolderName)
}

// DefaultDBFolder is the name of the folder in which the journal database is
// saved. It is relative to the configuration folder.
const DefaultDBFolder = "db"

// ConfigFileName is the node configuration file inside the configuration
// folder.
const ConfigFileName = "aura.toml"

// DefaultListenAddr is where the transport listens unless told otherwise.
const DefaultListenAddr = "127.0.0.1:4450"

// DefaultSyncInterval is the period of the anti-entropy exchange with peers.
const DefaultSyncInterval = 10 * time.Second

// DefaultFinalityWait bounds WaitForFinality calls without a deadline.
const DefaultFinalityWait = 30 * time.Second

// DefaultFactCacheSize is the number of decoded facts cached in front of the
// store.
const DefaultFactCacheSize = 4096

// CapabilityScope is the journal scope holding delegations and revocations.
var CapabilityScope = common.ContextIDFromName("aura/capabilities")

// BootstrapContext is the ceremony context in which authority a signs its
// root capability.
func BootstrapContext(a common.AuthorityID) common.ContextID {
	return common.ContextIDFromName("aura/bootstrap/" + a.String())
}

const stopTimeout = 5 * time.Second
