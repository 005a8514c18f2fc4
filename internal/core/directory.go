package core

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/crypto/vault"
	"github.com/hxrts/aura-sub023/internal/authority"
	"github.com/hxrts/aura-sub023/internal/ceremony"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/net"
)

// Directory is what a node knows about other devices: their identities,
// the authority rosters in the vault, the guardians of each authority and
// which individual a device belongs to.
type Directory struct {
	sync.RWMutex
	ids         map[common.DeviceID]*key.Identity
	vault       *vault.Vault
	guardians   map[common.AuthorityID]map[common.DeviceID]bool
	individuals map[common.DeviceID]common.IndividualID
}

var (
	_ journal.KeyResolver  = (*Directory)(nil)
	_ authority.RootKeys   = (*Directory)(nil)
	_ authority.Membership = (*Directory)(nil)
	_ ceremony.Roles       = (*Directory)(nil)
	_ net.AddressBook      = (*Directory)(nil)
)

// NewDirectory returns a directory reading rosters from v.
func NewDirectory(v *vault.Vault) *Directory {
	return &Directory{
		ids:         make(map[common.DeviceID]*key.Identity),
		vault:       v,
		guardians:   make(map[common.AuthorityID]map[common.DeviceID]bool),
		individuals: make(map[common.DeviceID]common.IndividualID),
	}
}

// Add records an identity after checking its self signature. A known device
// may only change its address, never its key.
func (d *Directory) Add(id *key.Identity) error {
	if err := id.ValidSignature(); err != nil {
		return fmt.Errorf("identity of %s: %w", id.Device, err)
	}
	d.Lock()
	defer d.Unlock()
	if old, ok := d.ids[id.Device]; ok && !old.Equal(id) {
		return fmt.Errorf("identity of %s: key differs from the known one", id.Device)
	}
	d.ids[id.Device] = id
	return nil
}

// Identity returns the identity of device.
func (d *Directory) Identity(device common.DeviceID) (*key.Identity, bool) {
	d.RLock()
	defer d.RUnlock()
	id, ok := d.ids[device]
	return id, ok
}

// Identities lists every known identity ordered by device.
func (d *Directory) Identities() []*key.Identity {
	d.RLock()
	defer d.RUnlock()
	out := make([]*key.Identity, 0, len(d.ids))
	for _, id := range d.ids {
		out = append(out, id)
	}
	sort.Sort(key.ByDevice(out))
	return out
}

// Peers lists the known devices other than self.
func (d *Directory) Peers(self common.DeviceID) []common.DeviceID {
	var out []common.DeviceID
	for _, id := range d.Identities() {
		if id.Device != self {
			out = append(out, id.Device)
		}
	}
	return out
}

// SetGuardian marks device as a guardian of a.
func (d *Directory) SetGuardian(a common.AuthorityID, device common.DeviceID) {
	d.Lock()
	defer d.Unlock()
	if d.guardians[a] == nil {
		d.guardians[a] = make(map[common.DeviceID]bool)
	}
	d.guardians[a][device] = true
}

// SetIndividual lets device act for individual.
func (d *Directory) SetIndividual(device common.DeviceID, individual common.IndividualID) {
	d.Lock()
	defer d.Unlock()
	d.individuals[device] = individual
}

func (d *Directory) DeviceKey(device common.DeviceID) (ed25519.PublicKey, bool) {
	id, ok := d.Identity(device)
	if !ok {
		return nil, false
	}
	return id.Key, true
}

func (d *Directory) Address(device common.DeviceID) (string, bool) {
	id, ok := d.Identity(device)
	if !ok || id.Addr == "" {
		return "", false
	}
	return id.Addr, true
}

// GroupKey is the threshold key of a, known once the roster carries its
// distributed public key.
func (d *Directory) GroupKey(a common.AuthorityID) ([]byte, bool) {
	g, ok := d.vault.Group(a)
	if !ok || g.PublicKey == nil {
		return nil, false
	}
	return g.PublicKey.Key(), true
}

func (d *Directory) Guardian(a common.AuthorityID, device common.DeviceID) bool {
	d.RLock()
	defer d.RUnlock()
	return d.guardians[a][device]
}

// ActsFor is true when device is the subject itself, belongs to the
// individual, or is in the roster of the authority.
func (d *Directory) ActsFor(device common.DeviceID, s authority.Subject) bool {
	switch s.Kind {
	case authority.SubjectDevice:
		return s.ID == device.UUID
	case authority.SubjectIndividual:
		d.RLock()
		defer d.RUnlock()
		i, ok := d.individuals[device]
		return ok && i.UUID == s.ID
	case authority.SubjectAuthority:
		a, _ := s.Authority()
		g, ok := d.vault.Group(a)
		return ok && g.Find(device) != nil
	default:
		return false
	}
}
