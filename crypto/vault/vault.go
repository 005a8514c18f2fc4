package vault

import (
	"errors"
	"sync"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/crypto/frost"
)

// ErrNoShare is returned when the device holds no share for an authority.
var ErrNoShare = errors.New("vault: no threshold share for authority")

// Vault stores the threshold shares a device holds and the rosters they
// belong to. Vault is thread safe.
type Vault struct {
	mu     sync.RWMutex
	shares map[common.AuthorityID]*key.Share
	groups map[common.AuthorityID]*key.Group
}

// New returns an empty vault.
func New() *Vault {
	return &Vault{
		shares: make(map[common.AuthorityID]*key.Share),
		groups: make(map[common.AuthorityID]*key.Group),
	}
}

// SetGroup records the roster of an authority.
func (v *Vault) SetGroup(g *key.Group) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.groups[g.Authority] = g
}

// SetShare records the device's share for an authority.
func (v *Vault) SetShare(s *key.Share) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shares[s.Authority] = s
}

// Group returns the roster of a, if known.
func (v *Vault) Group(a common.AuthorityID) (*key.Group, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	g, ok := v.groups[a]
	return g, ok
}

// Share returns the share and the public package for a.
func (v *Vault) Share(a common.AuthorityID) (*frost.KeyShare, *frost.PublicPackage, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.shares[a]
	if !ok {
		return nil, nil, ErrNoShare
	}
	g, ok := v.groups[a]
	if !ok || g.PublicKey == nil {
		return nil, nil, ErrNoShare
	}
	return s.KeyShare, g.PublicKey.PublicPackage, nil
}

// Public returns the public package for a, usable by devices without a share.
func (v *Vault) Public(a common.AuthorityID) (*frost.PublicPackage, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	g, ok := v.groups[a]
	if !ok || g.PublicKey == nil {
		return nil, false
	}
	return g.PublicKey.PublicPackage, true
}

// Index returns the device's threshold index for a.
func (v *Vault) Index(a common.AuthorityID) (uint32, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.shares[a]
	if !ok {
		return 0, false
	}
	return s.Index, true
}

// Authorities lists the authorities the vault holds a share for.
func (v *Vault) Authorities() []common.AuthorityID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]common.AuthorityID, 0, len(v.shares))
	for a := range v.shares {
		out = append(out, a)
	}
	return out
}
