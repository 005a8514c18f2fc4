package authority

import (
	"fmt"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
)

// Journal content types of the capability facts.
const (
	ContentDelegation = "aura.capability.delegation"
	ContentRevocation = "aura.capability.revocation"
)

const (
	capabilitySigningPrefix = "aura.capability.signature:"
	revocationSigningPrefix = "aura.capability.revocation:"
)

// Capability is a node of the authority graph. A capability without parent
// is a root: it grants the universal scope to an authority and carries a
// threshold signature of that authority's group key. Every other capability
// is signed by its issuer's device key.
type Capability struct {
	ID        common.CapabilityID  `cbor:"1,keyasint"`
	Parent    *common.CapabilityID `cbor:"2,keyasint,omitempty"`
	Subject   Subject              `cbor:"3,keyasint"`
	Scope     Scope                `cbor:"4,keyasint"`
	Expiry    *common.PhysicalTime `cbor:"5,keyasint,omitempty"`
	Issuer    common.DeviceID      `cbor:"6,keyasint"`
	IssuedAt  common.PhysicalTime  `cbor:"7,keyasint"`
	Signature []byte               `cbor:"8,keyasint"`
}

type capabilityPreimage struct {
	Parent   *common.CapabilityID `cbor:"1,keyasint,omitempty"`
	Subject  Subject              `cbor:"2,keyasint"`
	Scope    Scope                `cbor:"3,keyasint"`
	Expiry   *common.PhysicalTime `cbor:"4,keyasint,omitempty"`
	Issuer   common.DeviceID      `cbor:"5,keyasint"`
	IssuedAt common.PhysicalTime  `cbor:"6,keyasint"`
}

// NewRoot returns the unsigned bootstrap capability of authority a. The
// authority's devices sign SigningMessage in a threshold ceremony and the
// result goes to Signature.
func NewRoot(a common.AuthorityID, issuer common.DeviceID, at common.PhysicalTime) *Capability {
	c := &Capability{
		Subject:  AuthoritySubject(a),
		Scope:    Universal(),
		Issuer:   issuer,
		IssuedAt: at,
	}
	c.ID = c.ComputeID()
	return c
}

// NewDelegation returns a capability derived from parent, signed by s.
func NewDelegation(s journal.Signer, parent *Capability, subject Subject, scope Scope, expiry *common.PhysicalTime, at common.PhysicalTime) *Capability {
	pid := parent.ID
	c := &Capability{
		Parent:   &pid,
		Subject:  subject,
		Scope:    scope,
		Expiry:   expiry,
		IssuedAt: at,
	}
	c.Seal(s)
	return c
}

// IssueTime returns now, or the first instant after parent was issued when
// the clock has not moved past it.
func IssueTime(parent *Capability, now common.PhysicalTime) common.PhysicalTime {
	if now <= parent.IssuedAt {
		return parent.IssuedAt + 1
	}
	return now
}

// ComputeID hashes every field but the signature.
func (c *Capability) ComputeID() common.CapabilityID {
	pre := capabilityPreimage{
		Parent:   c.Parent,
		Subject:  c.Subject,
		Scope:    c.Scope,
		Expiry:   c.Expiry,
		Issuer:   c.Issuer,
		IssuedAt: c.IssuedAt,
	}
	return common.CapabilityID{Hash32: common.HashWith(common.DomainCapability, codec.MustMarshal(pre))}
}

// SigningMessage is what the issuer, or the authority for a root, signs.
func (c *Capability) SigningMessage() []byte {
	return append([]byte(capabilitySigningPrefix), c.ID.Hash32[:]...)
}

// Seal sets the issuer and the identifier and signs the capability.
func (c *Capability) Seal(s journal.Signer) {
	c.Issuer = s.Device()
	c.ID = c.ComputeID()
	c.Signature = s.Sign(c.SigningMessage())
}

// IsRoot reports whether c has no parent.
func (c *Capability) IsRoot() bool { return c.Parent == nil }

// Expired reports whether c is no longer valid at now. A capability
// expiring exactly at now is expired.
func (c *Capability) Expired(now common.PhysicalTime) bool {
	return c.Expiry != nil && *c.Expiry <= now
}

// Verify checks the identifier and the issuer signature of a delegated
// capability.
func (c *Capability) Verify(cr effects.CryptoEffects, keys journal.KeyResolver) error {
	if c.ComputeID() != c.ID {
		return fmt.Errorf("%w: %s", ErrCorruptCapability, c.ID.Short())
	}
	pub, ok := keys.DeviceKey(c.Issuer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIssuer, c.Issuer)
	}
	if !cr.Verify(pub, c.SigningMessage(), c.Signature) {
		return fmt.Errorf("%w: capability %s by %s", ErrBadSignature, c.ID.Short(), c.Issuer)
	}
	return nil
}

// VerifyRoot checks the shape of a root and its threshold signature
// against groupKey.
func (c *Capability) VerifyRoot(cr effects.CryptoEffects, groupKey []byte) error {
	if c.ComputeID() != c.ID {
		return fmt.Errorf("%w: %s", ErrCorruptCapability, c.ID.Short())
	}
	if _, ok := c.Subject.Authority(); !ok || !c.Scope.IsUniversal() || !c.IsRoot() {
		return fmt.Errorf("%w: %s grants %s to %s", ErrInvalidRoot, c.ID.Short(), c.Scope, c.Subject)
	}
	if err := cr.VerifyThreshold(groupKey, c.SigningMessage(), c.Signature); err != nil {
		return fmt.Errorf("%w: root %s: %v", ErrBadSignature, c.ID.Short(), err)
	}
	return nil
}

func (c *Capability) String() string {
	return fmt.Sprintf("capability %s: %s to %s", c.ID.Short(), c.Scope, c.Subject)
}

// Revocation kills a capability and everything derived from it.
type Revocation struct {
	Capability common.CapabilityID `cbor:"1,keyasint"`
	Issuer     common.DeviceID     `cbor:"2,keyasint"`
	At         common.PhysicalTime `cbor:"3,keyasint"`
	Signature  []byte              `cbor:"4,keyasint"`
}

type revocationBody struct {
	Capability common.CapabilityID `cbor:"1,keyasint"`
	Issuer     common.DeviceID     `cbor:"2,keyasint"`
	At         common.PhysicalTime `cbor:"3,keyasint"`
}

// NewRevocation returns a revocation of id signed by s.
func NewRevocation(s journal.Signer, id common.CapabilityID, at common.PhysicalTime) *Revocation {
	r := &Revocation{Capability: id, Issuer: s.Device(), At: at}
	r.Signature = s.Sign(r.signingMessage())
	return r
}

func (r *Revocation) signingMessage() []byte {
	body := codec.MustMarshal(revocationBody{Capability: r.Capability, Issuer: r.Issuer, At: r.At})
	return append([]byte(revocationSigningPrefix), body...)
}

// Verify checks the issuer signature.
func (r *Revocation) Verify(cr effects.CryptoEffects, keys journal.KeyResolver) error {
	pub, ok := keys.DeviceKey(r.Issuer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIssuer, r.Issuer)
	}
	if !cr.Verify(pub, r.signingMessage(), r.Signature) {
		return fmt.Errorf("%w: revocation of %s by %s", ErrBadSignature, r.Capability.Short(), r.Issuer)
	}
	return nil
}
