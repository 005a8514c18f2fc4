package ceremony

import (
	"fmt"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/crypto/frost"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
)

// Namespace is the transport topic namespace of ceremony traffic.
const Namespace = "ceremony"

const (
	topicProposal   = Namespace + "/proposal"
	topicCommitment = Namespace + "/commitment"
	topicEcho       = Namespace + "/echo"
	topicShare      = Namespace + "/share"
	topicAccusation = Namespace + "/accusation"
)

// Proposal opens a ceremony on every selected participant. The initiator
// signs it.
type Proposal struct {
	Ceremony  common.SessionID   `cbor:"1,keyasint"`
	Initiator common.DeviceID    `cbor:"2,keyasint"`
	Epoch     common.Epoch       `cbor:"3,keyasint"`
	Flow      Flow               `cbor:"4,keyasint"`
	Authority common.AuthorityID `cbor:"5,keyasint"`
	// Context, Flow and Epoch identify the ceremony for uniqueness.
	Context common.ContextID `cbor:"6,keyasint"`
	// Scope receives the evidence and results of the ceremony.
	Scope        common.ContextID    `cbor:"7,keyasint"`
	Message      []byte              `cbor:"8,keyasint"`
	Participants []common.DeviceID   `cbor:"9,keyasint"`
	Deadline     common.PhysicalTime `cbor:"10,keyasint"`
	Signature    []byte              `cbor:"11,keyasint,omitempty"`
}

// Commitment is a participant's round one message.
type Commitment struct {
	Ceremony    common.SessionID `cbor:"1,keyasint"`
	Participant common.DeviceID  `cbor:"2,keyasint"`
	Epoch       common.Epoch     `cbor:"3,keyasint"`
	Commitment  frost.Commitment `cbor:"4,keyasint"`
	Signature   []byte           `cbor:"5,keyasint,omitempty"`
}

// Echo relays every commitment a participant received so that conflicting
// commitments sent to different peers come to light. The initiator's echo is
// the signing package: it also names the signing set.
type Echo struct {
	Ceremony    common.SessionID  `cbor:"1,keyasint"`
	Participant common.DeviceID   `cbor:"2,keyasint"`
	Epoch       common.Epoch      `cbor:"3,keyasint"`
	Commitments []Commitment      `cbor:"4,keyasint"`
	Signature   []byte            `cbor:"5,keyasint,omitempty"`
	Signers     []common.DeviceID `cbor:"6,keyasint,omitempty"`
}

// SignatureShare is a signer's round two message.
type SignatureShare struct {
	Ceremony    common.SessionID     `cbor:"1,keyasint"`
	Participant common.DeviceID      `cbor:"2,keyasint"`
	Epoch       common.Epoch         `cbor:"3,keyasint"`
	Share       frost.SignatureShare `cbor:"4,keyasint"`
	Signature   []byte               `cbor:"5,keyasint,omitempty"`
}

// Accusation forwards proof of equivocation to the other participants. The
// proof carries the equivocator's own signatures.
type Accusation struct {
	Ceremony common.SessionID     `cbor:"1,keyasint"`
	Evidence EquivocationEvidence `cbor:"2,keyasint"`
}

func signingMessage(label string, v any) []byte {
	return append([]byte("aura.ceremony."+label+":"), codec.MustMarshal(v)...)
}

func (p *Proposal) signingMessage() []byte {
	c := *p
	c.Signature = nil
	return signingMessage("proposal", c)
}

func (c *Commitment) signingMessage() []byte {
	cp := *c
	cp.Signature = nil
	return signingMessage("commitment", cp)
}

func (e *Echo) signingMessage() []byte {
	c := *e
	c.Signature = nil
	return signingMessage("echo", c)
}

func (sh *SignatureShare) signingMessage() []byte {
	c := *sh
	c.Signature = nil
	return signingMessage("share", c)
}

func (p *Proposal) Seal(s journal.Signer)        { p.Signature = s.Sign(p.signingMessage()) }
func (c *Commitment) Seal(s journal.Signer)      { c.Signature = s.Sign(c.signingMessage()) }
func (e *Echo) Seal(s journal.Signer)            { e.Signature = s.Sign(e.signingMessage()) }
func (sh *SignatureShare) Seal(s journal.Signer) { sh.Signature = s.Sign(sh.signingMessage()) }

// Verify checks the initiator's signature.
func (p *Proposal) Verify(cr effects.CryptoEffects, keys journal.KeyResolver) error {
	return verifyFrom(cr, keys, p.Initiator, p.signingMessage(), p.Signature)
}

// Verify checks the participant's signature.
func (c *Commitment) Verify(cr effects.CryptoEffects, keys journal.KeyResolver) error {
	return verifyFrom(cr, keys, c.Participant, c.signingMessage(), c.Signature)
}

// Verify checks the echoing participant's signature. The relayed
// commitments carry their own.
func (e *Echo) Verify(cr effects.CryptoEffects, keys journal.KeyResolver) error {
	return verifyFrom(cr, keys, e.Participant, e.signingMessage(), e.Signature)
}

// Verify checks the participant's signature.
func (sh *SignatureShare) Verify(cr effects.CryptoEffects, keys journal.KeyResolver) error {
	return verifyFrom(cr, keys, sh.Participant, sh.signingMessage(), sh.Signature)
}

func verifyFrom(cr effects.CryptoEffects, keys journal.KeyResolver, d common.DeviceID, msg, sig []byte) error {
	pub, ok := keys.DeviceKey(d)
	if !ok {
		return fmt.Errorf("%w: unknown device %s", ErrBadSignature, d)
	}
	if !cr.Verify(pub, msg, sig) {
		return fmt.Errorf("%w: from %s", ErrBadSignature, d)
	}
	return nil
}

// Equal compares the signed content of two commitments.
func (c *Commitment) Equal(o *Commitment) bool {
	return c.Ceremony == o.Ceremony && c.Participant == o.Participant && c.Epoch == o.Epoch &&
		c.Commitment.Equal(o.Commitment)
}
