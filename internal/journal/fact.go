package journal

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/internal/effects"
)

// Content types with a meaning to the journal itself. Anything else is an
// application fact the journal stores opaquely.
const (
	ContentTombstone       = "aura.tombstone"
	ContentEpochBump       = "aura.epoch_bump"
	ContentCheckpoint      = "aura.checkpoint"
	ContentTreeOp          = "aura.tree_op"
	ContentIntent          = "aura.intent"
	ContentConsensus       = "aura.consensus"
	ContentConsensusFailed = "aura.consensus_failed"
	ContentBridge          = "aura.bridge"
	ContentEvidencePrefix  = "aura.evidence."
)

// SchemaVersion is the current envelope schema.
const SchemaVersion uint16 = 1

const factSigningPrefix = "aura.fact.signature:"

// Fact is an authenticated, immutable statement about a context. Facts are
// never modified once created: Finality is the only field that changes and
// it is not covered by the identifier nor the signature.
type Fact struct {
	ID            common.FactID
	Context       common.ContextID
	Author        common.DeviceID
	Epoch         common.Epoch
	AssertedAt    common.PhysicalTime
	RetractedAt   *common.PhysicalTime
	ContentType   string
	SchemaVersion uint16
	Payload       []byte
	Finality      Finality
	Signature     []byte
}

type factPreimage struct {
	Context       common.ContextID     `cbor:"1,keyasint"`
	Author        common.DeviceID      `cbor:"2,keyasint"`
	Epoch         common.Epoch         `cbor:"3,keyasint"`
	AssertedAt    common.PhysicalTime  `cbor:"4,keyasint"`
	RetractedAt   *common.PhysicalTime `cbor:"5,keyasint,omitempty"`
	ContentType   string               `cbor:"6,keyasint"`
	SchemaVersion uint16               `cbor:"7,keyasint"`
	Payload       []byte               `cbor:"8,keyasint"`
}

// ComputeID hashes every field but the id, the finality and the signature.
func (f *Fact) ComputeID() common.FactID {
	pre := factPreimage{
		Context:       f.Context,
		Author:        f.Author,
		Epoch:         f.Epoch,
		AssertedAt:    f.AssertedAt,
		RetractedAt:   f.RetractedAt,
		ContentType:   f.ContentType,
		SchemaVersion: f.SchemaVersion,
		Payload:       f.Payload,
	}
	return common.FactID{Hash32: common.HashWith(common.DomainFact, codec.MustMarshal(pre))}
}

func (f *Fact) signingMessage() []byte {
	return append([]byte(factSigningPrefix), f.ID.Hash32[:]...)
}

// Seal sets the identifier and signs the fact.
func (f *Fact) Seal(s Signer) {
	f.Author = s.Device()
	f.ID = f.ComputeID()
	f.Signature = s.Sign(f.signingMessage())
}

// Verify checks the identifier and the author signature.
func (f *Fact) Verify(c effects.CryptoEffects, keys KeyResolver) error {
	if f.ComputeID() != f.ID {
		return fmt.Errorf("%w: identifier does not match content", ErrCorruptEnvelope)
	}
	pub, ok := keys.DeviceKey(f.Author)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAuthor, f.Author)
	}
	if !c.Verify(pub, f.signingMessage(), f.Signature) {
		return fmt.Errorf("%w: fact %s by %s", ErrBadSignature, f.ID.Short(), f.Author)
	}
	return nil
}

// Clone returns a copy sharing the immutable byte slices.
func (f *Fact) Clone() *Fact {
	c := *f
	if f.RetractedAt != nil {
		t := *f.RetractedAt
		c.RetractedAt = &t
	}
	return &c
}

// Less orders facts by (epoch, id), the deterministic merge order.
func (f *Fact) Less(o *Fact) bool {
	if f.Epoch != o.Epoch {
		return f.Epoch < o.Epoch
	}
	return f.ID.Compare(o.ID) < 0
}

// Decode unmarshals the payload into v.
func (f *Fact) Decode(v any) error {
	if err := codec.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, f.ContentType, err)
	}
	return nil
}

// IsEvidence reports whether the fact records byzantine or authorization
// evidence.
func (f *Fact) IsEvidence() bool { return strings.HasPrefix(f.ContentType, ContentEvidencePrefix) }

func (f *Fact) String() string {
	return fmt.Sprintf("fact %s [%s] epoch %d by %s (%s)", f.ID.Short(), f.ContentType, f.Epoch, f.Author, f.Finality)
}

// Signer signs facts on behalf of the local device.
type Signer interface {
	Device() common.DeviceID
	Sign(msg []byte) []byte
}

// KeyResolver gives the public key of a device.
type KeyResolver interface {
	DeviceKey(d common.DeviceID) (ed25519.PublicKey, bool)
}

// KeyMap is a static KeyResolver.
type KeyMap map[common.DeviceID]ed25519.PublicKey

func (k KeyMap) DeviceKey(d common.DeviceID) (ed25519.PublicKey, bool) {
	pub, ok := k[d]
	return pub, ok
}

type keySigner struct {
	device common.DeviceID
	key    ed25519.PrivateKey
	crypto effects.CryptoEffects
}

// NewSigner signs with an Ed25519 device key through the crypto effects.
func NewSigner(device common.DeviceID, key ed25519.PrivateKey, c effects.CryptoEffects) Signer {
	return &keySigner{device: device, key: key, crypto: c}
}

func (k *keySigner) Device() common.DeviceID { return k.device }
func (k *keySigner) Sign(msg []byte) []byte  { return k.crypto.Sign(k.key, msg) }

// RetractReason tells why a fact was tombstoned.
type RetractReason uint8

const (
	RetractSuperseded RetractReason = iota
	RetractError
	RetractPolicy
	RetractUserRequest
)

func (r RetractReason) String() string {
	switch r {
	case RetractSuperseded:
		return "superseded"
	case RetractError:
		return "error"
	case RetractPolicy:
		return "policy"
	case RetractUserRequest:
		return "user-request"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// OpKind enumerates the fact operations.
type OpKind uint8

const (
	OpAssert OpKind = iota
	OpTombstone
	OpEpochBump
	OpCheckpoint
)

func (k OpKind) String() string {
	switch k {
	case OpAssert:
		return "assert"
	case OpTombstone:
		return "tombstone"
	case OpEpochBump:
		return "epoch_bump"
	case OpCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// FactOp is a request to append one fact to a scope.
type FactOp struct {
	Kind OpKind
	// Assert
	ContentType string
	Payload     []byte
	// Tombstone
	Target common.FactID
	Reason RetractReason
	// EpochBump
	Epoch common.Epoch
}

// Assert appends an application fact.
func Assert(contentType string, payload []byte) FactOp {
	return FactOp{Kind: OpAssert, ContentType: contentType, Payload: payload}
}

// AssertValue appends a fact whose payload is the CBOR encoding of v.
func AssertValue(contentType string, v any) (FactOp, error) {
	b, err := codec.Marshal(v)
	if err != nil {
		return FactOp{}, err
	}
	return Assert(contentType, b), nil
}

// Retract tombstones target.
func Retract(target common.FactID, reason RetractReason) FactOp {
	return FactOp{Kind: OpTombstone, Target: target, Reason: reason}
}

// BumpEpoch moves the scope to epoch to, which must be greater than the
// current one.
func BumpEpoch(to common.Epoch) FactOp {
	return FactOp{Kind: OpEpochBump, Epoch: to}
}

// CheckpointOp records the current state hash of the scope.
func CheckpointOp() FactOp {
	return FactOp{Kind: OpCheckpoint}
}

// Payloads of the system facts.

type TombstonePayload struct {
	Target common.FactID `cbor:"1,keyasint"`
	Reason RetractReason `cbor:"2,keyasint"`
}

type EpochBumpPayload struct {
	From common.Epoch `cbor:"1,keyasint"`
	To   common.Epoch `cbor:"2,keyasint"`
}

type CheckpointPayload struct {
	Epoch     common.Epoch  `cbor:"1,keyasint"`
	StateHash common.Hash32 `cbor:"2,keyasint"`
	// Facts is every fact present when the checkpoint was taken.
	Facts []common.FactID `cbor:"3,keyasint"`
	// Covered is the part of Facts the checkpoint compacts: facts of a lower
	// epoch that had already reached consensus.
	Covered []common.FactID `cbor:"4,keyasint"`
}

type ConsensusPayload struct {
	Facts     []common.FactID `cbor:"1,keyasint"`
	Quorum    uint32          `cbor:"2,keyasint"`
	GroupKey  []byte          `cbor:"3,keyasint"`
	Signature []byte          `cbor:"4,keyasint"`
}

type ConsensusFailedPayload struct {
	Facts  []common.FactID `cbor:"1,keyasint"`
	Reason string          `cbor:"2,keyasint"`
}

type BridgePayload struct {
	Source common.ContextID `cbor:"1,keyasint"`
	Fact   common.FactID    `cbor:"2,keyasint"`
}

// IntentPayload is a staged, not yet authoritative, operation.
type IntentPayload struct {
	Kind string `cbor:"1,keyasint"`
	Body []byte `cbor:"2,keyasint"`
}

// EvidencePayload describes an adversarial or authorization event observed
// in Context.
type EvidencePayload struct {
	Context common.ContextID `cbor:"1,keyasint"`
	Subject string           `cbor:"2,keyasint"`
	Detail  []byte           `cbor:"3,keyasint"`
}
