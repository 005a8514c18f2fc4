package journal

import (
	"fmt"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
)

// EnvelopeEncoding is the only payload encoding envelopes carry.
const EnvelopeEncoding = "dag-cbor"

// Envelope is the persisted and wire form of a fact.
type Envelope struct {
	Header EnvelopeHeader `cbor:"1,keyasint"`
	Body   EnvelopeBody   `cbor:"2,keyasint"`
}

type EnvelopeHeader struct {
	FactID      common.FactID        `cbor:"1,keyasint"`
	Context     common.ContextID     `cbor:"2,keyasint"`
	Epoch       common.Epoch         `cbor:"3,keyasint"`
	Author      common.DeviceID      `cbor:"4,keyasint"`
	AssertedAt  common.PhysicalTime  `cbor:"5,keyasint"`
	RetractedAt *common.PhysicalTime `cbor:"6,keyasint,omitempty"`
	Finality    Finality             `cbor:"7,keyasint"`
	Signature   []byte               `cbor:"8,keyasint"`
}

type EnvelopeBody struct {
	TypeID        string `cbor:"1,keyasint"`
	SchemaVersion uint16 `cbor:"2,keyasint"`
	Encoding      string `cbor:"3,keyasint"`
	Payload       []byte `cbor:"4,keyasint"`
}

// NewEnvelope wraps f.
func NewEnvelope(f *Fact) *Envelope {
	return &Envelope{
		Header: EnvelopeHeader{
			FactID:      f.ID,
			Context:     f.Context,
			Epoch:       f.Epoch,
			Author:      f.Author,
			AssertedAt:  f.AssertedAt,
			RetractedAt: f.RetractedAt,
			Finality:    f.Finality,
			Signature:   f.Signature,
		},
		Body: EnvelopeBody{
			TypeID:        f.ContentType,
			SchemaVersion: f.SchemaVersion,
			Encoding:      EnvelopeEncoding,
			Payload:       f.Payload,
		},
	}
}

// Fact unwraps the envelope, checking the schema and the identifier.
func (e *Envelope) Fact() (*Fact, error) {
	if e.Body.Encoding != EnvelopeEncoding {
		return nil, fmt.Errorf("%w: encoding %q", ErrSchemaMismatch, e.Body.Encoding)
	}
	if e.Body.SchemaVersion == 0 || e.Body.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: version %d", ErrSchemaMismatch, e.Body.SchemaVersion)
	}
	f := &Fact{
		ID:            e.Header.FactID,
		Context:       e.Header.Context,
		Author:        e.Header.Author,
		Epoch:         e.Header.Epoch,
		AssertedAt:    e.Header.AssertedAt,
		RetractedAt:   e.Header.RetractedAt,
		ContentType:   e.Body.TypeID,
		SchemaVersion: e.Body.SchemaVersion,
		Payload:       e.Body.Payload,
		Finality:      e.Header.Finality,
		Signature:     e.Header.Signature,
	}
	if f.ComputeID() != f.ID {
		return nil, fmt.Errorf("%w: fact id %s does not match content", ErrCorruptEnvelope, f.ID.Short())
	}
	return f, nil
}

// EncodeFact returns the canonical envelope bytes of f.
func EncodeFact(f *Fact) ([]byte, error) {
	return codec.Marshal(NewEnvelope(f))
}

// DecodeFact parses canonical envelope bytes. Any non canonical input is
// reported as corruption, so that encoding a decoded envelope always gives
// back the same bytes.
func DecodeFact(b []byte) (*Fact, error) {
	e := new(Envelope)
	if err := codec.UnmarshalCanonical(b, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEnvelope, err)
	}
	return e.Fact()
}
