package ceremony

import (
	"github.com/hxrts/aura-sub023/common"
)

// Evidence kinds recorded in the evidence context of a ceremony scope.
const (
	EvidenceEquivocation = "ceremony.equivocation"
	EvidenceFailure      = "ceremony.failed"
)

// ContentResult is the content type of the fact recording the outcome of a
// ConsensusFinalized ceremony.
const ContentResult = "aura.ceremony.result"

// EquivocationEvidence carries two commitments the same participant signed
// for the same ceremony and epoch.
type EquivocationEvidence struct {
	First  Commitment `cbor:"1,keyasint"`
	Second Commitment `cbor:"2,keyasint"`
}

// FailureEvidence records a Failed ceremony and who was blamed.
type FailureEvidence struct {
	Ceremony common.SessionID  `cbor:"1,keyasint"`
	Flow     Flow              `cbor:"2,keyasint"`
	Epoch    common.Epoch      `cbor:"3,keyasint"`
	Context  common.ContextID  `cbor:"4,keyasint"`
	Reason   string            `cbor:"5,keyasint"`
	Blame    []common.DeviceID `cbor:"6,keyasint,omitempty"`
}

// ResultRecord is the payload of a ContentResult fact.
type ResultRecord struct {
	Ceremony  common.SessionID   `cbor:"1,keyasint"`
	Flow      Flow               `cbor:"2,keyasint"`
	Epoch     common.Epoch       `cbor:"3,keyasint"`
	Context   common.ContextID   `cbor:"4,keyasint"`
	Authority common.AuthorityID `cbor:"5,keyasint"`
	Message   common.Hash32      `cbor:"6,keyasint"`
	GroupKey  []byte             `cbor:"7,keyasint"`
	Signature []byte             `cbor:"8,keyasint"`
	Signers   []common.DeviceID  `cbor:"9,keyasint"`
}
