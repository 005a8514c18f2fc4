package authority

import (
	"fmt"

	"github.com/hxrts/aura-sub023/common"
)

// DenyReason tells why an evaluation was denied. When several candidate
// capabilities fail, the lowest reason wins.
type DenyReason uint8

const (
	ReasonNone DenyReason = iota
	// ReasonRevoked means a link of the only matching chains was revoked.
	ReasonRevoked
	// ReasonExpired means a link had expired.
	ReasonExpired
	// ReasonUnrecognizedRoot means the chain ends in a root whose authority
	// is unknown.
	ReasonUnrecognizedRoot
	// ReasonBadSignature means the root signature no longer verifies
	// against the authority's group key.
	ReasonBadSignature
	// ReasonNoCapability means the subject holds nothing covering the scope.
	ReasonNoCapability
)

func (r DenyReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRevoked:
		return "revoked"
	case ReasonExpired:
		return "expired"
	case ReasonUnrecognizedRoot:
		return "unrecognized root"
	case ReasonBadSignature:
		return "bad signature"
	case ReasonNoCapability:
		return "no capability"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Granted bool
	Reason  DenyReason
	// Chain is the path from the deciding capability up to its root: the
	// granting one, or the candidate the reason comes from.
	Chain []common.CapabilityID
}

// Capability returns the deciding capability, if any.
func (d Decision) Capability() (common.CapabilityID, bool) {
	if len(d.Chain) == 0 {
		return common.CapabilityID{}, false
	}
	return d.Chain[0], true
}

// Err is nil when granted and wraps ErrPermissionDenied otherwise.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
}

func (d Decision) String() string {
	if d.Granted {
		return "granted"
	}
	return "denied: " + d.Reason.String()
}
