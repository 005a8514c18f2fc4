package ceremony

import (
	"fmt"
	"strings"

	"github.com/hxrts/aura-sub023/common"
)

var (
	ErrInsufficientParticipants = common.KindError(common.KindCeremony, "ceremony: fewer eligible participants than the threshold")
	ErrTimeout                  = common.KindError(common.KindCeremony, "ceremony: deadline reached")
	ErrEquivocation             = common.KindError(common.KindCeremony, "ceremony: participant sent conflicting commitments")
	ErrInvalidShare             = common.KindError(common.KindCeremony, "ceremony: invalid signature share")
	ErrAggregation              = common.KindError(common.KindCeremony, "ceremony: aggregated signature does not verify")
	ErrDuplicateCeremony        = common.KindError(common.KindCeremony, "ceremony: a ceremony for this context, flow and epoch is running")
	ErrAlreadyAggregated        = common.KindError(common.KindCeremony, "ceremony: context, flow and epoch already produced a signature")
	ErrStaleEpoch               = common.KindError(common.KindCeremony, "ceremony: epoch older than the latest seen")
	ErrRejected                 = common.KindError(common.KindCeremony, "ceremony: proposal rejected")
	ErrUnknownCeremony          = common.KindError(common.KindCeremony, "ceremony: unknown ceremony")
	ErrInvalidTransition        = common.KindError(common.KindCeremony, "ceremony: invalid phase transition")
	ErrClosed                   = common.KindError(common.KindCeremony, "ceremony: engine closed")

	ErrBadSignature   = common.KindError(common.KindAuthentication, "ceremony: message signature does not verify")
	ErrNotParticipant = common.KindError(common.KindAuthentication, "ceremony: sender is not a participant")
)

// FailedError is the outcome of a ceremony that ended in Failed.
type FailedError struct {
	Ceremony common.SessionID
	Flow     Flow
	Epoch    common.Epoch
	Reason   error
	// Blame lists the participants held responsible, in selection order.
	Blame []common.DeviceID
}

func (e *FailedError) Error() string {
	blame := make([]string, len(e.Blame))
	for i, d := range e.Blame {
		blame[i] = d.String()
	}
	return fmt.Sprintf("ceremony %s (%s, epoch %d) failed: %v; blame [%s]",
		e.Ceremony, e.Flow, e.Epoch, e.Reason, strings.Join(blame, ", "))
}

func (e *FailedError) Unwrap() error { return e.Reason }
