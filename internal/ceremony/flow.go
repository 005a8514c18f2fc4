package ceremony

import (
	"fmt"
	"strings"
	"time"
)

// Flow names what a ceremony is for. Every flow has a Policy.
type Flow uint8

const (
	AccountBootstrap Flow = iota + 1
	KeyRotation
	AmpEpochBump
	RendezvousSecureChannel
	GuardianRecovery
	CapabilityCoSigning
	// ConsensusFinalization signs journal consensus proofs.
	ConsensusFinalization
)

var flowNames = map[Flow]string{
	AccountBootstrap:        "account_bootstrap",
	KeyRotation:             "key_rotation",
	AmpEpochBump:            "amp_epoch_bump",
	RendezvousSecureChannel: "rendezvous_secure_channel",
	GuardianRecovery:        "guardian_recovery",
	CapabilityCoSigning:     "capability_co_signing",
	ConsensusFinalization:   "consensus_finalization",
}

func (f Flow) String() string {
	if n, ok := flowNames[f]; ok {
		return n
	}
	return fmt.Sprintf("flow(%d)", uint8(f))
}

// ParseFlow reads the form returned by String.
func ParseFlow(s string) (Flow, error) {
	for f, n := range flowNames {
		if strings.EqualFold(n, s) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown ceremony flow %q", s)
}

// QuorumMode is the agreement a flow requires.
type QuorumMode uint8

const (
	// LocalOnly flows are attested by the initiating device alone.
	LocalOnly QuorumMode = iota + 1
	// ThresholdLocal flows need an m-of-n threshold signature.
	ThresholdLocal
	// ConsensusFinalized flows need a threshold signature whose result is
	// then committed to the journal of the ceremony context.
	ConsensusFinalized
)

func (m QuorumMode) String() string {
	switch m {
	case LocalOnly:
		return "local_only"
	case ThresholdLocal:
		return "threshold_local"
	case ConsensusFinalized:
		return "consensus_finalized"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParticipantKind restricts who may be selected for a flow.
type ParticipantKind uint8

const (
	Devices ParticipantKind = iota + 1
	Guardians
	Mixed
)

func (k ParticipantKind) String() string {
	switch k {
	case Devices:
		return "devices"
	case Guardians:
		return "guardians"
	case Mixed:
		return "mixed"
	default:
		return fmt.Sprintf("participants(%d)", uint8(k))
	}
}

// Policy is the row of the policy table for one flow.
type Policy struct {
	Flow         Flow
	Mode         QuorumMode
	Participants ParticipantKind
	Timeout      time.Duration
}

// DefaultPolicies is the policy table engines start with.
var DefaultPolicies = []Policy{
	{Flow: AccountBootstrap, Mode: ConsensusFinalized, Participants: Devices, Timeout: 2 * time.Minute},
	{Flow: KeyRotation, Mode: ConsensusFinalized, Participants: Devices, Timeout: 2 * time.Minute},
	{Flow: AmpEpochBump, Mode: ThresholdLocal, Participants: Devices, Timeout: 30 * time.Second},
	{Flow: RendezvousSecureChannel, Mode: LocalOnly, Participants: Devices, Timeout: 10 * time.Second},
	{Flow: GuardianRecovery, Mode: ConsensusFinalized, Participants: Guardians, Timeout: 10 * time.Minute},
	{Flow: CapabilityCoSigning, Mode: ThresholdLocal, Participants: Mixed, Timeout: time.Minute},
	{Flow: ConsensusFinalization, Mode: ThresholdLocal, Participants: Devices, Timeout: 30 * time.Second},
}

// admits reports whether a device of the given role may take part.
func (p Policy) admits(guardian bool) bool {
	switch p.Participants {
	case Devices:
		return !guardian
	case Guardians:
		return guardian
	default:
		return true
	}
}
