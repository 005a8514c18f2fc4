package ceremony

import (
	"fmt"
)

// Phase is the state of one ceremony on one participant.
type Phase uint32

const (
	// Ready: the ceremony is known but no nonces were drawn yet.
	Ready Phase = iota
	// Commitments: our commitment is out, we collect everyone else's and
	// their echoes.
	Commitments
	// SignShares: the signing set is fixed, shares are collected.
	SignShares
	// Aggregated: a signature verifying under the group key was produced.
	Aggregated
	// Failed: the ceremony ended without signature. Blame lists who is at
	// fault.
	Failed
)

func (p Phase) String() string {
	switch p {
	case Ready:
		return "Ready"
	case Commitments:
		return "Commitments"
	case SignShares:
		return "SignShares"
	case Aggregated:
		return "Aggregated"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Phase(%d)", uint32(p))
	}
}

// Terminal is true for Aggregated and Failed.
func (p Phase) Terminal() bool { return p == Aggregated || p == Failed }

var transitions = map[Phase][]Phase{
	Ready:       {Commitments, Aggregated, Failed},
	Commitments: {SignShares, Failed},
	SignShares:  {Aggregated, Failed},
}

// To checks that the state machine allows moving from p to next.
func (p Phase) To(next Phase) error {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p, next)
}
