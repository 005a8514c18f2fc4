package ceremony

import (
	"github.com/jonboulle/clockwork"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/crypto/frost"
	"github.com/hxrts/aura-sub023/internal/util"
)

// Result is the outcome of an Aggregated ceremony.
type Result struct {
	Ceremony  common.SessionID
	Flow      Flow
	Epoch     common.Epoch
	Context   common.ContextID
	Authority common.AuthorityID
	Message   []byte
	// GroupKey is empty for LocalOnly flows, whose signature is the
	// initiator's device signature.
	GroupKey  []byte
	Signature []byte
	Signers   []common.DeviceID
}

// Status is a snapshot of a ceremony as seen by the local device.
type Status struct {
	Ceremony     common.SessionID
	Flow         Flow
	Epoch        common.Epoch
	Context      common.ContextID
	Initiator    common.DeviceID
	Participants []common.DeviceID
	Phase        Phase
	Result       *Result
	Err          *FailedError
}

type slot struct {
	context common.ContextID
	flow    Flow
	epoch   common.Epoch
}

type lane struct {
	context common.ContextID
	flow    Flow
}

// session is the local state of one ceremony. It is only touched by the
// engine loop.
type session struct {
	prop   Proposal
	policy Policy
	self   common.DeviceID

	share     *frost.KeyShare
	pkg       *frost.PublicPackage
	index     map[common.DeviceID]uint32
	threshold int
	// signers is the signing set chosen by the initiator: the first threshold
	// participants to commit, in selection order. Empty until announced.
	signers []common.DeviceID

	phase       Phase
	nonces      *frost.Nonces
	commitments map[common.DeviceID]*Commitment
	echoed      bool
	echoes      map[common.DeviceID]bool
	shares      map[common.DeviceID]frost.SignatureShare
	verified    map[common.DeviceID]bool

	result *Result
	err    *FailedError
	timer  clockwork.Timer
	done   chan struct{}
}

func newSession(p Proposal, policy Policy, self common.DeviceID) *session {
	return &session{
		prop:        p,
		policy:      policy,
		self:        self,
		index:       make(map[common.DeviceID]uint32),
		commitments: make(map[common.DeviceID]*Commitment),
		echoes:      make(map[common.DeviceID]bool),
		shares:      make(map[common.DeviceID]frost.SignatureShare),
		verified:    make(map[common.DeviceID]bool),
		done:        make(chan struct{}),
	}
}

func (s *session) slot() slot { return slot{s.prop.Context, s.prop.Flow, s.prop.Epoch} }
func (s *session) lane() lane { return lane{s.prop.Context, s.prop.Flow} }

func (s *session) participant(d common.DeviceID) bool { return util.Cont(s.prop.Participants, d) }
func (s *session) signer(d common.DeviceID) bool      { return util.Cont(s.signers, d) }

func (s *session) others() []common.DeviceID { return util.Without(s.prop.Participants, s.self) }

// signingCommitments are the commitments of the signing set, in index order.
func (s *session) signingCommitments() []frost.Commitment {
	cs := make([]frost.Commitment, 0, len(s.signers))
	for _, d := range s.signers {
		cs = append(cs, s.commitments[d].Commitment)
	}
	frost.SortCommitments(cs)
	return cs
}

// pick chooses the signing set from the participants that committed.
func (s *session) pick() []common.DeviceID {
	out := make([]common.DeviceID, 0, s.threshold)
	for _, d := range s.prop.Participants {
		if len(out) == s.threshold {
			break
		}
		if s.commitments[d] != nil {
			out = append(out, d)
		}
	}
	return out
}

// ready reports whether every signer committed and echoed.
func (s *session) ready() bool {
	if len(s.signers) == 0 {
		return false
	}
	for _, d := range s.signers {
		if s.commitments[d] == nil || !s.echoes[d] {
			return false
		}
	}
	return true
}

// relayed lists the commitments held, in participant order.
func (s *session) relayed() []Commitment {
	out := make([]Commitment, 0, len(s.commitments))
	for _, d := range s.prop.Participants {
		if c, ok := s.commitments[d]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// missing lists who the ceremony is waiting for in the current phase.
func (s *session) missing() []common.DeviceID {
	switch s.phase {
	case Commitments:
		if len(s.signers) > 0 {
			return util.Filter(s.signers, func(d common.DeviceID) bool { return !s.echoes[d] })
		}
		if m := util.Filter(s.prop.Participants, func(d common.DeviceID) bool { return s.commitments[d] == nil }); len(m) > 0 {
			return m
		}
		return []common.DeviceID{s.prop.Initiator}
	case SignShares:
		return util.Filter(s.signers, func(d common.DeviceID) bool { return !s.verified[d] })
	default:
		return nil
	}
}

func (s *session) status() Status {
	return Status{
		Ceremony:     s.prop.Ceremony,
		Flow:         s.prop.Flow,
		Epoch:        s.prop.Epoch,
		Context:      s.prop.Context,
		Initiator:    s.prop.Initiator,
		Participants: append([]common.DeviceID(nil), s.prop.Participants...),
		Phase:        s.phase,
		Result:       s.result,
		Err:          s.err,
	}
}

// destroy wipes the nonces if they were not consumed by signing.
func (s *session) destroy() {
	if s.nonces != nil {
		s.nonces.Zero()
	}
}
