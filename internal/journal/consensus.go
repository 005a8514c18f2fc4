package journal

import (
	"context"
	"sort"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
)

// ConsensusProof is a threshold signature over ConsensusMessage.
type ConsensusProof struct {
	Quorum    uint32
	GroupKey  []byte
	Signature []byte
}

// ConsensusDriver obtains a consensus proof for a set of facts, typically by
// running a threshold ceremony among the scope's devices.
type ConsensusDriver interface {
	Finalize(ctx context.Context, scope common.ContextID, facts []common.FactID, msg []byte) (*ConsensusProof, error)
}

// ConsensusDriverFunc adapts a function to ConsensusDriver.
type ConsensusDriverFunc func(ctx context.Context, scope common.ContextID, facts []common.FactID, msg []byte) (*ConsensusProof, error)

func (f ConsensusDriverFunc) Finalize(ctx context.Context, scope common.ContextID, facts []common.FactID, msg []byte) (*ConsensusProof, error) {
	return f(ctx, scope, facts, msg)
}

type consensusBody struct {
	Label string           `cbor:"1,keyasint"`
	Scope common.ContextID `cbor:"2,keyasint"`
	Facts []common.FactID  `cbor:"3,keyasint"`
}

// ConsensusMessage is the message consensus proofs sign. Fact order does not
// matter.
func ConsensusMessage(scope common.ContextID, facts []common.FactID) []byte {
	ids := append([]common.FactID(nil), facts...)
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return codec.MustMarshal(consensusBody{Label: "aura.journal.consensus", Scope: scope, Facts: ids})
}
