package ceremony

import (
	"encoding/binary"
	"sort"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/internal/util"
)

func rank(id common.SessionID, flow Flow, epoch common.Epoch, d common.DeviceID) common.Hash32 {
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], uint64(epoch))
	return common.HashWith(common.DomainCeremony, id.UUID[:], []byte{byte(flow)}, e[:], d.UUID[:])
}

// Select orders the candidates of a ceremony. Every device computing it from
// the same (id, flow, epoch) and candidate set gets the same order, whatever
// the order of the candidates. The first threshold devices form the signing
// set, the others check the commitments and aggregate.
func Select(id common.SessionID, flow Flow, epoch common.Epoch, candidates []common.DeviceID) []common.DeviceID {
	out := util.Dedup(candidates)
	ranks := make(map[common.DeviceID]common.Hash32, len(out))
	for _, d := range out {
		ranks[d] = rank(id, flow, epoch, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := ranks[out[i]].Compare(ranks[out[j]]); c != 0 {
			return c < 0
		}
		return out[i].Compare(out[j]) < 0
	})
	return out
}

func sameOrder(a, b []common.DeviceID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
