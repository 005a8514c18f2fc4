package journal

import (
	"encoding/binary"
	"sort"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
)

// TreeOpKind enumerates the authoritative key-tree operations.
type TreeOpKind uint8

const (
	TreeAddLeaf TreeOpKind = iota
	TreeRemoveLeaf
	TreeChangePolicy
	TreeRotate
)

func (k TreeOpKind) String() string {
	switch k {
	case TreeAddLeaf:
		return "add-leaf"
	case TreeRemoveLeaf:
		return "remove-leaf"
	case TreeChangePolicy:
		return "change-policy"
	case TreeRotate:
		return "rotate"
	default:
		return "unknown"
	}
}

// TreeOp is the payload of a ContentTreeOp fact.
type TreeOp struct {
	Kind      TreeOpKind      `cbor:"1,keyasint"`
	Leaf      common.DeviceID `cbor:"2,keyasint"`
	Threshold uint16          `cbor:"3,keyasint,omitempty"`
}

// TreeOpRecord is the entry of the grow-only epoch map.
type TreeOpRecord struct {
	Epoch      common.Epoch
	Op         TreeOp
	Commitment common.Hash32
	Fact       common.FactID
}

func newTreeOpRecord(f *Fact, op TreeOp) TreeOpRecord {
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], uint64(f.Epoch))
	return TreeOpRecord{
		Epoch:      f.Epoch,
		Op:         op,
		Commitment: common.HashWith(common.DomainTree, e[:], codec.MustMarshal(op), f.ID.Hash32[:]),
		Fact:       f.ID,
	}
}

// wins reports whether r replaces o at the same epoch.
func (r TreeOpRecord) wins(o TreeOpRecord) bool {
	return r.Commitment.Compare(o.Commitment) > 0
}

// Tree is the reduced authoritative key tree of a context.
type Tree struct {
	Epoch      common.Epoch
	Leaves     []common.DeviceID
	Threshold  uint16
	Rotations  int
	Commitment common.Hash32
}

// HasLeaf reports whether d is a leaf of the tree.
func (t *Tree) HasLeaf(d common.DeviceID) bool {
	i := sort.Search(len(t.Leaves), func(i int) bool { return t.Leaves[i].Compare(d) >= 0 })
	return i < len(t.Leaves) && t.Leaves[i] == d
}

// Reduce applies the operations in strict epoch order. The tree is advanced
// to each operation's epoch before the operation is applied.
func Reduce(ops map[common.Epoch]TreeOpRecord) *Tree {
	epochs := make([]common.Epoch, 0, len(ops))
	for e := range ops {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	t := &Tree{}
	leaves := make(map[common.DeviceID]struct{})
	for _, e := range epochs {
		rec := ops[e]
		t.Epoch = e
		switch rec.Op.Kind {
		case TreeAddLeaf:
			leaves[rec.Op.Leaf] = struct{}{}
		case TreeRemoveLeaf:
			delete(leaves, rec.Op.Leaf)
		case TreeChangePolicy:
			t.Threshold = rec.Op.Threshold
		case TreeRotate:
			t.Rotations++
		}
		t.Commitment = common.HashWith(common.DomainTree, t.Commitment[:], rec.Commitment[:])
	}
	t.Leaves = make([]common.DeviceID, 0, len(leaves))
	for d := range leaves {
		t.Leaves = append(t.Leaves, d)
	}
	sort.Slice(t.Leaves, func(i, j int) bool { return t.Leaves[i].Compare(t.Leaves[j]) < 0 })
	return t
}
