package key

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/crypto"
	"github.com/hxrts/aura-sub023/crypto/frost"
)

// Node is a device of an authority together with its threshold index.
type Node struct {
	*Identity
	Index uint32
}

// Group is the roster of an authority: its devices, the signing threshold and,
// once the account is bootstrapped, the distributed public key.
type Group struct {
	Authority common.AuthorityID
	Threshold int
	Nodes     []*Node
	// PublicKey is nil until the threshold key has been established.
	PublicKey *DistPublic
	Scheme    *crypto.Scheme
}

var (
	ErrThresholdTooLow  = errors.New("key: group threshold below 1")
	ErrThresholdTooHigh = errors.New("key: group threshold greater than number of devices")
)

// Find returns the node for device, or nil.
func (g *Group) Find(device common.DeviceID) *Node {
	for _, n := range g.Nodes {
		if n.Device == device {
			return n
		}
	}
	return nil
}

// Node returns the node with threshold index i, or nil.
func (g *Group) Node(i uint32) *Node {
	for _, n := range g.Nodes {
		if n.Index == i {
			return n
		}
	}
	return nil
}

// Devices lists the device ids in index order.
func (g *Group) Devices() []common.DeviceID {
	nodes := append([]*Node(nil), g.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
	out := make([]common.DeviceID, len(nodes))
	for i, n := range nodes {
		out[i] = n.Device
	}
	return out
}

// Len is the number of devices.
func (g *Group) Len() int { return len(g.Nodes) }

// Hash provides a compact digest of the roster.
func (g *Group) Hash() common.Hash32 {
	nodes := append([]*Node(nil), g.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
	parts := [][]byte{g.Authority.UUID[:], {byte(g.Threshold >> 8), byte(g.Threshold)}}
	for _, n := range nodes {
		parts = append(parts, []byte{byte(n.Index >> 8), byte(n.Index)}, n.Hash())
	}
	if g.PublicKey != nil {
		pk := g.PublicKey.Hash()
		parts = append(parts, pk[:])
	}
	return common.HashWith(common.DomainHash, parts...)
}

func (g *Group) String() string {
	return fmt.Sprintf("group %s: %d-of-%d", g.Authority, g.Threshold, g.Len())
}

// Validate checks the threshold against the roster size.
func (g *Group) Validate() error {
	if g.Threshold < 1 {
		return ErrThresholdTooLow
	}
	if g.Threshold > g.Len() {
		return ErrThresholdTooHigh
	}
	return nil
}

// GroupTOML is the TOML representation of a Group.
type GroupTOML struct {
	Authority string
	Threshold int
	SchemeID  string
	Nodes     []*NodeTOML
	PublicKey *DistPublicTOML `toml:",omitempty"`
}

// NodeTOML is the TOML representation of a Node.
type NodeTOML struct {
	*PublicTOML
	Index uint32
}

// TOML returns a TOML-encodable version of the Group.
func (g *Group) TOML() interface{} {
	gt := &GroupTOML{
		Authority: g.Authority.String(),
		Threshold: g.Threshold,
		SchemeID:  g.Scheme.String(),
	}
	for _, n := range g.Nodes {
		gt.Nodes = append(gt.Nodes, &NodeTOML{PublicTOML: n.Identity.TOML().(*PublicTOML), Index: n.Index})
	}
	if g.PublicKey != nil {
		gt.PublicKey = g.PublicKey.TOML().(*DistPublicTOML)
	}
	return gt
}

// FromTOML decodes a group and validates its threshold.
func (g *Group) FromTOML(i interface{}) error {
	gt, ok := i.(*GroupTOML)
	if !ok {
		return ErrWrongTOML
	}
	sch, err := crypto.SchemeFromName(gt.SchemeID)
	if err != nil {
		return fmt.Errorf("unable to instantiate group with crypto scheme %q: %w", gt.SchemeID, err)
	}
	g.Scheme = sch
	if g.Authority.UUID, err = parseUUID(gt.Authority); err != nil {
		return fmt.Errorf("group: authority: %w", err)
	}
	g.Threshold = gt.Threshold
	g.Nodes = make([]*Node, len(gt.Nodes))
	for idx, nt := range gt.Nodes {
		id := new(Identity)
		if nt.PublicTOML == nil {
			return fmt.Errorf("group: node[%d] has no identity", idx)
		}
		if err := id.FromTOML(nt.PublicTOML); err != nil {
			return fmt.Errorf("group: unwrapping node[%d]: %w", idx, err)
		}
		g.Nodes[idx] = &Node{Identity: id, Index: nt.Index}
	}
	if gt.PublicKey != nil {
		g.PublicKey = new(DistPublic)
		if err := g.PublicKey.FromTOML(gt.PublicKey); err != nil {
			return fmt.Errorf("group: unwrapping distributed public key: %w", err)
		}
	}
	return g.Validate()
}

// TOMLValue returns an empty TOML-compatible value of the group.
func (g *Group) TOMLValue() interface{} { return &GroupTOML{} }

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// Deal creates a threshold key for authority and splits it among ids, a share
// per identity in the given order. The caller acts as a trusted dealer and
// must hand every share to its device only.
func Deal(a common.AuthorityID, threshold int, ids []*Identity, stream cipher.Stream) (*Group, []*Share, error) {
	shares, pkg, err := frost.Deal(threshold, len(ids), stream)
	if err != nil {
		return nil, nil, fmt.Errorf("key: dealing %d-of-%d: %w", threshold, len(ids), err)
	}
	g := &Group{Authority: a, Threshold: threshold, PublicKey: &DistPublic{pkg}, Scheme: crypto.NewFrostEd25519()}
	out := make([]*Share, len(ids))
	for i, id := range ids {
		g.Nodes = append(g.Nodes, &Node{Identity: id, Index: shares[i].Index})
		out[i] = &Share{Authority: a, KeyShare: shares[i]}
	}
	return g, out, g.Validate()
}
