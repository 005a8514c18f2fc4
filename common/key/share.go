package key

import (
	"encoding/hex"
	"fmt"

	"github.com/drand/kyber"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/crypto/frost"
)

// Share is the private threshold share a device holds for one authority.
// This information MUST stay private!
type Share struct {
	Authority common.AuthorityID
	*frost.KeyShare
}

// ShareTOML is the TOML representation of a Share.
type ShareTOML struct {
	Authority string
	Index     uint32
	Share     string
	Threshold int
	GroupKey  string
}

// TOML returns a TOML-compatible version of this share.
func (s *Share) TOML() interface{} {
	return &ShareTOML{
		Authority: s.Authority.String(),
		Index:     s.Index,
		Share:     hex.EncodeToString(frost.EncodeScalar(s.Secret)),
		Threshold: s.Threshold,
		GroupKey:  hex.EncodeToString(frost.EncodePoint(s.GroupKey)),
	}
}

// FromTOML initializes the share from its TOML form.
func (s *Share) FromTOML(i interface{}) error {
	t, ok := i.(*ShareTOML)
	if !ok {
		return ErrWrongTOML
	}
	var err error
	if s.Authority.UUID, err = parseUUID(t.Authority); err != nil {
		return fmt.Errorf("share.Authority corrupted: %w", err)
	}
	secret, err := decodeScalar(t.Share)
	if err != nil {
		return fmt.Errorf("share.Share corrupted: %w", err)
	}
	gk, err := decodePoint(t.GroupKey)
	if err != nil {
		return fmt.Errorf("share.GroupKey corrupted: %w", err)
	}
	s.KeyShare = &frost.KeyShare{Index: t.Index, Secret: secret, Threshold: t.Threshold, GroupKey: gk}
	return nil
}

// TOMLValue returns an empty TOML-compatible value.
func (s *Share) TOMLValue() interface{} { return &ShareTOML{} }

// DistPublic is the public side of an authority's threshold key: group key,
// threshold and each participant's verifying share.
type DistPublic struct {
	*frost.PublicPackage
}

// Key returns the encoded group key.
func (d *DistPublic) Key() []byte {
	return frost.EncodePoint(d.GroupKey)
}

// Hash commits to every public element.
func (d *DistPublic) Hash() common.Hash32 {
	parts := [][]byte{d.Key(), {byte(d.Threshold >> 8), byte(d.Threshold)}}
	for _, i := range d.Indices() {
		parts = append(parts, []byte{byte(i >> 8), byte(i)}, frost.EncodePoint(d.VerifyingShares[i]))
	}
	return common.HashWith(common.DomainHash, parts...)
}

// Equal compares every public element.
func (d *DistPublic) Equal(o *DistPublic) bool {
	return d.Hash() == o.Hash()
}

// DistPublicTOML is a TOML compatible value of a DistPublic.
type DistPublicTOML struct {
	Threshold int
	GroupKey  string
	Shares    []VerifyingShareTOML
}

// VerifyingShareTOML is one participant's public share.
type VerifyingShareTOML struct {
	Index uint32
	Key   string
}

// TOML returns a TOML-compatible version of d.
func (d *DistPublic) TOML() interface{} {
	t := &DistPublicTOML{Threshold: d.Threshold, GroupKey: hex.EncodeToString(d.Key())}
	for _, i := range d.Indices() {
		t.Shares = append(t.Shares, VerifyingShareTOML{Index: i, Key: hex.EncodeToString(frost.EncodePoint(d.VerifyingShares[i]))})
	}
	return t
}

// FromTOML initializes d from its TOML form.
func (d *DistPublic) FromTOML(i interface{}) error {
	t, ok := i.(*DistPublicTOML)
	if !ok {
		return ErrWrongTOML
	}
	gk, err := decodePoint(t.GroupKey)
	if err != nil {
		return fmt.Errorf("dist public group key: %w", err)
	}
	pkg := &frost.PublicPackage{Threshold: t.Threshold, GroupKey: gk, VerifyingShares: map[uint32]kyber.Point{}}
	for _, s := range t.Shares {
		p, err := decodePoint(s.Key)
		if err != nil {
			return fmt.Errorf("dist public share %d: %w", s.Index, err)
		}
		pkg.VerifyingShares[s.Index] = p
	}
	if t.Threshold < 1 || t.Threshold > len(pkg.VerifyingShares) {
		return frost.ErrInvalidThreshold
	}
	d.PublicPackage = pkg
	return nil
}

// TOMLValue returns an empty TOML-compatible value.
func (d *DistPublic) TOMLValue() interface{} { return &DistPublicTOML{} }

func decodePoint(s string) (kyber.Point, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return frost.DecodePoint(raw)
}

func decodeScalar(s string) (kyber.Scalar, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return frost.DecodeScalar(raw)
}
