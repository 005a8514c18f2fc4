// Package frost implements two-round threshold Schnorr signing over
// edwards25519 in the style of FROST. Aggregated signatures are plain
// Ed25519-compatible Schnorr signatures that verify against the group key
// with sign/schnorr.
package frost

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"sort"

	"github.com/drand/kyber"
	"github.com/drand/kyber/group/edwards25519"
	"github.com/drand/kyber/share"
)

// Suite is the group all keys, nonces and signatures live in.
var Suite = edwards25519.NewBlakeSHA256Ed25519()

// MaxParticipants bounds n. Identifiers are 1-based x-coordinates.
const MaxParticipants = 0xffff

var (
	ErrInvalidThreshold = errors.New("frost: threshold must satisfy 1 <= m <= n")
	ErrUnknownSigner    = errors.New("frost: signer has no verifying share")
	ErrNotEnoughSigners = errors.New("frost: fewer commitments than threshold")
	ErrDuplicateSigner  = errors.New("frost: duplicate signer in signing set")
	ErrNonceUsed        = errors.New("frost: nonces already consumed")
	ErrNotInSigningSet  = errors.New("frost: signer missing from signing set")
	ErrInvalidShare     = errors.New("frost: signature share does not verify")
	ErrInvalidSignature = errors.New("frost: aggregate signature does not verify")
	ErrMalformed        = errors.New("frost: malformed encoding")
)

// KeyShare is one participant's secret share of the group key.
type KeyShare struct {
	Index     uint32
	Secret    kyber.Scalar
	Threshold int
	GroupKey  kyber.Point
}

// Verifying returns the public share Secret·G.
func (k *KeyShare) Verifying() kyber.Point {
	return Suite.Point().Mul(k.Secret, nil)
}

// PublicPackage is what every participant and verifier knows about a
// threshold key.
type PublicPackage struct {
	Threshold       int
	GroupKey        kyber.Point
	VerifyingShares map[uint32]kyber.Point
}

// Indices returns the participant identifiers in increasing order.
func (p *PublicPackage) Indices() []uint32 {
	out := make([]uint32, 0, len(p.VerifyingShares))
	for i := range p.VerifyingShares {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Total is n.
func (p *PublicPackage) Total() int {
	return len(p.VerifyingShares)
}

// Deal splits a fresh secret into n shares with threshold m using a
// trusted dealer. The dealer's secret never leaves this function.
func Deal(m, n int, stream cipher.Stream) ([]*KeyShare, *PublicPackage, error) {
	if m < 1 || m > n || n > MaxParticipants {
		return nil, nil, ErrInvalidThreshold
	}
	secret := Suite.Scalar().Pick(stream)
	poly := share.NewPriPoly(Suite, m, secret, stream)
	groupKey := Suite.Point().Mul(secret, nil)

	pkg := &PublicPackage{
		Threshold:       m,
		GroupKey:        groupKey,
		VerifyingShares: make(map[uint32]kyber.Point, n),
	}
	shares := make([]*KeyShare, 0, n)
	for _, s := range poly.Shares(n) {
		ks := &KeyShare{
			// the polynomial is evaluated at I+1
			Index:     uint32(s.I) + 1,
			Secret:    s.V,
			Threshold: m,
			GroupKey:  groupKey,
		}
		pkg.VerifyingShares[ks.Index] = ks.Verifying()
		shares = append(shares, ks)
	}
	secret.Zero()
	return shares, pkg, nil
}

// EncodePoint returns the canonical 32-byte encoding.
func EncodePoint(p kyber.Point) []byte {
	b, err := p.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("frost: encoding point: %v", err))
	}
	return b
}

// DecodePoint parses a canonical point encoding.
func DecodePoint(b []byte) (kyber.Point, error) {
	p := Suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: point: %v", ErrMalformed, err)
	}
	return p, nil
}

// EncodeScalar returns the canonical 32-byte encoding.
func EncodeScalar(s kyber.Scalar) []byte {
	b, err := s.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("frost: encoding scalar: %v", err))
	}
	return b
}

// DecodeScalar parses a canonical scalar encoding.
func DecodeScalar(b []byte) (kyber.Scalar, error) {
	s := Suite.Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: scalar: %v", ErrMalformed, err)
	}
	return s, nil
}
