package crypto

import (
	"crypto/cipher"
	"errors"
	"hash"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"github.com/zeebo/blake3"

	"github.com/hxrts/aura-sub023/crypto/frost"
)

// Scheme names the cryptographic choices of a deployment. Device identities
// sign with Ed25519, threshold keys live in the FROST group, and identities
// and content are hashed with BLAKE3.
//
// Note: Scheme is not meant to be marshaled directly. Instead use SchemeFromName.
type Scheme struct {
	// Name of the scheme
	Name string
	// ThresholdGroup is the group of threshold keys and aggregated signatures.
	ThresholdGroup kyber.Group
	// IdentityHash hashes public identities before self-signing.
	IdentityHash func() hash.Hash `toml:"-"`
}

// DefaultSchemeID is the only scheme currently defined.
const DefaultSchemeID = "frost-ed25519-blake3"

// ErrUnknownScheme is returned by SchemeFromName.
var ErrUnknownScheme = errors.New("crypto: unknown scheme")

// NewFrostEd25519 instantiates the default scheme.
func NewFrostEd25519() *Scheme {
	return &Scheme{
		Name:           DefaultSchemeID,
		ThresholdGroup: frost.Suite,
		IdentityHash:   func() hash.Hash { return blake3.New() },
	}
}

// SchemeFromName returns the scheme registered under name. The empty name
// selects the default.
func SchemeFromName(name string) (*Scheme, error) {
	switch name {
	case DefaultSchemeID, "":
		return NewFrostEd25519(), nil
	default:
		return nil, ErrUnknownScheme
	}
}

// ListSchemes lists every registered scheme name.
func ListSchemes() []string {
	return []string{DefaultSchemeID}
}

// RandomStream returns a stream backed by crypto/rand.
func (s *Scheme) RandomStream() cipher.Stream {
	return random.New()
}

// VerifyThreshold checks an aggregated signature against an encoded group key.
func (s *Scheme) VerifyThreshold(groupKey, msg, sig []byte) error {
	return frost.VerifyBytes(groupKey, msg, sig)
}

func (s *Scheme) String() string {
	if s != nil {
		return s.Name
	}
	return ""
}
