package common

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash32 is a 32-byte BLAKE3 digest.
type Hash32 [32]byte

// Domain is a BLAKE3 key separating one family of hashes from another.
type Domain [32]byte

func domain(name string) Domain {
	var d Domain
	if len(name) > len(d) {
		panic("common: domain name longer than 32 bytes: " + name)
	}
	copy(d[:], name)
	return d
}

// Hash domains. Changing one invalidates every identifier in that family.
var (
	DomainFact       = domain("aura.journal.fact")
	DomainCapability = domain("aura.authority.capability")
	DomainTree       = domain("aura.journal.tree")
	DomainState      = domain("aura.journal.state")
	DomainCeremony   = domain("aura.ceremony")
	DomainHash       = domain("aura.hash")
)

// HashWith computes the keyed BLAKE3 hash of the concatenation of parts.
func HashWith(d Domain, parts ...[]byte) Hash32 {
	h, err := blake3.NewKeyed(d[:])
	if err != nil {
		panic("common: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

var errHashLength = errors.New("hash must be 32 bytes")

// String returns the lowercase hex form.
func (h Hash32) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first four bytes in hex, for logs.
func (h Hash32) Short() string { return hex.EncodeToString(h[:4]) }

// Compare orders hashes bytewise.
func (h Hash32) Compare(o Hash32) int { return bytes.Compare(h[:], o[:]) }

// IsZero is true for the all-zero hash.
func (h Hash32) IsZero() bool { return h == Hash32{} }

func (h Hash32) MarshalBinary() ([]byte, error) { return h[:], nil }

func (h *Hash32) UnmarshalBinary(b []byte) error {
	if len(b) != len(h) {
		return errHashLength
	}
	copy(h[:], b)
	return nil
}

func (h Hash32) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash32) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("decoding hash: %w", err)
	}
	return h.UnmarshalBinary(raw)
}

// FactID is the content address of a fact.
type FactID struct{ Hash32 }

// CapabilityID is the content address of a capability.
type CapabilityID struct{ Hash32 }

// ParseFactID parses a hex fact id.
func ParseFactID(s string) (FactID, error) {
	var id FactID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// Compare orders fact ids bytewise.
func (f FactID) Compare(o FactID) int { return f.Hash32.Compare(o.Hash32) }

// Compare orders capability ids bytewise.
func (c CapabilityID) Compare(o CapabilityID) int { return c.Hash32.Compare(o.Hash32) }
