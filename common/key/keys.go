package key

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/crypto"
)

// Pair is a device's signing key together with its public identity.
type Pair struct {
	Key    ed25519.PrivateKey
	Public *Identity
}

// Identity is the public half of a device key. Addr is where the device's
// transport listens, it may change while the key stays.
type Identity struct {
	Device    common.DeviceID
	Key       ed25519.PublicKey
	Addr      string
	Signature []byte
	Scheme    *crypto.Scheme
}

var (
	ErrInvalidSelfSignature = errors.New("key: identity self-signature does not verify")
	ErrWrongTOML            = errors.New("key: unexpected TOML value")
)

func (i *Identity) String() string {
	return fmt.Sprintf("{%s - %s}", i.Device, hex.EncodeToString(i.Key))
}

// Hash covers the device id and key but not the address.
func (i *Identity) Hash() []byte {
	h := i.Scheme.IdentityHash()
	_, _ = h.Write(i.Device.UUID[:])
	_, _ = h.Write(i.Key)
	return h.Sum(nil)
}

func (i *Identity) selfSignMessage() []byte {
	// the scheme name is prepended to avoid cross-scheme confusion
	return append([]byte(i.Scheme.Name), i.Hash()...)
}

// ValidSignature checks the identity's self signature.
func (i *Identity) ValidSignature() error {
	if len(i.Key) != ed25519.PublicKeySize || !ed25519.Verify(i.Key, i.selfSignMessage(), i.Signature) {
		return ErrInvalidSelfSignature
	}
	return nil
}

// Equal compares device and key.
func (i *Identity) Equal(o *Identity) bool {
	return i.Device == o.Device && bytes.Equal(i.Key, o.Key)
}

// SelfSign signs the public identity with the private key.
func (p *Pair) SelfSign() {
	p.Public.Signature = ed25519.Sign(p.Key, p.Public.selfSignMessage())
}

// NewKeyPair draws a fresh key from rand for the given device.
func NewKeyPair(device common.DeviceID, addr string, rand io.Reader, sch *crypto.Scheme) (*Pair, error) {
	if sch == nil {
		sch = crypto.NewFrostEd25519()
	}
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	p := &Pair{
		Key: priv,
		Public: &Identity{
			Device: device,
			Key:    pub,
			Addr:   addr,
			Scheme: sch,
		},
	}
	p.SelfSign()
	return p, nil
}

// PairTOML is the TOML-able version of a private key.
type PairTOML struct {
	Device     string
	Key        string
	SchemeName string
}

// PublicTOML is the TOML-able version of an identity.
type PublicTOML struct {
	Device     string
	Key        string
	Address    string
	Signature  string
	SchemeName string
}

// TOML returns a struct that can be marshaled using a TOML-encoding library.
func (p *Pair) TOML() interface{} {
	return &PairTOML{
		Device:     p.Public.Device.String(),
		Key:        hex.EncodeToString(p.Key.Seed()),
		SchemeName: p.Public.Scheme.Name,
	}
}

// FromTOML rebuilds the private key. The public identity is rederived from
// the seed, the address and signature come from the public file.
func (p *Pair) FromTOML(i interface{}) error {
	pt, ok := i.(*PairTOML)
	if !ok {
		return ErrWrongTOML
	}
	sch, err := crypto.SchemeFromName(pt.SchemeName)
	if err != nil {
		return err
	}
	device, err := common.ParseDeviceID(pt.Device)
	if err != nil {
		return fmt.Errorf("decoding device id: %w", err)
	}
	seed, err := hex.DecodeString(pt.Key)
	if err != nil || len(seed) != ed25519.SeedSize {
		return fmt.Errorf("decoding private key: bad seed")
	}
	p.Key = ed25519.NewKeyFromSeed(seed)
	p.Public = &Identity{
		Device: device,
		Key:    p.Key.Public().(ed25519.PublicKey),
		Scheme: sch,
	}
	return nil
}

// TOMLValue returns an empty TOML-compatible value.
func (p *Pair) TOMLValue() interface{} { return &PairTOML{} }

// TOML returns the TOML-compatible identity.
func (i *Identity) TOML() interface{} {
	return &PublicTOML{
		Device:     i.Device.String(),
		Key:        hex.EncodeToString(i.Key),
		Address:    i.Addr,
		Signature:  hex.EncodeToString(i.Signature),
		SchemeName: i.Scheme.String(),
	}
}

// FromTOML loads the TOML description of an identity.
func (i *Identity) FromTOML(t interface{}) error {
	pt, ok := t.(*PublicTOML)
	if !ok {
		return ErrWrongTOML
	}
	sch, err := crypto.SchemeFromName(pt.SchemeName)
	if err != nil {
		return err
	}
	if i.Device, err = common.ParseDeviceID(pt.Device); err != nil {
		return fmt.Errorf("decoding device id: %w", err)
	}
	raw, err := hex.DecodeString(pt.Key)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("decoding public key: bad length")
	}
	i.Key = raw
	i.Addr = pt.Address
	i.Scheme = sch
	if pt.Signature != "" {
		if i.Signature, err = hex.DecodeString(pt.Signature); err != nil {
			return fmt.Errorf("decoding signature: %w", err)
		}
	}
	return nil
}

// TOMLValue returns an empty TOML-compatible value.
func (i *Identity) TOMLValue() interface{} { return &PublicTOML{} }

// ByDevice sorts identities by device id.
type ByDevice []*Identity

func (b ByDevice) Len() int           { return len(b) }
func (b ByDevice) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }
func (b ByDevice) Less(i, j int) bool { return b[i].Device.Compare(b[j].Device) < 0 }

// MinimumT is the smallest threshold such that two disjoint quorums cannot
// both sign: floor(n/2)+1.
func MinimumT(n int) int {
	return (n >> 1) + 1
}
