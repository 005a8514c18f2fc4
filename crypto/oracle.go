package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/hxrts/aura-sub023/common"
)

// KeySize is the size of symmetric keys produced by DeriveKey for Seal.
const KeySize = chacha20poly1305.KeySize

// SealOverhead is the number of bytes Seal adds to a plaintext.
const SealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

const sealVersion = 0x01

var (
	ErrShortCiphertext = errors.New("crypto: ciphertext too short")
	ErrSealVersion     = errors.New("crypto: unsupported sealed blob version")
)

// Oracle is the production cryptographic oracle: Ed25519 signatures, BLAKE3
// hashing, HKDF-SHA256 derivation, XChaCha20-Poly1305 sealing and FROST
// aggregate verification. Nonces for Seal come from the injected reader.
type Oracle struct {
	scheme *Scheme
	rand   io.Reader
}

// NewOracle returns an oracle drawing nonces from rand.
func NewOracle(scheme *Scheme, rand io.Reader) *Oracle {
	if scheme == nil {
		scheme = NewFrostEd25519()
	}
	return &Oracle{scheme: scheme, rand: rand}
}

// Scheme returns the scheme the oracle was built with.
func (o *Oracle) Scheme() *Scheme { return o.scheme }

func (o *Oracle) Sign(key ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(key, msg)
}

func (o *Oracle) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func (o *Oracle) Hash(data []byte) common.Hash32 {
	return common.HashWith(common.DomainHash, data)
}

func (o *Oracle) VerifyThreshold(groupKey, msg, sig []byte) error {
	return o.scheme.VerifyThreshold(groupKey, msg, sig)
}

// DeriveKey runs HKDF-SHA256 and returns n bytes.
func (o *Oracle) DeriveKey(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// Seal encrypts plaintext under key as version || nonce || ciphertext+tag.
// The version byte is bound as associated data together with ad.
func (o *Oracle) Seal(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, SealOverhead+len(plaintext))
	out[0] = sealVersion
	if _, err := io.ReadFull(o.rand, out[1:]); err != nil {
		return nil, fmt.Errorf("drawing nonce: %w", err)
	}
	return aead.Seal(out, out[1:], plaintext, append([]byte{sealVersion}, ad...)), nil
}

// Open reverses Seal.
func (o *Oracle) Open(key, sealed, ad []byte) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, ErrShortCiphertext
	}
	if sealed[0] != sealVersion {
		return nil, ErrSealVersion
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], append([]byte{sealVersion}, ad...))
	if err != nil {
		return nil, fmt.Errorf("opening sealed blob: %w", err)
	}
	return plain, nil
}
