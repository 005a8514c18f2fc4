// Package effects declares the side-effect interfaces every component
// receives explicitly at construction. There are no ambient singletons:
// wall time, randomness, the network and cryptographic primitives all come
// from an Effects value.
package effects

import (
	"context"
	"crypto/cipher"
	"crypto/ed25519"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/hxrts/aura-sub023/common"
)

// PhysicalTimeEffects supplies wall time, sleeps and timers.
type PhysicalTimeEffects = clockwork.Clock

// RandomEffects supplies cryptographically strong randomness.
type RandomEffects interface {
	io.Reader
	// Stream adapts the source to the stream interface expected by kyber.
	Stream() cipher.Stream
	UUID() uuid.UUID
}

// Message is one frame delivered by the transport.
type Message struct {
	From    common.DeviceID
	Topic   string
	Payload []byte
}

// ErrUnreachable is returned by Send when the peer cannot be reached.
var ErrUnreachable = errors.New("transport: peer unreachable")

// TransportEffects sends and receives opaque frames between devices.
type TransportEffects interface {
	Self() common.DeviceID
	Send(ctx context.Context, to common.DeviceID, topic string, payload []byte) error
	Recv(ctx context.Context) (Message, error)
	Reachable(peer common.DeviceID) bool
}

// CryptoEffects is the cryptographic oracle.
type CryptoEffects interface {
	Sign(key ed25519.PrivateKey, msg []byte) []byte
	Verify(pub ed25519.PublicKey, msg, sig []byte) bool
	Hash(data []byte) common.Hash32
	VerifyThreshold(groupKey, msg, sig []byte) error
	DeriveKey(secret, salt, info []byte, n int) ([]byte, error)
	Seal(key, plaintext, ad []byte) ([]byte, error)
	Open(key, sealed, ad []byte) ([]byte, error)
}

// Effects bundles the four effect families.
type Effects struct {
	Clock     PhysicalTimeEffects
	Random    RandomEffects
	Transport TransportEffects
	Crypto    CryptoEffects
}

// Now reads the physical clock in milliseconds.
func (e *Effects) Now() common.PhysicalTime {
	return common.TimeFrom(e.Clock.Now())
}
