package effects

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/drand/kyber/util/random"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"
)

type systemRandom struct{}

// SystemRandom reads from crypto/rand.
func SystemRandom() RandomEffects { return systemRandom{} }

func (systemRandom) Read(p []byte) (int, error) { return rand.Read(p) }
func (systemRandom) Stream() cipher.Stream      { return random.New() }
func (systemRandom) UUID() uuid.UUID            { return uuid.New() }

// SeededRandom is a deterministic source for tests and simulations: a
// ChaCha20 keystream keyed by the BLAKE3 hash of the seed.
type SeededRandom struct {
	mu     sync.Mutex
	stream *chacha20.Cipher
}

// NewSeededRandom returns a source whose output depends only on seed.
func NewSeededRandom(seed uint64) *SeededRandom {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], seed)
	key := blake3.Sum256(append([]byte("aura.effects.seeded-random"), raw[:]...))
	c, err := chacha20.NewUnauthenticatedCipher(key[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		panic("effects: seeded random: " + err.Error())
	}
	return &SeededRandom{stream: c}
}

// Read fills p with keystream bytes. It never fails.
func (s *SeededRandom) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range p {
		p[i] = 0
	}
	s.stream.XORKeyStream(p, p)
	return len(p), nil
}

// XORKeyStream lets the source serve as its own stream.
func (s *SeededRandom) XORKeyStream(dst, src []byte) {
	buf := make([]byte, len(src))
	_, _ = s.Read(buf)
	for i := range src {
		dst[i] = src[i] ^ buf[i]
	}
}

func (s *SeededRandom) Stream() cipher.Stream { return s }

func (s *SeededRandom) UUID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(s)
	if err != nil {
		panic("effects: seeded uuid: " + err.Error())
	}
	return id
}
