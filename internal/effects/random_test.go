package effects

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeededRandomIsDeterministic(t *testing.T) {
	a, b, c := NewSeededRandom(1), NewSeededRandom(1), NewSeededRandom(2)
	ba, bb, bc := make([]byte, 64), make([]byte, 64), make([]byte, 64)
	_, _ = a.Read(ba)
	_, _ = b.Read(bb)
	_, _ = c.Read(bc)
	require.Equal(t, ba, bb)
	require.NotEqual(t, ba, bc)
	require.Equal(t, a.UUID(), b.UUID())

	// the stream continues rather than repeating
	next := make([]byte, 64)
	_, _ = a.Read(next)
	require.False(t, bytes.Equal(ba, next))
}

func TestSeededStreamXORs(t *testing.T) {
	src := []byte("attack at dawn")
	dst := make([]byte, len(src))
	NewSeededRandom(5).Stream().XORKeyStream(dst, src)
	require.NotEqual(t, src, dst)

	back := make([]byte, len(dst))
	NewSeededRandom(5).Stream().XORKeyStream(back, dst)
	require.Equal(t, src, back)
}

func TestSystemRandom(t *testing.T) {
	r := SystemRandom()
	p := make([]byte, 32)
	n, err := r.Read(p)
	require.NoError(t, err)
	require.Equal(t, 32, n)
	require.NotEqual(t, r.UUID(), r.UUID())
}
