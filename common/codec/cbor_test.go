package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
)

type sample struct {
	B      uint64          `cbor:"2,keyasint"`
	A      string          `cbor:"1,keyasint"`
	Device common.DeviceID `cbor:"3,keyasint"`
	Hash   common.Hash32   `cbor:"4,keyasint"`
}

func TestDeterministicKeyOrder(t *testing.T) {
	v := sample{B: 7, A: "x", Device: common.DeviceIDFromName("d"), Hash: common.HashWith(common.DomainHash, []byte("h"))}
	first, err := Marshal(v)
	require.NoError(t, err)
	second, err := Marshal(v)
	require.NoError(t, err)
	require.Equal(t, first, second)

	var back sample
	require.NoError(t, UnmarshalCanonical(first, &back))
	require.Equal(t, v, back)
}

func TestRejectsNonCanonical(t *testing.T) {
	// {1: "x"} with the integer 1 encoded on two bytes instead of one.
	long := []byte{0xa1, 0x18, 0x01, 0x61, 'x'}
	var m map[int]string
	require.NoError(t, Unmarshal(long, &m))
	require.ErrorIs(t, UnmarshalCanonical(long, &m), ErrNonCanonical)

	// duplicate keys
	dup := []byte{0xa2, 0x01, 0x61, 'x', 0x01, 0x61, 'y'}
	require.Error(t, Unmarshal(dup, &m))
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(uint64(1)))
	require.NoError(t, enc.Encode("two"))

	dec := NewDecoder(&buf)
	var n uint64
	var s string
	require.NoError(t, dec.Decode(&n))
	require.NoError(t, dec.Decode(&s))
	require.Equal(t, uint64(1), n)
	require.Equal(t, "two", s)
}
