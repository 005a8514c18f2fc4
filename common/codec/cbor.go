// Package codec holds the deterministic CBOR modes used for every value
// that is hashed, signed or put on the wire. Encoding follows the core
// deterministic rules of RFC 8949 section 4.2.1: shortest integers, sorted
// map keys, definite lengths. Values encoded this way are valid dag-cbor as
// long as they avoid floats and tags.
package codec

import (
	"bytes"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

// ErrNonCanonical is returned by UnmarshalCanonical when the input decodes but
// does not re-encode to the same bytes.
var ErrNonCanonical = errors.New("codec: input is not canonically encoded")

//nolint:gochecknoinits
func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshal is Marshal for values whose encoding cannot fail (plain
// structs of integers, byte strings and text).
func MustMarshal(v any) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic("codec: " + err.Error())
	}
	return b
}

// Unmarshal decodes data into v, rejecting duplicate map keys and
// indefinite-length items.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalCanonical decodes data into v and checks that re-encoding v
// reproduces data exactly.
func UnmarshalCanonical(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return err
	}
	again, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	if !bytes.Equal(again, data) {
		return ErrNonCanonical
	}
	return nil
}

// RawMessage is a raw encoded CBOR value.
type RawMessage = cbor.RawMessage

// NewEncoder returns a streaming deterministic encoder.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a streaming decoder with the strict options.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
