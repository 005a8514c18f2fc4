package frost

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/binary"
	"sort"

	"github.com/drand/kyber"
	"github.com/drand/kyber/sign/schnorr"
	"github.com/zeebo/blake3"
)

// Nonces are the secret per-ceremony values of one signer. They may be used
// for exactly one signature share and are zeroed afterwards.
type Nonces struct {
	index   uint32
	hiding  kyber.Scalar
	binding kyber.Scalar
	used    bool
}

// Used reports whether the nonces were consumed.
func (n *Nonces) Used() bool { return n.used }

// Zero wipes the nonces. Further signing with them fails.
func (n *Nonces) Zero() {
	if n.hiding != nil {
		n.hiding.Zero()
	}
	if n.binding != nil {
		n.binding.Zero()
	}
	n.used = true
}

// Commitment is the public half of a signer's nonces.
type Commitment struct {
	Index   uint32 `cbor:"1,keyasint"`
	Hiding  []byte `cbor:"2,keyasint"`
	Binding []byte `cbor:"3,keyasint"`
}

// Equal compares two commitments bytewise.
func (c Commitment) Equal(o Commitment) bool {
	return c.Index == o.Index && bytes.Equal(c.Hiding, o.Hiding) && bytes.Equal(c.Binding, o.Binding)
}

// SignatureShare is one signer's contribution z_i.
type SignatureShare struct {
	Index uint32 `cbor:"1,keyasint"`
	Z     []byte `cbor:"2,keyasint"`
}

// Commit draws fresh nonces for ks. The nonces are hedged: randomness from
// stream is hashed together with the secret share.
func Commit(ks *KeyShare, stream cipher.Stream) (*Nonces, Commitment) {
	n := &Nonces{
		index:   ks.Index,
		hiding:  hedgedNonce(ks.Secret, stream),
		binding: hedgedNonce(ks.Secret, stream),
	}
	c := Commitment{
		Index:   ks.Index,
		Hiding:  EncodePoint(Suite.Point().Mul(n.hiding, nil)),
		Binding: EncodePoint(Suite.Point().Mul(n.binding, nil)),
	}
	return n, c
}

func hedgedNonce(secret kyber.Scalar, stream cipher.Stream) kyber.Scalar {
	random := make([]byte, 32)
	stream.XORKeyStream(random, random)
	h := blake3.New()
	_, _ = h.Write([]byte("aura.frost.nonce"))
	_, _ = h.Write(random)
	_, _ = h.Write(EncodeScalar(secret))
	wide := make([]byte, 64)
	_, _ = h.Digest().Read(wide)
	return Suite.Scalar().SetBytes(wide)
}

type signer struct {
	commitment Commitment
	hiding     kyber.Point
	binding    kyber.Point
	rho        kyber.Scalar
	lambda     kyber.Scalar
}

// session is the data every signer derives identically from the message
// and the commitment list.
type session struct {
	groupKey kyber.Point
	msg      []byte
	signers  map[uint32]*signer
	r        kyber.Point
	c        kyber.Scalar
}

// SortCommitments orders commitments by index in place.
func SortCommitments(cs []Commitment) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Index < cs[j].Index })
}

func newSession(groupKey kyber.Point, threshold int, msg []byte, commitments []Commitment) (*session, error) {
	if len(commitments) < threshold {
		return nil, ErrNotEnoughSigners
	}
	cs := append([]Commitment(nil), commitments...)
	SortCommitments(cs)

	s := &session{groupKey: groupKey, msg: msg, signers: make(map[uint32]*signer, len(cs))}
	listHash := blake3.New()
	_, _ = listHash.Write([]byte("aura.frost.commitments"))
	for i, c := range cs {
		if i > 0 && cs[i-1].Index == c.Index {
			return nil, ErrDuplicateSigner
		}
		d, err := DecodePoint(c.Hiding)
		if err != nil {
			return nil, err
		}
		e, err := DecodePoint(c.Binding)
		if err != nil {
			return nil, err
		}
		s.signers[c.Index] = &signer{commitment: c, hiding: d, binding: e}
		writeIndex(listHash, c.Index)
		_, _ = listHash.Write(c.Hiding)
		_, _ = listHash.Write(c.Binding)
	}
	encodedList := listHash.Sum(nil)

	s.r = Suite.Point().Null()
	for idx, sg := range s.signers {
		sg.rho = bindingFactor(groupKey, msg, encodedList, idx)
		sg.lambda = lagrange(idx, s.signers)
		s.r.Add(s.r, Suite.Point().Add(sg.hiding, Suite.Point().Mul(sg.rho, sg.binding)))
	}
	s.c = challenge(s.r, groupKey, msg)
	return s, nil
}

func writeIndex(h *blake3.Hasher, idx uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], idx)
	_, _ = h.Write(b[:])
}

func bindingFactor(groupKey kyber.Point, msg, encodedList []byte, idx uint32) kyber.Scalar {
	h := blake3.New()
	_, _ = h.Write([]byte("aura.frost.rho"))
	_, _ = h.Write(EncodePoint(groupKey))
	msgHash := blake3.Sum256(msg)
	_, _ = h.Write(msgHash[:])
	_, _ = h.Write(encodedList)
	writeIndex(h, idx)
	wide := make([]byte, 64)
	_, _ = h.Digest().Read(wide)
	return Suite.Scalar().SetBytes(wide)
}

// challenge matches the hash used by sign/schnorr so that aggregated
// signatures verify there: SHA-512(R || Y || msg) reduced mod the order.
func challenge(r, y kyber.Point, msg []byte) kyber.Scalar {
	h := sha512.New()
	_, _ = r.MarshalTo(h)
	_, _ = y.MarshalTo(h)
	_, _ = h.Write(msg)
	return Suite.Scalar().SetBytes(h.Sum(nil))
}

// lagrange computes the coefficient of idx at x=0 over the signing set.
func lagrange(idx uint32, set map[uint32]*signer) kyber.Scalar {
	num := Suite.Scalar().One()
	den := Suite.Scalar().One()
	xi := Suite.Scalar().SetInt64(int64(idx))
	for j := range set {
		if j == idx {
			continue
		}
		xj := Suite.Scalar().SetInt64(int64(j))
		num.Mul(num, xj)
		den.Mul(den, Suite.Scalar().Sub(xj, xi))
	}
	return num.Div(num, den)
}

// Sign produces ks's signature share over msg for the given commitment list,
// which must contain ks's own commitment. The nonces are consumed.
func Sign(ks *KeyShare, nonces *Nonces, msg []byte, commitments []Commitment) (SignatureShare, error) {
	if nonces.used {
		return SignatureShare{}, ErrNonceUsed
	}
	defer nonces.Zero()

	s, err := newSession(ks.GroupKey, ks.Threshold, msg, commitments)
	if err != nil {
		return SignatureShare{}, err
	}
	me, ok := s.signers[ks.Index]
	if !ok || nonces.index != ks.Index {
		return SignatureShare{}, ErrNotInSigningSet
	}
	// z = d + e*rho + lambda*s*c
	z := Suite.Scalar().Mul(nonces.binding, me.rho)
	z.Add(z, nonces.hiding)
	lsc := Suite.Scalar().Mul(me.lambda, ks.Secret)
	lsc.Mul(lsc, s.c)
	z.Add(z, lsc)
	return SignatureShare{Index: ks.Index, Z: EncodeScalar(z)}, nil
}

// VerifyShare checks a single share against the signer's verifying share.
func VerifyShare(pkg *PublicPackage, msg []byte, commitments []Commitment, sh SignatureShare) error {
	s, err := newSession(pkg.GroupKey, pkg.Threshold, msg, commitments)
	if err != nil {
		return err
	}
	return s.verifyShare(pkg, sh)
}

func (s *session) verifyShare(pkg *PublicPackage, sh SignatureShare) error {
	sg, ok := s.signers[sh.Index]
	if !ok {
		return ErrNotInSigningSet
	}
	y, ok := pkg.VerifyingShares[sh.Index]
	if !ok {
		return ErrUnknownSigner
	}
	z, err := DecodeScalar(sh.Z)
	if err != nil {
		return err
	}
	left := Suite.Point().Mul(z, nil)
	right := Suite.Point().Add(sg.hiding, Suite.Point().Mul(sg.rho, sg.binding))
	cl := Suite.Scalar().Mul(s.c, sg.lambda)
	right.Add(right, Suite.Point().Mul(cl, y))
	if !left.Equal(right) {
		return ErrInvalidShare
	}
	return nil
}

// Aggregate combines shares from every member of the signing set into a
// 64-byte signature R || z and verifies it against the group key. When the
// result does not verify, the returned slice lists the signers whose share
// is invalid.
func Aggregate(pkg *PublicPackage, msg []byte, commitments []Commitment, shares []SignatureShare) ([]byte, []uint32, error) {
	s, err := newSession(pkg.GroupKey, pkg.Threshold, msg, commitments)
	if err != nil {
		return nil, nil, err
	}
	have := make(map[uint32]SignatureShare, len(shares))
	for _, sh := range shares {
		have[sh.Index] = sh
	}
	var bad []uint32
	z := Suite.Scalar().Zero()
	for idx := range s.signers {
		sh, ok := have[idx]
		if !ok {
			return nil, nil, ErrNotEnoughSigners
		}
		if err := s.verifyShare(pkg, sh); err != nil {
			bad = append(bad, idx)
			continue
		}
		zi, _ := DecodeScalar(sh.Z)
		z.Add(z, zi)
	}
	if len(bad) > 0 {
		sort.Slice(bad, func(i, j int) bool { return bad[i] < bad[j] })
		return nil, bad, ErrInvalidShare
	}
	sig := append(EncodePoint(s.r), EncodeScalar(z)...)
	if err := Verify(pkg.GroupKey, msg, sig); err != nil {
		return nil, nil, err
	}
	return sig, nil, nil
}

// Verify checks an aggregated signature against the group key.
func Verify(groupKey kyber.Point, msg, sig []byte) error {
	if err := schnorr.Verify(Suite, groupKey, msg, sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyBytes is Verify with an encoded group key.
func VerifyBytes(groupKey, msg, sig []byte) error {
	y, err := DecodePoint(groupKey)
	if err != nil {
		return err
	}
	return Verify(y, msg, sig)
}
