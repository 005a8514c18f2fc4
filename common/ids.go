package common

import (
	"bytes"
	"io"

	"github.com/google/uuid"
)

// namespace for name-derived identifiers. Derived ids are stable across runs
// and are used for fixtures and well-known contexts.
var namespace = uuid.MustParse("6f1d4c1e-3b7a-4f0e-9c58-2d7b1a9e0c42")

// DeviceID identifies a single device, the holder of one signing key and at
// most one threshold share per authority.
type DeviceID struct{ uuid.UUID }

// AuthorityID identifies an account whose root of trust is a threshold key.
type AuthorityID struct{ uuid.UUID }

// IndividualID aggregates the devices of one person.
type IndividualID struct{ uuid.UUID }

// GroupID identifies a group of individuals.
type GroupID struct{ uuid.UUID }

// ContextID identifies a relational context, the unit of journal scoping.
type ContextID struct{ uuid.UUID }

// SessionID identifies a ceremony or choreography session.
type SessionID struct{ uuid.UUID }

func newUUID(r io.Reader) uuid.UUID {
	if r == nil {
		return uuid.New()
	}
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		panic("common: reading random identifier: " + err.Error())
	}
	return id
}

func named(kind, name string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(kind+"/"+name))
}

// NewDeviceID draws a random device id from r (crypto/rand when nil).
func NewDeviceID(r io.Reader) DeviceID { return DeviceID{newUUID(r)} }

// NewAuthorityID draws a random authority id from r.
func NewAuthorityID(r io.Reader) AuthorityID { return AuthorityID{newUUID(r)} }

// NewContextID draws a random context id from r.
func NewContextID(r io.Reader) ContextID { return ContextID{newUUID(r)} }

// NewSessionID draws a random session id from r.
func NewSessionID(r io.Reader) SessionID { return SessionID{newUUID(r)} }

// DeviceIDFromName derives a stable device id from a name.
func DeviceIDFromName(name string) DeviceID { return DeviceID{named("device", name)} }

// AuthorityIDFromName derives a stable authority id from a name.
func AuthorityIDFromName(name string) AuthorityID { return AuthorityID{named("authority", name)} }

// IndividualIDFromName derives a stable individual id from a name.
func IndividualIDFromName(name string) IndividualID { return IndividualID{named("individual", name)} }

// GroupIDFromName derives a stable group id from a name.
func GroupIDFromName(name string) GroupID { return GroupID{named("group", name)} }

// ContextIDFromName derives a stable context id from a name.
func ContextIDFromName(name string) ContextID { return ContextID{named("context", name)} }

// EvidenceContext returns the evidence context associated with c. Evidence
// facts about operations in c are written there.
func EvidenceContext(c ContextID) ContextID {
	return ContextID{named("evidence", c.String())}
}

// ParseDeviceID parses the canonical textual form of a device id.
func ParseDeviceID(s string) (DeviceID, error) {
	id, err := uuid.Parse(s)
	return DeviceID{id}, err
}

// ParseContextID parses the canonical textual form of a context id.
func ParseContextID(s string) (ContextID, error) {
	id, err := uuid.Parse(s)
	return ContextID{id}, err
}

// ParseAuthorityID parses the canonical textual form of an authority id.
func ParseAuthorityID(s string) (AuthorityID, error) {
	id, err := uuid.Parse(s)
	return AuthorityID{id}, err
}

// ParseIndividualID parses the canonical textual form of an individual id.
func ParseIndividualID(s string) (IndividualID, error) {
	id, err := uuid.Parse(s)
	return IndividualID{id}, err
}

// Compare orders device ids bytewise.
func (d DeviceID) Compare(o DeviceID) int { return bytes.Compare(d.UUID[:], o.UUID[:]) }

// Compare orders context ids bytewise.
func (c ContextID) Compare(o ContextID) int { return bytes.Compare(c.UUID[:], o.UUID[:]) }

// IsZero is true for the zero device id.
func (d DeviceID) IsZero() bool { return d.UUID == uuid.Nil }
