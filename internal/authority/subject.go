package authority

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hxrts/aura-sub023/common"
)

// SubjectKind tells which identifier family a Subject refers to.
type SubjectKind uint8

const (
	SubjectDevice SubjectKind = iota + 1
	SubjectIndividual
	SubjectGroup
	SubjectAuthority
)

func (k SubjectKind) String() string {
	switch k {
	case SubjectDevice:
		return "device"
	case SubjectIndividual:
		return "individual"
	case SubjectGroup:
		return "group"
	case SubjectAuthority:
		return "authority"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Subject is the holder of a capability.
type Subject struct {
	Kind SubjectKind `cbor:"1,keyasint"`
	ID   uuid.UUID   `cbor:"2,keyasint"`
}

func Device(d common.DeviceID) Subject              { return Subject{Kind: SubjectDevice, ID: d.UUID} }
func Individual(i common.IndividualID) Subject      { return Subject{Kind: SubjectIndividual, ID: i.UUID} }
func Group(g common.GroupID) Subject                { return Subject{Kind: SubjectGroup, ID: g.UUID} }
func AuthoritySubject(a common.AuthorityID) Subject { return Subject{Kind: SubjectAuthority, ID: a.UUID} }

// Authority returns the authority id of an authority subject.
func (s Subject) Authority() (common.AuthorityID, bool) {
	return common.AuthorityID{UUID: s.ID}, s.Kind == SubjectAuthority
}

// Device returns the device id of a device subject.
func (s Subject) Device() (common.DeviceID, bool) {
	return common.DeviceID{UUID: s.ID}, s.Kind == SubjectDevice
}

func (s Subject) String() string { return s.Kind.String() + ":" + s.ID.String() }

// ParseSubject reads the "kind:uuid" form returned by String.
func ParseSubject(str string) (Subject, error) {
	kind, id, ok := strings.Cut(str, ":")
	if !ok {
		return Subject{}, fmt.Errorf("invalid subject %q: expected kind:uuid", str)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return Subject{}, fmt.Errorf("invalid subject %q: %w", str, err)
	}
	for k := SubjectDevice; k <= SubjectAuthority; k++ {
		if k.String() == kind {
			return Subject{Kind: k, ID: u}, nil
		}
	}
	return Subject{}, fmt.Errorf("invalid subject %q: unknown kind %q", str, kind)
}

// Membership tells which subjects a device acts for: its individual, the
// groups of that individual and the authorities it holds a share of.
type Membership interface {
	ActsFor(d common.DeviceID, s Subject) bool
}

// MembershipFunc adapts a function to Membership.
type MembershipFunc func(d common.DeviceID, s Subject) bool

func (f MembershipFunc) ActsFor(d common.DeviceID, s Subject) bool { return f(d, s) }

// Direct is the membership where a device only acts for itself.
var Direct Membership = MembershipFunc(func(d common.DeviceID, s Subject) bool {
	return s == Device(d)
})
