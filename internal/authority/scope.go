package authority

import (
	"fmt"
	"strings"
)

// Wildcard in a namespace or an operation matches any value.
const Wildcard = "*"

// Scope is a (namespace, operation, resource) triple. A nil resource
// matches every resource.
type Scope struct {
	Namespace string  `cbor:"1,keyasint"`
	Operation string  `cbor:"2,keyasint"`
	Resource  *string `cbor:"3,keyasint,omitempty"`
}

// NewScope returns the scope of operation on every resource of namespace.
func NewScope(namespace, operation string) Scope {
	return Scope{Namespace: namespace, Operation: operation}
}

// Universal is the scope of a root capability.
func Universal() Scope { return NewScope(Wildcard, Wildcard) }

// On restricts s to a single resource.
func (s Scope) On(resource string) Scope {
	s.Resource = &resource
	return s
}

// IsUniversal reports whether s is the root scope.
func (s Scope) IsUniversal() bool {
	return s.Namespace == Wildcard && s.Operation == Wildcard && s.Resource == nil
}

// Covers reports whether s grants everything o asks for: same namespace and
// operation, and either a wildcard resource or the same resource.
func (s Scope) Covers(o Scope) bool {
	if !match(s.Namespace, o.Namespace) || !match(s.Operation, o.Operation) {
		return false
	}
	if s.Resource == nil {
		return true
	}
	return o.Resource != nil && *s.Resource == *o.Resource
}

func match(pattern, v string) bool { return pattern == Wildcard || pattern == v }

// Equal compares two scopes by value.
func (s Scope) Equal(o Scope) bool {
	if s.Namespace != o.Namespace || s.Operation != o.Operation {
		return false
	}
	if s.Resource == nil || o.Resource == nil {
		return s.Resource == o.Resource
	}
	return *s.Resource == *o.Resource
}

func (s Scope) String() string {
	if s.Resource == nil {
		return s.Namespace + ":" + s.Operation
	}
	return s.Namespace + ":" + s.Operation + ":" + *s.Resource
}

// ParseScope reads the "namespace:operation[:resource]" form.
func ParseScope(str string) (Scope, error) {
	parts := strings.SplitN(str, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Scope{}, fmt.Errorf("invalid scope %q: expected namespace:operation[:resource]", str)
	}
	s := NewScope(parts[0], parts[1])
	if len(parts) == 3 {
		s = s.On(parts[2])
	}
	return s, nil
}
