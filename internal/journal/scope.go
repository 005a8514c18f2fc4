package journal

import (
	"fmt"

	"github.com/hxrts/aura-sub023/common"
)

// ScopeConfig is the finality configuration of a scope. A scope is the
// journal of one context.
type ScopeConfig struct {
	Scope  common.ContextID  `cbor:"1,keyasint"`
	Parent *common.ContextID `cbor:"2,keyasint,omitempty"`
	// Default is the finality facts are expected to reach.
	Default Finality `cbor:"3,keyasint"`
	// Minimum is the lowest finality a transaction may require.
	Minimum Finality `cbor:"4,keyasint"`
	// Overrides replaces Default for some content types.
	Overrides map[string]Finality `cbor:"5,keyasint,omitempty"`
	// Quorum is the smallest threshold signature accepted as consensus.
	Quorum uint32 `cbor:"6,keyasint,omitempty"`
	// ConsensusKey, when set, is the only group key consensus proofs may be
	// signed with.
	ConsensusKey []byte `cbor:"7,keyasint,omitempty"`
	// Observers, when set, restricts whose acknowledgements count towards
	// Replicated.
	Observers []common.DeviceID `cbor:"8,keyasint,omitempty"`
}

// DefaultScope returns the configuration of a freshly created scope.
func DefaultScope(c common.ContextID) ScopeConfig {
	return ScopeConfig{Scope: c, Default: Local(), Minimum: Local()}
}

// Target is the finality expected for a content type.
func (c *ScopeConfig) Target(contentType string) Finality {
	target := c.Default
	if o, ok := c.Overrides[contentType]; ok {
		target = o
	}
	return target.Join(c.Minimum)
}

// Validate rejects requirements below the scope minimum.
func (c *ScopeConfig) Validate(requested Finality) error {
	if !requested.Satisfies(c.Minimum) {
		return fmt.Errorf("%w: %s < %s", ErrFinalityBelowMinimum, requested, c.Minimum)
	}
	return nil
}

// observer reports whether acks from d count.
func (c *ScopeConfig) observer(d common.DeviceID) bool {
	if len(c.Observers) == 0 {
		return true
	}
	for _, o := range c.Observers {
		if o == d {
			return true
		}
	}
	return false
}

// inherit cascades the parent's constraints: a child never has a lower
// minimum or quorum than its parent.
func (c ScopeConfig) inherit(parent ScopeConfig) ScopeConfig {
	c.Minimum = c.Minimum.Join(parent.Minimum)
	c.Default = c.Default.Join(c.Minimum)
	if c.Quorum < parent.Quorum {
		c.Quorum = parent.Quorum
	}
	if len(c.ConsensusKey) == 0 {
		c.ConsensusKey = parent.ConsensusKey
	}
	if len(c.Observers) == 0 {
		c.Observers = parent.Observers
	}
	return c
}
