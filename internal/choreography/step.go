package choreography

import (
	"context"
	"fmt"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/internal/authority"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
)

// Output collects what a step body produces besides its error.
type Output struct {
	// Deltas are appended to the declared deltas of the step.
	Deltas []journal.FactOp
	// Peer are facts received from a peer, merged into the context before
	// the deltas are committed. Only steps with JournalMerge may set them.
	Peer []*journal.Fact
}

// Assert appends a delta asserting v under contentType.
func (o *Output) Assert(contentType string, v any) error {
	op, err := journal.AssertValue(contentType, v)
	if err != nil {
		return err
	}
	o.Deltas = append(o.Deltas, op)
	return nil
}

// Body is the effect of a step: sending or receiving a message, computing,
// running a ceremony.
type Body func(ctx context.Context, out *Output) error

// Step is one message of a choreography, sent by the role executing it.
type Step struct {
	Name string
	// Guards are the capability scopes the sender must hold.
	Guards []authority.Scope
	// FlowCost is charged to the sender's flow budget on success.
	FlowCost uint64
	// Deltas are appended to the journal iff the step succeeds.
	Deltas []journal.FactOp
	// Leakage is charged whether the body succeeds or not.
	Leakage Leakage
	// JournalMerge marks steps that merge a peer-produced delta.
	JournalMerge bool
	Body         Body
}

func (s *Step) String() string {
	if s.Name == "" {
		return "step"
	}
	return s.Name
}

// Choreography is a named sequence of steps run by one role.
type Choreography struct {
	Name  string
	Role  string
	Steps []Step
}

// Send returns a body sending payload to a peer.
func Send(t effects.TransportEffects, to common.DeviceID, topic string, payload []byte) Body {
	return func(ctx context.Context, _ *Output) error {
		return t.Send(ctx, to, topic, payload)
	}
}

// Receive returns a body waiting for the next message of topic from a peer
// and handing it to handle. Messages from other peers or on other topics are
// discarded.
func Receive(t effects.TransportEffects, from common.DeviceID, topic string, handle func(payload []byte, out *Output) error) Body {
	return func(ctx context.Context, out *Output) error {
		for {
			m, err := t.Recv(ctx)
			if err != nil {
				return fmt.Errorf("waiting for %s from %s: %w", topic, from, err)
			}
			if m.From != from || m.Topic != topic {
				continue
			}
			return handle(m.Payload, out)
		}
	}
}
