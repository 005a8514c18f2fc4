package net

import (
	"context"
	"errors"
	"sync"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/effects"
)

// ErrClosed is returned by Recv once the endpoint was closed.
var ErrClosed = errors.New("net: transport closed")

// Tamper rewrites a message in flight to the given destination. Returning
// false drops the message.
type Tamper func(to common.DeviceID, m *effects.Message) bool

type link struct {
	from, to common.DeviceID
}

// Network is an in-process message fabric connecting MemoryTransport
// endpoints. Delivery is FIFO per sender and receiver; partitions, lossy
// links, duplication and tampering can be switched on at any time.
type Network struct {
	sync.Mutex
	endpoints map[common.DeviceID]*MemoryTransport
	// side maps a device to its partition; devices on different sides cannot
	// reach each other. Empty means fully connected.
	side      map[common.DeviceID]int
	lossy     map[link]bool
	duplicate bool
	tamper    Tamper
	log       log.Logger
}

// NewNetwork returns an empty, fully connected network.
func NewNetwork(l log.Logger) *Network {
	return &Network{
		endpoints: make(map[common.DeviceID]*MemoryTransport),
		side:      make(map[common.DeviceID]int),
		lossy:     make(map[link]bool),
		log:       l.Named("memnet"),
	}
}

// Join attaches a device and returns its endpoint. Joining twice returns the
// same endpoint.
func (n *Network) Join(d common.DeviceID) *MemoryTransport {
	n.Lock()
	defer n.Unlock()
	if t, ok := n.endpoints[d]; ok {
		return t
	}
	t := &MemoryTransport{
		net:    n,
		self:   d,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	n.endpoints[d] = t
	return t
}

// Partition splits the network in the given groups. Devices not listed in any
// group are isolated from everyone.
func (n *Network) Partition(groups ...[]common.DeviceID) {
	n.Lock()
	defer n.Unlock()
	n.side = make(map[common.DeviceID]int)
	for i, g := range groups {
		for _, d := range g {
			n.side[d] = i + 1
		}
	}
	n.log.Debugw("partition", "groups", len(groups))
}

// Heal removes any partition.
func (n *Network) Heal() {
	n.Lock()
	defer n.Unlock()
	n.side = make(map[common.DeviceID]int)
	n.log.Debugw("partition healed")
}

// Drop makes the directed link from -> to silently lose every message.
func (n *Network) Drop(from, to common.DeviceID, drop bool) {
	n.Lock()
	defer n.Unlock()
	if drop {
		n.lossy[link{from, to}] = true
	} else {
		delete(n.lossy, link{from, to})
	}
}

// Duplicate makes every delivery happen twice.
func (n *Network) Duplicate(on bool) {
	n.Lock()
	defer n.Unlock()
	n.duplicate = on
}

// SetTamper installs a hook run on every message; nil removes it.
func (n *Network) SetTamper(t Tamper) {
	n.Lock()
	defer n.Unlock()
	n.tamper = t
}

// connected must be called with the lock held.
func (n *Network) connected(a, b common.DeviceID) bool {
	if _, ok := n.endpoints[b]; !ok {
		return false
	}
	if a == b || len(n.side) == 0 {
		return true
	}
	sa, sb := n.side[a], n.side[b]
	return sa != 0 && sa == sb
}

func (n *Network) send(from, to common.DeviceID, topic string, payload []byte) error {
	n.Lock()
	if !n.connected(from, to) {
		n.Unlock()
		return effects.ErrUnreachable
	}
	dst := n.endpoints[to]
	if n.lossy[link{from, to}] {
		n.Unlock()
		n.log.Debugw("dropped", "from", from, "to", to, "topic", topic)
		return nil
	}
	m := effects.Message{From: from, Topic: topic, Payload: append([]byte(nil), payload...)}
	if n.tamper != nil && !n.tamper(to, &m) {
		n.Unlock()
		return nil
	}
	copies := 1
	if n.duplicate {
		copies = 2
	}
	n.Unlock()

	for i := 0; i < copies; i++ {
		dst.push(m)
	}
	return nil
}

// MemoryTransport is one device's endpoint on a Network. It implements
// effects.TransportEffects.
type MemoryTransport struct {
	net  *Network
	self common.DeviceID

	mu     sync.Mutex
	queue  []effects.Message
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

var _ effects.TransportEffects = (*MemoryTransport)(nil)

func (m *MemoryTransport) Self() common.DeviceID { return m.self }

func (m *MemoryTransport) Send(ctx context.Context, to common.DeviceID, topic string, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return ErrClosed
	default:
	}
	return m.net.send(m.self, to, topic, payload)
}

func (m *MemoryTransport) Recv(ctx context.Context) (effects.Message, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = effects.Message{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-m.closed:
			return effects.Message{}, ErrClosed
		case <-ctx.Done():
			return effects.Message{}, ctx.Err()
		}
	}
}

func (m *MemoryTransport) Reachable(peer common.DeviceID) bool {
	m.net.Lock()
	defer m.net.Unlock()
	return m.net.connected(m.self, peer)
}

// Pending is the number of queued, undelivered messages.
func (m *MemoryTransport) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close detaches the endpoint from the network.
func (m *MemoryTransport) Close() error {
	m.once.Do(func() {
		m.net.Lock()
		delete(m.net.endpoints, m.self)
		m.net.Unlock()
		close(m.closed)
	})
	return nil
}

func (m *MemoryTransport) push(msg effects.Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
