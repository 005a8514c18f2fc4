package net

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

// DefaultChannelBuffer is the number of messages a channel holds before the
// router starts dropping for it.
const DefaultChannelBuffer = 256

// Namespace returns the part of a topic before the first '/'.
func Namespace(topic string) string {
	if i := strings.IndexByte(topic, '/'); i >= 0 {
		return topic[:i]
	}
	return topic
}

// Router reads a single transport and hands each message to the channel
// registered for its topic namespace. Components then use their channel as
// their own TransportEffects.
type Router struct {
	t   effects.TransportEffects
	log log.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
	done     chan struct{}
	once     sync.Once
}

// NewRouter wraps t. Run must be called for messages to flow.
func NewRouter(l log.Logger, t effects.TransportEffects) *Router {
	return &Router{
		t:        t,
		log:      l.Named("router"),
		channels: make(map[string]*Channel),
		done:     make(chan struct{}),
	}
}

// Channel returns the endpoint for a topic namespace, creating it if needed.
func (r *Router) Channel(namespace string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[namespace]; ok {
		return c
	}
	c := &Channel{r: r, ns: namespace, in: make(chan effects.Message, DefaultChannelBuffer)}
	r.channels[namespace] = c
	return c
}

// Run dispatches until ctx is done or the transport fails.
func (r *Router) Run(ctx context.Context) error {
	defer r.once.Do(func() { close(r.done) })
	for {
		m, err := r.t.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		ns := Namespace(m.Topic)
		metrics.MessageReceived(ns)

		r.mu.RLock()
		c, ok := r.channels[ns]
		r.mu.RUnlock()
		if !ok {
			r.log.Debugw("no channel for topic", "topic", m.Topic, "from", m.From)
			continue
		}
		select {
		case c.in <- m:
		default:
			r.log.Warnw("channel full, dropping", "topic", m.Topic, "from", m.From)
		}
	}
}

// Channel is the slice of a transport dedicated to one topic namespace.
type Channel struct {
	r  *Router
	ns string
	in chan effects.Message
}

var _ effects.TransportEffects = (*Channel)(nil)

func (c *Channel) Self() common.DeviceID { return c.r.t.Self() }

// Send prefixes nothing: the topic must already be in the channel namespace.
func (c *Channel) Send(ctx context.Context, to common.DeviceID, topic string, payload []byte) error {
	metrics.MessageSent(c.ns)
	return c.r.t.Send(ctx, to, topic, payload)
}

func (c *Channel) Recv(ctx context.Context) (effects.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.r.done:
		return effects.Message{}, ErrClosed
	case <-ctx.Done():
		return effects.Message{}, ctx.Err()
	}
}

func (c *Channel) Reachable(peer common.DeviceID) bool { return c.r.t.Reachable(peer) }
