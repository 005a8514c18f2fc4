package util

import (
	"sync"
)

// DefaultFanOutBuffer is the buffer of the producer channel and of every
// listener.
const DefaultFanOutBuffer = 64

// FanOutChan has one producer channel and multiple consumers for each message on the channel
type FanOutChan[T any] struct {
	lock      sync.RWMutex
	listeners []chan T
	finished  bool

	pubLock  sync.Mutex
	delegate chan T
	closed   bool
	done     chan struct{}
}

func NewFanOutChan[T any]() *FanOutChan[T] {
	f := &FanOutChan[T]{
		delegate:  make(chan T, DefaultFanOutBuffer),
		listeners: make([]chan T, 0),
		done:      make(chan struct{}),
	}

	go func() {
		defer close(f.done)
		for item := range f.delegate {
			f.lock.RLock()
			for _, l := range f.listeners {
				l <- item
			}
			f.lock.RUnlock()
		}
		f.lock.Lock()
		for _, l := range f.listeners {
			close(l)
		}
		f.listeners = nil
		f.finished = true
		f.lock.Unlock()
	}()

	return f
}

// Listen registers a new consumer. Consumers must keep draining their
// channel, a stuck consumer stalls every other one.
func (f *FanOutChan[T]) Listen() <-chan T {
	ch := make(chan T, DefaultFanOutBuffer)

	f.lock.Lock()
	defer f.lock.Unlock()
	if f.finished {
		close(ch)
		return ch
	}
	f.listeners = append(f.listeners, ch)
	return ch
}

// Publish hands item to every current listener. Publishing after Close is a
// no-op.
func (f *FanOutChan[T]) Publish(item T) {
	f.pubLock.Lock()
	defer f.pubLock.Unlock()
	if f.closed {
		return
	}
	f.delegate <- item
}

// Close stops the fan out and closes every listener once pending items are
// delivered.
func (f *FanOutChan[T]) Close() {
	f.pubLock.Lock()
	if !f.closed {
		f.closed = true
		close(f.delegate)
	}
	f.pubLock.Unlock()
	<-f.done
}
