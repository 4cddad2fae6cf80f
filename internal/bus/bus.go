// Package bus fans project events out to in-process consumers: the
// gateway's websocket and SSE clients and the notifier.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives every event whose topic equals its prefix or
// continues it after a dot, so "alpha" never sees "alphabet.log".
// A full buffer evicts its oldest event; publishers never wait.
type Subscription struct {
	prefix string
	ch     chan Event

	sendMu  sync.Mutex // orders concurrent deliveries; guards close
	closed  bool
	dropped atomic.Uint64
}

// Ch is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events evicted to make room for newer ones.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	if s.prefix == "" || topic == s.prefix {
		return true
	}
	return len(topic) > len(s.prefix) && topic[len(s.prefix)] == '.' && strings.HasPrefix(topic, s.prefix)
}

func (s *Subscription) deliver(e Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is an in-process pub/sub bus with topic prefix matching. Topics are
// "<project>.<kind>", see Topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe is SubscribeBuffered with room for 100 events. An empty prefix
// matches every topic.
func (b *Bus) Subscribe(prefix string) *Subscription {
	return b.SubscribeBuffered(prefix, defaultBufferSize)
}

func (b *Bus) SubscribeBuffered(prefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	sub := &Subscription{prefix: strings.TrimSuffix(prefix, "."), ch: make(chan Event, size)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Publish delivers to every matching subscription without blocking.
func (b *Bus) Publish(topic string, payload any) {
	e := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.matches(topic) {
			sub.deliver(e)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
