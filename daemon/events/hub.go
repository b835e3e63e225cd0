// Package events provides the in-process broadcast hub used to observe
// streaming-mode tool calls.
package events

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// DefaultCapacity is the number of in-flight events the hub retains.
const DefaultCapacity = 1024

// ErrClosed is reported by Next once the subscription has been closed.
var ErrClosed = errors.New("events: subscription closed")

// Event is a router lifecycle event delivered to stream subscribers.
type Event struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub is a bounded broadcast bus. Publishing never blocks; a subscriber
// that falls more than the hub capacity behind skips ahead and observes
// the number of events it missed.
type Hub struct {
	mu   sync.Mutex
	ring []Event
	head uint64 // sequence number of the next event to be published
	subs map[*Subscription]struct{}
}

// NewHub creates a hub with the given ring capacity.
// A capacity of zero or less defaults to DefaultCapacity.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[*Subscription]struct{}),
	}
}

// Publish appends the event, evicting the oldest retained event when the
// ring is full, and wakes any waiting subscribers.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	h.ring[h.head%uint64(len(h.ring))] = ev
	h.head++
	for sub := range h.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new receiver positioned at the current head;
// it observes only events published after this call.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &Subscription{
		hub:    h,
		cursor: h.head,
		wake:   make(chan struct{}, 1),
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Subscription is a single receiver's view of the hub.
type Subscription struct {
	hub    *Hub
	cursor uint64
	wake   chan struct{}

	mu     sync.Mutex
	closed bool
}

// Next returns the next event, blocking until one is published or ctx is
// done. The skipped count is non-zero when the subscriber lagged behind
// the ring and had to jump forward; the subscriber then keeps reading
// newer events from its new position.
func (s *Subscription) Next(ctx context.Context) (ev Event, skipped uint64, err error) {
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, 0, ErrClosed
		}

		h := s.hub
		h.mu.Lock()
		capacity := uint64(len(h.ring))
		if tail := h.head - min(h.head, capacity); s.cursor < tail {
			skipped = tail - s.cursor
			s.cursor = tail
		}
		if s.cursor < h.head {
			ev = h.ring[s.cursor%capacity]
			s.cursor++
			h.mu.Unlock()
			return ev, skipped, nil
		}
		h.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return Event{}, skipped, ctx.Err()
		}
	}
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}
