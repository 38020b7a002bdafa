package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/tpc/participant"
)

// defaultEventBufferSize is the buffer size for subscriber channels.
// Subscribers that can't keep up will have events dropped (non-blocking send).
const defaultEventBufferSize = 256

// Filter selects events for a subscription. Empty fields match everything.
type Filter struct {
	Outcomes []participant.Outcome
	Sources  []participant.Source
}

// subscription represents a single subscriber.
type subscription struct {
	id      uint64
	filter  Filter
	ch      chan participant.ResolutionEvent
	closed  atomic.Bool
	dropped atomic.Uint64
}

func (s *subscription) matches(ev participant.ResolutionEvent) bool {
	return contains(s.filter.Outcomes, ev.Outcome) && contains(s.filter.Sources, ev.Source)
}

func contains[T comparable](set []T, v T) bool {
	if len(set) == 0 {
		return true
	}
	for _, item := range set {
		if item == v {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub implements participant.Notifier.
// Thread-safe fan-out of resolution events to subscribers.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	dropped       atomic.Uint64
}

var _ participant.Notifier = (*Hub)(nil)

// NewHub creates a new resolution event hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Notify sends ev to all matching subscribers without blocking.
func (h *Hub) Notify(ev participant.ResolutionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(ev) {
			continue
		}

		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Subscribe creates a new subscription and returns the event channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up,
// events are dropped by Notify. The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan participant.ResolutionEvent, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan participant.ResolutionEvent, defaultEventBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Dropped is the number of events discarded because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
