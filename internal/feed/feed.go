// Package feed fans live rate updates out to subscribers.
//
// The hub decouples the sampler from feed sessions: Publish never
// blocks, so a stalled client cannot slow the sampling loop. Slow
// subscribers lose whole batches and the loss is counted, never
// smeared across samples.
package feed

import (
	"sync"
	"sync/atomic"

	"github.com/netpulse/netpulse/internal/logging"
	"github.com/netpulse/netpulse/internal/model"
)

var log = logging.Component("feed")

// DefaultBuffer is the per-subscription batch buffer used when
// Subscribe is called with a non-positive size.
const DefaultBuffer = 8

// Subscription is one receiver of the rate stream.
type Subscription struct {
	id      uint64
	ch      chan []model.RateUpdate
	dropped atomic.Int64
}

// C returns the receive channel. It is closed by Unsubscribe or when
// the hub shuts down. Batches are shared across subscribers and must
// be treated as read-only.
func (s *Subscription) C() <-chan []model.RateUpdate {
	return s.ch
}

// Dropped returns how many batches this subscription has lost to a
// full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Hub distributes rate batches to all current subscriptions.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new receiver with the given batch buffer.
// Non-positive sizes use DefaultBuffer. Subscribing to a closed hub
// returns a subscription whose channel is already closed.
func (h *Hub) Subscribe(buf int) *Subscription {
	if buf <= 0 {
		buf = DefaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id: h.nextID,
		ch: make(chan []model.RateUpdate, buf),
	}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub

	log.Debug("subscriber joined", "id", sub.id, "total", len(h.subs))
	return sub
}

// Unsubscribe removes the subscription and closes its channel. It is
// idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)

	log.Debug("subscriber left", "id", sub.id, "total", len(h.subs), "dropped", sub.Dropped())
}

// Publish delivers one batch to every subscriber without blocking.
// A subscriber whose buffer is full loses the whole batch and its drop
// counter advances. Empty batches are not delivered.
func (h *Hub) Publish(batch []model.RateUpdate) {
	if len(batch) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	h.published.Add(1)

	for _, sub := range h.subs {
		select {
		case sub.ch <- batch:
		default:
			h.dropped.Add(1)
			if n := sub.dropped.Add(1); n == 1 || n%1000 == 0 {
				log.Warn("subscriber too slow, dropping batch", "id", sub.id, "dropped", n)
			}
		}
	}
}

// Subscribers returns the current subscription count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Published returns how many batches have been published.
func (h *Hub) Published() int64 {
	return h.published.Load()
}

// Dropped returns the total batches lost across all subscriptions,
// including ones since unsubscribed.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close closes every subscription channel and rejects future
// publishes. It is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
