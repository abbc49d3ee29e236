// Package queue carries accepted samples and discontinuity markers from the
// sampler to the persistence writer. It is bounded: when the writer falls
// behind and the queue fills, the oldest entries are dropped so the producer
// never blocks a tick.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/model"
)

// Kind discriminates queue entries.
type Kind uint8

const (
	// KindSample is an accepted rate sample bound for persistence.
	KindSample Kind = iota
	// KindMarker is a discontinuity marker bound for persistence.
	KindMarker
)

// Item is a single queue entry. Exactly one of Sample or Marker is
// meaningful, selected by Kind.
type Item struct {
	Kind   Kind
	Sample model.Sample
	Marker model.Marker
}

// SampleItem wraps a sample as a queue entry.
func SampleItem(s model.Sample) Item {
	return Item{Kind: KindSample, Sample: s}
}

// MarkerItem wraps a marker as a queue entry.
func MarkerItem(m model.Marker) Item {
	return Item{Kind: KindMarker, Marker: m}
}

// Queue is a bounded FIFO between one producer (the sampler) and one
// consumer (the writer). Push never blocks; PopBatch blocks until entries
// arrive, the context is cancelled, or the queue is closed and drained.
type Queue struct {
	mu        sync.Mutex
	data      []Item
	head      int64 // next write position
	tail      int64 // oldest entry position
	count     int64
	capacity  int64
	highWater int64
	closed    bool

	notify   chan struct{}
	closedCh chan struct{}

	// Statistics
	pushCount atomic.Int64
	popCount  atomic.Int64
	dropCount atomic.Int64
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		data:     make([]Item, capacity),
		capacity: int64(capacity),
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push appends an entry, dropping the oldest if the queue is full.
// Returns ErrQueueClosed after Close.
func (q *Queue) Push(item Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ErrQueueClosed
	}

	if q.count >= q.capacity {
		q.tail++
		q.count--
		q.dropCount.Add(1)
	}

	idx := q.head % q.capacity
	q.data[idx] = item
	q.head++
	q.count++
	if q.count > q.highWater {
		q.highWater = q.count
	}
	q.mu.Unlock()

	q.pushCount.Add(1)

	// Wake the consumer if it is waiting. A pending wakeup is enough.
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// PushSample appends a sample entry.
func (q *Queue) PushSample(s model.Sample) error {
	return q.Push(SampleItem(s))
}

// PushMarker appends a marker entry.
func (q *Queue) PushMarker(m model.Marker) error {
	return q.Push(MarkerItem(m))
}

// PopBatch removes up to max entries in FIFO order. It blocks while the
// queue is empty; it returns ErrQueueClosed once the queue is closed and
// fully drained, or the context error on cancellation.
func (q *Queue) PopBatch(ctx context.Context, max int) ([]Item, error) {
	if max <= 0 {
		max = int(q.capacity)
	}

	for {
		q.mu.Lock()
		if q.count > 0 {
			n := int64(max)
			if n > q.count {
				n = q.count
			}
			out := make([]Item, n)
			for i := int64(0); i < n; i++ {
				idx := (q.tail + i) % q.capacity
				out[i] = q.data[idx]
				q.data[idx] = Item{}
			}
			q.tail += n
			q.count -= n
			q.mu.Unlock()

			q.popCount.Add(n)
			return out, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, errors.ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.closedCh:
		}
	}
}

// Close stops accepting entries. Entries already queued remain poppable;
// PopBatch returns ErrQueueClosed once the queue is empty.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.closedCh)
}

// Len returns the current number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.count)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return int(q.capacity)
}

// Stats holds queue statistics.
type Stats struct {
	Capacity  int
	Count     int
	HighWater int
	PushCount int64
	PopCount  int64
	DropCount int64
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	count := q.count
	highWater := q.highWater
	q.mu.Unlock()

	return Stats{
		Capacity:  int(q.capacity),
		Count:     int(count),
		HighWater: int(highWater),
		PushCount: q.pushCount.Load(),
		PopCount:  q.popCount.Load(),
		DropCount: q.dropCount.Load(),
	}
}
