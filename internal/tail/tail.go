// Package tail holds the live tail: an in-memory capped ring of the most
// recently accepted raw samples. It supplements queries for "now" while
// persistence lags by up to one flush interval; it is never the source of
// truth for history once rows are flushed.
package tail

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/netpulse/netpulse/internal/model"
)

// Tail is a thread-safe circular buffer of accepted samples, ordered by
// insertion (the sampler's emission order). When full, the oldest sample
// is evicted.
type Tail struct {
	mu       sync.RWMutex
	data     []model.Sample
	head     int64 // next write position
	tailPos  int64 // oldest data position
	count    int64
	capacity int64

	// Statistics
	pushCount  atomic.Int64
	evictCount atomic.Int64
}

// New creates a tail with the given capacity.
func New(capacity int) *Tail {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Tail{
		data:     make([]model.Sample, capacity),
		capacity: int64(capacity),
	}
}

// Push appends a sample, evicting the oldest if the ring is full.
func (t *Tail) Push(sample model.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count >= t.capacity {
		t.tailPos++
		t.count--
		t.evictCount.Add(1)
	}

	idx := t.head % t.capacity
	t.data[idx] = sample
	t.head++
	t.count++
	t.pushCount.Add(1)
}

// Filter selects samples from the ring. Zero values impose no bound.
type Filter struct {
	// IDs restricts to the named interfaces; empty matches all.
	IDs []string

	// AfterEndMs matches samples whose interval end is strictly later.
	// This is the merge boundary against persisted rows.
	AfterEndMs int64

	// UntilEndMs matches samples whose interval end is at or before.
	UntilEndMs int64
}

func (f *Filter) matches(s *model.Sample) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if s.InterfaceID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.AfterEndMs > 0 && s.EndMs <= f.AfterEndMs {
		return false
	}
	if f.UntilEndMs > 0 && s.EndMs > f.UntilEndMs {
		return false
	}
	return true
}

// Query returns samples matching the filter, ordered oldest to newest.
func (t *Tail) Query(filter Filter) []model.Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.count == 0 {
		return nil
	}

	var results []model.Sample
	for i := int64(0); i < t.count; i++ {
		idx := (t.tailPos + i) % t.capacity
		if filter.matches(&t.data[idx]) {
			results = append(results, t.data[idx])
		}
	}
	return results
}

// MaxEndMs returns the newest interval end in the ring, 0 when empty.
func (t *Tail) MaxEndMs() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.count == 0 {
		return 0
	}
	idx := (t.head - 1) % t.capacity
	if idx < 0 {
		idx += t.capacity
	}
	return t.data[idx].EndMs
}

// TimeRange returns the oldest and newest interval ends in the ring.
// Returns (0, 0) when empty.
func (t *Tail) TimeRange() (oldest, newest int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.count == 0 {
		return 0, 0
	}

	oldestIdx := t.tailPos % t.capacity
	newestIdx := (t.head - 1) % t.capacity
	if newestIdx < 0 {
		newestIdx += t.capacity
	}
	return t.data[oldestIdx].EndMs, t.data[newestIdx].EndMs
}

// Span returns the time covered by the ring's samples.
func (t *Tail) Span() time.Duration {
	oldest, newest := t.TimeRange()
	if oldest == 0 || newest == 0 {
		return 0
	}
	return time.Duration(newest-oldest) * time.Millisecond
}

// Len returns the current number of samples.
func (t *Tail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.count)
}

// Cap returns the ring capacity.
func (t *Tail) Cap() int {
	return int(t.capacity)
}

// Clear removes all samples.
func (t *Tail) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.data {
		t.data[i] = model.Sample{}
	}
	t.head = 0
	t.tailPos = 0
	t.count = 0
}

// Stats holds tail statistics.
type Stats struct {
	Capacity   int
	Count      int
	PushCount  int64
	EvictCount int64
}

// Stats returns a snapshot of the tail counters.
func (t *Tail) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Stats{
		Capacity:   int(t.capacity),
		Count:      int(t.count),
		PushCount:  t.pushCount.Load(),
		EvictCount: t.evictCount.Load(),
	}
}
