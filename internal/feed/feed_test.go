package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/netpulse/netpulse/internal/model"
)

func batch(ids ...string) []model.RateUpdate {
	b := make([]model.RateUpdate, 0, len(ids))
	for _, id := range ids {
		b = append(b, model.RateUpdate{InterfaceID: id, TsMs: 1000, DownBps: 100, UpBps: 10})
	}
	return b
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)

	h.Publish(batch("eth0", "wlan0"))

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case got := <-sub.C():
			if len(got) != 2 || got[0].InterfaceID != "eth0" {
				t.Errorf("%s: unexpected batch %+v", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: batch never arrived", name)
		}
	}

	if h.Published() != 1 {
		t.Errorf("published count = %d, want 1", h.Published())
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe(2)
	fast := h.Subscribe(8)

	// Nobody reads slow's channel: the third publish must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			h.Publish(batch("eth0"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	if got := slow.Dropped(); got != 3 {
		t.Errorf("slow subscriber dropped %d batches, want 3", got)
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast subscriber dropped %d batches, want 0", fast.Dropped())
	}
	if h.Dropped() != 3 {
		t.Errorf("hub dropped total = %d, want 3", h.Dropped())
	}

	// The fast subscriber still received everything.
	for i := 0; i < 5; i++ {
		select {
		case <-fast.C():
		default:
			t.Fatalf("fast subscriber missing batch %d", i)
		}
	}
}

func TestEmptyBatchNotDelivered(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)

	h.Publish(nil)
	h.Publish([]model.RateUpdate{})

	select {
	case got := <-sub.C():
		t.Errorf("unexpected delivery: %+v", got)
	default:
	}
	if h.Published() != 0 {
		t.Errorf("published count = %d, want 0", h.Published())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)

	h.Unsubscribe(sub)
	h.Unsubscribe(sub) // idempotent
	h.Unsubscribe(nil)

	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after unsubscribe")
	}
	if h.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", h.Subscribers())
	}

	// Publishing afterwards must not panic or deliver.
	h.Publish(batch("eth0"))
}

func TestCloseStopsEverything(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(1)
	b := h.Subscribe(1)

	h.Close()
	h.Close() // idempotent

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		if _, ok := <-sub.C(); ok {
			t.Errorf("%s: channel open after hub close", name)
		}
	}

	h.Publish(batch("eth0"))
	if h.Published() != 0 {
		t.Error("publish after close must be a no-op")
	}

	late := h.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Error("subscription on a closed hub must arrive already closed")
	}
}

func TestConcurrentChurn(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup

	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Publish(batch("eth0"))
			}
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub := h.Subscribe(1)
				// Drain at most one batch, then leave.
				select {
				case <-sub.C():
				default:
				}
				h.Unsubscribe(sub)
			}
		}()
	}

	// Let the churn run, then stop the publisher before waiting.
	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
	h.Close()
}
