package tail

import (
	"sync"
	"testing"
	"time"

	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/testutil"
)

func sample(id string, endMs int64) model.Sample {
	return model.Sample{
		InterfaceID: id,
		StartMs:     endMs - 1000,
		EndMs:       endMs,
		BytesDown:   1000,
		BytesUp:     100,
	}
}

func TestPushAndLen(t *testing.T) {
	tl := New(8)

	if tl.Len() != 0 {
		t.Errorf("expected empty tail, got len %d", tl.Len())
	}

	for i := 0; i < 5; i++ {
		tl.Push(sample("eth0", int64(i+1)*1000))
	}

	if tl.Len() != 5 {
		t.Errorf("expected len 5, got %d", tl.Len())
	}
	if tl.Cap() != 8 {
		t.Errorf("expected cap 8, got %d", tl.Cap())
	}
}

func TestEvictsOldestWhenFull(t *testing.T) {
	tl := New(3)

	for i := 1; i <= 5; i++ {
		tl.Push(sample("eth0", int64(i)*1000))
	}

	if tl.Len() != 3 {
		t.Errorf("expected len 3, got %d", tl.Len())
	}

	got := tl.Query(Filter{})
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	// Samples 1 and 2 were evicted.
	wantEnds := []int64{3000, 4000, 5000}
	for i, s := range got {
		if s.EndMs != wantEnds[i] {
			t.Errorf("sample %d: expected end %d, got %d", i, wantEnds[i], s.EndMs)
		}
	}

	stats := tl.Stats()
	if stats.PushCount != 5 {
		t.Errorf("expected 5 pushes, got %d", stats.PushCount)
	}
	if stats.EvictCount != 2 {
		t.Errorf("expected 2 evictions, got %d", stats.EvictCount)
	}
}

func TestQueryOrderOldestToNewest(t *testing.T) {
	tl := New(16)

	for i := 1; i <= 10; i++ {
		tl.Push(sample("eth0", int64(i)*1000))
	}

	got := tl.Query(Filter{})
	for i := 1; i < len(got); i++ {
		if got[i].EndMs <= got[i-1].EndMs {
			t.Errorf("samples out of order at %d: %d then %d", i, got[i-1].EndMs, got[i].EndMs)
		}
	}
}

func TestQueryByInterface(t *testing.T) {
	tl := New(16)

	tl.Push(sample("eth0", 1000))
	tl.Push(sample("wlan0", 1000))
	tl.Push(sample("eth0", 2000))
	tl.Push(sample("wlan0", 2000))
	tl.Push(sample("eth1", 2000))

	got := tl.Query(Filter{IDs: []string{"eth0"}})
	if len(got) != 2 {
		t.Errorf("expected 2 eth0 samples, got %d", len(got))
	}
	for _, s := range got {
		if s.InterfaceID != "eth0" {
			t.Errorf("expected eth0, got %s", s.InterfaceID)
		}
	}

	got = tl.Query(Filter{IDs: []string{"eth0", "eth1"}})
	if len(got) != 3 {
		t.Errorf("expected 3 samples for eth0+eth1, got %d", len(got))
	}

	got = tl.Query(Filter{IDs: []string{"missing"}})
	if len(got) != 0 {
		t.Errorf("expected no samples for unknown interface, got %d", len(got))
	}
}

func TestQueryAfterEndMs(t *testing.T) {
	tl := New(16)

	for i := 1; i <= 5; i++ {
		tl.Push(sample("eth0", int64(i)*1000))
	}

	// Strictly after: a sample whose end equals the boundary is excluded.
	got := tl.Query(Filter{AfterEndMs: 3000})
	if len(got) != 2 {
		t.Fatalf("expected 2 samples after 3000, got %d", len(got))
	}
	if got[0].EndMs != 4000 || got[1].EndMs != 5000 {
		t.Errorf("expected ends 4000, 5000, got %d, %d", got[0].EndMs, got[1].EndMs)
	}
}

func TestQueryUntilEndMs(t *testing.T) {
	tl := New(16)

	for i := 1; i <= 5; i++ {
		tl.Push(sample("eth0", int64(i)*1000))
	}

	got := tl.Query(Filter{UntilEndMs: 3000})
	if len(got) != 3 {
		t.Errorf("expected 3 samples until 3000 inclusive, got %d", len(got))
	}

	got = tl.Query(Filter{AfterEndMs: 1000, UntilEndMs: 4000})
	if len(got) != 3 {
		t.Errorf("expected 3 samples in (1000, 4000], got %d", len(got))
	}
}

func TestQueryEmpty(t *testing.T) {
	tl := New(8)
	if got := tl.Query(Filter{}); got != nil {
		t.Errorf("expected nil from empty tail, got %v", got)
	}
}

func TestMaxEndMs(t *testing.T) {
	tl := New(4)

	if tl.MaxEndMs() != 0 {
		t.Errorf("expected 0 for empty tail, got %d", tl.MaxEndMs())
	}

	tl.Push(sample("eth0", 1000))
	tl.Push(sample("eth0", 2000))
	if tl.MaxEndMs() != 2000 {
		t.Errorf("expected max end 2000, got %d", tl.MaxEndMs())
	}

	// Wrap the ring and check again.
	for i := 3; i <= 9; i++ {
		tl.Push(sample("eth0", int64(i)*1000))
	}
	if tl.MaxEndMs() != 9000 {
		t.Errorf("expected max end 9000 after wrap, got %d", tl.MaxEndMs())
	}
}

func TestTimeRangeAndSpan(t *testing.T) {
	tl := New(16)

	oldest, newest := tl.TimeRange()
	if oldest != 0 || newest != 0 {
		t.Errorf("expected (0, 0) for empty tail, got (%d, %d)", oldest, newest)
	}

	for i := 1; i <= 5; i++ {
		tl.Push(sample("eth0", int64(i)*1000))
	}

	oldest, newest = tl.TimeRange()
	if oldest != 1000 || newest != 5000 {
		t.Errorf("expected range (1000, 5000), got (%d, %d)", oldest, newest)
	}
	if tl.Span() != 4*time.Second {
		t.Errorf("expected span 4s, got %v", tl.Span())
	}
}

func TestClear(t *testing.T) {
	tl := New(8)
	for i := 1; i <= 5; i++ {
		tl.Push(sample("eth0", int64(i)*1000))
	}

	tl.Clear()

	if tl.Len() != 0 {
		t.Errorf("expected empty tail after clear, got len %d", tl.Len())
	}
	if got := tl.Query(Filter{}); got != nil {
		t.Errorf("expected nil after clear, got %d samples", len(got))
	}

	// Ring still usable after clear.
	tl.Push(sample("eth0", 9000))
	if tl.Len() != 1 || tl.MaxEndMs() != 9000 {
		t.Errorf("expected one sample at 9000 after clear, got len %d max %d", tl.Len(), tl.MaxEndMs())
	}
}

func TestConcurrentPushAndQuery(t *testing.T) {
	tl := New(256)
	gt := testutil.NewGoroutineTest(t)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		worker := w
		gt.Go(func() error {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				tl.Push(sample("eth0", int64(worker*1000+i)))
			}
			return nil
		})
	}
	gt.Go(func() error {
		for i := 0; i < 200; i++ {
			tl.Query(Filter{IDs: []string{"eth0"}})
		}
		return nil
	})

	wg.Wait()
	gt.Wait()

	stats := tl.Stats()
	if stats.PushCount != 2000 {
		t.Errorf("expected 2000 pushes, got %d", stats.PushCount)
	}
	if tl.Len() != 256 {
		t.Errorf("expected full ring of 256, got %d", tl.Len())
	}
	if stats.EvictCount != 2000-256 {
		t.Errorf("expected %d evictions, got %d", 2000-256, stats.EvictCount)
	}
}

func TestZeroCapacityDefaults(t *testing.T) {
	tl := New(0)
	if tl.Cap() != 4096 {
		t.Errorf("expected default capacity 4096, got %d", tl.Cap())
	}
}

func BenchmarkPush(b *testing.B) {
	tl := New(4096)
	s := sample("eth0", 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.EndMs = int64(i)
		tl.Push(s)
	}
}

func BenchmarkQuery(b *testing.B) {
	tl := New(4096)
	for i := 0; i < 4096; i++ {
		tl.Push(sample("eth0", int64(i)*1000))
	}
	filter := Filter{IDs: []string{"eth0"}, AfterEndMs: 2_000_000}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tl.Query(filter)
	}
}
