package guard

import (
	"testing"
	"time"

	"github.com/netpulse/netpulse/internal/config"
	"github.com/netpulse/netpulse/internal/model"
)

func testConfig() *config.GuardConfig {
	return &config.GuardConfig{
		RateCeilingBps: 1_250_000_000,
		SleepFactor:    3.0,
		RePrimeTicks:   3,
	}
}

func sample(id string, startMs, endMs int64, down, up uint64) *model.Sample {
	return &model.Sample{
		InterfaceID: id,
		StartMs:     startMs,
		EndMs:       endMs,
		BytesDown:   down,
		BytesUp:     up,
	}
}

func TestNormalSampleAccepted(t *testing.T) {
	g := New(testConfig())

	v := g.Evaluate(sample("eth0", 0, 1000, 125_000, 1000), time.Second)

	if !v.Accept {
		t.Errorf("expected accept, got discard (%s)", v.Reason)
	}
	if v.State != StateNormal {
		t.Errorf("expected normal state, got %s", v.State)
	}
}

func TestSpikeDiscarded(t *testing.T) {
	g := New(testConfig())

	// 2 GB in one second exceeds the 1.25 GB/s ceiling.
	v := g.Evaluate(sample("eth0", 0, 1000, 2_000_000_000, 0), time.Second)

	if v.Accept {
		t.Error("expected discard for impossible rate")
	}
	if v.Reason != model.ReasonSpike {
		t.Errorf("expected spike reason, got %s", v.Reason)
	}
	if v.State != StateSuspect {
		t.Errorf("expected suspect state on trigger, got %s", v.State)
	}
	if v.Remaining != 3 {
		t.Errorf("expected 3 re-priming ticks, got %d", v.Remaining)
	}

	st, remaining := g.State("eth0")
	if st != StateRePriming || remaining != 3 {
		t.Errorf("expected stored repriming(3), got %s(%d)", st, remaining)
	}
}

func TestUploadSpikeDiscarded(t *testing.T) {
	g := New(testConfig())

	v := g.Evaluate(sample("eth0", 0, 1000, 0, 2_000_000_000), time.Second)

	if v.Accept {
		t.Error("expected discard for impossible upload rate")
	}
	if v.Reason != model.ReasonSpike {
		t.Errorf("expected spike reason, got %s", v.Reason)
	}
}

func TestSleepGapDiscarded(t *testing.T) {
	g := New(testConfig())

	// 4999s gap with a 1s tick interval is far beyond the 3s threshold.
	v := g.Evaluate(sample("eth0", 1000, 5_000_000, 50_000_000, 0), time.Second)

	if v.Accept {
		t.Error("expected discard for sleep gap")
	}
	if v.Reason != model.ReasonSleep {
		t.Errorf("expected sleep reason, got %s", v.Reason)
	}
}

func TestSleepWinsOverSpike(t *testing.T) {
	g := New(testConfig())

	// Both implausible rate and oversized gap: the gap explains the burst.
	v := g.Evaluate(sample("eth0", 0, 10_000, 900_000_000_000, 0), time.Second)

	if v.Accept {
		t.Error("expected discard")
	}
	if v.Reason != model.ReasonSleep {
		t.Errorf("expected sleep reason, got %s", v.Reason)
	}
}

func TestEarlyExitAcceptsInBoundsSample(t *testing.T) {
	g := New(testConfig())

	// Trigger re-priming.
	g.Evaluate(sample("eth0", 0, 1000, 2_000_000_000, 0), time.Second)

	// Next sample is plausible: accepted, window closed.
	v := g.Evaluate(sample("eth0", 1000, 2000, 1000, 0), time.Second)

	if !v.Accept {
		t.Error("expected early-exit accept")
	}
	if v.State != StateNormal {
		t.Errorf("expected normal state after early exit, got %s", v.State)
	}

	st, _ := g.State("eth0")
	if st != StateNormal {
		t.Errorf("expected stored normal state, got %s", st)
	}

	if got := g.Stats().EarlyExits; got != 1 {
		t.Errorf("expected 1 early exit, got %d", got)
	}
}

func TestRePrimingWindowRunsOut(t *testing.T) {
	g := New(testConfig())

	// Trigger.
	g.Evaluate(sample("eth0", 0, 1000, 2_000_000_000, 0), time.Second)

	// Three more implausible samples exhaust the window.
	for i := 1; i <= 3; i++ {
		start := int64(i) * 1000
		v := g.Evaluate(sample("eth0", start, start+1000, 3_000_000_000, 0), time.Second)
		if v.Accept {
			t.Errorf("tick %d: expected discard during re-priming", i)
		}
		if v.State != StateRePriming {
			t.Errorf("tick %d: expected repriming state, got %s", i, v.State)
		}
		if v.Remaining != 3-i {
			t.Errorf("tick %d: expected %d remaining, got %d", i, 3-i, v.Remaining)
		}
	}

	st, _ := g.State("eth0")
	if st != StateNormal {
		t.Errorf("expected normal state after window, got %s", st)
	}

	// Normal operation resumes.
	v := g.Evaluate(sample("eth0", 4000, 5000, 1000, 0), time.Second)
	if !v.Accept {
		t.Error("expected accept after window expired")
	}
}

func TestResumeScenario(t *testing.T) {
	g := New(testConfig())

	// Normal traffic.
	v := g.Evaluate(sample("eth0", 0, 1000, 1000, 0), time.Second)
	if !v.Accept {
		t.Fatal("expected baseline sample accepted")
	}

	// Resume from sleep: huge counter jump over a 4999s gap.
	v = g.Evaluate(sample("eth0", 1000, 5_000_000, 50_000_000, 0), time.Second)
	if v.Accept {
		t.Fatal("expected post-sleep jump discarded")
	}
	if v.Reason != model.ReasonSleep {
		t.Fatalf("expected sleep reason, got %s", v.Reason)
	}

	// After re-baselining, the next delta is plausible and kept.
	v = g.Evaluate(sample("eth0", 5_000_000, 5_002_000, 2000, 0), time.Second)
	if !v.Accept {
		t.Fatal("expected post-resume sample accepted")
	}

	stats := g.Stats()
	if stats.DiscardedSleep != 1 {
		t.Errorf("expected 1 sleep discard, got %d", stats.DiscardedSleep)
	}
	if stats.Accepted != 2 {
		t.Errorf("expected 2 accepted, got %d", stats.Accepted)
	}
}

func TestReplayDeterminism(t *testing.T) {
	seq := []*model.Sample{
		sample("eth0", 0, 1000, 1000, 100),
		sample("eth0", 1000, 2000, 2_000_000_000, 0),
		sample("eth0", 2000, 3000, 3_000_000_000, 0),
		sample("eth0", 3000, 4000, 500, 50),
		sample("eth0", 4000, 5000, 2_000_000_000, 0),
		sample("eth0", 5000, 6000, 700, 70),
	}

	run := func() []Verdict {
		g := New(testConfig())
		out := make([]Verdict, 0, len(seq))
		for _, s := range seq {
			out = append(out, g.Evaluate(s, time.Second))
		}
		return out
	}

	first := run()
	second := run()

	for i := range first {
		if first[i] != second[i] {
			t.Errorf("verdict %d differs between replays: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestPerInterfaceIsolation(t *testing.T) {
	g := New(testConfig())

	// eth0 trips the guard.
	g.Evaluate(sample("eth0", 0, 1000, 2_000_000_000, 0), time.Second)

	// eth1 is unaffected.
	v := g.Evaluate(sample("eth1", 0, 1000, 1000, 0), time.Second)
	if !v.Accept {
		t.Error("expected eth1 unaffected by eth0 guard state")
	}

	st, _ := g.State("eth1")
	if st != StateNormal {
		t.Errorf("expected eth1 normal, got %s", st)
	}
}

func TestForget(t *testing.T) {
	g := New(testConfig())

	g.Evaluate(sample("eth0", 0, 1000, 2_000_000_000, 0), time.Second)
	g.Forget("eth0")

	st, remaining := g.State("eth0")
	if st != StateNormal || remaining != 0 {
		t.Errorf("expected fresh state after forget, got %s(%d)", st, remaining)
	}
}

func TestSleepThresholdScalesWithInterval(t *testing.T) {
	g := New(testConfig())

	// A 25s gap is fine at a 10s tick interval (threshold 30s)...
	v := g.Evaluate(sample("eth0", 0, 25_000, 1000, 0), 10*time.Second)
	if !v.Accept {
		t.Errorf("expected accept at 10s cadence, got discard (%s)", v.Reason)
	}

	// ...but a sleep gap at a 1s interval (threshold 3s).
	v = g.Evaluate(sample("eth1", 0, 25_000, 1000, 0), time.Second)
	if v.Accept {
		t.Error("expected discard at 1s cadence")
	}
	if v.Reason != model.ReasonSleep {
		t.Errorf("expected sleep reason, got %s", v.Reason)
	}
}

func BenchmarkEvaluate(b *testing.B) {
	g := New(testConfig())
	s := sample("eth0", 0, 1000, 125_000, 12_500)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.Evaluate(s, time.Second)
	}
}
