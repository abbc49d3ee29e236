package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/netpulse/netpulse/internal/config"
	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/store"
	"github.com/netpulse/netpulse/internal/tail"
	"github.com/netpulse/netpulse/internal/testutil"
)

// hourBase is an hour-aligned origin so rollup windows land on whole
// buckets in every test.
const hourBase = int64(7_200_000_000_000)

func testConfig() config.QueryConfig {
	return config.QueryConfig{
		MaxPoints:          500,
		Timeout:            5 * time.Second,
		PercentileAccuracy: 0.01,
	}
}

func setupEngine(t *testing.T) (*Engine, *store.Store, *tail.Tail) {
	t.Helper()
	st, err := store.Open(store.DefaultOptions(":memory:"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	tl := tail.New(1024)
	return New(st, tl, nil, testConfig()), st, tl
}

func insertContiguous(t *testing.T, st *store.Store, id string, startMs, stepMs int64, n int, down, up uint64) {
	t.Helper()
	samples := make([]model.Sample, n)
	for i := range samples {
		samples[i] = model.Sample{
			InterfaceID: id,
			StartMs:     startMs + int64(i)*stepMs,
			EndMs:       startMs + int64(i+1)*stepMs,
			BytesDown:   down,
			BytesUp:     up,
		}
	}
	if err := st.InsertSamples(context.Background(), samples); err != nil {
		t.Fatalf("insert samples: %v", err)
	}
}

func registerInterface(t *testing.T, st *store.Store, id string, physical bool) {
	t.Helper()
	err := st.UpsertInterface(context.Background(), model.Interface{
		ID:          id,
		Name:        id,
		Physical:    physical,
		FirstSeenMs: hourBase,
		LastSeenMs:  hourBase,
		Active:      true,
	})
	if err != nil {
		t.Fatalf("upsert interface %s: %v", id, err)
	}
}

type staticView struct {
	ifaces []model.Interface
}

func (v *staticView) Interfaces() []model.Interface { return v.ifaces }

func TestQuerySingleNativeResolution(t *testing.T) {
	eng, st, _ := setupEngine(t)
	ctx := context.Background()

	registerInterface(t, st, "eth0", true)
	insertContiguous(t, st, "eth0", hourBase, 1000, 10, 1000, 500)

	res, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 10_000,
		Filter:  model.SingleInterface("eth0"),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if res.Tier != model.TierRaw {
		t.Fatalf("tier = %s, want raw", res.Tier)
	}
	if res.LiveOnly {
		t.Fatal("LiveOnly set with a healthy store")
	}
	if len(res.Points) != 10 {
		t.Fatalf("got %d points, want 10", len(res.Points))
	}
	// Native resolution preserves the samples' own intervals.
	first := res.Points[0]
	if first.StartMs != hourBase || first.EndMs != hourBase+1000 {
		t.Fatalf("first point spans [%d, %d), want [%d, %d)",
			first.StartMs, first.EndMs, hourBase, hourBase+1000)
	}
	for i, p := range res.Points {
		if p.BytesDown != 1000 || p.BytesUp != 500 {
			t.Fatalf("point %d = %d/%d bytes, want 1000/500", i, p.BytesDown, p.BytesUp)
		}
	}
	if res.Stats.TotalDown != 10_000 || res.Stats.TotalUp != 5_000 {
		t.Fatalf("totals = %d/%d, want 10000/5000", res.Stats.TotalDown, res.Stats.TotalUp)
	}
	if res.Stats.SampleCount != 10 {
		t.Fatalf("sample count = %d, want 10", res.Stats.SampleCount)
	}
	if res.Stats.PeakDownBps != 1000 {
		t.Fatalf("peak down = %f, want 1000", res.Stats.PeakDownBps)
	}
	if !res.Stats.HasPercentiles() {
		t.Fatal("percentiles missing")
	}
	// Every point runs at exactly 1000 B/s, so the median must land
	// within the sketch's relative accuracy of it.
	if p50 := *res.Stats.P50DownBps; p50 < 980 || p50 > 1020 {
		t.Fatalf("p50 down = %f, want about 1000", p50)
	}
}

func TestQueryMultiInterfaceSums(t *testing.T) {
	eng, st, _ := setupEngine(t)
	ctx := context.Background()

	insertContiguous(t, st, "eth0", hourBase, 1000, 5, 1000, 0)
	insertContiguous(t, st, "eth1", hourBase, 1000, 5, 500, 250)

	res, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 5_000,
		Filter:  model.AllInterfaces(),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if len(res.Points) != 5 {
		t.Fatalf("got %d points, want 5", len(res.Points))
	}
	for i, p := range res.Points {
		if p.BytesDown != 1500 || p.BytesUp != 250 {
			t.Fatalf("point %d = %d/%d bytes, want 1500/250", i, p.BytesDown, p.BytesUp)
		}
		wantStart := hourBase + int64(i)*1000
		if p.StartMs != wantStart {
			t.Fatalf("point %d starts at %d, want %d", i, p.StartMs, wantStart)
		}
	}
	if res.Stats.TotalDown != 7_500 {
		t.Fatalf("total down = %d, want 7500", res.Stats.TotalDown)
	}
}

func TestQueryMergesTailWithoutDoubleCounting(t *testing.T) {
	eng, st, tl := setupEngine(t)
	ctx := context.Background()

	insertContiguous(t, st, "eth0", hourBase, 1000, 5, 1000, 0)

	// The tail still holds the two newest flushed samples plus two the
	// writer has not flushed yet. Only the unflushed pair may count.
	for i := 3; i < 7; i++ {
		tl.Push(model.Sample{
			InterfaceID: "eth0",
			StartMs:     hourBase + int64(i)*1000,
			EndMs:       hourBase + int64(i+1)*1000,
			BytesDown:   1000,
		})
	}

	res, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 10_000,
		Filter:  model.AllInterfaces(),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if len(res.Points) != 7 {
		t.Fatalf("got %d points, want 7", len(res.Points))
	}
	if res.Stats.TotalDown != 7_000 {
		t.Fatalf("total down = %d, want 7000 (no double count)", res.Stats.TotalDown)
	}
	last := res.Points[len(res.Points)-1]
	if last.StartMs != hourBase+6_000 {
		t.Fatalf("last point starts at %d, want %d", last.StartMs, hourBase+6_000)
	}
}

func TestQuerySelectedEmptyYieldsEmptySeries(t *testing.T) {
	eng, st, _ := setupEngine(t)
	ctx := context.Background()

	insertContiguous(t, st, "eth0", hourBase, 1000, 5, 1000, 0)

	res, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 5_000,
		Filter:  model.SelectedInterfaces(),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Points) != 0 {
		t.Fatalf("got %d points, want none for an empty selection", len(res.Points))
	}
	if res.LiveOnly {
		t.Fatal("empty selection must not look like degraded service")
	}
	if res.Stats.TotalDown != 0 || res.Stats.SampleCount != 0 {
		t.Fatalf("stats not empty: %+v", res.Stats)
	}
}

func TestQuerySingleUnknownInterface(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	_, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 5_000,
		Filter:  model.SingleInterface("nope"),
	})
	if err == nil {
		t.Fatal("expected error for unknown interface")
	}
	if !errors.IsNotFound(err) {
		t.Fatalf("error = %v, want not-found", err)
	}
}

func TestQueryRejectsInvalidRange(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	for _, tc := range []struct{ start, end int64 }{
		{hourBase, hourBase},
		{hourBase + 1000, hourBase},
		{-5, 1000},
	} {
		_, err := eng.Query(ctx, Request{
			StartMs: tc.start,
			EndMs:   tc.end,
			Filter:  model.AllInterfaces(),
		})
		if !errors.Is(err, errors.ErrInvalidRange) {
			t.Fatalf("range [%d, %d): error = %v, want invalid range", tc.start, tc.end, err)
		}
	}
}

func TestQueryPhysicalFilterExcludesVirtual(t *testing.T) {
	eng, st, _ := setupEngine(t)
	ctx := context.Background()

	registerInterface(t, st, "eth0", true)
	registerInterface(t, st, "veth0", false)
	insertContiguous(t, st, "eth0", hourBase, 1000, 5, 1000, 0)
	insertContiguous(t, st, "veth0", hourBase, 1000, 5, 9000, 0)

	res, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 5_000,
		Filter:  model.PhysicalInterfaces(),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Stats.TotalDown != 5_000 {
		t.Fatalf("total down = %d, want 5000 (physical only)", res.Stats.TotalDown)
	}
}

func TestQueryMinuteTierToppedUpFromRaw(t *testing.T) {
	eng, st, _ := setupEngine(t)
	ctx := context.Background()

	// Three minutes of one-second samples; only the first two minutes
	// are past the finalize delay when the rollup runs.
	insertContiguous(t, st, "eth0", hourBase, 1000, 180, 1000, 0)
	if _, err := st.Rollup(ctx, hourBase+150_000, 30*time.Second); err != nil {
		t.Fatalf("rollup: %v", err)
	}

	minute := model.TierMinute
	res, err := eng.Query(ctx, Request{
		StartMs:   hourBase,
		EndMs:     hourBase + 180_000,
		Filter:    model.AllInterfaces(),
		ForceTier: &minute,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if res.Tier != model.TierMinute {
		t.Fatalf("tier = %s, want minute", res.Tier)
	}
	if len(res.Points) != 3 {
		t.Fatalf("got %d points, want 3", len(res.Points))
	}
	for i, p := range res.Points {
		wantStart := hourBase + int64(i)*60_000
		if p.StartMs != wantStart {
			t.Fatalf("point %d starts at %d, want %d", i, p.StartMs, wantStart)
		}
		if p.BytesDown != 60_000 {
			t.Fatalf("point %d = %d bytes, want 60000", i, p.BytesDown)
		}
		if p.DownMaxBps != 1000 {
			t.Fatalf("point %d peak = %f, want 1000", i, p.DownMaxBps)
		}
	}
	if res.Stats.TotalDown != 180_000 {
		t.Fatalf("total down = %d, want 180000", res.Stats.TotalDown)
	}
}

func TestQueryHourTierCascade(t *testing.T) {
	eng, st, tl := setupEngine(t)
	ctx := context.Background()

	// Ninety minute-long samples: a complete first hour that rolls all
	// the way to the hour tier, and a half hour that stops at minutes.
	insertContiguous(t, st, "eth0", hourBase, 60_000, 90, 60_000, 0)
	if _, err := st.Rollup(ctx, hourBase+5_400_000, 0); err != nil {
		t.Fatalf("rollup: %v", err)
	}

	// Raw rows past the minute watermark and tail samples past the
	// flushed maximum top up the second hour.
	insertContiguous(t, st, "eth0", hourBase+5_400_000, 1000, 10, 500, 0)
	for i := 10; i < 15; i++ {
		tl.Push(model.Sample{
			InterfaceID: "eth0",
			StartMs:     hourBase + 5_400_000 + int64(i)*1000,
			EndMs:       hourBase + 5_400_000 + int64(i+1)*1000,
			BytesDown:   200,
		})
	}

	hour := model.TierHour
	res, err := eng.Query(ctx, Request{
		StartMs:   hourBase,
		EndMs:     hourBase + 7_200_000,
		Filter:    model.AllInterfaces(),
		ForceTier: &hour,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if len(res.Points) != 2 {
		t.Fatalf("got %d points, want 2", len(res.Points))
	}
	if res.Points[0].BytesDown != 3_600_000 {
		t.Fatalf("hour 0 = %d bytes, want 3600000", res.Points[0].BytesDown)
	}
	want := uint64(30*60_000 + 10*500 + 5*200)
	if res.Points[1].BytesDown != want {
		t.Fatalf("hour 1 = %d bytes, want %d", res.Points[1].BytesDown, want)
	}
	if res.Points[1].StartMs != hourBase+3_600_000 {
		t.Fatalf("hour 1 starts at %d, want %d", res.Points[1].StartMs, hourBase+3_600_000)
	}
	if res.Stats.TotalDown != 3_600_000+want {
		t.Fatalf("total down = %d, want %d", res.Stats.TotalDown, 3_600_000+want)
	}
	if res.Stats.PeakDownBps != 1000 {
		t.Fatalf("peak down = %f, want 1000", res.Stats.PeakDownBps)
	}
}

func TestQueryDownsamplePreservesTotals(t *testing.T) {
	eng, st, _ := setupEngine(t)
	ctx := context.Background()

	insertContiguous(t, st, "eth0", hourBase, 1000, 100, 1000, 0)

	res, err := eng.Query(ctx, Request{
		StartMs:   hourBase,
		EndMs:     hourBase + 100_000,
		Filter:    model.AllInterfaces(),
		MaxPoints: 10,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if !res.Downsampled {
		t.Fatal("expected Downsampled")
	}
	if len(res.Points) != 10 {
		t.Fatalf("got %d points, want 10", len(res.Points))
	}

	var sum uint64
	for _, p := range res.Points {
		if !p.Downsampled {
			t.Fatal("folded point not flagged")
		}
		sum += p.BytesDown
	}
	if sum != 100_000 {
		t.Fatalf("folded sum = %d, want 100000", sum)
	}
	// Stats come from the full-resolution pass.
	if res.Stats.TotalDown != 100_000 || res.Stats.SampleCount != 100 {
		t.Fatalf("stats = %d bytes over %d samples, want 100000 over 100",
			res.Stats.TotalDown, res.Stats.SampleCount)
	}
	if got := res.Points[0].EndMs - res.Points[0].StartMs; got != 10_000 {
		t.Fatalf("folded point spans %d ms, want 10000", got)
	}
}

func TestQueryMaxPointsDefaultAndUnbounded(t *testing.T) {
	st, err := store.Open(store.DefaultOptions(":memory:"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	cfg.MaxPoints = 5
	eng := New(st, tail.New(64), nil, cfg)
	ctx := context.Background()

	insertContiguous(t, st, "eth0", hourBase, 1000, 20, 1000, 0)

	req := Request{StartMs: hourBase, EndMs: hourBase + 20_000, Filter: model.AllInterfaces()}

	res, err := eng.Query(ctx, req)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !res.Downsampled || len(res.Points) != 5 {
		t.Fatalf("default budget: %d points (downsampled=%v), want 5 folded", len(res.Points), res.Downsampled)
	}

	req.MaxPoints = -1
	res, err = eng.Query(ctx, req)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Downsampled || len(res.Points) != 20 {
		t.Fatalf("unbounded: %d points (downsampled=%v), want all 20", len(res.Points), res.Downsampled)
	}
}

func TestQueryLiveOnlyWithoutStore(t *testing.T) {
	tl := tail.New(64)
	eng := New(nil, tl, nil, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tl.Push(model.Sample{
			InterfaceID: "eth0",
			StartMs:     hourBase + int64(i)*1000,
			EndMs:       hourBase + int64(i+1)*1000,
			BytesDown:   1000,
		})
	}

	res, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 10_000,
		Filter:  model.AllInterfaces(),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !res.LiveOnly {
		t.Fatal("expected LiveOnly without a store")
	}
	if len(res.Points) != 5 {
		t.Fatalf("got %d points, want 5", len(res.Points))
	}
	if res.Stats.TotalDown != 5_000 {
		t.Fatalf("total down = %d, want 5000", res.Stats.TotalDown)
	}
	if res.Markers != nil {
		t.Fatal("markers have no live source")
	}
}

func TestQueryDegradesToTailOnStoreFailure(t *testing.T) {
	eng, st, tl := setupEngine(t)
	ctx := context.Background()

	insertContiguous(t, st, "eth0", hourBase, 1000, 5, 1000, 0)
	for i := 0; i < 3; i++ {
		tl.Push(model.Sample{
			InterfaceID: "eth0",
			StartMs:     hourBase + int64(i)*1000,
			EndMs:       hourBase + int64(i+1)*1000,
			BytesDown:   700,
		})
	}

	st.Close()

	res, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 10_000,
		Filter:  model.AllInterfaces(),
	})
	if err != nil {
		t.Fatalf("query after store close: %v", err)
	}
	if !res.LiveOnly {
		t.Fatal("expected LiveOnly after store failure")
	}
	if len(res.Points) != 3 {
		t.Fatalf("got %d points, want the 3 tail samples", len(res.Points))
	}
	if res.Stats.TotalDown != 2_100 {
		t.Fatalf("total down = %d, want 2100", res.Stats.TotalDown)
	}
}

func TestQueryLivePhysicalUsesView(t *testing.T) {
	tl := tail.New(64)
	view := &staticView{ifaces: []model.Interface{
		{ID: "eth0", Name: "eth0", Physical: true},
		{ID: "veth0", Name: "veth0", Physical: false},
	}}
	eng := New(nil, tl, view, testConfig())
	ctx := context.Background()

	tl.Push(model.Sample{InterfaceID: "eth0", StartMs: hourBase, EndMs: hourBase + 1000, BytesDown: 1000})
	tl.Push(model.Sample{InterfaceID: "veth0", StartMs: hourBase, EndMs: hourBase + 1000, BytesDown: 9000})

	res, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 5_000,
		Filter:  model.PhysicalInterfaces(),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !res.LiveOnly {
		t.Fatal("expected LiveOnly")
	}
	if res.Stats.TotalDown != 1_000 {
		t.Fatalf("total down = %d, want 1000 (physical only)", res.Stats.TotalDown)
	}
}

func TestQueryReturnsMarkersInRange(t *testing.T) {
	eng, st, _ := setupEngine(t)
	ctx := context.Background()

	insertContiguous(t, st, "eth0", hourBase, 1000, 10, 1000, 0)
	markers := []model.Marker{
		{InterfaceID: "eth0", AtMs: hourBase + 2_500, Reason: model.ReasonSleep},
		{InterfaceID: "eth0", AtMs: hourBase + 7_500, Reason: model.ReasonRollover},
		{InterfaceID: "eth0", AtMs: hourBase + 50_000, Reason: model.ReasonSpike},
	}
	if err := st.InsertMarkers(ctx, markers); err != nil {
		t.Fatalf("insert markers: %v", err)
	}

	res, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 10_000,
		Filter:  model.AllInterfaces(),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Markers) != 2 {
		t.Fatalf("got %d markers, want 2 inside the range", len(res.Markers))
	}
	if res.Markers[0].Reason != model.ReasonSleep || res.Markers[1].Reason != model.ReasonRollover {
		t.Fatalf("markers = %+v, want sleep then rollover", res.Markers)
	}
}

func TestQueryTierSelectionBySpan(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	cases := []struct {
		span time.Duration
		want model.Tier
	}{
		{time.Hour, model.TierRaw},
		{3 * time.Hour, model.TierRaw},
		{4 * time.Hour, model.TierMinute},
		{7 * 24 * time.Hour, model.TierMinute},
		{8 * 24 * time.Hour, model.TierHour},
	}
	for _, tc := range cases {
		res, err := eng.Query(ctx, Request{
			StartMs: hourBase,
			EndMs:   hourBase + tc.span.Milliseconds(),
			Filter:  model.AllInterfaces(),
		})
		if err != nil {
			t.Fatalf("span %s: %v", tc.span, err)
		}
		if res.Tier != tc.want {
			t.Fatalf("span %s selected %s, want %s", tc.span, res.Tier, tc.want)
		}
	}
}

func TestQueryForceTierOverridesSpan(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	hour := model.TierHour
	res, err := eng.Query(ctx, Request{
		StartMs:   hourBase,
		EndMs:     hourBase + time.Hour.Milliseconds(),
		Filter:    model.AllInterfaces(),
		ForceTier: &hour,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Tier != model.TierHour {
		t.Fatalf("tier = %s, want forced hour", res.Tier)
	}
}

func TestQueryRejectsUnknownFilterMode(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	_, err := eng.Query(ctx, Request{
		StartMs: hourBase,
		EndMs:   hourBase + 1000,
		Filter:  model.InterfaceFilter{Mode: model.FilterMode(42)},
	})
	if !errors.Is(err, errors.ErrInvalidFilter) {
		t.Fatalf("error = %v, want invalid filter", err)
	}
}

func TestEngineInterfacesPrefersStore(t *testing.T) {
	eng, st, _ := setupEngine(t)
	ctx := context.Background()

	registerInterface(t, st, "eth0", true)

	ifaces, live, err := eng.Interfaces(ctx)
	if err != nil {
		t.Fatalf("interfaces: %v", err)
	}
	if live {
		t.Fatal("live flag set with a healthy store")
	}
	if len(ifaces) != 1 || ifaces[0].ID != "eth0" {
		t.Fatalf("interfaces = %+v, want [eth0]", ifaces)
	}
}

func TestEngineInterfacesFallsBackToView(t *testing.T) {
	view := &staticView{ifaces: []model.Interface{{ID: "eth0", Name: "eth0", Physical: true}}}
	eng := New(nil, tail.New(16), view, testConfig())

	ifaces, live, err := eng.Interfaces(context.Background())
	if err != nil {
		t.Fatalf("interfaces: %v", err)
	}
	if !live {
		t.Fatal("expected live-sourced listing without a store")
	}
	if len(ifaces) != 1 || ifaces[0].ID != "eth0" {
		t.Fatalf("interfaces = %+v, want [eth0]", ifaces)
	}
}

func TestRequestKeyCanonical(t *testing.T) {
	a := Request{StartMs: 1, EndMs: 2, Filter: model.SelectedInterfaces("eth0"), MaxPoints: 10}
	b := Request{StartMs: 1, EndMs: 2, Filter: model.SelectedInterfaces("eth0"), MaxPoints: 10}
	if requestKey(a) != requestKey(b) {
		t.Fatal("identical requests produced different keys")
	}

	c := Request{StartMs: 1, EndMs: 2, Filter: model.SelectedInterfaces("eth1"), MaxPoints: 10}
	if requestKey(a) == requestKey(c) {
		t.Fatal("different selections collided")
	}

	hour := model.TierHour
	d := a
	d.ForceTier = &hour
	if requestKey(a) == requestKey(d) {
		t.Fatal("forced tier not part of the key")
	}
}

func TestQueryConcurrentIdenticalRequests(t *testing.T) {
	eng, st, _ := setupEngine(t)

	registerInterface(t, st, "eth0", true)
	insertContiguous(t, st, "eth0", hourBase, 1000, 60, 1000, 500)

	req := Request{
		StartMs: hourBase,
		EndMs:   hourBase + 60_000,
		Filter:  model.SingleInterface("eth0"),
	}

	// Identical in-flight requests collapse onto one store read, so every
	// caller sees the same result and none may mutate it.
	gt := testutil.NewGoroutineTest(t)
	for i := 0; i < 16; i++ {
		gt.Go(func() error {
			res, err := eng.Query(context.Background(), req)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			if len(res.Points) != 60 {
				return fmt.Errorf("got %d points, want 60", len(res.Points))
			}
			if res.Stats.TotalDown != 60_000 || res.Stats.TotalUp != 30_000 {
				return fmt.Errorf("totals = %d/%d, want 60000/30000",
					res.Stats.TotalDown, res.Stats.TotalUp)
			}
			if res.Tier != model.TierRaw {
				return fmt.Errorf("tier = %s, want raw", res.Tier)
			}
			return nil
		})
	}
	gt.Wait()
}
