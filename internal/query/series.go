package query

import (
	"sort"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/netpulse/netpulse/internal/model"
)

// seriesAccum folds samples and rollup buckets into aligned slots of the
// target tier, summing bytes across interfaces per slot.
type seriesAccum struct {
	tier  model.Tier
	slots map[int64]*model.Point
}

func newSeriesAccum(tier model.Tier) *seriesAccum {
	return &seriesAccum{
		tier:  tier,
		slots: make(map[int64]*model.Point),
	}
}

func (a *seriesAccum) slot(startMs int64) *model.Point {
	p, ok := a.slots[startMs]
	if !ok {
		p = &model.Point{
			StartMs: startMs,
			EndMs:   startMs + a.tier.BucketMs(),
		}
		a.slots[startMs] = p
	}
	return p
}

func (a *seriesAccum) addSample(s *model.Sample) {
	p := a.slot(a.tier.BucketForEnd(s.EndMs))
	p.BytesDown += s.BytesDown
	p.BytesUp += s.BytesUp
	if r := s.DownBps(); r > p.DownMaxBps {
		p.DownMaxBps = r
	}
	if r := s.UpBps(); r > p.UpMaxBps {
		p.UpMaxBps = r
	}
}

func (a *seriesAccum) addBucket(b *model.Bucket) {
	p := a.slot(a.tier.TruncateMs(b.BucketMs))
	p.BytesDown += b.BytesDownTotal
	p.BytesUp += b.BytesUpTotal
	if b.DownMaxBps > p.DownMaxBps {
		p.DownMaxBps = b.DownMaxBps
	}
	if b.UpMaxBps > p.UpMaxBps {
		p.UpMaxBps = b.UpMaxBps
	}
}

// points returns the accumulated slots ordered by time. Slots that saw
// no data are absent, not zero-filled; discontinuity markers explain
// gaps to the consumer.
func (a *seriesAccum) points() []model.Point {
	if len(a.slots) == 0 {
		return nil
	}
	pts := make([]model.Point, 0, len(a.slots))
	for _, p := range a.slots {
		pts = append(pts, *p)
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].StartMs < pts[j].StartMs })
	return pts
}

// nativePoints converts samples to points one to one, preserving the
// samples' own intervals. Groups must be time-ordered and
// non-overlapping, which the store-then-tail merge guarantees.
func nativePoints(groups ...[]model.Sample) []model.Point {
	var n int
	for _, g := range groups {
		n += len(g)
	}
	if n == 0 {
		return nil
	}
	pts := make([]model.Point, 0, n)
	for _, g := range groups {
		for i := range g {
			s := &g[i]
			pts = append(pts, model.Point{
				StartMs:    s.StartMs,
				EndMs:      s.EndMs,
				BytesDown:  s.BytesDown,
				BytesUp:    s.BytesUp,
				DownMaxBps: s.DownBps(),
				UpMaxBps:   s.UpBps(),
			})
		}
	}
	return pts
}

// downsample folds runs of stride consecutive points into one until the
// series fits maxPoints. Byte totals and peak rates are preserved
// exactly; mean rates follow from the widened interval.
func downsample(points []model.Point, maxPoints int) ([]model.Point, bool) {
	if maxPoints <= 0 || len(points) <= maxPoints {
		return points, false
	}

	stride := (len(points) + maxPoints - 1) / maxPoints
	out := make([]model.Point, 0, (len(points)+stride-1)/stride)

	for i := 0; i < len(points); i += stride {
		j := i + stride
		if j > len(points) {
			j = len(points)
		}
		fold := points[i]
		fold.Downsampled = true
		for _, p := range points[i+1 : j] {
			fold.EndMs = p.EndMs
			fold.BytesDown += p.BytesDown
			fold.BytesUp += p.BytesUp
			if p.DownMaxBps > fold.DownMaxBps {
				fold.DownMaxBps = p.DownMaxBps
			}
			if p.UpMaxBps > fold.UpMaxBps {
				fold.UpMaxBps = p.UpMaxBps
			}
		}
		out = append(out, fold)
	}
	return out, true
}

// computeStats summarizes a series in one pass. It runs over the
// pre-downsampling points so percentiles keep full resolution; totals
// and peaks are unaffected by folding either way.
func computeStats(points []model.Point, accuracy float64) model.RangeStats {
	stats := model.RangeStats{SampleCount: int64(len(points))}
	if len(points) == 0 {
		return stats
	}

	downSketch, derr := ddsketch.NewDefaultDDSketch(accuracy)
	upSketch, uerr := ddsketch.NewDefaultDDSketch(accuracy)
	sketching := derr == nil && uerr == nil

	for i := range points {
		p := &points[i]
		stats.TotalDown += p.BytesDown
		stats.TotalUp += p.BytesUp
		if p.DownMaxBps > stats.PeakDownBps {
			stats.PeakDownBps = p.DownMaxBps
		}
		if p.UpMaxBps > stats.PeakUpBps {
			stats.PeakUpBps = p.UpMaxBps
		}
		if sketching {
			downSketch.Add(p.DownBps())
			upSketch.Add(p.UpBps())
		}
	}

	if sketching {
		p50, _ := downSketch.GetValueAtQuantile(0.50)
		p95, _ := downSketch.GetValueAtQuantile(0.95)
		p99, _ := downSketch.GetValueAtQuantile(0.99)
		stats.SetDownPercentiles(p50, p95, p99)

		p50, _ = upSketch.GetValueAtQuantile(0.50)
		p95, _ = upSketch.GetValueAtQuantile(0.95)
		p99, _ = upSketch.GetValueAtQuantile(0.99)
		stats.SetUpPercentiles(p50, p95, p99)
	}
	return stats
}
