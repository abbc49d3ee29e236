// Package query serves time-range reads over the tiered store and the
// live tail. It selects a resolution tier from the requested span,
// stitches finalized rollup buckets together with not-yet-rolled raw
// rows and unflushed tail samples, and summarizes the result in the
// same pass that produces the series.
//
// The engine degrades instead of failing: when the store is absent or a
// read errors out, it answers from the live tail alone and flags the
// result as LiveOnly.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/netpulse/netpulse/internal/config"
	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/logging"
	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/store"
	"github.com/netpulse/netpulse/internal/tail"
)

var log = logging.Component("query")

// InterfaceView supplies interface metadata from memory. The sampler's
// registry implements it; the engine consults it when the store cannot
// answer.
type InterfaceView interface {
	Interfaces() []model.Interface
}

// Request describes one range read.
type Request struct {
	StartMs int64
	EndMs   int64
	Filter  model.InterfaceFilter

	// MaxPoints caps the series length. Zero means the configured
	// default; negative means unbounded, which exports rely on.
	MaxPoints int

	// ForceTier overrides span-based tier selection.
	ForceTier *model.Tier
}

// Result is the answer to a Request. For rollup tiers the first point
// may begin before StartMs: buckets are returned whole, never split.
type Result struct {
	StartMs int64
	EndMs   int64

	Tier    model.Tier
	Points  []model.Point
	Stats   model.RangeStats
	Markers []model.Marker

	// Downsampled is true when the series was folded to fit the point
	// budget. Stats are computed before folding either way.
	Downsampled bool

	// LiveOnly is true when the store was unavailable and the result
	// covers only what the live tail holds.
	LiveOnly bool
}

// Engine answers range reads. Safe for concurrent use.
type Engine struct {
	store *store.Store // nil when the database never opened
	tail  *tail.Tail
	view  InterfaceView // may be nil
	cfg   config.QueryConfig

	group singleflight.Group
}

// New returns an engine reading from st and tl. Either may be nil; a
// nil store forces LiveOnly results and a nil tail serves persisted
// data without the freshest seconds.
func New(st *store.Store, tl *tail.Tail, view InterfaceView, cfg config.QueryConfig) *Engine {
	return &Engine{store: st, tail: tl, view: view, cfg: cfg}
}

// Query executes one range read. Identical concurrent requests are
// collapsed into a single execution, so several clients polling the
// same dashboard window cost one store pass.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	v, err, _ := e.group.Do(requestKey(req), func() (interface{}, error) {
		return e.query(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Interfaces lists known interfaces, preferring the store's durable
// records. The second return is true when the listing came from live
// metadata only.
func (e *Engine) Interfaces(ctx context.Context) ([]model.Interface, bool, error) {
	if e.store != nil {
		ifaces, err := e.store.Interfaces(ctx)
		if err == nil {
			return ifaces, false, nil
		}
		if !errors.IsStoreError(err) {
			return nil, false, err
		}
		log.Warn("interface listing falling back to live metadata", "error", err)
	}
	if e.view == nil {
		return nil, true, nil
	}
	return e.view.Interfaces(), true, nil
}

func (e *Engine) query(ctx context.Context, req Request) (*Result, error) {
	tier := model.SelectTierForSpan(time.Duration(req.EndMs-req.StartMs) * time.Millisecond)
	if req.ForceTier != nil {
		tier = *req.ForceTier
	}

	if e.store != nil {
		res, err := e.queryStore(ctx, req, tier)
		if err == nil {
			return res, nil
		}
		if !errors.IsStoreError(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("query: %v: %w", ctx.Err(), errors.ErrTimeout)
		}
		log.Warn("store read failed, serving live tail only", "error", err)
	}
	return e.queryLive(req, tier), nil
}

func (e *Engine) queryStore(ctx context.Context, req Request, tier model.Tier) (*Result, error) {
	set, err := e.resolveStore(ctx, req.Filter)
	if err != nil {
		return nil, err
	}

	res := &Result{StartMs: req.StartMs, EndMs: req.EndMs, Tier: tier}
	if set.empty() {
		return res, nil
	}

	var pts []model.Point
	if tier == model.TierRaw {
		pts, err = e.collectRaw(ctx, req, set)
	} else {
		pts, err = e.collectRollup(ctx, req, tier, set)
	}
	if err != nil {
		return nil, err
	}

	res.Stats = computeStats(pts, e.cfg.PercentileAccuracy)
	res.Points, res.Downsampled = downsample(pts, e.maxPoints(req))

	res.Markers, err = e.store.Markers(ctx, set.list(), req.StartMs, req.EndMs)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// collectRaw reads raw rows for the range and extends them with tail
// samples past the store's newest persisted end, so the series reaches
// "now" even before the writer has flushed.
func (e *Engine) collectRaw(ctx context.Context, req Request, set idSet) ([]model.Point, error) {
	rows, err := e.store.RawRows(ctx, set.list(), req.StartMs, req.EndMs)
	if err != nil {
		return nil, err
	}
	storeMax, err := e.store.MaxRawEndMs(ctx)
	if err != nil {
		return nil, err
	}

	after := req.StartMs
	if storeMax > after {
		after = storeMax
	}
	live := e.tailSamples(set, after, req.EndMs)

	// A single interface is served at native resolution; everything
	// else is aligned to one-second slots so byte counts sum cleanly.
	if req.Filter.Mode == model.FilterSingle {
		return nativePoints(rows, live), nil
	}

	acc := newSeriesAccum(model.TierRaw)
	for i := range rows {
		acc.addSample(&rows[i])
	}
	for i := range live {
		acc.addSample(&live[i])
	}
	return acc.points(), nil
}

// collectRollup reads finalized buckets of the target tier and tops
// them up from the finer tiers past the rollup watermarks. Each raw
// row or minute bucket lands in exactly one coarser slot, so the fold
// never double counts.
func (e *Engine) collectRollup(ctx context.Context, req Request, tier model.Tier, set idSet) ([]model.Point, error) {
	alignedStart := tier.TruncateMs(req.StartMs)

	mwm, hwm, err := e.store.Watermarks(ctx)
	if err != nil {
		return nil, err
	}

	acc := newSeriesAccum(tier)

	buckets, err := e.store.Buckets(ctx, tier, set.list(), alignedStart, req.EndMs)
	if err != nil {
		return nil, err
	}
	for i := range buckets {
		acc.addBucket(&buckets[i])
	}

	if tier == model.TierHour {
		// Minute buckets at or past the hour watermark are not folded
		// into any hour row yet.
		minuteLower := hwm
		if alignedStart > minuteLower {
			minuteLower = alignedStart
		}
		minutes, err := e.store.Buckets(ctx, model.TierMinute, set.list(), minuteLower, req.EndMs)
		if err != nil {
			return nil, err
		}
		for i := range minutes {
			acc.addBucket(&minutes[i])
		}
	}

	// Raw rows ending past the minute watermark are in no bucket yet.
	rawLower := mwm
	if alignedStart > rawLower {
		rawLower = alignedStart
	}
	rows, err := e.store.RawRows(ctx, set.list(), rawLower, req.EndMs)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		acc.addSample(&rows[i])
	}

	storeMax, err := e.store.MaxRawEndMs(ctx)
	if err != nil {
		return nil, err
	}
	after := rawLower
	if storeMax > after {
		after = storeMax
	}
	live := e.tailSamples(set, after, req.EndMs)
	for i := range live {
		acc.addSample(&live[i])
	}

	return acc.points(), nil
}

// queryLive answers from the tail alone. Markers live in the store, so
// a LiveOnly result carries none.
func (e *Engine) queryLive(req Request, tier model.Tier) *Result {
	res := &Result{StartMs: req.StartMs, EndMs: req.EndMs, Tier: tier, LiveOnly: true}

	set := e.resolveLive(req.Filter)
	if set.empty() || e.tail == nil {
		return res
	}

	live := e.tailSamples(set, req.StartMs, req.EndMs)
	var pts []model.Point
	if req.Filter.Mode == model.FilterSingle {
		pts = nativePoints(live)
	} else {
		acc := newSeriesAccum(tier)
		for i := range live {
			acc.addSample(&live[i])
		}
		pts = acc.points()
	}

	res.Stats = computeStats(pts, e.cfg.PercentileAccuracy)
	res.Points, res.Downsampled = downsample(pts, e.maxPoints(req))
	return res
}

// idSet is a resolved interface filter: either everything, or an
// explicit (possibly empty) list.
type idSet struct {
	all bool
	ids []string
}

func (s idSet) empty() bool { return !s.all && len(s.ids) == 0 }

// list returns the IDs for store reads, where nil means unfiltered.
func (s idSet) list() []string {
	if s.all {
		return nil
	}
	return s.ids
}

func (e *Engine) resolveStore(ctx context.Context, f model.InterfaceFilter) (idSet, error) {
	switch f.Mode {
	case model.FilterAll:
		return idSet{all: true}, nil
	case model.FilterSelected:
		return idSet{ids: append([]string(nil), f.IDs...)}, nil
	case model.FilterSingle:
		// Resolve existence up front so an unknown ID is an error, not
		// an empty series.
		if _, err := e.store.InterfaceByID(ctx, f.IDs[0]); err != nil {
			return idSet{}, err
		}
		return idSet{ids: f.IDs[:1:1]}, nil
	case model.FilterPhysical:
		ifaces, err := e.store.Interfaces(ctx)
		if err != nil {
			return idSet{}, err
		}
		return idSet{ids: physicalIDs(ifaces)}, nil
	}
	return idSet{}, fmt.Errorf("filter mode %d: %w", f.Mode, errors.ErrInvalidFilter)
}

// resolveLive resolves a filter without the store. Single-interface
// existence cannot be verified here; an unknown ID simply yields an
// empty series from the tail.
func (e *Engine) resolveLive(f model.InterfaceFilter) idSet {
	switch f.Mode {
	case model.FilterAll:
		return idSet{all: true}
	case model.FilterSelected, model.FilterSingle:
		return idSet{ids: f.IDs}
	case model.FilterPhysical:
		if e.view == nil {
			return idSet{}
		}
		return idSet{ids: physicalIDs(e.view.Interfaces())}
	}
	return idSet{}
}

func (e *Engine) tailSamples(set idSet, afterEndMs, untilEndMs int64) []model.Sample {
	if e.tail == nil || set.empty() {
		return nil
	}
	return e.tail.Query(tail.Filter{
		IDs:        set.list(),
		AfterEndMs: afterEndMs,
		UntilEndMs: untilEndMs,
	})
}

func (e *Engine) maxPoints(req Request) int {
	if req.MaxPoints < 0 {
		return 0 // unbounded
	}
	if req.MaxPoints == 0 {
		return e.cfg.MaxPoints
	}
	return req.MaxPoints
}

func physicalIDs(ifaces []model.Interface) []string {
	var ids []string
	for i := range ifaces {
		if ifaces[i].Physical {
			ids = append(ids, ifaces[i].ID)
		}
	}
	return ids
}

func validateRequest(req Request) error {
	if req.StartMs < 0 {
		return errors.NewInvalidRange(req.StartMs, req.EndMs, "start must not be negative")
	}
	if req.EndMs <= req.StartMs {
		return errors.NewInvalidRange(req.StartMs, req.EndMs, "end must be after start")
	}
	if err := req.Filter.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, errors.ErrInvalidFilter)
	}
	if req.ForceTier != nil {
		switch *req.ForceTier {
		case model.TierRaw, model.TierMinute, model.TierHour:
		default:
			return errors.NewInvalidValue("tier", int(*req.ForceTier), "unknown tier")
		}
	}
	return nil
}

// requestKey canonicalizes a request for singleflight collapsing.
func requestKey(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d/%s/%d", req.StartMs, req.EndMs, req.Filter.Mode, req.MaxPoints)
	for _, id := range req.Filter.IDs {
		b.WriteByte('/')
		b.WriteString(id)
	}
	if req.ForceTier != nil {
		b.WriteByte('/')
		b.WriteString(req.ForceTier.String())
	}
	return b.String()
}
