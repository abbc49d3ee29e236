// Package writer owns every mutation of the tiered store. A drain loop
// pulls accepted samples and markers off the ingestion queue and batches
// them into idempotent inserts; a job loop runs the flush timer, the
// rollup and pruning passes, and the recovery probe on the same task, so
// the store never sees a second mutator. When the store keeps failing the
// writer degrades to live-tail-only mode instead of stalling the
// pipeline, and probes its way back.
package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netpulse/netpulse/internal/config"
	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/logging"
	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/queue"
	"github.com/netpulse/netpulse/internal/store"
)

var log = logging.Component("writer")

const (
	// retryBase is the first backoff delay after a failed store write.
	retryBase = 100 * time.Millisecond

	// maxFlushAttempts bounds the retries within one flush.
	maxFlushAttempts = 3

	// flushTimeout caps a single write attempt.
	flushTimeout = 15 * time.Second

	// jobTimeout caps a rollup or prune pass.
	jobTimeout = 2 * time.Minute
)

// Mode is the writer's persistence state.
type Mode int32

const (
	// ModeNormal - batches are flushed to the store.
	ModeNormal Mode = iota

	// ModeLiveTailOnly - the store is unavailable. Accepted samples keep
	// serving the live tail and are dropped here until a probe succeeds.
	ModeLiveTailOnly
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeLiveTailOnly:
		return "live-tail-only"
	default:
		return "unknown"
	}
}

// InterfaceSource supplies changed interface identity rows for
// persistence. *sampler.Registry satisfies it.
type InterfaceSource interface {
	// TakeDirty returns interfaces changed since the last call.
	TakeDirty() []model.Interface

	// DeactivateStale marks interfaces unseen for the given duration
	// inactive and returns how many changed.
	DeactivateStale(nowMs int64, unseen time.Duration) int
}

// Config wires the writer. Queue and DB are required; Interfaces may be
// nil, in which case identity rows are not persisted.
type Config struct {
	Store config.StoreConfig

	// InactiveAfter is how long an interface may go unseen before the
	// prune pass marks it inactive. Zero disables the sweep.
	InactiveAfter time.Duration

	Queue      *queue.Queue
	DB         *store.Store
	Interfaces InterfaceSource
}

// Stats holds writer counters for diagnostics.
type Stats struct {
	Mode              Mode
	Pending           int
	Flushes           int64
	FlushFailures     int64
	SamplesWritten    int64
	MarkersWritten    int64
	ItemsDropped      int64
	RollupPasses      int64
	RollupFailures    int64
	PrunePasses       int64
	PruneFailures     int64
	MinuteWatermarkMs int64
	HourWatermarkMs   int64
}

// Writer runs the drain and job loops.
type Writer struct {
	cfg config.StoreConfig

	queue         *queue.Queue
	st            *store.Store
	ifaces        InterfaceSource
	inactiveAfter time.Duration

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wgDrain sync.WaitGroup
	wgJobs  sync.WaitGroup
	flushCh chan struct{}

	mu          sync.Mutex
	pending     []queue.Item
	pendIfaces  map[string]model.Interface
	pendingCap  int
	consecFails int

	mode           atomic.Int32
	flushes        atomic.Int64
	flushFailures  atomic.Int64
	samplesWritten atomic.Int64
	markersWritten atomic.Int64
	itemsDropped   atomic.Int64
	rollupPasses   atomic.Int64
	rollupFailures atomic.Int64
	prunePasses    atomic.Int64
	pruneFailures  atomic.Int64

	minuteWatermark atomic.Int64
	hourWatermark   atomic.Int64
}

// New creates a writer. It does not start draining; call Start.
func New(cfg Config) (*Writer, error) {
	if cfg.DB == nil {
		return nil, errors.NewMissingField("db")
	}
	if cfg.Queue == nil {
		return nil, errors.NewMissingField("queue")
	}
	if cfg.Store.FlushBatch <= 0 {
		return nil, errors.NewInvalidValue("flush_batch", cfg.Store.FlushBatch, "must be positive")
	}
	if cfg.Store.FlushInterval <= 0 {
		return nil, errors.NewInvalidValue("flush_interval", cfg.Store.FlushInterval, "must be positive")
	}
	if cfg.Store.RollupInterval <= 0 {
		return nil, errors.NewInvalidValue("rollup_interval", cfg.Store.RollupInterval, "must be positive")
	}
	if cfg.Store.PruneInterval <= 0 {
		return nil, errors.NewInvalidValue("prune_interval", cfg.Store.PruneInterval, "must be positive")
	}
	if cfg.Store.DegradeAfter <= 0 {
		return nil, errors.NewInvalidValue("degrade_after", cfg.Store.DegradeAfter, "must be positive")
	}
	if cfg.Store.ProbeInterval <= 0 {
		return nil, errors.NewInvalidValue("probe_interval", cfg.Store.ProbeInterval, "must be positive")
	}

	return &Writer{
		cfg:           cfg.Store,
		queue:         cfg.Queue,
		st:            cfg.DB,
		ifaces:        cfg.Interfaces,
		inactiveAfter: cfg.InactiveAfter,
		ctx:           context.Background(),
		flushCh:       make(chan struct{}, 1),
		pending:       make([]queue.Item, 0, cfg.Store.FlushBatch),
		pendIfaces:    make(map[string]model.Interface),
		pendingCap:    4 * cfg.Store.FlushBatch,
	}, nil
}

// Start launches the drain and job loops.
func (w *Writer) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())

	// Seed the watermark cache so late-flush detection works before the
	// first rollup pass of this run.
	ctx, cancel := context.WithTimeout(w.ctx, flushTimeout)
	if minuteMs, hourMs, err := w.st.Watermarks(ctx); err == nil {
		w.minuteWatermark.Store(minuteMs)
		w.hourWatermark.Store(hourMs)
	}
	cancel()

	w.wgDrain.Add(1)
	go w.drainLoop()
	w.wgJobs.Add(1)
	go w.jobLoop()

	log.Info("writer started",
		"flush_batch", w.cfg.FlushBatch,
		"flush_interval", w.cfg.FlushInterval,
		"rollup_interval", w.cfg.RollupInterval,
		"prune_interval", w.cfg.PruneInterval)
	return nil
}

// Stop closes the queue, drains what remains through one final flush,
// and halts the background jobs.
func (w *Writer) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}

	// Closing the queue stops intake and releases the drain loop, which
	// flushes the remainder before exiting.
	w.queue.Close()
	w.wgDrain.Wait()
	w.cancel()
	w.wgJobs.Wait()

	log.Info("writer stopped",
		"flushes", w.flushes.Load(),
		"samples", w.samplesWritten.Load(),
		"dropped", w.itemsDropped.Load())
}

// ForceFlush requests a flush outside the regular cadence. It never
// blocks; if the signal is already pending the request is satisfied.
func (w *Writer) ForceFlush() {
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

// Mode returns the current persistence mode.
func (w *Writer) Mode() Mode {
	return Mode(w.mode.Load())
}

// Degraded reports whether the writer is in live-tail-only mode.
func (w *Writer) Degraded() bool {
	return w.Mode() == ModeLiveTailOnly
}

// Watermarks returns the rollup horizons cached from the last pass.
func (w *Writer) Watermarks() (minuteMs, hourMs int64) {
	return w.minuteWatermark.Load(), w.hourWatermark.Load()
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()

	return Stats{
		Mode:              w.Mode(),
		Pending:           pending,
		Flushes:           w.flushes.Load(),
		FlushFailures:     w.flushFailures.Load(),
		SamplesWritten:    w.samplesWritten.Load(),
		MarkersWritten:    w.markersWritten.Load(),
		ItemsDropped:      w.itemsDropped.Load(),
		RollupPasses:      w.rollupPasses.Load(),
		RollupFailures:    w.rollupFailures.Load(),
		PrunePasses:       w.prunePasses.Load(),
		PruneFailures:     w.pruneFailures.Load(),
		MinuteWatermarkMs: w.minuteWatermark.Load(),
		HourWatermarkMs:   w.hourWatermark.Load(),
	}
}

// drainLoop is the single queue consumer. The queue wakes it per batch;
// a closed and drained queue ends the loop through one final flush.
func (w *Writer) drainLoop() {
	defer w.wgDrain.Done()

	for {
		items, err := w.queue.PopBatch(w.ctx, w.cfg.FlushBatch)
		if err != nil {
			if errors.Is(err, errors.ErrQueueClosed) {
				w.finalFlush()
			}
			return
		}
		w.absorb(items)
	}
}

// jobLoop runs the periodic work: flush cadence, rollup, prune, and the
// degraded-mode recovery probe.
func (w *Writer) jobLoop() {
	defer w.wgJobs.Done()

	flushTicker := time.NewTicker(w.cfg.FlushInterval)
	defer flushTicker.Stop()
	rollupTicker := time.NewTicker(w.cfg.RollupInterval)
	defer rollupTicker.Stop()
	pruneTicker := time.NewTicker(w.cfg.PruneInterval)
	defer pruneTicker.Stop()
	probeTicker := time.NewTicker(w.cfg.ProbeInterval)
	defer probeTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-flushTicker.C:
			w.flush(w.ctx)
		case <-w.flushCh:
			w.flush(w.ctx)
		case <-rollupTicker.C:
			w.runRollup(time.Now().UnixMilli())
		case <-pruneTicker.C:
			w.runPrune(time.Now().UnixMilli())
		case <-probeTicker.C:
			w.runProbe()
		}
	}
}

// absorb buffers a popped batch and flushes once the batch size is
// reached. In live-tail-only mode batches are counted and dropped.
func (w *Writer) absorb(items []queue.Item) {
	if len(items) == 0 {
		return
	}
	if w.Degraded() {
		w.itemsDropped.Add(int64(len(items)))
		return
	}

	w.mu.Lock()
	w.pending = append(w.pending, items...)
	// The buffer only outgrows the batch size while flushes are failing;
	// shed oldest-first like the queue does.
	if over := len(w.pending) - w.pendingCap; over > 0 {
		n := copy(w.pending, w.pending[over:])
		w.pending = w.pending[:n]
		w.itemsDropped.Add(int64(over))
	}
	full := len(w.pending) >= w.cfg.FlushBatch
	w.mu.Unlock()

	if full {
		w.flush(w.ctx)
	}
}

// flush writes the pending batch and any dirty interface rows. A failed
// flush keeps the batch for the next attempt; enough consecutive
// failures degrade the writer instead of wedging it.
func (w *Writer) flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Degraded() {
		return nil
	}

	if w.ifaces != nil {
		for _, iface := range w.ifaces.TakeDirty() {
			w.pendIfaces[iface.ID] = iface
		}
	}
	if len(w.pending) == 0 && len(w.pendIfaces) == 0 {
		return nil
	}

	var (
		samples []model.Sample
		markers []model.Marker
		minEnd  int64
	)
	for i := range w.pending {
		switch item := &w.pending[i]; item.Kind {
		case queue.KindSample:
			samples = append(samples, item.Sample)
			if minEnd == 0 || item.Sample.EndMs < minEnd {
				minEnd = item.Sample.EndMs
			}
		case queue.KindMarker:
			markers = append(markers, item.Marker)
		}
	}
	ifaces := make([]model.Interface, 0, len(w.pendIfaces))
	for _, iface := range w.pendIfaces {
		ifaces = append(ifaces, iface)
	}

	err := w.withRetry(ctx, func(ctx context.Context) error {
		return w.writeBatch(ctx, ifaces, samples, markers)
	})
	if err != nil {
		w.flushFailures.Add(1)
		w.consecFails++
		log.Warn("flush failed",
			"consecutive", w.consecFails,
			"pending", len(w.pending),
			"error", err)
		if w.consecFails >= w.cfg.DegradeAfter {
			w.degradeLocked(err)
		}
		return err
	}

	w.consecFails = 0
	w.flushes.Add(1)
	w.samplesWritten.Add(int64(len(samples)))
	w.markersWritten.Add(int64(len(markers)))
	w.pending = w.pending[:0]
	clear(w.pendIfaces)

	// A batch landing at or behind the minute rollup horizon was flushed
	// late; rewind so the next pass re-folds the affected buckets.
	if minEnd > 0 && minEnd <= w.minuteWatermark.Load() {
		if err := w.st.RewindWatermarks(ctx, minEnd); err != nil {
			log.Warn("watermark rewind failed", "to_ms", minEnd, "error", err)
		} else {
			log.Info("late flush behind rollup horizon, watermarks rewound", "to_ms", minEnd)
			w.minuteWatermark.Store(model.TierMinute.BucketForEnd(minEnd))
		}
	}
	return nil
}

// writeBatch performs the three insert families in identity-first order.
// Every statement is idempotent, so a partial failure is safe to retry.
func (w *Writer) writeBatch(ctx context.Context, ifaces []model.Interface, samples []model.Sample, markers []model.Marker) error {
	if len(ifaces) > 0 {
		if err := w.st.UpsertInterfaces(ctx, ifaces); err != nil {
			return err
		}
	}
	if len(samples) > 0 {
		if err := w.st.InsertSamples(ctx, samples); err != nil {
			return err
		}
	}
	if len(markers) > 0 {
		if err := w.st.InsertMarkers(ctx, markers); err != nil {
			return err
		}
	}
	return nil
}

// withRetry runs fn with exponential backoff, each attempt under its own
// timeout. The last error is returned once the attempts are spent.
func (w *Writer) withRetry(ctx context.Context, fn func(context.Context) error) error {
	delay := retryBase
	var err error
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, flushTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil || attempt >= maxFlushAttempts {
			return err
		}

		log.Debug("store write failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// finalFlush empties the buffer on shutdown, independent of the run
// context which is already on its way down.
func (w *Writer) finalFlush() {
	if err := w.flush(context.Background()); err != nil {
		log.Warn("final flush failed", "error", err)
	}
}

// degradeLocked drops the stuck batch and switches to live-tail-only
// mode. Callers hold w.mu.
func (w *Writer) degradeLocked(cause error) {
	if dropped := len(w.pending); dropped > 0 {
		w.itemsDropped.Add(int64(dropped))
	}
	w.pending = w.pending[:0]
	clear(w.pendIfaces)
	w.setMode(ModeLiveTailOnly, cause)
}

// runProbe checks a degraded store and restores normal mode when it
// answers again.
func (w *Writer) runProbe() {
	if !w.Degraded() {
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, flushTimeout)
	err := w.st.Health(ctx)
	cancel()
	if err != nil {
		log.Debug("store probe failed", "error", err)
		return
	}

	w.mu.Lock()
	w.consecFails = 0
	w.mu.Unlock()
	w.setMode(ModeNormal, nil)
}

// setMode switches the persistence mode, logging once per edge.
func (w *Writer) setMode(mode Mode, cause error) {
	old := Mode(w.mode.Swap(int32(mode)))
	if old == mode {
		return
	}
	switch mode {
	case ModeLiveTailOnly:
		log.Warn("store writes failing, degrading to live-tail-only mode",
			"probe_interval", w.cfg.ProbeInterval,
			"error", cause)
	case ModeNormal:
		log.Info("store recovered, resuming persistence")
	}
}

// runRollup folds finalized raw samples into the minute and hour tiers.
func (w *Writer) runRollup(nowMs int64) {
	if w.Degraded() {
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, jobTimeout)
	defer cancel()

	res, err := w.st.Rollup(ctx, nowMs, w.cfg.FinalizeDelay)
	if err != nil {
		w.rollupFailures.Add(1)
		log.Warn("rollup pass failed", "error", err)
		return
	}
	w.rollupPasses.Add(1)
	w.minuteWatermark.Store(res.MinuteWatermarkMs)
	w.hourWatermark.Store(res.HourWatermarkMs)

	if res.MinuteRows > 0 || res.HourRows > 0 {
		log.Debug("rollup pass",
			"minute_rows", res.MinuteRows,
			"hour_rows", res.HourRows,
			"minute_watermark_ms", res.MinuteWatermarkMs,
			"hour_watermark_ms", res.HourWatermarkMs)
	}
}

// runPrune enforces retention and sweeps stale interfaces on the same
// cadence.
func (w *Writer) runPrune(nowMs int64) {
	if w.Degraded() {
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, jobTimeout)
	defer cancel()

	res, err := w.st.Prune(ctx, nowMs)
	if err != nil {
		w.pruneFailures.Add(1)
		log.Warn("prune pass failed", "error", err)
		return
	}
	w.prunePasses.Add(1)

	if res.PromotedPending {
		log.Info("pending retention policy promoted")
	}
	if total := res.RawRows + res.MinuteRows + res.HourRows + res.MarkerRows; total > 0 {
		log.Info("prune pass",
			"raw_rows", res.RawRows,
			"minute_rows", res.MinuteRows,
			"hour_rows", res.HourRows,
			"marker_rows", res.MarkerRows)
	}

	if w.inactiveAfter <= 0 {
		return
	}
	cutoffMs := nowMs - w.inactiveAfter.Milliseconds()
	if n, err := w.st.DeactivateStale(ctx, cutoffMs); err != nil {
		log.Warn("interface sweep failed", "error", err)
	} else if n > 0 {
		log.Info("inactive interfaces swept", "count", n)
	}
	if w.ifaces != nil {
		w.ifaces.DeactivateStale(nowMs, w.inactiveAfter)
	}
}
