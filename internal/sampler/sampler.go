// Package sampler polls cumulative interface counters on an adaptive
// cadence and turns them into rate samples. Each tick computes wall-clock
// deltas per interface, runs them through the spike guard, then fans the
// survivors out: live tail, persistence queue, feed hub. Counter rollover,
// device replacement under a reused name, and interface disappearance all
// become explicit discontinuities instead of garbage deltas.
package sampler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netpulse/netpulse/internal/config"
	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/feed"
	"github.com/netpulse/netpulse/internal/guard"
	"github.com/netpulse/netpulse/internal/logging"
	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/queue"
	"github.com/netpulse/netpulse/internal/source"
	"github.com/netpulse/netpulse/internal/tail"
)

var log = logging.Component("sampler")

// trackState is the per-interface delta state.
type trackState int

const (
	// stateBaselining - the counter pair was just established; the tick
	// that set it emitted no sample.
	stateBaselining trackState = iota

	// stateActive - deltas flow normally.
	stateActive
)

// tracker holds one interface's last counter reading.
type tracker struct {
	state  trackState
	down   uint64
	up     uint64
	lastMs int64
	desc   string
}

func (t *tracker) rebaseline(c source.Counters, nowMs int64) {
	t.state = stateBaselining
	t.down = c.BytesDown
	t.up = c.BytesUp
	t.lastMs = nowMs
	t.desc = c.Description
}

// Config wires the sampler. Source and Guard are required; Tail, Queue,
// Hub, and Registry may be nil, in which case that output is skipped.
type Config struct {
	Sampling config.SamplingConfig

	Source   source.Source
	Guard    *guard.Guard
	Tail     *tail.Tail
	Queue    *queue.Queue
	Hub      *feed.Hub
	Registry *Registry
}

// Stats holds sampler counters for diagnostics.
type Stats struct {
	Ticks       int64
	PollErrors  int64
	Accepted    int64
	Discarded   int64
	Markers     int64
	Tracked     int
	Interval    time.Duration
	BreakerOpen bool
}

// Sampler runs the tick loop.
type Sampler struct {
	cfg config.SamplingConfig

	src      source.Source
	guard    *guard.Guard
	tail     *tail.Tail
	queue    *queue.Queue
	hub      *feed.Hub
	registry *Registry

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	tracking    map[string]*tracker
	interval    time.Duration
	idleSinceMs int64

	failures    int  // consecutive poll failures
	breakerOpen bool

	ticks      atomic.Int64
	pollErrors atomic.Int64
	accepted   atomic.Int64
	discarded  atomic.Int64
	markers    atomic.Int64
}

// New creates a sampler. It does not start polling; call Start.
func New(cfg Config) (*Sampler, error) {
	if cfg.Source == nil {
		return nil, errors.NewMissingField("source")
	}
	if cfg.Guard == nil {
		return nil, errors.NewMissingField("guard")
	}
	if cfg.Sampling.MinInterval <= 0 {
		return nil, errors.NewInvalidValue("min_interval", cfg.Sampling.MinInterval, "must be positive")
	}
	if cfg.Sampling.MaxInterval < cfg.Sampling.MinInterval {
		return nil, errors.NewInvalidValue("max_interval", cfg.Sampling.MaxInterval, "must be at least min_interval")
	}

	return &Sampler{
		cfg:      cfg.Sampling,
		src:      cfg.Source,
		guard:    cfg.Guard,
		tail:     cfg.Tail,
		queue:    cfg.Queue,
		hub:      cfg.Hub,
		registry: cfg.Registry,
		tracking: make(map[string]*tracker),
		interval: cfg.Sampling.MinInterval,
	}, nil
}

// Start launches the tick loop.
func (s *Sampler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run()

	log.Info("sampler started",
		"source", s.src.Name(),
		"min_interval", s.cfg.MinInterval,
		"max_interval", s.cfg.MaxInterval)
	return nil
}

// Stop halts the tick loop and waits for the in-flight tick.
func (s *Sampler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	log.Info("sampler stopped", "ticks", s.ticks.Load())
}

func (s *Sampler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
		s.tick()
		timer.Reset(s.Interval())
	}
}

func (s *Sampler) tick() {
	s.ticks.Add(1)
	nowMs := time.Now().UnixMilli()

	counters, err := s.src.Poll(s.ctx)
	if err != nil {
		s.pollFailed(err)
		return
	}
	s.pollSucceeded()
	s.processTick(nowMs, counters)
}

func (s *Sampler) pollFailed(err error) {
	s.pollErrors.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	if s.breakerOpen || s.failures < s.cfg.BreakerThreshold {
		return
	}
	// Threshold reached: log once, back off to the probe cadence.
	s.breakerOpen = true
	s.interval = s.cfg.MaxInterval
	log.Warn("counter source failing, circuit breaker open",
		"source", s.src.Name(),
		"failures", s.failures,
		"probe_interval", s.interval,
		"error", err)
}

func (s *Sampler) pollSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.breakerOpen {
		s.breakerOpen = false
		s.interval = s.cfg.MinInterval
		s.idleSinceMs = 0
		log.Info("counter source recovered, circuit breaker closed",
			"source", s.src.Name(),
			"failures", s.failures)
	}
	s.failures = 0
}

// processTick turns one poll result into samples, markers, and rate
// updates. Split from the timer loop so tests can drive it directly.
func (s *Sampler) processTick(nowMs int64, counters map[string]source.Counters) {
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	var updates []model.RateUpdate
	traffic := false

	s.mu.Lock()
	tickInterval := s.interval

	for _, name := range names {
		c := counters[name]

		id := c.Name
		descChanged := false
		if s.registry != nil {
			id, descChanged = s.registry.Observe(nowMs, c)
		}

		tr := s.tracking[id]
		if tr == nil {
			tr = &tracker{}
			tr.rebaseline(c, nowMs)
			s.tracking[id] = tr
			log.Debug("interface baselining", "interface", id)
			continue
		}

		if s.registry == nil {
			descChanged = tr.desc != "" && c.Description != "" && tr.desc != c.Description
		}
		if descChanged {
			// Same name, different device. The old counters mean nothing.
			s.emitMarker(model.Marker{InterfaceID: id, AtMs: nowMs, Reason: model.ReasonBaselineReset})
			tr.rebaseline(c, nowMs)
			updates = append(updates, model.RateUpdate{InterfaceID: id, TsMs: nowMs})
			log.Info("interface description changed, re-baselining", "interface", id)
			continue
		}

		if c.BytesDown < tr.down || c.BytesUp < tr.up {
			// Counter regression: reset or rollover. Never a negative delta.
			s.emitMarker(model.Marker{InterfaceID: id, AtMs: nowMs, Reason: model.ReasonRollover})
			tr.rebaseline(c, nowMs)
			updates = append(updates, model.RateUpdate{InterfaceID: id, TsMs: nowMs})
			log.Info("counter rollover", "interface", id)
			continue
		}

		if nowMs <= tr.lastMs {
			// Clock did not advance since the last reading; nothing to say.
			tr.down, tr.up = c.BytesDown, c.BytesUp
			tr.desc = c.Description
			continue
		}

		sample := model.Sample{
			InterfaceID: id,
			StartMs:     tr.lastMs,
			EndMs:       nowMs,
			BytesDown:   c.BytesDown - tr.down,
			BytesUp:     c.BytesUp - tr.up,
		}
		tr.state = stateActive
		tr.down, tr.up = c.BytesDown, c.BytesUp
		tr.lastMs = nowMs
		tr.desc = c.Description

		if sample.BytesDown > 0 || sample.BytesUp > 0 {
			traffic = true
		}

		verdict := s.guard.Evaluate(&sample, tickInterval)
		if !verdict.Accept {
			s.discarded.Add(1)
			if verdict.State == guard.StateSuspect {
				// One marker per discontinuity, at the triggering discard.
				s.emitMarker(model.Marker{InterfaceID: id, AtMs: nowMs, Reason: verdict.Reason})
				log.Warn("sample discarded, re-priming",
					"interface", id,
					"reason", verdict.Reason,
					"window", verdict.Remaining)
			}
			updates = append(updates, model.RateUpdate{InterfaceID: id, TsMs: nowMs})
			continue
		}

		s.accepted.Add(1)
		if s.tail != nil {
			s.tail.Push(sample)
		}
		if s.queue != nil {
			if err := s.queue.PushSample(sample); err != nil {
				log.Warn("enqueue sample", "interface", id, "error", err)
			}
		}
		updates = append(updates, model.RateUpdate{
			InterfaceID: id,
			TsMs:        nowMs,
			DownBps:     sample.DownBps(),
			UpBps:       sample.UpBps(),
		})
	}

	// Interfaces that vanished from the poll lose their tracking state;
	// a reappearance starts from a fresh baseline.
	for id := range s.tracking {
		if _, ok := counters[id]; ok {
			continue
		}
		delete(s.tracking, id)
		s.guard.Forget(id)
		if s.registry != nil {
			s.registry.MarkInactive(id)
		}
		log.Info("interface disappeared", "interface", id)
	}

	s.advanceCadence(nowMs, traffic)
	s.mu.Unlock()

	if s.hub != nil && len(updates) > 0 {
		s.hub.Publish(updates)
	}
}

// advanceCadence adjusts the tick interval. Called with mu held. Traffic
// snaps to the floor; sustained idle doubles toward the ceiling. The
// breaker owns the interval while open.
func (s *Sampler) advanceCadence(nowMs int64, traffic bool) {
	if s.breakerOpen {
		return
	}
	if traffic {
		s.interval = s.cfg.MinInterval
		s.idleSinceMs = 0
		return
	}
	if s.idleSinceMs == 0 {
		s.idleSinceMs = nowMs
		return
	}
	if nowMs-s.idleSinceMs < s.cfg.IdleBackoffAfter.Milliseconds() {
		return
	}
	next := s.interval * 2
	if next > s.cfg.MaxInterval {
		next = s.cfg.MaxInterval
	}
	s.interval = next
}

func (s *Sampler) emitMarker(m model.Marker) {
	s.markers.Add(1)
	if s.queue == nil {
		return
	}
	if err := s.queue.PushMarker(m); err != nil {
		log.Warn("enqueue marker", "interface", m.InterfaceID, "error", err)
	}
}

// Interval returns the current tick interval.
func (s *Sampler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Running reports whether the tick loop is live.
func (s *Sampler) Running() bool {
	return s.running.Load()
}

// Stats returns a snapshot of the sampler counters.
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	tracked := len(s.tracking)
	interval := s.interval
	open := s.breakerOpen
	s.mu.Unlock()

	return Stats{
		Ticks:       s.ticks.Load(),
		PollErrors:  s.pollErrors.Load(),
		Accepted:    s.accepted.Load(),
		Discarded:   s.discarded.Load(),
		Markers:     s.markers.Load(),
		Tracked:     tracked,
		Interval:    interval,
		BreakerOpen: open,
	}
}

// trackerState reports the delta state for an interface, for tests and
// diagnostics.
func (s *Sampler) trackerState(id string) (trackState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.tracking[id]
	if tr == nil {
		return stateBaselining, false
	}
	return tr.state, true
}
