// Package pipeline assembles the daemon: counter source, adaptive
// sampler, spike guard, live tail, ingestion queue, store writer, query
// engine, rate feed hub, and the localhost wire server. One Service owns
// their lifecycle; components start in dependency order and stop in
// reverse.
package pipeline

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netpulse/netpulse/internal/config"
	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/feed"
	"github.com/netpulse/netpulse/internal/guard"
	"github.com/netpulse/netpulse/internal/logging"
	"github.com/netpulse/netpulse/internal/query"
	"github.com/netpulse/netpulse/internal/queue"
	"github.com/netpulse/netpulse/internal/sampler"
	"github.com/netpulse/netpulse/internal/server"
	"github.com/netpulse/netpulse/internal/source"
	"github.com/netpulse/netpulse/internal/store"
	"github.com/netpulse/netpulse/internal/tail"
	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/internal/writer"
)

var log = logging.Component("pipeline")

// bootTimeout caps the store reads and writes done during startup.
const bootTimeout = 10 * time.Second

// Service wires every component of the daemon together.
type Service struct {
	cfg     *config.Config
	version string

	src      source.Source
	registry *sampler.Registry
	guard    *guard.Guard
	tail     *tail.Tail
	hub      *feed.Hub
	queue    *queue.Queue
	st       *store.Store
	writer   *writer.Writer
	sampler  *sampler.Sampler
	engine   *query.Engine
	server   *server.Server

	running atomic.Bool

	mu        sync.RWMutex
	startTime time.Time
}

// New builds the pipeline from configuration. A store that cannot be
// opened is not fatal: the pipeline then runs without persistence and
// serves charts from the live tail alone.
func New(cfg *config.Config, version string) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	src, err := buildSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		version:  version,
		src:      src,
		registry: sampler.NewRegistry(),
		guard:    guard.New(&cfg.Guard),
		tail:     tail.New(cfg.Tail.Capacity),
		hub:      feed.NewHub(),
	}

	// First run may lack the data directory; Open reports anything still
	// wrong after this.
	if dir := filepath.Dir(cfg.Store.Path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	st, err := store.Open(store.DefaultOptions(cfg.Store.Path))
	if err != nil {
		log.Warn("store unavailable, continuing with live tail only",
			"path", cfg.Store.Path,
			"error", err)
	} else {
		s.st = st
		s.queue = queue.New(cfg.Queue.Capacity)

		// Known interfaces from previous runs seed the registry so a
		// restart does not re-announce every adapter.
		ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
		if ifaces, err := st.Interfaces(ctx); err == nil {
			s.registry.Seed(ifaces)
		}
		cancel()

		w, err := writer.New(writer.Config{
			Store:         cfg.Store,
			InactiveAfter: cfg.Interfaces.InactiveAfter,
			Queue:         s.queue,
			DB:            st,
			Interfaces:    s.registry,
		})
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("create writer: %w", err)
		}
		s.writer = w
	}

	smp, err := sampler.New(sampler.Config{
		Sampling: cfg.Sampling,
		Source:   src,
		Guard:    s.guard,
		Tail:     s.tail,
		Queue:    s.queue,
		Hub:      s.hub,
		Registry: s.registry,
	})
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("create sampler: %w", err)
	}
	s.sampler = smp

	s.engine = query.New(s.st, s.tail, s.registry, cfg.Query)

	if cfg.Feed.Enabled {
		srv, err := server.New(server.Config{
			Listen:         cfg.Feed.Listen,
			Token:          cfg.Feed.Token,
			Engine:         s.engine,
			Hub:            s.hub,
			Retention:      retentionStore(s.st),
			RetentionGrace: cfg.Retention.Grace,
			Stats:          s,
			ServerVersion:  version,
		})
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("create server: %w", err)
		}
		s.server = srv
	}

	return s, nil
}

// buildSource constructs the configured counter source.
func buildSource(cfg *config.Config) (source.Source, error) {
	switch cfg.Source.Kind {
	case "", "system":
		return source.NewSystemSource(cfg.Interfaces.Exclusions), nil
	case "snmp":
		src := source.NewSNMPSource(source.SNMPOptions{
			Target:          cfg.Source.SNMP.Target,
			Port:            cfg.Source.SNMP.Port,
			Community:       cfg.Source.SNMP.Community,
			Timeout:         cfg.Source.SNMP.Timeout,
			RefreshInterval: cfg.Source.SNMP.RefreshInterval,
		})
		if err := src.Connect(); err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, errors.NewInvalidValue("source.kind", cfg.Source.Kind, `must be "system" or "snmp"`)
	}
}

// retentionStore adapts the optional store to the server dependency
// without smuggling a typed nil into the interface.
func retentionStore(st *store.Store) server.RetentionStore {
	if st == nil {
		return nil
	}
	return st
}

// Start brings the components up: retention policy, writer, sampler,
// then the wire server last so clients only see a running pipeline.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()

	if s.st != nil {
		s.applyRetention()
	}

	if s.writer != nil {
		if err := s.writer.Start(); err != nil {
			s.running.Store(false)
			return fmt.Errorf("start writer: %w", err)
		}
	}

	if err := s.sampler.Start(); err != nil {
		if s.writer != nil {
			s.writer.Stop()
		}
		s.running.Store(false)
		return fmt.Errorf("start sampler: %w", err)
	}

	if s.server != nil {
		if err := s.server.Start(); err != nil {
			s.sampler.Stop()
			if s.writer != nil {
				s.writer.Stop()
			}
			s.running.Store(false)
			return fmt.Errorf("start server: %w", err)
		}
	}

	feedAddr := "disabled"
	if s.server != nil {
		feedAddr = s.server.Addr().String()
	}
	storePath := "live-only"
	if s.st != nil {
		storePath = s.st.Path()
	}
	log.Info("pipeline started",
		"version", s.version,
		"source", s.src.Name(),
		"store", storePath,
		"feed", feedAddr)
	return nil
}

// applyRetention asserts the configured policy at boot. Shrinks go
// through the same grace window as runtime changes.
func (s *Service) applyRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()

	nowMs := time.Now().UnixMilli()
	pending, effAt, err := s.st.SetRetention(ctx, s.cfg.Retention.Policy(), s.cfg.Retention.Grace, nowMs)
	if err != nil {
		log.Warn("apply retention policy failed", "error", err)
		return
	}
	if pending {
		log.Info("configured retention shrink deferred", "effective_at_ms", effAt)
	}
}

// Stop tears the pipeline down in reverse order. The writer drains the
// queue through a final flush before the store closes.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.server != nil {
		s.server.Stop()
	}
	s.sampler.Stop()
	if s.writer != nil {
		s.writer.Stop()
	}
	s.hub.Close()

	var errs []error
	if s.st != nil {
		if err := s.st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := s.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}

	s.mu.RLock()
	uptime := time.Since(s.startTime).Round(time.Second)
	s.mu.RUnlock()
	log.Info("pipeline stopped", "uptime", uptime)
	return nil
}

// closeResources releases what New acquired before a construction error.
func (s *Service) closeResources() {
	if s.st != nil {
		s.st.Close()
	}
	s.src.Close()
}

// Running reports whether the pipeline is started.
func (s *Service) Running() bool {
	return s.running.Load()
}

// Engine exposes the query engine for in-process consumers.
func (s *Service) Engine() *query.Engine {
	return s.engine
}

// ServerAddr returns the feed server's bound address, or nil when the
// feed is disabled or not started.
func (s *Service) ServerAddr() net.Addr {
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

// Snapshot aggregates component counters into the wire diagnostics
// reply. It satisfies server.StatsSource.
func (s *Service) Snapshot() *wire.StatsResponse {
	resp := &wire.StatsResponse{}

	s.mu.RLock()
	if !s.startTime.IsZero() {
		resp.UptimeMs = time.Since(s.startTime).Milliseconds()
	}
	s.mu.RUnlock()

	sst := s.sampler.Stats()
	resp.SamplerTicks = sst.Ticks
	resp.SamplesAccepted = sst.Accepted
	resp.SamplesDiscarded = sst.Discarded
	resp.MarkersEmitted = sst.Markers

	if s.queue != nil {
		qst := s.queue.Stats()
		resp.QueueDepth = int64(qst.Count)
		resp.QueueDropped = qst.DropCount
	}
	if s.writer != nil {
		wst := s.writer.Stats()
		resp.WriterFlushes = wst.Flushes
		resp.WriterFailures = wst.FlushFailures
		resp.WriterDegraded = wst.Mode == writer.ModeLiveTailOnly
		resp.MinuteWatermarkMs = wst.MinuteWatermarkMs
		resp.HourWatermarkMs = wst.HourWatermarkMs
	}
	resp.TailLen = int64(s.tail.Len())
	resp.StoreOK = s.st != nil && (s.writer == nil || !s.writer.Degraded())

	if s.st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if tiers, err := s.st.TierStats(ctx); err == nil {
			resp.Tiers = make([]wire.TierStat, len(tiers))
			for i, ts := range tiers {
				resp.Tiers[i] = wire.TierStat{
					Tier:     ts.Tier,
					Rows:     ts.Rows,
					OldestMs: ts.OldestMs,
					NewestMs: ts.NewestMs,
				}
			}
		}
		cancel()
	}
	resp.Interfaces = s.registry.Interfaces()

	return resp
}
