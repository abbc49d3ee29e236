// Package guard implements the spike guard: a per-interface state machine
// sitting between the sampler and persistence that suppresses physically
// impossible rate values caused by sleep/resume, clock jumps, or driver
// counter flushes.
//
// A single-sample rate ceiling alone misfires right after resume, when
// drivers can burst buffered counter updates across several ticks. The
// guard therefore re-primes over a short window: the triggering sample and
// any further implausible samples are discarded while the baseline
// re-stabilizes, and an in-bounds sample ends the window early.
package guard

import (
	"sync"
	"time"

	"github.com/netpulse/netpulse/internal/config"
	"github.com/netpulse/netpulse/internal/model"
)

// State represents a per-interface guard state.
type State int

const (
	// StateNormal - samples are persisted.
	StateNormal State = iota

	// StateSuspect - the current sample tripped a plausibility check and
	// is being discarded. Momentary: the stored state moves straight on
	// to re-priming.
	StateSuspect

	// StateRePriming - inside the re-priming window; implausible samples
	// only re-baseline counters and are not persisted.
	StateRePriming
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSuspect:
		return "suspect"
	case StateRePriming:
		return "repriming"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of evaluating one sample.
type Verdict struct {
	// Accept is true when the sample should be persisted.
	Accept bool

	// Reason classifies a discard (spike or sleep). Unset on accept.
	Reason model.MarkerReason

	// State is the guard state that produced the decision: Suspect for
	// the triggering discard, RePriming inside the window, Normal
	// otherwise.
	State State

	// Remaining is the number of re-priming ticks left after this sample.
	Remaining int
}

// Guard evaluates samples against plausibility bounds, per interface.
// Decisions are deterministic functions of the sample, the current tick
// interval, and per-interface state only, so replaying a sequence from
// fresh state yields identical verdicts.
type Guard struct {
	cfg *config.GuardConfig

	mu     sync.Mutex
	states map[string]*ifaceState
	stats  Stats
}

type ifaceState struct {
	state     State
	remaining int
}

// Stats holds guard counters for diagnostics. Discards are routine and
// never surfaced as errors.
type Stats struct {
	Accepted       int64
	DiscardedSpike int64
	DiscardedSleep int64
	EarlyExits     int64
	Windows        int64 // re-priming windows opened
}

// New creates a guard with the given configuration.
func New(cfg *config.GuardConfig) *Guard {
	return &Guard{
		cfg:    cfg,
		states: make(map[string]*ifaceState),
	}
}

// Evaluate decides whether a sample may be persisted. tickInterval is the
// sampler's current cadence; elapsed time beyond SleepFactor times it
// implies a suspend gap.
func (g *Guard) Evaluate(s *model.Sample, tickInterval time.Duration) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.states[s.InterfaceID]
	if st == nil {
		st = &ifaceState{state: StateNormal}
		g.states[s.InterfaceID] = st
	}

	reason, implausible := g.classify(s, tickInterval)

	switch st.state {
	case StateNormal:
		if !implausible {
			g.stats.Accepted++
			return Verdict{Accept: true, State: StateNormal}
		}
		// Triggering sample: discard and open the re-priming window.
		st.state = StateRePriming
		st.remaining = g.cfg.RePrimeTicks
		g.stats.Windows++
		g.countDiscard(reason)
		return Verdict{Reason: reason, State: StateSuspect, Remaining: st.remaining}

	case StateRePriming:
		if !implausible {
			// Early exit: the baseline has stabilized, keep the sample.
			st.state = StateNormal
			st.remaining = 0
			g.stats.Accepted++
			g.stats.EarlyExits++
			return Verdict{Accept: true, State: StateNormal}
		}
		st.remaining--
		g.countDiscard(reason)
		if st.remaining <= 0 {
			st.state = StateNormal
			st.remaining = 0
			return Verdict{Reason: reason, State: StateRePriming, Remaining: 0}
		}
		return Verdict{Reason: reason, State: StateRePriming, Remaining: st.remaining}

	default:
		// Unreachable; stored states are only Normal or RePriming.
		g.stats.Accepted++
		return Verdict{Accept: true, State: StateNormal}
	}
}

// classify applies the plausibility checks. Sleep wins over spike when
// both trip: an oversized gap explains the burst.
func (g *Guard) classify(s *model.Sample, tickInterval time.Duration) (model.MarkerReason, bool) {
	threshold := time.Duration(g.cfg.SleepFactor * float64(tickInterval))
	if threshold > 0 && s.Duration() > threshold {
		return model.ReasonSleep, true
	}
	if s.DownBps() > g.cfg.RateCeilingBps || s.UpBps() > g.cfg.RateCeilingBps {
		return model.ReasonSpike, true
	}
	return "", false
}

func (g *Guard) countDiscard(reason model.MarkerReason) {
	switch reason {
	case model.ReasonSpike:
		g.stats.DiscardedSpike++
	case model.ReasonSleep:
		g.stats.DiscardedSleep++
	}
}

// State returns the stored state and remaining window for an interface.
// Unknown interfaces are Normal.
func (g *Guard) State(id string) (State, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.states[id]
	if st == nil {
		return StateNormal, 0
	}
	return st.state, st.remaining
}

// Forget drops the guard state for a disappeared interface.
func (g *Guard) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, id)
}

// Stats returns a snapshot of the guard counters.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}
