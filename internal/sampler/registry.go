package sampler

import (
	"sort"
	"sync"
	"time"

	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/source"
)

// Registry tracks interface identity across ticks and restarts. The ID is
// the adapter name, stable for the lifetime of an installation; rows are
// never deleted, only deactivated. Changes accumulate in a dirty set the
// writer drains into the store with each flush.
type Registry struct {
	mu     sync.RWMutex
	ifaces map[string]*model.Interface
	dirty  map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ifaces: make(map[string]*model.Interface),
		dirty:  make(map[string]struct{}),
	}
}

// Seed loads persisted interfaces, typically at startup. Seeded rows are
// not marked dirty; they are already in the store.
func (r *Registry) Seed(ifaces []model.Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range ifaces {
		iface := ifaces[i]
		r.ifaces[iface.ID] = &iface
	}
}

// Observe records a sighting of the adapter named in c. It returns the
// interface ID and whether the description changed under the same name,
// which callers treat as a fresh device needing a new counter baseline.
func (r *Registry) Observe(nowMs int64, c source.Counters) (id string, descChanged bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id = c.Name
	iface := r.ifaces[id]
	if iface == nil {
		r.ifaces[id] = &model.Interface{
			ID:          id,
			Name:        c.Name,
			Description: c.Description,
			Physical:    c.Physical,
			FirstSeenMs: nowMs,
			LastSeenMs:  nowMs,
			Active:      true,
		}
		r.dirty[id] = struct{}{}
		return id, false
	}

	if iface.Description != c.Description && c.Description != "" {
		descChanged = iface.Description != ""
		iface.Description = c.Description
	}
	iface.Physical = c.Physical
	iface.LastSeenMs = nowMs
	iface.Active = true
	r.dirty[id] = struct{}{}
	return id, descChanged
}

// MarkInactive flags a disappeared interface. The row survives with its
// last sighting intact; history under its ID stays queryable.
func (r *Registry) MarkInactive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	iface := r.ifaces[id]
	if iface == nil || !iface.Active {
		return
	}
	iface.Active = false
	r.dirty[id] = struct{}{}
}

// DeactivateStale marks interfaces unseen since the cutoff as inactive and
// returns how many changed.
func (r *Registry) DeactivateStale(nowMs int64, unseen time.Duration) int {
	cutoff := nowMs - unseen.Milliseconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, iface := range r.ifaces {
		if iface.Active && iface.LastSeenMs < cutoff {
			iface.Active = false
			r.dirty[id] = struct{}{}
			n++
		}
	}
	return n
}

// Interfaces returns a snapshot sorted by ID. Satisfies the query
// engine's interface view.
func (r *Registry) Interfaces() []model.Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Interface, 0, len(r.ifaces))
	for _, iface := range r.ifaces {
		out = append(out, *iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the interface with the given ID.
func (r *Registry) Lookup(id string) (model.Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	iface := r.ifaces[id]
	if iface == nil {
		return model.Interface{}, false
	}
	return *iface, true
}

// TakeDirty returns the interfaces changed since the last call and clears
// the dirty set. The writer persists them with its next flush.
func (r *Registry) TakeDirty() []model.Interface {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.dirty) == 0 {
		return nil
	}
	out := make([]model.Interface, 0, len(r.dirty))
	for id := range r.dirty {
		if iface := r.ifaces[id]; iface != nil {
			out = append(out, *iface)
		}
	}
	r.dirty = make(map[string]struct{})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known interfaces, active or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ifaces)
}
