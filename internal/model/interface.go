package model

import (
	"fmt"
	"time"
)

// Interface is the stable logical identity of a network adapter, tracked
// across process restarts. Identity is name-based since OS handles are not
// persistent; the description distinguishes same-name hardware reuse on a
// best-effort basis.
type Interface struct {
	ID          string // stable handle, derived from the adapter name
	Name        string
	Description string
	Physical    bool

	FirstSeenMs int64
	LastSeenMs  int64

	// Active is false once the interface has been unseen longer than the
	// configured inactivity span. Interfaces are never deleted.
	Active bool
}

// FirstSeenTime returns the first-seen timestamp as a time.Time.
func (i *Interface) FirstSeenTime() time.Time {
	return time.UnixMilli(i.FirstSeenMs)
}

// LastSeenTime returns the last-seen timestamp as a time.Time.
func (i *Interface) LastSeenTime() time.Time {
	return time.UnixMilli(i.LastSeenMs)
}

// FilterMode selects how interfaces contribute to a query.
type FilterMode int

const (
	// FilterAll sums across all known interfaces per bucket.
	FilterAll FilterMode = iota
	// FilterPhysical sums across physical interfaces only, excluding the
	// configured virtual-adapter set.
	FilterPhysical
	// FilterSelected sums over exactly the named interfaces. An empty set
	// yields an empty series, never a fallback to FilterAll.
	FilterSelected
	// FilterSingle reads one interface at native resolution.
	FilterSingle
)

// String returns a human-readable representation of the filter mode.
func (m FilterMode) String() string {
	switch m {
	case FilterAll:
		return "all"
	case FilterPhysical:
		return "physical"
	case FilterSelected:
		return "selected"
	case FilterSingle:
		return "single"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// ParseFilterMode parses a string into a FilterMode.
func ParseFilterMode(s string) (FilterMode, error) {
	switch s {
	case "all":
		return FilterAll, nil
	case "physical":
		return FilterPhysical, nil
	case "selected":
		return FilterSelected, nil
	case "single":
		return FilterSingle, nil
	default:
		return FilterAll, fmt.Errorf("unknown filter mode: %s", s)
	}
}

// InterfaceFilter names the interfaces a query aggregates over.
type InterfaceFilter struct {
	Mode FilterMode
	IDs  []string // used by FilterSelected and FilterSingle
}

// AllInterfaces returns a filter matching every known interface.
func AllInterfaces() InterfaceFilter {
	return InterfaceFilter{Mode: FilterAll}
}

// PhysicalInterfaces returns a filter matching physical interfaces only.
func PhysicalInterfaces() InterfaceFilter {
	return InterfaceFilter{Mode: FilterPhysical}
}

// SelectedInterfaces returns a filter matching exactly the named interfaces.
func SelectedInterfaces(ids ...string) InterfaceFilter {
	return InterfaceFilter{Mode: FilterSelected, IDs: ids}
}

// SingleInterface returns a filter reading one interface at native resolution.
func SingleInterface(id string) InterfaceFilter {
	return InterfaceFilter{Mode: FilterSingle, IDs: []string{id}}
}

// Validate checks the filter's internal consistency.
func (f InterfaceFilter) Validate() error {
	switch f.Mode {
	case FilterAll, FilterPhysical:
		if len(f.IDs) != 0 {
			return fmt.Errorf("filter mode %s takes no interface IDs", f.Mode)
		}
	case FilterSelected:
		// Empty is legal: it means "exactly nothing".
	case FilterSingle:
		if len(f.IDs) != 1 {
			return fmt.Errorf("filter mode single requires exactly one interface ID, got %d", len(f.IDs))
		}
	default:
		return fmt.Errorf("unknown filter mode: %d", f.Mode)
	}
	return nil
}
