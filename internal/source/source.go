// Package source abstracts the cumulative per-interface byte counters the
// sampler polls. Two implementations exist: the system source reads local
// NIC counters via gopsutil, the SNMP source reads 64-bit ifXTable octet
// counters from a remote agent.
package source

import (
	"context"
	"strings"
)

// Counters is one interface's cumulative reading at poll time. Values are
// monotonically increasing byte totals since the counter last reset.
type Counters struct {
	Name        string
	Description string
	Physical    bool
	BytesDown   uint64
	BytesUp     uint64
}

// Source yields one cumulative reading per interface per poll. Poll must
// fail fast on OS or transport errors with a single error return, never a
// partial map plus panic.
type Source interface {
	// Name identifies the source in logs and diagnostics.
	Name() string

	// Poll returns the current cumulative counters keyed by interface name.
	Poll(ctx context.Context) (map[string]Counters, error)

	// Close releases any underlying transport.
	Close() error
}

// Classifier decides whether an adapter counts as physical, using the
// configured virtual-adapter exclusion keywords. Matching is
// case-insensitive against both the adapter name and its description.
type Classifier struct {
	keywords []string
}

// NewClassifier builds a classifier from exclusion keywords.
func NewClassifier(exclusions []string) *Classifier {
	kw := make([]string, 0, len(exclusions))
	for _, e := range exclusions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			kw = append(kw, e)
		}
	}
	return &Classifier{keywords: kw}
}

// Physical reports whether the adapter matches none of the exclusion
// keywords.
func (c *Classifier) Physical(name, description string) bool {
	n := strings.ToLower(name)
	d := strings.ToLower(description)
	for _, kw := range c.keywords {
		if strings.Contains(n, kw) || strings.Contains(d, kw) {
			return false
		}
	}
	return true
}
