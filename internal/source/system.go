package source

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/net"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/logging"
)

var sysLog = logging.Component("source.system")

// SystemSource reads local NIC counters via gopsutil. The adapter's
// hardware address stands in for a description: it is the one portable
// attribute that changes when a name is reused by different hardware.
type SystemSource struct {
	classifier *Classifier
}

// NewSystemSource creates a system counter source with the given
// virtual-adapter exclusion keywords.
func NewSystemSource(exclusions []string) *SystemSource {
	return &SystemSource{classifier: NewClassifier(exclusions)}
}

// Name identifies the source.
func (s *SystemSource) Name() string { return "system" }

// Poll returns cumulative byte counters for every NIC the OS reports.
func (s *SystemSource) Poll(ctx context.Context) (map[string]Counters, error) {
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("io counters: %v: %w", err, errors.ErrSourceRead)
	}

	// Flags and hardware addresses come from a second enumeration; a
	// failure here degrades classification but not counting.
	meta := make(map[string]net.InterfaceStat)
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		sysLog.Debug("interface enumeration failed, counters only", "error", err)
	} else {
		for _, st := range ifaces {
			meta[st.Name] = st
		}
	}

	out := make(map[string]Counters, len(counters))
	for _, c := range counters {
		desc := ""
		loopback := false
		if st, ok := meta[c.Name]; ok {
			desc = st.HardwareAddr
			for _, f := range st.Flags {
				if f == "loopback" {
					loopback = true
					break
				}
			}
		}
		out[c.Name] = Counters{
			Name:        c.Name,
			Description: desc,
			Physical:    !loopback && s.classifier.Physical(c.Name, desc),
			BytesDown:   c.BytesRecv,
			BytesUp:     c.BytesSent,
		}
	}
	return out, nil
}

// Close is a no-op for the system source.
func (s *SystemSource) Close() error { return nil }
