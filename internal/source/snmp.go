package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/logging"
)

var snmpLog = logging.Component("source.snmp")

// ifXTable columns: 64-bit octet counters plus the interface name column
// used to map indexes to stable identities.
const (
	oidIfName       = ".1.3.6.1.2.1.31.1.1.1.1"
	oidIfHCInOctets = ".1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOutOcts  = ".1.3.6.1.2.1.31.1.1.1.10"
)

// SNMPOptions configures the remote counter source.
type SNMPOptions struct {
	Target    string
	Port      uint16
	Community string
	Timeout   time.Duration

	// RefreshInterval is how often the ifName index map is re-walked,
	// picking up renumbered or newly appeared interfaces.
	RefreshInterval time.Duration
}

// SNMPSource polls ifXTable 64-bit octet counters from a remote v2c agent,
// so the pipeline can meter a router or WAN link instead of local NICs.
// All SNMP interfaces are reported physical; virtual-adapter keyword
// classification is a host-side concern.
type SNMPSource struct {
	opts   SNMPOptions
	client *gosnmp.GoSNMP

	mu       sync.Mutex
	names    map[int]string // ifIndex -> ifName
	lastWalk time.Time
}

// NewSNMPSource creates an SNMP counter source. Connect must be called
// before the first Poll.
func NewSNMPSource(opts SNMPOptions) *SNMPSource {
	if opts.Port == 0 {
		opts.Port = 161
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	return &SNMPSource{
		opts: opts,
		client: &gosnmp.GoSNMP{
			Target:    opts.Target,
			Port:      opts.Port,
			Community: opts.Community,
			Version:   gosnmp.Version2c,
			Timeout:   opts.Timeout,
			Retries:   1,
		},
		names: make(map[int]string),
	}
}

// Name identifies the source.
func (s *SNMPSource) Name() string { return "snmp:" + s.opts.Target }

// Connect opens the UDP transport.
func (s *SNMPSource) Connect() error {
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("snmp connect %s: %v: %w", s.opts.Target, err, errors.ErrSourceUnavailable)
	}
	return nil
}

// Poll walks the HC octet counter columns and joins them with the cached
// ifName map. The name map is re-walked every RefreshInterval.
func (s *SNMPSource) Poll(ctx context.Context) (map[string]Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if len(s.names) == 0 || time.Since(s.lastWalk) >= s.opts.RefreshInterval {
		if err := s.refreshNames(); err != nil {
			return nil, err
		}
	}

	in, err := s.walkCounters(oidIfHCInOctets)
	if err != nil {
		return nil, fmt.Errorf("walk ifHCInOctets: %v: %w", err, errors.ErrSourceRead)
	}
	out, err := s.walkCounters(oidIfHCOutOcts)
	if err != nil {
		return nil, fmt.Errorf("walk ifHCOutOctets: %v: %w", err, errors.ErrSourceRead)
	}

	result := make(map[string]Counters, len(s.names))
	for idx, name := range s.names {
		result[name] = Counters{
			Name:        name,
			Description: fmt.Sprintf("%s ifIndex %d", s.opts.Target, idx),
			Physical:    true,
			BytesDown:   in[idx],
			BytesUp:     out[idx],
		}
	}
	return result, nil
}

// Close releases the UDP transport.
func (s *SNMPSource) Close() error {
	if s.client.Conn != nil {
		return s.client.Conn.Close()
	}
	return nil
}

func (s *SNMPSource) refreshNames() error {
	names := make(map[int]string)
	err := s.client.BulkWalk(oidIfName, func(pdu gosnmp.SnmpPDU) error {
		idx, err := indexFromOID(pdu.Name)
		if err != nil {
			return err
		}
		if b, ok := pdu.Value.([]byte); ok {
			names[idx] = string(b)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk ifName: %v: %w", err, errors.ErrSourceUnavailable)
	}
	if len(names) == 0 {
		return fmt.Errorf("agent %s reports no interfaces: %w", s.opts.Target, errors.ErrSourceUnavailable)
	}
	s.names = names
	s.lastWalk = time.Now()
	snmpLog.Debug("refreshed interface map", "target", s.opts.Target, "interfaces", len(names))
	return nil
}

func (s *SNMPSource) walkCounters(root string) (map[int]uint64, error) {
	vals := make(map[int]uint64)
	err := s.client.BulkWalk(root, func(pdu gosnmp.SnmpPDU) error {
		idx, err := indexFromOID(pdu.Name)
		if err != nil {
			return err
		}
		switch pdu.Type {
		case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32:
			vals[idx] = gosnmp.ToBigInt(pdu.Value).Uint64()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vals, nil
}

// indexFromOID extracts the trailing ifIndex from a walked instance OID.
func indexFromOID(oid string) (int, error) {
	dot := strings.LastIndex(oid, ".")
	if dot < 0 || dot == len(oid)-1 {
		return 0, fmt.Errorf("malformed OID %q", oid)
	}
	idx, err := strconv.Atoi(oid[dot+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed OID index %q: %v", oid, err)
	}
	return idx, nil
}
