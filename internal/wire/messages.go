package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/netpulse/netpulse/internal/model"
)

// Payload messages, one per envelope kind. Every message documents its
// field numbers; changing a number is a protocol break, adding one is
// not. Int64 fields hold non-negative Unix milliseconds or counts and
// use plain varints; MaxPoints may be negative and uses zigzag.

// =============================================================================
// Hello / HelloAck
// =============================================================================

// Hello opens a session.
//
// Format:
//   - 1: token         string — empty when auth is disabled
//   - 2: client        string — free-form client name and version
//   - 3: proto_version varint
type Hello struct {
	Token        string
	Client       string
	ProtoVersion uint32
}

// Marshal encodes the message in protobuf wire format.
func (m *Hello) Marshal() []byte {
	b := make([]byte, 0, 32)
	if m.Token != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Token)
	}
	if m.Client != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Client)
	}
	if m.ProtoVersion != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ProtoVersion))
	}
	return b
}

// UnmarshalHello decodes a Hello message.
func UnmarshalHello(data []byte) (*Hello, error) {
	m := &Hello{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("hello tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.Token, b, err = consumeString(b)
		case num == 2 && typ == protowire.BytesType:
			m.Client, b, err = consumeString(b)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.ProtoVersion = uint32(v)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("hello field %d: %w", num, err)
		}
	}
	return m, nil
}

// HelloAck confirms a session.
//
// Format:
//   - 1: server_version string
//   - 2: proto_version  varint
type HelloAck struct {
	ServerVersion string
	ProtoVersion  uint32
}

// Marshal encodes the message in protobuf wire format.
func (m *HelloAck) Marshal() []byte {
	b := make([]byte, 0, 24)
	if m.ServerVersion != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.ServerVersion)
	}
	if m.ProtoVersion != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ProtoVersion))
	}
	return b
}

// UnmarshalHelloAck decodes a HelloAck message.
func UnmarshalHelloAck(data []byte) (*HelloAck, error) {
	m := &HelloAck{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("hello ack tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.ServerVersion, b, err = consumeString(b)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.ProtoVersion = uint32(v)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("hello ack field %d: %w", num, err)
		}
	}
	return m, nil
}

// =============================================================================
// RateBatch
// =============================================================================

// RateBatch streams the latest per-interface rates to subscribers.
//
// Format:
//   - 1: repeated update message:
//     1: interface_id string
//     2: ts_ms        varint
//     3: down_bps     double
//     4: up_bps       double
type RateBatch struct {
	Updates []model.RateUpdate
}

// Marshal encodes the message in protobuf wire format.
func (m *RateBatch) Marshal() []byte {
	b := make([]byte, 0, 32*len(m.Updates))
	for i := range m.Updates {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRateUpdate(&m.Updates[i]))
	}
	return b
}

func marshalRateUpdate(u *model.RateUpdate) []byte {
	b := make([]byte, 0, 32)
	if u.InterfaceID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, u.InterfaceID)
	}
	if u.TsMs != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.TsMs))
	}
	if u.DownBps != 0 {
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(u.DownBps))
	}
	if u.UpBps != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(u.UpBps))
	}
	return b
}

// UnmarshalRateBatch decodes a RateBatch message.
func UnmarshalRateBatch(data []byte) (*RateBatch, error) {
	m := &RateBatch{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("rate batch tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			var sub []byte
			sub, b, err = consumeBytes(b)
			if err == nil {
				var u model.RateUpdate
				if u, err = unmarshalRateUpdate(sub); err == nil {
					m.Updates = append(m.Updates, u)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("rate batch update %d: %w", len(m.Updates), err)
			}
		default:
			b, err = skipField(b, num, typ)
			if err != nil {
				return nil, fmt.Errorf("rate batch field %d: %w", num, err)
			}
		}
	}
	return m, nil
}

func unmarshalRateUpdate(data []byte) (model.RateUpdate, error) {
	var u model.RateUpdate
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return u, protowire.ParseError(n)
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			u.InterfaceID, b, err = consumeString(b)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			u.TsMs = int64(v)
		case num == 3 && typ == protowire.Fixed64Type:
			var v uint64
			v, b, err = consumeFixed64(b)
			u.DownBps = math.Float64frombits(v)
		case num == 4 && typ == protowire.Fixed64Type:
			var v uint64
			v, b, err = consumeFixed64(b)
			u.UpBps = math.Float64frombits(v)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return u, err
		}
	}
	return u, nil
}

// =============================================================================
// QueryRequest / QueryResponse
// =============================================================================

// QueryRequest asks the daemon for a series over [start, end).
//
// Format:
//   - 1: start_ms   varint
//   - 2: end_ms     varint
//   - 3: mode       varint — model.FilterMode
//   - 4: repeated interface_id string
//   - 5: max_points sint32 zigzag — 0 server default, negative unbounded
//   - 6: force_tier varint — 0 unset, otherwise tier+1
type QueryRequest struct {
	StartMs   int64
	EndMs     int64
	Filter    model.InterfaceFilter
	MaxPoints int
	ForceTier *model.Tier
}

// Marshal encodes the message in protobuf wire format.
func (m *QueryRequest) Marshal() []byte {
	b := make([]byte, 0, 64)
	if m.StartMs != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.StartMs))
	}
	if m.EndMs != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.EndMs))
	}
	if m.Filter.Mode != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Filter.Mode))
	}
	for _, id := range m.Filter.IDs {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	if m.MaxPoints != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.MaxPoints)))
	}
	if m.ForceTier != nil {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.ForceTier)+1)
	}
	return b
}

// UnmarshalQueryRequest decodes a QueryRequest message.
func UnmarshalQueryRequest(data []byte) (*QueryRequest, error) {
	m := &QueryRequest{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("query request tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.StartMs = int64(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.EndMs = int64(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.Filter.Mode = model.FilterMode(v)
		case num == 4 && typ == protowire.BytesType:
			var id string
			id, b, err = consumeString(b)
			if err == nil {
				m.Filter.IDs = append(m.Filter.IDs, id)
			}
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.MaxPoints = int(protowire.DecodeZigZag(v))
		case num == 6 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			if err == nil && v != 0 {
				t := model.Tier(v - 1)
				m.ForceTier = &t
			}
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("query request field %d: %w", num, err)
		}
	}
	return m, nil
}

// QueryResponse carries a series back to the client.
//
// Format:
//   - 1: start_ms    varint
//   - 2: end_ms      varint
//   - 3: tier        varint — model.Tier
//   - 4: downsampled varint bool
//   - 5: live_only   varint bool
//   - 6: repeated point message
//   - 7: stats       message
//   - 8: repeated marker message
type QueryResponse struct {
	StartMs     int64
	EndMs       int64
	Tier        model.Tier
	Downsampled bool
	LiveOnly    bool
	Points      []model.Point
	Stats       model.RangeStats
	Markers     []model.Marker
}

// Marshal encodes the message in protobuf wire format.
func (m *QueryResponse) Marshal() []byte {
	b := make([]byte, 0, 64+48*len(m.Points))
	if m.StartMs != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.StartMs))
	}
	if m.EndMs != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.EndMs))
	}
	if m.Tier != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Tier))
	}
	if m.Downsampled {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.LiveOnly {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	for i := range m.Points {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPoint(&m.Points[i]))
	}
	if stats := marshalRangeStats(&m.Stats); len(stats) > 0 {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, stats)
	}
	for i := range m.Markers {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalMarker(&m.Markers[i]))
	}
	return b
}

// UnmarshalQueryResponse decodes a QueryResponse message.
func UnmarshalQueryResponse(data []byte) (*QueryResponse, error) {
	m := &QueryResponse{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("query response tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.StartMs = int64(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.EndMs = int64(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.Tier = model.Tier(v)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.Downsampled = protowire.DecodeBool(v)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.LiveOnly = protowire.DecodeBool(v)
		case num == 6 && typ == protowire.BytesType:
			var sub []byte
			sub, b, err = consumeBytes(b)
			if err == nil {
				var p model.Point
				if p, err = unmarshalPoint(sub); err == nil {
					m.Points = append(m.Points, p)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("query response point %d: %w", len(m.Points), err)
			}
			continue
		case num == 7 && typ == protowire.BytesType:
			var sub []byte
			sub, b, err = consumeBytes(b)
			if err == nil {
				err = unmarshalRangeStats(sub, &m.Stats)
			}
		case num == 8 && typ == protowire.BytesType:
			var sub []byte
			sub, b, err = consumeBytes(b)
			if err == nil {
				var mk model.Marker
				if mk, err = unmarshalMarker(sub); err == nil {
					m.Markers = append(m.Markers, mk)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("query response marker %d: %w", len(m.Markers), err)
			}
			continue
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("query response field %d: %w", num, err)
		}
	}
	return m, nil
}

// Point format:
//   - 1: start_ms     varint
//   - 2: end_ms       varint
//   - 3: bytes_down   varint
//   - 4: bytes_up     varint
//   - 5: down_max_bps double
//   - 6: up_max_bps   double
//   - 7: downsampled  varint bool
func marshalPoint(p *model.Point) []byte {
	b := make([]byte, 0, 48)
	if p.StartMs != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.StartMs))
	}
	if p.EndMs != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.EndMs))
	}
	if p.BytesDown != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, p.BytesDown)
	}
	if p.BytesUp != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, p.BytesUp)
	}
	if p.DownMaxBps != 0 {
		b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(p.DownMaxBps))
	}
	if p.UpMaxBps != 0 {
		b = protowire.AppendTag(b, 6, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(p.UpMaxBps))
	}
	if p.Downsampled {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func unmarshalPoint(data []byte) (model.Point, error) {
	var p model.Point
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.StartMs = int64(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.EndMs = int64(v)
		case num == 3 && typ == protowire.VarintType:
			p.BytesDown, b, err = consumeVarint(b)
		case num == 4 && typ == protowire.VarintType:
			p.BytesUp, b, err = consumeVarint(b)
		case num == 5 && typ == protowire.Fixed64Type:
			var v uint64
			v, b, err = consumeFixed64(b)
			p.DownMaxBps = math.Float64frombits(v)
		case num == 6 && typ == protowire.Fixed64Type:
			var v uint64
			v, b, err = consumeFixed64(b)
			p.UpMaxBps = math.Float64frombits(v)
		case num == 7 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.Downsampled = protowire.DecodeBool(v)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

// RangeStats format. Percentile fields 6-11 use explicit presence: they
// are encoded whenever set, zero or not, and absence means "no data".
//   - 1: total_down   varint
//   - 2: total_up     varint
//   - 3: peak_down    double
//   - 4: peak_up      double
//   - 5: sample_count varint
//   - 6..8:  p50/p95/p99 down double
//   - 9..11: p50/p95/p99 up   double
func marshalRangeStats(s *model.RangeStats) []byte {
	b := make([]byte, 0, 96)
	if s.TotalDown != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, s.TotalDown)
	}
	if s.TotalUp != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, s.TotalUp)
	}
	if s.PeakDownBps != 0 {
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(s.PeakDownBps))
	}
	if s.PeakUpBps != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(s.PeakUpBps))
	}
	if s.SampleCount != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.SampleCount))
	}
	b = appendOptionalDouble(b, 6, s.P50DownBps)
	b = appendOptionalDouble(b, 7, s.P95DownBps)
	b = appendOptionalDouble(b, 8, s.P99DownBps)
	b = appendOptionalDouble(b, 9, s.P50UpBps)
	b = appendOptionalDouble(b, 10, s.P95UpBps)
	b = appendOptionalDouble(b, 11, s.P99UpBps)
	return b
}

func appendOptionalDouble(b []byte, num protowire.Number, v *float64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(*v))
}

func unmarshalRangeStats(data []byte, s *model.RangeStats) error {
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.VarintType:
			s.TotalDown, b, err = consumeVarint(b)
		case num == 2 && typ == protowire.VarintType:
			s.TotalUp, b, err = consumeVarint(b)
		case num == 3 && typ == protowire.Fixed64Type:
			var v uint64
			v, b, err = consumeFixed64(b)
			s.PeakDownBps = math.Float64frombits(v)
		case num == 4 && typ == protowire.Fixed64Type:
			var v uint64
			v, b, err = consumeFixed64(b)
			s.PeakUpBps = math.Float64frombits(v)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			s.SampleCount = int64(v)
		case num >= 6 && num <= 11 && typ == protowire.Fixed64Type:
			var v uint64
			v, b, err = consumeFixed64(b)
			if err == nil {
				f := math.Float64frombits(v)
				switch num {
				case 6:
					s.P50DownBps = &f
				case 7:
					s.P95DownBps = &f
				case 8:
					s.P99DownBps = &f
				case 9:
					s.P50UpBps = &f
				case 10:
					s.P95UpBps = &f
				case 11:
					s.P99UpBps = &f
				}
			}
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Marker format:
//   - 1: interface_id string
//   - 2: at_ms        varint
//   - 3: reason       string
func marshalMarker(mk *model.Marker) []byte {
	b := make([]byte, 0, 32)
	if mk.InterfaceID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, mk.InterfaceID)
	}
	if mk.AtMs != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(mk.AtMs))
	}
	if mk.Reason != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, string(mk.Reason))
	}
	return b
}

func unmarshalMarker(data []byte) (model.Marker, error) {
	var mk model.Marker
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return mk, protowire.ParseError(n)
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			mk.InterfaceID, b, err = consumeString(b)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			mk.AtMs = int64(v)
		case num == 3 && typ == protowire.BytesType:
			var s string
			s, b, err = consumeString(b)
			mk.Reason = model.MarkerReason(s)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return mk, err
		}
	}
	return mk, nil
}

// =============================================================================
// StatsResponse
// =============================================================================

// TierStat mirrors one tier's footprint for the stats reply.
//
// Format:
//   - 1: tier      varint — model.Tier
//   - 2: rows      varint
//   - 3: oldest_ms varint
//   - 4: newest_ms varint
type TierStat struct {
	Tier     model.Tier
	Rows     int64
	OldestMs int64
	NewestMs int64
}

// StatsResponse is the daemon's diagnostics snapshot. StatsRequest has
// no payload.
//
// Format:
//   - 1:  uptime_ms           varint
//   - 2:  sampler_ticks       varint
//   - 3:  samples_accepted    varint
//   - 4:  samples_discarded   varint
//   - 5:  markers_emitted     varint
//   - 6:  queue_depth         varint
//   - 7:  queue_dropped       varint
//   - 8:  writer_flushes      varint
//   - 9:  writer_failures     varint
//   - 10: writer_degraded     varint bool
//   - 11: tail_len            varint
//   - 12: store_ok            varint bool
//   - 13: minute_watermark_ms varint
//   - 14: hour_watermark_ms   varint
//   - 15: repeated tier message
//   - 16: repeated interface message
type StatsResponse struct {
	UptimeMs         int64
	SamplerTicks     int64
	SamplesAccepted  int64
	SamplesDiscarded int64
	MarkersEmitted   int64
	QueueDepth       int64
	QueueDropped     int64
	WriterFlushes    int64
	WriterFailures   int64
	WriterDegraded   bool
	TailLen          int64
	StoreOK          bool

	MinuteWatermarkMs int64
	HourWatermarkMs   int64

	Tiers      []TierStat
	Interfaces []model.Interface
}

// Marshal encodes the message in protobuf wire format.
func (m *StatsResponse) Marshal() []byte {
	b := make([]byte, 0, 128)
	counters := []struct {
		num protowire.Number
		v   int64
	}{
		{1, m.UptimeMs},
		{2, m.SamplerTicks},
		{3, m.SamplesAccepted},
		{4, m.SamplesDiscarded},
		{5, m.MarkersEmitted},
		{6, m.QueueDepth},
		{7, m.QueueDropped},
		{8, m.WriterFlushes},
		{9, m.WriterFailures},
	}
	for _, c := range counters {
		if c.v != 0 {
			b = protowire.AppendTag(b, c.num, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(c.v))
		}
	}
	if m.WriterDegraded {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.TailLen != 0 {
		b = protowire.AppendTag(b, 11, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.TailLen))
	}
	if m.StoreOK {
		b = protowire.AppendTag(b, 12, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.MinuteWatermarkMs != 0 {
		b = protowire.AppendTag(b, 13, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MinuteWatermarkMs))
	}
	if m.HourWatermarkMs != 0 {
		b = protowire.AppendTag(b, 14, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.HourWatermarkMs))
	}
	for i := range m.Tiers {
		b = protowire.AppendTag(b, 15, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTierStat(&m.Tiers[i]))
	}
	for i := range m.Interfaces {
		b = protowire.AppendTag(b, 16, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalInterface(&m.Interfaces[i]))
	}
	return b
}

// UnmarshalStatsResponse decodes a StatsResponse message.
func UnmarshalStatsResponse(data []byte) (*StatsResponse, error) {
	m := &StatsResponse{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("stats response tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num >= 1 && num <= 9 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			if err == nil {
				switch num {
				case 1:
					m.UptimeMs = int64(v)
				case 2:
					m.SamplerTicks = int64(v)
				case 3:
					m.SamplesAccepted = int64(v)
				case 4:
					m.SamplesDiscarded = int64(v)
				case 5:
					m.MarkersEmitted = int64(v)
				case 6:
					m.QueueDepth = int64(v)
				case 7:
					m.QueueDropped = int64(v)
				case 8:
					m.WriterFlushes = int64(v)
				case 9:
					m.WriterFailures = int64(v)
				}
			}
		case num == 10 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.WriterDegraded = protowire.DecodeBool(v)
		case num == 11 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.TailLen = int64(v)
		case num == 12 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.StoreOK = protowire.DecodeBool(v)
		case num == 13 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.MinuteWatermarkMs = int64(v)
		case num == 14 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.HourWatermarkMs = int64(v)
		case num == 15 && typ == protowire.BytesType:
			var sub []byte
			sub, b, err = consumeBytes(b)
			if err == nil {
				var ts TierStat
				if ts, err = unmarshalTierStat(sub); err == nil {
					m.Tiers = append(m.Tiers, ts)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("stats response tier %d: %w", len(m.Tiers), err)
			}
			continue
		case num == 16 && typ == protowire.BytesType:
			var sub []byte
			sub, b, err = consumeBytes(b)
			if err == nil {
				var iface model.Interface
				if iface, err = unmarshalInterface(sub); err == nil {
					m.Interfaces = append(m.Interfaces, iface)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("stats response interface %d: %w", len(m.Interfaces), err)
			}
			continue
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("stats response field %d: %w", num, err)
		}
	}
	return m, nil
}

func marshalTierStat(ts *TierStat) []byte {
	b := make([]byte, 0, 32)
	if ts.Tier != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ts.Tier))
	}
	if ts.Rows != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ts.Rows))
	}
	if ts.OldestMs != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ts.OldestMs))
	}
	if ts.NewestMs != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ts.NewestMs))
	}
	return b
}

func unmarshalTierStat(data []byte) (TierStat, error) {
	var ts TierStat
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ts, protowire.ParseError(n)
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			ts.Tier = model.Tier(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			ts.Rows = int64(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			ts.OldestMs = int64(v)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			ts.NewestMs = int64(v)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return ts, err
		}
	}
	return ts, nil
}

// Interface format:
//   - 1: id            string
//   - 2: name          string
//   - 3: description   string
//   - 4: physical      varint bool
//   - 5: first_seen_ms varint
//   - 6: last_seen_ms  varint
//   - 7: active        varint bool
func marshalInterface(iface *model.Interface) []byte {
	b := make([]byte, 0, 64)
	if iface.ID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, iface.ID)
	}
	if iface.Name != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, iface.Name)
	}
	if iface.Description != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, iface.Description)
	}
	if iface.Physical {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if iface.FirstSeenMs != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(iface.FirstSeenMs))
	}
	if iface.LastSeenMs != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(iface.LastSeenMs))
	}
	if iface.Active {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func unmarshalInterface(data []byte) (model.Interface, error) {
	var iface model.Interface
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return iface, protowire.ParseError(n)
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			iface.ID, b, err = consumeString(b)
		case num == 2 && typ == protowire.BytesType:
			iface.Name, b, err = consumeString(b)
		case num == 3 && typ == protowire.BytesType:
			iface.Description, b, err = consumeString(b)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			iface.Physical = protowire.DecodeBool(v)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			iface.FirstSeenMs = int64(v)
		case num == 6 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			iface.LastSeenMs = int64(v)
		case num == 7 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			iface.Active = protowire.DecodeBool(v)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return iface, err
		}
	}
	return iface, nil
}

// =============================================================================
// SetRetention / Ack / Error
// =============================================================================

// SetRetention replaces the retention policy. Shrinking TTLs take effect
// after the configured grace window; the Ack reply reports whether the
// change is pending and when it lands.
//
// Format:
//   - 1: raw_ttl_ms    varint
//   - 2: minute_ttl_ms varint
//   - 3: hour_ttl_ms   varint
type SetRetention struct {
	RawTTLMs    int64
	MinuteTTLMs int64
	HourTTLMs   int64
}

// Marshal encodes the message in protobuf wire format.
func (m *SetRetention) Marshal() []byte {
	b := make([]byte, 0, 24)
	if m.RawTTLMs != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.RawTTLMs))
	}
	if m.MinuteTTLMs != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MinuteTTLMs))
	}
	if m.HourTTLMs != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.HourTTLMs))
	}
	return b
}

// UnmarshalSetRetention decodes a SetRetention message.
func UnmarshalSetRetention(data []byte) (*SetRetention, error) {
	m := &SetRetention{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("set retention tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.RawTTLMs = int64(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.MinuteTTLMs = int64(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.HourTTLMs = int64(v)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("set retention field %d: %w", num, err)
		}
	}
	return m, nil
}

// Ack confirms a mutating request.
//
// Format:
//   - 1: message         string
//   - 2: pending         varint bool
//   - 3: effective_at_ms varint
type Ack struct {
	Message       string
	Pending       bool
	EffectiveAtMs int64
}

// Marshal encodes the message in protobuf wire format.
func (m *Ack) Marshal() []byte {
	b := make([]byte, 0, 32)
	if m.Message != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Message)
	}
	if m.Pending {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.EffectiveAtMs != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.EffectiveAtMs))
	}
	return b
}

// UnmarshalAck decodes an Ack message.
func UnmarshalAck(data []byte) (*Ack, error) {
	m := &Ack{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("ack tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.Message, b, err = consumeString(b)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.Pending = protowire.DecodeBool(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.EffectiveAtMs = int64(v)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("ack field %d: %w", num, err)
		}
	}
	return m, nil
}

// ErrorMsg reports a failed request.
//
// Format:
//   - 1: code    varint — errors.Code*
//   - 2: message string
type ErrorMsg struct {
	Code    int32
	Message string
}

// Marshal encodes the message in protobuf wire format.
func (m *ErrorMsg) Marshal() []byte {
	b := make([]byte, 0, 32)
	if m.Code != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(m.Code)))
	}
	if m.Message != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Message)
	}
	return b
}

// UnmarshalErrorMsg decodes an ErrorMsg message.
func UnmarshalErrorMsg(data []byte) (*ErrorMsg, error) {
	m := &ErrorMsg{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("error tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			m.Code = int32(uint32(v))
		case num == 2 && typ == protowire.BytesType:
			m.Message, b, err = consumeString(b)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("error field %d: %w", num, err)
		}
	}
	return m, nil
}
