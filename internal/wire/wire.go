// Package wire implements the netpulse feed protocol: length-delimited
// envelopes carrying hand-encoded protobuf payloads.
//
// Frames are prefixed with a standard protobuf varint length, so the
// stream is protodelim-compatible. Payloads are encoded directly with
// protowire; the field numbers documented per message are the wire
// contract, there is no generated code.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/netpulse/netpulse/internal/errors"
)

// MaxMessageSize caps a single frame. Large query responses must be
// paged by the caller; anything bigger than this is a protocol error.
const MaxMessageSize = 4 << 20

// ProtocolVersion is negotiated in Hello/HelloAck. A server refuses
// clients speaking a newer major version.
const ProtocolVersion = 1

// Kind discriminates envelope payloads.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindHello
	KindHelloAck
	KindPing
	KindPong
	KindRateBatch
	KindQueryRequest
	KindQueryResponse
	KindStatsRequest
	KindStatsResponse
	KindSetRetention
	KindAck
	KindError
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindHelloAck:
		return "HelloAck"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindRateBatch:
		return "RateBatch"
	case KindQueryRequest:
		return "QueryRequest"
	case KindQueryResponse:
		return "QueryResponse"
	case KindStatsRequest:
		return "StatsRequest"
	case KindStatsResponse:
		return "StatsResponse"
	case KindSetRetention:
		return "SetRetention"
	case KindAck:
		return "Ack"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// Envelope wraps every message on the feed.
//
// Envelope format:
//   - 1: id      varint — request/response correlation, 0 for streams
//   - 2: kind    varint
//   - 3: payload bytes — kind-specific message, absent for bare kinds
type Envelope struct {
	ID      uint64
	Kind    Kind
	Payload []byte
}

// Marshal encodes the envelope in protobuf wire format.
func (e *Envelope) Marshal() []byte {
	b := make([]byte, 0, 16+len(e.Payload))
	if e.ID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, e.ID)
	}
	if e.Kind != KindUnknown {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Kind))
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b
}

// UnmarshalEnvelope decodes an envelope. Unknown fields are skipped so
// newer peers can extend the envelope without breaking older ones.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			env.ID = v
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			env.Kind = Kind(v)
		case num == 3 && typ == protowire.BytesType:
			env.Payload, b, err = consumeBytes(b)
		default:
			b, err = skipField(b, num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("envelope field %d: %w", num, err)
		}
	}
	return env, nil
}

// =============================================================================
// Framing
// =============================================================================

// Reader reads length-delimited envelopes from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read reads and unmarshals the next envelope. A clean close at a frame
// boundary returns io.EOF unwrapped; a close mid-frame does not.
func (r *Reader) Read() (*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if size > MaxMessageSize {
		return nil, fmt.Errorf("frame of %d bytes: %w", size, errors.ErrMessageTooLarge)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return UnmarshalEnvelope(buf)
}

// Writer writes length-delimited envelopes to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes an envelope with its length prefix. The
// frame goes out in a single Write call, so concurrent writers never
// interleave frames.
func (w *Writer) Write(env *Envelope) error {
	body := env.Marshal()
	if len(body) > MaxMessageSize {
		return fmt.Errorf("frame of %d bytes: %w", len(body), errors.ErrMessageTooLarge)
	}

	frame := protowire.AppendVarint(make([]byte, 0, len(body)+binary.MaxVarintLen32), uint64(len(body)))
	frame = append(frame, body...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Error Envelope Helpers
// =============================================================================

// NewError creates an error envelope with the given request ID, error
// code, and message. Codes come from the errors package (errors.Code*).
func NewError(id uint64, code int32, msg string) *Envelope {
	e := &ErrorMsg{Code: code, Message: msg}
	return &Envelope{ID: id, Kind: KindError, Payload: e.Marshal()}
}

// NewErrorFromErr creates an error envelope from a Go error, mapping it
// to the appropriate wire code with errors.ErrorToCode.
func NewErrorFromErr(id uint64, err error) *Envelope {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error envelope with a formatted message.
func NewErrorf(id uint64, code int32, format string, args ...interface{}) *Envelope {
	return NewError(id, code, fmt.Sprintf(format, args...))
}

// =============================================================================
// Decode helpers
// =============================================================================

func consumeVarint(b []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, b, protowire.ParseError(n)
	}
	return v, b[n:], nil
}

func consumeFixed64(b []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, b, protowire.ParseError(n)
	}
	return v, b[n:], nil
}

func consumeBytes(b []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, b, protowire.ParseError(n)
	}
	return v, b[n:], nil
}

func consumeString(b []byte) (string, []byte, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", b, protowire.ParseError(n)
	}
	return v, b[n:], nil
}

func skipField(b []byte, num protowire.Number, typ protowire.Type) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return b, protowire.ParseError(n)
	}
	return b[n:], nil
}
