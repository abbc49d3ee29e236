// Package client connects to a netpulse daemon's feed.
//
// A client holds one connection: Connect performs the Hello handshake,
// a background read loop routes streamed rate batches to the Updates
// channel and responses to their waiting requests by envelope id. The
// client does not reconnect; build a fresh one per connection attempt.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/wire"
)

// State is the client connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from State
	to   State
}

// validTransitions lists the legal moves. StateClosed is terminal and
// forced by Close from any state, so it does not appear as a source.
var validTransitions = map[stateTransition]bool{
	{StateDisconnected, StateConnecting}: true,
	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,
	{StateConnected, StateDisconnected}:  true,
}

// Config holds client configuration.
type Config struct {
	// Addr is the daemon feed address.
	Addr string

	// Token is the shared auth token, empty when the daemon has none.
	Token string

	// ClientName is reported in the handshake.
	ClientName string

	// ConnectTimeout bounds dial plus handshake.
	ConnectTimeout time.Duration

	// RequestTimeout is the default per-request deadline, applied when
	// the caller's context carries none.
	RequestTimeout time.Duration

	// StreamBuffer is the rate batch buffer; batches beyond it are
	// dropped and counted.
	StreamBuffer int
}

// DefaultConfig returns the defaults for a local daemon.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "127.0.0.1:9338",
		ClientName:     "netpulse",
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
		StreamBuffer:   8,
	}
}

// Client is one feed connection.
type Client struct {
	cfg Config

	mu            sync.Mutex
	conn          net.Conn
	wc            *wire.Conn
	serverVersion string

	state atomic.Int32

	pendingMu sync.RWMutex
	pending   map[uint64]chan *wire.Envelope
	requestID atomic.Uint64

	updates     chan []model.RateUpdate
	updatesOnce sync.Once
	dropped     atomic.Int64

	errMu   sync.Mutex
	lastErr error

	closeOnce sync.Once
	shutdown  chan struct{}
}

// New creates a client. Connect establishes the connection.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	buf := cfg.StreamBuffer
	if buf <= 0 {
		buf = 8
	}
	return &Client{
		cfg:      *cfg,
		pending:  make(map[uint64]chan *wire.Envelope),
		updates:  make(chan []model.RateUpdate, buf),
		shutdown: make(chan struct{}),
	}
}

func (c *Client) getState() State {
	return State(c.state.Load())
}

func (c *Client) transitionFrom(from, to State) bool {
	if !validTransitions[stateTransition{from, to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.getState()
}

// Connected reports whether the handshake has completed and the read
// loop is alive.
func (c *Client) Connected() bool {
	return c.getState() == StateConnected
}

// ServerVersion returns the version string from HelloAck.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// Updates returns the rate stream. The channel closes when the
// connection dies or the client is closed; Err then explains why.
func (c *Client) Updates() <-chan []model.RateUpdate {
	return c.updates
}

// Dropped returns how many batches were lost to a full stream buffer.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.errMu.Unlock()
}

// =============================================================================
// Connect / Close
// =============================================================================

// Connect dials the daemon and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	switch c.getState() {
	case StateClosed:
		return errors.ErrSessionClosed
	case StateConnected, StateConnecting:
		return fmt.Errorf("already connected: %w", errors.ErrAlreadyRunning)
	}
	if !c.transitionFrom(StateDisconnected, StateConnecting) {
		return fmt.Errorf("connect from state %s: %w", c.getState(), errors.ErrAlreadyRunning)
	}

	success := false
	defer func() {
		if !success {
			c.transitionFrom(StateConnecting, StateDisconnected)
		}
	}()

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %v: %w", c.cfg.Addr, err, errors.ErrConnectionFailed)
	}

	wc := wire.NewConn(conn)
	serverVersion, err := c.handshake(ctx, conn, wc)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.wc = wc
	c.serverVersion = serverVersion
	c.mu.Unlock()

	if !c.transitionFrom(StateConnecting, StateConnected) {
		conn.Close()
		return errors.ErrSessionClosed
	}

	go c.readLoop(wc)
	success = true
	return nil
}

func (c *Client) handshake(ctx context.Context, conn net.Conn, wc *wire.Conn) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	id := c.requestID.Add(1)
	h := wire.Hello{Token: c.cfg.Token, Client: c.cfg.ClientName, ProtoVersion: wire.ProtocolVersion}
	if err := wc.Write(&wire.Envelope{ID: id, Kind: wire.KindHello, Payload: h.Marshal()}); err != nil {
		return "", fmt.Errorf("send hello: %w", err)
	}

	env, err := wc.Read()
	if err != nil {
		return "", fmt.Errorf("read hello reply: %v: %w", err, errors.ErrConnectionFailed)
	}

	switch env.Kind {
	case wire.KindHelloAck:
		ack, err := wire.UnmarshalHelloAck(env.Payload)
		if err != nil {
			return "", fmt.Errorf("hello ack: %w", err)
		}
		return ack.ServerVersion, nil
	case wire.KindError:
		return "", envelopeError(env)
	default:
		return "", fmt.Errorf("handshake reply %s: %w", env.Kind, errors.ErrUnknownMessage)
	}
}

// Close tears the connection down and fails all pending requests.
// Safe to call at any time, from any goroutine, more than once.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.shutdown)

		c.mu.Lock()
		if c.conn != nil {
			closeErr = c.conn.Close()
			c.conn = nil
			c.wc = nil
		}
		c.mu.Unlock()

		c.failPending()
		c.updatesOnce.Do(func() { close(c.updates) })
	})
	return closeErr
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// =============================================================================
// Read loop
// =============================================================================

func (c *Client) readLoop(wc *wire.Conn) {
	for {
		env, err := wc.Read()
		if err != nil {
			if c.getState() == StateConnected {
				c.setErr(err)
				c.transitionFrom(StateConnected, StateDisconnected)
			}
			c.failPending()
			c.updatesOnce.Do(func() { close(c.updates) })
			return
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env *wire.Envelope) {
	if env.Kind == wire.KindRateBatch {
		batch, err := wire.UnmarshalRateBatch(env.Payload)
		if err != nil || len(batch.Updates) == 0 {
			return
		}
		select {
		case c.updates <- batch.Updates:
		default:
			c.dropped.Add(1)
		}
		return
	}

	c.pendingMu.RLock()
	ch, ok := c.pending[env.ID]
	c.pendingMu.RUnlock()
	if ok {
		select {
		case ch <- env:
		default:
		}
	}
}

// =============================================================================
// Requests
// =============================================================================

func (c *Client) request(ctx context.Context, kind wire.Kind, payload []byte) (*wire.Envelope, error) {
	if c.getState() != StateConnected {
		if c.getState() == StateClosed {
			return nil, errors.ErrSessionClosed
		}
		return nil, fmt.Errorf("not connected: %w", errors.ErrConnectionFailed)
	}

	if _, ok := ctx.Deadline(); !ok && c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	id := c.requestID.Add(1)
	ch := make(chan *wire.Envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	wc := c.wc
	c.mu.Unlock()
	if wc == nil {
		return nil, fmt.Errorf("not connected: %w", errors.ErrConnectionFailed)
	}

	if err := wc.Write(&wire.Envelope{ID: id, Kind: kind, Payload: payload}); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			if err := c.Err(); err != nil {
				return nil, fmt.Errorf("connection lost: %v: %w", err, errors.ErrConnectionFailed)
			}
			return nil, errors.ErrSessionClosed
		}
		if resp.Kind == wire.KindError {
			return nil, envelopeError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %v: %w", kind, ctx.Err(), errors.ErrTimeout)
	case <-c.shutdown:
		return nil, errors.ErrSessionClosed
	}
}

// envelopeError converts an error envelope into a typed Go error.
func envelopeError(env *wire.Envelope) error {
	msg, err := wire.UnmarshalErrorMsg(env.Payload)
	if err != nil {
		return fmt.Errorf("malformed error reply: %w", err)
	}
	return fmt.Errorf("%s: %w", msg.Message, errors.CodeToError(msg.Code))
}

// Query runs a range query.
func (c *Client) Query(ctx context.Context, req *wire.QueryRequest) (*wire.QueryResponse, error) {
	env, err := c.request(ctx, wire.KindQueryRequest, req.Marshal())
	if err != nil {
		return nil, err
	}
	if env.Kind != wire.KindQueryResponse {
		return nil, fmt.Errorf("query reply %s: %w", env.Kind, errors.ErrUnknownMessage)
	}
	return wire.UnmarshalQueryResponse(env.Payload)
}

// Stats fetches the daemon diagnostics snapshot.
func (c *Client) Stats(ctx context.Context) (*wire.StatsResponse, error) {
	env, err := c.request(ctx, wire.KindStatsRequest, nil)
	if err != nil {
		return nil, err
	}
	if env.Kind != wire.KindStatsResponse {
		return nil, fmt.Errorf("stats reply %s: %w", env.Kind, errors.ErrUnknownMessage)
	}
	return wire.UnmarshalStatsResponse(env.Payload)
}

// SetRetention replaces the daemon's retention policy.
func (c *Client) SetRetention(ctx context.Context, policy model.RetentionPolicy) (*wire.Ack, error) {
	msg := wire.SetRetention{
		RawTTLMs:    policy.RawTTL.Milliseconds(),
		MinuteTTLMs: policy.MinuteTTL.Milliseconds(),
		HourTTLMs:   policy.HourTTL.Milliseconds(),
	}
	env, err := c.request(ctx, wire.KindSetRetention, msg.Marshal())
	if err != nil {
		return nil, err
	}
	if env.Kind != wire.KindAck {
		return nil, fmt.Errorf("retention reply %s: %w", env.Kind, errors.ErrUnknownMessage)
	}
	return wire.UnmarshalAck(env.Payload)
}

// Ping measures a request round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	env, err := c.request(ctx, wire.KindPing, nil)
	if err != nil {
		return 0, err
	}
	if env.Kind != wire.KindPong {
		return 0, fmt.Errorf("ping reply %s: %w", env.Kind, errors.ErrUnknownMessage)
	}
	return time.Since(start), nil
}
