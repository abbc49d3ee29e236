// Package server exposes the daemon over a loopback TCP feed.
//
// Sessions speak the wire protocol: a Hello handshake, then streamed
// rate batches plus request/response traffic for queries, diagnostics,
// and retention changes. The surface is deliberately local: non-loopback
// listen addresses are refused outright.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/feed"
	"github.com/netpulse/netpulse/internal/logging"
	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/query"
	"github.com/netpulse/netpulse/internal/wire"
)

var log = logging.Component("server")

const (
	// DefaultAuthTimeout bounds the handshake. A connection that has not
	// completed Hello by then is dropped.
	DefaultAuthTimeout = 10 * time.Second

	// DefaultSendBuffer is the per-session reply buffer.
	DefaultSendBuffer = 32

	// DefaultStreamBuffer is the per-session rate batch buffer.
	DefaultStreamBuffer = 8

	// Failed handshakes per IP before the listener stops talking to it.
	authFailureLimit  = 5
	authFailureWindow = time.Minute

	// How long send waits on a full reply buffer before dropping.
	sendTimeout = time.Second
)

// Querier runs range queries for sessions.
type Querier interface {
	Query(ctx context.Context, req query.Request) (*query.Result, error)
}

// RetentionStore applies retention changes. Nil when the store never
// opened; sessions then get a store-unavailable error.
type RetentionStore interface {
	SetRetention(ctx context.Context, policy model.RetentionPolicy, grace time.Duration, nowMs int64) (pending bool, effectiveAtMs int64, err error)
}

// StatsSource produces the daemon diagnostics snapshot.
type StatsSource interface {
	Snapshot() *wire.StatsResponse
}

// Config holds the server's dependencies and tuning.
type Config struct {
	// Listen is the TCP listen address. Must resolve to loopback.
	Listen string

	// Token is the shared auth token. Empty disables auth; the
	// handshake itself stays mandatory.
	Token string

	// Engine answers queries (required).
	Engine Querier

	// Hub streams rate batches (required).
	Hub *feed.Hub

	// Retention applies policy changes (nil when the store is down).
	Retention RetentionStore

	// RetentionGrace is the undo window forwarded to the store.
	RetentionGrace time.Duration

	// Stats builds diagnostics replies (optional).
	Stats StatsSource

	// ServerVersion is reported in HelloAck.
	ServerVersion string

	// AuthTimeout overrides DefaultAuthTimeout when positive.
	AuthTimeout time.Duration
}

// =============================================================================
// Rate limiter for failed handshakes
// =============================================================================

// rateLimiter counts failed handshake attempts per IP inside a sliding
// window. Successful handshakes reset the counter. Entries expire
// passively; there is no sweeper goroutine, the map is pruned whenever
// it grows past a handful of peers.
type rateLimiter struct {
	mu       sync.Mutex
	failures map[string]*limitEntry
	limit    int
	window   time.Duration
}

type limitEntry struct {
	count     int
	resetTime time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		failures: make(map[string]*limitEntry),
		limit:    limit,
		window:   window,
	}
}

// isBlocked reports whether the IP has exceeded the failure limit.
// Called before the handshake is attempted.
func (rl *rateLimiter) isBlocked(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.failures[ip]
	if !ok || time.Now().After(entry.resetTime) {
		return false
	}
	return entry.count >= rl.limit
}

// recordFailure counts one failed handshake.
func (rl *rateLimiter) recordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if len(rl.failures) > 16 {
		for k, e := range rl.failures {
			if now.After(e.resetTime) {
				delete(rl.failures, k)
			}
		}
	}

	entry, ok := rl.failures[ip]
	if !ok || now.After(entry.resetTime) {
		rl.failures[ip] = &limitEntry{count: 1, resetTime: now.Add(rl.window)}
		return
	}
	entry.count++
}

// reset clears the counter after a successful handshake.
func (rl *rateLimiter) reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// failureCount returns the live count for an IP.
func (rl *rateLimiter) failureCount(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.failures[ip]
	if !ok || time.Now().After(entry.resetTime) {
		return 0
	}
	return entry.count
}

// =============================================================================
// Server
// =============================================================================

// Server accepts feed connections and runs one session per connection.
type Server struct {
	cfg     Config
	limiter *rateLimiter

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[uint64]*session
	nextID   uint64

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a server. Start opens the listener.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: %w: engine", errors.ErrMissingField)
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("server: %w: hub", errors.ErrMissingField)
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		limiter:  newRateLimiter(authFailureLimit, authFailureWindow),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uint64]*session),
		shutdown: make(chan struct{}),
	}, nil
}

// Start opens the listener and begins accepting connections.
func (s *Server) Start() error {
	if err := requireLoopback(s.cfg.Listen); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.ln = ln

	log.Info("feed listening", "address", ln.Addr().String(), "auth", s.cfg.Token != "")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, useful when the configured
// port was 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Sessions returns the number of established sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop closes the listener and all sessions, then waits for their
// goroutines.
func (s *Server) Stop() {
	select {
	case <-s.shutdown:
		return
	default:
	}
	close(s.shutdown)
	s.cancel()

	if s.ln != nil {
		s.ln.Close()
	}

	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.close()
	}

	s.wg.Wait()
	log.Info("feed stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Error("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	remote := conn.RemoteAddr().String()
	ip := extractIP(remote)

	if s.limiter.isBlocked(ip) {
		log.Warn("connection refused, too many failed handshakes", "remote", remote)
		conn.Close()
		return
	}

	sess := s.newSession(conn, remote)
	s.register(sess)
	defer s.unregister(sess)
	defer sess.close()

	if !s.handshake(sess, ip) {
		return
	}

	sess.sub = s.cfg.Hub.Subscribe(DefaultStreamBuffer)
	go sess.writeLoop()

	for {
		env, err := sess.wc.Read()
		if err != nil {
			if err != io.EOF && !s.closing() {
				log.Debug("session read error", "session_id", sess.id, "error", err)
			}
			break
		}
		sess.handle(env)
	}

	sess.close()
	<-sess.done
	log.Info("session closed", "session_id", sess.id, "remote", remote)
}

// handshake runs the Hello exchange under a deadline. It writes its own
// error envelopes and reports whether the session may proceed.
func (s *Server) handshake(sess *session, ip string) bool {
	sess.conn.SetDeadline(time.Now().Add(s.cfg.AuthTimeout))

	env, err := sess.wc.Read()
	if err != nil {
		log.Debug("handshake read failed", "remote", sess.remote, "error", err)
		return false
	}

	if env.Kind != wire.KindHello {
		s.limiter.recordFailure(ip)
		sess.wc.Write(wire.NewError(env.ID, errors.CodeNotAuthenticated, "first message must be hello"))
		return false
	}

	hello, err := wire.UnmarshalHello(env.Payload)
	if err != nil {
		s.limiter.recordFailure(ip)
		sess.wc.Write(wire.NewError(env.ID, errors.CodeInvalidRequest, err.Error()))
		return false
	}

	if hello.ProtoVersion > wire.ProtocolVersion {
		sess.wc.Write(wire.NewErrorf(env.ID, errors.CodeInvalidRequest,
			"protocol version %d not supported", hello.ProtoVersion))
		return false
	}

	if s.cfg.Token != "" && hello.Token != s.cfg.Token {
		s.limiter.recordFailure(ip)
		sess.wc.Write(wire.NewError(env.ID, errors.CodeAuthFailed, "invalid token"))
		log.Warn("handshake auth failed", "remote", sess.remote,
			"failures", s.limiter.failureCount(ip))
		return false
	}
	s.limiter.reset(ip)

	sess.conn.SetDeadline(time.Time{})

	ack := &wire.HelloAck{ServerVersion: s.cfg.ServerVersion, ProtoVersion: wire.ProtocolVersion}
	if err := sess.wc.Write(&wire.Envelope{ID: env.ID, Kind: wire.KindHelloAck, Payload: ack.Marshal()}); err != nil {
		log.Debug("hello ack write failed", "remote", sess.remote, "error", err)
		return false
	}

	log.Info("session established", "session_id", sess.id, "remote", sess.remote, "client", hello.Client)
	return true
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

func (s *Server) closing() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// requireLoopback rejects listen addresses that would expose the feed
// beyond the local machine.
func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %v: %w", addr, err, errors.ErrInvalidConfig)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("listen address %q is not loopback: %w", addr, errors.ErrInvalidConfig)
	}
	return nil
}

// extractIP strips the port from a remote address.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
