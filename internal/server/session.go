package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/feed"
	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/query"
	"github.com/netpulse/netpulse/internal/wire"
)

// session is one authenticated feed connection. The read loop lives in
// Server.handleConn; a single writer goroutine owns the socket's write
// side, fed by the reply buffer and the rate stream.
type session struct {
	id     uint64
	remote string
	conn   net.Conn
	wc     *wire.Conn
	srv    *Server

	sendMu sync.RWMutex
	sendCh chan *wire.Envelope

	sub *feed.Subscription

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (s *Server) newSession(conn net.Conn, remote string) *session {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	return &session{
		id:     id,
		remote: remote,
		conn:   conn,
		wc:     wire.NewConn(conn),
		srv:    s,
		sendCh: make(chan *wire.Envelope, DefaultSendBuffer),
		done:   make(chan struct{}),
	}
}

// writeLoop drains replies and the rate stream into the socket until
// the reply channel closes. Closing the subscription only silences the
// stream; the session stays up for request traffic.
func (sess *session) writeLoop() {
	defer close(sess.done)

	sendCh := sess.sendCh
	var stream <-chan []model.RateUpdate
	if sess.sub != nil {
		stream = sess.sub.C()
	}

	for {
		select {
		case env, ok := <-sendCh:
			if !ok {
				return
			}
			if err := sess.wc.Write(env); err != nil {
				log.Debug("write failed, closing session", "session_id", sess.id, "error", err)
				sess.close()
				return
			}
		case batch, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			rb := wire.RateBatch{Updates: batch}
			env := &wire.Envelope{Kind: wire.KindRateBatch, Payload: rb.Marshal()}
			if err := sess.wc.Write(env); err != nil {
				log.Debug("stream write failed, closing session", "session_id", sess.id, "error", err)
				sess.close()
				return
			}
		}
	}
}

// send queues a reply for the writer. Returns false if the session is
// closed or the buffer stayed full past the timeout.
func (sess *session) send(env *wire.Envelope) bool {
	if sess.closed.Load() {
		return false
	}

	sess.sendMu.RLock()
	defer sess.sendMu.RUnlock()
	if sess.sendCh == nil {
		return false
	}

	select {
	case sess.sendCh <- env:
		return true
	default:
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case sess.sendCh <- env:
		return true
	case <-timer.C:
		log.Warn("reply buffer full, dropping", "session_id", sess.id, "kind", env.Kind.String())
		return false
	}
}

// close tears the session down. Idempotent and safe from both the read
// and write sides.
func (sess *session) close() {
	sess.closeOnce.Do(func() {
		sess.closed.Store(true)

		if sess.sub != nil {
			sess.srv.cfg.Hub.Unsubscribe(sess.sub)
		}

		sess.sendMu.Lock()
		if sess.sendCh != nil {
			close(sess.sendCh)
			sess.sendCh = nil
		}
		sess.sendMu.Unlock()

		sess.conn.Close()
	})
}

// =============================================================================
// Dispatch
// =============================================================================

func (sess *session) handle(env *wire.Envelope) {
	switch env.Kind {
	case wire.KindPing:
		sess.send(&wire.Envelope{ID: env.ID, Kind: wire.KindPong})
	case wire.KindQueryRequest:
		sess.handleQuery(env)
	case wire.KindStatsRequest:
		sess.handleStats(env)
	case wire.KindSetRetention:
		sess.handleSetRetention(env)
	case wire.KindHello:
		sess.send(wire.NewError(env.ID, errors.CodeInvalidRequest, "already authenticated"))
	default:
		sess.send(wire.NewErrorf(env.ID, errors.CodeInvalidRequest,
			"unsupported message kind %s", env.Kind))
	}
}

func (sess *session) handleQuery(env *wire.Envelope) {
	req, err := wire.UnmarshalQueryRequest(env.Payload)
	if err != nil {
		sess.send(wire.NewError(env.ID, errors.CodeInvalidRequest, err.Error()))
		return
	}

	res, err := sess.srv.cfg.Engine.Query(sess.srv.ctx, query.Request{
		StartMs:   req.StartMs,
		EndMs:     req.EndMs,
		Filter:    req.Filter,
		MaxPoints: req.MaxPoints,
		ForceTier: req.ForceTier,
	})
	if err != nil {
		sess.send(wire.NewErrorFromErr(env.ID, err))
		return
	}

	resp := wire.QueryResponse{
		StartMs:     res.StartMs,
		EndMs:       res.EndMs,
		Tier:        res.Tier,
		Downsampled: res.Downsampled,
		LiveOnly:    res.LiveOnly,
		Points:      res.Points,
		Stats:       res.Stats,
		Markers:     res.Markers,
	}
	sess.send(&wire.Envelope{ID: env.ID, Kind: wire.KindQueryResponse, Payload: resp.Marshal()})
}

func (sess *session) handleStats(env *wire.Envelope) {
	if sess.srv.cfg.Stats == nil {
		sess.send(wire.NewError(env.ID, errors.CodeInternal, "stats source not configured"))
		return
	}
	snap := sess.srv.cfg.Stats.Snapshot()
	sess.send(&wire.Envelope{ID: env.ID, Kind: wire.KindStatsResponse, Payload: snap.Marshal()})
}

func (sess *session) handleSetRetention(env *wire.Envelope) {
	if sess.srv.cfg.Retention == nil {
		sess.send(wire.NewError(env.ID, errors.CodeStoreUnavailable, "store unavailable"))
		return
	}

	msg, err := wire.UnmarshalSetRetention(env.Payload)
	if err != nil {
		sess.send(wire.NewError(env.ID, errors.CodeInvalidRequest, err.Error()))
		return
	}
	if msg.RawTTLMs <= 0 || msg.MinuteTTLMs <= 0 || msg.HourTTLMs <= 0 {
		sess.send(wire.NewError(env.ID, errors.CodeInvalidRequest, "retention TTLs must be positive"))
		return
	}

	policy := model.RetentionPolicy{
		RawTTL:    time.Duration(msg.RawTTLMs) * time.Millisecond,
		MinuteTTL: time.Duration(msg.MinuteTTLMs) * time.Millisecond,
		HourTTL:   time.Duration(msg.HourTTLMs) * time.Millisecond,
	}
	pending, effAt, err := sess.srv.cfg.Retention.SetRetention(
		sess.srv.ctx, policy, sess.srv.cfg.RetentionGrace, time.Now().UnixMilli())
	if err != nil {
		sess.send(wire.NewErrorFromErr(env.ID, err))
		return
	}

	ack := wire.Ack{Message: "retention updated", Pending: pending, EffectiveAtMs: effAt}
	if pending {
		ack.Message = "retention change pending"
	}
	sess.send(&wire.Envelope{ID: env.ID, Kind: wire.KindAck, Payload: ack.Marshal()})
}
