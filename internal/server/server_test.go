package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/feed"
	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/query"
	"github.com/netpulse/netpulse/internal/testutil"
	"github.com/netpulse/netpulse/internal/wire"
)

type fakeQuerier struct {
	lastReq query.Request
	res     *query.Result
	err     error
}

func (f *fakeQuerier) Query(ctx context.Context, req query.Request) (*query.Result, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeRetention struct {
	policy  model.RetentionPolicy
	grace   time.Duration
	pending bool
	effAt   int64
	err     error
}

func (f *fakeRetention) SetRetention(ctx context.Context, policy model.RetentionPolicy, grace time.Duration, nowMs int64) (bool, int64, error) {
	f.policy = policy
	f.grace = grace
	if f.err != nil {
		return false, 0, f.err
	}
	return f.pending, f.effAt, nil
}

type fakeStats struct {
	snap wire.StatsResponse
}

func (f *fakeStats) Snapshot() *wire.StatsResponse {
	s := f.snap
	return &s
}

func startServer(t *testing.T, mutate func(*Config)) (*Server, string) {
	t.Helper()

	cfg := Config{
		Listen:        "127.0.0.1:0",
		Engine:        &fakeQuerier{res: &query.Result{}},
		Hub:           feed.NewHub(),
		ServerVersion: "netpulsed/test",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, srv.Addr().String()
}

func dial(t *testing.T, addr string) (net.Conn, *wire.Conn) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, wire.NewConn(conn)
}

func hello(t *testing.T, wc *wire.Conn, token string) *wire.Envelope {
	t.Helper()
	h := wire.Hello{Token: token, Client: "test", ProtoVersion: wire.ProtocolVersion}
	if err := wc.Write(&wire.Envelope{ID: 1, Kind: wire.KindHello, Payload: h.Marshal()}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read handshake reply: %v", err)
	}
	return env
}

func establish(t *testing.T, addr, token string) (net.Conn, *wire.Conn) {
	t.Helper()
	conn, wc := dial(t, addr)
	env := hello(t, wc, token)
	if env.Kind != wire.KindHelloAck {
		t.Fatalf("expected HelloAck, got %s", env.Kind)
	}
	return conn, wc
}

func wireError(t *testing.T, env *wire.Envelope) *wire.ErrorMsg {
	t.Helper()
	if env.Kind != wire.KindError {
		t.Fatalf("expected Error envelope, got %s", env.Kind)
	}
	msg, err := wire.UnmarshalErrorMsg(env.Payload)
	if err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return msg
}

func TestHandshakeAndPing(t *testing.T) {
	_, addr := startServer(t, nil)
	_, wc := dial(t, addr)

	env := hello(t, wc, "")
	if env.Kind != wire.KindHelloAck || env.ID != 1 {
		t.Fatalf("handshake reply: kind=%s id=%d", env.Kind, env.ID)
	}
	ack, err := wire.UnmarshalHelloAck(env.Payload)
	if err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.ProtoVersion != wire.ProtocolVersion || ack.ServerVersion != "netpulsed/test" {
		t.Errorf("ack: %+v", ack)
	}

	if err := wc.Write(&wire.Envelope{ID: 7, Kind: wire.KindPing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	env, err = wc.Read()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if env.Kind != wire.KindPong || env.ID != 7 {
		t.Errorf("expected pong id=7, got %s id=%d", env.Kind, env.ID)
	}
}

func TestTokenAuth(t *testing.T) {
	_, addr := startServer(t, func(c *Config) { c.Token = "s3cret" })

	_, wc := dial(t, addr)
	env := hello(t, wc, "wrong")
	if msg := wireError(t, env); msg.Code != errors.CodeAuthFailed {
		t.Errorf("code: got %d, want %d", msg.Code, errors.CodeAuthFailed)
	}

	establish(t, addr, "s3cret")
}

func TestFirstMessageMustBeHello(t *testing.T) {
	_, addr := startServer(t, nil)
	_, wc := dial(t, addr)

	if err := wc.Write(&wire.Envelope{ID: 2, Kind: wire.KindPing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg := wireError(t, env); msg.Code != errors.CodeNotAuthenticated {
		t.Errorf("code: got %d, want %d", msg.Code, errors.CodeNotAuthenticated)
	}
}

func TestFailedHandshakesGetBlocked(t *testing.T) {
	_, addr := startServer(t, func(c *Config) { c.Token = "s3cret" })

	for i := 0; i < authFailureLimit; i++ {
		conn, wc := dial(t, addr)
		hello(t, wc, "wrong")
		conn.Close()
	}

	// The limiter now rejects before the handshake: the connection is
	// closed without any reply.
	conn, wc := dial(t, addr)
	h := wire.Hello{Token: "s3cret", Client: "test", ProtoVersion: wire.ProtocolVersion}
	wc.Write(&wire.Envelope{ID: 1, Kind: wire.KindHello, Payload: h.Marshal()})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := wc.Read(); err == nil {
		t.Error("blocked IP still got a handshake reply")
	}
}

func TestQueryRoundTrip(t *testing.T) {
	forced := model.TierMinute
	eng := &fakeQuerier{res: &query.Result{
		StartMs: 1000,
		EndMs:   121_000,
		Tier:    model.TierMinute,
		Points: []model.Point{
			{StartMs: 0, EndMs: 60_000, BytesDown: 600, BytesUp: 60, DownMaxBps: 10, UpMaxBps: 1},
			{StartMs: 60_000, EndMs: 120_000, BytesDown: 1200, BytesUp: 120, DownMaxBps: 20, UpMaxBps: 2},
		},
		Stats: model.RangeStats{TotalDown: 1800, TotalUp: 180, PeakDownBps: 20, PeakUpBps: 2, SampleCount: 2},
	}}
	_, addr := startServer(t, func(c *Config) { c.Engine = eng })
	_, wc := establish(t, addr, "")

	req := wire.QueryRequest{
		StartMs:   1000,
		EndMs:     121_000,
		Filter:    model.SelectedInterfaces("eth0"),
		MaxPoints: 100,
		ForceTier: &forced,
	}
	if err := wc.Write(&wire.Envelope{ID: 11, Kind: wire.KindQueryRequest, Payload: req.Marshal()}); err != nil {
		t.Fatalf("write query: %v", err)
	}

	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if env.Kind != wire.KindQueryResponse || env.ID != 11 {
		t.Fatalf("got %s id=%d", env.Kind, env.ID)
	}
	resp, err := wire.UnmarshalQueryResponse(env.Payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Points) != 2 || resp.Points[1].BytesDown != 1200 {
		t.Errorf("points: %+v", resp.Points)
	}
	if resp.Stats.TotalDown != 1800 {
		t.Errorf("stats: %+v", resp.Stats)
	}

	// The engine saw the decoded request, filter and tier included.
	if eng.lastReq.Filter.Mode != model.FilterSelected || len(eng.lastReq.Filter.IDs) != 1 {
		t.Errorf("engine filter: %+v", eng.lastReq.Filter)
	}
	if eng.lastReq.ForceTier == nil || *eng.lastReq.ForceTier != model.TierMinute {
		t.Errorf("engine force tier: %v", eng.lastReq.ForceTier)
	}
	if eng.lastReq.MaxPoints != 100 {
		t.Errorf("engine max points: %d", eng.lastReq.MaxPoints)
	}
}

func TestQueryErrorBecomesErrorEnvelope(t *testing.T) {
	eng := &fakeQuerier{err: errors.ErrInterfaceNotFound}
	_, addr := startServer(t, func(c *Config) { c.Engine = eng })
	_, wc := establish(t, addr, "")

	req := wire.QueryRequest{StartMs: 0, EndMs: 1000, Filter: model.SingleInterface("nope")}
	wc.Write(&wire.Envelope{ID: 4, Kind: wire.KindQueryRequest, Payload: req.Marshal()})

	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.ID != 4 {
		t.Errorf("id: %d", env.ID)
	}
	if msg := wireError(t, env); msg.Code != errors.CodeNotFound {
		t.Errorf("code: got %d, want %d", msg.Code, errors.CodeNotFound)
	}
}

func TestRateStreaming(t *testing.T) {
	hub := feed.NewHub()
	_, addr := startServer(t, func(c *Config) { c.Hub = hub })
	_, wc := establish(t, addr, "")

	// The session subscribes just after the ack goes out.
	if err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		return hub.Subscribers() == 1
	}); err != nil {
		t.Fatalf("session never subscribed: %v", err)
	}

	hub.Publish([]model.RateUpdate{
		{InterfaceID: "eth0", TsMs: 5000, DownBps: 1024, UpBps: 128},
		{InterfaceID: "wlan0", TsMs: 5000, DownBps: 0, UpBps: 0},
	})

	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if env.Kind != wire.KindRateBatch || env.ID != 0 {
		t.Fatalf("got %s id=%d", env.Kind, env.ID)
	}
	batch, err := wire.UnmarshalRateBatch(env.Payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(batch.Updates) != 2 || batch.Updates[0].DownBps != 1024 {
		t.Errorf("batch: %+v", batch.Updates)
	}
}

func TestStatsRequest(t *testing.T) {
	src := &fakeStats{snap: wire.StatsResponse{SamplerTicks: 42, StoreOK: true,
		Tiers: []wire.TierStat{{Tier: model.TierRaw, Rows: 10}}}}
	_, addr := startServer(t, func(c *Config) { c.Stats = src })
	_, wc := establish(t, addr, "")

	wc.Write(&wire.Envelope{ID: 3, Kind: wire.KindStatsRequest})
	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Kind != wire.KindStatsResponse || env.ID != 3 {
		t.Fatalf("got %s id=%d", env.Kind, env.ID)
	}
	snap, err := wire.UnmarshalStatsResponse(env.Payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.SamplerTicks != 42 || !snap.StoreOK || len(snap.Tiers) != 1 {
		t.Errorf("snapshot: %+v", snap)
	}
}

func TestStatsWithoutSource(t *testing.T) {
	_, addr := startServer(t, nil)
	_, wc := establish(t, addr, "")

	wc.Write(&wire.Envelope{ID: 5, Kind: wire.KindStatsRequest})
	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg := wireError(t, env); msg.Code != errors.CodeInternal {
		t.Errorf("code: %d", msg.Code)
	}
}

func TestSetRetention(t *testing.T) {
	ret := &fakeRetention{pending: true, effAt: 99_000}
	_, addr := startServer(t, func(c *Config) {
		c.Retention = ret
		c.RetentionGrace = 48 * time.Hour
	})
	_, wc := establish(t, addr, "")

	msg := wire.SetRetention{
		RawTTLMs:    (24 * time.Hour).Milliseconds(),
		MinuteTTLMs: (7 * 24 * time.Hour).Milliseconds(),
		HourTTLMs:   (90 * 24 * time.Hour).Milliseconds(),
	}
	wc.Write(&wire.Envelope{ID: 8, Kind: wire.KindSetRetention, Payload: msg.Marshal()})

	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Kind != wire.KindAck || env.ID != 8 {
		t.Fatalf("got %s id=%d", env.Kind, env.ID)
	}
	ack, err := wire.UnmarshalAck(env.Payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !ack.Pending || ack.EffectiveAtMs != 99_000 {
		t.Errorf("ack: %+v", ack)
	}

	if ret.policy.RawTTL != 24*time.Hour || ret.grace != 48*time.Hour {
		t.Errorf("store saw policy=%+v grace=%v", ret.policy, ret.grace)
	}
}

func TestSetRetentionValidation(t *testing.T) {
	ret := &fakeRetention{}
	_, addr := startServer(t, func(c *Config) { c.Retention = ret })
	_, wc := establish(t, addr, "")

	msg := wire.SetRetention{RawTTLMs: 0, MinuteTTLMs: 1000, HourTTLMs: 1000}
	wc.Write(&wire.Envelope{ID: 9, Kind: wire.KindSetRetention, Payload: msg.Marshal()})

	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m := wireError(t, env); m.Code != errors.CodeInvalidRequest {
		t.Errorf("code: %d", m.Code)
	}
}

func TestSetRetentionWithoutStore(t *testing.T) {
	_, addr := startServer(t, nil)
	_, wc := establish(t, addr, "")

	msg := wire.SetRetention{RawTTLMs: 1000, MinuteTTLMs: 1000, HourTTLMs: 1000}
	wc.Write(&wire.Envelope{ID: 6, Kind: wire.KindSetRetention, Payload: msg.Marshal()})

	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m := wireError(t, env); m.Code != errors.CodeStoreUnavailable {
		t.Errorf("code: %d", m.Code)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	_, addr := startServer(t, nil)
	_, wc := establish(t, addr, "")

	wc.Write(&wire.Envelope{ID: 12, Kind: wire.Kind(77)})
	env, err := wc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m := wireError(t, env); m.Code != errors.CodeInvalidRequest {
		t.Errorf("code: %d", m.Code)
	}
}

func TestStopClosesSessions(t *testing.T) {
	srv, addr := startServer(t, nil)
	conn, wc := establish(t, addr, "")

	if srv.Sessions() != 1 {
		t.Fatalf("sessions = %d, want 1", srv.Sessions())
	}

	srv.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := wc.Read(); err == nil {
		t.Error("session still readable after stop")
	}
	if srv.Sessions() != 0 {
		t.Errorf("sessions = %d after stop", srv.Sessions())
	}
}

func TestRequireLoopback(t *testing.T) {
	tests := []struct {
		addr string
		ok   bool
	}{
		{"127.0.0.1:9338", true},
		{"127.0.0.1:0", true},
		{"localhost:9338", true},
		{"[::1]:9338", true},
		{"0.0.0.0:9338", false},
		{"192.168.1.5:9338", false},
		{":9338", false},
		{"no-port", false},
	}
	for _, tt := range tests {
		err := requireLoopback(tt.addr)
		if tt.ok && err != nil {
			t.Errorf("%q: unexpected error %v", tt.addr, err)
		}
		if !tt.ok && !errors.Is(err, errors.ErrInvalidConfig) {
			t.Errorf("%q: expected ErrInvalidConfig, got %v", tt.addr, err)
		}
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := newRateLimiter(2, 50*time.Millisecond)

	rl.recordFailure("10.0.0.1")
	if rl.isBlocked("10.0.0.1") {
		t.Error("blocked below the limit")
	}
	rl.recordFailure("10.0.0.1")
	if !rl.isBlocked("10.0.0.1") {
		t.Error("not blocked at the limit")
	}

	// Other IPs are unaffected, reset clears, windows expire.
	if rl.isBlocked("10.0.0.2") {
		t.Error("unrelated IP blocked")
	}
	rl.reset("10.0.0.1")
	if rl.isBlocked("10.0.0.1") {
		t.Error("still blocked after reset")
	}

	rl.recordFailure("10.0.0.3")
	rl.recordFailure("10.0.0.3")
	time.Sleep(60 * time.Millisecond)
	if rl.isBlocked("10.0.0.3") {
		t.Error("block outlived its window")
	}
	if rl.failureCount("10.0.0.3") != 0 {
		t.Errorf("expired count = %d", rl.failureCount("10.0.0.3"))
	}
}
