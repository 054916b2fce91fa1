package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-mirror/internal/cache"
	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/observability"
	"github.com/tbourn/go-chat-mirror/internal/queue"
)

// ---- fakes ----

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c    *fakeClock
	at   time.Time
	f    func()
	done bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers outside the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type fakeSocket struct {
	url    string
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	written   []Frame
	closeCode int
	peerCode  int
}

func newFakeSocket(url string) *fakeSocket {
	return &fakeSocket{url: url, in: make(chan []byte), closed: make(chan struct{})}
}

func (s *fakeSocket) Read() ([]byte, error) {
	select {
	case b := <-s.in:
		return b, nil
	case <-s.closed:
		s.mu.Lock()
		defer s.mu.Unlock()
		code := s.peerCode
		if code == 0 {
			code = s.closeCode
		}
		return nil, &CloseError{Code: code}
	}
}

func (s *fakeSocket) Write(b []byte) error {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	s.mu.Lock()
	s.written = append(s.written, f)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close(code int, _ string) error {
	s.mu.Lock()
	if s.closeCode == 0 && s.peerCode == 0 {
		s.closeCode = code
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

// serverClose simulates the peer closing with code.
func (s *fakeSocket) serverClose(code int) {
	s.mu.Lock()
	s.peerCode = code
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
}

func (s *fakeSocket) push(t *testing.T, op Opcode, d any, seq int64, name string) {
	t.Helper()
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f := Frame{Op: op, D: raw, T: name}
	if seq > 0 {
		f.S = &seq
	}
	b, _ := json.Marshal(f)
	select {
	case s.in <- b:
	case <-s.closed:
		t.Fatalf("push %s on closed socket", op)
	case <-time.After(2 * time.Second):
		t.Fatalf("push %s: reader not consuming", op)
	}
}

func (s *fakeSocket) frames(op Opcode) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, f := range s.written {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSocket) closedWith() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

type fakeDialer struct {
	mu    sync.Mutex
	socks []*fakeSocket
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newFakeSocket(url)
	d.socks = append(d.socks, s)
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.socks)
}

func (d *fakeDialer) sock(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socks[i]
}

type fakeHost struct {
	cache *cache.Cache
	queue *queue.Queue

	mu         sync.Mutex
	identified []domain.User
	rejected   int
}

func newFakeHost() *fakeHost {
	nop := zerolog.Nop()
	return &fakeHost{cache: cache.New("chat.example.test", cache.WithLogger(nop)), queue: queue.New("chat.example.test")}
}

func (h *fakeHost) Domain() string { return "chat.example.test" }
func (h *fakeHost) GatewayURL(context.Context) (string, error) {
	return "wss://gateway.example.test", nil
}
func (h *fakeHost) Cache() *cache.Cache { return h.cache }
func (h *fakeHost) Queue() *queue.Queue { return h.queue }
func (h *fakeHost) Identified(_ *Connection, me domain.User) {
	h.mu.Lock()
	h.identified = append(h.identified, me)
	h.mu.Unlock()
}
func (h *fakeHost) CredentialRejected(*Connection) {
	h.mu.Lock()
	h.rejected++
	h.mu.Unlock()
}

// ---- helpers ----

type harness struct {
	t      *testing.T
	host   *fakeHost
	dialer *fakeDialer
	clock  *fakeClock
	conn   *Connection
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	nop := zerolog.Nop()
	h := &harness{t: t, host: newFakeHost(), dialer: &fakeDialer{}, clock: newFakeClock()}
	h.conn = New(h.host, "secret-token", Options{
		Dialer:   h.dialer,
		Clock:    h.clock,
		Backoff:  &backoff.ZeroBackOff{},
		Identify: IdentifyProperties{OS: "linux", Browser: "test", Device: "test"},
		Logger:   &nop,
		Jitter:   func(d time.Duration) time.Duration { return d / 2 },
	})
	h.conn.Start(context.Background())
	t.Cleanup(h.conn.Stop)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitSock(i int) *fakeSocket {
	h.t.Helper()
	waitFor(h.t, "dial", func() bool { return h.dialer.count() > i })
	return h.dialer.sock(i)
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	waitFor(h.t, "state "+s.String(), func() bool { return h.conn.Status().State == s })
}

func (h *harness) waitFrames(s *fakeSocket, op Opcode, n int) []Frame {
	h.t.Helper()
	waitFor(h.t, op.String()+" frame", func() bool { return len(s.frames(op)) >= n })
	return s.frames(op)
}

var readyPayload = map[string]any{
	"v":                  9,
	"session_id":         "sess-1",
	"resume_gateway_url": "wss://resume.example.test",
	"user":               map[string]any{"id": "1", "username": "me"},
	"guilds":             []any{},
	"users":              []any{map[string]any{"id": "2", "username": "bob"}},
	"private_channels": []any{
		map[string]any{"id": "10", "type": 1, "recipients": []any{map[string]any{"id": "2", "username": "bob"}}},
	},
}

// identifyAndReady drives a fresh socket to Active.
func (h *harness) identifyAndReady(s *fakeSocket) {
	h.t.Helper()
	s.push(h.t, OpHello, map[string]any{"heartbeat_interval": 1000}, 0, "")
	h.waitFrames(s, OpIdentify, 1)
	s.push(h.t, OpDispatch, readyPayload, 1, EventReady)
	h.waitState(StateActive)
}

// ---- tests ----

func TestConnect_IdentifiesAfterHello(t *testing.T) {
	h := newHarness(t)
	h.conn.Connect(true)

	s := h.waitSock(0)
	if s.url != "wss://gateway.example.test?encoding=json&v=9" {
		t.Fatalf("url: %s", s.url)
	}
	h.waitState(StateAwaitingHello)
	if n := len(s.frames(OpResume)); n != 0 {
		t.Fatalf("resume sent without a session")
	}

	h.identifyAndReady(s)

	var id identifyData
	if err := json.Unmarshal(h.waitFrames(s, OpIdentify, 1)[0].D, &id); err != nil {
		t.Fatalf("identify: %v", err)
	}
	if id.Token != "secret-token" || id.Properties.OS != "linux" || id.Presence.Status != "online" || id.Compress {
		t.Fatalf("identify payload: %+v", id)
	}

	st := h.conn.Status()
	if st.SessionID != "sess-1" || st.Seq != 1 || st.UserID != 1 || st.ResumeURL != "wss://resume.example.test" {
		t.Fatalf("status after READY: %+v", st)
	}
	h.host.mu.Lock()
	n := len(h.host.identified)
	h.host.mu.Unlock()
	if n != 1 {
		t.Fatalf("Identified calls = %d", n)
	}
	h.host.cache.View(func(v *cache.View) {
		if _, ok := v.User(2); !ok {
			t.Fatalf("READY users not cached")
		}
		if ch, ok := v.PrivateChannel(10); !ok || !ch.IsPrivate() {
			t.Fatalf("READY private channel not cached")
		}
	})
}

func TestHeartbeat_AckKeepsSessionActive(t *testing.T) {
	h := newHarness(t)
	h.conn.Connect(false)
	s := h.waitSock(0)
	h.identifyAndReady(s)

	h.clock.Advance(500 * time.Millisecond)
	beats := h.waitFrames(s, OpHeartbeat, 1)
	if string(beats[0].D) != "1" {
		t.Fatalf("heartbeat seq = %s", beats[0].D)
	}
	s.push(t, OpHeartbeatAck, nil, 0, "")
	waitFor(t, "ack", func() bool { return !h.conn.Status().LastAck.IsZero() })

	h.clock.Advance(time.Second)
	h.waitFrames(s, OpHeartbeat, 2)
	if h.dialer.count() != 1 || h.conn.Status().State != StateActive {
		t.Fatalf("acked connection should stay up: dials=%d state=%s", h.dialer.count(), h.conn.Status().State)
	}
}

func TestHeartbeat_MissedAckClosesAndResumes(t *testing.T) {
	before := testutil.ToFloat64(observability.GatewayHeartbeatTimeouts)

	h := newHarness(t)
	h.conn.Connect(false)
	s := h.waitSock(0)
	h.identifyAndReady(s)

	h.clock.Advance(500 * time.Millisecond)
	h.waitFrames(s, OpHeartbeat, 1)
	h.clock.Advance(time.Second) // no ack in between

	s2 := h.waitSock(1)
	if code := s.closedWith(); code != CloseHeartbeatTimeout {
		t.Fatalf("close code = %d, want %d", code, CloseHeartbeatTimeout)
	}
	if s2.url != "wss://resume.example.test?encoding=json&v=9" {
		t.Fatalf("resume url: %s", s2.url)
	}
	var r resumeData
	if err := json.Unmarshal(h.waitFrames(s2, OpResume, 1)[0].D, &r); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if r.Token != "secret-token" || r.SessionID != "sess-1" || r.Seq != 1 {
		t.Fatalf("resume payload: %+v", r)
	}
	if got := testutil.ToFloat64(observability.GatewayHeartbeatTimeouts) - before; got != 1 {
		t.Fatalf("timeouts counted = %v", got)
	}

	s2.push(t, OpHello, map[string]any{"heartbeat_interval": 1000}, 0, "")
	s2.push(t, OpDispatch, map[string]any{}, 2, EventResumed)
	h.waitState(StateActive)
	if n := len(s2.frames(OpIdentify)); n != 0 {
		t.Fatalf("identify sent on a resumed session")
	}
}

func TestAuthenticationFailed_IsTerminal(t *testing.T) {
	h := newHarness(t)
	h.conn.Connect(false)
	s := h.waitSock(0)
	s.push(t, OpHello, map[string]any{"heartbeat_interval": 1000}, 0, "")
	h.waitFrames(s, OpIdentify, 1)

	s.serverClose(CloseAuthenticationFailed)

	select {
	case <-h.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection did not stop")
	}
	if st := h.conn.Status().State; st != StateClosed {
		t.Fatalf("state = %s", st)
	}
	h.host.mu.Lock()
	rejected := h.host.rejected
	h.host.mu.Unlock()
	if rejected != 1 || h.dialer.count() != 1 {
		t.Fatalf("rejected=%d dials=%d", rejected, h.dialer.count())
	}
}

func TestInvalidSession_NotResumableIdentifiesAgain(t *testing.T) {
	h := newHarness(t)
	h.conn.Connect(false)
	s := h.waitSock(0)
	h.identifyAndReady(s)

	s.push(t, OpInvalidSession, false, 0, "")
	s2 := h.waitSock(1)
	if code := s.closedWith(); code != CloseReconnecting {
		t.Fatalf("close code = %d", code)
	}
	if s2.url != "wss://gateway.example.test?encoding=json&v=9" {
		t.Fatalf("fresh session should use the discovered gateway: %s", s2.url)
	}
	h.waitState(StateAwaitingHello)
	s2.push(t, OpHello, map[string]any{"heartbeat_interval": 1000}, 0, "")
	h.waitFrames(s2, OpIdentify, 1)
	if n := len(s2.frames(OpResume)); n != 0 {
		t.Fatalf("resume sent after non-resumable invalid session")
	}
	if st := h.conn.Status(); st.SessionID != "" {
		t.Fatalf("session kept: %+v", st)
	}
}

func TestReconnectOp_ResumesSession(t *testing.T) {
	h := newHarness(t)
	h.conn.Connect(false)
	s := h.waitSock(0)
	h.identifyAndReady(s)

	s.push(t, OpReconnect, nil, 0, "")
	s2 := h.waitSock(1)
	h.waitFrames(s2, OpResume, 1)
	if code := s.closedWith(); code != CloseReconnecting {
		t.Fatalf("close code = %d", code)
	}
	h.waitState(StateResuming)
}

func TestServerClose_ReconnectsWithResume(t *testing.T) {
	h := newHarness(t)
	h.conn.Connect(false)
	s := h.waitSock(0)
	h.identifyAndReady(s)

	s.serverClose(CloseAbnormal)
	s2 := h.waitSock(1)
	h.waitFrames(s2, OpResume, 1)
	if st := h.conn.Status(); st.Reconnects != 1 {
		t.Fatalf("reconnects = %d", st.Reconnects)
	}
}

func TestDisconnect_StopsReconnectsAndForgetsSessionOnNormalClose(t *testing.T) {
	h := newHarness(t)
	h.conn.Connect(false)
	s := h.waitSock(0)
	h.identifyAndReady(s)

	h.conn.Disconnect(CloseNormal, "bye")
	h.conn.Disconnect(CloseNormal, "bye")
	if st := h.conn.Status(); st.State != StateIdle || st.SessionID != "" {
		t.Fatalf("status after disconnect: %+v", st)
	}
	if code := s.closedWith(); code != CloseNormal {
		t.Fatalf("close code = %d", code)
	}
	time.Sleep(20 * time.Millisecond)
	if h.dialer.count() != 1 {
		t.Fatalf("disconnect must not reconnect, dials=%d", h.dialer.count())
	}

	h.conn.Connect(true)
	s2 := h.waitSock(1)
	s2.push(t, OpHello, map[string]any{"heartbeat_interval": 1000}, 0, "")
	h.waitFrames(s2, OpIdentify, 1)
}

func TestMessageCreate_CachesAndReconcilesQueue(t *testing.T) {
	h := newHarness(t)
	h.host.queue.Add(queue.Draft{ID: "nonce-1", ChannelID: 10, AuthorID: 1, Content: "hi"})

	h.conn.Connect(false)
	s := h.waitSock(0)
	h.identifyAndReady(s)

	other := testutil.ToFloat64(observability.GatewayDispatches.WithLabelValues("other"))
	s.push(t, OpDispatch, map[string]any{}, 2, "SOMETHING_NEW")
	s.push(t, OpDispatch, map[string]any{
		"id":         "100",
		"channel_id": "10",
		"content":    "hi",
		"nonce":      "nonce-1",
		"timestamp":  "2024-01-01T00:00:00Z",
		"author":     map[string]any{"id": "1", "username": "me"},
	}, 3, EventMessageCreate)

	waitFor(t, "queue reconciled", func() bool { return h.host.queue.Len() == 0 })
	h.host.cache.View(func(v *cache.View) {
		ch, ok := v.PrivateChannel(10)
		if !ok {
			t.Fatalf("channel missing")
		}
		m, ok := ch.Message(100)
		if !ok || m.Content != "hi" || m.Author == nil || m.Author.Username != "me" {
			t.Fatalf("message not cached: %+v", m)
		}
	})
	if got := testutil.ToFloat64(observability.GatewayDispatches.WithLabelValues("other")) - other; got != 1 {
		t.Fatalf("unknown dispatch counted %v times", got)
	}
	if st := h.conn.Status(); st.Seq != 3 {
		t.Fatalf("seq = %d", st.Seq)
	}
}

func TestGatewayURL(t *testing.T) {
	got, err := gatewayURL("https://gw.example.test/path?x=1", 9, "json")
	if err != nil || got != "wss://gw.example.test/path?encoding=json&v=9&x=1" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if _, err := gatewayURL("ftp://gw.example.test", 9, "json"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestGuildDelete_UnavailableThenCreateRebuilds(t *testing.T) {
	h := newHarness(t)
	h.conn.Connect(false)
	s := h.waitSock(0)
	h.identifyAndReady(s)

	s.push(t, OpDispatch, map[string]any{
		"id": "50", "name": "old", "channels": []map[string]any{{"id": "51", "name": "general"}},
	}, 2, EventGuildCreate)
	s.push(t, OpDispatch, map[string]any{"id": "50", "unavailable": true}, 3, EventGuildDelete)

	guildName := func() string {
		var name string
		h.host.cache.View(func(v *cache.View) {
			if g, ok := v.Guild(50); ok {
				name = g.Name
			}
		})
		return name
	}
	waitFor(t, "unavailable guild dropped", func() bool { return h.conn.Status().Seq == 3 && guildName() == "" })

	s.push(t, OpDispatch, map[string]any{
		"id": "50", "name": "new", "channels": []map[string]any{{"id": "52", "name": "lobby"}},
	}, 4, EventGuildCreate)
	waitFor(t, "guild rebuilt", func() bool { return guildName() == "new" })

	h.host.cache.View(func(v *cache.View) {
		g, ok := v.Guild(50)
		if !ok || g.Name != "new" {
			t.Fatalf("guild after return: %+v", g)
		}
		if _, ok := v.Channel(50, 52); !ok {
			t.Fatalf("new channel missing")
		}
		if _, ok := v.Channel(50, 51); ok {
			t.Fatalf("stale channel survived the outage")
		}
	})
}

func TestConnect_ResumeAfterReady(t *testing.T) {
	h := newHarness(t)
	h.conn.Connect(false)
	s := h.waitSock(0)
	h.identifyAndReady(s)

	h.conn.Disconnect(CloseReconnecting, "switching")
	if st := h.conn.Status(); st.SessionID != "sess-1" {
		t.Fatalf("session dropped on a resumable close: %+v", st)
	}
	h.conn.Connect(true)
	s2 := h.waitSock(1)
	if s2.url != "wss://resume.example.test?encoding=json&v=9" {
		t.Fatalf("resume url: %s", s2.url)
	}
	s2.push(t, OpHello, map[string]any{"heartbeat_interval": 1000}, 0, "")
	var r resumeData
	if err := json.Unmarshal(h.waitFrames(s2, OpResume, 1)[0].D, &r); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if r.Token != "secret-token" || r.SessionID != "sess-1" || r.Seq != 1 {
		t.Fatalf("resume payload: %+v", r)
	}
	if n := len(s2.frames(OpIdentify)); n != 0 {
		t.Fatalf("identify sent instead of resume")
	}
}

func TestDefaultJitter_StaysWithinInterval(t *testing.T) {
	nop := zerolog.Nop()
	jitter := New(newFakeHost(), "tok", Options{Dialer: &fakeDialer{}, Logger: &nop}).opts.Jitter

	for _, d := range []time.Duration{time.Nanosecond, time.Millisecond, 41250 * time.Millisecond} {
		for i := 0; i < 200; i++ {
			if got := jitter(d); got < 0 || got >= d {
				t.Fatalf("jitter(%v) = %v, want [0, %v)", d, got, d)
			}
		}
	}
	for _, d := range []time.Duration{0, -time.Second} {
		if got := jitter(d); got != 0 {
			t.Fatalf("jitter(%v) = %v, want 0", d, got)
		}
	}
}
