package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-mirror/internal/cache"
	"github.com/tbourn/go-chat-mirror/internal/config"
	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/observability"
	"github.com/tbourn/go-chat-mirror/internal/queue"
	"github.com/tbourn/go-chat-mirror/internal/token"
)

// Host is the instance a Connection belongs to. Identified and
// CredentialRejected are called from the connection's goroutine and must
// not wait on the connection itself.
type Host interface {
	Domain() string
	GatewayURL(ctx context.Context) (string, error)
	Cache() *cache.Cache
	Queue() *queue.Queue
	Identified(c *Connection, me domain.User)
	CredentialRejected(c *Connection)
}

// Options configures a Connection. Zero values select production defaults.
type Options struct {
	Dialer     Dialer
	Clock      Clock
	Backoff    backoff.BackOff
	Identify   IdentifyProperties
	APIVersion int
	Encoding   string
	Logger     *zerolog.Logger
	// Jitter picks the delay before the first heartbeat, given the interval.
	Jitter func(interval time.Duration) time.Duration
}

// OptionsFromConfig builds production options from the gateway settings.
func OptionsFromConfig(cfg config.GatewayConfig) Options {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectMinDelay
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return Options{
		Dialer:  NewWebsocketDialer(cfg),
		Backoff: b,
		Identify: IdentifyProperties{
			OS:      cfg.IdentifyOS,
			Browser: cfg.IdentifyBrowser,
			Device:  cfg.IdentifyDevice,
		},
		APIVersion: cfg.APIVersion,
		Encoding:   cfg.Encoding,
	}
}

// Status is a snapshot of a Connection.
type Status struct {
	ID                string        `json:"id"`
	State             State         `json:"state"`
	UserID            snowflake.ID  `json:"user_id,omitempty"`
	SessionID         string        `json:"session_id,omitempty"`
	Seq               int64         `json:"seq"`
	ResumeURL         string        `json:"resume_url,omitempty"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	LastHeartbeat     time.Time     `json:"last_heartbeat,omitempty"`
	LastAck           time.Time     `json:"last_ack,omitempty"`
	Reconnects        int           `json:"reconnects"`
}

// Connection is one gateway session for one account. All protocol state is
// owned by a single goroutine started by Start; the exported methods post
// commands to it.
type Connection struct {
	id    string
	host  Host
	token string
	opts  Options
	log   zerolog.Logger

	tracer trace.Tracer

	inputs    chan any
	done      chan struct{}
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.RWMutex
	status Status

	// owned by the run loop
	state       State
	gen         uint64
	sock        Socket
	sessionID   string
	resumeURL   string
	seq         int64
	haveSeq     bool
	acked       bool
	interval    time.Duration
	lastBeat    time.Time
	hbTimer     Timer
	reconnTimer Timer
	rejected    bool
}

type connectCmd struct{ resume bool }

type disconnectCmd struct {
	code   int
	reason string
	reply  chan struct{}
}

type dialResult struct {
	gen    uint64
	sock   Socket
	err    error
	resume bool
}

type frameIn struct {
	gen  uint64
	data []byte
}

type closedIn struct {
	gen    uint64
	code   int
	reason string
}

type timerKind int

const (
	timerHeartbeat timerKind = iota
	timerReconnect
)

type timerIn struct {
	gen    uint64
	kind   timerKind
	resume bool
}

// New returns a Connection for token on host. It does nothing until Start
// and Connect are called.
func New(host Host, tok string, opts Options) *Connection {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewExponentialBackOff()
	}
	if opts.APIVersion == 0 {
		opts.APIVersion = 9
	}
	if opts.Encoding == "" {
		opts.Encoding = "json"
	}
	if opts.Jitter == nil {
		opts.Jitter = func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(d)))
		}
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	id := uuid.NewString()
	lc := base.With().Str("component", "gateway").Str("domain", host.Domain()).Str("conn", id)
	if sub, ok := token.Subject(tok); ok {
		lc = lc.Str("account", sub)
	}

	c := &Connection{
		id:     id,
		host:   host,
		token:  tok,
		opts:   opts,
		log:    lc.Logger(),
		tracer: observability.Tracer("gateway"),
		inputs: make(chan any),
		done:   make(chan struct{}),
		status: Status{ID: id, State: StateIdle},
	}
	return c
}

// ID identifies the connection within its instance.
func (c *Connection) ID() string { return c.id }

// Token returns the credential the connection authenticates with.
func (c *Connection) Token() string { return c.token }

// Done is closed once the connection has stopped for good.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Status returns a snapshot of the connection.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Start launches the connection goroutine. It stops when ctx is cancelled,
// Stop is called, or the server rejects the credential.
func (c *Connection) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		observability.GatewayConnections.WithLabelValues(c.state.String()).Inc()
		go c.run()
	})
}

// Connect opens a socket. With resume set and a known session, the session
// is resumed; otherwise the connection identifies after Hello.
func (c *Connection) Connect(resume bool) {
	c.post(connectCmd{resume: resume})
}

// Disconnect closes the socket with code and cancels any pending reconnect.
// Closing with CloseNormal also forgets the session. The connection stays
// usable through Connect.
func (c *Connection) Disconnect(code int, reason string) {
	reply := make(chan struct{})
	if !c.post(disconnectCmd{code: code, reason: reason, reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-c.done:
	}
}

// Stop closes the connection for good and waits for its goroutine.
func (c *Connection) Stop() {
	c.startOnce.Do(func() { close(c.done) })
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Connection) post(in any) bool {
	select {
	case c.inputs <- in:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connection) run() {
	defer func() {
		c.stopTimers()
		if c.sock != nil {
			_ = c.sock.Close(CloseNormal, "shutting down")
			c.sock = nil
		}
		observability.GatewayConnections.WithLabelValues(c.state.String()).Dec()
		close(c.done)
		if c.rejected {
			c.host.CredentialRejected(c)
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case in := <-c.inputs:
			if !c.handle(in) {
				return
			}
		}
	}
}

// handle processes one input. It returns false when the connection is over.
func (c *Connection) handle(in any) bool {
	switch m := in.(type) {
	case connectCmd:
		if c.reconnTimer != nil {
			c.reconnTimer.Stop()
			c.reconnTimer = nil
		}
		if c.sock != nil {
			c.dropSocket(CloseReconnecting, "reconnecting")
		}
		c.beginDial(m.resume)

	case disconnectCmd:
		if c.reconnTimer != nil {
			c.reconnTimer.Stop()
			c.reconnTimer = nil
		}
		c.dropSocket(m.code, m.reason)
		if m.code == CloseNormal {
			c.resetSession()
		}
		c.opts.Backoff.Reset()
		c.setState(StateIdle)
		close(m.reply)

	case dialResult:
		c.onDial(m)

	case frameIn:
		if m.gen == c.gen {
			c.onFrame(m.data)
		}

	case closedIn:
		if m.gen != c.gen {
			return true
		}
		return c.onClosed(m.code, m.reason)

	case timerIn:
		if m.gen != c.gen {
			return true
		}
		switch m.kind {
		case timerHeartbeat:
			c.armHeartbeat(c.interval)
			c.tick()
		case timerReconnect:
			c.reconnTimer = nil
			c.beginDial(m.resume)
		}
	}
	return true
}

func (c *Connection) beginDial(resume bool) {
	c.gen++
	gen := c.gen
	c.setState(StateConnecting)

	target := ""
	if resume && c.resumeURL != "" {
		target = c.resumeURL
	}
	ctx := c.ctx
	go func() {
		var (
			sock Socket
			err  error
		)
		url := target
		if url == "" {
			url, err = c.host.GatewayURL(ctx)
		}
		if err == nil {
			url, err = gatewayURL(url, c.opts.APIVersion, c.opts.Encoding)
		}
		if err == nil {
			c.log.Debug().Str("url", url).Bool("resume", resume).Msg("dialing gateway")
			sock, err = c.opts.Dialer.Dial(ctx, url)
		}
		if !c.post(dialResult{gen: gen, sock: sock, err: err, resume: resume}) && sock != nil {
			_ = sock.Close(CloseNormal, "")
		}
	}()
}

func (c *Connection) onDial(r dialResult) {
	if r.gen != c.gen {
		if r.sock != nil {
			_ = r.sock.Close(CloseNormal, "")
		}
		return
	}
	if r.err != nil {
		c.log.Warn().Err(r.err).Msg("gateway dial failed")
		c.scheduleReconnect(r.resume, "dial_failed")
		return
	}

	c.sock = r.sock
	go c.read(r.gen, r.sock)

	if r.resume && c.sessionID != "" && c.haveSeq {
		c.setState(StateResuming)
		c.send(OpResume, resumeData{Token: c.token, SessionID: c.sessionID, Seq: c.seq})
		return
	}
	c.setState(StateAwaitingHello)
}

func (c *Connection) read(gen uint64, sock Socket) {
	for {
		b, err := sock.Read()
		if err != nil {
			code, reason := CloseAbnormal, err.Error()
			var ce *CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Reason
			}
			c.post(closedIn{gen: gen, code: code, reason: reason})
			return
		}
		if !c.post(frameIn{gen: gen, data: b}) {
			return
		}
	}
}

func (c *Connection) onFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warn().Err(err).Msg("malformed gateway frame")
		return
	}
	if f.S != nil {
		c.seq, c.haveSeq = *f.S, true
		c.mu.Lock()
		c.status.Seq = c.seq
		c.mu.Unlock()
	}

	switch f.Op {
	case OpHello:
		var h helloData
		if err := json.Unmarshal(f.D, &h); err != nil || h.HeartbeatInterval <= 0 {
			c.log.Warn().Err(err).Msg("invalid hello")
			return
		}
		c.interval = time.Duration(h.HeartbeatInterval) * time.Millisecond
		c.acked = true
		c.mu.Lock()
		c.status.HeartbeatInterval = c.interval
		c.mu.Unlock()
		c.armHeartbeat(c.opts.Jitter(c.interval))
		if c.state == StateAwaitingHello {
			c.identify()
		}

	case OpHeartbeat:
		c.heartbeat()

	case OpHeartbeatAck:
		now := c.opts.Clock.Now()
		c.acked = true
		if !c.lastBeat.IsZero() {
			observability.GatewayHeartbeatRTT.Observe(now.Sub(c.lastBeat).Seconds())
		}
		c.mu.Lock()
		c.status.LastAck = now
		c.mu.Unlock()

	case OpReconnect:
		c.log.Info().Msg("server requested reconnect")
		c.dropSocket(CloseReconnecting, "reconnect requested")
		c.scheduleReconnect(true, "reconnect_requested")

	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(f.D, &resumable)
		c.log.Info().Bool("resumable", resumable).Msg("session invalidated")
		if !resumable {
			c.resetSession()
		}
		c.dropSocket(CloseReconnecting, "invalid session")
		c.scheduleReconnect(resumable, "invalid_session")

	case OpDispatch:
		c.dispatch(f.T, f.D)

	default:
		c.log.Debug().Stringer("op", f.Op).Msg("unhandled opcode")
	}
}

func (c *Connection) onClosed(code int, reason string) bool {
	c.sock = nil
	c.stopHeartbeat()
	c.gen++

	if code == CloseAuthenticationFailed {
		c.log.Error().Int("code", code).Str("reason", reason).Msg("credential rejected; connection removed")
		c.resetSession()
		c.setState(StateClosed)
		c.rejected = true
		return false
	}
	c.log.Warn().Int("code", code).Str("reason", reason).Msg("gateway closed")
	c.scheduleReconnect(true, "closed")
	return true
}

func (c *Connection) identify() {
	c.setState(StateIdentifying)
	c.send(OpIdentify, identifyData{
		Token:      c.token,
		Properties: c.opts.Identify,
		Presence: presence{
			Status:     "online",
			Since:      c.opts.Clock.Now().UnixMilli(),
			Activities: []json.RawMessage{},
		},
	})
}

func (c *Connection) armHeartbeat(d time.Duration) {
	if c.hbTimer != nil {
		c.hbTimer.Stop()
	}
	gen := c.gen
	c.hbTimer = c.opts.Clock.AfterFunc(d, func() {
		c.post(timerIn{gen: gen, kind: timerHeartbeat})
	})
}

func (c *Connection) stopHeartbeat() {
	if c.hbTimer != nil {
		c.hbTimer.Stop()
		c.hbTimer = nil
	}
}

func (c *Connection) stopTimers() {
	c.stopHeartbeat()
	if c.reconnTimer != nil {
		c.reconnTimer.Stop()
		c.reconnTimer = nil
	}
}

// tick runs once per heartbeat interval. A tick that finds the previous
// heartbeat unacknowledged closes the socket and resumes.
func (c *Connection) tick() {
	if !c.acked {
		observability.GatewayHeartbeatTimeouts.Inc()
		c.log.Warn().Dur("interval", c.interval).Msg("heartbeat ack missed")
		c.dropSocket(CloseHeartbeatTimeout, "heartbeat timeout")
		c.scheduleReconnect(true, "heartbeat_timeout")
		return
	}
	c.acked = false
	c.heartbeat()
}

func (c *Connection) heartbeat() {
	var d any
	if c.haveSeq {
		d = c.seq
	}
	c.lastBeat = c.opts.Clock.Now()
	c.mu.Lock()
	c.status.LastHeartbeat = c.lastBeat
	c.mu.Unlock()
	c.send(OpHeartbeat, d)
}

func (c *Connection) send(op Opcode, d any) {
	if c.sock == nil {
		return
	}
	raw, err := json.Marshal(d)
	if err != nil {
		c.log.Error().Err(err).Stringer("op", op).Msg("encode frame")
		return
	}
	b, err := json.Marshal(Frame{Op: op, D: raw})
	if err != nil {
		c.log.Error().Err(err).Stringer("op", op).Msg("encode frame")
		return
	}
	if err := c.sock.Write(b); err != nil {
		// The reader reports the close that follows.
		c.log.Warn().Err(err).Stringer("op", op).Msg("gateway write failed")
	}
}

// dropSocket closes the current socket, if any, and invalidates every event
// still in flight from it.
func (c *Connection) dropSocket(code int, reason string) {
	c.stopHeartbeat()
	c.gen++
	if c.sock != nil {
		sock := c.sock
		c.sock = nil
		if err := sock.Close(code, reason); err != nil {
			c.log.Debug().Err(err).Msg("socket close")
		}
	}
}

func (c *Connection) scheduleReconnect(resume bool, reason string) {
	observability.GatewayReconnects.WithLabelValues(reason).Inc()
	c.mu.Lock()
	c.status.Reconnects++
	c.mu.Unlock()

	d := c.opts.Backoff.NextBackOff()
	if d == backoff.Stop {
		c.log.Warn().Str("reason", reason).Msg("reconnect attempts exhausted")
		c.setState(StateIdle)
		return
	}
	c.setState(StateConnecting)
	if d <= 0 {
		c.beginDial(resume)
		return
	}
	c.log.Info().Dur("delay", d).Str("reason", reason).Bool("resume", resume).Msg("reconnect scheduled")
	gen := c.gen
	c.reconnTimer = c.opts.Clock.AfterFunc(d, func() {
		c.post(timerIn{gen: gen, kind: timerReconnect, resume: resume})
	})
}

func (c *Connection) resetSession() {
	c.sessionID, c.resumeURL = "", ""
	c.seq, c.haveSeq = 0, false
	c.mu.Lock()
	c.status.SessionID, c.status.ResumeURL, c.status.Seq = "", "", 0
	c.mu.Unlock()
}

func (c *Connection) setState(s State) {
	if s == c.state {
		return
	}
	observability.GatewayConnections.WithLabelValues(c.state.String()).Dec()
	observability.GatewayConnections.WithLabelValues(s.String()).Inc()
	c.log.Debug().Stringer("from", c.state).Stringer("to", s).Msg("state")
	c.state = s
	c.mu.Lock()
	c.status.State = s
	c.mu.Unlock()
}

func (c *Connection) dispatch(name string, raw json.RawMessage) {
	_, span := c.tracer.Start(c.ctx, "gateway.dispatch",
		trace.WithAttributes(attribute.String("gateway.event", name)))
	defer span.End()

	ev, err := decodeEvent(name, raw)
	if err != nil {
		observability.GatewayDispatches.WithLabelValues(name).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		c.log.Warn().Err(err).Str("event", name).Msg("malformed dispatch; dropped")
		return
	}
	if ev == nil {
		observability.GatewayDispatches.WithLabelValues("other").Inc()
		c.log.Debug().Str("event", name).Msg("unhandled dispatch")
		return
	}
	observability.GatewayDispatches.WithLabelValues(name).Inc()
	c.handleEvent(ev)
}

func (c *Connection) handleEvent(ev Event) {
	store := c.host.Cache()
	name := ev.EventName()

	switch e := ev.(type) {
	case *Ready:
		c.onReady(e)
	case *Resumed:
		c.opts.Backoff.Reset()
		c.setState(StateActive)
		c.log.Info().Int64("seq", c.seq).Msg("session resumed")
	case *GuildCreate:
		store.Apply(name, func(tx *cache.Tx) { tx.AddGuild(e.GuildPayload) })
	case *GuildUpdate:
		store.Apply(name, func(tx *cache.Tx) { tx.UpdateGuild(e.Raw) })
	case *GuildDelete:
		// An outage drops the guild too; the GUILD_CREATE sent when it comes
		// back rebuilds it from scratch.
		if e.Unavailable {
			c.log.Info().Str("guild_id", e.ID.String()).Msg("guild unavailable; dropped until it returns")
		}
		store.Apply(name, func(tx *cache.Tx) { tx.DeleteGuild(e.ID) })
	case *GuildMemberListUpdate:
		store.Apply(name, func(tx *cache.Tx) { tx.SyncMemberList(e.MemberListUpdate) })
	case *GuildRoleCreate:
		store.Apply(name, func(tx *cache.Tx) { tx.AddRole(e.GuildID, e.Role) })
	case *GuildRoleUpdate:
		store.Apply(name, func(tx *cache.Tx) { tx.UpdateRole(e.GuildID, e.Role) })
	case *GuildRoleDelete:
		store.Apply(name, func(tx *cache.Tx) { tx.DeleteRole(e.GuildID, e.RoleID) })
	case *GuildMemberAdd:
		store.Apply(name, func(tx *cache.Tx) { tx.AddMember(e.GuildID, e.MemberPayload) })
	case *GuildMemberUpdate:
		store.Apply(name, func(tx *cache.Tx) { tx.UpdateMember(e.GuildID, e.Raw) })
	case *GuildMemberRemove:
		store.Apply(name, func(tx *cache.Tx) { tx.RemoveMember(e.GuildID, e.User.ID) })
	case *ChannelCreate:
		store.Apply(name, func(tx *cache.Tx) { tx.AddChannel(e.ChannelPayload) })
	case *ChannelUpdate:
		store.Apply(name, func(tx *cache.Tx) { tx.UpdateChannel(e.Raw) })
	case *ChannelDelete:
		store.Apply(name, func(tx *cache.Tx) { tx.DeleteChannel(e.GuildID, e.ID) })
	case *MessageCreate:
		store.Apply(name, func(tx *cache.Tx) { tx.AddMessage(e.MessagePayload) })
		c.host.Queue().HandleIncomingMessage(e.MessagePayload)
	case *MessageUpdate:
		store.Apply(name, func(tx *cache.Tx) { tx.UpdateMessage(e.Raw) })
	case *MessageDelete:
		store.Apply(name, func(tx *cache.Tx) { tx.DeleteMessage(e.GuildID, e.ChannelID, e.ID) })
	case *UserUpdate:
		store.Apply(name, func(tx *cache.Tx) { tx.UpdateUser(e.Raw) })
	}
}

func (c *Connection) onReady(e *Ready) {
	c.sessionID, c.resumeURL = e.SessionID, e.ResumeGatewayURL
	c.host.Cache().Apply(EventReady, func(tx *cache.Tx) {
		tx.AddUser(e.User)
		for _, g := range e.Guilds {
			tx.AddGuild(g)
		}
		for _, u := range e.Users {
			tx.AddUser(u)
		}
		for _, p := range e.PrivateChannels {
			if !p.Type.IsPrivate() && p.GuildID == 0 {
				p.Type = domain.ChannelDM
			}
			tx.AddChannel(p)
		}
	})

	c.mu.Lock()
	c.status.SessionID = e.SessionID
	c.status.ResumeURL = e.ResumeGatewayURL
	c.status.UserID = e.User.ID
	c.mu.Unlock()

	c.opts.Backoff.Reset()
	c.setState(StateActive)
	c.log.Info().Str("user_id", e.User.ID.String()).Int("guilds", len(e.Guilds)).Msg("session ready")
	c.host.Identified(c, e.User)
}
