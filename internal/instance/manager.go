package instance

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-mirror/internal/cache"
	"github.com/tbourn/go-chat-mirror/internal/config"
	"github.com/tbourn/go-chat-mirror/internal/gateway"
	"github.com/tbourn/go-chat-mirror/internal/notify"
	"github.com/tbourn/go-chat-mirror/internal/queue"
	"github.com/tbourn/go-chat-mirror/internal/rest"
)

// ErrNoDomain is returned for an empty instance domain.
var ErrNoDomain = errors.New("instance domain is empty")

// Event types.
const (
	EventCache = "cache"
	EventQueue = "queue"
	// EventResync means the receiver missed notifications for Domain, or
	// for every instance when Domain is empty, and should re-read state.
	EventResync = "resync"
)

// Event is one change notification from any instance: a cache Batch, a
// queue Change or a resync marker.
type Event struct {
	Type   string        `json:"type"`
	Domain string        `json:"domain"`
	Batch  *cache.Batch  `json:"batch,omitempty"`
	Queue  *queue.Change `json:"queue,omitempty"`
}

// Manager owns the instances, keyed by normalized domain.
type Manager struct {
	ctx    context.Context
	store  CredentialStore
	log    zerolog.Logger
	buffer int

	newREST    func(domain string) *rest.Client
	newGateway func() gateway.Options

	mu        sync.Mutex
	instances map[string]*Instance

	events *notify.Broker[Event]
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithRESTFactory replaces how REST clients are built per domain.
func WithRESTFactory(f func(domain string) *rest.Client) ManagerOption {
	return func(m *Manager) { m.newREST = f }
}

// WithGatewayOptions replaces the per-connection gateway options. f is
// called once per connection so stateful parts such as the backoff are not
// shared.
func WithGatewayOptions(f func() gateway.Options) ManagerOption {
	return func(m *Manager) { m.newGateway = f }
}

// WithLogger sets the base logger.
func WithLogger(l zerolog.Logger) ManagerOption { return func(m *Manager) { m.log = l } }

// NewManager returns an empty Manager. Instances and their connections live
// until ctx is cancelled or Close is called.
func NewManager(ctx context.Context, cfg config.Config, store CredentialStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		ctx:    ctx,
		store:  store,
		log:    log.Logger,
		buffer: cfg.SubscriberBuffer,
		newREST: func(d string) *rest.Client {
			return rest.New(d, rest.WithTimeout(cfg.RESTTimeout))
		},
		newGateway: func() gateway.Options { return gateway.OptionsFromConfig(cfg.Gateway) },
		instances:  make(map[string]*Instance),
		events: notify.NewBroker("instances", notify.WithGap(func() Event {
			return Event{Type: EventResync}
		})),
	}
	if m.buffer <= 0 {
		m.buffer = notify.DefaultBuffer
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Instance returns the instance for domainName, creating it on first use.
func (m *Manager) Instance(domainName string) (*Instance, error) {
	d := config.NormalizeDomain(domainName)
	if d == "" {
		return nil, ErrNoDomain
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok := m.instances[d]; ok {
		return in, nil
	}

	l := m.log.With().Str("domain", d).Logger()
	in := &Instance{
		domain:  d,
		rest:    m.newREST(d),
		cache:   cache.New(d, cache.WithLogger(l)),
		queue:   queue.New(d),
		store:   m.store,
		gateway: m.connOptions(l),
		log:     l,
		ctx:     m.ctx,
		conns:   make(map[string]*gateway.Connection),
		users:   make(map[string]snowflake.ID),
	}
	m.instances[d] = in
	m.forward(in)
	l.Info().Msg("instance created")
	return in, nil
}

func (m *Manager) connOptions(l zerolog.Logger) func() gateway.Options {
	return func() gateway.Options {
		o := m.newGateway()
		if o.Logger == nil {
			o.Logger = &l
		}
		return o
	}
}

// Lookup returns an existing instance.
func (m *Manager) Lookup(domainName string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[config.NormalizeDomain(domainName)]
	return in, ok
}

// Instances returns all instances ordered by domain.
func (m *Manager) Instances() []*Instance {
	m.mu.Lock()
	out := make([]*Instance, 0, len(m.instances))
	for _, in := range m.instances {
		out = append(out, in)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].domain < out[j].domain })
	return out
}

// Restore reconnects every stored credential and returns how many
// connections were started.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	accounts, skipped, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	if skipped > 0 {
		m.log.Warn().Int("skipped", skipped).Msg("stored credentials could not be opened with the current secret")
	}
	n := 0
	for _, a := range accounts {
		in, err := m.Instance(a.Domain)
		if err != nil {
			m.log.Warn().Err(err).Str("user_id", a.UserID).Msg("skip credential")
			continue
		}
		in.AddAccount(a.Token)
		n++
	}
	return n, nil
}

// Subscribe returns a stream of change events from all instances.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = m.buffer
	}
	return m.events.Subscribe(buffer)
}

// forward relays an instance's cache and queue notifications into the
// manager-wide stream until the manager's context ends.
func (m *Manager) forward(in *Instance) {
	batches, cancelBatches := in.cache.Subscribe(m.buffer)
	changes, cancelChanges := in.queue.Subscribe(m.buffer)
	go func() {
		defer cancelBatches()
		defer cancelChanges()
		for {
			select {
			case <-m.ctx.Done():
				return
			case b, ok := <-batches:
				if !ok {
					return
				}
				if b.Source == cache.SourceResync {
					m.events.Publish(Event{Type: EventResync, Domain: in.domain})
					continue
				}
				m.events.Publish(Event{Type: EventCache, Domain: in.domain, Batch: &b})
			case ch, ok := <-changes:
				if !ok {
					return
				}
				if ch.Action == queue.ActionResync {
					m.events.Publish(Event{Type: EventResync, Domain: in.domain})
					continue
				}
				m.events.Publish(Event{Type: EventQueue, Domain: in.domain, Queue: &ch})
			}
		}
	}()
}

// Close stops every connection of every instance. The forwarding goroutines
// end with the manager's context.
func (m *Manager) Close() {
	for _, in := range m.Instances() {
		in.Close()
	}
}
