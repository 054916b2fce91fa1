// Package cache holds the in-memory mirror of one instance: users, guilds
// with their channels, members and roles, private channels, and the messages
// cached per channel.
//
// All mutations run inside Apply under an exclusive lock and are short and
// non-blocking, so several gateway connections may share one Cache. The
// changes made by one Apply are published to subscribers as a single Batch
// once the lock is released.
package cache

import (
	"sort"
	"sync"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/notify"
)

// Cache is the entity cache of one instance.
type Cache struct {
	domain string
	log    zerolog.Logger

	mu      sync.RWMutex
	users   map[snowflake.ID]*domain.User
	guilds  map[snowflake.ID]*domain.Guild
	private map[snowflake.ID]*domain.Channel

	broker *notify.Broker[Batch]
}

// Option customizes a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for dropped events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New returns an empty cache for the given instance domain.
func New(domainName string, opts ...Option) *Cache {
	c := &Cache{
		domain:  domainName,
		log:     log.Logger,
		users:   make(map[snowflake.ID]*domain.User),
		guilds:  make(map[snowflake.ID]*domain.Guild),
		private: make(map[snowflake.ID]*domain.Channel),
		broker: notify.NewBroker("cache", notify.WithGap(func() Batch {
			return Batch{Domain: domainName, Source: SourceResync}
		})),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With().Str("domain", domainName).Logger()
	return c
}

// Domain returns the instance domain this cache mirrors.
func (c *Cache) Domain() string { return c.domain }

// Apply runs fn with exclusive access to the cache and publishes the changes
// it recorded as one Batch. source labels the batch (usually the dispatch
// event name). fn must not block.
func (c *Cache) Apply(source string, fn func(tx *Tx)) Batch {
	tx := &Tx{
		View: View{c: c},
		log:  c.log.With().Str("event", source).Logger(),
	}
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		fn(tx)
	}()

	b := Batch{Domain: c.domain, Source: source, Changes: tx.changes}
	if len(b.Changes) > 0 {
		c.broker.Publish(b)
	}
	return b
}

// View runs fn with shared read access. Records reached through v must not
// be retained or read after fn returns.
func (c *Cache) View(fn func(v *View)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(&View{c: c})
}

// Subscribe returns a channel receiving every non-empty Batch and a cancel
// func releasing it. After a full buffer costs the subscriber a batch, its
// next delivery is preceded by an empty SourceResync batch.
func (c *Cache) Subscribe(buffer int) (<-chan Batch, func()) {
	return c.broker.Subscribe(buffer)
}

// View is read access to the cache. Every lookup reports whether the id was
// found.
type View struct {
	c *Cache
}

// Domain returns the instance domain.
func (v *View) Domain() string { return v.c.domain }

// User looks a user up by id.
func (v *View) User(id snowflake.ID) (*domain.User, bool) {
	u, ok := v.c.users[id]
	return u, ok
}

// UserCount returns the number of cached users.
func (v *View) UserCount() int { return len(v.c.users) }

// Guild looks a guild up by id.
func (v *View) Guild(id snowflake.ID) (*domain.Guild, bool) {
	g, ok := v.c.guilds[id]
	return g, ok
}

// Guilds returns all guilds ordered by id.
func (v *View) Guilds() []*domain.Guild {
	out := make([]*domain.Guild, 0, len(v.c.guilds))
	for _, g := range v.c.guilds {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Channel looks up a channel of a guild.
func (v *View) Channel(guildID, channelID snowflake.ID) (*domain.Channel, bool) {
	g, ok := v.c.guilds[guildID]
	if !ok {
		return nil, false
	}
	ch, ok := g.Channels[channelID]
	return ch, ok
}

// PrivateChannel looks up a DM or group DM channel.
func (v *View) PrivateChannel(id snowflake.ID) (*domain.Channel, bool) {
	ch, ok := v.c.private[id]
	return ch, ok
}

// PrivateChannels returns all private channels ordered by id.
func (v *View) PrivateChannels() []*domain.Channel {
	out := make([]*domain.Channel, 0, len(v.c.private))
	for _, ch := range v.c.private {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindChannel looks a channel up by id alone, searching private channels
// first and then every guild.
func (v *View) FindChannel(id snowflake.ID) (*domain.Channel, bool) {
	if ch, ok := v.c.private[id]; ok {
		return ch, true
	}
	for _, g := range v.c.guilds {
		if ch, ok := g.Channels[id]; ok {
			return ch, true
		}
	}
	return nil, false
}

// Member looks up a guild member by user id.
func (v *View) Member(guildID, userID snowflake.ID) (*domain.GuildMember, bool) {
	g, ok := v.c.guilds[guildID]
	if !ok {
		return nil, false
	}
	m, ok := g.Members[userID]
	return m, ok
}

// MemberList returns a copy of the guild's display member list.
func (v *View) MemberList(guildID snowflake.ID) ([]domain.MemberListEntry, bool) {
	g, ok := v.c.guilds[guildID]
	if !ok {
		return nil, false
	}
	out := make([]domain.MemberListEntry, len(g.MemberList))
	copy(out, g.MemberList)
	return out, true
}
