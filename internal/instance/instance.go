// Package instance ties together everything mirrored from one remote
// server: its REST client, entity cache, outbound queue and the gateway
// connections of the accounts signed in to it. The Manager owns the
// instances, keyed by domain.
package instance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-mirror/internal/cache"
	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/gateway"
	"github.com/tbourn/go-chat-mirror/internal/queue"
	"github.com/tbourn/go-chat-mirror/internal/rest"
)

// CredentialStore is the persistence the instances need. *repo.CredentialStore
// implements it.
type CredentialStore interface {
	Save(ctx context.Context, a domain.Account) error
	DeleteByToken(ctx context.Context, domainName, token string) (int64, error)
	List(ctx context.Context) ([]domain.Account, int, error)
}

// Instance is one mirrored server.
type Instance struct {
	domain  string
	rest    *rest.Client
	cache   *cache.Cache
	queue   *queue.Queue
	store   CredentialStore
	gateway func() gateway.Options
	log     zerolog.Logger
	ctx     context.Context

	mu    sync.RWMutex
	conns map[string]*gateway.Connection
	users map[string]snowflake.ID // connection id -> identified account
}

// Domain implements gateway.Host.
func (in *Instance) Domain() string { return in.domain }

// Cache implements gateway.Host.
func (in *Instance) Cache() *cache.Cache { return in.cache }

// Queue implements gateway.Host.
func (in *Instance) Queue() *queue.Queue { return in.queue }

// REST returns the instance's REST client.
func (in *Instance) REST() *rest.Client { return in.rest }

// GatewayURL implements gateway.Host through endpoint discovery.
func (in *Instance) GatewayURL(ctx context.Context) (string, error) {
	return in.rest.GatewayURL(ctx)
}

// Identified implements gateway.Host: the session's credential is stored so
// it can be restored on the next start.
func (in *Instance) Identified(c *gateway.Connection, me domain.User) {
	in.mu.Lock()
	in.users[c.ID()] = me.ID
	in.mu.Unlock()

	if in.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(in.ctx, 5*time.Second)
	defer cancel()
	err := in.store.Save(ctx, domain.Account{
		Domain:        in.domain,
		UserID:        me.ID.String(),
		Username:      me.Username,
		Discriminator: me.Discriminator,
		Avatar:        me.Avatar,
		Token:         c.Token(),
	})
	if err != nil {
		in.log.Error().Err(err).Str("user_id", me.ID.String()).Msg("save credential")
	}
}

// CredentialRejected implements gateway.Host: the token is forgotten and
// the connection dropped from the instance.
func (in *Instance) CredentialRejected(c *gateway.Connection) {
	in.mu.Lock()
	delete(in.conns, c.ID())
	delete(in.users, c.ID())
	in.mu.Unlock()

	if in.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(in.ctx, 5*time.Second)
	defer cancel()
	n, err := in.store.DeleteByToken(ctx, in.domain, c.Token())
	if err != nil {
		in.log.Error().Err(err).Str("conn", c.ID()).Msg("delete rejected credential")
		return
	}
	in.log.Warn().Str("conn", c.ID()).Int64("credentials_removed", n).Msg("credential rejected by server")
}

// AddAccount starts a gateway connection for tok and identifies. A token
// that already has a connection returns the existing one.
func (in *Instance) AddAccount(tok string) *gateway.Connection {
	in.mu.Lock()
	for _, c := range in.conns {
		if c.Token() == tok {
			in.mu.Unlock()
			return c
		}
	}
	c := gateway.New(in, tok, in.gateway())
	in.conns[c.ID()] = c
	in.mu.Unlock()

	c.Start(in.ctx)
	c.Connect(false)
	return c
}

// Connections returns the instance's connections ordered by id.
func (in *Instance) Connections() []*gateway.Connection {
	in.mu.RLock()
	out := make([]*gateway.Connection, 0, len(in.conns))
	for _, c := range in.conns {
		out = append(out, c)
	}
	in.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ConnectionFor returns the connection identified as userID.
func (in *Instance) ConnectionFor(userID snowflake.ID) (*gateway.Connection, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	for id, u := range in.users {
		if u == userID {
			c, ok := in.conns[id]
			return c, ok
		}
	}
	return nil, false
}

// Remove disconnects and forgets a connection. The stored credential is
// kept.
func (in *Instance) Remove(connID string) bool {
	in.mu.Lock()
	c, ok := in.conns[connID]
	delete(in.conns, connID)
	delete(in.users, connID)
	in.mu.Unlock()
	if !ok {
		return false
	}
	c.Disconnect(gateway.CloseNormal, "account removed")
	c.Stop()
	return true
}

// Close stops every connection.
func (in *Instance) Close() {
	for _, c := range in.Connections() {
		c.Stop()
	}
}
