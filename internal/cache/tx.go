package cache

import (
	"encoding/json"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-mirror/internal/domain"
)

// Tx is the write access handed to an Apply callback. Add operations are
// first-write-wins, Update operations are shallow merges of a raw JSON
// object, and every operation reports whether it changed anything.
// References to unknown guilds or channels are logged and dropped.
type Tx struct {
	View
	log     zerolog.Logger
	changes []Change
}

// Changes returns what the transaction has recorded so far.
func (tx *Tx) Changes() []Change { return tx.changes }

func (tx *Tx) record(ch Change) { tx.changes = append(tx.changes, ch) }

// patchRef carries the identifying keys of an update payload.
type patchRef struct {
	ID        snowflake.ID `json:"id"`
	GuildID   snowflake.ID `json:"guild_id"`
	ChannelID snowflake.ID `json:"channel_id"`
	User      *struct {
		ID snowflake.ID `json:"id"`
	} `json:"user"`
}

func decodeRef(raw json.RawMessage) (patchRef, error) {
	var ref patchRef
	err := json.Unmarshal(raw, &ref)
	return ref, err
}

func (tx *Tx) guild(id snowflake.ID, what string) (*domain.Guild, bool) {
	g, ok := tx.c.guilds[id]
	if !ok {
		tx.log.Warn().Str("guild_id", id.String()).Msgf("%s references unknown guild; dropped", what)
	}
	return g, ok
}

// AddUser stores u unless a user with that id exists, and returns the live
// record either way.
func (tx *Tx) AddUser(u domain.User) *domain.User {
	if cur, ok := tx.c.users[u.ID]; ok {
		return cur
	}
	rec := u
	tx.c.users[u.ID] = &rec
	tx.record(Change{Op: OpAdd, Entity: EntityUser, ID: u.ID})
	return &rec
}

// UpdateUser merges a partial user object into the cached user.
func (tx *Tx) UpdateUser(raw json.RawMessage) bool {
	ref, err := decodeRef(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed user patch")
		return false
	}
	u, ok := tx.c.users[ref.ID]
	if !ok {
		tx.log.Debug().Str("user_id", ref.ID.String()).Msg("update for uncached user ignored")
		return false
	}
	fields, err := u.Merge(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed user patch")
		return false
	}
	tx.record(Change{Op: OpUpdate, Entity: EntityUser, ID: u.ID, Fields: fields})
	return true
}

// AddGuild builds a guild with its roles, channels and members from a full
// guild object. An already cached guild is left untouched.
func (tx *Tx) AddGuild(p domain.GuildPayload) bool {
	if _, ok := tx.c.guilds[p.ID]; ok {
		return false
	}
	rec, err := p.Record()
	if err != nil {
		tx.log.Warn().Err(err).Str("guild_id", p.ID.String()).Msg("malformed guild properties")
		return false
	}
	g := domain.NewGuild(rec)
	for _, r := range p.Roles {
		role := r
		role.GuildID = g.ID
		g.Roles[role.ID] = &role
	}
	for _, cp := range p.Channels {
		tx.buildChannel(g.ID, cp, g.Channels)
	}
	for _, mp := range p.Members {
		tx.buildMember(g, mp)
	}
	tx.c.guilds[g.ID] = g
	tx.record(Change{Op: OpAdd, Entity: EntityGuild, ID: g.ID})
	return true
}

// UpdateGuild merges a partial guild object into the cached guild.
func (tx *Tx) UpdateGuild(raw json.RawMessage) bool {
	ref, err := decodeRef(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed guild patch")
		return false
	}
	g, ok := tx.guild(ref.ID, "guild update")
	if !ok {
		return false
	}
	fields, err := g.Merge(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed guild patch")
		return false
	}
	tx.record(Change{Op: OpUpdate, Entity: EntityGuild, ID: g.ID, Fields: fields})
	return true
}

// DeleteGuild drops a guild together with its channels, members, roles and
// member list.
func (tx *Tx) DeleteGuild(id snowflake.ID) bool {
	if _, ok := tx.c.guilds[id]; !ok {
		return false
	}
	delete(tx.c.guilds, id)
	tx.record(Change{Op: OpRemove, Entity: EntityGuild, ID: id})
	return true
}

// AddRole stores a role in its guild.
func (tx *Tx) AddRole(guildID snowflake.ID, r domain.Role) bool {
	g, ok := tx.guild(guildID, "role create")
	if !ok {
		return false
	}
	if _, ok := g.Roles[r.ID]; ok {
		return false
	}
	rec := r
	rec.GuildID = guildID
	g.Roles[r.ID] = &rec
	tx.record(Change{Op: OpAdd, Entity: EntityRole, ID: r.ID, GuildID: guildID})
	return true
}

// UpdateRole merges a partial role object into the cached role.
func (tx *Tx) UpdateRole(guildID snowflake.ID, raw json.RawMessage) bool {
	ref, err := decodeRef(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed role patch")
		return false
	}
	g, ok := tx.guild(guildID, "role update")
	if !ok {
		return false
	}
	r, ok := g.Roles[ref.ID]
	if !ok {
		tx.log.Warn().Str("role_id", ref.ID.String()).Msg("update for unknown role; dropped")
		return false
	}
	fields, err := r.Merge(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed role patch")
		return false
	}
	tx.record(Change{Op: OpUpdate, Entity: EntityRole, ID: r.ID, GuildID: guildID, Fields: fields})
	return true
}

// DeleteRole removes a role from its guild. Members keep the id; role
// resolution skips ids that are gone.
func (tx *Tx) DeleteRole(guildID, roleID snowflake.ID) bool {
	g, ok := tx.guild(guildID, "role delete")
	if !ok {
		return false
	}
	if _, ok := g.Roles[roleID]; !ok {
		return false
	}
	delete(g.Roles, roleID)
	tx.record(Change{Op: OpRemove, Entity: EntityRole, ID: roleID, GuildID: guildID})
	return true
}

// AddMember stores a member in its guild, adding the embedded user first.
// It returns the live member, which is the existing one if already cached.
func (tx *Tx) AddMember(guildID snowflake.ID, p domain.MemberPayload) (*domain.GuildMember, bool) {
	g, ok := tx.guild(guildID, "member add")
	if !ok {
		return nil, false
	}
	return tx.buildMember(g, p)
}

func (tx *Tx) buildMember(g *domain.Guild, p domain.MemberPayload) (*domain.GuildMember, bool) {
	if p.User == nil {
		tx.log.Warn().Str("guild_id", g.ID.String()).Msg("member without user; dropped")
		return nil, false
	}
	if cur, ok := g.Members[p.User.ID]; ok {
		return cur, true
	}
	u := tx.AddUser(*p.User)
	m := p.GuildMember
	m.User = u
	m.GuildID = g.ID
	g.Members[u.ID] = &m
	tx.record(Change{Op: OpAdd, Entity: EntityMember, ID: u.ID, GuildID: g.ID})
	return &m, true
}

// UpdateMember merges a partial member object; an embedded user is merged
// into the shared user record as well.
func (tx *Tx) UpdateMember(guildID snowflake.ID, raw json.RawMessage) bool {
	ref, err := decodeRef(raw)
	if err != nil || ref.User == nil {
		tx.log.Warn().Err(err).Msg("malformed member patch")
		return false
	}
	g, ok := tx.guild(guildID, "member update")
	if !ok {
		return false
	}
	m, ok := g.Members[ref.User.ID]
	if !ok {
		tx.log.Debug().Str("user_id", ref.User.ID.String()).Msg("update for uncached member ignored")
		return false
	}
	fields, err := m.Merge(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed member patch")
		return false
	}
	var userPatch struct {
		User json.RawMessage `json:"user"`
	}
	if json.Unmarshal(raw, &userPatch) == nil && len(userPatch.User) > 0 {
		tx.UpdateUser(userPatch.User)
	}
	tx.record(Change{Op: OpUpdate, Entity: EntityMember, ID: ref.User.ID, GuildID: guildID, Fields: fields})
	return true
}

// RemoveMember drops a member from its guild. The user record stays.
func (tx *Tx) RemoveMember(guildID, userID snowflake.ID) bool {
	g, ok := tx.guild(guildID, "member remove")
	if !ok {
		return false
	}
	if _, ok := g.Members[userID]; !ok {
		return false
	}
	delete(g.Members, userID)
	tx.record(Change{Op: OpRemove, Entity: EntityMember, ID: userID, GuildID: guildID})
	return true
}

// AddChannel stores a channel: DM and group DM channels go to the private
// collection, anything else into the guild named by guild_id.
func (tx *Tx) AddChannel(p domain.ChannelPayload) bool {
	if p.Type.IsPrivate() {
		if _, ok := tx.c.private[p.ID]; ok {
			return false
		}
		tx.buildChannel(0, p, tx.c.private)
		tx.record(Change{Op: OpAdd, Entity: EntityPrivateChannel, ID: p.ID})
		return true
	}
	g, ok := tx.guild(p.GuildID, "channel create")
	if !ok {
		return false
	}
	if _, ok := g.Channels[p.ID]; ok {
		return false
	}
	tx.buildChannel(g.ID, p, g.Channels)
	tx.record(Change{Op: OpAdd, Entity: EntityChannel, ID: p.ID, GuildID: g.ID})
	return true
}

func (tx *Tx) buildChannel(guildID snowflake.ID, p domain.ChannelPayload, into map[snowflake.ID]*domain.Channel) *domain.Channel {
	if cur, ok := into[p.ID]; ok {
		return cur
	}
	rec := p.Channel
	rec.GuildID = guildID
	ch := domain.NewChannel(rec)
	for _, r := range p.Recipients {
		ch.Recipients = append(ch.Recipients, tx.AddUser(r))
	}
	into[ch.ID] = ch
	return ch
}

// UpdateChannel merges a partial channel object into a guild or private
// channel.
func (tx *Tx) UpdateChannel(raw json.RawMessage) bool {
	ref, err := decodeRef(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed channel patch")
		return false
	}
	var (
		ch     *domain.Channel
		ok     bool
		entity = EntityChannel
	)
	if ref.GuildID == 0 {
		ch, ok = tx.c.private[ref.ID]
		entity = EntityPrivateChannel
		if !ok {
			tx.log.Warn().Str("channel_id", ref.ID.String()).Msg("update for unknown private channel; dropped")
			return false
		}
	} else {
		g, found := tx.guild(ref.GuildID, "channel update")
		if !found {
			return false
		}
		if ch, ok = g.Channels[ref.ID]; !ok {
			tx.log.Warn().Str("channel_id", ref.ID.String()).Msg("update for unknown channel; dropped")
			return false
		}
	}
	fields, err := ch.Merge(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed channel patch")
		return false
	}
	tx.record(Change{Op: OpUpdate, Entity: entity, ID: ch.ID, GuildID: ref.GuildID, Fields: fields})
	return true
}

// DeleteChannel removes a channel and its cached messages. A zero guildID
// addresses the private collection.
func (tx *Tx) DeleteChannel(guildID, channelID snowflake.ID) bool {
	if guildID == 0 {
		if _, ok := tx.c.private[channelID]; !ok {
			return false
		}
		delete(tx.c.private, channelID)
		tx.record(Change{Op: OpRemove, Entity: EntityPrivateChannel, ID: channelID})
		return true
	}
	g, ok := tx.guild(guildID, "channel delete")
	if !ok {
		return false
	}
	if _, ok := g.Channels[channelID]; !ok {
		return false
	}
	delete(g.Channels, channelID)
	tx.record(Change{Op: OpRemove, Entity: EntityChannel, ID: channelID, GuildID: guildID})
	return true
}

// messageChannel resolves the channel a message event targets.
func (tx *Tx) messageChannel(guildID, channelID snowflake.ID, what string) (*domain.Channel, bool) {
	if guildID == 0 {
		ch, ok := tx.c.private[channelID]
		if !ok {
			tx.log.Warn().Str("channel_id", channelID.String()).Msgf("%s references unknown private channel; dropped", what)
		}
		return ch, ok
	}
	g, ok := tx.guild(guildID, what)
	if !ok {
		return nil, false
	}
	ch, ok := g.Channels[channelID]
	if !ok {
		tx.log.Warn().Str("guild_id", guildID.String()).Str("channel_id", channelID.String()).
			Msgf("%s references unknown channel; dropped", what)
	}
	return ch, ok
}

// AddMessage stores a message in its channel; the author is added to the
// user map first so the message refers to the shared record.
func (tx *Tx) AddMessage(p domain.MessagePayload) bool {
	ch, ok := tx.messageChannel(p.GuildID, p.ChannelID, "message create")
	if !ok {
		return false
	}
	if _, ok := ch.Message(p.ID); ok {
		return false
	}
	m := p.Message
	if p.Author != nil {
		m.Author = tx.AddUser(*p.Author)
		if p.Member != nil && p.GuildID != 0 {
			mp := *p.Member
			mp.User = p.Author
			tx.AddMember(p.GuildID, mp)
		}
	}
	ch.InsertMessage(&m)
	if ch.LastMessageID == nil || *ch.LastMessageID < m.ID {
		id := m.ID
		ch.LastMessageID = &id
	}
	tx.record(Change{Op: OpAdd, Entity: EntityMessage, ID: m.ID, GuildID: p.GuildID, ChannelID: p.ChannelID})
	return true
}

// UpdateMessage merges a partial message object into the cached message.
func (tx *Tx) UpdateMessage(raw json.RawMessage) bool {
	ref, err := decodeRef(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed message patch")
		return false
	}
	ch, ok := tx.messageChannel(ref.GuildID, ref.ChannelID, "message update")
	if !ok {
		return false
	}
	m, ok := ch.Message(ref.ID)
	if !ok {
		tx.log.Debug().Str("message_id", ref.ID.String()).Msg("update for uncached message ignored")
		return false
	}
	fields, err := m.Merge(raw)
	if err != nil {
		tx.log.Warn().Err(err).Msg("malformed message patch")
		return false
	}
	tx.record(Change{Op: OpUpdate, Entity: EntityMessage, ID: m.ID, GuildID: ref.GuildID, ChannelID: ref.ChannelID, Fields: fields})
	return true
}

// DeleteMessage removes a cached message.
func (tx *Tx) DeleteMessage(guildID, channelID, messageID snowflake.ID) bool {
	ch, ok := tx.messageChannel(guildID, channelID, "message delete")
	if !ok {
		return false
	}
	if !ch.RemoveMessage(messageID) {
		return false
	}
	tx.record(Change{Op: OpRemove, Entity: EntityMessage, ID: messageID, GuildID: guildID, ChannelID: channelID})
	return true
}
