package gateway

import (
	"encoding/json"

	"github.com/disgoorg/snowflake/v2"

	"github.com/tbourn/go-chat-mirror/internal/domain"
)

// Dispatch event names understood by the connection.
const (
	EventReady                 = "READY"
	EventResumed               = "RESUMED"
	EventGuildCreate           = "GUILD_CREATE"
	EventGuildUpdate           = "GUILD_UPDATE"
	EventGuildDelete           = "GUILD_DELETE"
	EventGuildMemberListUpdate = "GUILD_MEMBER_LIST_UPDATE"
	EventGuildRoleCreate       = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate       = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete       = "GUILD_ROLE_DELETE"
	EventGuildMemberAdd        = "GUILD_MEMBER_ADD"
	EventGuildMemberUpdate     = "GUILD_MEMBER_UPDATE"
	EventGuildMemberRemove     = "GUILD_MEMBER_REMOVE"
	EventChannelCreate         = "CHANNEL_CREATE"
	EventChannelUpdate         = "CHANNEL_UPDATE"
	EventChannelDelete         = "CHANNEL_DELETE"
	EventMessageCreate         = "MESSAGE_CREATE"
	EventMessageUpdate         = "MESSAGE_UPDATE"
	EventMessageDelete         = "MESSAGE_DELETE"
	EventUserUpdate            = "USER_UPDATE"
)

// Event is a decoded dispatch payload. The set of implementations is closed;
// handleEvent switches over all of them.
type Event interface {
	EventName() string
	dispatch()
}

// patch keeps an update payload as raw JSON so only the keys it carries are
// merged into the cached record.
type patch struct {
	Raw json.RawMessage
}

func (p *patch) UnmarshalJSON(b []byte) error {
	p.Raw = append(p.Raw[:0], b...)
	return nil
}

// Ready is the first dispatch after a successful identify.
type Ready struct {
	Version          int                     `json:"v"`
	User             domain.User             `json:"user"`
	Guilds           []domain.GuildPayload   `json:"guilds"`
	Users            []domain.User           `json:"users"`
	PrivateChannels  []domain.ChannelPayload `json:"private_channels"`
	SessionID        string                  `json:"session_id"`
	ResumeGatewayURL string                  `json:"resume_gateway_url"`
}

// Resumed confirms a resumed session.
type Resumed struct{}

type GuildCreate struct{ domain.GuildPayload }

type GuildUpdate struct{ patch }

type GuildDelete struct {
	ID          snowflake.ID `json:"id"`
	Unavailable bool         `json:"unavailable"`
}

type GuildMemberListUpdate struct{ domain.MemberListUpdate }

type GuildRoleCreate struct {
	GuildID snowflake.ID `json:"guild_id"`
	Role    domain.Role  `json:"role"`
}

type GuildRoleUpdate struct {
	GuildID snowflake.ID    `json:"guild_id"`
	Role    json.RawMessage `json:"role"`
}

type GuildRoleDelete struct {
	GuildID snowflake.ID `json:"guild_id"`
	RoleID  snowflake.ID `json:"role_id"`
}

type GuildMemberAdd struct{ domain.MemberPayload }

// GuildMemberUpdate carries the guild id alongside the raw member patch.
type GuildMemberUpdate struct {
	GuildID snowflake.ID
	Raw     json.RawMessage
}

func (e *GuildMemberUpdate) UnmarshalJSON(b []byte) error {
	var ref struct {
		GuildID snowflake.ID `json:"guild_id"`
	}
	if err := json.Unmarshal(b, &ref); err != nil {
		return err
	}
	e.GuildID = ref.GuildID
	e.Raw = append(e.Raw[:0], b...)
	return nil
}

type GuildMemberRemove struct {
	GuildID snowflake.ID `json:"guild_id"`
	User    domain.User  `json:"user"`
}

type ChannelCreate struct{ domain.ChannelPayload }

type ChannelUpdate struct{ patch }

type ChannelDelete struct {
	ID      snowflake.ID       `json:"id"`
	GuildID snowflake.ID       `json:"guild_id"`
	Type    domain.ChannelType `json:"type"`
}

type MessageCreate struct{ domain.MessagePayload }

type MessageUpdate struct{ patch }

type MessageDelete struct {
	ID        snowflake.ID `json:"id"`
	ChannelID snowflake.ID `json:"channel_id"`
	GuildID   snowflake.ID `json:"guild_id"`
}

type UserUpdate struct{ patch }

func (*Ready) EventName() string                 { return EventReady }
func (*Resumed) EventName() string               { return EventResumed }
func (*GuildCreate) EventName() string           { return EventGuildCreate }
func (*GuildUpdate) EventName() string           { return EventGuildUpdate }
func (*GuildDelete) EventName() string           { return EventGuildDelete }
func (*GuildMemberListUpdate) EventName() string { return EventGuildMemberListUpdate }
func (*GuildRoleCreate) EventName() string       { return EventGuildRoleCreate }
func (*GuildRoleUpdate) EventName() string       { return EventGuildRoleUpdate }
func (*GuildRoleDelete) EventName() string       { return EventGuildRoleDelete }
func (*GuildMemberAdd) EventName() string        { return EventGuildMemberAdd }
func (*GuildMemberUpdate) EventName() string     { return EventGuildMemberUpdate }
func (*GuildMemberRemove) EventName() string     { return EventGuildMemberRemove }
func (*ChannelCreate) EventName() string         { return EventChannelCreate }
func (*ChannelUpdate) EventName() string         { return EventChannelUpdate }
func (*ChannelDelete) EventName() string         { return EventChannelDelete }
func (*MessageCreate) EventName() string         { return EventMessageCreate }
func (*MessageUpdate) EventName() string         { return EventMessageUpdate }
func (*MessageDelete) EventName() string         { return EventMessageDelete }
func (*UserUpdate) EventName() string            { return EventUserUpdate }

func (*Ready) dispatch()                 {}
func (*Resumed) dispatch()               {}
func (*GuildCreate) dispatch()           {}
func (*GuildUpdate) dispatch()           {}
func (*GuildDelete) dispatch()           {}
func (*GuildMemberListUpdate) dispatch() {}
func (*GuildRoleCreate) dispatch()       {}
func (*GuildRoleUpdate) dispatch()       {}
func (*GuildRoleDelete) dispatch()       {}
func (*GuildMemberAdd) dispatch()        {}
func (*GuildMemberUpdate) dispatch()     {}
func (*GuildMemberRemove) dispatch()     {}
func (*ChannelCreate) dispatch()         {}
func (*ChannelUpdate) dispatch()         {}
func (*ChannelDelete) dispatch()         {}
func (*MessageCreate) dispatch()         {}
func (*MessageUpdate) dispatch()         {}
func (*MessageDelete) dispatch()         {}
func (*UserUpdate) dispatch()            {}

// decodeEvent decodes a dispatch payload by event name. Unknown names yield
// (nil, nil).
func decodeEvent(name string, raw json.RawMessage) (Event, error) {
	var ev Event
	switch name {
	case EventReady:
		ev = &Ready{}
	case EventResumed:
		return &Resumed{}, nil
	case EventGuildCreate:
		ev = &GuildCreate{}
	case EventGuildUpdate:
		ev = &GuildUpdate{}
	case EventGuildDelete:
		ev = &GuildDelete{}
	case EventGuildMemberListUpdate:
		ev = &GuildMemberListUpdate{}
	case EventGuildRoleCreate:
		ev = &GuildRoleCreate{}
	case EventGuildRoleUpdate:
		ev = &GuildRoleUpdate{}
	case EventGuildRoleDelete:
		ev = &GuildRoleDelete{}
	case EventGuildMemberAdd:
		ev = &GuildMemberAdd{}
	case EventGuildMemberUpdate:
		ev = &GuildMemberUpdate{}
	case EventGuildMemberRemove:
		ev = &GuildMemberRemove{}
	case EventChannelCreate:
		ev = &ChannelCreate{}
	case EventChannelUpdate:
		ev = &ChannelUpdate{}
	case EventChannelDelete:
		ev = &ChannelDelete{}
	case EventMessageCreate:
		ev = &MessageCreate{}
	case EventMessageUpdate:
		ev = &MessageUpdate{}
	case EventMessageDelete:
		ev = &MessageDelete{}
	case EventUserUpdate:
		ev = &UserUpdate{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
