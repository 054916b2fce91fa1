package services

import (
	"sort"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/gateway"
)

// Records in the cache hold pointers to shared users and are guarded by the
// cache lock, so everything handed out of a service is copied into these
// views while the lock is held.

// UserView is a user as rendered by the API.
type UserView struct {
	ID            snowflake.ID `json:"id"`
	Username      string       `json:"username"`
	Discriminator string       `json:"discriminator"`
	Tag           string       `json:"tag"`
	DisplayName   string       `json:"display_name"`
	InstanceTag   string       `json:"instance_tag"`
	Avatar        *string      `json:"avatar,omitempty"`
	Bot           bool         `json:"bot,omitempty"`
}

// userView copies u; host is the instance domain the user was seen on.
func userView(u *domain.User, host string) *UserView {
	if u == nil {
		return nil
	}
	return &UserView{
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		Tag:           u.Tag(),
		DisplayName:   u.DisplayName(),
		InstanceTag:   u.InstanceTag(host),
		Avatar:        u.Avatar,
		Bot:           u.Bot,
	}
}

// MessageView is a cached message with its author resolved.
type MessageView struct {
	domain.Message
	Author *UserView `json:"author,omitempty"`
	Edited bool      `json:"edited"`
}

func messageView(m *domain.Message, host string) MessageView {
	v := MessageView{Message: *m, Author: userView(m.Author, host), Edited: m.Edited()}
	v.Message.Author = nil
	return v
}

// SearchHit is one ranked search result.
type SearchHit struct {
	Message MessageView `json:"message"`
	Score   float64     `json:"score"`
}

// InstanceView summarizes one mirrored server.
type InstanceView struct {
	Domain          string           `json:"domain"`
	Connections     []gateway.Status `json:"connections"`
	Guilds          int              `json:"guilds"`
	PrivateChannels int              `json:"private_channels"`
	Users           int              `json:"users"`
	Queued          int              `json:"queued"`
}

// GuildSummary is a guild in a listing.
type GuildSummary struct {
	ID          snowflake.ID `json:"id"`
	Name        string       `json:"name"`
	Acronym     string       `json:"acronym"`
	Icon        *string      `json:"icon,omitempty"`
	MemberCount int          `json:"member_count"`
	Channels    int          `json:"channels"`
	Unavailable bool         `json:"unavailable,omitempty"`
}

// ChannelView is a channel without its messages.
type ChannelView struct {
	domain.Channel
	IconName   string      `json:"icon_name"`
	Text       bool        `json:"text"` // carries messages
	Messages   int         `json:"cached_messages"`
	Recipients []*UserView `json:"recipients,omitempty"`
}

func channelView(ch *domain.Channel, host string) ChannelView {
	v := ChannelView{IconName: ch.Type.Icon(), Text: ch.Type.IsText(), Messages: ch.MessageCount()}
	v.Channel = domain.Channel{
		ID:               ch.ID,
		Type:             ch.Type,
		GuildID:          ch.GuildID,
		Name:             ch.Name,
		Topic:            ch.Topic,
		Position:         ch.Position,
		ParentID:         ch.ParentID,
		NSFW:             ch.NSFW,
		LastMessageID:    ch.LastMessageID,
		RateLimitPerUser: ch.RateLimitPerUser,
		Bitrate:          ch.Bitrate,
		UserLimit:        ch.UserLimit,
		Icon:             ch.Icon,
		OwnerID:          ch.OwnerID,
	}
	for _, u := range ch.Recipients {
		v.Recipients = append(v.Recipients, userView(u, host))
	}
	return v
}

// RoleView is a role with its color rendered.
type RoleView struct {
	domain.Role
	HexColor string `json:"hex_color"`
}

// GuildView is one guild with its channels and roles.
type GuildView struct {
	domain.Guild
	Acronym  string        `json:"acronym"`
	Channels []ChannelView `json:"channels"`
	Roles    []RoleView    `json:"roles"`
	Members  int           `json:"cached_members"`
}

func guildView(g *domain.Guild, host string) GuildView {
	v := GuildView{
		Guild:    *g,
		Acronym:  g.Acronym(),
		Channels: make([]ChannelView, 0, len(g.Channels)),
		Roles:    make([]RoleView, 0, len(g.Roles)),
		Members:  len(g.Members),
	}
	v.Guild.Channels, v.Guild.Members, v.Guild.Roles, v.Guild.MemberList = nil, nil, nil, nil
	v.Guild.Features = append([]string(nil), g.Features...)

	chans := make([]*domain.Channel, 0, len(g.Channels))
	for _, ch := range g.Channels {
		chans = append(chans, ch)
	}
	sort.Slice(chans, func(i, j int) bool {
		if chans[i].Position != chans[j].Position {
			return chans[i].Position < chans[j].Position
		}
		return chans[i].ID < chans[j].ID
	})
	for _, ch := range chans {
		v.Channels = append(v.Channels, channelView(ch, host))
	}

	for _, r := range g.Roles {
		v.Roles = append(v.Roles, roleView(r))
	}
	sortRoles(v.Roles)
	return v
}

func roleView(r *domain.Role) RoleView {
	return RoleView{Role: *r, HexColor: r.HexColor()}
}

// sortRoles orders roles highest position first.
func sortRoles(rs []RoleView) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Position != rs[j].Position {
			return rs[i].Position > rs[j].Position
		}
		return rs[i].ID < rs[j].ID
	})
}

// MemberView is a guild member with its user.
type MemberView struct {
	User        *UserView      `json:"user"`
	Nick        *string        `json:"nick,omitempty"`
	DisplayName string         `json:"display_name"`
	RoleIDs     []snowflake.ID `json:"roles"`
	Roles       []RoleView     `json:"resolved_roles"`
	JoinedAt    time.Time      `json:"joined_at"`
	TimedOut    bool           `json:"timed_out,omitempty"`
}

// MemberListRow is a group title or a member of the display list.
type MemberListRow struct {
	Title  string      `json:"title,omitempty"`
	Member *MemberView `json:"member,omitempty"`
}

// memberListRows renders a synced member list; roles are resolved against g,
// which may be nil when the guild itself is not cached.
func memberListRows(g *domain.Guild, host string, entries []domain.MemberListEntry, now time.Time) []MemberListRow {
	out := make([]MemberListRow, 0, len(entries))
	for _, e := range entries {
		if e.IsTitle() {
			out = append(out, MemberListRow{Title: e.Title})
			continue
		}
		m := e.Member
		mv := &MemberView{
			User:        userView(m.User, host),
			Nick:        m.Nick,
			DisplayName: m.DisplayName(),
			RoleIDs:     append([]snowflake.ID(nil), m.RoleIDs...),
			Roles:       []RoleView{},
			JoinedAt:    m.JoinedAt,
			TimedOut:    m.TimedOut(now),
		}
		if g != nil {
			for _, r := range g.MemberRoles(m) {
				mv.Roles = append(mv.Roles, roleView(r))
			}
			sortRoles(mv.Roles)
		}
		out = append(out, MemberListRow{Member: mv})
	}
	return out
}
