package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/disgoorg/snowflake/v2"
)

// Guild is a community: its own properties plus the Channels, Members and
// Roles it owns and the derived MemberList used for display.
type Guild struct {
	ID                          snowflake.ID  `json:"id"`
	Name                        string        `json:"name"`
	Icon                        *string       `json:"icon"`
	Banner                      *string       `json:"banner,omitempty"`
	Splash                      *string       `json:"splash,omitempty"`
	Description                 *string       `json:"description,omitempty"`
	OwnerID                     snowflake.ID  `json:"owner_id"`
	Features                    []string      `json:"features,omitempty"`
	AFKChannelID                *snowflake.ID `json:"afk_channel_id,omitempty"`
	AFKTimeout                  int           `json:"afk_timeout,omitempty"`
	SystemChannelID             *snowflake.ID `json:"system_channel_id,omitempty"`
	RulesChannelID              *snowflake.ID `json:"rules_channel_id,omitempty"`
	VerificationLevel           int           `json:"verification_level,omitempty"`
	DefaultMessageNotifications int           `json:"default_message_notifications,omitempty"`
	ExplicitContentFilter       int           `json:"explicit_content_filter,omitempty"`
	MFALevel                    int           `json:"mfa_level,omitempty"`
	PremiumTier                 int           `json:"premium_tier,omitempty"`
	PreferredLocale             string        `json:"preferred_locale,omitempty"`
	MemberCount                 int           `json:"member_count,omitempty"`
	MaxMembers                  int           `json:"max_members,omitempty"`
	NSFWLevel                   int           `json:"nsfw_level,omitempty"`
	Large                       bool          `json:"large,omitempty"`
	Unavailable                 bool          `json:"unavailable,omitempty"`
	JoinedAt                    *time.Time    `json:"joined_at,omitempty"`

	Channels   map[snowflake.ID]*Channel     `json:"-"`
	Members    map[snowflake.ID]*GuildMember `json:"-"`
	Roles      map[snowflake.ID]*Role        `json:"-"`
	MemberList []MemberListEntry             `json:"-"`
}

// NewGuild returns g with its collections allocated.
func NewGuild(g Guild) *Guild {
	g.Channels = make(map[snowflake.ID]*Channel)
	g.Members = make(map[snowflake.ID]*GuildMember)
	g.Roles = make(map[snowflake.ID]*Role)
	g.MemberList = nil
	return &g
}

// Acronym returns the first letter of every word of the name, used as the
// icon placeholder when a guild has no icon.
func (g *Guild) Acronym() string {
	var b strings.Builder
	for _, w := range strings.FieldsFunc(g.Name, unicode.IsSpace) {
		r, _ := utf8.DecodeRuneInString(w)
		b.WriteRune(r)
	}
	return b.String()
}

// MemberRoles resolves the member's role ids against the guild's roles,
// skipping ids that are not (or no longer) known.
func (g *Guild) MemberRoles(m *GuildMember) []*Role {
	out := make([]*Role, 0, len(m.RoleIDs))
	for _, id := range m.RoleIDs {
		if r, ok := g.Roles[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Merge applies a partial guild object; identity and owned collections are
// never replaced.
func (g *Guild) Merge(raw json.RawMessage) ([]string, error) {
	return mergeFields(g, raw, "id")
}

// Role is a guild-scoped permission and display group.
type Role struct {
	ID           snowflake.ID `json:"id"`
	GuildID      snowflake.ID `json:"guild_id,omitempty"`
	Name         string       `json:"name"`
	Color        int          `json:"color"`
	Hoist        bool         `json:"hoist"`
	Position     int          `json:"position"`
	Permissions  string       `json:"permissions"`
	Managed      bool         `json:"managed"`
	Mentionable  bool         `json:"mentionable"`
	Icon         *string      `json:"icon,omitempty"`
	UnicodeEmoji *string      `json:"unicode_emoji,omitempty"`
}

// HexColor renders Color as "#rrggbb".
func (r *Role) HexColor() string {
	return fmt.Sprintf("#%06x", r.Color&0xffffff)
}

// Merge applies a partial role object.
func (r *Role) Merge(raw json.RawMessage) ([]string, error) {
	return mergeFields(r, raw, "id", "guild_id")
}

// GuildMember overlays a User inside one guild. User always points at the
// instance's shared User record.
type GuildMember struct {
	User                       *User          `json:"-"`
	GuildID                    snowflake.ID   `json:"-"`
	Nick                       *string        `json:"nick"`
	Avatar                     *string        `json:"avatar"`
	RoleIDs                    []snowflake.ID `json:"roles"`
	JoinedAt                   time.Time      `json:"joined_at"`
	PremiumSince               *time.Time     `json:"premium_since,omitempty"`
	Deaf                       bool           `json:"deaf"`
	Mute                       bool           `json:"mute"`
	Pending                    bool           `json:"pending,omitempty"`
	CommunicationDisabledUntil *time.Time     `json:"communication_disabled_until,omitempty"`
}

// DisplayName is the nickname when set, else the user's display name.
func (m *GuildMember) DisplayName() string {
	if m.Nick != nil && *m.Nick != "" {
		return *m.Nick
	}
	if m.User == nil {
		return ""
	}
	return m.User.DisplayName()
}

// TimedOut reports whether the member is communication-disabled at now.
func (m *GuildMember) TimedOut(now time.Time) bool {
	return m.CommunicationDisabledUntil != nil && m.CommunicationDisabledUntil.After(now)
}

// Merge applies a partial member object. The user reference is not touched.
func (m *GuildMember) Merge(raw json.RawMessage) ([]string, error) {
	return mergeFields(m, raw, "user", "guild_id")
}

// MemberListEntry is one row of a guild's display member list: either a
// group title or a member reference.
type MemberListEntry struct {
	Title  string
	Member *GuildMember
}

// IsTitle reports whether the entry is a group header.
func (e MemberListEntry) IsTitle() bool { return e.Member == nil }
