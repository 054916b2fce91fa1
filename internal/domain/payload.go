package domain

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/disgoorg/snowflake/v2"
)

// Nonce is the client-assigned correlation id echoed back on a created
// message. Servers send it either as a string or as a bare integer.
type Nonce string

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (n *Nonce) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		*n = Nonce(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*n = Nonce(num.String())
	return nil
}

// MemberPayload is a guild member object with its embedded user.
type MemberPayload struct {
	GuildMember
	GuildID snowflake.ID `json:"guild_id,omitempty"`
	User    *User        `json:"user,omitempty"`
}

// ChannelPayload is a channel object with its recipients (private channels).
type ChannelPayload struct {
	Channel
	Recipients []User `json:"recipients,omitempty"`
}

// MessagePayload is a message object with its embedded author.
type MessagePayload struct {
	Message
	Author *User          `json:"author,omitempty"`
	Member *MemberPayload `json:"member,omitempty"`
}

// GuildPayload is a full guild object as carried by READY and GUILD_CREATE.
// Some servers nest the guild's own fields under "properties"; those are
// applied over the top-level ones.
type GuildPayload struct {
	Guild
	Properties json.RawMessage  `json:"properties,omitempty"`
	Channels   []ChannelPayload `json:"channels,omitempty"`
	Roles      []Role           `json:"roles,omitempty"`
	Members    []MemberPayload  `json:"members,omitempty"`
}

// Record returns the guild's own fields with Properties applied.
func (p GuildPayload) Record() (Guild, error) {
	g := p.Guild
	if len(p.Properties) > 0 && !bytes.Equal(p.Properties, []byte("null")) {
		id := g.ID
		if err := json.Unmarshal(p.Properties, &g); err != nil {
			return g, err
		}
		g.ID = id
	}
	return g, nil
}

// MemberListUpdate is the GUILD_MEMBER_LIST_UPDATE payload.
type MemberListUpdate struct {
	GuildID     snowflake.ID      `json:"guild_id"`
	ID          string            `json:"id"`
	MemberCount int               `json:"member_count"`
	OnlineCount int               `json:"online_count"`
	Groups      []MemberListGroup `json:"groups"`
	Ops         []MemberListOp    `json:"ops"`
}

// MemberListGroup identifies a group by role id or by a presence bucket
// such as "online" / "offline".
type MemberListGroup struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// Member list operation names.
const (
	MemberListSync       = "SYNC"
	MemberListInsert     = "INSERT"
	MemberListUpdateOp   = "UPDATE"
	MemberListDelete     = "DELETE"
	MemberListInvalidate = "INVALIDATE"
)

// MemberListOp is one operation of a member list update.
type MemberListOp struct {
	Op    string           `json:"op"`
	Range []int            `json:"range,omitempty"`
	Index *int             `json:"index,omitempty"`
	Items []MemberListItem `json:"items,omitempty"`
	Item  *MemberListItem  `json:"item,omitempty"`
}

// MemberListItem is either a group marker or a member.
type MemberListItem struct {
	Group  *MemberListGroup `json:"group,omitempty"`
	Member *MemberPayload   `json:"member,omitempty"`
}
