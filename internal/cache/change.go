package cache

import "github.com/disgoorg/snowflake/v2"

// Op is the kind of mutation a Change describes.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
	OpSync   Op = "sync"
)

// Entity names the record kind a Change applies to.
type Entity string

const (
	EntityUser           Entity = "user"
	EntityGuild          Entity = "guild"
	EntityRole           Entity = "role"
	EntityMember         Entity = "member"
	EntityChannel        Entity = "channel"
	EntityPrivateChannel Entity = "private_channel"
	EntityMessage        Entity = "message"
	EntityMemberList     Entity = "member_list"
)

// Change describes one applied mutation. Fields lists the merged keys for
// OpUpdate and is empty otherwise.
type Change struct {
	Op        Op           `json:"op"`
	Entity    Entity       `json:"entity"`
	ID        snowflake.ID `json:"id,omitempty"`
	GuildID   snowflake.ID `json:"guild_id,omitempty"`
	ChannelID snowflake.ID `json:"channel_id,omitempty"`
	Fields    []string     `json:"fields,omitempty"`
}

// SourceResync marks an empty Batch telling a subscriber it missed batches
// and should re-read the cache.
const SourceResync = "resync"

// Batch groups every change made by one Apply call, typically the handling
// of a single gateway dispatch frame.
type Batch struct {
	Domain  string   `json:"domain"`
	Source  string   `json:"source"`
	Changes []Change `json:"changes"`
}
