package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ChannelType is the wire channel kind.
type ChannelType int

const (
	ChannelGuildText          ChannelType = 0
	ChannelDM                 ChannelType = 1
	ChannelGuildVoice         ChannelType = 2
	ChannelGroupDM            ChannelType = 3
	ChannelGuildCategory      ChannelType = 4
	ChannelGuildNews          ChannelType = 5
	ChannelGuildStore         ChannelType = 6
	ChannelEncrypted          ChannelType = 7
	ChannelEncryptedThreads   ChannelType = 8
	ChannelTranscript         ChannelType = 9
	ChannelGuildNewsThread    ChannelType = 10
	ChannelGuildPublicThread  ChannelType = 11
	ChannelGuildPrivateThread ChannelType = 12
	ChannelGuildStageVoice    ChannelType = 13
	ChannelDirectory          ChannelType = 14
	ChannelGuildForum         ChannelType = 15
	ChannelUnhandled          ChannelType = 255
)

// IsPrivate reports whether channels of this type live outside any guild.
func (t ChannelType) IsPrivate() bool {
	return t == ChannelDM || t == ChannelGroupDM
}

// IsText reports whether the channel carries a message stream.
func (t ChannelType) IsText() bool {
	switch t {
	case ChannelGuildText, ChannelDM, ChannelGroupDM, ChannelGuildNews,
		ChannelGuildNewsThread, ChannelGuildPublicThread, ChannelGuildPrivateThread:
		return true
	}
	return false
}

// Icon names the glyph a client shows next to a channel of this type.
func (t ChannelType) Icon() string {
	switch t {
	case ChannelGuildText, ChannelDM, ChannelGroupDM:
		return "hashtag"
	case ChannelGuildVoice, ChannelGuildStageVoice:
		return "voice"
	case ChannelGuildNews:
		return "megaphone"
	case ChannelGuildNewsThread, ChannelGuildPublicThread, ChannelGuildPrivateThread:
		return "thread"
	case ChannelGuildForum:
		return "forum"
	case ChannelGuildCategory:
		return "category"
	case ChannelGuildStore:
		return "store"
	}
	return "hashtag"
}

// Channel is a guild channel or a private (DM / group DM) channel together
// with its ordered set of cached messages.
type Channel struct {
	ID               snowflake.ID  `json:"id"`
	Type             ChannelType   `json:"type"`
	GuildID          snowflake.ID  `json:"guild_id,omitempty"`
	Name             string        `json:"name,omitempty"`
	Topic            *string       `json:"topic,omitempty"`
	Position         int           `json:"position,omitempty"`
	ParentID         *snowflake.ID `json:"parent_id,omitempty"`
	NSFW             bool          `json:"nsfw,omitempty"`
	LastMessageID    *snowflake.ID `json:"last_message_id,omitempty"`
	RateLimitPerUser int           `json:"rate_limit_per_user,omitempty"`
	Bitrate          int           `json:"bitrate,omitempty"`
	UserLimit        int           `json:"user_limit,omitempty"`
	Icon             *string       `json:"icon,omitempty"`
	OwnerID          *snowflake.ID `json:"owner_id,omitempty"`

	Recipients []*User `json:"-"`

	messages []*Message
	byID     map[snowflake.ID]*Message
}

// NewChannel returns c ready to hold messages.
func NewChannel(c Channel) *Channel {
	c.messages = nil
	c.byID = make(map[snowflake.ID]*Message)
	return &c
}

// IsPrivate reports whether the channel belongs to no guild.
func (c *Channel) IsPrivate() bool { return c.Type.IsPrivate() }

// Merge applies a partial channel object.
func (c *Channel) Merge(raw json.RawMessage) ([]string, error) {
	return mergeFields(c, raw, "id", "guild_id")
}

// Messages returns the cached messages ordered by timestamp, oldest first.
func (c *Channel) Messages() []*Message {
	out := make([]*Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// MessageCount returns how many messages are cached.
func (c *Channel) MessageCount() int { return len(c.messages) }

// Message looks a cached message up by id.
func (c *Channel) Message(id snowflake.ID) (*Message, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// InsertMessage adds m at its ordered position. A message whose id is
// already cached is left as is and false is returned.
func (c *Channel) InsertMessage(m *Message) bool {
	if c.byID == nil {
		c.byID = make(map[snowflake.ID]*Message)
	}
	if _, ok := c.byID[m.ID]; ok {
		return false
	}
	i := sort.Search(len(c.messages), func(i int) bool {
		return messageBefore(m, c.messages[i])
	})
	c.messages = append(c.messages, nil)
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
	c.byID[m.ID] = m
	return true
}

// RemoveMessage drops a cached message and reports whether it existed.
func (c *Channel) RemoveMessage(id snowflake.ID) bool {
	if _, ok := c.byID[id]; !ok {
		return false
	}
	delete(c.byID, id)
	for i, m := range c.messages {
		if m.ID == id {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			break
		}
	}
	return true
}

func messageBefore(a, b *Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// Attachment is a file uploaded with a message.
type Attachment struct {
	ID          snowflake.ID `json:"id"`
	Filename    string       `json:"filename"`
	Size        int64        `json:"size"`
	URL         string       `json:"url"`
	ProxyURL    string       `json:"proxy_url,omitempty"`
	ContentType string       `json:"content_type,omitempty"`
	Width       *int         `json:"width,omitempty"`
	Height      *int         `json:"height,omitempty"`
}

// Message is a chat message in a channel. Author points at the instance's
// shared User record.
type Message struct {
	ID              snowflake.ID      `json:"id"`
	ChannelID       snowflake.ID      `json:"channel_id"`
	GuildID         snowflake.ID      `json:"guild_id,omitempty"`
	Author          *User             `json:"-"`
	Content         string            `json:"content"`
	Timestamp       time.Time         `json:"timestamp"`
	EditedTimestamp *time.Time        `json:"edited_timestamp"`
	TTS             bool              `json:"tts,omitempty"`
	MentionEveryone bool              `json:"mention_everyone,omitempty"`
	Pinned          bool              `json:"pinned,omitempty"`
	Type            int               `json:"type"`
	Flags           int               `json:"flags,omitempty"`
	Attachments     []Attachment      `json:"attachments,omitempty"`
	Embeds          []json.RawMessage `json:"embeds,omitempty"`
	Nonce           Nonce             `json:"nonce,omitempty"`
}

// Edited reports whether the message carries an edit timestamp.
func (m *Message) Edited() bool { return m.EditedTimestamp != nil }

// Merge applies a partial message object. The creation timestamp is the
// channel's ordering key and is never changed by a merge.
func (m *Message) Merge(raw json.RawMessage) ([]string, error) {
	return mergeFields(m, raw, "id", "channel_id", "guild_id", "timestamp")
}
