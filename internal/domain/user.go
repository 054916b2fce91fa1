package domain

import (
	"encoding/json"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// User is a cross-guild identity. One User exists per id per instance and is
// shared by reference from members, messages and private channels.
type User struct {
	ID            snowflake.ID `json:"id"`
	Username      string       `json:"username"`
	GlobalName    *string      `json:"global_name,omitempty"`
	Discriminator string       `json:"discriminator"`
	Avatar        *string      `json:"avatar"`
	Banner        *string      `json:"banner,omitempty"`
	AccentColor   *int         `json:"accent_color,omitempty"`
	Bio           string       `json:"bio,omitempty"`
	Bot           bool         `json:"bot,omitempty"`
	System        bool         `json:"system,omitempty"`
	Flags         int64        `json:"flags,omitempty"`
	PublicFlags   int64        `json:"public_flags,omitempty"`
	PremiumType   int          `json:"premium_type,omitempty"`
	PremiumSince  *time.Time   `json:"premium_since,omitempty"`
	Verified      bool         `json:"verified,omitempty"`
}

// Tag returns the classic "username#discriminator" handle.
func (u *User) Tag() string {
	return u.Username + "#" + u.Discriminator
}

// InstanceTag qualifies Tag with the instance domain, e.g. "bob#0001@example.org".
func (u *User) InstanceTag(domain string) string {
	return u.Tag() + "@" + domain
}

// DisplayName returns the global display name when set, else the username.
func (u *User) DisplayName() string {
	if u.GlobalName != nil && *u.GlobalName != "" {
		return *u.GlobalName
	}
	return u.Username
}

// CreatedAt derives the account creation time from its snowflake.
func (u *User) CreatedAt() time.Time {
	return u.ID.Time()
}

// Merge applies a partial user object. The id never changes.
func (u *User) Merge(raw json.RawMessage) ([]string, error) {
	return mergeFields(u, raw, "id")
}
