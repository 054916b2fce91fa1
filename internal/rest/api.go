package rest

import (
	"context"
	"net/url"
	"strconv"

	"github.com/disgoorg/snowflake/v2"

	"github.com/tbourn/go-chat-mirror/internal/domain"
)

// History limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// HistoryQuery selects a page of channel history. At most one of Before,
// After and Around is used, in that order of precedence.
type HistoryQuery struct {
	Limit  int
	Before snowflake.ID
	After  snowflake.ID
	Around snowflake.ID
}

func (q HistoryQuery) values() url.Values {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	v := url.Values{}
	v.Set("limit", strconv.Itoa(limit))
	switch {
	case q.Before != 0:
		v.Set("before", q.Before.String())
	case q.After != 0:
		v.Set("after", q.After.String())
	case q.Around != 0:
		v.Set("around", q.Around.String())
	}
	return v
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context, token string) (domain.User, error) {
	var u domain.User
	err := c.Get(ctx, "users/@me", nil, token, &u)
	return u, err
}

// Messages fetches a page of a channel's history, newest first as the
// server returns it.
func (c *Client) Messages(ctx context.Context, token string, channelID snowflake.ID, q HistoryQuery) ([]domain.MessagePayload, error) {
	var out []domain.MessagePayload
	err := c.Get(ctx, "channels/"+channelID.String()+"/messages", q.values(), token, &out)
	return out, err
}

type createMessage struct {
	Content string `json:"content"`
	Nonce   string `json:"nonce,omitempty"`
}

// CreateMessage posts content to a channel. The nonce is echoed back on the
// MESSAGE_CREATE dispatch.
func (c *Client) CreateMessage(ctx context.Context, token string, channelID snowflake.ID, content, nonce string) (domain.MessagePayload, error) {
	var out domain.MessagePayload
	err := c.Post(ctx, "channels/"+channelID.String()+"/messages", createMessage{Content: content, Nonce: nonce}, token, &out)
	return out, err
}
