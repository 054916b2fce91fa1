// Package services holds the mirror's application logic on top of the
// instance manager: sending and retrying outbound messages, fetching and
// searching history, and read-only views of the cache. This file centralizes
// the service-level error values so callers can check them with errors.Is.
//
// Translation into HTTP status codes happens in the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/go-chat-mirror/internal/queue"
)

var (
	// ErrInstanceNotFound indicates that no instance exists for the domain.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrNoSession is returned when the requested account has no identified
	// gateway connection on the instance.
	ErrNoSession = errors.New("no session for account")

	// ErrEmptyContent is returned for a message with no visible content.
	ErrEmptyContent = errors.New("content is empty")

	// ErrContentTooLong is returned when content exceeds the configured
	// rune limit.
	ErrContentTooLong = errors.New("content too long")

	// ErrChannelNotFound indicates the channel is not in the cache.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrGuildNotFound indicates the guild is not in the cache.
	ErrGuildNotFound = errors.New("guild not found")

	// ErrNotQueued is returned for a nonce with no queued entry.
	ErrNotQueued = queue.ErrNotQueued

	// ErrNotFailed is returned when retrying an entry that is still sending.
	ErrNotFailed = errors.New("message has not failed")
)
