// Message HTTP handlers.
//
// This file exposes endpoints for channel messages and the outbound queue:
//   - POST   /instances/{domain}/channels/{channel}/messages        (send)
//   - GET    /instances/{domain}/channels/{channel}/messages        (cached, paginated)
//   - GET    /instances/{domain}/channels/{channel}/messages/search (lexical top-k)
//   - POST   /instances/{domain}/channels/{channel}/history         (fetch from server)
//   - GET    /instances/{domain}/channels/{channel}/queue           (pending/failed)
//   - POST   /instances/{domain}/queue/{nonce}/retry
//   - DELETE /instances/{domain}/queue/{nonce}
//
// Idempotency:
// If the client supplies an Idempotency-Key header that already produced a
// send for (account, channel, key), the handler returns that send's queue
// entry with 200 and sets `Idempotency-Replayed: true` instead of posting a
// duplicate. A fresh send answers 202: delivery is confirmed later by the
// gateway echo, which the event stream reports.
package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-mirror/internal/http/middleware"
	"github.com/tbourn/go-chat-mirror/internal/queue"
	"github.com/tbourn/go-chat-mirror/internal/rest"
	"github.com/tbourn/go-chat-mirror/internal/services"
	"github.com/tbourn/go-chat-mirror/internal/utils"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a message.
//
// Content is normalized by the handler (line endings and excessive blank lines)
// before being passed to the service layer, which enforces the rune limit.
type PostMessageRequest struct {
	Content string `json:"content" binding:"required,min=1"`
}

// MessageResponse is the JSON envelope for one queue entry.
type MessageResponse struct {
	Message queue.Message `json:"message"`
}

// ListMessagesResponse contains a page of cached messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []services.MessageView `json:"messages"`
	Pagination Pagination             `json:"pagination"`
}

// SearchMessagesResponse lists the best matching cached messages.
type SearchMessagesResponse struct {
	Query string               `json:"query"`
	Hits  []services.SearchHit `json:"hits"`
}

// FetchHistoryResponse reports how many messages a history fetch added.
type FetchHistoryResponse struct {
	Added int `json:"added"`
}

// QueueResponse lists the queue entries of a channel.
type QueueResponse struct {
	Messages []queue.Message `json:"messages"`
}

//
// Helpers
//

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 100
	defaultSearchK         = 5
	maxSearchK             = 50
)

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes message text:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxContentRunes inspects the concrete MessageService for its
// configured length limit so oversize content fails at the edge. Zero means
// no limit is known.
func discoverMaxContentRunes(msgSvc MessageService) int {
	if ms, ok := msgSvc.(*services.MessageService); ok {
		return ms.MaxContentRunes
	}
	return 0
}

//
// Handlers
//

// PostMessage enqueues and posts a message as the account named by
// X-Account-ID.
func (h *Handlers) PostMessage(c *gin.Context) {
	acc, valid := accountID(c)
	if !valid {
		return
	}
	channelID, valid := idParam(c, "channel")
	if !valid {
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if maxRunes := discoverMaxContentRunes(h.msgSvc); maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeContentTooLong, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	res, err := h.msgSvc.Send(c.Request.Context(), services.SendRequest{
		Domain:         c.Param("domain"),
		AccountID:      acc,
		ChannelID:      channelID,
		Content:        content,
		IdempotencyKey: key,
	})
	if err != nil {
		failService(c, err)
		return
	}
	if res.Replayed {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, MessageResponse{Message: res.Message})
		return
	}
	if res.Message.Status == queue.StatusFailed {
		middleware.LoggerFrom(c).Warn().
			Str("nonce", res.Message.ID).
			Str("error", res.Message.Error).
			Msg("message post failed; queued for retry")
	}
	ok(c, http.StatusAccepted, MessageResponse{Message: res.Message})
}

// ListMessages returns a page of the channel's cached messages, oldest
// first. A weak ETag over the page lets clients poll with If-None-Match.
func (h *Handlers) ListMessages(c *gin.Context) {
	channelID, valid := idParam(c, "channel")
	if !valid {
		return
	}
	page, pageSize := utils.ClampPage(queryInt(c, "page", 1), queryInt(c, "page_size", defaultMessagePageSize),
		defaultMessagePageSize, maxMessagePageSize)

	items, total, err := h.msgSvc.List(c.Request.Context(), c.Param("domain"), channelID, page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}

	var last string
	if n := len(items); n > 0 {
		last = items[n-1].ID.String()
	}
	etag := fmt.Sprintf(`W/"messages:%s:%d:%d:%s"`, channelID, total, page, last)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}

// SearchMessages ranks the channel's cached messages against q.
func (h *Handlers) SearchMessages(c *gin.Context) {
	channelID, valid := idParam(c, "channel")
	if !valid {
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "q required")
		return
	}
	k := queryInt(c, "k", defaultSearchK)
	if k < 1 {
		k = defaultSearchK
	}
	if k > maxSearchK {
		k = maxSearchK
	}

	hits, err := h.msgSvc.Search(c.Request.Context(), c.Param("domain"), channelID, q, k)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, SearchMessagesResponse{Query: q, Hits: hits})
}

// FetchHistory loads a page of channel history from the server into the
// cache. Query parameters: limit, and one of before/after/around.
func (h *Handlers) FetchHistory(c *gin.Context) {
	acc, valid := accountID(c)
	if !valid {
		return
	}
	channelID, valid := idParam(c, "channel")
	if !valid {
		return
	}
	q := rest.HistoryQuery{Limit: queryInt(c, "limit", rest.DefaultHistoryLimit)}
	var okBefore, okAfter, okAround bool
	q.Before, okBefore = queryID(c, "before")
	q.After, okAfter = queryID(c, "after")
	q.Around, okAround = queryID(c, "around")
	if !okBefore || !okAfter || !okAround {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "before, after and around must be snowflake ids")
		return
	}

	n, err := h.msgSvc.FetchHistory(c.Request.Context(), c.Param("domain"), acc, channelID, q)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, FetchHistoryResponse{Added: n})
}

// ListQueue returns the channel's queued (sending or failed) messages.
func (h *Handlers) ListQueue(c *gin.Context) {
	channelID, valid := idParam(c, "channel")
	if !valid {
		return
	}
	ms, err := h.msgSvc.Queued(c.Request.Context(), c.Param("domain"), channelID)
	if err != nil {
		failService(c, err)
		return
	}
	if ms == nil {
		ms = []queue.Message{}
	}
	ok(c, http.StatusOK, QueueResponse{Messages: ms})
}

// RetryMessage re-posts a failed queue entry.
func (h *Handlers) RetryMessage(c *gin.Context) {
	m, err := h.msgSvc.Retry(c.Request.Context(), c.Param("domain"), c.Param("nonce"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusAccepted, MessageResponse{Message: m})
}

// DeleteQueued drops a queue entry.
func (h *Handlers) DeleteQueued(c *gin.Context) {
	if err := h.msgSvc.Remove(c.Request.Context(), c.Param("domain"), c.Param("nonce")); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}
