// Package handlers implements the inspection and control API over the
// mirrored instances. Handlers are transport-thin: they parse path, query and
// header input, call the services, and translate results and service errors
// into the JSON envelopes defined in response.go.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-mirror/internal/http/middleware"
	"github.com/tbourn/go-chat-mirror/internal/instance"
	"github.com/tbourn/go-chat-mirror/internal/queue"
	"github.com/tbourn/go-chat-mirror/internal/rest"
	"github.com/tbourn/go-chat-mirror/internal/services"
	"github.com/tbourn/go-chat-mirror/internal/utils"
)

//
// Service contracts (context-aware)
//

// MessageService sends, retries, lists and searches channel messages.
// *services.MessageService implements it.
type MessageService interface {
	Send(ctx context.Context, req services.SendRequest) (services.SendResult, error)
	Retry(ctx context.Context, domainName, nonce string) (queue.Message, error)
	Remove(ctx context.Context, domainName, nonce string) error
	Queued(ctx context.Context, domainName string, channelID snowflake.ID) ([]queue.Message, error)
	FetchHistory(ctx context.Context, domainName string, accountID, channelID snowflake.ID, q rest.HistoryQuery) (int, error)
	List(ctx context.Context, domainName string, channelID snowflake.ID, page, pageSize int) ([]services.MessageView, int64, error)
	Search(ctx context.Context, domainName string, channelID snowflake.ID, query string, k int) ([]services.SearchHit, error)
}

// ViewService exposes read-only snapshots of the cache.
// *services.ViewService implements it.
type ViewService interface {
	Instances(ctx context.Context) []services.InstanceView
	Instance(ctx context.Context, domainName string) (services.InstanceView, error)
	Guilds(ctx context.Context, domainName string) ([]services.GuildSummary, error)
	Guild(ctx context.Context, domainName string, guildID snowflake.ID) (services.GuildView, error)
	MemberList(ctx context.Context, domainName string, guildID snowflake.ID) ([]services.MemberListRow, error)
	PrivateChannels(ctx context.Context, domainName string) ([]services.ChannelView, error)
}

// EventSource streams change notifications from every instance.
// *instance.Manager implements it.
type EventSource interface {
	Subscribe(buffer int) (<-chan instance.Event, func())
}

//
// Handler wiring
//

// Handlers groups the API endpoints.
type Handlers struct {
	msgSvc  MessageService
	viewSvc ViewService
	events  EventSource
}

// New constructs Handlers bound to the given services. events may be nil,
// in which case the event stream answers 503.
func New(msgSvc MessageService, viewSvc ViewService, events EventSource) *Handlers {
	return &Handlers{msgSvc: msgSvc, viewSvc: viewSvc, events: events}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	pages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
	}
}

//
// Helpers
//

// idParam parses a snowflake path parameter, failing the request with 400
// when it is malformed.
func idParam(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.Parse(c.Param(name))
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, name+" must be a snowflake id")
		return 0, false
	}
	return id, true
}

// accountID returns the account selected with X-Account-ID, failing the
// request with 400 when none was given.
func accountID(c *gin.Context) (snowflake.ID, bool) {
	raw := middleware.AccountIDFromCtx(c)
	if raw == "" {
		fail(c, http.StatusBadRequest, ErrCodeAccountRequired, middleware.HeaderAccountID+" header required")
		return 0, false
	}
	id, err := snowflake.Parse(raw)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid "+middleware.HeaderAccountID)
		return 0, false
	}
	return id, true
}

// queryInt reads an integer query parameter with a default.
func queryInt(c *gin.Context, name string, def int) int {
	return utils.AtoiDefault(c.Query(name), def)
}

// queryID reads an optional snowflake query parameter. ok is false when the
// value is present but malformed.
func queryID(c *gin.Context, name string) (id snowflake.ID, ok bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := snowflake.Parse(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// failService maps a service error onto the error envelope.
func failService(c *gin.Context, err error) {
	var apiErr *rest.APIError
	switch {
	case errors.Is(err, services.ErrInstanceNotFound):
		fail(c, http.StatusNotFound, ErrCodeInstanceNotFound, "instance not found")
	case errors.Is(err, services.ErrChannelNotFound):
		fail(c, http.StatusNotFound, ErrCodeChannelNotFound, "channel not found")
	case errors.Is(err, services.ErrGuildNotFound):
		fail(c, http.StatusNotFound, ErrCodeGuildNotFound, "guild not found")
	case errors.Is(err, services.ErrNotQueued):
		fail(c, http.StatusNotFound, ErrCodeNotQueued, "no queued message with that nonce")
	case errors.Is(err, services.ErrNoSession):
		fail(c, http.StatusConflict, ErrCodeNoSession, "account has no session on this instance")
	case errors.Is(err, services.ErrNotFailed):
		fail(c, http.StatusConflict, ErrCodeNotFailed, "message has not failed")
	case errors.Is(err, services.ErrEmptyContent):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, services.ErrContentTooLong):
		fail(c, http.StatusBadRequest, ErrCodeContentTooLong, err.Error())
	case errors.As(err, &apiErr):
		fail(c, http.StatusBadGateway, ErrCodeUpstream, apiErr.Error())
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg("request failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}
