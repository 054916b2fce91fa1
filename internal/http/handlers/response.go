// Response helpers.
//
// Every failure is answered with an ErrorResponse carrying a stable code
// from errors.go. Successful reads return the view types of the services
// package directly, wrapped in a named envelope for lists:
//
//	HTTP/1.1 200 OK
//	{ "guilds": [ { "id": "1", "name": "Go Gophers Club", ... } ] }
//
//	HTTP/1.1 409 Conflict
//	{ "request_id": "…", "code": "no_session", "message": "account has no session on this instance" }

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-mirror/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code"`
	// Human-readable message (safe to show to users)
	Message string `json:"message"`
}

// fail aborts the request with an ErrorResponse. 5xx responses are logged
// with the request-scoped logger; a 502 means the chat server failed us and
// is logged as a warning.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		ev := lg.Error()
		if status == http.StatusBadGateway {
			ev = lg.Warn()
		}
		ev.Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail lets the router's fallbacks answer with the same envelope.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes body as JSON.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes 204.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
