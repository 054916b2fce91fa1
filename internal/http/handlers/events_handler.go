package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-mirror/internal/config"
	"github.com/tbourn/go-chat-mirror/internal/http/middleware"
)

// sseKeepAlive is how often an idle event stream writes a comment line so
// proxies keep the connection open.
var sseKeepAlive = 15 * time.Second

// Events streams cache batches and queue changes as Server-Sent Events. The
// SSE event name is the notification type ("cache", "queue" or "resync") and
// the data is the JSON-encoded instance.Event. ?domain= limits the stream to
// one instance.
//
// A slow client does not stall the mirror: the broker drops notifications
// for a subscriber whose buffer is full and sends a "resync" event once it
// catches up.
func (h *Handlers) Events(c *gin.Context) {
	if h.events == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "event stream unavailable")
		return
	}
	only := config.NormalizeDomain(c.Query("domain"))

	events, cancel := h.events.Subscribe(0)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	lg := middleware.LoggerFrom(c)
	lg.Debug().Str("domain", only).Msg("event stream opened")

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, open := <-events:
			if !open {
				return false
			}
			// A resync without a domain concerns every instance.
			if only != "" && ev.Domain != "" && ev.Domain != only {
				return true
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
	lg.Debug().Msg("event stream closed")
}
