package middleware

import (
	"net/http"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gin-gonic/gin"
)

// HeaderAccountID selects which signed-in account a request acts as. Its
// value is the account's user id on the mirrored instance.
const HeaderAccountID = "X-Account-ID"

const ctxKeyAccountID = "accountID"

// Account validates the X-Account-ID header and stashes the id for the
// idempotency and rate-limit middleware and the handlers. A missing header is
// not an error; handlers that need an account reject the request themselves.
func Account() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderAccountID)
		if raw == "" {
			c.Next()
			return
		}
		id, err := snowflake.Parse(raw)
		if err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_account_id",
				"message":    "invalid " + HeaderAccountID,
			})
			return
		}
		c.Set(ctxKeyAccountID, id.String())
		l := LoggerFrom(c).With().Str("account_id", id.String()).Logger()
		c.Set(ctxKeyLogger, &l)
		c.Next()
	}
}

// AccountIDFromCtx returns the account id stashed by Account, or "".
func AccountIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyAccountID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
