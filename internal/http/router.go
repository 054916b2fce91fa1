// Package httpapi wires the HTTP transport (Gin) to the mirror's services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-mirror/internal/config"
	"github.com/tbourn/go-chat-mirror/internal/http/docs"
	"github.com/tbourn/go-chat-mirror/internal/http/handlers"
	"github.com/tbourn/go-chat-mirror/internal/http/middleware"
	"github.com/tbourn/go-chat-mirror/internal/instance"
	"github.com/tbourn/go-chat-mirror/internal/repo"
	"github.com/tbourn/go-chat-mirror/internal/services"
)

// Deps are the long-lived objects the API serves from.
type Deps struct {
	// Manager owns the mirrored instances. Required.
	Manager *instance.Manager
	// DB backs Idempotency-Key records. When nil, keys are validated but
	// never replayed.
	DB *gorm.DB
}

// eventsPath is the SSE endpoint below the API base; it is excluded from
// gzip so events are flushed as they happen.
const eventsPath = "/events"

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, compression, CORS and security headers, health and metrics
// endpoints, and then mounts the API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII and token scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Account: validate X-Account-ID (idempotency and rate limits key on it)
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per account/IP on POST/DELETE, bypass on replay)
//  10. Gzip, CORS and Security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	apiBase := cfg.APIBasePath // e.g. "/api/v1"

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics(joinPath(apiBase, eventsPath)))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Acting account
	r.Use(middleware.Account())

	// 8) Idempotency validation (before rate limiting)
	var lookup middleware.IdempotencyLookup
	if deps.DB != nil {
		lookup = func(ctx context.Context, accountID, channelID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, deps.DB, accountID, channelID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		}
	}
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, lookup))

	// 9) Token-bucket rate limiter per account/IP, for requests that reach the chat server
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByAccountOrIP()).
		OnlyMethods(http.MethodPost, http.MethodDelete)
	r.Use(rl.Handler())

	// 10) Compression, except for the event stream
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{joinPath(apiBase, eventsPath)})))

	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderAccountID, middleware.HeaderIdempotencyKey, "If-None-Match",
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"}

	// CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS; no-store
	// for account-scoped responses)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:     cfg.Security.EnableHSTS,
		HSTSMaxAge:     cfg.Security.HSTSMaxAge,
		AccountNoStore: true,
		EnablePolicy:   true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	docs.SwaggerInfo.BasePath = apiBase
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Dependency injection: services ← manager/db
	msgSvc := &services.MessageService{
		Registry:        deps.Manager,
		DB:              deps.DB,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		MaxContentRunes: cfg.MaxMessageLength,
	}
	viewSvc := &services.ViewService{Registry: deps.Manager}
	var events handlers.EventSource
	if deps.Manager != nil {
		events = deps.Manager
	}
	h := handlers.New(msgSvc, viewSvc, events)

	api := groupWithPrefix(r, apiBase)
	{
		// Change stream
		api.GET(eventsPath, h.Events)

		// Instances and cached entities
		api.GET("/instances", h.ListInstances)
		api.GET("/instances/:domain", h.GetInstance)
		api.GET("/instances/:domain/guilds", h.ListGuilds)
		api.GET("/instances/:domain/guilds/:guild", h.GetGuild)
		api.GET("/instances/:domain/guilds/:guild/member-list", h.GetMemberList)
		api.GET("/instances/:domain/private-channels", h.ListPrivateChannels)

		// Messages
		api.GET("/instances/:domain/channels/:channel/messages", h.ListMessages)
		api.POST("/instances/:domain/channels/:channel/messages", h.PostMessage)
		api.GET("/instances/:domain/channels/:channel/messages/search", h.SearchMessages)
		api.POST("/instances/:domain/channels/:channel/history", h.FetchHistory)

		// Outbound queue
		api.GET("/instances/:domain/channels/:channel/queue", h.ListQueue)
		api.POST("/instances/:domain/queue/:nonce/retry", h.RetryMessage)
		api.DELETE("/instances/:domain/queue/:nonce", h.DeleteQueued)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// joinPath appends p to the API base the way groupWithPrefix mounts it.
func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return base + p
}
