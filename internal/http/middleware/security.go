// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, the response hardening for the
// inspection API. The API only ever serves JSON and event streams, so the
// content policy forbids every resource type outright. Responses produced
// on behalf of an account can carry private channel contents and may be
// marked uncacheable.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// apiContentPolicy denies all subresources and framing.
const apiContentPolicy = "default-src 'none'; frame-ancestors 'none'"

// defaultHSTSMaxAge applies when HSTSMaxAge is unset.
const defaultHSTSMaxAge = 180 * 24 * time.Hour

// SecurityOptions configures SecurityHeaders.
//
// HSTS is only ever sent for HTTPS requests (TLS or X-Forwarded-Proto);
// enable it only when traffic is HTTPS end-to-end.
type SecurityOptions struct {
	EnableHSTS     bool
	HSTSMaxAge     time.Duration // defaults to 180 days
	NoStore        bool          // Cache-Control: no-store on every response
	AccountNoStore bool          // no-store only when X-Account-ID was sent
	EnablePolicy   bool          // Permissions-Policy and X-Permitted-Cross-Domain-Policies
}

// SecurityHeaders returns a Gin middleware that adds security headers to
// each response. It must run after Account when AccountNoStore is set.
//
// Always sets X-Content-Type-Options, X-Frame-Options, Referrer-Policy and
// Content-Security-Policy. If X-Request-ID is present it is appended to
// Access-Control-Expose-Headers so browser clients can read it.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := opt.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = defaultHSTSMaxAge
	}
	hsts := "max-age=" + strconv.FormatInt(int64(maxAge/time.Second), 10) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", apiContentPolicy)

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.NoStore || (opt.AccountNoStore && AccountIDFromCtx(c) != "") {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if rid := h.Get("X-Request-ID"); rid != "" {
			const hdr = "Access-Control-Expose-Headers"
			cur := h.Get(hdr)
			if cur == "" {
				h.Set(hdr, "X-Request-ID")
			} else if !strings.Contains(cur, "X-Request-ID") {
				h.Set(hdr, cur+", X-Request-ID")
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the incoming request used HTTPS either directly
// (r.TLS != nil) or via a reverse proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
