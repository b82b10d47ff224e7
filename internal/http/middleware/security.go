// Package middleware contains the Gin middleware shared by the notification
// API: request ids and access logs, panic recovery, Prometheus metrics,
// per-caller rate limits, Idempotency-Key validation and security headers.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/unrolled/secure"
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests only.
	EnableHSTS bool
	// HSTSMaxAge defaults to 180 days.
	HSTSMaxAge time.Duration
	// Expose lists response headers browser clients may read besides
	// X-Request-ID, e.g. ETag for conditional polling.
	Expose []string
}

// SecurityHeaders hardens every API response. Notification payloads are
// per-user, so reads are marked private and must be revalidated through
// their ETag, and writes are never stored by caches. WebSocket upgrades are
// passed through untouched.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	age := opt.HSTSMaxAge
	if age <= 0 {
		age = 180 * 24 * time.Hour
	}
	so := secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		ReferrerPolicy:     "no-referrer",
		PermissionsPolicy:  "geolocation=(), microphone=(), camera=(), payment=()",
		// requests reach us through a TLS-terminating proxy
		SSLProxyHeaders: map[string]string{"X-Forwarded-Proto": "https"},
	}
	if opt.EnableHSTS {
		so.STSSeconds = int64(age / time.Second)
		so.STSIncludeSubdomains = true
		so.STSPreload = true
	}
	sec := secure.New(so)
	expose := append([]string{HeaderRequestID}, opt.Expose...)

	return func(c *gin.Context) {
		if isUpgrade(c.Request) {
			c.Next()
			return
		}
		if err := sec.Process(c.Writer, c.Request); err != nil {
			// only host and redirect checks fail, and neither is configured
			c.Abort()
			return
		}
		h := c.Writer.Header()
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead:
			h.Set("Cache-Control", "private, no-cache")
		default:
			h.Set("Cache-Control", "no-store")
		}
		mergeList(h, "Access-Control-Expose-Headers", expose)
		c.Next()
	}
}

// mergeList appends the values missing from a comma separated header.
func mergeList(h http.Header, key string, vals []string) {
	cur := h.Get(key)
	have := make(map[string]bool)
	for _, v := range strings.Split(cur, ",") {
		if v = strings.TrimSpace(v); v != "" {
			have[strings.ToLower(v)] = true
		}
	}
	for _, v := range vals {
		if have[strings.ToLower(v)] {
			continue
		}
		have[strings.ToLower(v)] = true
		if cur == "" {
			cur = v
		} else {
			cur += ", " + v
		}
	}
	if cur != "" {
		h.Set(key, cur)
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
