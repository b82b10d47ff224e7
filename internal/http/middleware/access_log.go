package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AccessLogOptions configures AccessLog.
type AccessLogOptions struct {
	// MaskHeaders are replaced by "[REDACTED]" in addition to Authorization,
	// Cookie and Idempotency-Key.
	MaskHeaders []string
	// QuietPaths are logged at debug level on success, e.g. /health.
	QuietPaths []string
}

// Identifiers that may show up in query strings or headers. UUIDs are
// scrubbed first so the looser phone pattern cannot eat their digit groups.
var scrubbers = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`), "[REDACTED:id]"},
	{regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`), "[REDACTED:email]"},
	{regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`), "[REDACTED:phone]"},
}

func scrub(s string) string {
	for _, r := range scrubbers {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// AccessLog installs the request-scoped logger (request_id, user_id, method,
// route) and writes one line per request once it completes. Bodies are never
// logged; request headers are only attached to 4xx/5xx lines and are
// scrubbed first. Level follows the status: error for 5xx, warn for 4xx.
func AccessLog(opts AccessLogOptions) gin.HandlerFunc {
	masked := map[string]bool{
		"authorization":   true,
		"cookie":          true,
		"idempotency-key": true,
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = true
		}
	}
	quiet := make(map[string]bool, len(opts.QuietPaths))
	for _, p := range opts.QuietPaths {
		quiet[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		uid, _ := Actor(c)

		lg := log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("user_id", uid).
			Str("method", c.Request.Method).
			Str("route", route).
			Logger()
		c.Set(ctxLogger, &lg)
		// store and gorm logs pick it up through zerolog.Ctx
		c.Request = c.Request.WithContext(lg.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = lg.Error()
		case status >= 400:
			ev = lg.Warn()
		case quiet[route]:
			ev = lg.Debug()
		default:
			ev = lg.Info()
		}
		if status >= 400 {
			hdrs := make(map[string]string, len(c.Request.Header))
			for k, vv := range c.Request.Header {
				if masked[strings.ToLower(k)] {
					hdrs[k] = "[REDACTED]"
				} else {
					hdrs[k] = scrub(strings.Join(vv, ", "))
				}
			}
			ev = ev.Interface("headers", hdrs)
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("query", scrub(c.Request.URL.RawQuery)).
			Bool("ws", isUpgrade(c.Request)).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Msg("http_request")
	}
}
