package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// HeaderRequestID carries the correlation id in both directions.
	HeaderRequestID = "X-Request-ID"
	// HeaderUserID names the acting user. There is no authentication in this
	// service; an upstream gateway is expected to set it.
	HeaderUserID = "X-User-ID"

	ctxRequestID = "requestID"
	ctxUserID    = "userID"
	ctxLogger    = "logger"

	maxRequestIDLen = 128
	// matches the notifications.user_id column
	maxUserIDLen = 64
)

// RequestID reuses a well-formed incoming X-Request-ID or mints a UUID, and
// echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if !printable(rid, maxRequestIDLen) {
			rid = uuid.NewString()
		}
		c.Set(ctxRequestID, rid)
		c.Header(HeaderRequestID, rid)
		c.Next()
	}
}

// Identity records the caller named by X-User-ID in the context so rate
// limits, idempotency scopes and ownership checks agree on who is acting.
// Oversized or non-printable values are treated as anonymous.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); printable(uid, maxUserIDLen) {
			c.Set(ctxUserID, uid)
		}
		c.Next()
	}
}

// Actor returns the acting user. Routes mounted without Identity fall back
// to the raw header.
func Actor(c *gin.Context) (string, bool) {
	if uid := c.GetString(ctxUserID); uid != "" {
		return uid, true
	}
	if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); printable(uid, maxUserIDLen) {
		return uid, true
	}
	return "", false
}

// RequestIDFrom returns the id set by RequestID, or the response header when
// the middleware did not run.
func RequestIDFrom(c *gin.Context) string {
	if rid := c.GetString(ctxRequestID); rid != "" {
		return rid
	}
	return c.Writer.Header().Get(HeaderRequestID)
}

// Recovery turns a handler panic into the standard 500 envelope. Nothing is
// written when the handler already started the response.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger installed by AccessLog. Without
// it, a logger carrying only the request id is returned.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(ctxLogger); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Str("request_id", RequestIDFrom(c)).Logger()
	return &l
}

func printable(s string, max int) bool {
	if s == "" || len(s) > max {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
