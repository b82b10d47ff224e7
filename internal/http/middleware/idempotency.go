package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey lets a producer retry POST /notifications without
// creating, and pushing, the same notification twice.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~:\-]+$`)

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen defaults to 200 bytes.
	MaxLen int
	// Pattern defaults to token characters plus . _ ~ : -
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether a live record exists for the key. Expiry
// is the store's business.
type IdempotencyLookup func(ctx context.Context, actor, scope, key string) (bool, error)

// IdempotencyValidator checks the Idempotency-Key header on unsafe methods
// and stashes it for the handler. When lookup finds the key already used,
// the request is flagged as a replay and is not charged by the rate limiter.
// A malformed key is rejected with 400; a lookup failure only loses the
// replay hint.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || !unsafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "bad_request",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			found, err := lookup(c.Request.Context(), IdempotencyActor(c), ScopeOf(c), key)
			switch {
			case err != nil:
				LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
			case found:
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}

// GetIdempotencyKey returns the key validated by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	k := c.GetString(ctxKeyIdemKey)
	return k, k != ""
}

// IsReplay reports whether the key was already used by this actor and scope.
func IsReplay(c *gin.Context) bool { return c.GetBool(ctxKeyIdemReplay) }

// ScopeOf binds a key to one endpoint: method plus route pattern.
func ScopeOf(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return c.Request.Method + " " + route
}

// IdempotencyActor owns a key: the acting user, else "anonymous". Handlers
// must record keys under the same actor.
func IdempotencyActor(c *gin.Context) string {
	if uid, ok := Actor(c); ok {
		return uid
	}
	return "anonymous"
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
