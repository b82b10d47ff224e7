package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func lastLine(t *testing.T, s string) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(s), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("bad log line %q: %v", lines[len(lines)-1], err)
	}
	return m
}

func TestAccessLog_LevelsScrubbingAndScopedLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	r := gin.New()
	r.Use(RequestID(), Identity(), AccessLog(AccessLogOptions{
		MaskHeaders: []string{"X-API-Key"},
		QuietPaths:  []string{"/health"},
	}))
	r.GET("/notifications/:id", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("inside")
		c.Status(http.StatusOK)
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/notifications", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	serve(r, http.MethodGet, "/notifications/42?email=a.b@example.com", map[string]string{HeaderUserID: "42"})
	out := buf.String()
	if !strings.Contains(out, `"message":"inside"`) || !strings.Contains(out, `"route":"/notifications/:id"`) {
		t.Fatalf("scoped logger not installed: %s", out)
	}
	line := lastLine(t, out)
	if line["level"] != "info" || line["user_id"] != "42" || line["query"] != "email=[REDACTED:email]" {
		t.Fatalf("info line = %v", line)
	}
	if _, ok := line["headers"]; ok {
		t.Fatal("headers must only be logged for failures")
	}

	buf.Reset()
	serve(r, http.MethodGet, "/health", nil)
	if lastLine(t, buf.String())["level"] != "debug" {
		t.Fatalf("quiet path should log at debug: %s", buf.String())
	}

	buf.Reset()
	serve(r, http.MethodPost, "/notifications", map[string]string{
		"Authorization":   "Bearer x",
		"X-API-Key":       "k",
		"Idempotency-Key": "key-1",
		"X-Trace":         "550e8400-e29b-41d4-a716-446655440000",
	})
	line = lastLine(t, buf.String())
	hdrs, _ := line["headers"].(map[string]any)
	if line["level"] != "warn" || hdrs["Authorization"] != "[REDACTED]" || hdrs["X-Api-Key"] != "[REDACTED]" ||
		hdrs["Idempotency-Key"] != "[REDACTED]" || hdrs["X-Trace"] != "[REDACTED:id]" {
		t.Fatalf("warn line = %v", line)
	}

	buf.Reset()
	serve(r, http.MethodGet, "/fail", nil)
	if lastLine(t, buf.String())["level"] != "error" {
		t.Fatalf("5xx should log at error: %s", buf.String())
	}
}

func TestScrub_OrderKeepsUUIDIntact(t *testing.T) {
	got := scrub("id=550e8400-e29b-41d4-a716-446655440000&tel=212 555 1212")
	if got != "id=[REDACTED:id]&tel=[REDACTED:phone]" {
		t.Fatalf("scrub = %q", got)
	}
}
