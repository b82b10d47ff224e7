package middleware

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type lookupCall struct{ actor, scope, key string }

func idemRouter(t *testing.T, opts IdempotencyOptions, lookup IdempotencyLookup) (*gin.Engine, *[]string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var seen []string
	r := gin.New()
	r.Use(RequestID(), Identity(), IdempotencyValidator(opts, lookup))
	record := func(c *gin.Context) {
		k, _ := GetIdempotencyKey(c)
		seen = append(seen, k+"|"+map[bool]string{true: "replay", false: "fresh"}[IsReplay(c)])
		c.Status(http.StatusOK)
	}
	r.POST("/notifications", record)
	r.GET("/notifications/:id", record)
	return r, &seen
}

func TestIdempotencyValidator_ReplayIsFlaggedPerActorAndScope(t *testing.T) {
	var calls []lookupCall
	lookup := func(_ context.Context, actor, scope, key string) (bool, error) {
		calls = append(calls, lookupCall{actor, scope, key})
		return actor == "svc-orders" && key == "k-1", nil
	}
	r, seen := idemRouter(t, IdempotencyOptions{}, lookup)

	serve(r, http.MethodPost, "/notifications", map[string]string{HeaderIdempotencyKey: "k-1", HeaderUserID: "svc-orders"})
	serve(r, http.MethodPost, "/notifications", map[string]string{HeaderIdempotencyKey: "k-1"})
	serve(r, http.MethodPost, "/notifications", nil)

	want := []string{"k-1|replay", "k-1|fresh", "|fresh"}
	if strings.Join(*seen, ",") != strings.Join(want, ",") {
		t.Fatalf("seen = %v, want %v", *seen, want)
	}
	if len(calls) != 2 {
		t.Fatalf("lookup calls = %d", len(calls))
	}
	if calls[0] != (lookupCall{"svc-orders", "POST /notifications", "k-1"}) || calls[1].actor != "anonymous" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestIdempotencyValidator_SafeMethodsIgnoreHeader(t *testing.T) {
	called := false
	r, seen := idemRouter(t, IdempotencyOptions{}, func(context.Context, string, string, string) (bool, error) {
		called = true
		return true, nil
	})
	serve(r, http.MethodGet, "/notifications/1", map[string]string{HeaderIdempotencyKey: "!!bad!!"})
	if called || (*seen)[0] != "|fresh" {
		t.Fatalf("GET must not be validated: called=%v seen=%v", called, *seen)
	}
}

func TestIdempotencyValidator_RejectsMalformedKeys(t *testing.T) {
	r, seen := idemRouter(t, IdempotencyOptions{MaxLen: 8, Pattern: regexp.MustCompile(`^[a-z0-9-]+$`)}, nil)
	for _, key := range []string{"waytoolongkey", "UPPER", "sp ace"} {
		w := serve(r, http.MethodPost, "/notifications", map[string]string{HeaderIdempotencyKey: key})
		if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), `"code":"bad_request"`) {
			t.Fatalf("key %q: %d %s", key, w.Code, w.Body.String())
		}
	}
	if len(*seen) != 0 {
		t.Fatalf("handler reached: %v", *seen)
	}
	if w := serve(r, http.MethodPost, "/notifications", map[string]string{HeaderIdempotencyKey: "ok-1"}); w.Code != http.StatusOK {
		t.Fatalf("valid key = %d", w.Code)
	}
}

func TestIdempotencyValidator_LookupErrorIsNotFatal(t *testing.T) {
	buf := captureLogs(t)
	r, seen := idemRouter(t, IdempotencyOptions{}, func(context.Context, string, string, string) (bool, error) {
		return false, errors.New("db down")
	})
	w := serve(r, http.MethodPost, "/notifications", map[string]string{HeaderIdempotencyKey: "k"})
	if w.Code != http.StatusOK || (*seen)[0] != "k|fresh" {
		t.Fatalf("code=%d seen=%v", w.Code, *seen)
	}
	if !strings.Contains(buf.String(), "idempotency lookup failed") {
		t.Fatalf("lookup error not logged: %s", buf.String())
	}
}

func TestScopeOfAndActorFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var scope, actor string
	r.PATCH("/notifications/:id/read", func(c *gin.Context) { scope, actor = ScopeOf(c), IdempotencyActor(c) })
	serve(r, http.MethodPatch, "/notifications/9/read", nil)
	if scope != "PATCH /notifications/:id/read" || actor != "anonymous" {
		t.Fatalf("scope=%q actor=%q", scope, actor)
	}
}
