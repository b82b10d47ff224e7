package clientsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tbourn/go-notification-backend/internal/domain"
)

// APIError is a non-2xx answer from the notification API.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Page is one page of history as returned by the API.
type Page struct {
	Items      []domain.Notification `json:"items"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"pageSize"`
	Total      int64                 `json:"total"`
	TotalPages int                   `json:"totalPages"`
}

// Client talks to the notification REST API. It is safe for concurrent use.
type Client struct {
	// BaseURL includes the API prefix, e.g. "http://localhost:8080/api/v1".
	BaseURL string
	// Actor is sent as X-User-ID on every request.
	Actor string
	HTTP  *http.Client

	mu     sync.Mutex
	unread map[string]cachedCount
}

type cachedCount struct {
	etag  string
	count int64
}

// NewClient returns a Client whose transport is traced with otelhttp.
func NewClient(baseURL, actor string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Actor:   actor,
		HTTP: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Create posts a new notification. A non-empty idempotencyKey makes the
// call safe to retry.
func (c *Client) Create(ctx context.Context, in domain.NewNotification, idempotencyKey string) (*domain.Notification, error) {
	body := map[string]string{
		"userId":  in.UserID,
		"type":    string(in.Type),
		"title":   in.Title,
		"message": in.Message,
	}
	hdr := http.Header{}
	if idempotencyKey != "" {
		hdr.Set("Idempotency-Key", idempotencyKey)
	}
	var out domain.Notification
	if _, err := c.do(ctx, http.MethodPost, "/notifications", body, hdr, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List fetches one page of history. status may be "", "unread" or "read".
func (c *Client) List(ctx context.Context, userID string, page, limit int, status string) (Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if status != "" {
		q.Set("status", status)
	}
	var out Page
	_, err := c.do(ctx, http.MethodGet, "/notifications/"+url.PathEscape(userID)+"?"+q.Encode(), nil, nil, &out)
	return out, err
}

// UnreadCount fetches the unread badge value. Unchanged answers are served
// from a per-user cache through If-None-Match.
func (c *Client) UnreadCount(ctx context.Context, userID string) (int64, error) {
	c.mu.Lock()
	prev, cached := c.unread[userID]
	c.mu.Unlock()

	hdr := http.Header{}
	if cached && prev.etag != "" {
		hdr.Set("If-None-Match", prev.etag)
	}
	var out struct {
		UnreadCount int64 `json:"unreadCount"`
	}
	resp, err := c.do(ctx, http.MethodGet, "/notifications/"+url.PathEscape(userID)+"/unread-count", nil, hdr, &out)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode == http.StatusNotModified && cached {
		return prev.count, nil
	}

	c.mu.Lock()
	if c.unread == nil {
		c.unread = make(map[string]cachedCount)
	}
	c.unread[userID] = cachedCount{etag: resp.Header.Get("ETag"), count: out.UnreadCount}
	c.mu.Unlock()
	return out.UnreadCount, nil
}

// Recent fetches the newest notifications. limit <= 0 uses the server default.
func (c *Client) Recent(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	path := "/notifications/" + url.PathEscape(userID) + "/recent"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []domain.Notification
	_, err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}

// MarkRead marks one notification read on behalf of Actor.
func (c *Client) MarkRead(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPatch, "/notifications/"+strconv.FormatInt(id, 10)+"/read", nil, nil, nil)
	return err
}

// MarkAllRead marks every notification of userID read.
func (c *Client) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	_, err := c.do(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(userID)+"/read-all", nil, nil, &out)
	return out.Updated, err
}

// Delete removes one notification on behalf of Actor.
func (c *Client) Delete(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, "/notifications/"+strconv.FormatInt(id, 10), nil, nil, nil)
	return err
}

// do sends one request and decodes a 2xx JSON body into out. 304 is
// returned to the caller without decoding.
func (c *Client) do(ctx context.Context, method, path string, body any, hdr http.Header, out any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Actor != "" {
		req.Header.Set("X-User-ID", c.Actor)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return resp, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env struct {
			RequestID string `json:"request_id"`
			Code      string `json:"code"`
			Message   string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&env) == nil {
			apiErr.Code, apiErr.Message, apiErr.RequestID = env.Code, env.Message, env.RequestID
		}
		return resp, apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp, nil
}
