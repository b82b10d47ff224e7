// Notification HTTP handlers.
//
// This file exposes the REST surface consumed by sync clients:
//   - POST   /notifications                     (create + fan-out, idempotent)
//   - GET    /notifications/{userId}            (paged history, ETag support)
//   - GET    /notifications/{userId}/unread-count
//   - GET    /notifications/{userId}/recent
//   - PATCH  /notifications/{id}/read
//   - PATCH  /notifications/{userId}/read-all
//   - DELETE /notifications/{id}
//
// The {id} segment is shared by every route because Gin requires one
// wildcard name per path position; its meaning (user id or notification id)
// depends on the route.
//
// Handlers are transport-thin: they parse input, call the store or the
// publisher, and translate results and typed errors into HTTP responses.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-notification-backend/internal/domain"
	"github.com/tbourn/go-notification-backend/internal/http/middleware"
	"github.com/tbourn/go-notification-backend/internal/repo"
	"github.com/tbourn/go-notification-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// NotificationStore is the read/mutate surface of the notification store.
//
// Implementations must be safe for concurrent use and honor ctx.
type NotificationStore interface {
	Get(ctx context.Context, userID string, id int64) (*domain.Notification, error)
	ListPage(ctx context.Context, userID string, page, pageSize int, status *domain.NotificationStatus) (services.Page, error)
	ListRecent(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, userID string, id int64) (*domain.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, userID string, id int64) error
	Stats(ctx context.Context, userID string) (repo.NotificationStats, error)
}

// NotificationPublisher creates a notification and fans it out.
type NotificationPublisher interface {
	PublishNew(ctx context.Context, in domain.NewNotification) (*domain.Notification, error)
}

// IdempotencyStore remembers which notification an Idempotency-Key created.
type IdempotencyStore interface {
	// Find returns the notification id recorded for (actor, scope, key).
	Find(ctx context.Context, actor, scope, key string) (id int64, ok bool)
	// Remember records id for (actor, scope, key). Failures are non-fatal.
	Remember(ctx context.Context, actor, scope, key string, id int64) error
}

//
// Handler wiring
//

// Handlers groups the notification endpoints.
type Handlers struct {
	store NotificationStore
	pub   NotificationPublisher
	idem  IdempotencyStore

	// DefaultPageSize is used when ?limit is absent.
	DefaultPageSize int
}

// New constructs Handlers. idem may be nil to disable idempotent create.
func New(store NotificationStore, pub NotificationPublisher, idem IdempotencyStore) *Handlers {
	return &Handlers{store: store, pub: pub, idem: idem, DefaultPageSize: 10}
}

//
// DTOs
//

// UserRef accepts a user id as a JSON string or number.
type UserRef string

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*u = UserRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("userId must be a string or number")
	}
	*u = UserRef(n.String())
	return nil
}

// CreateNotificationRequest is the JSON payload for creating a notification.
type CreateNotificationRequest struct {
	UserID  UserRef                 `json:"userId"  swaggertype:"string" example:"42"`
	Type    domain.NotificationType `json:"type"    swaggertype:"string" enums:"order,event,review,comment,system,voucher,loyalty" example:"order"`
	Title   string                  `json:"title"   example:"Order shipped"`
	Message string                  `json:"message" example:"Your order #1001 is on its way."`
}

// ListNotificationsResponse is one page of a user's history.
type ListNotificationsResponse struct {
	Items      []domain.Notification `json:"items"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"pageSize"`
	Total      int64                 `json:"total"`
	TotalPages int                   `json:"totalPages"`
}

// UnreadCountResponse carries the unread badge value.
type UnreadCountResponse struct {
	UnreadCount int64 `json:"unreadCount" example:"3"`
}

// MarkAllReadResponse reports how many notifications changed.
type MarkAllReadResponse struct {
	Updated int64 `json:"updated" example:"4"`
}

//
// Helpers
//

// queryInt parses an optional integer query parameter. Absent means def;
// range checks are left to the store.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// pathInt64 parses the :id path segment as a notification id.
func pathInt64(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// notModified sets a weak ETag derived from the user's aggregate state and
// reports whether the request's If-None-Match already matches it. Stats
// failures disable the check.
func (h *Handlers) notModified(c *gin.Context, view, uid string) bool {
	st, err := h.store.Stats(c.Request.Context(), uid)
	if err != nil {
		return false
	}
	var ts int64
	if st.MaxUpdatedAt != nil {
		ts = st.MaxUpdatedAt.UnixNano()
	}
	etag := fmt.Sprintf(`W/"%s:%s:%d:%d:%d:%d"`, view, uid, st.Count, st.Unread, st.MaxID, ts)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

// storeError maps store errors onto the response envelope.
func storeError(c *gin.Context, err error, code string) {
	var ve *services.ValidationError
	switch {
	case errors.As(err, &ve):
		fail(c, http.StatusBadRequest, ErrCodeValidation, ve.Error())
	case errors.Is(err, services.ErrNotificationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "notification not found")
	default:
		internalError(c, code, err)
	}
}

//
// Handlers
//

// CreateNotification godoc
// @ID          createNotification
// @Summary     Create and push a notification
// @Description Persists a notification for userId and pushes it to every live session of that user.
// @Description Supports idempotency via the Idempotency-Key header; a replay returns the original row and is not pushed again.
// @Tags        Notifications
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller id used to scope idempotency keys"  example(svc-orders)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.CreateNotificationRequest  true  "Notification payload"
//
// @Success     201  {object}  domain.Notification
// @Header      201  {string}  Idempotency-Replayed  "true when the response replays an earlier create"
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     404  {object}  handlers.ErrorResponse  "Idempotency-Key refers to a deleted notification"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /notifications [post]
func (h *Handlers) CreateNotification(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	in := domain.NewNotification{
		UserID:  string(req.UserID),
		Type:    req.Type,
		Title:   req.Title,
		Message: req.Message,
	}

	key, _ := middleware.GetIdempotencyKey(c)
	who, scope := middleware.IdempotencyActor(c), middleware.ScopeOf(c)

	// Replay path. A key whose notification is gone stays spent; publishing
	// again would push a second notification under the same key.
	if key != "" && h.idem != nil {
		if id, found := h.idem.Find(ctx, who, scope, key); found {
			prev, err := h.store.Get(ctx, in.Normalize().UserID, id)
			if err != nil {
				storeError(c, err, ErrCodeCreateFailed)
				return
			}
			c.Header("Idempotency-Replayed", "true")
			writeJSON(c, http.StatusCreated, prev)
			return
		}
	}

	n, err := h.pub.PublishNew(ctx, in)
	if err != nil {
		storeError(c, err, ErrCodeCreateFailed)
		return
	}

	// Store path (best effort).
	if key != "" && h.idem != nil {
		if err := h.idem.Remember(ctx, who, scope, key, n.ID); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not stored")
		}
	}
	writeJSON(c, http.StatusCreated, n)
}

// ListNotifications godoc
// @ID          listNotifications
// @Summary     List a user's notifications (paginated)
// @Description Newest first, optionally filtered by status. A page past the end is empty. Supports weak ETag via If-None-Match.
// @Tags        Notifications
// @Produce     json
//
// @Param       id             path    string  true  "User ID"  example(42)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       limit          query   int     false "Items per page"  minimum(1) maximum(100) default(10)
// @Param       status         query   string  false "Status filter"   Enums(unread, read)
//
// @Success     200  {object}  handlers.ListNotificationsResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /notifications/{id} [get]
func (h *Handlers) ListNotifications(c *gin.Context) {
	uid := c.Param("id")

	page, okPage := queryInt(c, "page", 1)
	limit, okLimit := queryInt(c, "limit", h.DefaultPageSize)
	if !okPage || !okLimit {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "page and limit must be integers")
		return
	}
	status, okStatus := domain.ParseStatusFilter(c.Query("status"))
	if !okStatus {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be unread or read")
		return
	}

	if page >= 1 && limit >= 1 && h.notModified(c, fmt.Sprintf("list:%d:%d:%s", page, limit, c.Query("status")), uid) {
		return
	}

	p, err := h.store.ListPage(c.Request.Context(), uid, page, limit, status)
	if err != nil {
		storeError(c, err, ErrCodeListFailed)
		return
	}
	writeJSON(c, http.StatusOK, ListNotificationsResponse{
		Items:      p.Items,
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      p.Total,
		TotalPages: p.TotalPages,
	})
}

// UnreadCount godoc
// @ID          unreadCount
// @Summary     Count unread notifications
// @Tags        Notifications
// @Produce     json
//
// @Param       id             path    string  true  "User ID"  example(42)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
//
// @Success     200  {object}  handlers.UnreadCountResponse
// @Success     304  {string}  string "Not Modified"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /notifications/{id}/unread-count [get]
func (h *Handlers) UnreadCount(c *gin.Context) {
	uid := c.Param("id")
	if h.notModified(c, "unread", uid) {
		return
	}
	n, err := h.store.UnreadCount(c.Request.Context(), uid)
	if err != nil {
		storeError(c, err, ErrCodeListFailed)
		return
	}
	writeJSON(c, http.StatusOK, UnreadCountResponse{UnreadCount: n})
}

// RecentNotifications godoc
// @ID          recentNotifications
// @Summary     Newest notifications for the dropdown preview
// @Tags        Notifications
// @Produce     json
//
// @Param       id     path   string  true  "User ID"  example(42)
// @Param       limit  query  int     false "Max items (server default when absent)"  minimum(1)
//
// @Success     200  {array}   domain.Notification
// @Success     304  {string}  string "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /notifications/{id}/recent [get]
func (h *Handlers) RecentNotifications(c *gin.Context) {
	uid := c.Param("id")
	limit, valid := queryInt(c, "limit", 0)
	if !valid || limit < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
		return
	}
	if h.notModified(c, fmt.Sprintf("recent:%d", limit), uid) {
		return
	}
	items, err := h.store.ListRecent(c.Request.Context(), uid, limit)
	if err != nil {
		storeError(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []domain.Notification{}
	}
	writeJSON(c, http.StatusOK, items)
}

// MarkRead godoc
// @ID          markNotificationRead
// @Summary     Mark one notification as read
// @Description Idempotent: marking an already-read notification succeeds without change.
// @Tags        Notifications
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Acting user"      example(42)
// @Param       id         path    int     true  "Notification ID"  example(17)
//
// @Success     200  {object}  domain.Notification
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse "Missing user"
// @Failure     404  {object}  handlers.ErrorResponse "Notification not found"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /notifications/{id}/read [patch]
func (h *Handlers) MarkRead(c *gin.Context) {
	id, valid := pathInt64(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "notification id must be a positive integer")
		return
	}
	uid, known := middleware.Actor(c)
	if !known {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	n, err := h.store.MarkRead(c.Request.Context(), uid, id)
	if err != nil {
		storeError(c, err, ErrCodeUpdateFailed)
		return
	}
	writeJSON(c, http.StatusOK, n)
}

// MarkAllRead godoc
// @ID          markAllNotificationsRead
// @Summary     Mark every notification of a user as read
// @Tags        Notifications
// @Produce     json
//
// @Param       id  path  string  true  "User ID"  example(42)
//
// @Success     200  {object}  handlers.MarkAllReadResponse
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /notifications/{id}/read-all [patch]
func (h *Handlers) MarkAllRead(c *gin.Context) {
	updated, err := h.store.MarkAllRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err, ErrCodeUpdateFailed)
		return
	}
	writeJSON(c, http.StatusOK, MarkAllReadResponse{Updated: updated})
}

// DeleteNotification godoc
// @ID          deleteNotification
// @Summary     Delete one notification
// @Description Deleting a notification owned by someone else reports 404, exactly like a missing one.
// @Tags        Notifications
//
// @Param       X-User-ID  header  string  true  "Acting user"      example(42)
// @Param       id         path    int     true  "Notification ID"  example(17)
//
// @Success     204  {string}  string "No Content"
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse "Missing user"
// @Failure     404  {object}  handlers.ErrorResponse "Notification not found"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /notifications/{id} [delete]
func (h *Handlers) DeleteNotification(c *gin.Context) {
	id, valid := pathInt64(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "notification id must be a positive integer")
		return
	}
	uid, known := middleware.Actor(c)
	if !known {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	if err := h.store.Delete(c.Request.Context(), uid, id); err != nil {
		storeError(c, err, ErrCodeDeleteFailed)
		return
	}
	noContent(c)
}
