// Package services – NotificationService
//
// This file implements the notification store: durable CRUD over
// notifications plus the derived queries the HTTP layer and sync clients
// need (paged history, recent list, unread count, ETag stats).
//
// Ownership is enforced on every mutation. A notification that exists but
// belongs to someone else is reported exactly like a missing one
// (ErrNotificationNotFound).
//
// When Events is set, successful read/read-all/delete mutations are
// reflected to the user's other live sessions.
//
// Observability: public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-notification-backend/internal/domain"
	"github.com/tbourn/go-notification-backend/internal/realtime"
	"github.com/tbourn/go-notification-backend/internal/repo"
	"github.com/tbourn/go-notification-backend/internal/utils"
)

// NotificationRepo defines the repository contract required by
// NotificationService.
type NotificationRepo interface {
	CreateNotification(ctx context.Context, db *gorm.DB, in domain.NewNotification) (*domain.Notification, error)
	CountNotifications(ctx context.Context, db *gorm.DB, userID string, status *domain.NotificationStatus) (int64, error)
	ListNotificationsPage(ctx context.Context, db *gorm.DB, userID string, status *domain.NotificationStatus, offset, limit int) ([]domain.Notification, error)
	ListRecentNotifications(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.Notification, error)
	CountUnread(ctx context.Context, db *gorm.DB, userID string) (int64, error)
	GetNotification(ctx context.Context, db *gorm.DB, id int64, userID string) (*domain.Notification, error)
	MarkNotificationRead(ctx context.Context, db *gorm.DB, id int64, userID string) (*domain.Notification, bool, error)
	MarkAllNotificationsRead(ctx context.Context, db *gorm.DB, userID string) (updated, upTo int64, err error)
	DeleteNotification(ctx context.Context, db *gorm.DB, id int64, userID string) (*domain.Notification, error)
	NotificationsStats(ctx context.Context, db *gorm.DB, userID string) (repo.NotificationStats, error)
}

// Broadcaster pushes an event to every live session of one user and
// reports how many sessions accepted it. *realtime.Hub satisfies it.
type Broadcaster interface {
	Broadcast(userID string, ev realtime.Event) int
}

// NopBroadcaster drops every event.
type NopBroadcaster struct{}

// Broadcast implements Broadcaster.
func (NopBroadcaster) Broadcast(string, realtime.Event) int { return 0 }

// Page is one slice of a user's history.
type Page struct {
	Items      []domain.Notification
	Page       int
	PageSize   int
	Total      int64
	TotalPages int
}

// NotificationService implements the notification store.
type NotificationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the notification repository used by this service.
	Repo NotificationRepo
	// Events receives read-state reflections; nil disables them.
	Events Broadcaster

	// RecentLimit is used by ListRecent when the caller passes limit <= 0.
	RecentLimit int
	// MaxPageSize caps page sizes and recent limits.
	MaxPageSize int
}

// NewNotificationService constructs a NotificationService with the default
// recent limit (5) and page cap (100).
func NewNotificationService(db *gorm.DB, r NotificationRepo) *NotificationService {
	return &NotificationService{
		DB:          db,
		Repo:        r,
		RecentLimit: 5,
		MaxPageSize: 100,
	}
}

func tracer() trace.Tracer { return otel.Tracer("services/NotificationService") }

// Create validates in and persists it as an unread notification. Invalid
// input yields a *ValidationError and writes nothing; store failures are
// wrapped in ErrPersistence.
func (s *NotificationService) Create(ctx context.Context, in domain.NewNotification) (*domain.Notification, error) {
	ctx, span := tracer().Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("notification.type", string(in.Type)),
		),
	)
	defer span.End()

	in = in.Normalize()
	if err := in.Validate(); err != nil {
		var fe domain.FieldError
		if errors.As(err, &fe) {
			return nil, &ValidationError{Field: fe.Field, Reason: describeRule(fe)}
		}
		return nil, &ValidationError{Field: "body", Reason: err.Error()}
	}

	n, err := s.Repo.CreateNotification(ctx, s.DB, in)
	if err != nil {
		span.RecordError(err)
		return nil, wrapPersistence(err)
	}
	return n, nil
}

// describeRule turns a validator tag into a human sentence.
func describeRule(fe domain.FieldError) string {
	switch fe.Rule {
	case "required":
		return "must not be empty"
	case "max":
		if fe.Field == "title" {
			return "must be at most 255 characters"
		}
		return "is too long"
	case "oneof":
		names := make([]string, 0, 7)
		for _, t := range domain.NotificationTypes() {
			names = append(names, string(t))
		}
		return "must be one of " + strings.Join(names, ", ")
	}
	return "failed " + fe.Rule
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return &ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	return nil
}

// ListPage returns page (1-based) of userID's notifications, newest first,
// optionally narrowed to one status. Page and pageSize must be >= 1;
// pageSize is capped at MaxPageSize. A page past the end is empty, not an
// error.
func (s *NotificationService) ListPage(ctx context.Context, userID string, page, pageSize int, status *domain.NotificationStatus) (Page, error) {
	ctx, span := tracer().Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if err := requireUser(userID); err != nil {
		return Page{}, err
	}
	if page < 1 {
		return Page{}, &ValidationError{Field: "page", Reason: "must be >= 1"}
	}
	if pageSize < 1 {
		return Page{}, &ValidationError{Field: "limit", Reason: "must be >= 1"}
	}
	pageSize = utils.ClampPageSize(pageSize, s.MaxPageSize)

	out := Page{Items: []domain.Notification{}, Page: page, PageSize: pageSize}
	total, err := s.Repo.CountNotifications(ctx, s.DB, userID, status)
	if err != nil {
		return Page{}, err
	}
	out.Total = total
	out.TotalPages = utils.TotalPages(total, pageSize)

	offset := utils.Offset(page, pageSize)
	if int64(offset) >= total {
		return out, nil
	}
	items, err := s.Repo.ListNotificationsPage(ctx, s.DB, userID, status, offset, pageSize)
	if err != nil {
		return Page{}, err
	}
	out.Items = items
	return out, nil
}

// ListRecent returns at most limit of userID's newest notifications
// regardless of status. limit <= 0 selects RecentLimit.
func (s *NotificationService) ListRecent(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	ctx, span := tracer().Start(ctx, "ListRecent",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.Int("limit", limit)),
	)
	defer span.End()

	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.RecentLimit
	}
	if limit <= 0 {
		limit = 5
	}
	if s.MaxPageSize > 0 && limit > s.MaxPageSize {
		limit = s.MaxPageSize
	}
	return s.Repo.ListRecentNotifications(ctx, s.DB, userID, limit)
}

// UnreadCount counts userID's unread notifications from the table.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	ctx, span := tracer().Start(ctx, "UnreadCount",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	if err := requireUser(userID); err != nil {
		return 0, err
	}
	return s.Repo.CountUnread(ctx, s.DB, userID)
}

// Get returns notification id if userID owns it.
func (s *NotificationService) Get(ctx context.Context, userID string, id int64) (*domain.Notification, error) {
	ctx, span := tracer().Start(ctx, "Get",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.Int64("notification.id", id)),
	)
	defer span.End()

	if err := requireUser(userID); err != nil {
		return nil, err
	}
	n, err := s.Repo.GetNotification(ctx, s.DB, id, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// MarkRead flips notification id to read on behalf of userID. Marking an
// already-read notification succeeds without change.
func (s *NotificationService) MarkRead(ctx context.Context, userID string, id int64) (*domain.Notification, error) {
	ctx, span := tracer().Start(ctx, "MarkRead",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.Int64("notification.id", id)),
	)
	defer span.End()

	if err := requireUser(userID); err != nil {
		return nil, err
	}
	n, changed, err := s.Repo.MarkNotificationRead(ctx, s.DB, id, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	if changed {
		s.reflect(userID, realtime.ReadEvent(id))
	}
	return n, nil
}

// MarkAllRead flips every unread notification of userID and returns how
// many changed. Zero unread rows is not an error.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	ctx, span := tracer().Start(ctx, "MarkAllRead",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	if err := requireUser(userID); err != nil {
		return 0, err
	}
	updated, upTo, err := s.Repo.MarkAllNotificationsRead(ctx, s.DB, userID)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("updated", updated), attribute.Int64("up_to_id", upTo))
	if updated > 0 {
		s.reflect(userID, realtime.ReadAllEvent(userID, updated, upTo))
	}
	return updated, nil
}

// Delete removes notification id if userID owns it.
func (s *NotificationService) Delete(ctx context.Context, userID string, id int64) error {
	ctx, span := tracer().Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.Int64("notification.id", id)),
	)
	defer span.End()

	if err := requireUser(userID); err != nil {
		return err
	}
	if _, err := s.Repo.DeleteNotification(ctx, s.DB, id, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotificationNotFound
		}
		return err
	}
	s.reflect(userID, realtime.DeletedEvent(id))
	return nil
}

// Stats returns the aggregate used for ETags.
func (s *NotificationService) Stats(ctx context.Context, userID string) (repo.NotificationStats, error) {
	return s.Repo.NotificationsStats(ctx, s.DB, userID)
}

func (s *NotificationService) reflect(userID string, ev realtime.Event) {
	if s.Events == nil {
		return
	}
	s.Events.Broadcast(userID, ev)
}
