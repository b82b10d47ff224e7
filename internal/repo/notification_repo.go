// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Notification model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a notification is not found, or exists but belongs to another
//     user, functions return gorm.ErrRecordNotFound (exported as ErrNotFound).
//     The two cases are deliberately indistinguishable.
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Ordering: every list is newest-first, with the id as tie-breaker so rows
// created within the same clock tick still come back deterministically.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-notification-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

const newestFirst = "created_at DESC, id DESC"

// CreateNotification inserts a new unread notification. The caller is
// responsible for validating in; the id and timestamps are assigned here.
func CreateNotification(ctx context.Context, db *gorm.DB, in domain.NewNotification) (*domain.Notification, error) {
	now := time.Now().UTC()
	n := &domain.Notification{
		UserID:    in.UserID,
		Type:      in.Type,
		Title:     in.Title,
		Message:   in.Message,
		Status:    domain.StatusUnread,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, err
	}
	return n, nil
}

// scopeUser narrows a query to one user's rows and, when status is non-nil,
// to one read state.
func scopeUser(userID string, status *domain.NotificationStatus) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		q = q.Where("user_id = ?", userID)
		if status != nil {
			q = q.Where("status = ?", *status)
		}
		return q
	}
}

// CountNotifications returns how many notifications userID owns, optionally
// filtered by status.
func CountNotifications(ctx context.Context, db *gorm.DB, userID string, status *domain.NotificationStatus) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Notification{}).
		Scopes(scopeUser(userID, status)).
		Count(&total).Error
	return total, err
}

// ListNotificationsPage returns a slice of userID's notifications, newest
// first, optionally filtered by status. The caller computes offset/limit.
func ListNotificationsPage(ctx context.Context, db *gorm.DB, userID string, status *domain.NotificationStatus, offset, limit int) ([]domain.Notification, error) {
	out := []domain.Notification{}
	err := db.WithContext(ctx).
		Scopes(scopeUser(userID, status)).
		Order(newestFirst).
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListRecentNotifications returns at most limit of userID's newest
// notifications regardless of status.
func ListRecentNotifications(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.Notification, error) {
	out := []domain.Notification{}
	err := db.WithContext(ctx).
		Scopes(scopeUser(userID, nil)).
		Order(newestFirst).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountUnread counts userID's unread rows straight from the table; there is
// no cached counter to drift.
func CountUnread(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	unread := domain.StatusUnread
	return CountNotifications(ctx, db, userID, &unread)
}

// GetNotification fetches a notification by id, scoped to its owner.
func GetNotification(ctx context.Context, db *gorm.DB, id int64, userID string) (*domain.Notification, error) {
	var n domain.Notification
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&n).Error
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkNotificationRead flips one notification to read and returns the
// stored row. The UPDATE only matches unread rows, so applying it to an
// already-read notification changes nothing; changed reports whether this
// call performed the transition.
func MarkNotificationRead(ctx context.Context, db *gorm.DB, id int64, userID string) (n *domain.Notification, changed bool, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Notification{}).
			Where("id = ? AND user_id = ? AND status = ?", id, userID, domain.StatusUnread).
			Update("status", domain.StatusRead)
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected > 0

		got, err := GetNotification(ctx, tx, id, userID)
		if err != nil {
			return err
		}
		n = got
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return n, changed, nil
}

// MarkAllNotificationsRead flips every unread notification of userID with
// an id at or below the current maximum to read. It returns how many rows
// changed and that maximum; rows inserted concurrently get higher ids and
// stay unread.
func MarkAllNotificationsRead(ctx context.Context, db *gorm.DB, userID string) (updated, upTo int64, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Notification{}).
			Where("user_id = ? AND status = ?", userID, domain.StatusUnread).
			Select("COALESCE(MAX(id), 0)").
			Scan(&upTo).Error; err != nil {
			return err
		}
		if upTo == 0 {
			return nil
		}
		res := tx.Model(&domain.Notification{}).
			Where("user_id = ? AND status = ? AND id <= ?", userID, domain.StatusUnread, upTo).
			Update("status", domain.StatusRead)
		updated = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, 0, err
	}
	return updated, upTo, nil
}

// DeleteNotification removes a notification owned by userID. It returns
// ErrNotFound when nothing matched, including when the row belongs to
// someone else.
func DeleteNotification(ctx context.Context, db *gorm.DB, id int64, userID string) (*domain.Notification, error) {
	var removed *domain.Notification
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := GetNotification(ctx, tx, id, userID)
		if err != nil {
			return err
		}
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&domain.Notification{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		removed = n
		return nil
	})
	return removed, err
}
