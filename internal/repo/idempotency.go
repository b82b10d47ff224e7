package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-notification-backend/internal/domain"
)

// ErrDuplicate is returned when (user_id, scope, key) is already recorded.
var ErrDuplicate = errors.New("duplicate")

// clock is replaced in tests.
var clock = func() time.Time { return time.Now().UTC() }

// GetIdempotency returns the live record for (userID, scope, key), or
// ErrNotFound when there is none or it has expired.
func GetIdempotency(ctx context.Context, db *gorm.DB, userID, scope, key string) (*domain.Idempotency, error) {
	if strings.TrimSpace(scope) == "" || key == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND scope = ? AND key = ? AND expires_at > ?", userID, scope, key, clock()).
		Take(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency records that key produced resourceID with status, valid
// for ttl. A live record for the same tuple yields ErrDuplicate. An expired
// one is replaced.
func CreateIdempotency(ctx context.Context, db *gorm.DB, userID, scope, key string, resourceID int64, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := clock()
	rec := &domain.Idempotency{
		ID:         uuid.NewString(),
		UserID:     userID,
		Scope:      scope,
		Key:        key,
		ResourceID: resourceID,
		Status:     status,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND scope = ? AND key = ? AND expires_at <= ?", userID, scope, key, now).
			Delete(&domain.Idempotency{}).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredIdempotency deletes records that expired at or before now and
// returns how many were removed.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", clock()).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation also matches the plain-text errors glebarez/sqlite
// returns instead of gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "constraint failed: unique")
}
