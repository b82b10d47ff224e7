package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-notification-backend/internal/domain"
)

// NotificationStats is the aggregate a user's ETag is derived from. Any
// create, status change or delete moves at least one field.
type NotificationStats struct {
	Count        int64
	Unread       int64
	MaxID        int64
	MaxUpdatedAt *time.Time
}

// NotificationsStats aggregates userID's notifications. A user with none
// gets zero counters and a nil MaxUpdatedAt.
func NotificationsStats(ctx context.Context, db *gorm.DB, userID string) (NotificationStats, error) {
	var agg struct {
		Count  int64
		Unread int64
		MaxID  int64
	}
	scoped := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.Notification{}).Where("user_id = ?", userID)
	}
	err := scoped().
		Select("COUNT(*) AS count, COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS unread, COALESCE(MAX(id), 0) AS max_id", domain.StatusUnread).
		Scan(&agg).Error
	if err != nil {
		return NotificationStats{}, err
	}
	st := NotificationStats{Count: agg.Count, Unread: agg.Unread, MaxID: agg.MaxID}
	if st.Count == 0 {
		return st, nil
	}

	// MAX(updated_at) comes back as TEXT from sqlite; order and take the row
	var latest struct{ UpdatedAt time.Time }
	if err := scoped().Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&latest).Error; err != nil {
		return NotificationStats{}, err
	}
	st.MaxUpdatedAt = &latest.UpdatedAt
	return st, nil
}
