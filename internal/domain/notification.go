// Package domain defines the persistence models for notifications and
// idempotency records. These types are mapped with GORM and form the core
// data layer of the notification service.
package domain

import (
	"strings"
	"time"
)

// NotificationType is the closed set of business events a notification can
// describe. Values outside the set are rejected at creation time.
type NotificationType string

const (
	TypeOrder   NotificationType = "order"
	TypeEvent   NotificationType = "event"
	TypeReview  NotificationType = "review"
	TypeComment NotificationType = "comment"
	TypeSystem  NotificationType = "system"
	TypeVoucher NotificationType = "voucher"
	TypeLoyalty NotificationType = "loyalty"
)

// NotificationTypes lists every allowed NotificationType in a stable order.
func NotificationTypes() []NotificationType {
	return []NotificationType{TypeOrder, TypeEvent, TypeReview, TypeComment, TypeSystem, TypeVoucher, TypeLoyalty}
}

// Valid reports whether t is a member of the allowed set.
func (t NotificationType) Valid() bool {
	for _, v := range NotificationTypes() {
		if t == v {
			return true
		}
	}
	return false
}

// NotificationStatus is the two-valued read state of a notification.
type NotificationStatus string

const (
	StatusUnread NotificationStatus = "unread"
	StatusRead   NotificationStatus = "read"
)

// ParseStatusFilter maps a query value to a status filter. An empty value
// means "all" and returns ok=true with a nil filter.
func ParseStatusFilter(s string) (filter *NotificationStatus, ok bool) {
	switch NotificationStatus(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return nil, true
	case StatusUnread:
		st := StatusUnread
		return &st, true
	case StatusRead:
		st := StatusRead
		return &st, true
	}
	return nil, false
}

// MaxTitleRunes bounds Notification.Title.
const MaxTitleRunes = 255

// Notification is an immutable fact about a user's account. Only Status
// changes after creation.
//
// Fields:
//   - ID: monotonically assigned primary key.
//   - UserID: owning user; indexed together with status and creation time.
//   - Type: member of the closed NotificationType set (DB check constraint).
//   - Title: short display string, 1..255 runes.
//   - Message: free-form body, non-empty.
//   - Status: "unread" on creation, "read" after a read transition.
//   - CreatedAt: assigned at creation, used for newest-first ordering.
//   - UpdatedAt: bumped on status transitions (drives ETags).
type Notification struct {
	ID        int64              `json:"id"        gorm:"primaryKey;autoIncrement"`
	UserID    string             `json:"userId"    gorm:"type:varchar(64);not null;index:idx_user_status,priority:1;index:idx_user_created,priority:1"`
	Type      NotificationType   `json:"type"      gorm:"type:varchar(16);not null;check:type IN ('order','event','review','comment','system','voucher','loyalty')"`
	Title     string             `json:"title"     gorm:"type:varchar(255);not null"`
	Message   string             `json:"message"   gorm:"type:text;not null"`
	Status    NotificationStatus `json:"status"    gorm:"type:varchar(8);not null;default:'unread';check:status IN ('unread','read');index:idx_user_status,priority:2"`
	CreatedAt time.Time          `json:"createdAt" gorm:"index:idx_user_created,priority:2"`
	UpdatedAt time.Time          `json:"-"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return "notifications" }

// IsUnread reports whether the notification has not been read yet.
func (n Notification) IsUnread() bool { return n.Status == StatusUnread }
