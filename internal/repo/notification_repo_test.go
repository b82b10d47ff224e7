package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-notification-backend/internal/domain"
)

func mustCreate(t *testing.T, _ context.Context, userID string, typ domain.NotificationType, title string, create func(domain.NewNotification) (*domain.Notification, error)) *domain.Notification {
	t.Helper()
	n, err := create(domain.NewNotification{UserID: userID, Type: typ, Title: title, Message: "body of " + title})
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return n
}

func TestCreateNotification_Error_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	n, err := CreateNotification(context.Background(), db, domain.NewNotification{UserID: "u1", Type: domain.TypeSystem, Title: "t", Message: "m"})
	if err == nil || n != nil {
		t.Fatalf("expected error creating without table, got n=%v err=%v", n, err)
	}
}

func TestCreateNotification_AssignsMonotonicIDsAndUnread(t *testing.T) {
	db := newTestDB(t, &domain.Notification{})
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)
	var last int64
	for i := 0; i < 3; i++ {
		n, err := CreateNotification(ctx, db, domain.NewNotification{UserID: "u1", Type: domain.TypeOrder, Title: "t", Message: "m"})
		if err != nil {
			t.Fatalf("CreateNotification: %v", err)
		}
		if n.ID <= last {
			t.Fatalf("ids must increase: got %d after %d", n.ID, last)
		}
		last = n.ID
		if n.Status != domain.StatusUnread {
			t.Fatalf("new notification status = %q", n.Status)
		}
		if n.CreatedAt.Before(start) {
			t.Fatalf("CreatedAt seems unset: %v", n.CreatedAt)
		}
	}
}

func TestListNotificationsPage_OrderFilterAndPaging(t *testing.T) {
	db := newTestDB(t, &domain.Notification{})
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	seed := []domain.Notification{
		{UserID: "u1", Type: domain.TypeSystem, Title: "n1", Message: "m", Status: domain.StatusRead, CreatedAt: base},
		{UserID: "u1", Type: domain.TypeOrder, Title: "n2", Message: "m", Status: domain.StatusUnread, CreatedAt: base.Add(time.Hour)},
		{UserID: "u1", Type: domain.TypeOrder, Title: "n3", Message: "m", Status: domain.StatusUnread, CreatedAt: base.Add(2 * time.Hour)},
		{UserID: "u2", Type: domain.TypeOrder, Title: "other", Message: "m", Status: domain.StatusUnread, CreatedAt: base.Add(3 * time.Hour)},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	all, err := ListNotificationsPage(ctx, db, "u1", nil, 0, 10)
	if err != nil {
		t.Fatalf("ListNotificationsPage: %v", err)
	}
	if len(all) != 3 || all[0].Title != "n3" || all[1].Title != "n2" || all[2].Title != "n1" {
		t.Fatalf("unexpected order: %+v", all)
	}

	unread := domain.StatusUnread
	onlyUnread, err := ListNotificationsPage(ctx, db, "u1", &unread, 0, 10)
	if err != nil {
		t.Fatalf("ListNotificationsPage unread: %v", err)
	}
	if len(onlyUnread) != 2 {
		t.Fatalf("expected 2 unread, got %d", len(onlyUnread))
	}

	page2, err := ListNotificationsPage(ctx, db, "u1", nil, 2, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 1 || page2[0].Title != "n1" {
		t.Fatalf("unexpected page 2: %+v", page2)
	}

	beyond, err := ListNotificationsPage(ctx, db, "u1", nil, 100, 2)
	if err != nil || len(beyond) != 0 || beyond == nil {
		t.Fatalf("expected empty non-nil page, got %v err=%v", beyond, err)
	}

	total, err := CountNotifications(ctx, db, "u1", &unread)
	if err != nil || total != 2 {
		t.Fatalf("CountNotifications unread = %d err=%v", total, err)
	}
}

func TestListRecentNotifications_SameTimestampUsesIDTieBreak(t *testing.T) {
	db := newTestDB(t, &domain.Notification{})
	ctx := context.Background()

	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var ids []int64
	for _, title := range []string{"a", "b", "c"} {
		n := domain.Notification{UserID: "u1", Type: domain.TypeOrder, Title: title, Message: "m", Status: domain.StatusUnread, CreatedAt: ts}
		if err := db.Create(&n).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
		ids = append(ids, n.ID)
	}

	got, err := ListRecentNotifications(ctx, db, "u1", 1)
	if err != nil {
		t.Fatalf("ListRecentNotifications: %v", err)
	}
	if len(got) != 1 || got[0].ID != ids[2] {
		t.Fatalf("expected newest id %d, got %+v", ids[2], got)
	}
}

func TestMarkNotificationRead_IdempotentAndOwnership(t *testing.T) {
	db := newTestDB(t, &domain.Notification{})
	ctx := context.Background()
	create := func(in domain.NewNotification) (*domain.Notification, error) { return CreateNotification(ctx, db, in) }

	n := mustCreate(t, ctx, "u1", domain.TypeReview, "review", create)

	got, changed, err := MarkNotificationRead(ctx, db, n.ID, "u1")
	if err != nil || !changed || got.Status != domain.StatusRead {
		t.Fatalf("first mark: got=%+v changed=%v err=%v", got, changed, err)
	}

	got, changed, err = MarkNotificationRead(ctx, db, n.ID, "u1")
	if err != nil || changed || got.Status != domain.StatusRead {
		t.Fatalf("second mark should be a no-op: got=%+v changed=%v err=%v", got, changed, err)
	}

	if _, _, err := MarkNotificationRead(ctx, db, n.ID, "intruder"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign user should get ErrNotFound, got %v", err)
	}
	if _, _, err := MarkNotificationRead(ctx, db, 9999, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id should get ErrNotFound, got %v", err)
	}
}

func TestMarkAllNotificationsRead_CountsOnlyChangedRows(t *testing.T) {
	db := newTestDB(t, &domain.Notification{})
	ctx := context.Background()
	create := func(in domain.NewNotification) (*domain.Notification, error) { return CreateNotification(ctx, db, in) }

	first := mustCreate(t, ctx, "u1", domain.TypeOrder, "a", create)
	mustCreate(t, ctx, "u1", domain.TypeOrder, "b", create)
	last := mustCreate(t, ctx, "u1", domain.TypeOrder, "c", create)
	mustCreate(t, ctx, "u2", domain.TypeOrder, "x", create)
	if _, _, err := MarkNotificationRead(ctx, db, first.ID, "u1"); err != nil {
		t.Fatalf("mark first: %v", err)
	}

	n, upTo, err := MarkAllNotificationsRead(ctx, db, "u1")
	if err != nil || n != 2 || upTo != last.ID {
		t.Fatalf("MarkAllNotificationsRead = %d up to %d err=%v; want 2 up to %d", n, upTo, err, last.ID)
	}
	if unread, _ := CountUnread(ctx, db, "u1"); unread != 0 {
		t.Fatalf("u1 unread = %d; want 0", unread)
	}
	if unread, _ := CountUnread(ctx, db, "u2"); unread != 1 {
		t.Fatalf("u2 must be untouched, unread = %d", unread)
	}

	n, upTo, err = MarkAllNotificationsRead(ctx, db, "u1")
	if err != nil || n != 0 || upTo != 0 {
		t.Fatalf("second MarkAll = %d up to %d err=%v; want 0", n, upTo, err)
	}
}

func TestMarkAllNotificationsRead_WatermarkIsHighestUnread(t *testing.T) {
	db := newTestDB(t, &domain.Notification{})
	ctx := context.Background()
	create := func(in domain.NewNotification) (*domain.Notification, error) { return CreateNotification(ctx, db, in) }

	a := mustCreate(t, ctx, "u1", domain.TypeEvent, "a", create)
	b := mustCreate(t, ctx, "u1", domain.TypeEvent, "b", create)
	if _, _, err := MarkNotificationRead(ctx, db, b.ID, "u1"); err != nil {
		t.Fatalf("mark b: %v", err)
	}
	n, upTo, err := MarkAllNotificationsRead(ctx, db, "u1")
	if err != nil || n != 1 || upTo != a.ID {
		t.Fatalf("MarkAll = %d up to %d err=%v; want 1 up to %d", n, upTo, err, a.ID)
	}
}

func TestDeleteNotification_OwnershipLeavesRowUntouched(t *testing.T) {
	db := newTestDB(t, &domain.Notification{})
	ctx := context.Background()
	create := func(in domain.NewNotification) (*domain.Notification, error) { return CreateNotification(ctx, db, in) }

	n := mustCreate(t, ctx, "owner", domain.TypeVoucher, "voucher", create)

	if _, err := DeleteNotification(ctx, db, n.ID, "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := GetNotification(ctx, db, n.ID, "owner"); err != nil {
		t.Fatalf("row must remain after foreign delete: %v", err)
	}

	removed, err := DeleteNotification(ctx, db, n.ID, "owner")
	if err != nil || removed == nil || removed.ID != n.ID {
		t.Fatalf("owner delete: removed=%v err=%v", removed, err)
	}
	if _, err := GetNotification(ctx, db, n.ID, "owner"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected row gone, got %v", err)
	}
}

func TestConcurrentMarkReadAndMarkAll_SettleOnRead(t *testing.T) {
	db := newTestDB(t, &domain.Notification{})
	// Shared-cache in-memory SQLite reports table locks under concurrent
	// writers; a single connection serializes them like OpenSQLite's pool.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	ctx := context.Background()
	create := func(in domain.NewNotification) (*domain.Notification, error) { return CreateNotification(ctx, db, in) }

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, mustCreate(t, ctx, "u1", domain.TypeLoyalty, "pts", create).ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, _, _ = MarkNotificationRead(ctx, db, id, "u1")
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, _ = MarkAllNotificationsRead(ctx, db, "u1")
	}()
	wg.Wait()

	if unread, err := CountUnread(ctx, db, "u1"); err != nil || unread != 0 {
		t.Fatalf("unread after concurrent marks = %d err=%v", unread, err)
	}
}
