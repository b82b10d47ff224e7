package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-notification-backend/internal/domain"
)

// frozen pins clock at t0 for the duration of the test.
func frozen(t *testing.T, t0 time.Time) func(time.Duration) {
	t.Helper()
	now := t0
	prev := clock
	clock = func() time.Time { return now }
	t.Cleanup(func() { clock = prev })
	return func(d time.Duration) { now = now.Add(d) }
}

func TestIdempotency_RoundTripAndExpiry(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	advance := frozen(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	rec, err := CreateIdempotency(ctx, db, "u1", "notifications:create", "k1", 7, 201, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" || rec.ExpiresAt.Sub(rec.CreatedAt) != time.Hour {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := GetIdempotency(ctx, db, "u1", "notifications:create", "k1")
	if err != nil || got.ResourceID != 7 || got.Status != 201 {
		t.Fatalf("lookup: %+v %v", got, err)
	}

	// keys are scoped per user
	if _, err := GetIdempotency(ctx, db, "u2", "notifications:create", "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other user: want ErrNotFound, got %v", err)
	}

	advance(time.Hour)
	if _, err := GetIdempotency(ctx, db, "u1", "notifications:create", "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired: want ErrNotFound, got %v", err)
	}
}

func TestGetIdempotency_BlankScopeOrKey(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	for _, tc := range [][2]string{{"  ", "k"}, {"s", ""}} {
		if _, err := GetIdempotency(context.Background(), db, "u1", tc[0], tc[1]); !errors.Is(err, ErrNotFound) {
			t.Fatalf("scope=%q key=%q: want ErrNotFound, got %v", tc[0], tc[1], err)
		}
	}
}

func TestCreateIdempotency_DuplicateWhileLive(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	advance := frozen(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	if _, err := CreateIdempotency(ctx, db, "u1", "s", "k", 1, 201, time.Minute); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "u1", "s", "k", 2, 201, time.Minute); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second: want ErrDuplicate, got %v", err)
	}

	// once expired the key may be reused
	advance(2 * time.Minute)
	rec, err := CreateIdempotency(ctx, db, "u1", "s", "k", 3, 201, time.Minute)
	if err != nil || rec.ResourceID != 3 {
		t.Fatalf("reuse after expiry: %+v %v", rec, err)
	}
}

func TestCreateIdempotency_NoTable(t *testing.T) {
	db := newTestDB(t)
	_, err := CreateIdempotency(context.Background(), db, "u", "s", "k", 1, 201, time.Minute)
	if err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("want a plain storage error, got %v", err)
	}
}

func TestPurgeExpiredIdempotency(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	advance := frozen(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	for i, ttl := range []time.Duration{time.Minute, time.Minute, time.Hour} {
		key := string(rune('a' + i))
		if _, err := CreateIdempotency(ctx, db, "u1", "s", key, int64(i), 201, ttl); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}

	advance(time.Minute)
	n, err := PurgeExpiredIdempotency(ctx, db)
	if err != nil || n != 2 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	var left int64
	db.Model(&domain.Idempotency{}).Count(&left)
	if left != 1 {
		t.Fatalf("want 1 live record, got %d", left)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := map[string]bool{
		"UNIQUE constraint failed: idempotency.user_id": true,
		"constraint failed: UNIQUE (2067)":              true,
		"no such table: idempotency":                    false,
	}
	for msg, want := range cases {
		if got := isUniqueViolation(errors.New(msg)); got != want {
			t.Errorf("isUniqueViolation(%q) = %v", msg, got)
		}
	}
	if isUniqueViolation(nil) {
		t.Error("nil is not a violation")
	}
}
