// Package repo persists notifications and idempotency records with GORM on
// SQLite. Functions take the *gorm.DB explicitly so services can pass a
// transaction in its place.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-notification-backend/internal/domain"
)

// sqlite is single-writer; a small pool keeps readers busy without piling up
// writers behind busy_timeout.
const (
	maxOpenConns    = 10
	connMaxIdleTime = 5 * time.Minute
	connMaxLifetime = 30 * time.Minute
	slowQuery       = 200 * time.Millisecond
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// OpenSQLite opens or creates the database file at path. The parent
// directory must already exist.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("database dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: queryLogger{slow: slowQuery}})
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if err := db.Exec(p).Error; err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	return db, nil
}

// EnableTracing registers the GORM OpenTelemetry plugin so every query runs
// inside a span of the request that issued it. Metrics export is left to
// Prometheus.
func EnableTracing(db *gorm.DB) error {
	return db.Use(tracing.NewPlugin(tracing.WithoutMetrics()))
}

// AutoMigrate creates or updates the notification and idempotency tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Notification{},
		&domain.Idempotency{},
	)
}

// logFor prefers the request logger AccessLog stored in ctx.
func logFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// queryLogger sends GORM's query log to zerolog. Statements are logged at
// debug, slow ones at warn, failures at error. Not-found is not a failure.
type queryLogger struct {
	slow time.Duration
}

func (l queryLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return l }

func (queryLogger) Info(ctx context.Context, msg string, args ...any) {
	logFor(ctx).Info().Msgf(msg, args...)
}

func (queryLogger) Warn(ctx context.Context, msg string, args ...any) {
	logFor(ctx).Warn().Msgf(msg, args...)
}

func (queryLogger) Error(ctx context.Context, msg string, args ...any) {
	logFor(ctx).Error().Msgf(msg, args...)
}

func (l queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	var ev *zerolog.Event
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !isUniqueViolation(err):
		ev = logFor(ctx).Error().Err(err)
	case l.slow > 0 && elapsed > l.slow:
		ev = logFor(ctx).Warn().Bool("slow", true)
	default:
		ev = logFor(ctx).Debug()
	}
	if !ev.Enabled() {
		return
	}
	sql, rows := fc()
	ev.Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("gorm")
}
