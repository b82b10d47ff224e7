// Command server runs the notification API and the WebSocket gateway.
//
// @title        Notification Backend API
// @version      1.0
// @description  Persistent per-user notifications with real-time WebSocket fan-out.
// @BasePath     /api/v1
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	_ "github.com/tbourn/go-notification-backend/docs"
	"github.com/tbourn/go-notification-backend/internal/config"
	httpapi "github.com/tbourn/go-notification-backend/internal/http"
	"github.com/tbourn/go-notification-backend/internal/observability"
	"github.com/tbourn/go-notification-backend/internal/realtime"
	"github.com/tbourn/go-notification-backend/internal/repo"
	"github.com/tbourn/go-notification-backend/internal/sysutil"
)

var version = "dev"

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		sysutil.ConfigureLogging("info", false, nil)
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	var logFiles []io.Writer
	if cfg.LogFile != "" {
		f := sysutil.RotatingFile(cfg.LogFile, cfg.LogFileMaxMB)
		defer f.Close()
		logFiles = append(logFiles, f)
	}
	sysutil.ConfigureLogging(cfg.LogLevel, cfg.LogPretty, nil, logFiles...)
	if envErr != nil {
		log.Debug().Msg("no .env file, reading from environment")
	}

	ctx := context.Background()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Warn().Err(err).Msg("gorm tracing disabled")
		}
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go purgeIdempotency(janitorCtx, db, time.Hour)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	hub := realtime.NewHub()
	httpapi.RegisterRoutes(r, db, hub, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked WebSocket conns are not tracked by Shutdown; close them first
	// so every room is emptied before the process exits.
	stopJanitor()
	hub.Close()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	if err := shutdownOTel(sctx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("server stopped")
}

// purgeIdempotency drops expired Idempotency-Key records every interval.
func purgeIdempotency(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db)
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency keys")
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("expired idempotency keys purged")
			}
		}
	}
}
