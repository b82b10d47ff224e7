// Package httpapi wires the Gin engine to the notification store, the
// publisher and the real-time gateway, and orders the shared middleware
// (tracing, request ids, access log, recovery, metrics, compression, CORS,
// security headers, idempotency and rate limiting).
//
// The hub is owned by the caller. Hijacked WebSocket connections are not
// tracked by http.Server, so shutdown closes the hub before draining.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-notification-backend/internal/config"
	"github.com/tbourn/go-notification-backend/internal/domain"
	"github.com/tbourn/go-notification-backend/internal/http/handlers"
	"github.com/tbourn/go-notification-backend/internal/http/middleware"
	"github.com/tbourn/go-notification-backend/internal/realtime"
	"github.com/tbourn/go-notification-backend/internal/repo"
	"github.com/tbourn/go-notification-backend/internal/services"
)

// notificationRepoShim adapts the repository free functions to the
// services.NotificationRepo interface.
type notificationRepoShim struct{}

func (notificationRepoShim) CreateNotification(ctx context.Context, db *gorm.DB, in domain.NewNotification) (*domain.Notification, error) {
	return repo.CreateNotification(ctx, db, in)
}

func (notificationRepoShim) CountNotifications(ctx context.Context, db *gorm.DB, userID string, st *domain.NotificationStatus) (int64, error) {
	return repo.CountNotifications(ctx, db, userID, st)
}

func (notificationRepoShim) ListNotificationsPage(ctx context.Context, db *gorm.DB, userID string, st *domain.NotificationStatus, offset, limit int) ([]domain.Notification, error) {
	return repo.ListNotificationsPage(ctx, db, userID, st, offset, limit)
}

func (notificationRepoShim) ListRecentNotifications(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.Notification, error) {
	return repo.ListRecentNotifications(ctx, db, userID, limit)
}

func (notificationRepoShim) CountUnread(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountUnread(ctx, db, userID)
}

func (notificationRepoShim) GetNotification(ctx context.Context, db *gorm.DB, id int64, userID string) (*domain.Notification, error) {
	return repo.GetNotification(ctx, db, id, userID)
}

func (notificationRepoShim) MarkNotificationRead(ctx context.Context, db *gorm.DB, id int64, userID string) (*domain.Notification, bool, error) {
	return repo.MarkNotificationRead(ctx, db, id, userID)
}

func (notificationRepoShim) MarkAllNotificationsRead(ctx context.Context, db *gorm.DB, userID string) (int64, int64, error) {
	return repo.MarkAllNotificationsRead(ctx, db, userID)
}

func (notificationRepoShim) DeleteNotification(ctx context.Context, db *gorm.DB, id int64, userID string) (*domain.Notification, error) {
	return repo.DeleteNotification(ctx, db, id, userID)
}

func (notificationRepoShim) NotificationsStats(ctx context.Context, db *gorm.DB, userID string) (repo.NotificationStats, error) {
	return repo.NotificationsStats(ctx, db, userID)
}

// idempotencyShim implements handlers.IdempotencyStore on the repo package.
type idempotencyShim struct {
	db  *gorm.DB
	ttl time.Duration
}

func (s idempotencyShim) Find(ctx context.Context, who, scope, key string) (int64, bool) {
	rec, err := repo.GetIdempotency(ctx, s.db, who, scope, key)
	if err != nil || rec == nil {
		return 0, false
	}
	return rec.ResourceID, true
}

// Remember treats a duplicate key as success: a concurrent first request
// already recorded it.
func (s idempotencyShim) Remember(ctx context.Context, who, scope, key string, id int64) error {
	ttl := s.ttl
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	_, err := repo.CreateIdempotency(ctx, s.db, who, scope, key, id, http.StatusCreated, ttl)
	if err == repo.ErrDuplicate {
		return nil
	}
	return err
}

// RegisterRoutes attaches all middleware and endpoints to r and returns the
// publisher other in-process subsystems use to raise notifications.
//
// Middleware order matters. Identity runs before the access log so the
// request logger carries user_id, and idempotency runs before the rate
// limiter so a replayed request is never throttled. Compression skips /ws
// and /metrics.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, hub *realtime.Hub, cfg config.Config) *services.Publisher {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Identity())
	r.Use(middleware.AccessLog(middleware.AccessLogOptions{
		MaskHeaders: []string{"X-API-Key"},
		QuietPaths:  []string{"/health", "/metrics"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	idem := idempotencyShim{db: db, ttl: cfg.IdempotencyTTL}
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, who, scope, key string) (bool, error) {
			_, found := idem.Find(ctx, who, scope, key)
			return found, nil
		},
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/ws", "/metrics"})))

	r.Use(corsFor(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		Expose:     []string{"ETag", "Idempotency-Replayed"},
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": hub.Rooms()})
	})
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: store ← repo/db, publisher ← store + hub
	store := services.NewNotificationService(db, notificationRepoShim{})
	store.Events = hub
	if cfg.RecentLimit > 0 {
		store.RecentLimit = cfg.RecentLimit
	}
	if cfg.MaxPageSize > 0 {
		store.MaxPageSize = cfg.MaxPageSize
	}
	pub := services.NewPublisher(store, hub)
	h := handlers.New(store, pub, idem)

	gw := realtime.NewGateway(hub, gatewayOptions(cfg.Gateway), cfg.Gateway.AllowedOrigins)
	r.GET("/ws", gw.Handle)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/notifications", h.CreateNotification)
		api.GET("/notifications/:id", h.ListNotifications)
		api.GET("/notifications/:id/unread-count", h.UnreadCount)
		api.GET("/notifications/:id/recent", h.RecentNotifications)
		api.PATCH("/notifications/:id/read", h.MarkRead)
		api.PATCH("/notifications/:id/read-all", h.MarkAllRead)
		api.DELETE("/notifications/:id", h.DeleteNotification)
	}
	return pub
}

// gatewayOptions maps config onto connection options, keeping defaults for
// zero values.
func gatewayOptions(g config.GatewayConfig) realtime.Options {
	o := realtime.DefaultOptions()
	if g.HandshakeTimeout > 0 {
		o.HandshakeTimeout = g.HandshakeTimeout
	}
	if g.WriteTimeout > 0 {
		o.WriteTimeout = g.WriteTimeout
	}
	if g.PongWait > 0 {
		o.PongWait = g.PongWait
	}
	if g.PingPeriod > 0 {
		o.PingPeriod = g.PingPeriod
	}
	if g.SendBuffer > 0 {
		o.SendBuffer = g.SendBuffer
	}
	if g.MaxMessageBytes > 0 {
		o.MaxMessageBytes = g.MaxMessageBytes
	}
	return o
}

// corsFor returns the CORS middleware chain. With no configured origins it
// allows all (ACAO: * even without an Origin header, which simple health
// checks rely on); otherwise it echoes allow-listed origins.
func corsFor(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", "If-None-Match", middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps the request body size to maxBytes using http.MaxBytesReader.
// Requests exceeding the cap cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
