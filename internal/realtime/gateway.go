package realtime

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-notification-backend/internal/sysutil"
)

// Gateway upgrades HTTP requests into hub connections.
type Gateway struct {
	Hub      *Hub
	Opts     Options
	upgrader websocket.Upgrader
}

// NewGateway builds a gateway over hub. An empty allowedOrigins accepts any
// Origin header.
func NewGateway(hub *Hub, opts Options, allowedOrigins []string) *Gateway {
	return &Gateway{
		Hub:  hub,
		Opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: opts.HandshakeTimeout,
			CheckOrigin:      originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// Handle godoc
// @Summary      Real-time notification stream
// @Description  Upgrades to a WebSocket. Send {"event":"join-user-room","data":{"userId":"..."}} to start receiving notification:new frames.
// @Tags         realtime
// @Param        X-User-ID  header  string  false  "Acting user; when present the connection may only join this room"
// @Success      101
// @Router       /ws [get]
func (g *Gateway) Handle(c *gin.Context) {
	if g.Hub.Closed() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	identity := sysutil.FirstNonEmpty(c.GetString("userID"), c.GetHeader("X-User-ID"), c.Query("userId"))

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		wsTransportErrors.WithLabelValues("upgrade").Inc()
		log.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	NewConnection(ws, g.Hub, strings.TrimSpace(identity), g.Opts).Serve()
}
