package realtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options bounds one connection's lifetime and buffering.
type Options struct {
	HandshakeTimeout time.Duration // upgrade + first join
	WriteTimeout     time.Duration // per frame
	PongWait         time.Duration
	PingPeriod       time.Duration
	SendBuffer       int
	MaxMessageBytes  int64
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       54 * time.Second,
		SendBuffer:       64,
		MaxMessageBytes:  4096,
	}
}

// Connection is one upgraded WebSocket. Its life is Open -> (JoinedRoom) ->
// Closed; Closed is terminal and always removes it from the hub.
type Connection struct {
	id       string
	ws       *websocket.Conn
	hub      *Hub
	opts     Options
	identity atomic.Value // string; empty until known
	joined   atomic.Bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// NewConnection wraps ws. identity is the user established at handshake, if
// any; when set, the connection may only join that user's room.
func NewConnection(ws *websocket.Conn, hub *Hub, identity string, opts Options) *Connection {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 1
	}
	id := uuid.NewString()
	c := &Connection{
		id:   id,
		ws:   ws,
		hub:  hub,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
		log:  log.With().Str("conn_id", id).Logger(),
	}
	c.identity.Store(identity)
	return c
}

// ID returns the connection id used in logs.
func (c *Connection) ID() string { return c.id }

// Enqueue hands frame to the writer without blocking.
func (c *Connection) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close moves the connection to Closed. Room cleanup happens here so it runs
// for abrupt disconnects as well as orderly ones.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.Remove(c)
		wsConnections.Dec()
		c.log.Debug().Msg("ws closed")
	})
}

// Serve runs the connection until it closes. It blocks.
func (c *Connection) Serve() {
	if err := c.hub.Track(c); err != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(c.opts.WriteTimeout))
		_ = c.ws.Close()
		return
	}
	wsConnections.Inc()
	c.log.Debug().Msg("ws open")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readPump()
	c.Close()
	wg.Wait()
}

func (c *Connection) readPump() {
	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	c.ws.SetPongHandler(func(string) error {
		if c.joined.Load() {
			return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		}
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				wsTransportErrors.WithLabelValues("read").Inc()
				c.log.Warn().Err(fmt.Errorf("%w: %v", ErrTransport, err)).Msg("ws read failed")
			}
			return
		}
		c.handle(raw)
	}
}

func (c *Connection) handle(raw []byte) {
	var room RoomPayload
	f, err := Decode(raw, &room)
	if err != nil {
		c.reply(errorEvent(err.Error()))
		return
	}
	switch f.Event {
	case EventJoinRoom:
		c.join(room.UserID)
	case EventLeaveRoom:
		if c.hub.Leave(c, room.UserID) {
			c.log.Debug().Str("user_id", room.UserID).Msg("ws left room")
		}
		c.reply(Event{Name: EventRoomLeft, Data: RoomPayload{UserID: room.UserID}})
	default:
		c.reply(errorEvent("unknown event " + f.Event))
	}
}

func (c *Connection) join(userID string) {
	if want, _ := c.identity.Load().(string); want != "" && want != userID {
		c.reply(errorEvent("cannot join another user's room"))
		return
	}
	if err := c.hub.Join(c, userID); err != nil {
		c.reply(errorEvent(err.Error()))
		if errors.Is(err, ErrHubClosed) {
			c.Close()
		}
		return
	}
	c.identity.Store(userID)
	if !c.joined.Swap(true) {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	}
	c.log.Debug().Str("user_id", userID).Msg("ws joined room")
	c.reply(Event{Name: EventRoomJoined, Data: RoomPayload{UserID: userID}})
}

// reply queues a frame for this connection only.
func (c *Connection) reply(ev Event) {
	frame, err := Encode(ev)
	if err != nil {
		return
	}
	if !c.Enqueue(frame) {
		c.Close()
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteTimeout))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.fail("write", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.fail("ping", err)
				return
			}
		}
	}
}

// fail records a transport error and closes only this connection.
func (c *Connection) fail(op string, err error) {
	wsTransportErrors.WithLabelValues(op).Inc()
	c.log.Warn().Err(fmt.Errorf("%w: %v", ErrTransport, err)).Str("op", op).Msg("ws transport failed")
	c.Close()
}
