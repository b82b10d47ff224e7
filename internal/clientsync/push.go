package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-notification-backend/internal/realtime"
)

// PushHandler receives push transport callbacks. Calls are made from the
// goroutine running PushClient.Run, one at a time.
type PushHandler interface {
	// Connected fires after every (re)connect once the gateway has
	// acknowledged the room join.
	Connected()
	// Frame delivers one server frame.
	Frame(f realtime.Frame)
	// Disconnected fires when a joined connection drops.
	Disconnected(err error)
}

// ErrJoinRejected is returned when the gateway answers join-user-room with
// an error frame, e.g. because the connection is pinned to another user.
var ErrJoinRejected = errors.New("push: join rejected")

// errSilent is reported when neither a frame nor a ping arrived in time.
var errSilent = errors.New("push: connection went silent")

// PushClient keeps one WebSocket to the gateway alive and re-joins the
// user's room on every connect, since membership does not survive a
// reconnect.
type PushClient struct {
	URL    string
	UserID string
	Header http.Header
	Dialer *websocket.Dialer
	// NewBackOff builds the reconnect schedule; nil selects an exponential
	// backoff between 250ms and 30s.
	NewBackOff func() backoff.BackOff
	// JoinTimeout bounds the wait for room:joined. Zero means 10s.
	JoinTimeout time.Duration
	// PongWait is how long a joined connection may go without a frame or a
	// ping before it is dropped. Zero means 60s; the gateway pings every 54s.
	PongWait time.Duration
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	return b
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Run connects, joins, and dispatches frames to h until ctx is done. It
// returns ctx.Err() on cancellation. A rejected or unacknowledged join is
// retried on the backoff schedule like a failed dial.
func (p *PushClient) Run(ctx context.Context, h PushHandler) error {
	newBO := p.NewBackOff
	if newBO == nil {
		newBO = defaultBackOff
	}
	bo := newBO()
	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	for {
		ws, resp, err := dialer.DialContext(ctx, p.URL, p.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			var joined bool
			joined, err = p.session(ctx, ws, h)
			if joined {
				bo.Reset()
			}
			_ = ws.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		log.Debug().Err(err).Dur("retry_in", wait).Str("user_id", p.UserID).Msg("push reconnect scheduled")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session joins the room on ws and reads until it fails. joined reports
// whether h.Connected was called.
func (p *PushClient) session(ctx context.Context, ws *websocket.Conn, h PushHandler) (joined bool, err error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = ws.Close()
		case <-stop:
		}
	}()

	early, err := p.join(ws)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	h.Connected()
	for _, f := range early {
		h.Frame(f)
	}
	err = p.readLoop(ctx, ws, h)
	h.Disconnected(err)
	return true, err
}

// join sends join-user-room and waits for the matching room:joined. Frames
// that arrive first (a push racing the ack) are returned for delivery after
// Connected.
func (p *PushClient) join(ws *websocket.Conn) ([]realtime.Frame, error) {
	frame, err := realtime.Encode(realtime.Event{Name: realtime.EventJoinRoom, Data: realtime.RoomPayload{UserID: p.UserID}})
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(orDefault(p.JoinTimeout, 10*time.Second))
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, err
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	var early []realtime.Frame
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await %s: %w", realtime.EventRoomJoined, closeReason(err))
		}
		f, err := realtime.Decode(raw, nil)
		if err != nil {
			continue
		}
		switch f.Event {
		case realtime.EventRoomJoined:
			var ack realtime.RoomPayload
			if json.Unmarshal(f.Data, &ack) == nil && ack.UserID == p.UserID {
				return early, nil
			}
		case realtime.EventError:
			var e realtime.ErrorPayload
			_ = json.Unmarshal(f.Data, &e)
			return nil, fmt.Errorf("%w: %s", ErrJoinRejected, e.Message)
		default:
			early = append(early, f)
		}
	}
}

// readLoop reads until the connection fails or ctx ends. Every frame and
// every server ping pushes the read deadline out by PongWait.
func (p *PushClient) readLoop(ctx context.Context, ws *websocket.Conn, h PushHandler) error {
	wait := orDefault(p.PongWait, 60*time.Second)
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(wait)) }
	extend()
	ws.SetPingHandler(func(data string) error {
		extend()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return closeReason(err)
		}
		extend()
		f, err := realtime.Decode(raw, nil)
		if err != nil {
			log.Debug().Err(err).Msg("push frame ignored")
			continue
		}
		h.Frame(f)
	}
}

// errClosed is reported when the server ends the session cleanly.
var errClosed = errors.New("push: closed by server")

// closeReason maps a read error to something worth logging.
func closeReason(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return errClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", errSilent, err)
	}
	return err
}
