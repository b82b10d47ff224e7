package clientsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-notification-backend/internal/realtime"
)

type recorder struct {
	mu        sync.Mutex
	connected int
	frames    []realtime.Frame
	drops     []error
	onConnect chan struct{}
	onDrop    chan struct{}
	// hook runs inside Connected, before it is signalled.
	hook func()
}

func newRecorder() *recorder {
	return &recorder{onConnect: make(chan struct{}, 8), onDrop: make(chan struct{}, 8)}
}

func (r *recorder) Connected() {
	if r.hook != nil {
		r.hook()
	}
	r.mu.Lock()
	r.connected++
	r.mu.Unlock()
	r.onConnect <- struct{}{}
}

func (r *recorder) Frame(f realtime.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recorder) Disconnected(err error) {
	r.mu.Lock()
	r.drops = append(r.drops, err)
	r.mu.Unlock()
	r.onDrop <- struct{}{}
}

func wsURL(s *httptest.Server) string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func fastBackOff() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

func waitConnect(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case <-r.onConnect:
	case <-time.After(2 * time.Second):
		t.Fatal("push client did not connect")
	}
}

func waitDrop(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case <-r.onDrop:
	case <-time.After(2 * time.Second):
		t.Fatal("push client did not drop the connection")
	}
}

// acceptJoin reads the client's join-user-room and returns its user id.
func acceptJoin(ws *websocket.Conn) (string, bool) {
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return "", false
	}
	var room realtime.RoomPayload
	f, err := realtime.Decode(raw, &room)
	if err != nil || f.Event != realtime.EventJoinRoom {
		return "", false
	}
	return room.UserID, true
}

func writeEvent(ws *websocket.Conn, ev realtime.Event) {
	frame, _ := realtime.Encode(ev)
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

func joinedEvent(userID string) realtime.Event {
	return realtime.Event{Name: realtime.EventRoomJoined, Data: realtime.RoomPayload{UserID: userID}}
}

// startRun runs pc until the test ends and returns the cancel func.
func startRun(t *testing.T, pc *PushClient, h PushHandler) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- pc.Run(ctx, h) }()
	t.Cleanup(stop)
	return stop, ch
}

func gatewayURL(t *testing.T) (*realtime.Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := realtime.NewHub()
	gw := realtime.NewGateway(hub, realtime.DefaultOptions(), nil)
	r := gin.New()
	r.GET("/ws", gw.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, wsURL(srv) + "/ws"
}

func TestPushClient_JoinsOnEveryConnectAndDeliversFrames(t *testing.T) {
	var (
		conns atomic.Int32
		joins = make(chan string, 4)
	)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := conns.Add(1)

		user, ok := acceptJoin(ws)
		if !ok {
			return
		}
		joins <- user

		if n == 1 {
			// A push that overtakes the ack is still delivered, after Connected.
			writeEvent(ws, realtime.DeletedEvent(9))
			writeEvent(ws, joinedEvent(user))
			_ = ws.WriteMessage(websocket.TextMessage, []byte("not json"))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
			return
		}
		writeEvent(ws, joinedEvent(user))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	pc := &PushClient{URL: wsURL(srv), UserID: "42", NewBackOff: fastBackOff}
	cancel, done := startRun(t, pc, rec)

	waitConnect(t, rec)
	waitConnect(t, rec)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, "42", <-joins)
	assert.Equal(t, "42", <-joins, "room is re-joined after reconnect")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.connected)
	require.Len(t, rec.frames, 1, "acks and undecodable frames are not delivered")
	assert.Equal(t, realtime.EventNotificationDeleted, rec.frames[0].Event)
	require.NotEmpty(t, rec.drops)
	assert.ErrorIs(t, rec.drops[0], errClosed)
}

func TestPushClient_ConnectedOnlyOnceInRoom(t *testing.T) {
	hub, url := gatewayURL(t)

	for i := 0; i < 20; i++ {
		var size int
		rec := newRecorder()
		rec.hook = func() { size = hub.RoomSize("alice") }
		pc := &PushClient{URL: url, UserID: "alice", NewBackOff: fastBackOff}
		cancel, done := startRun(t, pc, rec)

		waitConnect(t, rec)
		require.Equal(t, 1, size, "run %d: Connected fired before the hub joined the room", i)
		cancel()
		<-done
		require.Eventually(t, func() bool { return hub.RoomSize("alice") == 0 }, 2*time.Second, 5*time.Millisecond)
	}
}

func TestPushClient_RejectedJoinIsNotConnected(t *testing.T) {
	hub, url := gatewayURL(t)

	rec := newRecorder()
	pc := &PushClient{
		URL:        url,
		UserID:     "alice",
		Header:     http.Header{"X-User-ID": {"bob"}},
		NewBackOff: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	err := pc.Run(context.Background(), rec)
	require.ErrorIs(t, err, ErrJoinRejected)
	assert.Contains(t, err.Error(), "another user's room")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Zero(t, rec.connected)
	assert.Empty(t, rec.drops)
	assert.Zero(t, hub.RoomSize("alice"))
}

func TestPushClient_UnacknowledgedJoinTimesOut(t *testing.T) {
	quit := make(chan struct{})
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		acceptJoin(ws)
		<-quit
	}))
	defer srv.Close()
	defer close(quit)

	pc := &PushClient{
		URL:         wsURL(srv),
		UserID:      "1",
		JoinTimeout: 50 * time.Millisecond,
		NewBackOff:  func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	rec := newRecorder()
	err := pc.Run(context.Background(), rec)
	assert.ErrorIs(t, err, errSilent)
	assert.Zero(t, rec.connected)
}

func TestPushClient_SilentServerIsDroppedAndRedialed(t *testing.T) {
	quit := make(chan struct{})
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		user, ok := acceptJoin(ws)
		if !ok {
			return
		}
		writeEvent(ws, joinedEvent(user))
		// Hold the TCP connection open without sending anything.
		<-quit
	}))
	defer srv.Close()
	defer close(quit)

	rec := newRecorder()
	pc := &PushClient{URL: wsURL(srv), UserID: "1", PongWait: 100 * time.Millisecond, NewBackOff: fastBackOff}
	cancel, _ := startRun(t, pc, rec)
	defer cancel()

	waitConnect(t, rec)
	waitDrop(t, rec)
	waitConnect(t, rec)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ErrorIs(t, rec.drops[0], errSilent)
}

func TestPushClient_PingsKeepConnectionAlive(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		user, ok := acceptJoin(ws)
		if !ok {
			return
		}
		writeEvent(ws, joinedEvent(user))
		// Three pong waits of pings only, then one frame and a clean close.
		for i := 0; i < 10; i++ {
			time.Sleep(30 * time.Millisecond)
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
		writeEvent(ws, realtime.ReadEvent(3))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	rec := newRecorder()
	pc := &PushClient{URL: wsURL(srv), UserID: "1", PongWait: 100 * time.Millisecond, NewBackOff: fastBackOff}
	cancel, _ := startRun(t, pc, rec)
	defer cancel()

	waitConnect(t, rec)
	waitDrop(t, rec)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ErrorIs(t, rec.drops[0], errClosed)
	require.Len(t, rec.frames, 1)
	assert.Equal(t, realtime.EventNotificationRead, rec.frames[0].Event)
}

func TestPushClient_StopsWhenBackOffGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	pc := &PushClient{
		URL:        wsURL(srv),
		UserID:     "1",
		NewBackOff: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	err := pc.Run(context.Background(), newRecorder())
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestCloseReason(t *testing.T) {
	assert.Equal(t, errClosed, closeReason(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.ErrorIs(t, closeReason(timeoutErr{}), errSilent)
	other := errors.New("reset")
	assert.Equal(t, other, closeReason(other))
}
