package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-notification-backend/internal/domain"
)

func newGatewayServer(t *testing.T, opts Options, origins ...string) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	gw := NewGateway(hub, opts, origins)

	r := gin.New()
	r.GET("/ws", gw.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func readFrame(t *testing.T, ws *websocket.Conn, out any) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := Decode(raw, out)
	require.NoError(t, err)
	return f
}

func joinRoom(t *testing.T, ws *websocket.Conn, userID string) {
	t.Helper()
	send(t, ws, `{"event":"join-user-room","data":{"userId":"`+userID+`"}}`)
	var ack RoomPayload
	f := readFrame(t, ws, &ack)
	require.Equal(t, EventRoomJoined, f.Event)
	require.Equal(t, userID, ack.UserID)
}

func TestGateway_TwoSessionsEachReceiveOnePush(t *testing.T) {
	hub, url := newGatewayServer(t, DefaultOptions())
	a := dial(t, url, nil)
	b := dial(t, url, nil)
	joinRoom(t, a, "1")
	joinRoom(t, b, "1")
	require.Equal(t, 2, hub.RoomSize("1"))

	n := domain.Notification{ID: 42, UserID: "1", Type: domain.TypeOrder, Title: "Shipped", Message: "On its way", Status: domain.StatusUnread}
	require.Equal(t, 2, hub.Broadcast("1", NewNotificationEvent(n)))

	for _, ws := range []*websocket.Conn{a, b} {
		var got domain.Notification
		f := readFrame(t, ws, &got)
		assert.Equal(t, EventNotificationNew, f.Event)
		assert.Equal(t, int64(42), got.ID)
		assert.Equal(t, "Shipped", got.Title)

		// Nothing else is pending for this connection.
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
		_, _, err := ws.ReadMessage()
		assert.Error(t, err)
	}
}

func TestGateway_BareUserIDJoinPayload(t *testing.T) {
	hub, url := newGatewayServer(t, DefaultOptions())
	ws := dial(t, url, nil)
	send(t, ws, `{"event":"join-user-room","data":7}`)
	var ack RoomPayload
	f := readFrame(t, ws, &ack)
	assert.Equal(t, EventRoomJoined, f.Event)
	assert.Equal(t, "7", ack.UserID)
	assert.Equal(t, 1, hub.RoomSize("7"))
}

func TestGateway_IdentityPinsRoom(t *testing.T) {
	hub, url := newGatewayServer(t, DefaultOptions())
	ws := dial(t, url, http.Header{"X-User-ID": []string{"alice"}})

	send(t, ws, `{"event":"join-user-room","data":{"userId":"bob"}}`)
	var e ErrorPayload
	f := readFrame(t, ws, &e)
	assert.Equal(t, EventError, f.Event)
	assert.Contains(t, e.Message, "another user")
	assert.Equal(t, 0, hub.RoomSize("bob"))

	joinRoom(t, ws, "alice")
}

func TestGateway_LeaveAck(t *testing.T) {
	hub, url := newGatewayServer(t, DefaultOptions())
	ws := dial(t, url, nil)
	joinRoom(t, ws, "u")
	send(t, ws, `{"event":"leave-user-room","data":{"userId":"u"}}`)
	f := readFrame(t, ws, nil)
	assert.Equal(t, EventRoomLeft, f.Event)
	assert.Equal(t, 0, hub.RoomSize("u"))
}

func TestGateway_UnknownEventGetsErrorFrame(t *testing.T) {
	_, url := newGatewayServer(t, DefaultOptions())
	ws := dial(t, url, nil)
	send(t, ws, `{"event":"subscribe-everything"}`)
	var e ErrorPayload
	f := readFrame(t, ws, &e)
	assert.Equal(t, EventError, f.Event)
	assert.Contains(t, e.Message, "subscribe-everything")

	send(t, ws, `not json`)
	f = readFrame(t, ws, nil)
	assert.Equal(t, EventError, f.Event)
}

func TestGateway_DisconnectCleansRoom(t *testing.T) {
	hub, url := newGatewayServer(t, DefaultOptions())
	ws := dial(t, url, nil)
	joinRoom(t, ws, "u")
	require.Equal(t, 1, hub.RoomSize("u"))

	// Abrupt close: no close frame.
	require.NoError(t, ws.UnderlyingConn().Close())

	assert.Eventually(t, func() bool { return hub.RoomSize("u") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_HandshakeTimeoutWithoutJoin(t *testing.T) {
	opts := DefaultOptions()
	opts.HandshakeTimeout = 100 * time.Millisecond
	_, url := newGatewayServer(t, opts)
	ws := dial(t, url, nil)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "server should close before the client deadline, got %v", err)
}

func TestGateway_HubCloseSendsCloseFrame(t *testing.T) {
	hub, url := newGatewayServer(t, DefaultOptions())
	ws := dial(t, url, nil)
	joinRoom(t, ws, "u")

	hub.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestGateway_RefusesAfterClose(t *testing.T) {
	hub, url := newGatewayServer(t, DefaultOptions())
	hub.Close()
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_OriginAllowList(t *testing.T) {
	_, url := newGatewayServer(t, DefaultOptions(), "https://shop.example")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws := dial(t, url, http.Header{"Origin": []string{"https://shop.example"}})
	joinRoom(t, ws, "u")
}
