// Package realtime implements the notification fan-out gateway: a room
// manager keyed by user id, WebSocket connection lifecycle, and the JSON
// frame protocol spoken by both the server and clientsync.
//
// Every frame on the wire is a single JSON object {"event": ..., "data": ...}.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tbourn/go-notification-backend/internal/domain"
)

// Client-to-server events.
const (
	EventJoinRoom  = "join-user-room"
	EventLeaveRoom = "leave-user-room"
)

// Server-to-client events.
const (
	EventNotificationNew     = "notification:new"
	EventNotificationRead    = "notification:read"
	EventNotificationReadAll = "notification:read-all"
	EventNotificationDeleted = "notification:deleted"
	EventRoomJoined          = "room:joined"
	EventRoomLeft            = "room:left"
	EventError               = "error"
)

// ErrTransport marks read/write failures on a single connection. It never
// leaves the gateway; callers only see it in logs and metrics.
var ErrTransport = errors.New("transport error")

// Event is an outbound frame. Data is marshalled as-is.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Frame is the decoded form of any frame; Data is left raw so the receiver
// can pick the payload type from Event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomPayload carries the user id for join/leave requests and their acks.
type RoomPayload struct {
	UserID string `json:"userId"`
}

// UnmarshalJSON also accepts the bare forms "42" and 42 that browser
// clients commonly send for join/leave.
func (p *RoomPayload) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.UserID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		p.UserID = n.String()
		return nil
	}
	type plain RoomPayload
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = RoomPayload(v)
	return nil
}

// ReadPayload reflects a single mark-as-read to other sessions.
type ReadPayload struct {
	ID int64 `json:"id"`
}

// ReadAllPayload reflects a mark-all-as-read to other sessions. Only ids at
// or below UpTo were marked; anything newer is still unread.
type ReadAllPayload struct {
	UserID  string `json:"userId"`
	Updated int64  `json:"updated"`
	UpTo    int64  `json:"upTo"`
}

// DeletedPayload reflects a deletion to other sessions.
type DeletedPayload struct {
	ID int64 `json:"id"`
}

// ErrorPayload is sent when a client frame cannot be honoured.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewNotificationEvent wraps a freshly persisted notification. The payload is
// the full entity so clients can render it without a follow-up fetch.
func NewNotificationEvent(n domain.Notification) Event {
	return Event{Name: EventNotificationNew, Data: n}
}

// ReadEvent builds the notification:read reflection.
func ReadEvent(id int64) Event { return Event{Name: EventNotificationRead, Data: ReadPayload{ID: id}} }

// ReadAllEvent builds the notification:read-all reflection.
func ReadAllEvent(userID string, updated, upTo int64) Event {
	return Event{Name: EventNotificationReadAll, Data: ReadAllPayload{UserID: userID, Updated: updated, UpTo: upTo}}
}

// DeletedEvent builds the notification:deleted reflection.
func DeletedEvent(id int64) Event {
	return Event{Name: EventNotificationDeleted, Data: DeletedPayload{ID: id}}
}

func errorEvent(msg string) Event { return Event{Name: EventError, Data: ErrorPayload{Message: msg}} }

// Encode marshals ev into a single text frame.
func Encode(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	return b, nil
}

// Decode parses a frame and its payload in one step. A nil out skips the
// payload.
func Decode(raw []byte, out any) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, errors.New("decode frame: missing event")
	}
	if out != nil && len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, out); err != nil {
			return f, fmt.Errorf("decode %s payload: %w", f.Event, err)
		}
	}
	return f, nil
}
