package realtime

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-notification-backend/internal/domain"
)

var (
	// ErrHubClosed is returned by Join once Close has run.
	ErrHubClosed = errors.New("hub closed")
	// ErrEmptyUserID rejects joins without a room key.
	ErrEmptyUserID = errors.New("user id is required")
)

// Conn is what the hub needs from a live connection. Enqueue must not block:
// it returns false when the connection cannot take another frame.
type Conn interface {
	ID() string
	Enqueue(frame []byte) bool
	Close()
}

// Hub owns the userID -> connections mapping. Membership changes take the
// write lock and broadcasts enumerate under the read lock, so a broadcast
// never interleaves with a join or leave on the same room.
//
// A connection is in at most one room. Hubs are independent values; nothing
// here is process-global except the Prometheus collectors.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[Conn]struct{}
	member map[Conn]string
	open   map[Conn]struct{} // every tracked connection, joined or not
	closed bool
}

// NewHub returns an empty, open hub.
func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[Conn]struct{}),
		member: make(map[Conn]string),
		open:   make(map[Conn]struct{}),
	}
}

// Track registers an open connection that has not joined a room yet, so
// Close reaches it too.
func (h *Hub) Track(c Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.open[c] = struct{}{}
	return nil
}

// Join puts c into userID's room. Joining the same room twice is a no-op;
// joining a different room moves c out of its previous one.
func (h *Hub) Join(c Conn, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if cur, ok := h.member[c]; ok {
		if cur == userID {
			return nil
		}
		h.detachLocked(c, cur)
	}
	set := h.rooms[userID]
	if set == nil {
		set = make(map[Conn]struct{})
		h.rooms[userID] = set
		wsRooms.Inc()
	}
	set[c] = struct{}{}
	h.member[c] = userID
	h.open[c] = struct{}{}
	return nil
}

// Leave removes c from userID's room. It reports whether c was a member of
// that room; leaving a room c is not in changes nothing.
func (h *Hub) Leave(c Conn, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.member[c]; !ok || cur != userID {
		return false
	}
	h.detachLocked(c, userID)
	return true
}

// Remove forgets c entirely, dropping it from whatever room it is in. It is
// safe to call any number of times and for connections that never joined.
func (h *Hub) Remove(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.member[c]; ok {
		h.detachLocked(c, cur)
	}
	delete(h.open, c)
}

func (h *Hub) detachLocked(c Conn, userID string) {
	delete(h.member, c)
	set := h.rooms[userID]
	if set == nil {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.rooms, userID)
		wsRooms.Dec()
	}
}

// Broadcast queues ev on every connection in userID's room and returns how
// many accepted it. It never blocks on the network: a connection whose queue
// is full is dropped from the hub and closed, since it has already missed a
// frame and its client will resync over REST.
func (h *Hub) Broadcast(userID string, ev Event) int {
	if n, ok := ev.Data.(domain.Notification); ok && ev.Name == EventNotificationNew {
		notificationsPublished.WithLabelValues(string(n.Type)).Inc()
	}
	frame, err := Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("broadcast encode failed")
		return 0
	}

	var lagging []Conn
	delivered := 0
	h.mu.RLock()
	for c := range h.rooms[userID] {
		if c.Enqueue(frame) {
			delivered++
			continue
		}
		lagging = append(lagging, c)
	}
	h.mu.RUnlock()

	if delivered > 0 {
		wsDeliveries.WithLabelValues(outcomeQueued).Add(float64(delivered))
	}
	for _, c := range lagging {
		wsDeliveries.WithLabelValues(outcomeDropped).Inc()
		log.Warn().Str("conn_id", c.ID()).Str("user_id", userID).Str("event", ev.Name).Msg("send queue full; dropping connection")
		h.Remove(c)
		c.Close()
	}
	return delivered
}

// RoomSize reports how many connections are in userID's room.
func (h *Hub) RoomSize(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// RoomOf returns the room c is in, if any.
func (h *Hub) RoomOf(c Conn) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u, ok := h.member[c]
	return u, ok
}

// Rooms reports how many non-empty rooms exist.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Close empties every room and closes each tracked connection. Later joins
// fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]Conn, 0, len(h.open))
	for c := range h.open {
		conns = append(conns, c)
	}
	wsRooms.Sub(float64(len(h.rooms)))
	h.rooms = make(map[string]map[Conn]struct{})
	h.member = make(map[Conn]string)
	h.open = make(map[Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Closed reports whether Close has run.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
