// Package clientsync keeps one session's view of a user's notifications
// consistent while three unordered sources feed it: the initial fetch, a
// periodic reconciliation poll, and pushed gateway events.
//
// All merging happens in Reduce, a pure function from (State, Event) to the
// next State. The Controller only performs I/O and feeds Reduce.
//
// Merge rules:
//   - a push adds exactly one unread and prepends the item, unless the id is
//     already listed
//   - a poll replaces the unread count
//   - local mutations apply optimistically and roll back on failure
//   - reflected read/read-all/delete events from other sessions apply only
//     when they still change something, so they never double count
package clientsync

import (
	"github.com/tbourn/go-notification-backend/internal/domain"
)

// DefaultCapacity bounds the recent list when State.Capacity is zero.
const DefaultCapacity = 5

// State is one session's local view.
type State struct {
	UnreadCount int64
	Recent      []domain.Notification
	Capacity    int

	// Connected mirrors the push transport.
	Connected bool
	// Notice is a transient message for the user, set when an optimistic
	// change had to be rolled back.
	Notice string

	// Generation increases every time the count is replaced from the
	// server. Rollbacks started in an older generation leave the count alone.
	Generation uint64

	pending map[uint64]undo
}

// Pending reports how many optimistic operations await a server answer.
func (s State) Pending() int { return len(s.pending) }

type opKind int

const (
	opMarkRead opKind = iota + 1
	opMarkAll
	opDelete
)

// undo remembers what an optimistic op changed.
type undo struct {
	kind  opKind
	gen   uint64
	delta int64
	// prior holds the touched items as they were before the op.
	prior []domain.Notification
	// index is where a deleted item sat in Recent.
	index int
}

// Event is an input to Reduce.
type Event interface{ isEvent() }

// Loaded carries a full refresh (initial fetch or explicit Refresh).
type Loaded struct {
	UnreadCount int64
	Recent      []domain.Notification
}

// Polled carries the authoritative unread count.
type Polled struct{ UnreadCount int64 }

// Pushed carries a notification:new frame.
type Pushed struct{ Notification domain.Notification }

// ReadReflected says another session marked ID read.
type ReadReflected struct{ ID int64 }

// ReadAllReflected says another session marked everything up to UpTo read.
// Zero means no watermark was sent and every listed item is covered.
type ReadAllReflected struct{ UpTo int64 }

// DeletedReflected says another session deleted ID.
type DeletedReflected struct{ ID int64 }

// ConnectionChanged mirrors the push transport state.
type ConnectionChanged struct{ Connected bool }

// MarkReadStarted applies a local mark-read optimistically.
type MarkReadStarted struct {
	Op uint64
	ID int64
}

// MarkAllStarted applies a local mark-all-read optimistically.
type MarkAllStarted struct{ Op uint64 }

// DeleteStarted applies a local delete optimistically.
type DeleteStarted struct {
	Op uint64
	ID int64
}

// OpSucceeded confirms an optimistic op.
type OpSucceeded struct{ Op uint64 }

// OpFailed rolls an optimistic op back and surfaces Notice.
type OpFailed struct {
	Op     uint64
	Notice string
}

// NoticeDismissed clears State.Notice.
type NoticeDismissed struct{}

func (Loaded) isEvent()            {}
func (Polled) isEvent()            {}
func (Pushed) isEvent()            {}
func (ReadReflected) isEvent()     {}
func (ReadAllReflected) isEvent()  {}
func (DeletedReflected) isEvent()  {}
func (ConnectionChanged) isEvent() {}
func (MarkReadStarted) isEvent()   {}
func (MarkAllStarted) isEvent()    {}
func (DeleteStarted) isEvent()     {}
func (OpSucceeded) isEvent()       {}
func (OpFailed) isEvent()          {}
func (NoticeDismissed) isEvent()   {}

// Reduce returns the state after ev. s is never modified.
func Reduce(s State, ev Event) State {
	next := s.clone()
	switch e := ev.(type) {
	case Loaded:
		next.UnreadCount = floor(e.UnreadCount)
		next.Recent = capList(append([]domain.Notification(nil), e.Recent...), next.capacity())
		next.Generation++
		next.Notice = ""

	case Polled:
		next.UnreadCount = floor(e.UnreadCount)
		next.Generation++

	case Pushed:
		if next.indexOf(e.Notification.ID) >= 0 {
			return s
		}
		list := make([]domain.Notification, 0, len(next.Recent)+1)
		list = append(list, e.Notification)
		next.Recent = capList(append(list, next.Recent...), next.capacity())
		next.UnreadCount++

	case ReadReflected:
		i := next.indexOf(e.ID)
		if i < 0 || !next.Recent[i].IsUnread() {
			return s
		}
		next.Recent[i].Status = domain.StatusRead
		next.UnreadCount = floor(next.UnreadCount - 1)

	case ReadAllReflected:
		// Items pushed after the server's read-all sit above the watermark
		// and are all the server still counts; the next poll fixes the rest.
		var newer int64
		for i := range next.Recent {
			if e.UpTo > 0 && next.Recent[i].ID > e.UpTo {
				if next.Recent[i].IsUnread() {
					newer++
				}
				continue
			}
			next.Recent[i].Status = domain.StatusRead
		}
		next.UnreadCount = newer

	case DeletedReflected:
		i := next.indexOf(e.ID)
		if i < 0 {
			return s
		}
		if next.Recent[i].IsUnread() {
			next.UnreadCount = floor(next.UnreadCount - 1)
		}
		next.Recent = removeAt(next.Recent, i)

	case ConnectionChanged:
		next.Connected = e.Connected

	case MarkReadStarted:
		u := undo{kind: opMarkRead, gen: next.Generation}
		if i := next.indexOf(e.ID); i >= 0 {
			u.prior = []domain.Notification{next.Recent[i]}
			if next.Recent[i].IsUnread() {
				next.Recent[i].Status = domain.StatusRead
			}
		}
		// An unlisted id is assumed unread; the server count is the judge.
		if len(u.prior) == 0 || u.prior[0].IsUnread() {
			u.delta = decrement(&next.UnreadCount, 1)
		}
		next.setPending(e.Op, u)

	case MarkAllStarted:
		u := undo{kind: opMarkAll, gen: next.Generation}
		for i := range next.Recent {
			if next.Recent[i].IsUnread() {
				u.prior = append(u.prior, next.Recent[i])
				next.Recent[i].Status = domain.StatusRead
			}
		}
		u.delta = decrement(&next.UnreadCount, next.UnreadCount)
		next.setPending(e.Op, u)

	case DeleteStarted:
		u := undo{kind: opDelete, gen: next.Generation, index: -1}
		if i := next.indexOf(e.ID); i >= 0 {
			u.prior = []domain.Notification{next.Recent[i]}
			u.index = i
			if next.Recent[i].IsUnread() {
				u.delta = decrement(&next.UnreadCount, 1)
			}
			next.Recent = removeAt(next.Recent, i)
		}
		next.setPending(e.Op, u)

	case OpSucceeded:
		if _, ok := next.pending[e.Op]; !ok {
			return s
		}
		delete(next.pending, e.Op)

	case OpFailed:
		u, ok := next.pending[e.Op]
		if !ok {
			return s
		}
		delete(next.pending, e.Op)
		next.rollback(u)
		next.Notice = e.Notice

	case NoticeDismissed:
		next.Notice = ""

	default:
		return s
	}
	return next
}

// rollback restores what u changed. The count is restored only if no poll
// or refresh replaced it in the meantime.
func (s *State) rollback(u undo) {
	if u.gen == s.Generation {
		s.UnreadCount += u.delta
	}
	switch u.kind {
	case opMarkRead, opMarkAll:
		for _, p := range u.prior {
			if i := s.indexOf(p.ID); i >= 0 {
				s.Recent[i].Status = p.Status
			}
		}
	case opDelete:
		if len(u.prior) == 0 || s.indexOf(u.prior[0].ID) >= 0 {
			return
		}
		at := u.index
		if at > len(s.Recent) {
			at = len(s.Recent)
		}
		list := make([]domain.Notification, 0, len(s.Recent)+1)
		list = append(list, s.Recent[:at]...)
		list = append(list, u.prior[0])
		list = append(list, s.Recent[at:]...)
		s.Recent = capList(list, s.capacity())
	}
}

func (s State) clone() State {
	out := s
	out.Recent = append([]domain.Notification(nil), s.Recent...)
	if s.pending != nil {
		out.pending = make(map[uint64]undo, len(s.pending))
		for k, v := range s.pending {
			out.pending[k] = v
		}
	}
	return out
}

func (s *State) setPending(op uint64, u undo) {
	if s.pending == nil {
		s.pending = make(map[uint64]undo)
	}
	s.pending[op] = u
}

func (s State) capacity() int {
	if s.Capacity > 0 {
		return s.Capacity
	}
	return DefaultCapacity
}

func (s State) indexOf(id int64) int {
	for i := range s.Recent {
		if s.Recent[i].ID == id {
			return i
		}
	}
	return -1
}

// decrement lowers *n by up to by, never below zero, and returns how much
// it actually took.
func decrement(n *int64, by int64) int64 {
	if by > *n {
		by = *n
	}
	if by < 0 {
		by = 0
	}
	*n -= by
	return by
}

func floor(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func capList(l []domain.Notification, max int) []domain.Notification {
	if len(l) > max {
		return l[:max]
	}
	return l
}

func removeAt(l []domain.Notification, i int) []domain.Notification {
	out := make([]domain.Notification, 0, len(l)-1)
	out = append(out, l[:i]...)
	return append(out, l[i+1:]...)
}
